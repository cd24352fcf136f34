package encoding

import (
	"errors"
	"fmt"
)

// ErrInsufficientData is returned when decoding and the packet is truncated. This can be expected
// when requesting messages, since as an optimization the server is allowed to return a partial message at the end
// of the message set.
var ErrInsufficientData = errors.New("kafka: insufficient data to decode packet, more bytes expected")

// EncodingError is returned from a failure while encoding a Kafka packet. This can happen, for example,
// if you try to encode a string over 2^15 characters in length, since Kafka's encoding rules do not permit that.
type EncodingError struct {
	Info string
}

func (err EncodingError) Error() string {
	return fmt.Sprintf("kafka: error encoding packet: %s", err.Info)
}

// DecodingError is returned when there was an error (other than truncated data) decoding the Kafka broker's response.
// This can be a bad length field, or any other invalid value.
type DecodingError struct {
	Info string
}

func (err DecodingError) Error() string {
	return fmt.Sprintf("kafka: error decoding packet: %s", err.Info)
}

// ChecksumError is returned by CRC32Field when the checksum stored in the packet does not
// match the checksum of the bytes it covers.
type ChecksumError struct {
	Expected uint32
	Actual   uint32
}

func (err ChecksumError) Error() string {
	return fmt.Sprintf("kafka: CRC didn't match expected %#x got %#x", err.Expected, err.Actual)
}

var (
	errInvalidArrayLength  = DecodingError{Info: "invalid array length"}
	errInvalidByteSliceLen = DecodingError{Info: "invalid byteslice length"}
	errInvalidStringLength = DecodingError{Info: "invalid string length"}
	errInvalidBool         = DecodingError{Info: "invalid bool"}
)
