/*
Package encoding provides an API for dealing with data that is encoded using Kafka's
encoding rules.

Kafka uses a custom set of encoding rules for arrays, strings, and other non-trivial data structures.
This package implements encoders and decoders for Go types in this format, as well as broader helper
functions for encoding entire structs a field at a time.
*/
package encoding

import "fmt"

// Encoder is the interface that wraps the basic Encode method.
// Anything implementing Encoder can be turned into bytes using Kafka's encoding rules.
type Encoder interface {
	Encode(pe PacketEncoder) error
}

// Decoder is the interface that wraps the basic Decode method.
// Anything implementing Decoder can be extracted from bytes using Kafka's encoding rules.
type Decoder interface {
	Decode(pd PacketDecoder) error
}

// VersionedDecoder is a Decoder whose layout depends on the protocol version it was sent with.
type VersionedDecoder interface {
	Decode(pd PacketDecoder, version int16) error
}

// Encode takes an Encoder and turns it into bytes. It runs the encoder twice: once to
// compute the exact length, and once to fill the buffer.
func Encode(in Encoder) ([]byte, error) {
	if in == nil {
		return nil, nil
	}

	var prepEnc prepEncoder
	var realEnc realEncoder

	err := in.Encode(&prepEnc)
	if err != nil {
		return nil, err
	}

	if prepEnc.length < 0 || prepEnc.length > int(MaxRequestSize) {
		return nil, EncodingError{fmt.Sprintf("invalid request size (%d)", prepEnc.length)}
	}

	realEnc.raw = make([]byte, prepEnc.length)
	err = in.Encode(&realEnc)
	if err != nil {
		return nil, err
	}

	return realEnc.raw, nil
}

// Decode takes bytes and a Decoder and fills the fields of the decoder from the bytes,
// interpreted using Kafka's encoding rules. All bytes must be consumed.
func Decode(buf []byte, in Decoder) error {
	if buf == nil {
		return nil
	}

	helper := realDecoder{raw: buf}
	err := in.Decode(&helper)
	if err != nil {
		return err
	}

	if helper.off != len(buf) {
		return DecodingError{Info: fmt.Sprintf("invalid length (off=%d, len=%d)", helper.off, len(buf))}
	}

	return nil
}

// VersionedDecode is Decode for bodies whose layout depends on the protocol version.
func VersionedDecode(buf []byte, in VersionedDecoder, version int16) error {
	if buf == nil {
		return nil
	}

	helper := realDecoder{raw: buf}
	err := in.Decode(&helper, version)
	if err != nil {
		return err
	}

	if helper.off != len(buf) {
		return DecodingError{Info: fmt.Sprintf("invalid length (off=%d, len=%d)", helper.off, len(buf))}
	}

	return nil
}

// MaxRequestSize is the maximum size (in bytes) of any request that will be encoded.
var MaxRequestSize int32 = 100 * 1024 * 1024
