package protocol

import (
	"errors"
	"fmt"
)

// ErrProtocol is matched by every *ProtocolError through errors.Is.
var ErrProtocol = errors.New("kafka: protocol violation")

// ProtocolError is returned when bytes received from (or destined for) a broker do not fit the
// schema selected for them: an unknown API key or version, a malformed length, or truncated input.
type ProtocolError struct {
	Info string
	Err  error
}

func (err *ProtocolError) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("kafka: protocol violation: %s: %v", err.Info, err.Err)
	}
	return "kafka: protocol violation: " + err.Info
}

func (err *ProtocolError) Unwrap() error {
	return err.Err
}

func (err *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// CorruptMessageError is returned when a message's stored CRC32 does not match the checksum of its
// contents. It is never retried.
type CorruptMessageError struct {
	Expected uint32
	Actual   uint32
}

func (err *CorruptMessageError) Error() string {
	return fmt.Sprintf("kafka: corrupt message: CRC didn't match expected %#x got %#x", err.Expected, err.Actual)
}
