package protocol

import (
	"errors"
	"fmt"
	"time"

	enc "github.com/stratalog/kwire/encoding"
	"github.com/stratalog/kwire/types"
)

const (
	// MagicV0 is the message format of Kafka 0.8 and 0.9.
	MagicV0 int8 = 0
	// MagicV1 adds a timestamp and relative offsets in compressed sets (Kafka 0.10).
	MagicV1 int8 = 1

	timestampTypeMask int8 = 0x08
)

// Message is a single message of a MessageSet. A message whose Codec is not CompressionNone is a
// wrapper: its value holds a compressed inner MessageSet, available decoded in Set.
type Message struct {
	Codec            types.CompressionCodec // codec used to compress the message contents
	CompressionLevel int                    // compression level, types.CompressionLevelDefault when unset
	LogAppendTime    bool                   // the timestamp was assigned by the broker
	Key              []byte                 // the message key, may be nil
	Value            []byte                 // the message contents
	Set              *MessageSet            // the decoded inner messages of a compressed wrapper
	Version          int8                   // the magic byte, MagicV0 or MagicV1
	Timestamp        time.Time              // the timestamp of the message (MagicV1 only)

	compressedCache []byte
}

func (m *Message) Encode(pe enc.PacketEncoder) error {
	pe.Push(&enc.CRC32Field{})

	pe.PutInt8(m.Version)

	attributes := int8(m.Codec) & types.CompressionCodecMask
	if m.LogAppendTime {
		attributes |= timestampTypeMask
	}
	pe.PutInt8(attributes)

	if m.Version >= MagicV1 {
		pe.PutInt64(timestampMillis(m.Timestamp))
	}

	if err := pe.PutBytes(m.Key); err != nil {
		return err
	}

	var payload []byte

	if m.compressedCache != nil {
		payload = m.compressedCache
	} else if m.Value != nil || m.Set != nil {
		raw := m.Value
		if m.Set != nil && m.Codec != types.CompressionNone {
			var err error
			if raw, err = enc.Encode(m.Set); err != nil {
				return err
			}
		}
		compressed, err := compress(m.Codec, m.CompressionLevel, raw)
		if err != nil {
			return err
		}
		if m.Codec != types.CompressionNone {
			// the size pass and the write pass must see the same payload
			m.compressedCache = compressed
		}
		payload = compressed
	}

	if err := pe.PutBytes(payload); err != nil {
		return err
	}

	return pe.Pop()
}

func (m *Message) Decode(pd enc.PacketDecoder) (err error) {
	if err = pd.Push(&enc.CRC32Field{}); err != nil {
		return err
	}

	m.Version, err = pd.GetInt8()
	if err != nil {
		return err
	}
	if m.Version > MagicV1 {
		return enc.DecodingError{Info: fmt.Sprintf("unknown magic byte (%v)", m.Version)}
	}

	attribute, err := pd.GetInt8()
	if err != nil {
		return err
	}
	m.Codec = types.CompressionCodec(attribute & types.CompressionCodecMask)
	m.LogAppendTime = attribute&timestampTypeMask == timestampTypeMask

	if m.Version >= MagicV1 {
		millis, err := pd.GetInt64()
		if err != nil {
			return err
		}
		m.Timestamp = fromMillis(millis)
	}

	if m.Key, err = pd.GetBytes(); err != nil {
		return err
	}

	if m.Value, err = pd.GetBytes(); err != nil {
		return err
	}

	// Verify the wrapper before touching its payload.
	if err = pd.Pop(); err != nil {
		var sum enc.ChecksumError
		if errors.As(err, &sum) {
			return &CorruptMessageError{Expected: sum.Expected, Actual: sum.Actual}
		}
		return err
	}

	if m.Codec == types.CompressionNone {
		return nil
	}
	if m.Value == nil {
		return enc.DecodingError{Info: "compressed message has no value"}
	}

	if m.Value, err = decompress(m.Codec, m.Value); err != nil {
		return enc.DecodingError{Info: fmt.Sprintf("could not decompress %s message: %v", m.Codec, err)}
	}
	return m.decodeSet()
}

// decodeSet decodes the inner set of a compressed wrapper. A truncated inner set is corrupt, the
// broker never cuts a wrapper short.
func (m *Message) decodeSet() error {
	m.Set = new(MessageSet)
	if err := enc.Decode(m.Value, m.Set); err != nil {
		return err
	}
	if m.Set.PartialTrailingMessage {
		return enc.DecodingError{Info: "compressed message set is truncated"}
	}
	return nil
}

func timestampMillis(t time.Time) int64 {
	if t.IsZero() || t.Before(time.Unix(0, 0)) {
		return -1
	}
	return t.UnixNano() / int64(time.Millisecond)
}

func fromMillis(millis int64) time.Time {
	if millis < 0 {
		return time.Time{}
	}
	return time.Unix(millis/1000, (millis%1000)*int64(time.Millisecond))
}
