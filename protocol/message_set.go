package protocol

import (
	"encoding/binary"
	"hash/crc32"

	enc "github.com/stratalog/kwire/encoding"
)

// MessageBlock is a message together with its offset in the partition log.
type MessageBlock struct {
	Offset int64
	Msg    *Message
}

// Messages returns the uncompressed messages of the block with absolute offsets. A plain message
// is returned as is; the inner messages of a compressed wrapper are flattened, and for MagicV1
// wrappers their relative offsets are rebased onto the wrapper, which carries the offset of the
// last inner message.
func (msb *MessageBlock) Messages() []*MessageBlock {
	if msb.Msg == nil || msb.Msg.Set == nil {
		return []*MessageBlock{msb}
	}

	inner := msb.Msg.Set.Messages
	if len(inner) == 0 {
		return nil
	}

	var base int64
	if msb.Msg.Version >= MagicV1 {
		base = msb.Offset - inner[len(inner)-1].Offset
	}

	blocks := make([]*MessageBlock, 0, len(inner))
	for _, b := range inner {
		msg := b.Msg
		if msb.Msg.LogAppendTime && msg.Version >= MagicV1 {
			clone := *msg
			clone.Timestamp = msb.Msg.Timestamp
			clone.LogAppendTime = true
			msg = &clone
		}
		blocks = append(blocks, &MessageBlock{Offset: base + b.Offset, Msg: msg})
	}
	return blocks
}

func (msb *MessageBlock) Encode(pe enc.PacketEncoder) error {
	pe.PutInt64(msb.Offset)
	pe.Push(&enc.LengthField{})
	if err := msb.Msg.Encode(pe); err != nil {
		return err
	}
	return pe.Pop()
}

func (msb *MessageBlock) Decode(pd enc.PacketDecoder) (err error) {
	if msb.Offset, err = pd.GetInt64(); err != nil {
		return err
	}

	size, err := pd.GetInt32()
	if err != nil {
		return err
	}
	if size < 0 {
		return enc.DecodingError{Info: "negative message size"}
	}

	raw, err := pd.GetRawBytes(int(size))
	if err != nil {
		return err
	}

	// Any flipped bit after the crc field is reported as corruption, even one that would
	// otherwise derail the field layout.
	if len(raw) >= 4 {
		expected := binary.BigEndian.Uint32(raw)
		if actual := crc32.ChecksumIEEE(raw[4:]); actual != expected {
			return &CorruptMessageError{Expected: expected, Actual: actual}
		}
	}

	msb.Msg = new(Message)
	return enc.Decode(raw, msb.Msg)
}

// MessageSet is the unframed sequence of message blocks carried by produce requests and fetch
// responses.
type MessageSet struct {
	PartialTrailingMessage bool // whether the set on the wire contained an incomplete trailing MessageBlock
	Messages               []*MessageBlock
}

func (ms *MessageSet) Encode(pe enc.PacketEncoder) error {
	for i := range ms.Messages {
		if err := ms.Messages[i].Encode(pe); err != nil {
			return err
		}
	}
	return nil
}

func (ms *MessageSet) Decode(pd enc.PacketDecoder) (err error) {
	ms.Messages = nil

	for pd.Remaining() > 0 {
		msb := new(MessageBlock)
		err = msb.Decode(pd)
		switch err {
		case nil:
			ms.Messages = append(ms.Messages, msb)
		case enc.ErrInsufficientData:
			// As an optimization the server is allowed to return a partial message at the
			// end of the message set. Clients should handle this case. So we just ignore such things.
			ms.PartialTrailingMessage = true
			return nil
		default:
			return err
		}
	}

	return nil
}

// AddMessage appends msg with an offset relative to the start of the set.
func (ms *MessageSet) AddMessage(msg *Message) {
	ms.Messages = append(ms.Messages, &MessageBlock{Offset: int64(len(ms.Messages)), Msg: msg})
}

// Flatten returns every uncompressed message of the set in offset order.
func (ms *MessageSet) Flatten() []*MessageBlock {
	var out []*MessageBlock
	for _, b := range ms.Messages {
		out = append(out, b.Messages()...)
	}
	return out
}
