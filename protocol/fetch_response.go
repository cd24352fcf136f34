package protocol

import (
	"time"

	enc "github.com/stratalog/kwire/encoding"
	"github.com/stratalog/kwire/types"
)

type FetchResponseBlock struct {
	Err                 types.KError
	HighWaterMarkOffset int64
	MsgSet              MessageSet
}

func (b *FetchResponseBlock) encode(pe enc.PacketEncoder) error {
	pe.PutInt16(int16(b.Err))
	pe.PutInt64(b.HighWaterMarkOffset)
	pe.Push(&enc.LengthField{})
	if err := b.MsgSet.Encode(pe); err != nil {
		return err
	}
	return pe.Pop()
}

func (b *FetchResponseBlock) decode(pd enc.PacketDecoder) (err error) {
	if b.Err, err = getKError(pd); err != nil {
		return err
	}

	if b.HighWaterMarkOffset, err = pd.GetInt64(); err != nil {
		return err
	}

	msgSetSize, err := pd.GetInt32()
	if err != nil {
		return err
	}

	msgSetDecoder, err := pd.GetSubset(int(msgSetSize))
	if err != nil {
		return err
	}
	return b.MsgSet.Decode(msgSetDecoder)
}

type FetchResponse struct {
	Version      int16
	ThrottleTime time.Duration // only provided if Version >= 1
	Blocks       map[string]map[int32]*FetchResponseBlock
}

func (r *FetchResponse) Encode(pe enc.PacketEncoder) error {
	if r.Version >= 1 {
		pe.PutInt32(int32(r.ThrottleTime / time.Millisecond))
	}

	if err := pe.PutArrayLength(len(r.Blocks)); err != nil {
		return err
	}
	for topic, partitions := range r.Blocks {
		if err := pe.PutString(topic); err != nil {
			return err
		}
		if err := pe.PutArrayLength(len(partitions)); err != nil {
			return err
		}
		for id, block := range partitions {
			pe.PutInt32(id)
			if err := block.encode(pe); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *FetchResponse) Decode(pd enc.PacketDecoder, version int16) (err error) {
	r.Version = version

	if r.Version >= 1 {
		millis, err := pd.GetInt32()
		if err != nil {
			return err
		}
		r.ThrottleTime = time.Duration(millis) * time.Millisecond
	}

	numTopics, err := pd.GetArrayLength()
	if err != nil {
		return err
	}

	r.Blocks = make(map[string]map[int32]*FetchResponseBlock)
	for i := 0; i < numTopics; i++ {
		name, err := pd.GetString()
		if err != nil {
			return err
		}

		numBlocks, err := pd.GetArrayLength()
		if err != nil {
			return err
		}

		r.Blocks[name] = make(map[int32]*FetchResponseBlock)

		for j := 0; j < numBlocks; j++ {
			id, err := pd.GetInt32()
			if err != nil {
				return err
			}

			block := new(FetchResponseBlock)
			if err = block.decode(pd); err != nil {
				return err
			}
			r.Blocks[name][id] = block
		}
	}

	return nil
}

func (r *FetchResponse) APIKey() int16 {
	return APIKeyFetch
}

func (r *FetchResponse) APIVersion() int16 {
	return r.Version
}

func (r *FetchResponse) GetBlock(topic string, partition int32) *FetchResponseBlock {
	if r.Blocks == nil {
		return nil
	}

	if r.Blocks[topic] == nil {
		return nil
	}

	return r.Blocks[topic][partition]
}

func (r *FetchResponse) PartitionError(topic string, partition int32) types.KError {
	if block := r.GetBlock(topic, partition); block != nil {
		return block.Err
	}
	return types.ErrNoError
}

func (r *FetchResponse) getOrCreateBlock(topic string, partition int32) *FetchResponseBlock {
	if r.Blocks == nil {
		r.Blocks = make(map[string]map[int32]*FetchResponseBlock)
	}
	partitions, ok := r.Blocks[topic]
	if !ok {
		partitions = make(map[int32]*FetchResponseBlock)
		r.Blocks[topic] = partitions
	}
	block, ok := partitions[partition]
	if !ok {
		block = new(FetchResponseBlock)
		partitions[partition] = block
	}
	return block
}

// AddError sets the error code of a partition's block.
func (r *FetchResponse) AddError(topic string, partition int32, err types.KError) {
	r.getOrCreateBlock(topic, partition).Err = err
}

// SetHighWaterMark sets the high-water mark of a partition's block.
func (r *FetchResponse) SetHighWaterMark(topic string, partition int32, offset int64) {
	r.getOrCreateBlock(topic, partition).HighWaterMarkOffset = offset
}

// AddMessage appends a message at an absolute offset to a partition's block.
func (r *FetchResponse) AddMessage(topic string, partition int32, offset int64, msg *Message) {
	set := &r.getOrCreateBlock(topic, partition).MsgSet
	set.Messages = append(set.Messages, &MessageBlock{Offset: offset, Msg: msg})
}
