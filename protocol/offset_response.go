package protocol

import (
	enc "github.com/stratalog/kwire/encoding"
	"github.com/stratalog/kwire/types"
)

type OffsetResponseBlock struct {
	Err types.KError
	// Offsets contains the result offsets (for V0/V1 compatibility)
	Offsets []int64 // Version 0
	// Timestamp contains the timestamp associated with the returned offset.
	Timestamp int64 // Version 1
	// Offset contains the returned offset.
	Offset int64 // Version 1
}

func (b *OffsetResponseBlock) decode(pd enc.PacketDecoder, version int16) (err error) {
	if b.Err, err = getKError(pd); err != nil {
		return err
	}

	if version == 0 {
		b.Offsets, err = pd.GetInt64Array()
		if len(b.Offsets) > 0 {
			b.Offset = b.Offsets[0]
		}
		return err
	}

	if b.Timestamp, err = pd.GetInt64(); err != nil {
		return err
	}

	if b.Offset, err = pd.GetInt64(); err != nil {
		return err
	}

	// For backwards compatibility put the offset in the offsets array too
	b.Offsets = []int64{b.Offset}

	return nil
}

func (b *OffsetResponseBlock) encode(pe enc.PacketEncoder, version int16) (err error) {
	pe.PutInt16(int16(b.Err))

	if version == 0 {
		return pe.PutInt64Array(b.Offsets)
	}

	pe.PutInt64(b.Timestamp)
	pe.PutInt64(b.Offset)

	return nil
}

type OffsetResponse struct {
	Version int16
	Blocks  map[string]map[int32]*OffsetResponseBlock
}

func (r *OffsetResponse) Decode(pd enc.PacketDecoder, version int16) (err error) {
	r.Version = version

	numTopics, err := pd.GetArrayLength()
	if err != nil {
		return err
	}

	r.Blocks = make(map[string]map[int32]*OffsetResponseBlock)
	for i := 0; i < numTopics; i++ {
		name, err := pd.GetString()
		if err != nil {
			return err
		}

		numBlocks, err := pd.GetArrayLength()
		if err != nil {
			return err
		}

		r.Blocks[name] = make(map[int32]*OffsetResponseBlock)

		for j := 0; j < numBlocks; j++ {
			id, err := pd.GetInt32()
			if err != nil {
				return err
			}

			block := new(OffsetResponseBlock)
			if err = block.decode(pd, version); err != nil {
				return err
			}
			r.Blocks[name][id] = block
		}
	}

	return nil
}

func (r *OffsetResponse) Encode(pe enc.PacketEncoder) (err error) {
	if err = pe.PutArrayLength(len(r.Blocks)); err != nil {
		return err
	}

	for topic, partitions := range r.Blocks {
		if err = pe.PutString(topic); err != nil {
			return err
		}
		if err = pe.PutArrayLength(len(partitions)); err != nil {
			return err
		}
		for partition, block := range partitions {
			pe.PutInt32(partition)
			if err = block.encode(pe, r.Version); err != nil {
				return err
			}
		}
	}

	return nil
}

func (r *OffsetResponse) APIKey() int16 {
	return APIKeyListOffsets
}

func (r *OffsetResponse) APIVersion() int16 {
	return r.Version
}

func (r *OffsetResponse) GetBlock(topic string, partition int32) *OffsetResponseBlock {
	if r.Blocks == nil {
		return nil
	}

	if r.Blocks[topic] == nil {
		return nil
	}

	return r.Blocks[topic][partition]
}

func (r *OffsetResponse) PartitionError(topic string, partition int32) types.KError {
	if block := r.GetBlock(topic, partition); block != nil {
		return block.Err
	}
	return types.ErrNoError
}

// AddTopicPartition records the offset of one partition, as the mock broker does.
func (r *OffsetResponse) AddTopicPartition(topic string, partition int32, offset int64) {
	if r.Blocks == nil {
		r.Blocks = make(map[string]map[int32]*OffsetResponseBlock)
	}
	byTopic, ok := r.Blocks[topic]
	if !ok {
		byTopic = make(map[int32]*OffsetResponseBlock)
		r.Blocks[topic] = byTopic
	}
	byTopic[partition] = &OffsetResponseBlock{Offsets: []int64{offset}, Offset: offset, Timestamp: -1}
}

// AddError records an error for one partition.
func (r *OffsetResponse) AddError(topic string, partition int32, kerr types.KError) {
	r.AddTopicPartition(topic, partition, -1)
	r.Blocks[topic][partition].Err = kerr
	r.Blocks[topic][partition].Offsets = nil
}
