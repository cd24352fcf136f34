package protocol

import (
	enc "github.com/stratalog/kwire/encoding"
	"github.com/stratalog/kwire/types"
)

type offsetRequestBlock struct {
	time       int64
	maxOffsets int32 // Only used in version 0
}

func (b *offsetRequestBlock) encode(pe enc.PacketEncoder, version int16) error {
	pe.PutInt64(b.time)
	if version == 0 {
		pe.PutInt32(b.maxOffsets)
	}
	return nil
}

func (b *offsetRequestBlock) decode(pd enc.PacketDecoder, version int16) (err error) {
	if b.time, err = pd.GetInt64(); err != nil {
		return err
	}
	if version == 0 {
		b.maxOffsets, err = pd.GetInt32()
	}
	return err
}

// OffsetRequest is the ListOffsets request: it asks for the offset in effect at a time per topic
// partition, or for the newest or oldest offset with types.OffsetNewest and types.OffsetOldest.
type OffsetRequest struct {
	Version int16
	blocks  map[string]map[int32]*offsetRequestBlock
}

func (r *OffsetRequest) Encode(pe enc.PacketEncoder) error {
	pe.PutInt32(-1) // replica ID is always -1 for clients

	if err := pe.PutArrayLength(len(r.blocks)); err != nil {
		return err
	}
	for topic, partitions := range r.blocks {
		if err := pe.PutString(topic); err != nil {
			return err
		}
		if err := pe.PutArrayLength(len(partitions)); err != nil {
			return err
		}
		for partition, block := range partitions {
			pe.PutInt32(partition)
			if err := block.encode(pe, r.Version); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *OffsetRequest) Decode(pd enc.PacketDecoder, version int16) error {
	r.Version = version

	// Ignore replica ID
	if _, err := pd.GetInt32(); err != nil {
		return err
	}
	blockCount, err := pd.GetArrayLength()
	if err != nil || blockCount <= 0 {
		return err
	}
	r.blocks = make(map[string]map[int32]*offsetRequestBlock)
	for i := 0; i < blockCount; i++ {
		topic, err := pd.GetString()
		if err != nil {
			return err
		}
		partitionCount, err := pd.GetArrayLength()
		if err != nil {
			return err
		}
		r.blocks[topic] = make(map[int32]*offsetRequestBlock)
		for j := 0; j < partitionCount; j++ {
			partition, err := pd.GetInt32()
			if err != nil {
				return err
			}
			block := &offsetRequestBlock{}
			if err := block.decode(pd, version); err != nil {
				return err
			}
			r.blocks[topic][partition] = block
		}
	}
	return nil
}

func (r *OffsetRequest) APIKey() int16 {
	return APIKeyListOffsets
}

func (r *OffsetRequest) APIVersion() int16 {
	return r.Version
}

// AddBlock asks for the offset at time (milliseconds, or an OffsetTime sentinel).
func (r *OffsetRequest) AddBlock(topic string, partitionID int32, time types.OffsetTime, maxOffsets int32) {
	if r.blocks == nil {
		r.blocks = make(map[string]map[int32]*offsetRequestBlock)
	}

	if r.blocks[topic] == nil {
		r.blocks[topic] = make(map[int32]*offsetRequestBlock)
	}

	tmp := new(offsetRequestBlock)
	tmp.time = int64(time)
	if r.Version == 0 {
		tmp.maxOffsets = maxOffsets
	}

	r.blocks[topic][partitionID] = tmp
}

// Time returns the requested time of a partition and whether the partition was requested.
func (r *OffsetRequest) Time(topic string, partition int32) (types.OffsetTime, bool) {
	block, ok := r.blocks[topic][partition]
	if !ok {
		return 0, false
	}
	return types.OffsetTime(block.time), true
}

// Partitions lists the requested topic partitions.
func (r *OffsetRequest) Partitions() []types.TopicPartition {
	var tps []types.TopicPartition
	for topic, partitions := range r.blocks {
		for partition := range partitions {
			tps = append(tps, types.TopicPartition{Topic: topic, Partition: partition})
		}
	}
	return tps
}
