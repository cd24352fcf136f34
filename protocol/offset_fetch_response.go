package protocol

import (
	enc "github.com/stratalog/kwire/encoding"
	"github.com/stratalog/kwire/types"
)

type OffsetFetchResponseBlock struct {
	Offset   int64
	Metadata string
	Err      types.KError
}

func (b *OffsetFetchResponseBlock) decode(pd enc.PacketDecoder) (err error) {
	if b.Offset, err = pd.GetInt64(); err != nil {
		return err
	}

	if b.Metadata, err = pd.GetString(); err != nil {
		return err
	}

	b.Err, err = getKError(pd)
	return err
}

func (b *OffsetFetchResponseBlock) encode(pe enc.PacketEncoder) (err error) {
	pe.PutInt64(b.Offset)

	if err = pe.PutString(b.Metadata); err != nil {
		return err
	}

	pe.PutInt16(int16(b.Err))
	return nil
}

type OffsetFetchResponse struct {
	Version int16
	Blocks  map[string]map[int32]*OffsetFetchResponseBlock
}

func (r *OffsetFetchResponse) Encode(pe enc.PacketEncoder) error {
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
		for partition, block := range partitions {
			pe.PutInt32(partition)
			if err := block.encode(pe); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *OffsetFetchResponse) Decode(pd enc.PacketDecoder, version int16) (err error) {
	r.Version = version

	numTopics, err := pd.GetArrayLength()
	if err != nil || numTopics <= 0 {
		return err
	}

	r.Blocks = make(map[string]map[int32]*OffsetFetchResponseBlock, numTopics)
	for i := 0; i < numTopics; i++ {
		name, err := pd.GetString()
		if err != nil {
			return err
		}

		numBlocks, err := pd.GetArrayLength()
		if err != nil {
			return err
		}

		r.Blocks[name] = make(map[int32]*OffsetFetchResponseBlock)

		for j := 0; j < numBlocks; j++ {
			id, err := pd.GetInt32()
			if err != nil {
				return err
			}

			block := new(OffsetFetchResponseBlock)
			if err = block.decode(pd); err != nil {
				return err
			}
			r.Blocks[name][id] = block
		}
	}

	return nil
}

func (r *OffsetFetchResponse) APIKey() int16 {
	return APIKeyOffsetFetch
}

func (r *OffsetFetchResponse) APIVersion() int16 {
	return r.Version
}

func (r *OffsetFetchResponse) GetBlock(topic string, partition int32) *OffsetFetchResponseBlock {
	if r.Blocks == nil {
		return nil
	}

	if r.Blocks[topic] == nil {
		return nil
	}

	return r.Blocks[topic][partition]
}

func (r *OffsetFetchResponse) PartitionError(topic string, partition int32) types.KError {
	if block := r.GetBlock(topic, partition); block != nil {
		return block.Err
	}
	return types.ErrNoError
}

func (r *OffsetFetchResponse) AddBlock(topic string, partition int32, block *OffsetFetchResponseBlock) {
	if r.Blocks == nil {
		r.Blocks = make(map[string]map[int32]*OffsetFetchResponseBlock)
	}
	partitions := r.Blocks[topic]
	if partitions == nil {
		partitions = make(map[int32]*OffsetFetchResponseBlock)
		r.Blocks[topic] = partitions
	}
	partitions[partition] = block
}
