package protocol

import (
	"time"

	enc "github.com/stratalog/kwire/encoding"
	"github.com/stratalog/kwire/types"
)

type ProduceResponseBlock struct {
	Err    types.KError
	Offset int64
	// only provided if Version >= 2 and the broker is configured with `LogAppendTime`
	Timestamp time.Time
}

func (b *ProduceResponseBlock) encode(pe enc.PacketEncoder, version int16) error {
	pe.PutInt16(int16(b.Err))
	pe.PutInt64(b.Offset)
	if version >= 2 {
		pe.PutInt64(timestampMillis(b.Timestamp))
	}
	return nil
}

func (b *ProduceResponseBlock) decode(pd enc.PacketDecoder, version int16) (err error) {
	if b.Err, err = getKError(pd); err != nil {
		return err
	}

	if b.Offset, err = pd.GetInt64(); err != nil {
		return err
	}

	if version >= 2 {
		millis, err := pd.GetInt64()
		if err != nil {
			return err
		}
		b.Timestamp = fromMillis(millis)
	}

	return nil
}

type ProduceResponse struct {
	Version      int16
	Blocks       map[string]map[int32]*ProduceResponseBlock
	ThrottleTime time.Duration // only provided if Version >= 1
}

func (r *ProduceResponse) Encode(pe enc.PacketEncoder) error {
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
			if err := block.encode(pe, r.Version); err != nil {
				return err
			}
		}
	}
	if r.Version >= 1 {
		pe.PutInt32(int32(r.ThrottleTime / time.Millisecond))
	}
	return nil
}

func (r *ProduceResponse) Decode(pd enc.PacketDecoder, version int16) (err error) {
	r.Version = version

	numTopics, err := pd.GetArrayLength()
	if err != nil {
		return err
	}

	r.Blocks = make(map[string]map[int32]*ProduceResponseBlock, numTopics)
	for i := 0; i < numTopics; i++ {
		name, err := pd.GetString()
		if err != nil {
			return err
		}

		numBlocks, err := pd.GetArrayLength()
		if err != nil {
			return err
		}

		r.Blocks[name] = make(map[int32]*ProduceResponseBlock)

		for j := 0; j < numBlocks; j++ {
			id, err := pd.GetInt32()
			if err != nil {
				return err
			}

			block := new(ProduceResponseBlock)
			if err := block.decode(pd, version); err != nil {
				return err
			}
			r.Blocks[name][id] = block
		}
	}

	if r.Version >= 1 {
		millis, err := pd.GetInt32()
		if err != nil {
			return err
		}
		r.ThrottleTime = time.Duration(millis) * time.Millisecond
	}

	return nil
}

func (r *ProduceResponse) APIKey() int16 {
	return APIKeyProduce
}

func (r *ProduceResponse) APIVersion() int16 {
	return r.Version
}

func (r *ProduceResponse) GetBlock(topic string, partition int32) *ProduceResponseBlock {
	if r.Blocks == nil {
		return nil
	}

	if r.Blocks[topic] == nil {
		return nil
	}

	return r.Blocks[topic][partition]
}

func (r *ProduceResponse) PartitionError(topic string, partition int32) types.KError {
	if block := r.GetBlock(topic, partition); block != nil {
		return block.Err
	}
	return types.ErrNoError
}

// AddTopicPartition records the result for one partition, as the mock broker does.
func (r *ProduceResponse) AddTopicPartition(topic string, partition int32, err types.KError, offset int64) {
	if r.Blocks == nil {
		r.Blocks = make(map[string]map[int32]*ProduceResponseBlock)
	}
	byTopic, ok := r.Blocks[topic]
	if !ok {
		byTopic = make(map[int32]*ProduceResponseBlock)
		r.Blocks[topic] = byTopic
	}
	byTopic[partition] = &ProduceResponseBlock{Err: err, Offset: offset}
}
