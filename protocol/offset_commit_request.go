package protocol

import (
	enc "github.com/stratalog/kwire/encoding"
	"github.com/stratalog/kwire/types"
)

const (
	// GroupGenerationUndefined is sent as the generation by simple consumers that do not join a group.
	GroupGenerationUndefined = -1
	// ReceiveTime is a special value for the timestamp field of Offset Commit Requests which
	// tells the broker to set the timestamp to the time at which the request was received.
	ReceiveTime int64 = -1
	// DefaultRetentionTime asks the broker to apply its configured offset retention.
	DefaultRetentionTime int64 = -1
)

type offsetCommitRequestBlock struct {
	offset    int64
	timestamp int64
	metadata  string
}

func (b *offsetCommitRequestBlock) encode(pe enc.PacketEncoder, version int16) error {
	pe.PutInt64(b.offset)
	if version == 1 {
		pe.PutInt64(b.timestamp)
	}
	return pe.PutString(b.metadata)
}

func (b *offsetCommitRequestBlock) decode(pd enc.PacketDecoder, version int16) (err error) {
	if b.offset, err = pd.GetInt64(); err != nil {
		return err
	}
	if version == 1 {
		if b.timestamp, err = pd.GetInt64(); err != nil {
			return err
		}
	}
	b.metadata, err = pd.GetString()
	return err
}

// OffsetCommitRequest stores offsets for a consumer group at its coordinator. Version 0 stores in
// ZooKeeper; versions 1 and 2 store in Kafka and carry the group generation and member id.
type OffsetCommitRequest struct {
	Version                 int16
	ConsumerGroup           string
	ConsumerGroupGeneration int32  // v1 or later
	ConsumerID              string // v1 or later
	RetentionTime           int64  // v2 only

	blocks map[string]map[int32]*offsetCommitRequestBlock
}

func (r *OffsetCommitRequest) Encode(pe enc.PacketEncoder) error {
	if err := pe.PutString(r.ConsumerGroup); err != nil {
		return err
	}

	if r.Version >= 1 {
		pe.PutInt32(r.ConsumerGroupGeneration)
		if err := pe.PutString(r.ConsumerID); err != nil {
			return err
		}
	}

	if r.Version == 2 {
		pe.PutInt64(r.RetentionTime)
	}

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

func (r *OffsetCommitRequest) Decode(pd enc.PacketDecoder, version int16) (err error) {
	r.Version = version

	if r.ConsumerGroup, err = pd.GetString(); err != nil {
		return err
	}

	if r.Version >= 1 {
		if r.ConsumerGroupGeneration, err = pd.GetInt32(); err != nil {
			return err
		}
		if r.ConsumerID, err = pd.GetString(); err != nil {
			return err
		}
	}

	if r.Version == 2 {
		if r.RetentionTime, err = pd.GetInt64(); err != nil {
			return err
		}
	}

	topicCount, err := pd.GetArrayLength()
	if err != nil || topicCount <= 0 {
		return err
	}
	r.blocks = make(map[string]map[int32]*offsetCommitRequestBlock)
	for i := 0; i < topicCount; i++ {
		topic, err := pd.GetString()
		if err != nil {
			return err
		}
		partitionCount, err := pd.GetArrayLength()
		if err != nil {
			return err
		}
		r.blocks[topic] = make(map[int32]*offsetCommitRequestBlock)
		for j := 0; j < partitionCount; j++ {
			partition, err := pd.GetInt32()
			if err != nil {
				return err
			}
			block := &offsetCommitRequestBlock{}
			if err := block.decode(pd, r.Version); err != nil {
				return err
			}
			r.blocks[topic][partition] = block
		}
	}
	return nil
}

func (r *OffsetCommitRequest) APIKey() int16 {
	return APIKeyOffsetCommit
}

func (r *OffsetCommitRequest) APIVersion() int16 {
	return r.Version
}

func (r *OffsetCommitRequest) AddBlock(topic string, partitionID int32, offset int64, timestamp int64, metadata string) {
	if r.blocks == nil {
		r.blocks = make(map[string]map[int32]*offsetCommitRequestBlock)
	}

	if r.blocks[topic] == nil {
		r.blocks[topic] = make(map[int32]*offsetCommitRequestBlock)
	}

	r.blocks[topic][partitionID] = &offsetCommitRequestBlock{offset, timestamp, metadata}
}

// Offset returns the offset and metadata committed for a partition.
func (r *OffsetCommitRequest) Offset(topic string, partitionID int32) (int64, string, bool) {
	block, ok := r.blocks[topic][partitionID]
	if !ok {
		return 0, "", false
	}
	return block.offset, block.metadata, true
}

// Partitions lists the committed topic partitions.
func (r *OffsetCommitRequest) Partitions() []types.TopicPartition {
	var tps []types.TopicPartition
	for topic, partitions := range r.blocks {
		for partition := range partitions {
			tps = append(tps, types.TopicPartition{Topic: topic, Partition: partition})
		}
	}
	return tps
}
