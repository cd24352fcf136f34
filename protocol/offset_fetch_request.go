package protocol

import enc "github.com/stratalog/kwire/encoding"

// OffsetFetchRequest reads a consumer group's committed offsets. Version 0 reads from ZooKeeper,
// version 1 from Kafka.
type OffsetFetchRequest struct {
	Version       int16
	ConsumerGroup string
	partitions    map[string][]int32
}

func (r *OffsetFetchRequest) Encode(pe enc.PacketEncoder) (err error) {
	if err = pe.PutString(r.ConsumerGroup); err != nil {
		return err
	}

	if err = pe.PutArrayLength(len(r.partitions)); err != nil {
		return err
	}
	for topic, partitions := range r.partitions {
		if err = pe.PutString(topic); err != nil {
			return err
		}
		if err = pe.PutInt32Array(partitions); err != nil {
			return err
		}
	}
	return nil
}

func (r *OffsetFetchRequest) Decode(pd enc.PacketDecoder, version int16) (err error) {
	r.Version = version

	if r.ConsumerGroup, err = pd.GetString(); err != nil {
		return err
	}

	partitionCount, err := pd.GetArrayLength()
	if err != nil || partitionCount <= 0 {
		return err
	}
	r.partitions = make(map[string][]int32)
	for i := 0; i < partitionCount; i++ {
		topic, err := pd.GetString()
		if err != nil {
			return err
		}
		partitions, err := pd.GetInt32Array()
		if err != nil {
			return err
		}
		r.partitions[topic] = partitions
	}
	return nil
}

func (r *OffsetFetchRequest) APIKey() int16 {
	return APIKeyOffsetFetch
}

func (r *OffsetFetchRequest) APIVersion() int16 {
	return r.Version
}

func (r *OffsetFetchRequest) AddPartition(topic string, partitionID int32) {
	if r.partitions == nil {
		r.partitions = make(map[string][]int32)
	}

	r.partitions[topic] = append(r.partitions[topic], partitionID)
}

// Partitions returns the requested partitions per topic.
func (r *OffsetFetchRequest) Partitions() map[string][]int32 {
	return r.partitions
}
