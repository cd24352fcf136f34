package protocol

import (
	enc "github.com/stratalog/kwire/encoding"
	"github.com/stratalog/kwire/types"
)

type OffsetCommitResponse struct {
	Version int16
	Errors  map[string]map[int32]types.KError
}

func (r *OffsetCommitResponse) AddError(topic string, partition int32, kerror types.KError) {
	if r.Errors == nil {
		r.Errors = make(map[string]map[int32]types.KError)
	}
	partitions := r.Errors[topic]
	if partitions == nil {
		partitions = make(map[int32]types.KError)
		r.Errors[topic] = partitions
	}
	partitions[partition] = kerror
}

func (r *OffsetCommitResponse) Encode(pe enc.PacketEncoder) error {
	if err := pe.PutArrayLength(len(r.Errors)); err != nil {
		return err
	}
	for topic, partitions := range r.Errors {
		if err := pe.PutString(topic); err != nil {
			return err
		}
		if err := pe.PutArrayLength(len(partitions)); err != nil {
			return err
		}
		for partition, kerror := range partitions {
			pe.PutInt32(partition)
			pe.PutInt16(int16(kerror))
		}
	}
	return nil
}

func (r *OffsetCommitResponse) Decode(pd enc.PacketDecoder, version int16) (err error) {
	r.Version = version

	numTopics, err := pd.GetArrayLength()
	if err != nil || numTopics <= 0 {
		return err
	}

	r.Errors = make(map[string]map[int32]types.KError, numTopics)
	for i := 0; i < numTopics; i++ {
		name, err := pd.GetString()
		if err != nil {
			return err
		}

		numErrors, err := pd.GetArrayLength()
		if err != nil {
			return err
		}

		r.Errors[name] = make(map[int32]types.KError)

		for j := 0; j < numErrors; j++ {
			id, err := pd.GetInt32()
			if err != nil {
				return err
			}

			if r.Errors[name][id], err = getKError(pd); err != nil {
				return err
			}
		}
	}

	return nil
}

func (r *OffsetCommitResponse) APIKey() int16 {
	return APIKeyOffsetCommit
}

func (r *OffsetCommitResponse) APIVersion() int16 {
	return r.Version
}

func (r *OffsetCommitResponse) PartitionError(topic string, partition int32) types.KError {
	return r.Errors[topic][partition]
}
