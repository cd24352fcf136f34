package protocol

import (
	enc "github.com/stratalog/kwire/encoding"
	"github.com/stratalog/kwire/types"
)

type PartitionMetadata struct {
	Err      types.KError
	ID       int32
	Leader   int32
	Replicas []int32
	Isr      []int32
}

func (pm *PartitionMetadata) encode(pe enc.PacketEncoder) error {
	pe.PutInt16(int16(pm.Err))
	pe.PutInt32(pm.ID)
	pe.PutInt32(pm.Leader)
	if err := pe.PutInt32Array(pm.Replicas); err != nil {
		return err
	}
	return pe.PutInt32Array(pm.Isr)
}

func (pm *PartitionMetadata) decode(pd enc.PacketDecoder) (err error) {
	if pm.Err, err = getKError(pd); err != nil {
		return err
	}

	if pm.ID, err = pd.GetInt32(); err != nil {
		return err
	}

	if pm.Leader, err = pd.GetInt32(); err != nil {
		return err
	}

	if pm.Replicas, err = pd.GetInt32Array(); err != nil {
		return err
	}

	pm.Isr, err = pd.GetInt32Array()
	return err
}

type TopicMetadata struct {
	Err        types.KError
	Name       string
	IsInternal bool // only provided if Version >= 1
	Partitions []*PartitionMetadata
}

func (tm *TopicMetadata) encode(pe enc.PacketEncoder, version int16) error {
	pe.PutInt16(int16(tm.Err))
	if err := pe.PutString(tm.Name); err != nil {
		return err
	}
	if version >= 1 {
		pe.PutBool(tm.IsInternal)
	}
	if err := pe.PutArrayLength(len(tm.Partitions)); err != nil {
		return err
	}
	for _, pm := range tm.Partitions {
		if err := pm.encode(pe); err != nil {
			return err
		}
	}
	return nil
}

func (tm *TopicMetadata) decode(pd enc.PacketDecoder, version int16) (err error) {
	if tm.Err, err = getKError(pd); err != nil {
		return err
	}

	if tm.Name, err = pd.GetString(); err != nil {
		return err
	}

	if version >= 1 {
		if tm.IsInternal, err = pd.GetBool(); err != nil {
			return err
		}
	}

	n, err := pd.GetArrayLength()
	if err != nil || n <= 0 {
		return err
	}
	tm.Partitions = make([]*PartitionMetadata, n)
	for i := 0; i < n; i++ {
		tm.Partitions[i] = new(PartitionMetadata)
		if err = tm.Partitions[i].decode(pd); err != nil {
			return err
		}
	}

	return nil
}

type MetadataResponse struct {
	Version      int16
	Brokers      []*Broker
	ControllerID int32 // only provided if Version >= 1
	Topics       []*TopicMetadata
}

func (r *MetadataResponse) Encode(pe enc.PacketEncoder) error {
	if err := pe.PutArrayLength(len(r.Brokers)); err != nil {
		return err
	}
	for _, b := range r.Brokers {
		if err := b.encode(pe, r.Version); err != nil {
			return err
		}
	}

	if r.Version >= 1 {
		pe.PutInt32(r.ControllerID)
	}

	if err := pe.PutArrayLength(len(r.Topics)); err != nil {
		return err
	}
	for _, tm := range r.Topics {
		if err := tm.encode(pe, r.Version); err != nil {
			return err
		}
	}
	return nil
}

func (r *MetadataResponse) Decode(pd enc.PacketDecoder, version int16) (err error) {
	r.Version = version

	n, err := pd.GetArrayLength()
	if err != nil {
		return err
	}

	r.Brokers = nil
	for i := 0; i < n; i++ {
		b := new(Broker)
		if err = b.decode(pd, version); err != nil {
			return err
		}
		r.Brokers = append(r.Brokers, b)
	}

	if version >= 1 {
		if r.ControllerID, err = pd.GetInt32(); err != nil {
			return err
		}
	} else {
		r.ControllerID = -1
	}

	if n, err = pd.GetArrayLength(); err != nil {
		return err
	}

	r.Topics = nil
	for i := 0; i < n; i++ {
		tm := new(TopicMetadata)
		if err = tm.decode(pd, version); err != nil {
			return err
		}
		r.Topics = append(r.Topics, tm)
	}

	return nil
}

func (r *MetadataResponse) APIKey() int16 {
	return APIKeyMetadata
}

func (r *MetadataResponse) APIVersion() int16 {
	return r.Version
}

// AddBroker advertises a broker, as the mock broker does.
func (r *MetadataResponse) AddBroker(addr string, id int32) {
	b, err := NewBroker(addr)
	if err != nil {
		return
	}
	b.ID = id
	r.Brokers = append(r.Brokers, b)
}

// AddTopic returns the topic's metadata entry, creating it with err if missing.
func (r *MetadataResponse) AddTopic(topic string, err types.KError) *TopicMetadata {
	for _, tm := range r.Topics {
		if tm.Name == topic {
			tm.Err = err
			return tm
		}
	}
	tm := &TopicMetadata{Name: topic, Err: err}
	r.Topics = append(r.Topics, tm)
	return tm
}

// AddTopicPartition sets the leader, replicas and ISR of one partition.
func (r *MetadataResponse) AddTopicPartition(topic string, partition, leaderID int32, replicas, isr []int32, err types.KError) {
	tm := r.AddTopic(topic, types.ErrNoError)
	for _, pm := range tm.Partitions {
		if pm.ID == partition {
			pm.Leader, pm.Replicas, pm.Isr, pm.Err = leaderID, replicas, isr, err
			return
		}
	}
	tm.Partitions = append(tm.Partitions, &PartitionMetadata{
		ID:       partition,
		Leader:   leaderID,
		Replicas: replicas,
		Isr:      isr,
		Err:      err,
	})
}
