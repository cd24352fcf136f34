package protocol

import enc "github.com/stratalog/kwire/encoding"

type FetchRequestBlock struct {
	FetchOffset int64
	MaxBytes    int32
}

func (b *FetchRequestBlock) encode(pe enc.PacketEncoder) error {
	pe.PutInt64(b.FetchOffset)
	pe.PutInt32(b.MaxBytes)
	return nil
}

func (b *FetchRequestBlock) decode(pd enc.PacketDecoder) (err error) {
	if b.FetchOffset, err = pd.GetInt64(); err != nil {
		return err
	}
	b.MaxBytes, err = pd.GetInt32()
	return err
}

// FetchRequest asks for message sets starting at an offset per topic partition. Versions 0 to 2
// share one layout; they differ in the response and the message format returned.
type FetchRequest struct {
	Version     int16
	MaxWaitTime int32
	MinBytes    int32
	Blocks      map[string]map[int32]*FetchRequestBlock
}

// fetchReplicaID marks the request as coming from a client rather than a follower.
const fetchReplicaID int32 = -1

func (r *FetchRequest) Encode(pe enc.PacketEncoder) (err error) {
	pe.PutInt32(fetchReplicaID)
	pe.PutInt32(r.MaxWaitTime)
	pe.PutInt32(r.MinBytes)
	if err = pe.PutArrayLength(len(r.Blocks)); err != nil {
		return err
	}
	for topic, blocks := range r.Blocks {
		if err = pe.PutString(topic); err != nil {
			return err
		}
		if err = pe.PutArrayLength(len(blocks)); err != nil {
			return err
		}
		for partition, block := range blocks {
			pe.PutInt32(partition)
			if err = block.encode(pe); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *FetchRequest) Decode(pd enc.PacketDecoder, version int16) (err error) {
	r.Version = version

	if _, err = pd.GetInt32(); err != nil {
		return err
	}
	if r.MaxWaitTime, err = pd.GetInt32(); err != nil {
		return err
	}
	if r.MinBytes, err = pd.GetInt32(); err != nil {
		return err
	}

	topicCount, err := pd.GetArrayLength()
	if err != nil || topicCount <= 0 {
		return err
	}

	r.Blocks = make(map[string]map[int32]*FetchRequestBlock, topicCount)
	for i := 0; i < topicCount; i++ {
		topic, err := pd.GetString()
		if err != nil {
			return err
		}
		partitionCount, err := pd.GetArrayLength()
		if err != nil {
			return err
		}
		r.Blocks[topic] = make(map[int32]*FetchRequestBlock)
		for j := 0; j < partitionCount; j++ {
			partition, err := pd.GetInt32()
			if err != nil {
				return err
			}
			block := new(FetchRequestBlock)
			if err = block.decode(pd); err != nil {
				return err
			}
			r.Blocks[topic][partition] = block
		}
	}
	return nil
}

func (r *FetchRequest) APIKey() int16 {
	return APIKeyFetch
}

func (r *FetchRequest) APIVersion() int16 {
	return r.Version
}

func (r *FetchRequest) AddBlock(topic string, partition int32, fetchOffset int64, maxBytes int32) {
	if r.Blocks == nil {
		r.Blocks = make(map[string]map[int32]*FetchRequestBlock)
	}

	if r.Blocks[topic] == nil {
		r.Blocks[topic] = make(map[int32]*FetchRequestBlock)
	}

	r.Blocks[topic][partition] = &FetchRequestBlock{FetchOffset: fetchOffset, MaxBytes: maxBytes}
}
