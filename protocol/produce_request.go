package protocol

import (
	enc "github.com/stratalog/kwire/encoding"
	"github.com/stratalog/kwire/types"
)

// ProduceRequest carries message sets per topic partition. Versions 0 to 2 share one layout;
// version 2 implies MagicV1 messages.
type ProduceRequest struct {
	Version      int16
	RequiredAcks types.RequiredAcks
	Timeout      int32
	MsgSets      map[string]map[int32]*MessageSet
}

func (p *ProduceRequest) Encode(pe enc.PacketEncoder) error {
	pe.PutInt16(int16(p.RequiredAcks))
	pe.PutInt32(p.Timeout)
	if err := pe.PutArrayLength(len(p.MsgSets)); err != nil {
		return err
	}
	for topic, partitions := range p.MsgSets {
		if err := pe.PutString(topic); err != nil {
			return err
		}
		if err := pe.PutArrayLength(len(partitions)); err != nil {
			return err
		}
		for id, msgSet := range partitions {
			pe.PutInt32(id)
			pe.Push(&enc.LengthField{})
			if err := msgSet.Encode(pe); err != nil {
				return err
			}
			if err := pe.Pop(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *ProduceRequest) Decode(pd enc.PacketDecoder, version int16) error {
	p.Version = version

	acks, err := pd.GetInt16()
	if err != nil {
		return err
	}
	p.RequiredAcks = types.RequiredAcks(acks)

	if p.Timeout, err = pd.GetInt32(); err != nil {
		return err
	}

	topicCount, err := pd.GetArrayLength()
	if err != nil || topicCount <= 0 {
		return err
	}

	p.MsgSets = make(map[string]map[int32]*MessageSet, topicCount)
	for i := 0; i < topicCount; i++ {
		topic, err := pd.GetString()
		if err != nil {
			return err
		}
		partitionCount, err := pd.GetArrayLength()
		if err != nil {
			return err
		}
		p.MsgSets[topic] = make(map[int32]*MessageSet)
		for j := 0; j < partitionCount; j++ {
			partition, err := pd.GetInt32()
			if err != nil {
				return err
			}
			size, err := pd.GetInt32()
			if err != nil {
				return err
			}
			setDecoder, err := pd.GetSubset(int(size))
			if err != nil {
				return err
			}
			msgSet := new(MessageSet)
			if err := msgSet.Decode(setDecoder); err != nil {
				return err
			}
			p.MsgSets[topic][partition] = msgSet
		}
	}
	return nil
}

func (p *ProduceRequest) APIKey() int16 {
	return APIKeyProduce
}

func (p *ProduceRequest) APIVersion() int16 {
	return p.Version
}

// AddMessage appends msg to the set of the topic partition.
func (p *ProduceRequest) AddMessage(topic string, partition int32, msg *Message) {
	set := p.set(topic, partition)
	set.AddMessage(msg)
}

// AddSet replaces the set of the topic partition.
func (p *ProduceRequest) AddSet(topic string, partition int32, set *MessageSet) {
	p.set(topic, partition)
	p.MsgSets[topic][partition] = set
}

func (p *ProduceRequest) set(topic string, partition int32) *MessageSet {
	if p.MsgSets == nil {
		p.MsgSets = make(map[string]map[int32]*MessageSet)
	}

	if p.MsgSets[topic] == nil {
		p.MsgSets[topic] = make(map[int32]*MessageSet)
	}

	set := p.MsgSets[topic][partition]
	if set == nil {
		set = new(MessageSet)
		p.MsgSets[topic][partition] = set
	}
	return set
}
