package kafka

import (
	"hash"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Partitioner is anything that, given a Kafka message key and a number of partitions indexed [0...numPartitions-1],
// decides to which partition to send the message. HashPartitioner is the default, RandomPartitioner,
// RoundRobinPartitioner and ManualPartitioner are the alternatives.
type Partitioner interface {
	// Partition takes a message key and the number of partitions of its topic and returns
	// the partition index. Any error returned fails the message.
	Partition(topic string, key []byte, numPartitions int32) (int32, error)
}

// PartitionerConstructor is the type for a function capable of constructing new Partitioners.
type PartitionerConstructor func(topic string) Partitioner

type manualPartitioner struct{}

// NewManualPartitioner returns a Partitioner which uses the partition manually set in the provided
// ProducerMessage's Partition field as the partition to produce to.
func NewManualPartitioner(topic string) Partitioner {
	return new(manualPartitioner)
}

func (p *manualPartitioner) Partition(topic string, key []byte, numPartitions int32) (int32, error) {
	if numPartitions <= 0 {
		return -1, ErrNoPartitions
	}
	return 0, nil
}

type randomPartitioner struct {
	mu        sync.Mutex
	generator *rand.Rand
}

// NewRandomPartitioner returns a Partitioner which chooses a random partition each time.
func NewRandomPartitioner(topic string) Partitioner {
	p := new(randomPartitioner)
	p.generator = rand.New(rand.NewSource(time.Now().UTC().UnixNano()))
	return p
}

func (p *randomPartitioner) Partition(topic string, key []byte, numPartitions int32) (int32, error) {
	if numPartitions <= 0 {
		return -1, ErrNoPartitions
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return int32(p.generator.Intn(int(numPartitions))), nil
}

type roundRobinPartitioner struct {
	partition uint32
}

// NewRoundRobinPartitioner returns a Partitioner which walks through the available partitions one at a time,
// ignoring the key.
func NewRoundRobinPartitioner(topic string) Partitioner {
	return &roundRobinPartitioner{}
}

func (p *roundRobinPartitioner) Partition(topic string, key []byte, numPartitions int32) (int32, error) {
	if numPartitions <= 0 {
		return -1, ErrNoPartitions
	}
	next := atomic.AddUint32(&p.partition, 1) - 1
	return int32(next % uint32(numPartitions)), nil
}

type hashPartitioner struct {
	mu         sync.Mutex
	hasher     hash.Hash32
	roundRobin *roundRobinPartitioner
}

// NewHashPartitioner returns a Partitioner which behaves as follows. If the message key is nil
// the partitions are walked round-robin, starting at 0. Otherwise the FNV-1a hash of the key is
// used, made non-negative, modulus the number of partitions. This ensures that messages with the
// same key always end up on the same partition as long as the partition count does not change.
func NewHashPartitioner(topic string) Partitioner {
	return &hashPartitioner{
		hasher:     fnv.New32a(),
		roundRobin: &roundRobinPartitioner{},
	}
}

func (p *hashPartitioner) Partition(topic string, key []byte, numPartitions int32) (int32, error) {
	if numPartitions <= 0 {
		return -1, ErrNoPartitions
	}
	if key == nil {
		return p.roundRobin.Partition(topic, key, numPartitions)
	}

	p.mu.Lock()
	p.hasher.Reset()
	_, _ = p.hasher.Write(key)
	sum := p.hasher.Sum32()
	p.mu.Unlock()

	partition := int32(sum) % numPartitions
	if partition < 0 {
		partition = -partition
	}
	return partition, nil
}

// topicPartitioners lazily builds one Partitioner per topic, so per topic state such as the
// round-robin counter is never shared between topics.
type topicPartitioners struct {
	constructor PartitionerConstructor

	mu          sync.Mutex
	partitioner map[string]Partitioner
}

func newTopicPartitioners(constructor PartitionerConstructor) *topicPartitioners {
	return &topicPartitioners{
		constructor: constructor,
		partitioner: make(map[string]Partitioner),
	}
}

func (tp *topicPartitioners) forTopic(topic string) Partitioner {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	p := tp.partitioner[topic]
	if p == nil {
		p = tp.constructor(topic)
		tp.partitioner[topic] = p
	}
	return p
}

func isManual(p Partitioner) bool {
	_, ok := p.(*manualPartitioner)
	return ok
}
