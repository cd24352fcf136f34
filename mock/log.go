package mock

import (
	"sync"
	"time"

	enc "github.com/stratalog/kwire/encoding"
	"github.com/stratalog/kwire/protocol"
	"github.com/stratalog/kwire/types"
)

type partitionLog struct {
	oldest   int64
	messages []*protocol.Message // messages[i] has offset oldest+i
}

func (pl *partitionLog) newest() int64 {
	return pl.oldest + int64(len(pl.messages))
}

// Log is an in-memory partition log shared by the produce, fetch and offset handlers of one or
// more mock brokers. Produced sets are flattened, so fetches always return uncompressed messages.
type Log struct {
	lock       sync.Mutex
	partitions map[types.TopicPartition]*partitionLog
}

func NewLog() *Log {
	return &Log{partitions: make(map[types.TopicPartition]*partitionLog)}
}

func (l *Log) partition(topic string, partition int32) *partitionLog {
	tp := types.TopicPartition{Topic: topic, Partition: partition}
	pl := l.partitions[tp]
	if pl == nil {
		pl = new(partitionLog)
		l.partitions[tp] = pl
	}
	return pl
}

// Append stores every message of set and returns the offset assigned to the first one.
func (l *Log) Append(topic string, partition int32, set *protocol.MessageSet) int64 {
	l.lock.Lock()
	defer l.lock.Unlock()

	pl := l.partition(topic, partition)
	base := pl.newest()
	for _, b := range set.Flatten() {
		msg := &protocol.Message{
			Version:   b.Msg.Version,
			Key:       b.Msg.Key,
			Value:     b.Msg.Value,
			Timestamp: b.Msg.Timestamp,
		}
		pl.messages = append(pl.messages, msg)
	}
	return base
}

// AppendValue stores a single message and returns its offset.
func (l *Log) AppendValue(topic string, partition int32, key, value []byte) int64 {
	set := new(protocol.MessageSet)
	set.AddMessage(&protocol.Message{Version: protocol.MagicV1, Key: key, Value: value, Timestamp: time.Now()})
	return l.Append(topic, partition, set)
}

// Truncate drops every message before offset, moving the oldest available offset.
func (l *Log) Truncate(topic string, partition int32, offset int64) {
	l.lock.Lock()
	defer l.lock.Unlock()

	pl := l.partition(topic, partition)
	if offset <= pl.oldest {
		return
	}
	if offset >= pl.newest() {
		pl.oldest = offset
		pl.messages = nil
		return
	}
	pl.messages = pl.messages[offset-pl.oldest:]
	pl.oldest = offset
}

// Offsets returns the oldest available offset and the offset the next message will get.
func (l *Log) Offsets(topic string, partition int32) (oldest, newest int64) {
	l.lock.Lock()
	defer l.lock.Unlock()

	pl := l.partition(topic, partition)
	return pl.oldest, pl.newest()
}

// Messages returns the stored messages of a partition with their offsets.
func (l *Log) Messages(topic string, partition int32) []*protocol.MessageBlock {
	l.lock.Lock()
	defer l.lock.Unlock()

	pl := l.partition(topic, partition)
	blocks := make([]*protocol.MessageBlock, len(pl.messages))
	for i, msg := range pl.messages {
		blocks[i] = &protocol.MessageBlock{Offset: pl.oldest + int64(i), Msg: msg}
	}
	return blocks
}

// Values returns the stored message values of a partition.
func (l *Log) Values(topic string, partition int32) []string {
	var values []string
	for _, b := range l.Messages(topic, partition) {
		values = append(values, string(b.Msg.Value))
	}
	return values
}

// read encodes the messages from offset on in the given magic version, stopping once maxBytes are
// reached. Like a real broker it cuts the last message short instead of leaving the space unused.
func (l *Log) read(topic string, partition int32, offset int64, maxBytes int32, magic int8) ([]byte, int64, types.KError) {
	l.lock.Lock()
	defer l.lock.Unlock()

	pl := l.partition(topic, partition)
	hwm := pl.newest()
	if offset < pl.oldest || offset > hwm {
		return nil, hwm, types.ErrOffsetOutOfRange
	}

	var raw []byte
	for i := offset - pl.oldest; i < int64(len(pl.messages)) && len(raw) < int(maxBytes); i++ {
		stored := pl.messages[i]
		msg := &protocol.Message{Version: magic, Key: stored.Key, Value: stored.Value}
		if magic >= protocol.MagicV1 {
			msg.Timestamp = stored.Timestamp
		}
		buf, err := enc.Encode(&protocol.MessageBlock{Offset: pl.oldest + i, Msg: msg})
		if err != nil {
			return nil, hwm, types.ErrUnknown
		}
		raw = append(raw, buf...)
	}
	if len(raw) > int(maxBytes) {
		raw = raw[:maxBytes]
	}
	return raw, hwm, types.ErrNoError
}
