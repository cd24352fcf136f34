package kafka

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/stratalog/kwire/protocol"
	"github.com/stratalog/kwire/types"
)

// ConsumerMessage encapsulates a Kafka message returned by the consumer.
type ConsumerMessage struct {
	Topic     string
	Partition int32
	Key       []byte
	Value     []byte
	Offset    int64
	Timestamp time.Time // only set if kafka is version 0.10+
}

// FetchResult is the outcome of one fetch of one partition.
type FetchResult struct {
	// Messages in ascending offset order, none below the offset asked for.
	Messages            []*ConsumerMessage
	HighWaterMarkOffset int64
	// PartialTrailingMessage is set when the last message did not fit in the fetch size.
	PartialTrailingMessage bool
}

// PartitionFetch names one partition of a FetchMulti call.
type PartitionFetch struct {
	types.TopicPartition
	Offset   int64
	MaxBytes int32
}

// Consumer reads messages from partition leaders through the Router.
type Consumer struct {
	conf     *Config
	versions apiVersions
	router   *Router
	offsets  *OffsetManager

	lock     sync.Mutex
	children map[types.TopicPartition]*PartitionConsumer
}

func newConsumer(conf *Config, router *Router, offsets *OffsetManager) *Consumer {
	return &Consumer{
		conf:     conf,
		versions: conf.Version.apiVersions(),
		router:   router,
		offsets:  offsets,
		children: make(map[types.TopicPartition]*PartitionConsumer),
	}
}

// Fetch reads the messages of tp starting at offset from, up to maxBytes of them. An offset
// the broker does not have fails with types.ErrOffsetOutOfRange; choosing another offset is
// up to the caller.
func (c *Consumer) Fetch(ctx context.Context, tp types.TopicPartition, from int64, maxBytes int32) (*FetchResult, error) {
	req := &protocol.FetchRequest{
		Version:     c.versions.fetch,
		MaxWaitTime: int32(c.conf.Consumer.MaxWaitTime / time.Millisecond),
		MinBytes:    c.conf.Consumer.Fetch.Min,
	}
	req.AddBlock(tp.Topic, tp.Partition, from, maxBytes)

	getOrRegisterTopicMeter(consumerFetchRateName, tp.Topic, c.conf.MetricRegistry).Mark(1)
	raw, err := c.router.Route(ctx, tp, req)
	if err != nil {
		return nil, err
	}
	block := raw.(*protocol.FetchResponse).GetBlock(tp.Topic, tp.Partition)
	if block == nil {
		return nil, ErrIncompleteResponse
	}

	result := &FetchResult{
		HighWaterMarkOffset:    block.HighWaterMarkOffset,
		PartialTrailingMessage: block.MsgSet.PartialTrailingMessage,
	}
	for _, mb := range block.MsgSet.Flatten() {
		// compressed sets are returned whole, so they may start before the offset asked for
		if mb.Offset < from {
			continue
		}
		result.Messages = append(result.Messages, &ConsumerMessage{
			Topic:     tp.Topic,
			Partition: tp.Partition,
			Key:       mb.Msg.Key,
			Value:     mb.Msg.Value,
			Offset:    mb.Offset,
			Timestamp: mb.Msg.Timestamp,
		})
	}
	return result, nil
}

// FetchMulti fetches several partitions concurrently. Results are in the order of fetches; the
// first error cancels the remaining fetches.
func (c *Consumer) FetchMulti(ctx context.Context, fetches []PartitionFetch) ([]*FetchResult, error) {
	results := make([]*FetchResult, len(fetches))
	g, ctx := errgroup.WithContext(ctx)
	for i, pf := range fetches {
		i, pf := i, pf
		g.Go(func() (err error) {
			results[i], err = c.Fetch(ctx, pf.TopicPartition, pf.Offset, pf.MaxBytes)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ConsumePartition creates a PartitionConsumer on the given topic/partition with the given
// offset. It returns an error if this Consumer is already consuming on the given
// topic/partition. Offset can be a literal offset, or types.OffsetNewest or
// types.OffsetOldest. ctx bounds only the lookup of those two.
func (c *Consumer) ConsumePartition(ctx context.Context, tp types.TopicPartition, offset int64) (*PartitionConsumer, error) {
	if offset == int64(types.OffsetNewest) || offset == int64(types.OffsetOldest) {
		resolved, err := c.offsets.GetOffset(ctx, tp, types.OffsetTime(offset))
		if err != nil {
			return nil, err
		}
		offset = resolved
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.children[tp] != nil {
		return nil, ErrAlreadyConsuming
	}

	child := &PartitionConsumer{
		parent:        c,
		tp:            tp,
		offset:        offset,
		highWaterMark: -1,
		fetchSize:     c.conf.Consumer.Fetch.Default,
		messages:      make(chan *ConsumerMessage),
		errors:        make(chan *ConsumerError, c.conf.Consumer.ChannelBufferSize),
		done:          make(chan struct{}),
		consumed:      getOrRegisterTopicMeter(consumedMessageRate, tp.Topic, c.conf.MetricRegistry),
	}
	child.ctx, child.cancel = context.WithCancel(c.router.ctx)
	c.children[tp] = child

	Logger.Printf("consumer/%s starting at offset %d\n", tp, offset)
	go withRecover(child.dispatch)
	return child, nil
}

// close stops every PartitionConsumer still running.
func (c *Consumer) close() {
	c.lock.Lock()
	children := make([]*PartitionConsumer, 0, len(c.children))
	for _, child := range c.children {
		children = append(children, child)
	}
	c.lock.Unlock()

	for _, child := range children {
		if err := child.Close(); err != nil {
			Logger.Printf("consumer/%s closed with unread errors: %v\n", child.tp, err)
		}
	}
}

func (c *Consumer) removeChild(child *PartitionConsumer) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.children[child.tp] == child {
		delete(c.children, child.tp)
	}
}

// PartitionConsumer processes Kafka messages from a given topic and partition. You MUST call
// Close on it to avoid leaks.
//
// Messages is unbuffered: the consumer fetches the next batch only once the caller has
// received every message of the current one, and Offset only moves past a batch at that point.
// Errors that end the consumer, such as types.ErrOffsetOutOfRange or a corrupt message, are
// delivered on Errors followed by both channels closing.
type PartitionConsumer struct {
	parent *Consumer
	tp     types.TopicPartition

	offset        int64 // atomic
	highWaterMark int64 // atomic
	fetchSize     int32

	messages chan *ConsumerMessage
	errors   chan *ConsumerError

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	consumed metrics.Meter
}

// Messages returns the read channel for the messages that are returned by the broker.
func (child *PartitionConsumer) Messages() <-chan *ConsumerMessage {
	return child.messages
}

// Errors returns a read channel of errors that occurred during consuming.
func (child *PartitionConsumer) Errors() <-chan *ConsumerError {
	return child.errors
}

// Offset returns the offset of the next message to fetch.
func (child *PartitionConsumer) Offset() int64 {
	return atomic.LoadInt64(&child.offset)
}

// HighWaterMarkOffset returns the high water mark offset of the partition, i.e. the offset
// that will be used for the next message that will be produced. -1 until the first fetch.
func (child *PartitionConsumer) HighWaterMarkOffset() int64 {
	return atomic.LoadInt64(&child.highWaterMark)
}

// Close stops the PartitionConsumer and returns the errors it reported that were never read
// from Errors.
func (child *PartitionConsumer) Close() error {
	child.closeOnce.Do(child.cancel)
	<-child.done
	child.parent.removeChild(child)

	var errs *multierror.Error
	for err := range child.errors {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

func (child *PartitionConsumer) dispatch() {
	defer close(child.done)
	defer close(child.errors)
	defer close(child.messages)

	conf := child.parent.conf
	for child.ctx.Err() == nil {
		started := time.Now()
		res, err := child.parent.Fetch(child.ctx, child.tp, child.Offset(), child.fetchSize)
		if err != nil {
			if child.ctx.Err() != nil {
				return
			}
			Logger.Printf("consumer/%s fetch at offset %d failed: %v\n", child.tp, child.Offset(), err)
			child.sendError(err)
			if fatalConsumerError(err) {
				return
			}
			child.sleep(conf.Consumer.Retry.Backoff)
			continue
		}
		atomic.StoreInt64(&child.highWaterMark, res.HighWaterMarkOffset)

		if len(res.Messages) == 0 {
			if res.PartialTrailingMessage {
				if !child.growFetchSize() {
					child.sendError(ErrMessageTooLarge)
					return
				}
				continue
			}
			// nothing new; do not ask again before the broker would have answered
			child.sleep(conf.Consumer.MaxWaitTime - time.Since(started))
			continue
		}
		child.fetchSize = conf.Consumer.Fetch.Default

		for _, msg := range res.Messages {
			select {
			case child.messages <- msg:
			case <-child.ctx.Done():
				return
			}
		}
		child.consumed.Mark(int64(len(res.Messages)))
		atomic.StoreInt64(&child.offset, res.Messages[len(res.Messages)-1].Offset+1)
	}
}

// growFetchSize doubles the fetch size, reporting false once Consumer.Fetch.Max is reached.
func (child *PartitionConsumer) growFetchSize() bool {
	max := child.parent.conf.Consumer.Fetch.Max
	if max == 0 {
		max = math.MaxInt32
	}
	if child.fetchSize >= max {
		return false
	}
	if child.fetchSize > max/2 {
		child.fetchSize = max
	} else {
		child.fetchSize *= 2
	}
	Logger.Printf("consumer/%s fetch size raised to %d\n", child.tp, child.fetchSize)
	return true
}

func (child *PartitionConsumer) sendError(err error) {
	cErr := &ConsumerError{Topic: child.tp.Topic, Partition: child.tp.Partition, Err: err}
	select {
	case child.errors <- cErr:
	case <-child.ctx.Done():
	}
}

func (child *PartitionConsumer) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-child.ctx.Done():
	}
}

// fatalConsumerError reports errors no retry of the same fetch can fix.
func fatalConsumerError(err error) bool {
	var corrupt *protocol.CorruptMessageError
	switch {
	case errors.Is(err, types.ErrOffsetOutOfRange),
		errors.Is(err, protocol.ErrProtocol),
		errors.As(err, &corrupt),
		errors.Is(err, ErrClosedClient):
		return true
	}
	return false
}
