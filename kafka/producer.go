package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/eapache/go-resiliency/breaker"
	"github.com/eapache/queue"
	"github.com/hashicorp/go-multierror"
	"github.com/rcrowley/go-metrics"

	"github.com/stratalog/kwire/protocol"
	"github.com/stratalog/kwire/types"
)

// ProducerMessage is the collection of elements passed to the Producer in order to send a message.
type ProducerMessage struct {
	Topic string  // The Kafka topic for this message.
	Key   Encoder // The partitioning key for this message. Pre-existing Encoders include StringEncoder and ByteEncoder.
	Value Encoder // The actual message to store in Kafka. Pre-existing Encoders include StringEncoder and ByteEncoder.

	// Partition is the partition to send to when the ManualPartitioner is configured. For every
	// other partitioner it is filled in once the message has been assigned.
	Partition int32

	// Timestamp is sent with Kafka >= 0.10. When zero the time of sending is used.
	Timestamp time.Time

	// Metadata is ignored by the producer and can be used to pass data along with the message.
	Metadata interface{}
}

const producerMessageOverhead = 26 // offset, length, crc, magic, attributes, key and value lengths

func (m *ProducerMessage) byteSize(version int8) int {
	size := producerMessageOverhead
	if version >= protocol.MagicV1 {
		size += 8
	}
	if m.Key != nil {
		size += m.Key.Length()
	}
	if m.Value != nil {
		size += m.Value.Length()
	}
	return size
}

// ProduceFuture is the eventual outcome of one message handed to Producer.Send.
type ProduceFuture struct {
	Msg *ProducerMessage

	done      chan struct{}
	once      sync.Once
	partition int32
	offset    int64
	err       error
}

func newProduceFuture(msg *ProducerMessage) *ProduceFuture {
	return &ProduceFuture{Msg: msg, done: make(chan struct{}), partition: -1, offset: -1}
}

func (f *ProduceFuture) complete(partition int32, offset int64, err error) {
	f.once.Do(func() {
		f.partition, f.offset, f.err = partition, offset, err
		close(f.done)
	})
}

// Done is closed once the message has been acknowledged or has failed.
func (f *ProduceFuture) Done() <-chan struct{} {
	return f.done
}

// Get waits for the message and returns the partition and offset it was stored at. The
// offset is -1 when the producer does not wait for acknowledgements.
func (f *ProduceFuture) Get(ctx context.Context) (partition int32, offset int64, err error) {
	select {
	case <-f.done:
		return f.partition, f.offset, f.err
	case <-ctx.Done():
		return -1, -1, ctx.Err()
	}
}

type pendingMessage struct {
	msg        *ProducerMessage
	key, value []byte
	size       int
	future     *ProduceFuture
}

// Producer batches messages per partition and sends every batch to the partition leader through
// the Router. Each partition has one batch in flight at a time, so messages of a partition are
// stored in the order they were sent.
type Producer struct {
	conf         *Config
	acks         types.RequiredAcks
	versions     apiVersions
	router       *Router
	partitioners *topicPartitioners
	breaker      *breaker.Breaker

	lock       sync.RWMutex
	closed     bool
	partitions map[types.TopicPartition]*partitionProducer
	closeErrs  *multierror.Error
	wg         sync.WaitGroup
}

func newProducer(conf *Config, router *Router, acks types.RequiredAcks) *Producer {
	return &Producer{
		conf:         conf,
		acks:         acks,
		versions:     conf.Version.apiVersions(),
		router:       router,
		partitioners: newTopicPartitioners(conf.Producer.Partitioner),
		breaker:      breaker.New(3, 1, 10*time.Second),
		partitions:   make(map[types.TopicPartition]*partitionProducer),
	}
}

// RequiredAcks is the acknowledgement level of every produce request of the producer.
func (p *Producer) RequiredAcks() types.RequiredAcks {
	return p.acks
}

// Send assigns msg to a partition and appends it to that partition's open batch. Errors found
// before batching, such as an oversized message or an unknown topic, complete the future at once.
func (p *Producer) Send(msg *ProducerMessage) *ProduceFuture {
	return p.SendContext(context.Background(), msg)
}

// SendContext is Send with ctx bounding the metadata lookups that assign msg to a partition.
// Once msg is batched ctx no longer applies; use ProduceFuture.Get to bound the wait.
func (p *Producer) SendContext(ctx context.Context, msg *ProducerMessage) *ProduceFuture {
	future := newProduceFuture(msg)

	pm, err := p.prepare(ctx, msg, future)
	if err != nil {
		future.complete(-1, -1, err)
		return future
	}

	tp := types.TopicPartition{Topic: msg.Topic, Partition: msg.Partition}
	p.lock.RLock()
	defer p.lock.RUnlock()
	if p.closed {
		future.complete(-1, -1, ErrShuttingDown)
		return future
	}
	pp := p.partitions[tp]
	if pp == nil {
		p.lock.RUnlock()
		pp = p.partitionProducer(tp)
		p.lock.RLock()
		if p.closed {
			future.complete(-1, -1, ErrShuttingDown)
			return future
		}
	}
	pp.input <- pm
	return future
}

func (p *Producer) prepare(ctx context.Context, msg *ProducerMessage, future *ProduceFuture) (*pendingMessage, error) {
	if p.isClosed() {
		return nil, ErrShuttingDown
	}
	if msg.byteSize(p.versions.magic) > p.conf.Producer.MaxMessageBytes {
		return nil, ErrMessageSizeTooLarge
	}

	pm := &pendingMessage{msg: msg, future: future}
	var err error
	if msg.Key != nil {
		if pm.key, err = msg.Key.Encode(); err != nil {
			return nil, err
		}
	}
	if msg.Value != nil {
		if pm.value, err = msg.Value.Encode(); err != nil {
			return nil, err
		}
	}
	pm.size = msg.byteSize(p.versions.magic)

	err = p.breaker.Run(func() error {
		return p.assignPartition(ctx, msg, pm.key)
	})
	if err != nil {
		return nil, err
	}
	return pm, nil
}

func (p *Producer) assignPartition(ctx context.Context, msg *ProducerMessage, key []byte) error {
	partitions, err := p.router.Partitions(ctx, msg.Topic)
	if err != nil {
		return err
	}

	numPartitions := int32(len(partitions))
	partitioner := p.partitioners.forTopic(msg.Topic)

	choice := msg.Partition
	if !isManual(partitioner) {
		if choice, err = partitioner.Partition(msg.Topic, key, numPartitions); err != nil {
			return err
		}
	} else if numPartitions == 0 {
		return ErrNoPartitions
	}
	if choice < 0 || choice >= numPartitions {
		return ErrInvalidPartition
	}

	msg.Partition = partitions[choice]
	return nil
}

// partitionProducer returns the pipeline of tp, starting it on first use.
func (p *Producer) partitionProducer(tp types.TopicPartition) *partitionProducer {
	p.lock.Lock()
	defer p.lock.Unlock()
	pp := p.partitions[tp]
	if pp == nil && !p.closed {
		pp = p.newPartitionProducer(tp)
		p.partitions[tp] = pp
	}
	return pp
}

// Close flushes every open batch, waits for all of them to be acknowledged or to fail, and
// returns the errors of the batches that failed while closing.
func (p *Producer) Close() error {
	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return nil
	}
	p.closed = true
	pps := make([]*partitionProducer, 0, len(p.partitions))
	for _, pp := range p.partitions {
		pps = append(pps, pp)
	}
	p.lock.Unlock()

	Logger.Println("producer/shutdown flushing buffered messages")
	for _, pp := range pps {
		close(pp.input)
	}
	p.wg.Wait()

	p.lock.Lock()
	defer p.lock.Unlock()
	return p.closeErrs.ErrorOrNil()
}

func (p *Producer) isClosed() bool {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.closed
}

// partitionProducer is the pipeline of one partition: an aggregator building batches and a
// sender with one batch in flight.
type partitionProducer struct {
	parent *Producer
	tp     types.TopicPartition

	input   chan *pendingMessage
	batches chan []*pendingMessage

	sendRate    metrics.Meter
	errorRate   metrics.Meter
	batchSize   metrics.Histogram
	recordsPerB metrics.Histogram
}

func (p *Producer) newPartitionProducer(tp types.TopicPartition) *partitionProducer {
	pp := &partitionProducer{
		parent:      p,
		tp:          tp,
		input:       make(chan *pendingMessage, p.conf.Producer.ChannelBufferSize),
		batches:     make(chan []*pendingMessage),
		sendRate:    getOrRegisterTopicMeter(recordSendRateName, tp.Topic, p.conf.MetricRegistry),
		errorRate:   getOrRegisterTopicMeter(recordErrorRateName, tp.Topic, p.conf.MetricRegistry),
		batchSize:   getOrRegisterTopicHistogram(batchSizeName, tp.Topic, p.conf.MetricRegistry),
		recordsPerB: getOrRegisterTopicHistogram(recordsPerRequestName, tp.Topic, p.conf.MetricRegistry),
	}
	p.wg.Add(2)
	go withRecover(func() {
		defer p.wg.Done()
		pp.aggregate()
	})
	go withRecover(func() {
		defer p.wg.Done()
		pp.send()
	})
	return pp
}

// aggregate groups messages into batches. Closed batches wait in a queue until the sender is
// free. With no flush thresholds configured the open batch is handed over as soon as the sender
// is idle, so whatever arrives while a batch is in flight forms the next batch.
func (pp *partitionProducer) aggregate() {
	conf := pp.parent.conf
	eager := conf.Producer.Flush.Bytes == 0 && conf.Producer.Flush.Messages == 0 && conf.Producer.Flush.Frequency == 0

	var (
		batch  []*pendingMessage
		bytes  int
		timer  *time.Timer
		linger <-chan time.Time
		closed = queue.New()
	)

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, linger = nil, nil
		}
	}
	flush := func() {
		if len(batch) > 0 {
			closed.Add(batch)
		}
		batch, bytes = nil, 0
		stopTimer()
	}
	defer close(pp.batches)

	for {
		var (
			output  chan<- []*pendingMessage
			next    []*pendingMessage
			fromBuf = closed.Length() > 0
		)
		switch {
		case fromBuf:
			output, next = pp.batches, closed.Peek().([]*pendingMessage)
		case eager && len(batch) > 0:
			output, next = pp.batches, batch
		}

		select {
		case msg, ok := <-pp.input:
			if !ok {
				flush()
				for closed.Length() > 0 {
					pp.batches <- closed.Remove().([]*pendingMessage)
				}
				return
			}
			if conf.Producer.Compression != types.CompressionNone && len(batch) > 0 &&
				bytes+msg.size >= conf.Producer.MaxMessageBytes {
				// the compressed wrapper is one message and must fit MaxMessageBytes
				flush()
			}
			batch = append(batch, msg)
			bytes += msg.size
			if len(batch) == 1 && conf.Producer.Flush.Frequency > 0 {
				timer = time.NewTimer(conf.Producer.Flush.Frequency)
				linger = timer.C
			}
			if (conf.Producer.Flush.Messages > 0 && len(batch) >= conf.Producer.Flush.Messages) ||
				(conf.Producer.Flush.Bytes > 0 && bytes >= conf.Producer.Flush.Bytes) {
				flush()
			}
		case <-linger:
			timer, linger = nil, nil
			flush()
		case output <- next:
			if fromBuf {
				closed.Remove()
			} else {
				batch, bytes = nil, 0
				stopTimer()
			}
		}
	}
}

func (pp *partitionProducer) send() {
	for batch := range pp.batches {
		pp.sendBatch(batch)
	}
}

func (pp *partitionProducer) sendBatch(batch []*pendingMessage) {
	p := pp.parent
	req := p.buildRequest(pp.tp, batch)

	bytes := 0
	for _, pm := range batch {
		bytes += pm.size
	}
	pp.batchSize.Update(int64(bytes))
	pp.recordsPerB.Update(int64(len(batch)))
	Logger.Printf("producer/partition/%s sending batch of %d\n", pp.tp, len(batch))

	raw, err := p.router.Route(context.Background(), pp.tp, req)
	if err == nil && raw != nil {
		res := raw.(*protocol.ProduceResponse)
		if block := res.GetBlock(pp.tp.Topic, pp.tp.Partition); block == nil {
			err = ErrIncompleteResponse
		} else {
			for i, pm := range batch {
				pm.future.complete(pp.tp.Partition, block.Offset+int64(i), nil)
			}
		}
	} else if err == nil {
		for _, pm := range batch {
			pm.future.complete(pp.tp.Partition, -1, nil)
		}
	}

	if err != nil {
		Logger.Printf("producer/partition/%s batch of %d failed: %v\n", pp.tp, len(batch), err)
		pp.errorRate.Mark(int64(len(batch)))
		for _, pm := range batch {
			pm.future.complete(-1, -1, err)
		}
		if p.isClosed() {
			p.lock.Lock()
			p.closeErrs = multierror.Append(p.closeErrs, err)
			p.lock.Unlock()
		}
		return
	}
	pp.sendRate.Mark(int64(len(batch)))
}

func (p *Producer) buildRequest(tp types.TopicPartition, batch []*pendingMessage) *protocol.ProduceRequest {
	req := &protocol.ProduceRequest{
		Version:      p.versions.produce,
		RequiredAcks: p.acks,
		Timeout:      int32(p.conf.Producer.Timeout / time.Millisecond),
	}

	magic := p.versions.magic
	now := time.Now()
	set := new(protocol.MessageSet)
	for _, pm := range batch {
		msg := &protocol.Message{Version: magic, Key: pm.key, Value: pm.value}
		if magic >= protocol.MagicV1 {
			msg.Timestamp = pm.msg.Timestamp
			if msg.Timestamp.IsZero() {
				msg.Timestamp = now
			}
		}
		set.AddMessage(msg)
	}

	if p.conf.Producer.Compression == types.CompressionNone {
		req.AddSet(tp.Topic, tp.Partition, set)
		return req
	}

	wrapper := &protocol.Message{
		Version:          magic,
		Codec:            p.conf.Producer.Compression,
		CompressionLevel: p.conf.Producer.CompressionLevel,
		Set:              set,
	}
	var offset int64
	if magic >= protocol.MagicV1 {
		// relative inner offsets, the wrapper carries the last one
		offset = int64(len(set.Messages) - 1)
		wrapper.Timestamp = set.Messages[len(set.Messages)-1].Msg.Timestamp
	}
	req.AddSet(tp.Topic, tp.Partition, &protocol.MessageSet{
		Messages: []*protocol.MessageBlock{{Offset: offset, Msg: wrapper}},
	})
	return req
}
