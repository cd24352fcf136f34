package kafka

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/stratalog/kwire/protocol"
	"github.com/stratalog/kwire/types"
)

// Client is a generic Kafka client. It manages connections to one or more Kafka brokers.
// You MUST call Close() on a client to avoid leaks, it will not be garbage-collected
// automatically when it passes out of scope. It is safe to share a client amongst many
// users, however Kafka will process requests from a single client strictly in serial,
// so it is generally more efficient to use the default one client per producer/consumer.
type Client struct {
	conf    *Config
	brokers *brokerRegistry
	router  *Router
	offsets *OffsetManager

	consumer *Consumer

	lock      sync.Mutex
	closed    bool
	producers map[types.RequiredAcks]*Producer
}

// NewClient creates a new Client. It connects to one of the given broker addresses
// and uses that broker to automatically fetch metadata on the rest of the kafka cluster. If metadata cannot
// be retrieved from any of the given broker addresses, the client is not created.
func NewClient(addrs []string, conf *Config) (*Client, error) {
	Logger.Println("Initializing new client")

	if conf == nil {
		conf = NewConfig()
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if len(addrs) < 1 {
		return nil, ConfigurationError("You must provide at least one broker address")
	}

	brokers := newBrokerRegistry(addrs, conf)
	router := newRouter(conf, brokers)
	offsets := newOffsetManager(conf, router)
	client := &Client{
		conf:      conf,
		brokers:   brokers,
		router:    router,
		offsets:   offsets,
		consumer:  newConsumer(conf, router, offsets),
		producers: make(map[types.RequiredAcks]*Producer),
	}

	if conf.Metadata.Full {
		// do an initial fetch of all cluster metadata by specifying an empty list of topics
		if err := router.Refresh(context.Background(), nil); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	Logger.Println("Successfully initialized new client")
	return client, nil
}

// Config returns the Config the client was created with.
func (client *Client) Config() *Config {
	return client.conf
}

// Router returns the router every request of the client goes through.
func (client *Client) Router() *Router {
	return client.router
}

// Consumer returns the consumer of the client.
func (client *Client) Consumer() *Consumer {
	return client.consumer
}

// Producer returns the producer of the client using Producer.RequiredAcks.
func (client *Client) Producer() (*Producer, error) {
	return client.producer(client.conf.Producer.RequiredAcks)
}

func (client *Client) producer(acks types.RequiredAcks) (*Producer, error) {
	client.lock.Lock()
	defer client.lock.Unlock()
	if client.closed {
		return nil, ErrClosedClient
	}
	p := client.producers[acks]
	if p == nil {
		p = newProducer(client.conf, client.router, acks)
		client.producers[acks] = p
	}
	return p, nil
}

// Produce sends one message with the given acknowledgement level and waits for it. The
// partition is chosen by Producer.Partitioner. With types.NoResponse the offset is -1.
func (client *Client) Produce(ctx context.Context, topic string, key, value []byte, acks types.RequiredAcks) (partition int32, offset int64, err error) {
	p, err := client.producer(acks)
	if err != nil {
		return -1, -1, err
	}

	msg := &ProducerMessage{Topic: topic}
	if key != nil {
		msg.Key = ByteEncoder(key)
	}
	if value != nil {
		msg.Value = ByteEncoder(value)
	}
	return p.SendContext(ctx, msg).Get(ctx)
}

// Consume starts a PartitionConsumer on topic/partition at fromOffset, which can also be
// types.OffsetNewest or types.OffsetOldest.
func (client *Client) Consume(ctx context.Context, topic string, partition int32, fromOffset int64) (*PartitionConsumer, error) {
	if client.Closed() {
		return nil, ErrClosedClient
	}
	return client.consumer.ConsumePartition(ctx, types.TopicPartition{Topic: topic, Partition: partition}, fromOffset)
}

// ListMetadata refreshes the metadata of topics, or of all topics when none are given, and
// returns a snapshot of it.
func (client *Client) ListMetadata(ctx context.Context, topics []string) (*ClusterSnapshot, error) {
	if err := client.router.Refresh(ctx, topics); err != nil {
		return nil, err
	}
	return client.router.cache.snapshot(topics), nil
}

// Topics returns the names of the cached topics.
func (client *Client) Topics() ([]string, error) {
	if client.Closed() {
		return nil, ErrClosedClient
	}
	return client.router.cache.topicNames(), nil
}

// Partitions returns the sorted list of all partition IDs for the given topic.
func (client *Client) Partitions(ctx context.Context, topic string) ([]int32, error) {
	if client.Closed() {
		return nil, ErrClosedClient
	}
	return client.router.Partitions(ctx, topic)
}

// Leader returns the broker object that is the leader of the current topic/partition, as
// determined by querying the cluster metadata.
func (client *Client) Leader(ctx context.Context, topic string, partition int32) (*protocol.Broker, error) {
	if client.Closed() {
		return nil, ErrClosedClient
	}
	return client.router.Leader(ctx, types.TopicPartition{Topic: topic, Partition: partition})
}

// RefreshMetadata takes a list of topics and queries the cluster to refresh the
// available metadata for those topics. If no topics are provided, it will refresh
// metadata for all topics.
func (client *Client) RefreshMetadata(ctx context.Context, topics ...string) error {
	return client.router.Refresh(ctx, topics)
}

// GetOffset queries the cluster to get the most recent available offset at the
// given time (in milliseconds) on the topic/partition combination.
// Time should be types.OffsetOldest for the earliest available offset,
// types.OffsetNewest for the offset of the message that will be produced next, or a time.
func (client *Client) GetOffset(ctx context.Context, topic string, partition int32, time types.OffsetTime) (int64, error) {
	return client.offsets.GetOffset(ctx, types.TopicPartition{Topic: topic, Partition: partition}, time)
}

// CommitOffset stores offset for topic/partition as committed by group.
func (client *Client) CommitOffset(ctx context.Context, group, topic string, partition int32, offset int64, metadata string) error {
	return client.offsets.Commit(ctx, group, types.TopicPartition{Topic: topic, Partition: partition}, offset, metadata)
}

// FetchOffset returns the offset group committed for topic/partition, or
// types.OffsetNotCommitted.
func (client *Client) FetchOffset(ctx context.Context, group, topic string, partition int32) (int64, string, error) {
	return client.offsets.Fetch(ctx, group, types.TopicPartition{Topic: topic, Partition: partition})
}

// Closed returns true if the client has already had Close called on it.
func (client *Client) Closed() bool {
	client.lock.Lock()
	defer client.lock.Unlock()
	return client.closed
}

// Close flushes the producers, stops the partition consumers and shuts down every broker
// connection. Requests still pending complete with an error.
func (client *Client) Close() error {
	client.lock.Lock()
	if client.closed {
		client.lock.Unlock()
		return ErrClosedClient
	}
	client.closed = true
	producers := client.producers
	client.producers = nil
	client.lock.Unlock()

	Logger.Println("Closing Client")

	var errs *multierror.Error
	for _, p := range producers {
		if err := p.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	client.consumer.close()
	client.router.close()
	if err := client.brokers.closeAll(); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}
