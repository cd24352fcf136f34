package kafka

import (
	"context"
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratalog/kwire/mock"
	"github.com/stratalog/kwire/protocol"
	"github.com/stratalog/kwire/types"
)

func TestSimpleClient(t *testing.T) {
	defer leaktest.Check(t)()
	useTestLogger(t)

	seedBroker := mock.NewBroker(t, 1)
	defer seedBroker.Close()
	seedBroker.SetHandler(protocol.APIKeyMetadata, mock.NewMockMetadataResponse(t))

	client, err := NewClient([]string{seedBroker.Addr()}, NewTestConfig())
	require.NoError(t, err)
	assert.False(t, client.Closed())
	require.NoError(t, client.Close())
	assert.True(t, client.Closed())
	assert.Equal(t, 1, seedBroker.RequestCount(protocol.APIKeyMetadata))
}

func TestClientRequiresAddresses(t *testing.T) {
	_, err := NewClient(nil, NewTestConfig())
	var target ConfigurationError
	assert.ErrorAs(t, err, &target)
}

func TestClientRejectsInvalidConfig(t *testing.T) {
	config := NewTestConfig()
	config.ClientID = ""
	_, err := NewClient([]string{"localhost:9092"}, config)
	var target ConfigurationError
	assert.ErrorAs(t, err, &target)
}

func TestClientLazyMetadata(t *testing.T) {
	defer leaktest.Check(t)()
	useTestLogger(t)

	seedBroker := mock.NewBroker(t, 1)
	defer seedBroker.Close()
	singleBrokerCluster(t, seedBroker, newTP("my_topic", 0), newTP("my_topic", 1))

	config := NewTestConfig()
	config.Metadata.Full = false
	client, err := NewClient([]string{seedBroker.Addr()}, config)
	require.NoError(t, err)
	defer safeClose(t, client)
	assert.Equal(t, 0, seedBroker.ConnectionCount(), "client dialed before it had anything to send")

	partitions, err := client.Partitions(context.Background(), "my_topic")
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1}, partitions)

	_, err = client.Partitions(context.Background(), "my_topic")
	require.NoError(t, err)
	assert.Equal(t, 1, seedBroker.RequestCount(protocol.APIKeyMetadata), "cached partitions were fetched again")
}

func TestClientMetadata(t *testing.T) {
	defer leaktest.Check(t)()
	useTestLogger(t)

	seedBroker := mock.NewBroker(t, 1)
	leader := mock.NewBroker(t, 5)
	defer seedBroker.Close()
	defer leader.Close()

	metadata := mock.NewMockMetadataResponse(t).
		SetBroker(seedBroker.Addr(), seedBroker.BrokerID()).
		SetBroker(leader.Addr(), leader.BrokerID()).
		SetController(leader.BrokerID()).
		SetLeader("my_topic", 0, leader.BrokerID()).
		SetLeader("my_topic", 1, -1).
		SetTopicError("locked", types.ErrTopicAuthorizationFailed)
	seedBroker.SetHandler(protocol.APIKeyMetadata, metadata)
	leader.SetHandler(protocol.APIKeyMetadata, metadata)

	client, err := NewClient([]string{seedBroker.Addr()}, NewTestConfig())
	require.NoError(t, err)
	defer safeClose(t, client)

	topics, err := client.Topics()
	require.NoError(t, err)
	assert.Equal(t, []string{"locked", "my_topic"}, topics)

	b, err := client.Leader(context.Background(), "my_topic", 0)
	require.NoError(t, err)
	assert.Equal(t, leader.Addr(), b.Addr())
	assert.Equal(t, int32(5), b.ID)

	_, err = client.Leader(context.Background(), "my_topic", 1)
	assert.Equal(t, types.ErrLeaderNotAvailable, err)

	_, err = client.Partitions(context.Background(), "locked")
	assert.Equal(t, types.ErrTopicAuthorizationFailed, err)

	snap, err := client.ListMetadata(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(5), snap.ControllerID)
	require.Len(t, snap.Brokers, 2)
	assert.Equal(t, int32(1), snap.Brokers[0].ID)
	assert.Equal(t, int32(5), snap.Brokers[1].ID)
	topic := snap.Topic("my_topic")
	require.NotNil(t, topic, dump(snap))
	require.Len(t, topic.Partitions, 2)
	assert.Equal(t, int32(5), topic.Partitions[0].Leader)
	assert.Equal(t, int32(-1), topic.Partitions[1].Leader)
	assert.Equal(t, types.ErrLeaderNotAvailable, topic.Partitions[1].Err)

	snap, err = client.ListMetadata(context.Background(), []string{"my_topic", "missing"})
	require.NoError(t, err)
	require.Len(t, snap.Topics, 2)
	assert.Equal(t, types.ErrUnknownTopicOrPartition, snap.Topic("missing").Err)
}

func TestClientProduceAndConsume(t *testing.T) {
	defer leaktest.Check(t)()
	useTestLogger(t)

	broker := mock.NewBroker(t, 1)
	defer broker.Close()
	tp := newTP("my_topic", 0)
	singleBrokerCluster(t, broker, tp)
	log := mock.NewLog()
	broker.SetHandler(protocol.APIKeyProduce, mock.NewMockProduceResponse(t).SetLog(log))
	broker.SetHandler(protocol.APIKeyFetch, mock.NewMockFetchResponse(t, log))
	broker.SetHandler(protocol.APIKeyListOffsets, mock.NewMockOffsetResponse(t).SetLog(log))

	client, err := NewClient([]string{broker.Addr()}, NewTestConfig())
	require.NoError(t, err)
	defer safeClose(t, client)

	ctx := context.Background()
	for i, v := range []string{"one", "two", "three"} {
		_, offset, err := client.Produce(ctx, tp.Topic, []byte("k"), []byte(v), types.WaitForAll)
		require.NoError(t, err)
		assert.Equal(t, int64(i), offset)
	}

	oldest, err := client.GetOffset(ctx, tp.Topic, tp.Partition, types.OffsetOldest)
	require.NoError(t, err)
	assert.Equal(t, int64(0), oldest)
	newest, err := client.GetOffset(ctx, tp.Topic, tp.Partition, types.OffsetNewest)
	require.NoError(t, err)
	assert.Equal(t, int64(3), newest)

	child, err := client.Consume(ctx, tp.Topic, tp.Partition, 1)
	require.NoError(t, err)
	msgs := receive(t, child, 2)
	assert.Equal(t, []string{"two", "three"}, values(msgs))
	assert.Equal(t, "k", string(msgs[0].Key))
	require.NoError(t, child.Close())

	for _, rr := range broker.History() {
		if req, ok := rr.Request.Body.(*protocol.ProduceRequest); ok {
			assert.Equal(t, types.WaitForAll, req.RequiredAcks)
		}
	}
}

func TestClientCloseFlushesProducers(t *testing.T) {
	defer leaktest.Check(t)()
	useTestLogger(t)

	broker := mock.NewBroker(t, 1)
	defer broker.Close()
	singleBrokerCluster(t, broker, newTP("my_topic", 0))
	log := mock.NewLog()
	broker.SetHandler(protocol.APIKeyProduce, mock.NewMockProduceResponse(t).SetLog(log))

	config := NewTestConfig()
	config.Producer.Flush.Messages = 100
	client, err := NewClient([]string{broker.Addr()}, config)
	require.NoError(t, err)

	producer, err := client.Producer()
	require.NoError(t, err)
	future := producer.Send(&ProducerMessage{Topic: "my_topic", Value: StringEncoder("pending")})

	require.NoError(t, client.Close())
	_, offset, err := future.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), offset)
	assert.Equal(t, []string{"pending"}, log.Values("my_topic", 0))

	_, err = client.Producer()
	assert.Equal(t, ErrClosedClient, err)
	_, err = client.Topics()
	assert.Equal(t, ErrClosedClient, err)
	_, err = client.Leader(context.Background(), "my_topic", 0)
	assert.Equal(t, ErrClosedClient, err)
}

func TestClientProducersPerAckLevel(t *testing.T) {
	broker := mock.NewBroker(t, 1)
	defer broker.Close()
	singleBrokerCluster(t, broker)

	client, err := NewClient([]string{broker.Addr()}, NewTestConfig())
	require.NoError(t, err)
	defer safeClose(t, client)

	p1, err := client.producer(types.WaitForLocal)
	require.NoError(t, err)
	p2, err := client.producer(types.WaitForLocal)
	require.NoError(t, err)
	p3, err := client.producer(types.WaitForAll)
	require.NoError(t, err)

	assert.Same(t, p1, p2)
	assert.NotSame(t, p1, p3)
	assert.Equal(t, types.WaitForAll, p3.RequiredAcks())

	def, err := client.Producer()
	require.NoError(t, err)
	assert.Same(t, p1, def)
}
