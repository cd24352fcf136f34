package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratalog/kwire/mock"
	"github.com/stratalog/kwire/protocol"
	"github.com/stratalog/kwire/types"
)

// twoBrokerMetadata advertises both brokers, with leader leading my_topic/0.
func twoBrokerMetadata(t *testing.T, b1, b2 *mock.Broker, leader int32) *mock.MockMetadataResponse {
	return mock.NewMockMetadataResponse(t).
		SetBroker(b1.Addr(), b1.BrokerID()).
		SetBroker(b2.Addr(), b2.BrokerID()).
		SetLeader("my_topic", 0, leader)
}

func TestRetryPolicyBackoffs(t *testing.T) {
	config := NewTestConfig()
	config.Router.Retry.Max = 5
	policy := NewRetryPolicy(config)

	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		50 * time.Millisecond,
		50 * time.Millisecond,
	}, policy.Backoffs())
}

func TestRouterFollowsLeaderMove(t *testing.T) {
	defer leaktest.Check(t)()
	useTestLogger(t)

	b1 := mock.NewBroker(t, 1)
	b2 := mock.NewBroker(t, 2)
	defer b1.Close()
	defer b2.Close()

	metadata := mock.NewMockSequence(
		twoBrokerMetadata(t, b1, b2, 1),
		twoBrokerMetadata(t, b1, b2, 2),
	)
	log := mock.NewLog()
	b1.SetHandler(protocol.APIKeyMetadata, metadata)
	b2.SetHandler(protocol.APIKeyMetadata, metadata)
	b1.SetHandler(protocol.APIKeyProduce, mock.NewMockProduceResponse(t).SetError("my_topic", 0, types.ErrNotLeaderForPartition))
	b2.SetHandler(protocol.APIKeyProduce, mock.NewMockProduceResponse(t).SetLog(log))

	client, err := NewClient([]string{b1.Addr()}, NewTestConfig())
	require.NoError(t, err)
	defer safeClose(t, client)

	partition, offset, err := client.Produce(context.Background(), "my_topic", nil, []byte("hello"), types.WaitForLocal)
	require.NoError(t, err)
	assert.Equal(t, int32(0), partition)
	assert.Equal(t, int64(0), offset)
	assert.Equal(t, []string{"hello"}, log.Values("my_topic", 0))
	assert.Equal(t, 1, b1.RequestCount(protocol.APIKeyProduce))
	assert.Equal(t, 1, b2.RequestCount(protocol.APIKeyProduce))

	leader, err := client.Leader(context.Background(), "my_topic", 0)
	require.NoError(t, err)
	assert.Equal(t, int32(2), leader.ID)
}

func TestRouterRecoversFromDeadLeader(t *testing.T) {
	defer leaktest.Check(t)()
	useTestLogger(t)

	b1 := mock.NewBroker(t, 1)
	b2 := mock.NewBroker(t, 2)
	defer b2.Close()

	metadata := mock.NewMockSequence(
		twoBrokerMetadata(t, b1, b2, 1),
		twoBrokerMetadata(t, b1, b2, 2),
	)
	log := mock.NewLog()
	b1.SetHandler(protocol.APIKeyMetadata, metadata)
	b2.SetHandler(protocol.APIKeyMetadata, metadata)
	b2.SetHandler(protocol.APIKeyProduce, mock.NewMockProduceResponse(t).SetLog(log))

	client, err := NewClient([]string{b1.Addr(), b2.Addr()}, NewTestConfig())
	require.NoError(t, err)
	defer safeClose(t, client)

	b1.Close()

	_, offset, err := client.Produce(context.Background(), "my_topic", nil, []byte("hello"), types.WaitForLocal)
	require.NoError(t, err)
	assert.Equal(t, int64(0), offset)
	assert.Equal(t, []string{"hello"}, log.Values("my_topic", 0))
}

func TestRouterGivesUpWhenLeadershipNeverSettles(t *testing.T) {
	defer leaktest.Check(t)()
	useTestLogger(t)

	broker := mock.NewBroker(t, 1)
	defer broker.Close()
	singleBrokerCluster(t, broker, newTP("my_topic", 0))
	broker.SetHandler(protocol.APIKeyProduce, mock.NewMockProduceResponse(t).SetError("my_topic", 0, types.ErrNotLeaderForPartition))

	config := NewTestConfig()
	config.Router.Retry.Max = 2
	client, err := NewClient([]string{broker.Addr()}, config)
	require.NoError(t, err)
	defer safeClose(t, client)

	_, _, err = client.Produce(context.Background(), "my_topic", nil, []byte("hello"), types.WaitForLocal)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRoutingExhausted)
	assert.ErrorIs(t, err, types.ErrNotLeaderForPartition)

	var exhausted *RoutingExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, newTP("my_topic", 0), exhausted.TopicPartition)
	assert.Equal(t, 3, broker.RequestCount(protocol.APIKeyProduce))
	// the initial refresh plus one per invalidated leader
	assert.Equal(t, 3, broker.RequestCount(protocol.APIKeyMetadata))
}

func TestRouterDoesNotRetryFatalErrors(t *testing.T) {
	defer leaktest.Check(t)()
	useTestLogger(t)

	broker := mock.NewBroker(t, 1)
	defer broker.Close()
	singleBrokerCluster(t, broker, newTP("my_topic", 0))
	broker.SetHandler(protocol.APIKeyProduce, mock.NewMockProduceResponse(t).SetError("my_topic", 0, types.ErrRecordListTooLarge))

	client, err := NewClient([]string{broker.Addr()}, NewTestConfig())
	require.NoError(t, err)
	defer safeClose(t, client)

	_, _, err = client.Produce(context.Background(), "my_topic", nil, []byte("hello"), types.WaitForLocal)
	assert.Equal(t, types.ErrRecordListTooLarge, err)
	assert.Equal(t, 1, broker.RequestCount(protocol.APIKeyProduce))
}

func TestRouterUnknownTopic(t *testing.T) {
	defer leaktest.Check(t)()
	useTestLogger(t)

	broker := mock.NewBroker(t, 1)
	defer broker.Close()
	singleBrokerCluster(t, broker, newTP("my_topic", 0))

	config := NewTestConfig()
	config.Router.Retry.Max = 1
	client, err := NewClient([]string{broker.Addr()}, config)
	require.NoError(t, err)
	defer safeClose(t, client)

	_, err = client.Leader(context.Background(), "unknown", 0)
	assert.Equal(t, types.ErrUnknownTopicOrPartition, err)

	req := &protocol.OffsetRequest{}
	req.AddBlock("unknown", 0, types.OffsetNewest, 1)
	_, err = client.Router().Route(context.Background(), newTP("unknown", 0), req)
	assert.ErrorIs(t, err, ErrRoutingExhausted)
	assert.ErrorIs(t, err, types.ErrUnknownTopicOrPartition)
}

func TestRouterPartitionsRetriesRetriableTopicErrors(t *testing.T) {
	defer leaktest.Check(t)()
	useTestLogger(t)

	broker := mock.NewBroker(t, 1)
	defer broker.Close()
	singleBrokerCluster(t, broker).
		SetTopicError("creating", types.ErrLeaderNotAvailable).
		SetTopicError("locked", types.ErrTopicAuthorizationFailed)

	config := NewTestConfig()
	config.Router.Retry.Max = 2
	client, err := NewClient([]string{broker.Addr()}, config)
	require.NoError(t, err)
	defer safeClose(t, client)
	require.Equal(t, 1, broker.RequestCount(protocol.APIKeyMetadata))

	_, err = client.Router().Partitions(context.Background(), "locked")
	assert.Equal(t, types.ErrTopicAuthorizationFailed, err)
	assert.Equal(t, 1, broker.RequestCount(protocol.APIKeyMetadata), "a non retriable topic error was refreshed")

	_, err = client.Router().Partitions(context.Background(), "creating")
	var exhausted *RoutingExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, "creating", exhausted.Topic)
	assert.ErrorIs(t, err, types.ErrLeaderNotAvailable)
	assert.Equal(t, 4, broker.RequestCount(protocol.APIKeyMetadata))
}

func TestRouterHonorsContext(t *testing.T) {
	defer leaktest.Check(t)()
	useTestLogger(t)

	broker := mock.NewBroker(t, 1)
	defer broker.Close()
	singleBrokerCluster(t, broker, newTP("my_topic", 0))
	broker.SetHandler(protocol.APIKeyProduce, mock.NewMockProduceResponse(t).SetError("my_topic", 0, types.ErrNotLeaderForPartition))

	config := NewTestConfig()
	config.Router.Retry.Max = 1000
	client, err := NewClient([]string{broker.Addr()}, config)
	require.NoError(t, err)
	defer safeClose(t, client)

	req := &protocol.ProduceRequest{Version: 2, RequiredAcks: types.WaitForLocal, Timeout: 1000}
	set := new(protocol.MessageSet)
	set.AddMessage(&protocol.Message{Version: protocol.MagicV1, Value: []byte("hello"), Timestamp: time.Now()})
	req.AddSet("my_topic", 0, set)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = client.Router().Route(ctx, newTP("my_topic", 0), req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, errors.Is(err, ErrRoutingExhausted))
}

func TestRouterNoBrokersAnswer(t *testing.T) {
	defer leaktest.Check(t)()
	useTestLogger(t)

	broker := mock.NewBroker(t, 1)
	addr := broker.Addr()
	broker.Close()

	config := NewTestConfig()
	config.Metadata.Retry.Max = 1
	_, err := NewClient([]string{addr}, config)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOutOfBrokers)

	var merr *MetadataError
	require.ErrorAs(t, err, &merr)
	require.NotEmpty(t, merr.Err.Errors)
	for _, cause := range merr.Err.Errors {
		assert.ErrorIs(t, cause, ErrConnectionLost)
	}
}

func TestRouterClosed(t *testing.T) {
	broker := mock.NewBroker(t, 1)
	defer broker.Close()
	singleBrokerCluster(t, broker, newTP("my_topic", 0))

	client, err := NewClient([]string{broker.Addr()}, NewTestConfig())
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = client.Router().Route(context.Background(), newTP("my_topic", 0), &protocol.OffsetRequest{})
	assert.Equal(t, ErrClosedClient, err)
	assert.Equal(t, ErrClosedClient, client.RefreshMetadata(context.Background()))
	assert.Equal(t, ErrClosedClient, client.Close())
}

func TestRouterCoordinatorMoves(t *testing.T) {
	defer leaktest.Check(t)()
	useTestLogger(t)

	b1 := mock.NewBroker(t, 1)
	b2 := mock.NewBroker(t, 2)
	defer b1.Close()
	defer b2.Close()

	metadata := twoBrokerMetadata(t, b1, b2, 1)
	find := mock.NewMockFindCoordinatorResponse(t).
		SetCoordinator("my_group", b2).
		SetError("other_group", types.ErrGroupAuthorizationFailed)
	store := mock.NewOffsetStore()
	for _, b := range []*mock.Broker{b1, b2} {
		b.SetHandler(protocol.APIKeyMetadata, metadata)
		b.SetHandler(protocol.APIKeyFindCoordinator, find)
	}
	b2.SetHandler(protocol.APIKeyOffsetCommit, mock.NewMockSequence(
		mock.NewMockOffsetCommitResponse(t, store).SetError("my_group", "my_topic", 0, types.ErrNotCoordinator),
		mock.NewMockOffsetCommitResponse(t, store),
	))
	b2.SetHandler(protocol.APIKeyOffsetFetch, mock.NewMockOffsetFetchResponse(t, store))

	client, err := NewClient([]string{b1.Addr()}, NewTestConfig())
	require.NoError(t, err)
	defer safeClose(t, client)

	ctx := context.Background()
	require.NoError(t, client.CommitOffset(ctx, "my_group", "my_topic", 0, 42, "checkpoint"))
	offset, meta, err := client.FetchOffset(ctx, "my_group", "my_topic", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(42), offset)
	assert.Equal(t, "checkpoint", meta)

	assert.Equal(t, 2, b2.RequestCount(protocol.APIKeyOffsetCommit))
	assert.Equal(t, 1, b2.RequestCount(protocol.APIKeyOffsetFetch))
	lookups := b1.RequestCount(protocol.APIKeyFindCoordinator) + b2.RequestCount(protocol.APIKeyFindCoordinator)
	assert.Equal(t, 2, lookups, "coordinator was not looked up again after NotCoordinator")

	coordinator, err := client.Router().Coordinator(ctx, "my_group")
	require.NoError(t, err)
	assert.Equal(t, int32(2), coordinator.ID)

	err = client.CommitOffset(ctx, "other_group", "my_topic", 0, 1, "")
	assert.Equal(t, types.ErrGroupAuthorizationFailed, err)
}
