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

func TestOffsetManager(t *testing.T) {
	for _, version := range []KafkaVersion{V0_8_2_0, V0_9_0_0, V0_10_0_0, V0_10_1_0} {
		version := version
		t.Run(version.String(), func(t *testing.T) {
			defer leaktest.Check(t)()
			useTestLogger(t)

			broker := mock.NewBroker(t, 1)
			defer broker.Close()
			tp := newTP("my_topic", 0)
			singleBrokerCluster(t, broker, tp)

			log := mock.NewLog()
			log.AppendValue(tp.Topic, tp.Partition, nil, []byte("a"))
			log.AppendValue(tp.Topic, tp.Partition, nil, []byte("b"))
			store := mock.NewOffsetStore()
			broker.SetHandler(protocol.APIKeyListOffsets, mock.NewMockOffsetResponse(t).
				SetLog(log).
				SetOffset(tp.Topic, tp.Partition, 1500000000000, 1))
			broker.SetHandler(protocol.APIKeyFindCoordinator, mock.NewMockFindCoordinatorResponse(t).SetCoordinator("my_group", broker))
			broker.SetHandler(protocol.APIKeyOffsetCommit, mock.NewMockOffsetCommitResponse(t, store))
			broker.SetHandler(protocol.APIKeyOffsetFetch, mock.NewMockOffsetFetchResponse(t, store))

			config := NewTestConfig()
			config.Version = version
			client, err := NewClient([]string{broker.Addr()}, config)
			require.NoError(t, err)
			defer safeClose(t, client)
			ctx := context.Background()

			newest, err := client.GetOffset(ctx, tp.Topic, tp.Partition, types.OffsetNewest)
			require.NoError(t, err)
			assert.Equal(t, int64(2), newest)
			oldest, err := client.GetOffset(ctx, tp.Topic, tp.Partition, types.OffsetOldest)
			require.NoError(t, err)
			assert.Equal(t, int64(0), oldest)
			at, err := client.GetOffset(ctx, tp.Topic, tp.Partition, 1500000000000)
			require.NoError(t, err)
			assert.Equal(t, int64(1), at)

			offset, meta, err := client.FetchOffset(ctx, "my_group", tp.Topic, tp.Partition)
			require.NoError(t, err)
			assert.Equal(t, types.OffsetNotCommitted, offset)
			assert.Empty(t, meta)

			require.NoError(t, client.CommitOffset(ctx, "my_group", tp.Topic, tp.Partition, 2, "done"))
			offset, meta, err = client.FetchOffset(ctx, "my_group", tp.Topic, tp.Partition)
			require.NoError(t, err)
			assert.Equal(t, int64(2), offset)
			assert.Equal(t, "done", meta)

			committed, committedMeta := store.Committed("my_group", tp.Topic, tp.Partition)
			assert.Equal(t, int64(2), committed)
			assert.Equal(t, "done", committedMeta)
		})
	}
}

func TestOffsetManagerFetchError(t *testing.T) {
	defer leaktest.Check(t)()
	useTestLogger(t)

	broker := mock.NewBroker(t, 1)
	defer broker.Close()
	singleBrokerCluster(t, broker, newTP("my_topic", 0))
	broker.SetHandler(protocol.APIKeyFindCoordinator, mock.NewMockFindCoordinatorResponse(t).SetCoordinator("my_group", broker))
	broker.SetHandler(protocol.APIKeyOffsetFetch, mock.NewMockOffsetFetchResponse(t, mock.NewOffsetStore()).
		SetError("my_group", types.ErrGroupAuthorizationFailed))

	client, err := NewClient([]string{broker.Addr()}, NewTestConfig())
	require.NoError(t, err)
	defer safeClose(t, client)

	offset, _, err := client.FetchOffset(context.Background(), "my_group", "my_topic", 0)
	assert.Equal(t, types.ErrGroupAuthorizationFailed, err)
	assert.Equal(t, types.OffsetNotCommitted, offset)
}
