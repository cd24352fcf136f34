package kafka

import (
	"context"

	"github.com/stratalog/kwire/protocol"
	"github.com/stratalog/kwire/types"
)

// OffsetManager looks up partition offsets and stores consumer group offsets at the group's
// coordinator. Every request goes through the Router.
type OffsetManager struct {
	versions apiVersions
	router   *Router
}

func newOffsetManager(conf *Config, router *Router) *OffsetManager {
	return &OffsetManager{versions: conf.Version.apiVersions(), router: router}
}

// GetOffset queries the leader of tp for the offset at time, which is a timestamp in
// milliseconds or one of types.OffsetNewest and types.OffsetOldest.
func (om *OffsetManager) GetOffset(ctx context.Context, tp types.TopicPartition, time types.OffsetTime) (int64, error) {
	req := &protocol.OffsetRequest{Version: om.versions.listOffsets}
	req.AddBlock(tp.Topic, tp.Partition, time, 1)

	raw, err := om.router.Route(ctx, tp, req)
	if err != nil {
		return -1, err
	}
	block := raw.(*protocol.OffsetResponse).GetBlock(tp.Topic, tp.Partition)
	if block == nil {
		return -1, ErrIncompleteResponse
	}

	if req.Version == 0 {
		if len(block.Offsets) == 0 {
			return -1, ErrIncompleteResponse
		}
		return block.Offsets[0], nil
	}
	return block.Offset, nil
}

// Commit stores offset and metadata for tp on behalf of group. The group is a simple consumer
// group: it has no generation and no member id.
func (om *OffsetManager) Commit(ctx context.Context, group string, tp types.TopicPartition, offset int64, metadata string) error {
	req := &protocol.OffsetCommitRequest{
		Version:                 om.versions.offsetCommit,
		ConsumerGroup:           group,
		ConsumerGroupGeneration: protocol.GroupGenerationUndefined,
		RetentionTime:           protocol.DefaultRetentionTime,
	}
	req.AddBlock(tp.Topic, tp.Partition, offset, protocol.ReceiveTime, metadata)

	_, err := om.router.RouteCoordinator(ctx, group, tp, req)
	if err == nil {
		Logger.Printf("client/offsets committed offset %d of %s for group %s\n", offset, tp, group)
	}
	return err
}

// Fetch returns the offset and metadata group last committed for tp. The offset is
// types.OffsetNotCommitted when the group never committed one.
func (om *OffsetManager) Fetch(ctx context.Context, group string, tp types.TopicPartition) (int64, string, error) {
	req := &protocol.OffsetFetchRequest{Version: om.versions.offsetFetch, ConsumerGroup: group}
	req.AddPartition(tp.Topic, tp.Partition)

	raw, err := om.router.RouteCoordinator(ctx, group, tp, req)
	if err != nil {
		return types.OffsetNotCommitted, "", err
	}
	block := raw.(*protocol.OffsetFetchResponse).GetBlock(tp.Topic, tp.Partition)
	if block == nil {
		return types.OffsetNotCommitted, "", ErrIncompleteResponse
	}
	return block.Offset, block.Metadata, nil
}
