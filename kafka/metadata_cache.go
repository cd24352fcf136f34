package kafka

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/stratalog/kwire/protocol"
	"github.com/stratalog/kwire/types"
)

// ClusterSnapshot is a point in time copy of the cluster metadata.
type ClusterSnapshot struct {
	Brokers      []*protocol.Broker
	ControllerID int32
	Topics       []*TopicMetadata
}

// TopicMetadata describes one topic of a ClusterSnapshot. Partitions are sorted by id.
type TopicMetadata struct {
	Name       string
	Err        types.KError
	IsInternal bool
	Partitions []*PartitionMetadata
}

// PartitionMetadata describes one partition of a TopicMetadata. Leader is -1 while the
// partition has no leader.
type PartitionMetadata struct {
	ID       int32
	Leader   int32
	Replicas []int32
	Isr      []int32
	Err      types.KError
}

// Topic returns the named topic, or nil.
func (s *ClusterSnapshot) Topic(name string) *TopicMetadata {
	for _, topic := range s.Topics {
		if topic.Name == name {
			return topic
		}
	}
	return nil
}

type topicInfo struct {
	err        types.KError
	internal   bool
	partitions map[int32]*PartitionMetadata
	ids        []int32
}

// clusterView is immutable once published. Writers copy what they change.
type clusterView struct {
	brokers      map[int32]*protocol.Broker
	controllerID int32
	topics       map[string]*topicInfo
}

// metadataCache maps partitions to their leaders. Reads load the current view without
// locking, updates are serialized by lock and publish a new view.
type metadataCache struct {
	lock sync.Mutex
	view atomic.Value // *clusterView
}

func newMetadataCache() *metadataCache {
	c := new(metadataCache)
	c.view.Store(&clusterView{
		brokers:      make(map[int32]*protocol.Broker),
		controllerID: -1,
		topics:       make(map[string]*topicInfo),
	})
	return c
}

func (c *metadataCache) load() *clusterView {
	return c.view.Load().(*clusterView)
}

// lookupLeader returns the leader of tp, false when the partition is unknown, has been
// invalidated, or has no leader.
func (c *metadataCache) lookupLeader(tp types.TopicPartition) (*protocol.Broker, bool) {
	view := c.load()
	topic := view.topics[tp.Topic]
	if topic == nil {
		return nil, false
	}
	partition := topic.partitions[tp.Partition]
	if partition == nil || partition.Leader < 0 {
		return nil, false
	}
	leader, ok := view.brokers[partition.Leader]
	return leader, ok
}

// partitionError returns the error the last metadata response reported for tp, or for its topic.
func (c *metadataCache) partitionError(tp types.TopicPartition) types.KError {
	topic := c.load().topics[tp.Topic]
	switch {
	case topic == nil:
		return types.ErrUnknownTopicOrPartition
	case topic.err != types.ErrNoError:
		return topic.err
	}
	partition := topic.partitions[tp.Partition]
	if partition == nil {
		return types.ErrUnknownTopicOrPartition
	}
	if partition.Err == types.ErrNoError && partition.Leader < 0 {
		return types.ErrLeaderNotAvailable
	}
	return partition.Err
}

// partitions returns the sorted partition ids of topic. known is false when the topic has
// never been part of a metadata response.
func (c *metadataCache) partitions(topic string) (ids []int32, known bool, err error) {
	info := c.load().topics[topic]
	if info == nil {
		return nil, false, nil
	}
	if info.err != types.ErrNoError {
		return nil, true, info.err
	}
	return info.ids, true, nil
}

func (c *metadataCache) broker(id int32) *protocol.Broker {
	return c.load().brokers[id]
}

func (c *metadataCache) topicNames() []string {
	view := c.load()
	names := make([]string, 0, len(view.topics))
	for name := range view.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// update publishes the content of a metadata response. Brokers are replaced wholesale. The
// partitions of every returned topic replace the cached ones; with full set, topics absent
// from the response are dropped.
func (c *metadataCache) update(res *protocol.MetadataResponse, full bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	old := c.load()
	view := &clusterView{
		brokers:      make(map[int32]*protocol.Broker, len(res.Brokers)),
		controllerID: res.ControllerID,
		topics:       make(map[string]*topicInfo, len(old.topics)+len(res.Topics)),
	}
	if res.Version < 1 {
		view.controllerID = old.controllerID
	}
	for _, broker := range res.Brokers {
		view.brokers[broker.ID] = broker
	}
	if !full {
		for name, topic := range old.topics {
			view.topics[name] = topic
		}
	}

	for _, topic := range res.Topics {
		info := &topicInfo{
			err:        topic.Err,
			internal:   topic.IsInternal,
			partitions: make(map[int32]*PartitionMetadata, len(topic.Partitions)),
		}
		for _, partition := range topic.Partitions {
			info.partitions[partition.ID] = &PartitionMetadata{
				ID:       partition.ID,
				Leader:   partition.Leader,
				Replicas: partition.Replicas,
				Isr:      partition.Isr,
				Err:      partition.Err,
			}
			info.ids = append(info.ids, partition.ID)
		}
		sort.Sort(int32Slice(info.ids))
		view.topics[topic.Name] = info
	}

	c.view.Store(view)
}

// invalidate forgets the leader of tp until the next update.
func (c *metadataCache) invalidate(tp types.TopicPartition) {
	c.lock.Lock()
	defer c.lock.Unlock()

	old := c.load()
	topic := old.topics[tp.Topic]
	if topic == nil {
		return
	}
	partition := topic.partitions[tp.Partition]
	if partition == nil || partition.Leader < 0 {
		return
	}

	changed := *partition
	changed.Leader = -1

	info := *topic
	info.partitions = make(map[int32]*PartitionMetadata, len(topic.partitions))
	for id, p := range topic.partitions {
		info.partitions[id] = p
	}
	info.partitions[tp.Partition] = &changed

	view := *old
	view.topics = make(map[string]*topicInfo, len(old.topics))
	for name, t := range old.topics {
		view.topics[name] = t
	}
	view.topics[tp.Topic] = &info

	c.view.Store(&view)
}

// snapshot copies the cached metadata of topics, or of every topic when topics is empty.
func (c *metadataCache) snapshot(topics []string) *ClusterSnapshot {
	view := c.load()
	snap := &ClusterSnapshot{ControllerID: view.controllerID}

	ids := make([]int32, 0, len(view.brokers))
	for id := range view.brokers {
		ids = append(ids, id)
	}
	sort.Sort(int32Slice(ids))
	for _, id := range ids {
		broker := *view.brokers[id]
		snap.Brokers = append(snap.Brokers, &broker)
	}

	if len(topics) == 0 {
		for name := range view.topics {
			topics = append(topics, name)
		}
		sort.Strings(topics)
	}
	for _, name := range topics {
		info := view.topics[name]
		if info == nil {
			snap.Topics = append(snap.Topics, &TopicMetadata{Name: name, Err: types.ErrUnknownTopicOrPartition})
			continue
		}
		topic := &TopicMetadata{Name: name, Err: info.err, IsInternal: info.internal}
		for _, id := range info.ids {
			partition := *info.partitions[id]
			topic.Partitions = append(topic.Partitions, &partition)
		}
		snap.Topics = append(snap.Topics, topic)
	}
	return snap
}
