package mock

import (
	"fmt"
	"sync"

	"github.com/stratalog/kwire/protocol"
	"github.com/stratalog/kwire/types"
)

// MockResponse is a response builder interface it defines one method that
// allows generating a response based on a request body. MockResponses are used
// to program behavior of Broker in tests. A broker serves requests
// concurrently, so For must be safe for concurrent use.
type MockResponse interface {
	For(reqBody protocol.Body) (res protocol.Response)
}

// MockWrapper is a mock response builder that returns a particular concrete
// response regardless of the actual request passed to the `For` method.
type MockWrapper struct {
	res protocol.Response
}

func (mw *MockWrapper) For(reqBody protocol.Body) protocol.Response {
	return mw.res
}

func NewMockWrapper(res protocol.Response) *MockWrapper {
	return &MockWrapper{res: res}
}

// MockResponseFunc adapts a function to the MockResponse interface.
type MockResponseFunc func(reqBody protocol.Body) protocol.Response

func (f MockResponseFunc) For(reqBody protocol.Body) protocol.Response {
	return f(reqBody)
}

// MockSequence is a mock response builder that is created from a sequence of
// concrete responses. Every time when a Broker calls its `For` method
// the next response from the sequence is returned. When the end of the
// sequence is reached the last element from the sequence is returned.
type MockSequence struct {
	lock      sync.Mutex
	responses []MockResponse
}

func NewMockSequence(responses ...interface{}) *MockSequence {
	ms := &MockSequence{}
	ms.responses = make([]MockResponse, len(responses))
	for i, res := range responses {
		switch res := res.(type) {
		case MockResponse:
			ms.responses[i] = res
		case protocol.Response:
			ms.responses[i] = NewMockWrapper(res)
		default:
			panic(fmt.Sprintf("Unexpected response type: %T", res))
		}
	}
	return ms
}

func (ms *MockSequence) For(reqBody protocol.Body) protocol.Response {
	ms.lock.Lock()
	next := ms.responses[0]
	if len(ms.responses) > 1 {
		ms.responses = ms.responses[1:]
	}
	ms.lock.Unlock()
	return next.For(reqBody)
}

// MockMetadataResponse is a `MetadataResponse` builder.
type MockMetadataResponse struct {
	lock         sync.Mutex
	controllerID int32
	leaders      map[string]map[int32]int32
	topicErrors  map[string]types.KError
	brokers      map[string]int32
	t            TestReporter
}

func NewMockMetadataResponse(t TestReporter) *MockMetadataResponse {
	return &MockMetadataResponse{
		leaders:      make(map[string]map[int32]int32),
		topicErrors:  make(map[string]types.KError),
		brokers:      make(map[string]int32),
		controllerID: -1,
		t:            t,
	}
}

// SetLeader declares the partition and its leader. A leader of -1 reports the partition with
// LeaderNotAvailable.
func (mmr *MockMetadataResponse) SetLeader(topic string, partition, brokerID int32) *MockMetadataResponse {
	mmr.lock.Lock()
	defer mmr.lock.Unlock()
	partitions := mmr.leaders[topic]
	if partitions == nil {
		partitions = make(map[int32]int32)
		mmr.leaders[topic] = partitions
	}
	partitions[partition] = brokerID
	return mmr
}

// SetTopicError reports the topic with err and no partitions.
func (mmr *MockMetadataResponse) SetTopicError(topic string, err types.KError) *MockMetadataResponse {
	mmr.lock.Lock()
	defer mmr.lock.Unlock()
	mmr.topicErrors[topic] = err
	return mmr
}

func (mmr *MockMetadataResponse) SetBroker(addr string, brokerID int32) *MockMetadataResponse {
	mmr.lock.Lock()
	defer mmr.lock.Unlock()
	mmr.brokers[addr] = brokerID
	return mmr
}

func (mmr *MockMetadataResponse) SetController(brokerID int32) *MockMetadataResponse {
	mmr.lock.Lock()
	defer mmr.lock.Unlock()
	mmr.controllerID = brokerID
	return mmr
}

func (mmr *MockMetadataResponse) For(reqBody protocol.Body) protocol.Response {
	metadataRequest := reqBody.(*protocol.MetadataRequest)

	mmr.lock.Lock()
	defer mmr.lock.Unlock()

	metadataResponse := &protocol.MetadataResponse{
		Version:      metadataRequest.Version,
		ControllerID: -1,
	}
	if metadataRequest.Version >= 1 {
		metadataResponse.ControllerID = mmr.controllerID
	}
	for addr, brokerID := range mmr.brokers {
		metadataResponse.AddBroker(addr, brokerID)
	}

	addTopic := func(topic string) {
		if kerr, ok := mmr.topicErrors[topic]; ok {
			metadataResponse.AddTopic(topic, kerr)
			return
		}
		partitions, ok := mmr.leaders[topic]
		if !ok {
			metadataResponse.AddTopic(topic, types.ErrUnknownTopicOrPartition)
			return
		}
		for partition, brokerID := range partitions {
			kerr := types.ErrNoError
			if brokerID < 0 {
				kerr = types.ErrLeaderNotAvailable
			}
			metadataResponse.AddTopicPartition(topic, partition, brokerID, []int32{brokerID}, []int32{brokerID}, kerr)
		}
	}

	// An empty request asks for every topic
	if len(metadataRequest.Topics) == 0 {
		for topic := range mmr.leaders {
			addTopic(topic)
		}
		for topic := range mmr.topicErrors {
			if _, ok := mmr.leaders[topic]; !ok {
				addTopic(topic)
			}
		}
		return metadataResponse
	}
	for _, topic := range metadataRequest.Topics {
		addTopic(topic)
	}
	return metadataResponse
}

// MockProduceResponse is a `ProduceResponse` builder. Without a Log it acknowledges every set at
// offset 0; with one it appends the sets and reports their base offsets.
type MockProduceResponse struct {
	lock   sync.Mutex
	errors map[string]map[int32]types.KError
	log    *Log
	t      TestReporter
}

func NewMockProduceResponse(t TestReporter) *MockProduceResponse {
	return &MockProduceResponse{
		errors: make(map[string]map[int32]types.KError),
		t:      t,
	}
}

// SetLog makes the builder append accepted sets to log.
func (mr *MockProduceResponse) SetLog(log *Log) *MockProduceResponse {
	mr.lock.Lock()
	defer mr.lock.Unlock()
	mr.log = log
	return mr
}

func (mr *MockProduceResponse) SetError(topic string, partition int32, kerror types.KError) *MockProduceResponse {
	mr.lock.Lock()
	defer mr.lock.Unlock()
	partitions := mr.errors[topic]
	if partitions == nil {
		partitions = make(map[int32]types.KError)
		mr.errors[topic] = partitions
	}
	partitions[partition] = kerror
	return mr
}

func (mr *MockProduceResponse) For(reqBody protocol.Body) protocol.Response {
	req := reqBody.(*protocol.ProduceRequest)

	mr.lock.Lock()
	defer mr.lock.Unlock()

	res := &protocol.ProduceResponse{Version: req.Version}
	for topic, partitions := range req.MsgSets {
		for partition, set := range partitions {
			if kerr := mr.getError(topic, partition); kerr != types.ErrNoError {
				res.AddTopicPartition(topic, partition, kerr, -1)
				continue
			}
			var offset int64
			if mr.log != nil {
				offset = mr.log.Append(topic, partition, set)
			}
			res.AddTopicPartition(topic, partition, types.ErrNoError, offset)
		}
	}
	return res
}

func (mr *MockProduceResponse) getError(topic string, partition int32) types.KError {
	partitions := mr.errors[topic]
	if partitions == nil {
		return types.ErrNoError
	}
	kerror, ok := partitions[partition]
	if !ok {
		return types.ErrNoError
	}
	return kerror
}

// MockFetchResponse is a `FetchResponse` builder that serves messages from a Log.
type MockFetchResponse struct {
	lock   sync.Mutex
	log    *Log
	errors map[types.TopicPartition]types.KError
	t      TestReporter
}

func NewMockFetchResponse(t TestReporter, log *Log) *MockFetchResponse {
	return &MockFetchResponse{
		log:    log,
		errors: make(map[types.TopicPartition]types.KError),
		t:      t,
	}
}

// SetError makes every fetch of the partition fail with kerror.
func (mfr *MockFetchResponse) SetError(topic string, partition int32, kerror types.KError) *MockFetchResponse {
	mfr.lock.Lock()
	defer mfr.lock.Unlock()
	mfr.errors[types.TopicPartition{Topic: topic, Partition: partition}] = kerror
	return mfr
}

func (mfr *MockFetchResponse) For(reqBody protocol.Body) protocol.Response {
	fetchRequest := reqBody.(*protocol.FetchRequest)

	mfr.lock.Lock()
	defer mfr.lock.Unlock()

	magic := protocol.MagicV0
	if fetchRequest.Version >= 2 {
		magic = protocol.MagicV1
	}

	res := &rawFetchResponse{version: fetchRequest.Version, blocks: make(map[string]map[int32]*rawFetchBlock)}
	for topic, partitions := range fetchRequest.Blocks {
		res.blocks[topic] = make(map[int32]*rawFetchBlock)
		for partition, block := range partitions {
			if kerr, ok := mfr.errors[types.TopicPartition{Topic: topic, Partition: partition}]; ok {
				res.blocks[topic][partition] = &rawFetchBlock{err: kerr, hwm: -1}
				continue
			}
			set, hwm, kerr := mfr.log.read(topic, partition, block.FetchOffset, block.MaxBytes, magic)
			res.blocks[topic][partition] = &rawFetchBlock{err: kerr, hwm: hwm, set: set}
		}
	}
	return res
}

// MockOffsetResponse is a `ListOffsets` builder. Explicit offsets set with SetOffset win over the
// Log, which answers OffsetOldest and OffsetNewest for every other partition.
type MockOffsetResponse struct {
	lock    sync.Mutex
	offsets map[string]map[int32]map[types.OffsetTime]int64
	log     *Log
	t       TestReporter
}

func NewMockOffsetResponse(t TestReporter) *MockOffsetResponse {
	return &MockOffsetResponse{
		offsets: make(map[string]map[int32]map[types.OffsetTime]int64),
		t:       t,
	}
}

func (mor *MockOffsetResponse) SetLog(log *Log) *MockOffsetResponse {
	mor.lock.Lock()
	defer mor.lock.Unlock()
	mor.log = log
	return mor
}

func (mor *MockOffsetResponse) SetOffset(topic string, partition int32, time types.OffsetTime, offset int64) *MockOffsetResponse {
	mor.lock.Lock()
	defer mor.lock.Unlock()
	partitions := mor.offsets[topic]
	if partitions == nil {
		partitions = make(map[int32]map[types.OffsetTime]int64)
		mor.offsets[topic] = partitions
	}
	times := partitions[partition]
	if times == nil {
		times = make(map[types.OffsetTime]int64)
		partitions[partition] = times
	}
	times[time] = offset
	return mor
}

func (mor *MockOffsetResponse) For(reqBody protocol.Body) protocol.Response {
	offsetRequest := reqBody.(*protocol.OffsetRequest)

	mor.lock.Lock()
	defer mor.lock.Unlock()

	offsetResponse := &protocol.OffsetResponse{Version: offsetRequest.Version}
	for _, tp := range offsetRequest.Partitions() {
		time, _ := offsetRequest.Time(tp.Topic, tp.Partition)
		offset, ok := mor.getOffset(tp.Topic, tp.Partition, time)
		if !ok {
			offsetResponse.AddError(tp.Topic, tp.Partition, types.ErrUnknownTopicOrPartition)
			continue
		}
		offsetResponse.AddTopicPartition(tp.Topic, tp.Partition, offset)
	}
	return offsetResponse
}

func (mor *MockOffsetResponse) getOffset(topic string, partition int32, time types.OffsetTime) (int64, bool) {
	if offset, ok := mor.offsets[topic][partition][time]; ok {
		return offset, true
	}
	if mor.log == nil {
		mor.t.Errorf("missing offset: %s/%d/%d", topic, partition, time)
		return 0, false
	}
	oldest, newest := mor.log.Offsets(topic, partition)
	switch time {
	case types.OffsetOldest:
		return oldest, true
	case types.OffsetNewest:
		return newest, true
	}
	mor.t.Errorf("unsupported offset time %d", time)
	return 0, false
}

// MockFindCoordinatorResponse is a `FindCoordinatorResponse` builder.
type MockFindCoordinatorResponse struct {
	lock         sync.Mutex
	coordinators map[string]interface{}
	t            TestReporter
}

func NewMockFindCoordinatorResponse(t TestReporter) *MockFindCoordinatorResponse {
	return &MockFindCoordinatorResponse{
		coordinators: make(map[string]interface{}),
		t:            t,
	}
}

func (mr *MockFindCoordinatorResponse) SetCoordinator(group string, broker *Broker) *MockFindCoordinatorResponse {
	mr.lock.Lock()
	defer mr.lock.Unlock()
	mr.coordinators[group] = broker
	return mr
}

func (mr *MockFindCoordinatorResponse) SetError(group string, kerror types.KError) *MockFindCoordinatorResponse {
	mr.lock.Lock()
	defer mr.lock.Unlock()
	mr.coordinators[group] = kerror
	return mr
}

func (mr *MockFindCoordinatorResponse) For(reqBody protocol.Body) protocol.Response {
	req := reqBody.(*protocol.FindCoordinatorRequest)

	mr.lock.Lock()
	defer mr.lock.Unlock()

	res := &protocol.FindCoordinatorResponse{Version: req.Version}
	v := mr.coordinators[req.ConsumerGroup]
	switch v := v.(type) {
	case *Broker:
		coordinator, err := protocol.NewBroker(v.Addr())
		if err != nil {
			mr.t.Errorf("mock coordinator address: %v", err)
			res.Err = types.ErrCoordinatorNotAvailable
			break
		}
		coordinator.ID = v.BrokerID()
		res.Coordinator = coordinator
	case types.KError:
		res.Err = v
	default:
		res.Err = types.ErrCoordinatorNotAvailable
	}
	return res
}

type committedOffset struct {
	offset   int64
	metadata string
}

// OffsetStore holds the committed offsets served by MockOffsetCommitResponse and
// MockOffsetFetchResponse.
type OffsetStore struct {
	lock    sync.Mutex
	offsets map[string]map[types.TopicPartition]committedOffset
}

func NewOffsetStore() *OffsetStore {
	return &OffsetStore{offsets: make(map[string]map[types.TopicPartition]committedOffset)}
}

func (s *OffsetStore) Commit(group, topic string, partition int32, offset int64, metadata string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	partitions := s.offsets[group]
	if partitions == nil {
		partitions = make(map[types.TopicPartition]committedOffset)
		s.offsets[group] = partitions
	}
	partitions[types.TopicPartition{Topic: topic, Partition: partition}] = committedOffset{offset, metadata}
}

// Committed returns the committed offset, OffsetNotCommitted when there is none.
func (s *OffsetStore) Committed(group, topic string, partition int32) (int64, string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	c, ok := s.offsets[group][types.TopicPartition{Topic: topic, Partition: partition}]
	if !ok {
		return types.OffsetNotCommitted, ""
	}
	return c.offset, c.metadata
}

// MockOffsetCommitResponse is an `OffsetCommitResponse` builder that records commits in an
// OffsetStore.
type MockOffsetCommitResponse struct {
	lock   sync.Mutex
	errors map[string]map[types.TopicPartition]types.KError
	store  *OffsetStore
	t      TestReporter
}

func NewMockOffsetCommitResponse(t TestReporter, store *OffsetStore) *MockOffsetCommitResponse {
	return &MockOffsetCommitResponse{
		errors: make(map[string]map[types.TopicPartition]types.KError),
		store:  store,
		t:      t,
	}
}

func (mr *MockOffsetCommitResponse) SetError(group, topic string, partition int32, kerror types.KError) *MockOffsetCommitResponse {
	mr.lock.Lock()
	defer mr.lock.Unlock()
	partitions := mr.errors[group]
	if partitions == nil {
		partitions = make(map[types.TopicPartition]types.KError)
		mr.errors[group] = partitions
	}
	partitions[types.TopicPartition{Topic: topic, Partition: partition}] = kerror
	return mr
}

func (mr *MockOffsetCommitResponse) For(reqBody protocol.Body) protocol.Response {
	req := reqBody.(*protocol.OffsetCommitRequest)

	mr.lock.Lock()
	defer mr.lock.Unlock()

	res := &protocol.OffsetCommitResponse{Version: req.Version}
	for _, tp := range req.Partitions() {
		if kerr, ok := mr.errors[req.ConsumerGroup][tp]; ok {
			res.AddError(tp.Topic, tp.Partition, kerr)
			continue
		}
		offset, metadata, _ := req.Offset(tp.Topic, tp.Partition)
		mr.store.Commit(req.ConsumerGroup, tp.Topic, tp.Partition, offset, metadata)
		res.AddError(tp.Topic, tp.Partition, types.ErrNoError)
	}
	return res
}

// MockOffsetFetchResponse is an `OffsetFetchResponse` builder reading from an OffsetStore.
type MockOffsetFetchResponse struct {
	lock   sync.Mutex
	errors map[string]types.KError
	store  *OffsetStore
	t      TestReporter
}

func NewMockOffsetFetchResponse(t TestReporter, store *OffsetStore) *MockOffsetFetchResponse {
	return &MockOffsetFetchResponse{
		errors: make(map[string]types.KError),
		store:  store,
		t:      t,
	}
}

// SetError fails every partition fetched for the group.
func (mr *MockOffsetFetchResponse) SetError(group string, kerror types.KError) *MockOffsetFetchResponse {
	mr.lock.Lock()
	defer mr.lock.Unlock()
	mr.errors[group] = kerror
	return mr
}

func (mr *MockOffsetFetchResponse) For(reqBody protocol.Body) protocol.Response {
	req := reqBody.(*protocol.OffsetFetchRequest)

	mr.lock.Lock()
	defer mr.lock.Unlock()

	res := &protocol.OffsetFetchResponse{Version: req.Version}
	for topic, partitions := range req.Partitions() {
		for _, partition := range partitions {
			if kerr, ok := mr.errors[req.ConsumerGroup]; ok {
				res.AddBlock(topic, partition, &protocol.OffsetFetchResponseBlock{Offset: -1, Err: kerr})
				continue
			}
			offset, metadata := mr.store.Committed(req.ConsumerGroup, topic, partition)
			res.AddBlock(topic, partition, &protocol.OffsetFetchResponseBlock{Offset: offset, Metadata: metadata})
		}
	}
	return res
}
