package kafka

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	"github.com/hashicorp/go-multierror"
	"github.com/rcrowley/go-metrics"

	"github.com/stratalog/kwire/protocol"
	"github.com/stratalog/kwire/types"
)

// RetryPolicy bounds how often and how fast the Router retries a request. It is the one retry
// policy of the client: the producer and the consumer retry only through the Router.
type RetryPolicy struct {
	// Max is the number of retries after the first attempt.
	Max int
	// Backoff is the wait before the first retry. It doubles for every further retry, up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// Jitter randomizes every wait by up to this factor.
	Jitter float64
}

// NewRetryPolicy returns the policy configured by conf.Router.Retry.
func NewRetryPolicy(conf *Config) RetryPolicy {
	return RetryPolicy{
		Max:        conf.Router.Retry.Max,
		Backoff:    conf.Router.Retry.Backoff,
		MaxBackoff: conf.Router.Retry.MaxBackoff,
		Jitter:     conf.Router.Retry.Jitter,
	}
}

// Backoffs returns the wait before every retry, without jitter.
func (p RetryPolicy) Backoffs() []time.Duration {
	return retrier.LimitedExponentialBackoff(p.Max, p.Backoff, p.MaxBackoff)
}

func (p RetryPolicy) retrier(class retrier.Classifier) *retrier.Retrier {
	r := retrier.New(p.Backoffs(), class)
	r.SetJitter(p.Jitter)
	return r
}

// retriableClassifier retries connection losses and the broker errors flagged retriable.
type retriableClassifier struct{}

func (retriableClassifier) Classify(err error) retrier.Action {
	switch {
	case err == nil:
		return retrier.Succeed
	case retriable(err):
		return retrier.Retry
	}
	return retrier.Fail
}

// metadataClassifier retries a sweep of the brokers that nobody answered.
type metadataClassifier struct{}

func (metadataClassifier) Classify(err error) retrier.Action {
	var merr *MetadataError
	switch {
	case err == nil:
		return retrier.Succeed
	case errors.As(err, &merr):
		return retrier.Retry
	}
	return retrier.Fail
}

// Router sends every request to the broker that can answer it: the leader of a partition,
// any broker for metadata, or the coordinator of a consumer group. It recovers from leadership
// moves and lost connections by invalidating the metadata cache, refreshing it and retrying
// per its RetryPolicy.
type Router struct {
	conf      *Config
	versions  apiVersions
	policy    RetryPolicy
	brokers   *brokerRegistry
	cache     *metadataCache
	refresher *singleFlightMetadataRefresher

	// lifetime of the client, refreshes are not bound to the caller that started them
	ctx    context.Context
	cancel context.CancelFunc

	coordinatorLock sync.Mutex
	coordinators    map[string]*protocol.Broker

	refreshRate    metrics.Meter
	refreshFailure metrics.Meter
}

func newRouter(conf *Config, brokers *brokerRegistry) *Router {
	r := &Router{
		conf:           conf,
		versions:       conf.Version.apiVersions(),
		policy:         NewRetryPolicy(conf),
		brokers:        brokers,
		cache:          newMetadataCache(),
		coordinators:   make(map[string]*protocol.Broker),
		refreshRate:    metrics.GetOrRegisterMeter(metadataRefreshRate, conf.MetricRegistry),
		refreshFailure: metrics.GetOrRegisterMeter(metadataRefreshFailure, conf.MetricRegistry),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.refresher = newSingleFlightRefresher(r.refreshMetadata)
	return r
}

// Policy returns the retry policy of the router.
func (r *Router) Policy() RetryPolicy {
	return r.policy
}

func (r *Router) closed() bool {
	return r.ctx.Err() != nil
}

func (r *Router) close() {
	r.cancel()
	r.refresher.Wait()
}

// Refresh updates the cached metadata of topics, or of all topics when topics is empty.
// Concurrent refreshes are coalesced.
func (r *Router) Refresh(ctx context.Context, topics []string) error {
	if r.closed() {
		return ErrClosedClient
	}
	return r.refresher.Refresh(ctx, topics)
}

func (r *Router) refreshMetadata(topics []string) error {
	if len(topics) == 0 {
		Logger.Println("client/metadata fetching metadata for all topics")
	} else {
		Logger.Printf("client/metadata fetching metadata for %v\n", topics)
	}
	r.refreshRate.Mark(1)

	req := &protocol.MetadataRequest{Version: r.versions.metadata, Topics: topics}
	var res *protocol.MetadataResponse
	sweeps := retrier.New(retrier.ConstantBackoff(r.conf.Metadata.Retry.Max, r.conf.Metadata.Retry.Backoff), metadataClassifier{})
	err := sweeps.RunCtx(r.ctx, func(ctx context.Context) error {
		raw, err := r.RouteAny(ctx, req)
		if err != nil {
			return err
		}
		res = raw.(*protocol.MetadataResponse)
		return nil
	})
	if err != nil {
		r.refreshFailure.Mark(1)
		Logger.Printf("client/metadata refresh failed: %v\n", err)
		return err
	}

	r.brokers.sync(res.Brokers)
	r.cache.update(res, len(topics) == 0)
	return nil
}

// Partitions returns the sorted partition ids of topic. The metadata is refreshed when the
// topic is not cached or was cached with a retriable error, such as a topic that is still being
// created. Those refreshes follow the retry policy; once it is used up the last error is returned
// in a *RoutingExhaustedError. Non retriable topic errors are served from the cache.
func (r *Router) Partitions(ctx context.Context, topic string) ([]int32, error) {
	if r.closed() {
		return nil, ErrClosedClient
	}
	if ids, known, err := r.cache.partitions(topic); known && (err == nil || !retriable(err)) {
		return ids, err
	}

	var (
		ids      []int32
		attempts int
	)
	err := r.policy.retrier(retriableClassifier{}).RunCtx(ctx, func(ctx context.Context) error {
		attempts++
		if err := r.Refresh(ctx, []string{topic}); err != nil {
			return err
		}
		var (
			known bool
			err   error
		)
		ids, known, err = r.cache.partitions(topic)
		switch {
		case err != nil:
		case !known:
			err = types.ErrUnknownTopicOrPartition
		default:
			return nil
		}
		if retriable(err) && attempts <= r.policy.Max {
			Logger.Printf("client/metadata %s attempt %d failed, retrying: %v\n", topic, attempts, err)
		}
		return err
	})
	if err != nil {
		if retriable(err) && ctx.Err() == nil {
			return nil, &RoutingExhaustedError{TopicPartition: types.TopicPartition{Topic: topic, Partition: -1}, Attempts: attempts, Err: err}
		}
		return nil, err
	}
	return ids, nil
}

// Leader returns the cached leader of tp, refreshing the metadata on a miss. Only the caller
// asking for tp waits for that refresh.
func (r *Router) Leader(ctx context.Context, tp types.TopicPartition) (*protocol.Broker, error) {
	if leader, ok := r.cache.lookupLeader(tp); ok {
		return leader, nil
	}
	if err := r.Refresh(ctx, []string{tp.Topic}); err != nil {
		return nil, err
	}
	if leader, ok := r.cache.lookupLeader(tp); ok {
		return leader, nil
	}
	return nil, r.cache.partitionError(tp)
}

// Route sends req to the leader of tp and returns the response. A response whose error for tp
// says the leader moved, or a lost connection, invalidates tp's leader and is retried on the
// refreshed leader; other retriable broker errors are retried as is. Everything else is
// returned at once. Once the retries are used up the last error is returned in a
// *RoutingExhaustedError. A request that expects no response returns nil, nil.
func (r *Router) Route(ctx context.Context, tp types.TopicPartition, req protocol.Body) (protocol.Response, error) {
	if r.closed() {
		return nil, ErrClosedClient
	}

	var (
		res      protocol.Response
		attempts int
	)
	err := r.policy.retrier(retriableClassifier{}).RunCtx(ctx, func(ctx context.Context) (err error) {
		attempts++
		res, err = r.routeOnce(ctx, tp, req)
		if err != nil {
			if leadershipError(err) {
				r.cache.invalidate(tp)
			}
			if retriable(err) && attempts <= r.policy.Max {
				Logger.Printf("client/router %s %s attempt %d failed, retrying: %v\n",
					protocol.APIName(req.APIKey()), tp, attempts, err)
			}
		}
		return err
	})
	if err != nil {
		if retriable(err) && ctx.Err() == nil {
			return nil, &RoutingExhaustedError{TopicPartition: tp, Attempts: attempts, Err: err}
		}
		return nil, err
	}
	return res, nil
}

func (r *Router) routeOnce(ctx context.Context, tp types.TopicPartition, req protocol.Body) (protocol.Response, error) {
	leader, err := r.Leader(ctx, tp)
	if err != nil {
		return nil, err
	}
	conn := r.brokers.get(leader.ID)
	if conn == nil {
		conn = r.brokers.forBroker(leader)
	}

	res, err := conn.Send(req).Get(ctx)
	if err != nil || res == nil {
		return nil, err
	}
	if pe, ok := res.(protocol.PartitionErrorer); ok {
		if kerr := pe.PartitionError(tp.Topic, tp.Partition); kerr != types.ErrNoError {
			return nil, kerr
		}
	}
	return res, nil
}

// RouteAny sends req to the first broker that answers: the known brokers in rotation, then
// the seed brokers. When none answers the result is a *MetadataError holding every broker's
// failure.
func (r *Router) RouteAny(ctx context.Context, req protocol.Body) (protocol.Response, error) {
	var errs *multierror.Error
	for _, conn := range r.brokers.candidates() {
		res, err := conn.Send(req).Get(ctx)
		switch {
		case err == nil:
			return res, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, ErrConnectionLost), errors.Is(err, ErrRequestTimeout):
			Logger.Printf("client/router broker %s did not answer %s: %v\n",
				brokerName(conn.ID(), conn.Addr()), protocol.APIName(req.APIKey()), err)
			errs = multierror.Append(errs, err)
		default:
			return nil, err
		}
	}
	if errs == nil {
		errs = multierror.Append(errs, errors.New("no brokers known"))
	}
	return nil, &MetadataError{Err: errs}
}

// RouteCoordinator sends req to the coordinator of group, finding and caching it first. The
// error code of tp in the response classifies it: a coordinator that moved or is unavailable
// is forgotten and looked up again, other retriable errors are retried as is.
func (r *Router) RouteCoordinator(ctx context.Context, group string, tp types.TopicPartition, req protocol.Body) (protocol.Response, error) {
	if r.closed() {
		return nil, ErrClosedClient
	}

	var (
		res      protocol.Response
		attempts int
	)
	err := r.policy.retrier(retriableClassifier{}).RunCtx(ctx, func(ctx context.Context) (err error) {
		attempts++
		res, err = r.coordinatorOnce(ctx, group, tp, req)
		if err != nil && coordinatorError(err) {
			r.forgetCoordinator(group)
		}
		return err
	})
	if err != nil {
		if retriable(err) && ctx.Err() == nil {
			return nil, &RoutingExhaustedError{TopicPartition: tp, Attempts: attempts, Err: err}
		}
		return nil, err
	}
	return res, nil
}

func (r *Router) coordinatorOnce(ctx context.Context, group string, tp types.TopicPartition, req protocol.Body) (protocol.Response, error) {
	coordinator, err := r.Coordinator(ctx, group)
	if err != nil {
		return nil, err
	}

	res, err := r.brokers.forBroker(coordinator).Send(req).Get(ctx)
	if err != nil {
		return nil, err
	}
	if pe, ok := res.(protocol.PartitionErrorer); ok {
		if kerr := pe.PartitionError(tp.Topic, tp.Partition); kerr != types.ErrNoError {
			return nil, kerr
		}
	}
	return res, nil
}

// Coordinator returns the broker coordinating group, asking any broker when it is not cached.
func (r *Router) Coordinator(ctx context.Context, group string) (*protocol.Broker, error) {
	r.coordinatorLock.Lock()
	coordinator := r.coordinators[group]
	r.coordinatorLock.Unlock()
	if coordinator != nil {
		return coordinator, nil
	}

	raw, err := r.RouteAny(ctx, &protocol.FindCoordinatorRequest{ConsumerGroup: group})
	if err != nil {
		return nil, err
	}
	res := raw.(*protocol.FindCoordinatorResponse)
	if res.Err != types.ErrNoError {
		return nil, res.Err
	}
	if res.Coordinator == nil {
		return nil, ErrIncompleteResponse
	}

	Logger.Printf("client/coordinator coordinator for consumergroup %s is #%d (%s)\n",
		group, res.Coordinator.ID, res.Coordinator.Addr())
	r.coordinatorLock.Lock()
	r.coordinators[group] = res.Coordinator
	r.coordinatorLock.Unlock()
	return res.Coordinator, nil
}

func (r *Router) forgetCoordinator(group string) {
	r.coordinatorLock.Lock()
	delete(r.coordinators, group)
	r.coordinatorLock.Unlock()
}
