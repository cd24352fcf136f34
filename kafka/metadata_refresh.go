package kafka

import (
	"context"
	"sync"
)

// pendingRefresh is the topic set of one metadata refresh together with the
// callers waiting for its result.
type pendingRefresh struct {
	topicsMap map[string]struct{}
	topics    []string
	allTopics bool
	chans     []chan error
}

func newPendingRefresh() *pendingRefresh {
	return &pendingRefresh{topicsMap: make(map[string]struct{})}
}

// addTopics adds topics to the refresh, an empty list meaning all of them.
func (r *pendingRefresh) addTopics(topics []string) {
	if len(topics) == 0 {
		r.allTopics = true
		return
	}
	for _, topic := range topics {
		if _, ok := r.topicsMap[topic]; ok {
			continue
		}
		r.topicsMap[topic] = struct{}{}
		r.topics = append(r.topics, topic)
	}
}

// hasTopics reports whether the refresh covers topics.
func (r *pendingRefresh) hasTopics(topics []string) bool {
	if r.allTopics {
		return true
	}
	if len(topics) == 0 {
		return false
	}
	for _, topic := range topics {
		if _, ok := r.topicsMap[topic]; !ok {
			return false
		}
	}
	return true
}

// requested returns the topics to ask for, nil meaning all of them.
func (r *pendingRefresh) requested() []string {
	if r.allTopics {
		return nil
	}
	return append([]string(nil), r.topics...)
}

// wait registers a caller and returns the channel its result is delivered on.
func (r *pendingRefresh) wait() chan error {
	ch := make(chan error, 1)
	r.chans = append(r.chans, ch)
	return ch
}

// singleFlightMetadataRefresher makes sure a client never issues more than one
// metadata refresh in parallel. Callers whose topics are covered by the ongoing
// refresh wait for it. The others are queued on the next refresh, which starts
// as soon as the ongoing one is over and completes every caller queued on it.
type singleFlightMetadataRefresher struct {
	// refresh is called with the topics to refresh, or nil for all of them.
	// It outlives the callers waiting on it.
	refresh func(topics []string) error

	lock    sync.Mutex
	ongoing *pendingRefresh
	next    *pendingRefresh
	wg      sync.WaitGroup
}

func newSingleFlightRefresher(f func(topics []string) error) *singleFlightMetadataRefresher {
	return &singleFlightMetadataRefresher{refresh: f}
}

// Refresh blocks until a refresh covering topics (nil or empty for all topics)
// completes, or ctx is done.
func (m *singleFlightMetadataRefresher) Refresh(ctx context.Context, topics []string) error {
	m.lock.Lock()
	var ch chan error
	switch {
	case m.ongoing == nil:
		r := newPendingRefresh()
		r.addTopics(topics)
		ch = r.wait()
		m.start(r)
	case m.ongoing.hasTopics(topics):
		ch = m.ongoing.wait()
	default:
		if m.next == nil {
			m.next = newPendingRefresh()
		}
		m.next.addTopics(topics)
		ch = m.next.wait()
	}
	m.lock.Unlock()
	return waitRefresh(ctx, ch)
}

// start runs r in a new goroutine. You need to hold the lock to call this method.
func (m *singleFlightMetadataRefresher) start(r *pendingRefresh) {
	m.ongoing = r
	m.wg.Add(1)
	go withRecover(func() {
		defer m.wg.Done()
		err := m.refresh(r.requested())

		m.lock.Lock()
		defer m.lock.Unlock()
		for _, ch := range r.chans {
			ch <- err
			close(ch)
		}
		m.ongoing = nil
		if next := m.next; next != nil {
			m.next = nil
			m.start(next)
		}
	})
}

// Wait blocks until the ongoing refresh and any queued behind it have finished.
func (m *singleFlightMetadataRefresher) Wait() {
	m.wg.Wait()
}

func waitRefresh(ctx context.Context, ch chan error) error {
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
