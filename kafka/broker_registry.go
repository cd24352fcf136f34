package kafka

import (
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/stratalog/kwire/protocol"
)

// brokerRegistry owns every BrokerConn of a client: the seed connections and one connection
// per broker id advertised by metadata.
type brokerRegistry struct {
	conf *Config

	lock   sync.Mutex
	seeds  []*BrokerConn
	byID   map[int32]*BrokerConn
	extra  map[string]*BrokerConn // coordinators not (yet) in metadata, by address
	rotate int
	closed bool

	closers sync.WaitGroup
}

func newBrokerRegistry(addrs []string, conf *Config) *brokerRegistry {
	r := &brokerRegistry{
		conf:  conf,
		byID:  make(map[int32]*BrokerConn),
		extra: make(map[string]*BrokerConn),
	}
	for _, addr := range addrs {
		r.seeds = append(r.seeds, NewBrokerConn(-1, addr, conf))
	}
	return r
}

// get returns the connection to broker id, nil when the broker is unknown.
func (r *brokerRegistry) get(id int32) *BrokerConn {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.byID[id]
}

// forBroker returns the connection to b, registering one when metadata has not listed
// the broker yet.
func (r *brokerRegistry) forBroker(b *protocol.Broker) *BrokerConn {
	r.lock.Lock()
	defer r.lock.Unlock()

	if conn := r.byID[b.ID]; conn != nil && conn.Addr() == b.Addr() {
		return conn
	}
	conn := r.extra[b.Addr()]
	if conn == nil {
		conn = NewBrokerConn(b.ID, b.Addr(), r.conf)
		if r.closed {
			_ = conn.Close()
		} else {
			r.extra[b.Addr()] = conn
		}
	}
	return conn
}

// sync makes the registry match the brokers of a metadata response. Connections of brokers
// that moved or disappeared are closed, which fails their pending requests.
func (r *brokerRegistry) sync(brokers []*protocol.Broker) {
	var stale []*BrokerConn

	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return
	}
	seen := make(map[int32]bool, len(brokers))
	for _, broker := range brokers {
		seen[broker.ID] = true
		addr := broker.Addr()
		if conn := r.byID[broker.ID]; conn != nil {
			if conn.Addr() == addr {
				continue
			}
			Logger.Printf("client/brokers broker %d moved from %s to %s\n", broker.ID, conn.Addr(), addr)
			stale = append(stale, conn)
		} else {
			Logger.Printf("client/brokers registered new broker #%d at %s\n", broker.ID, addr)
		}
		if conn := r.extra[addr]; conn != nil && conn.ID() == broker.ID {
			delete(r.extra, addr)
			r.byID[broker.ID] = conn
			continue
		}
		r.byID[broker.ID] = NewBrokerConn(broker.ID, addr, r.conf)
	}
	for id, conn := range r.byID {
		if !seen[id] {
			Logger.Printf("client/brokers deregistered broker #%d at %s\n", id, conn.Addr())
			delete(r.byID, id)
			stale = append(stale, conn)
		}
	}
	r.lock.Unlock()

	for _, conn := range stale {
		conn := conn
		r.closers.Add(1)
		go withRecover(func() {
			defer r.closers.Done()
			_ = conn.Close()
		})
	}
}

// candidates lists the connections to try for a request any broker can answer: the known
// brokers, starting one further on every call, followed by the seeds.
func (r *brokerRegistry) candidates() []*BrokerConn {
	r.lock.Lock()
	defer r.lock.Unlock()

	ids := make([]int32, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Sort(int32Slice(ids))

	conns := make([]*BrokerConn, 0, len(ids)+len(r.seeds))
	if len(ids) > 0 {
		start := r.rotate % len(ids)
		r.rotate++
		for i := range ids {
			conns = append(conns, r.byID[ids[(start+i)%len(ids)]])
		}
	}
	return append(conns, r.seeds...)
}

// closeAll closes every connection in parallel.
func (r *brokerRegistry) closeAll() error {
	r.lock.Lock()
	r.closed = true
	conns := append([]*BrokerConn(nil), r.seeds...)
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	for _, conn := range r.extra {
		conns = append(conns, conn)
	}
	r.byID = make(map[int32]*BrokerConn)
	r.extra = make(map[string]*BrokerConn)
	r.lock.Unlock()

	var (
		errs  *multierror.Error
		mu    sync.Mutex
		group errgroup.Group
	)
	for _, conn := range conns {
		conn := conn
		group.Go(func() error {
			if err := conn.Close(); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	r.closers.Wait()
	return errs.ErrorOrNil()
}
