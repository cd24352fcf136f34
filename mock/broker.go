/*
Package mock defines a mock Kafka broker and response builders for testing.

It exists solely for testing other parts of the kwire stack. It is in its own
package so that it can be imported by tests in multiple different packages.
*/
package mock

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/stratalog/kwire/protocol"
)

// TestReporter has methods matching go's testing.T to avoid importing
// `testing` in the main part of the package.
type TestReporter interface {
	Error(...interface{})
	Errorf(string, ...interface{})
	Fatal(...interface{})
	Fatalf(string, ...interface{})
}

// RequestResponse records one request served by a Broker and the response it sent,
// nil when none was sent.
type RequestResponse struct {
	Request  *protocol.Request
	Response protocol.Response
}

// Broker is a mock Kafka broker. It consists of a TCP server on a kernel-selected localhost port
// that accepts any number of connections. Requests on a connection are served concurrently by the
// handler registered for their API key, so responses are written in whatever order the handlers
// (and the configured latency) finish, exactly like a real broker pipelining replies.
//
// Produce requests with NoResponse acks, and requests whose handler returns nil, get no reply.
type Broker struct {
	brokerID int32
	port     int32
	listener net.Listener
	t        TestReporter

	lock        sync.Mutex
	handlers    map[int16]MockResponse
	latency     func(req *protocol.Request) time.Duration
	history     []RequestResponse
	conns       map[net.Conn]struct{}
	accepted    int
	rawSASL     func(token []byte) ([]byte, error)
	closing     chan struct{}
	stopper     chan struct{}
	connWG      sync.WaitGroup
	closeOnce   sync.Once
	maxFrameLen uint32
}

// NewBroker launches a mock Kafka broker on an ephemeral localhost port.
func NewBroker(t TestReporter, brokerID int32) *Broker {
	return NewBrokerAddr(t, brokerID, "localhost:0")
}

// NewBrokerAddr behaves like NewBroker but listens on the address you give
// it rather than just some ephemeral port.
func NewBrokerAddr(t TestReporter, brokerID int32, addr string) *Broker {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	return NewBrokerListener(t, brokerID, listener)
}

// NewBrokerListener wraps an existing listener.
func NewBrokerListener(t TestReporter, brokerID int32, listener net.Listener) *Broker {
	broker := &Broker{
		brokerID:    brokerID,
		listener:    listener,
		t:           t,
		handlers:    make(map[int16]MockResponse),
		conns:       make(map[net.Conn]struct{}),
		closing:     make(chan struct{}),
		stopper:     make(chan struct{}),
		maxFrameLen: uint32(protocol.MaxResponseSize),
	}

	_, portStr, err := net.SplitHostPort(listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	tmp, err := strconv.ParseInt(portStr, 10, 32)
	if err != nil {
		t.Fatal(err)
	}
	broker.port = int32(tmp)

	go broker.serverLoop()

	return broker
}

func (b *Broker) BrokerID() int32 {
	return b.brokerID
}

func (b *Broker) Port() int32 {
	return b.port
}

func (b *Broker) Addr() string {
	return b.listener.Addr().String()
}

// SetHandler registers the response builder used for requests with the given API key.
func (b *Broker) SetHandler(apiKey int16, handler MockResponse) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.handlers[apiKey] = handler
}

// SetHandlerByMap replaces every handler at once.
func (b *Broker) SetHandlerByMap(handlerMap map[int16]MockResponse) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.handlers = make(map[int16]MockResponse, len(handlerMap))
	for key, handler := range handlerMap {
		b.handlers[key] = handler
	}
}

// SetLatency delays each response by the duration returned for its request.
func (b *Broker) SetLatency(latency func(req *protocol.Request) time.Duration) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.latency = latency
}

// SetRawSASLHandler answers the raw token frames that follow a version 0 SaslHandshake.
// A handler error closes the connection, which is how a broker rejects raw credentials.
// By default every token is accepted with an empty reply.
func (b *Broker) SetRawSASLHandler(handler func(token []byte) ([]byte, error)) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.rawSASL = handler
}

// History returns the requests served so far.
func (b *Broker) History() []RequestResponse {
	b.lock.Lock()
	defer b.lock.Unlock()
	history := make([]RequestResponse, len(b.history))
	copy(history, b.history)
	return history
}

// RequestCount returns how many requests with the API key were served.
func (b *Broker) RequestCount(apiKey int16) int {
	count := 0
	for _, rr := range b.History() {
		if rr.Request.Body.APIKey() == apiKey {
			count++
		}
	}
	return count
}

// ConnectionCount returns how many connections were accepted so far.
func (b *Broker) ConnectionCount() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.accepted
}

// DropConnections closes every open connection without stopping the listener, so
// that clients observe a connection loss and can reconnect.
func (b *Broker) DropConnections() {
	b.lock.Lock()
	defer b.lock.Unlock()
	for conn := range b.conns {
		_ = conn.Close()
	}
}

// Close stops the listener, drops every connection and waits for all goroutines to exit.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		close(b.closing)
		_ = b.listener.Close()
		b.DropConnections()
		<-b.stopper
		b.connWG.Wait()
	})
}

func (b *Broker) serverLoop() {
	defer close(b.stopper)
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}

		b.lock.Lock()
		select {
		case <-b.closing:
			b.lock.Unlock()
			_ = conn.Close()
			return
		default:
		}
		b.conns[conn] = struct{}{}
		b.accepted++
		b.connWG.Add(1)
		b.lock.Unlock()

		go b.handleConn(conn)
	}
}

func (b *Broker) handleConn(conn net.Conn) {
	var (
		writeLock sync.Mutex
		inFlight  sync.WaitGroup
		rawSASL   bool
	)

	defer b.connWG.Done()
	defer func() {
		_ = conn.Close()
		b.lock.Lock()
		delete(b.conns, conn)
		b.lock.Unlock()
	}()
	defer inFlight.Wait()

	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			b.connectionError(err)
			return
		}
		size := binary.BigEndian.Uint32(header)
		if size > b.maxFrameLen {
			b.t.Errorf("mock broker %d: request frame of %d bytes", b.brokerID, size)
			return
		}
		frame := make([]byte, 4+int(size))
		copy(frame, header)
		if _, err := io.ReadFull(conn, frame[4:]); err != nil {
			b.connectionError(err)
			return
		}

		if rawSASL {
			// a SCRAM client-first message is always followed by a raw client-final one
			token := frame[4:]
			rawSASL = bytes.HasPrefix(token, []byte("n,")) || bytes.HasPrefix(token, []byte("y,"))
			if !b.answerRawSASL(conn, &writeLock, token) {
				return
			}
			continue
		}

		req, err := protocol.DecodeRequest(frame)
		if err != nil {
			b.t.Errorf("mock broker %d: %v", b.brokerID, err)
			return
		}

		// SASL exchanges are strictly sequential, everything else is served concurrently.
		if key := req.Body.APIKey(); key == protocol.APIKeySaslHandshake || key == protocol.APIKeySaslAuthenticate {
			res := b.serve(conn, &writeLock, req)
			if hs, ok := res.(*protocol.SaslHandshakeResponse); ok && hs.Version == 0 && hs.Err == 0 {
				rawSASL = true
			}
			continue
		}

		inFlight.Add(1)
		go func() {
			defer inFlight.Done()
			b.serve(conn, &writeLock, req)
		}()
	}
}

func (b *Broker) connectionError(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case <-b.closing:
	default:
		// connections dropped on purpose surface as read errors too
		if ne, ok := err.(net.Error); ok && !ne.Timeout() {
			return
		}
		b.t.Errorf("mock broker %d: %v", b.brokerID, err)
	}
}

func (b *Broker) serve(conn net.Conn, writeLock *sync.Mutex, req *protocol.Request) protocol.Response {
	b.lock.Lock()
	handler := b.handlers[req.Body.APIKey()]
	latency := b.latency
	b.lock.Unlock()

	var res protocol.Response
	if handler == nil {
		b.t.Errorf("mock broker %d: no handler for %s request", b.brokerID, protocol.APIName(req.Body.APIKey()))
	} else if protocol.ExpectsResponse(req.Body) {
		res = handler.For(req.Body)
	} else {
		// NoResponse produce: apply the request but never reply
		handler.For(req.Body)
	}

	b.lock.Lock()
	b.history = append(b.history, RequestResponse{Request: req, Response: res})
	b.lock.Unlock()

	if res == nil {
		return nil
	}

	if latency != nil {
		if d := latency(req); d > 0 {
			select {
			case <-time.After(d):
			case <-b.closing:
				return res
			}
		}
	}

	frame, err := protocol.EncodeResponse(req.CorrelationID, res)
	if err != nil {
		b.t.Errorf("mock broker %d: encoding %s response: %v", b.brokerID, protocol.APIName(res.APIKey()), err)
		return res
	}

	writeLock.Lock()
	defer writeLock.Unlock()
	_, _ = conn.Write(frame)
	return res
}

func (b *Broker) answerRawSASL(conn net.Conn, writeLock *sync.Mutex, token []byte) bool {
	b.lock.Lock()
	handler := b.rawSASL
	b.lock.Unlock()

	var reply []byte
	if handler != nil {
		var err error
		if reply, err = handler(token); err != nil {
			return false
		}
	}
	if reply == nil {
		reply = []byte{}
	}

	frame := make([]byte, 4+len(reply))
	binary.BigEndian.PutUint32(frame, uint32(len(reply)))
	copy(frame[4:], reply)

	writeLock.Lock()
	defer writeLock.Unlock()
	_, err := conn.Write(frame)
	return err == nil
}

// Cluster is a set of mock brokers keyed by broker id.
type Cluster map[int32]*Broker

// NewCluster launches a mock cluster of the given number of brokers, with ids starting at 1.
func NewCluster(t TestReporter, brokers int32) Cluster {
	cluster := make(Cluster)
	for i := int32(1); i <= brokers; i++ {
		cluster[i] = NewBroker(t, i)
	}
	return cluster
}

// Addrs returns the broker addresses, usable as seed brokers of a client.
func (c Cluster) Addrs() []string {
	addrs := make([]string, 0, len(c))
	for _, broker := range c {
		addrs = append(addrs, broker.Addr())
	}
	return addrs
}

// Close closes every broker of the cluster.
func (c Cluster) Close() {
	for _, broker := range c {
		broker.Close()
	}
}
