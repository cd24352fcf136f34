package kafka

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"

	"github.com/stratalog/kwire/protocol"
	"github.com/stratalog/kwire/types"
)

// ConnState is the lifecycle state of a BrokerConn.
type ConnState int32

const (
	// StateDisconnected means no connection is open. The next request dials.
	StateDisconnected ConnState = iota
	// StateConnecting means the connection is being dialed and authenticated.
	StateConnecting
	// StateReady means requests are written and responses read.
	StateReady
	// StateClosed means Close was called. It is terminal.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("ConnState(%d)", int32(s))
}

// Future is the eventual response of a request sent on a BrokerConn. It is completed
// exactly once, with the decoded response, an error, or nil and nil for a request
// that expects no response.
type Future struct {
	done chan struct{}
	once sync.Once

	timerLock sync.Mutex
	timer     *time.Timer

	res protocol.Response
	err error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(res protocol.Response, err error) bool {
	completed := false
	f.once.Do(func() {
		f.res, f.err = res, err
		close(f.done)
		completed = true
	})
	if completed {
		f.timerLock.Lock()
		if f.timer != nil {
			f.timer.Stop()
		}
		f.timerLock.Unlock()
	}
	return completed
}

// expireAfter completes the future with ErrRequestTimeout once d has passed.
func (f *Future) expireAfter(d time.Duration) {
	f.timerLock.Lock()
	defer f.timerLock.Unlock()
	if f.completed() {
		return
	}
	f.timer = time.AfterFunc(d, func() {
		f.complete(nil, ErrRequestTimeout)
	})
}

// Done is closed once the future is complete.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Get waits for the future. Abandoning it through ctx leaves the request in flight; its
// eventual completion is discarded.
func (f *Future) Get(ctx context.Context) (protocol.Response, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) completed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

type pendingRequest struct {
	body     protocol.Body
	response protocol.Response
	future   *Future
	sentAt   time.Time
}

// BrokerConn is one persistent, multiplexed connection to a broker. Requests are written by a
// single writer in the order they were sent and responses are matched back by correlation id,
// in whatever order they arrive. The connection is dialed on the first request and redialed
// after a backoff whenever it is lost.
type BrokerConn struct {
	conf    *Config
	id      int32
	addr    string
	metrics *brokerMetrics

	state       int32 // ConnState
	gotResponse int32

	lock    sync.Mutex
	closed  bool
	started bool
	queue   []*pendingRequest
	corrID  int32
	pending map[int32]*pendingRequest

	wake    chan struct{}
	closing chan struct{}
	wg      sync.WaitGroup
}

// NewBrokerConn returns a connection to the broker at addr. Nothing is dialed until the first
// request is sent. id is -1 for seed brokers whose id is not known yet.
func NewBrokerConn(id int32, addr string, conf *Config) *BrokerConn {
	return &BrokerConn{
		conf:    conf,
		id:      id,
		addr:    addr,
		metrics: newBrokerMetrics(id, conf.MetricRegistry),
		pending: make(map[int32]*pendingRequest),
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
	}
}

// ID returns the broker id, -1 when unknown.
func (b *BrokerConn) ID() int32 {
	return b.id
}

// Addr returns the broker address in the form "host:port".
func (b *BrokerConn) Addr() string {
	return b.addr
}

// State reports where the connection is in its lifecycle.
func (b *BrokerConn) State() ConnState {
	return ConnState(atomic.LoadInt32(&b.state))
}

func (b *BrokerConn) setState(s ConnState) {
	old := ConnState(atomic.SwapInt32(&b.state, int32(s)))
	if old != s {
		Logger.Printf("broker/%s state %s\n", brokerName(b.id, b.addr), s)
	}
}

// Send queues a request and returns its future. The future completes with the response,
// with a *ConnectionLostError when the connection fails before the response arrives, or
// with ErrRequestTimeout after Net.RequestTimeout. A produce request with NoResponse acks
// completes with a nil response once written.
func (b *BrokerConn) Send(body protocol.Body) *Future {
	future := newFuture()

	var response protocol.Response
	if protocol.ExpectsResponse(body) {
		var err error
		if response, err = protocol.NewResponse(body.APIKey(), body.APIVersion()); err != nil {
			future.complete(nil, err)
			return future
		}
	}
	pr := &pendingRequest{body: body, response: response, future: future}

	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		future.complete(nil, &ConnectionLostError{Broker: b.addr, Err: errBrokerClosed})
		return future
	}
	future.expireAfter(b.conf.Net.RequestTimeout)
	b.queue = append(b.queue, pr)
	if !b.started {
		b.started = true
		b.wg.Add(1)
		go withRecover(b.run)
	}
	b.lock.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return future
}

// Close fails everything queued or in flight and stops the connection for good.
func (b *BrokerConn) Close() error {
	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return nil
	}
	b.closed = true
	close(b.closing)
	b.lock.Unlock()

	b.wg.Wait()

	b.failQueued(errBrokerClosed)
	b.setState(StateClosed)
	return nil
}

func (b *BrokerConn) isClosing() bool {
	select {
	case <-b.closing:
		return true
	default:
		return false
	}
}

// run is the lifecycle of the connection: wait for work, dial, serve until the connection
// breaks, back off, repeat.
func (b *BrokerConn) run() {
	defer b.wg.Done()

	failures := 0
	for {
		if !b.waitForWork() {
			return
		}

		if failures > 0 {
			select {
			case <-time.After(b.backoff(failures)):
			case <-b.closing:
				return
			}
		}

		b.setState(StateConnecting)
		conn, err := b.dial()
		if err != nil {
			failures++
			b.metrics.failures.Mark(1)
			Logger.Printf("broker/%s failed to connect: %v\n", brokerName(b.id, b.addr), err)
			b.setState(StateDisconnected)
			b.failQueued(err)
			continue
		}

		atomic.StoreInt32(&b.gotResponse, 0)
		b.setState(StateReady)
		cause := b.serve(conn)
		if atomic.LoadInt32(&b.gotResponse) == 1 {
			failures = 0
		} else {
			failures++
		}

		if b.isClosing() {
			return
		}
		b.metrics.failures.Mark(1)
		Logger.Printf("broker/%s connection lost: %v\n", brokerName(b.id, b.addr), cause)
		b.setState(StateDisconnected)
	}
}

func (b *BrokerConn) backoff(failures int) time.Duration {
	backoff := b.conf.Net.ReconnectBackoff
	for i := 1; i < failures && backoff < b.conf.Net.ReconnectBackoffMax; i++ {
		backoff *= 2
	}
	if backoff > b.conf.Net.ReconnectBackoffMax {
		backoff = b.conf.Net.ReconnectBackoffMax
	}
	return backoff
}

func (b *BrokerConn) waitForWork() bool {
	for {
		b.lock.Lock()
		queued := len(b.queue)
		b.lock.Unlock()
		if queued > 0 {
			return true
		}

		select {
		case <-b.wake:
		case <-b.closing:
			return false
		}
	}
}

func (b *BrokerConn) takeQueued() []*pendingRequest {
	b.lock.Lock()
	defer b.lock.Unlock()
	queued := b.queue
	b.queue = nil
	return queued
}

func (b *BrokerConn) failQueued(cause error) {
	lost := &ConnectionLostError{Broker: b.addr, Err: cause}
	for _, pr := range b.takeQueued() {
		pr.future.complete(nil, lost)
	}
}

func (b *BrokerConn) failPending(cause error) {
	b.lock.Lock()
	pending := b.pending
	b.pending = make(map[int32]*pendingRequest)
	b.lock.Unlock()

	if len(pending) == 0 {
		return
	}
	b.metrics.inFlight(-int64(len(pending)))
	lost := &ConnectionLostError{Broker: b.addr, Err: cause}
	for _, pr := range pending {
		pr.future.complete(nil, lost)
	}
}

// serve writes queued requests until the connection breaks or is closed, then fails every
// request still waiting for a response.
func (b *BrokerConn) serve(conn net.Conn) error {
	readErr := make(chan error, 1)
	go withRecover(func() {
		readErr <- b.readLoop(conn)
	})

	var cause error
serving:
	for {
		batch := b.takeQueued()
		for i, pr := range batch {
			if err := b.write(conn, pr); err != nil {
				cause = err
				lost := &ConnectionLostError{Broker: b.addr, Err: err}
				for _, rest := range batch[i+1:] {
					rest.future.complete(nil, lost)
				}
				break serving
			}
		}

		select {
		case <-b.wake:
		case cause = <-readErr:
			readErr = nil
			break serving
		case <-b.closing:
			cause = errBrokerClosed
			break serving
		}
	}

	_ = conn.Close()
	if readErr != nil {
		<-readErr
	}
	b.failPending(cause)
	return cause
}

// nextCorrelationID must be called with the lock held. Ids increase monotonically, wrap from
// MaxInt32 to 0, and skip ids whose request is still outstanding.
func (b *BrokerConn) nextCorrelationID() int32 {
	for {
		id := b.corrID
		if b.corrID == math.MaxInt32 {
			b.corrID = 0
		} else {
			b.corrID++
		}
		if _, busy := b.pending[id]; !busy {
			return id
		}
	}
}

// write frames and writes one request. Only an error of the connection itself is returned,
// a request that cannot be encoded fails on its own.
func (b *BrokerConn) write(conn net.Conn, pr *pendingRequest) error {
	if pr.future.completed() {
		// timed out while queued
		return nil
	}

	b.lock.Lock()
	id := b.nextCorrelationID()
	b.lock.Unlock()

	buf, err := protocol.Encode(&protocol.Request{CorrelationID: id, ClientID: b.conf.ClientID, Body: pr.body})
	if err != nil {
		pr.future.complete(nil, err)
		return nil
	}

	if pr.response != nil {
		pr.sentAt = time.Now()
		b.lock.Lock()
		b.pending[id] = pr
		b.lock.Unlock()
		b.metrics.inFlight(1)
	}

	if err := conn.SetWriteDeadline(time.Now().Add(b.conf.Net.WriteTimeout)); err != nil {
		return err
	}
	if _, err := conn.Write(buf); err != nil {
		return err
	}
	b.metrics.requestSent(len(buf))

	if pr.response == nil {
		pr.future.complete(nil, nil)
	}
	return nil
}

// readLoop reads responses until the connection fails. A correlation id that matches no
// outstanding request is a protocol violation and ends the connection.
func (b *BrokerConn) readLoop(conn net.Conn) error {
	header := make([]byte, protocol.ResponseHeaderSize)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return err
		}
		decoded, err := protocol.DecodeResponseHeader(header)
		if err != nil {
			return err
		}
		if decoded.Length > b.conf.Net.MaxResponseSize {
			return &protocol.ProtocolError{Info: fmt.Sprintf("response of %d bytes exceeds Net.MaxResponseSize", decoded.Length)}
		}

		buf := make([]byte, decoded.BodyLength())
		if _, err := io.ReadFull(conn, buf); err != nil {
			return err
		}

		b.lock.Lock()
		pr, ok := b.pending[decoded.CorrelationID]
		delete(b.pending, decoded.CorrelationID)
		b.lock.Unlock()
		if !ok {
			return &protocol.ProtocolError{Info: fmt.Sprintf("response with unknown correlation id %d", decoded.CorrelationID)}
		}

		atomic.StoreInt32(&b.gotResponse, 1)
		b.metrics.inFlight(-1)
		b.metrics.responseReceived(len(header) + len(buf))
		b.metrics.latency(time.Since(pr.sentAt).Milliseconds())

		if err := protocol.DecodeResponse(buf, pr.response); err != nil {
			pr.future.complete(nil, err)
			continue
		}
		if !pr.future.complete(pr.response, nil) {
			Logger.Printf("broker/%s discarding late %s response\n",
				brokerName(b.id, b.addr), protocol.APIName(pr.body.APIKey()))
		}
	}
}

func (b *BrokerConn) dial() (net.Conn, error) {
	var (
		conn net.Conn
		err  error
	)

	if b.conf.Net.Proxy.Enable {
		if dialer, ok := b.conf.Net.Proxy.Dialer.(proxy.ContextDialer); ok {
			ctx, cancel := context.WithTimeout(context.Background(), b.conf.Net.DialTimeout)
			conn, err = dialer.DialContext(ctx, "tcp", b.addr)
			cancel()
		} else {
			conn, err = b.conf.Net.Proxy.Dialer.Dial("tcp", b.addr)
		}
	} else {
		dialer := net.Dialer{Timeout: b.conf.Net.DialTimeout, KeepAlive: b.conf.Net.KeepAlive}
		conn, err = dialer.Dial("tcp", b.addr)
	}
	if err != nil {
		return nil, err
	}

	if b.conf.Net.TLS.Enable {
		tlsConn := tls.Client(conn, validServerNameTLS(b.addr, b.conf.Net.TLS.Config))
		_ = tlsConn.SetDeadline(time.Now().Add(b.conf.Net.DialTimeout))
		if err := tlsConn.Handshake(); err != nil {
			_ = conn.Close()
			return nil, err
		}
		_ = tlsConn.SetDeadline(time.Time{})
		conn = tlsConn
	}

	if b.conf.Net.SASL.Enable {
		if err := b.authenticate(conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func validServerNameTLS(addr string, cfg *tls.Config) *tls.Config {
	if cfg == nil {
		cfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	if cfg.ServerName != "" {
		return cfg
	}

	c := cfg.Clone()
	sn, _, err := net.SplitHostPort(addr)
	if err != nil {
		Logger.Println(fmt.Errorf("failed to get ServerName from addr %w", err))
	}
	c.ServerName = sn
	return c
}

// ErrSASLAuthenticationFailed wraps every authentication failure reported by a broker.
var ErrSASLAuthenticationFailed = errors.New("kafka: SASL authentication failed")

// saslSession runs the SASL exchange on a freshly dialed connection, before the reader starts.
type saslSession struct {
	conf   *Config
	conn   net.Conn
	corrID int32
}

func (b *BrokerConn) authenticate(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(b.conf.Net.DialTimeout)); err != nil {
		return err
	}
	s := &saslSession{conf: b.conf, conn: conn}

	if b.conf.Net.SASL.Handshake {
		if err := s.handshake(); err != nil {
			return err
		}
	}

	var err error
	switch b.conf.Net.SASL.Mechanism {
	case SASLTypeSCRAMSHA256, SASLTypeSCRAMSHA512:
		err = s.scram(newSCRAMClient(b.conf))
	default:
		err = s.plain()
	}
	if err != nil {
		return err
	}

	Logger.Printf("broker/%s authenticated as %s with %s\n",
		brokerName(b.id, b.addr), b.conf.Net.SASL.User, b.conf.Net.SASL.Mechanism)
	return conn.SetDeadline(time.Time{})
}

func (s *saslSession) handshake() error {
	req := &protocol.SaslHandshakeRequest{Version: s.conf.Net.SASL.Version, Mechanism: string(s.conf.Net.SASL.Mechanism)}
	res := &protocol.SaslHandshakeResponse{Version: req.Version}
	if err := s.roundTrip(req, res); err != nil {
		return err
	}
	if res.Err != types.ErrNoError {
		return fmt.Errorf("%w: handshake for %s: %v (enabled mechanisms %v)",
			ErrSASLAuthenticationFailed, s.conf.Net.SASL.Mechanism, res.Err, res.EnabledMechanisms)
	}
	return nil
}

// plain sends the RFC 4616 token "authzid\x00user\x00password".
func (s *saslSession) plain() error {
	token := []byte(s.conf.Net.SASL.AuthIdentity + "\x00" + s.conf.Net.SASL.User + "\x00" + s.conf.Net.SASL.Password)
	_, err := s.exchange(token)
	return err
}

func (s *saslSession) scram(client SCRAMClient) error {
	if err := client.Begin(s.conf.Net.SASL.User, s.conf.Net.SASL.Password, s.conf.Net.SASL.SCRAMAuthzID); err != nil {
		return fmt.Errorf("failed to create SCRAM client: %w", err)
	}

	msg, err := client.Step("")
	if err != nil {
		return fmt.Errorf("failed to advance the SCRAM exchange: %w", err)
	}
	for !client.Done() {
		challenge, err := s.exchange([]byte(msg))
		if err != nil {
			return err
		}
		if msg, err = client.Step(string(challenge)); err != nil {
			return fmt.Errorf("%w: %v", ErrSASLAuthenticationFailed, err)
		}
	}
	return nil
}

// exchange sends one token and returns the broker's reply. After a version 1 handshake tokens
// travel in SaslAuthenticate requests, otherwise as bare length prefixed frames.
func (s *saslSession) exchange(token []byte) ([]byte, error) {
	if s.conf.Net.SASL.Handshake && s.conf.Net.SASL.Version == SASLHandshakeV1 {
		req := &protocol.SaslAuthenticateRequest{SaslAuthBytes: token}
		res := &protocol.SaslAuthenticateResponse{}
		if err := s.roundTrip(req, res); err != nil {
			return nil, err
		}
		if res.Err != types.ErrNoError {
			msg := res.Err.Error()
			if res.ErrorMessage != nil {
				msg = *res.ErrorMessage
			}
			return nil, fmt.Errorf("%w: %s", ErrSASLAuthenticationFailed, msg)
		}
		return res.SaslAuthBytes, nil
	}

	frame := make([]byte, 4+len(token))
	binary.BigEndian.PutUint32(frame, uint32(len(token)))
	copy(frame[4:], token)
	if _, err := s.conn.Write(frame); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(s.conn, header); err != nil {
		// brokers reject raw credentials by closing the connection
		return nil, fmt.Errorf("%w: %v", ErrSASLAuthenticationFailed, err)
	}
	size := binary.BigEndian.Uint32(header)
	if size > uint32(s.conf.Net.MaxResponseSize) {
		return nil, &protocol.ProtocolError{Info: fmt.Sprintf("SASL token of %d bytes", size)}
	}
	reply := make([]byte, size)
	if _, err := io.ReadFull(s.conn, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (s *saslSession) roundTrip(req protocol.Body, res protocol.Response) error {
	id := s.corrID
	s.corrID++
	buf, err := protocol.Encode(&protocol.Request{CorrelationID: id, ClientID: s.conf.ClientID, Body: req})
	if err != nil {
		return err
	}
	if _, err := s.conn.Write(buf); err != nil {
		return err
	}

	header := make([]byte, protocol.ResponseHeaderSize)
	if _, err := io.ReadFull(s.conn, header); err != nil {
		return err
	}
	decoded, err := protocol.DecodeResponseHeader(header)
	if err != nil {
		return err
	}
	if decoded.CorrelationID != id {
		return &protocol.ProtocolError{Info: fmt.Sprintf("SASL response with correlation id %d, expected %d", decoded.CorrelationID, id)}
	}
	body := make([]byte, decoded.BodyLength())
	if _, err := io.ReadFull(s.conn, body); err != nil {
		return err
	}
	return protocol.DecodeResponse(body, res)
}
