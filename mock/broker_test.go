package mock

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xdg-go/scram"

	enc "github.com/stratalog/kwire/encoding"
	"github.com/stratalog/kwire/protocol"
	"github.com/stratalog/kwire/types"
)

func dial(t *testing.T, b *Broker) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", b.Addr(), time.Second)
	require.NoError(t, err)
	return conn
}

func send(t *testing.T, conn net.Conn, correlationID int32, body protocol.Body) {
	t.Helper()
	frame, err := protocol.Encode(&protocol.Request{CorrelationID: correlationID, ClientID: "mock-test", Body: body})
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
}

func receive(t *testing.T, conn net.Conn, key, version int16) (int32, protocol.Response) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	buf := make([]byte, protocol.ResponseHeaderSize)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	header, err := protocol.DecodeResponseHeader(buf)
	require.NoError(t, err)

	body := make([]byte, header.BodyLength())
	_, err = io.ReadFull(conn, body)
	require.NoError(t, err)

	res, err := protocol.NewResponse(key, version)
	require.NoError(t, err)
	require.NoError(t, protocol.DecodeResponse(body, res))
	return header.CorrelationID, res
}

func TestBrokerServesMetadata(t *testing.T) {
	defer leaktest.Check(t)()

	broker := NewBroker(t, 1)
	defer broker.Close()

	broker.SetHandler(protocol.APIKeyMetadata, NewMockMetadataResponse(t).
		SetBroker(broker.Addr(), broker.BrokerID()).
		SetLeader("events", 0, broker.BrokerID()).
		SetController(broker.BrokerID()))

	conn := dial(t, broker)
	defer conn.Close()

	send(t, conn, 7, &protocol.MetadataRequest{Version: 1, Topics: []string{"events", "missing"}})
	correlationID, res := receive(t, conn, protocol.APIKeyMetadata, 1)
	assert.Equal(t, int32(7), correlationID)

	metadata := res.(*protocol.MetadataResponse)
	require.Len(t, metadata.Brokers, 1)
	assert.Equal(t, broker.Addr(), metadata.Brokers[0].Addr())
	assert.Equal(t, int32(1), metadata.ControllerID)
	require.Len(t, metadata.Topics, 2)
	assert.Equal(t, types.ErrNoError, metadata.Topics[0].Err)
	assert.Equal(t, int32(1), metadata.Topics[0].Partitions[0].Leader)
	assert.Equal(t, types.ErrUnknownTopicOrPartition, metadata.Topics[1].Err)

	history := broker.History()
	require.Len(t, history, 1)
	assert.Equal(t, "mock-test", history[0].Request.ClientID)
	assert.Equal(t, 1, broker.RequestCount(protocol.APIKeyMetadata))
	assert.Equal(t, 1, broker.ConnectionCount())
}

func TestBrokerRepliesOutOfOrder(t *testing.T) {
	defer leaktest.Check(t)()

	broker := NewBroker(t, 1)
	defer broker.Close()

	broker.SetHandler(protocol.APIKeyMetadata, NewMockMetadataResponse(t))
	broker.SetLatency(func(req *protocol.Request) time.Duration {
		if req.CorrelationID == 1 {
			return 200 * time.Millisecond
		}
		return 0
	})

	conn := dial(t, broker)
	defer conn.Close()

	send(t, conn, 1, &protocol.MetadataRequest{})
	send(t, conn, 2, &protocol.MetadataRequest{})

	first, _ := receive(t, conn, protocol.APIKeyMetadata, 0)
	second, _ := receive(t, conn, protocol.APIKeyMetadata, 0)
	assert.Equal(t, int32(2), first)
	assert.Equal(t, int32(1), second)
}

func TestBrokerProduceWithoutAcks(t *testing.T) {
	defer leaktest.Check(t)()

	broker := NewBroker(t, 1)
	defer broker.Close()

	log := NewLog()
	broker.SetHandler(protocol.APIKeyProduce, NewMockProduceResponse(t).SetLog(log))
	broker.SetHandler(protocol.APIKeyMetadata, NewMockMetadataResponse(t))

	conn := dial(t, broker)
	defer conn.Close()

	silent := &protocol.ProduceRequest{RequiredAcks: types.NoResponse, Timeout: 100}
	silent.AddMessage("events", 0, &protocol.Message{Value: []byte("a")})
	send(t, conn, 1, silent)

	acked := &protocol.ProduceRequest{RequiredAcks: types.WaitForLocal, Timeout: 100}
	acked.AddMessage("events", 0, &protocol.Message{Value: []byte("b")})

	// The first reply on the connection must answer the acked request.
	require.Eventually(t, func() bool { return broker.RequestCount(protocol.APIKeyProduce) == 1 }, time.Second, 5*time.Millisecond)
	send(t, conn, 2, acked)

	correlationID, res := receive(t, conn, protocol.APIKeyProduce, 0)
	assert.Equal(t, int32(2), correlationID)
	block := res.(*protocol.ProduceResponse).GetBlock("events", 0)
	require.NotNil(t, block)
	assert.Equal(t, int64(1), block.Offset)
	assert.Equal(t, []string{"a", "b"}, log.Values("events", 0))
}

func TestBrokerFetchCutsTrailingMessage(t *testing.T) {
	defer leaktest.Check(t)()

	broker := NewBroker(t, 1)
	defer broker.Close()

	log := NewLog()
	for _, v := range []string{"first", "second", "third"} {
		log.AppendValue("events", 0, nil, []byte(v))
	}
	broker.SetHandler(protocol.APIKeyFetch, NewMockFetchResponse(t, log).SetError("events", 9, types.ErrNotLeaderForPartition))

	conn := dial(t, broker)
	defer conn.Close()

	one, err := enc.Encode(&protocol.MessageBlock{Offset: 0, Msg: &protocol.Message{Version: protocol.MagicV1, Value: []byte("first")}})
	require.NoError(t, err)

	req := &protocol.FetchRequest{Version: 2, MaxWaitTime: 10, MinBytes: 1}
	req.AddBlock("events", 0, 0, int32(len(one)+5))
	req.AddBlock("events", 9, 0, 1024)
	send(t, conn, 3, req)

	_, res := receive(t, conn, protocol.APIKeyFetch, 2)
	fetch := res.(*protocol.FetchResponse)

	block := fetch.GetBlock("events", 0)
	require.NotNil(t, block)
	assert.Equal(t, int64(3), block.HighWaterMarkOffset)
	assert.True(t, block.MsgSet.PartialTrailingMessage)
	require.Len(t, block.MsgSet.Messages, 1)
	assert.Equal(t, "first", string(block.MsgSet.Messages[0].Msg.Value))

	assert.Equal(t, types.ErrNotLeaderForPartition, fetch.PartitionError("events", 9))

	req = &protocol.FetchRequest{MaxWaitTime: 10, MinBytes: 1}
	req.AddBlock("events", 0, 42, 1024)
	send(t, conn, 4, req)
	_, res = receive(t, conn, protocol.APIKeyFetch, 0)
	assert.Equal(t, types.ErrOffsetOutOfRange, res.(*protocol.FetchResponse).PartitionError("events", 0))
}

func TestBrokerDropConnections(t *testing.T) {
	defer leaktest.Check(t)()

	broker := NewBroker(t, 1)
	defer broker.Close()
	broker.SetHandler(protocol.APIKeyMetadata, NewMockMetadataResponse(t))

	conn := dial(t, broker)
	defer conn.Close()
	send(t, conn, 1, &protocol.MetadataRequest{})
	receive(t, conn, protocol.APIKeyMetadata, 0)

	broker.DropConnections()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err)

	again := dial(t, broker)
	defer again.Close()
	send(t, again, 2, &protocol.MetadataRequest{})
	correlationID, _ := receive(t, again, protocol.APIKeyMetadata, 0)
	assert.Equal(t, int32(2), correlationID)
	assert.Equal(t, 2, broker.ConnectionCount())
}

func TestBrokerRawPlainSASL(t *testing.T) {
	defer leaktest.Check(t)()

	broker := NewBroker(t, 1)
	defer broker.Close()

	auth := NewMockSaslAuthenticateResponse(t).SetUser("alice", "s3cret")
	broker.SetHandler(protocol.APIKeySaslHandshake, NewMockSaslHandshakeResponse(t))
	broker.SetRawSASLHandler(auth.Raw)

	handshake := func(conn net.Conn) {
		send(t, conn, 1, &protocol.SaslHandshakeRequest{Mechanism: SASLTypePlaintext})
		_, res := receive(t, conn, protocol.APIKeySaslHandshake, 0)
		require.Equal(t, types.ErrNoError, res.(*protocol.SaslHandshakeResponse).Err)
	}
	rawToken := func(token string) []byte {
		frame := make([]byte, 4+len(token))
		frame[3] = byte(len(token))
		copy(frame[4:], token)
		return frame
	}

	conn := dial(t, broker)
	defer conn.Close()
	handshake(conn)
	_, err := conn.Write(rawToken("\x00alice\x00s3cret"))
	require.NoError(t, err)
	reply := make([]byte, 4)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, reply)

	rejected := dial(t, broker)
	defer rejected.Close()
	handshake(rejected)
	_, err = rejected.Write(rawToken("\x00alice\x00wrong"))
	require.NoError(t, err)
	require.NoError(t, rejected.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = io.ReadFull(rejected, reply)
	assert.True(t, errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF), "got %v", err)
}

func TestBrokerSCRAMExchange(t *testing.T) {
	defer leaktest.Check(t)()

	broker := NewBroker(t, 1)
	defer broker.Close()

	broker.SetHandler(protocol.APIKeySaslHandshake, NewMockSaslHandshakeResponse(t).
		SetEnabledMechanisms([]string{SASLTypeSCRAMSHA512}))
	broker.SetHandler(protocol.APIKeySaslAuthenticate, NewMockSaslAuthenticateResponse(t).
		SetUser("alice", "s3cret").
		EnableSCRAM(SASLTypeSCRAMSHA512))

	run := func(password string) types.KError {
		conn := dial(t, broker)
		defer conn.Close()

		send(t, conn, 1, &protocol.SaslHandshakeRequest{Version: 1, Mechanism: SASLTypeSCRAMSHA512})
		_, res := receive(t, conn, protocol.APIKeySaslHandshake, 1)
		require.Equal(t, types.ErrNoError, res.(*protocol.SaslHandshakeResponse).Err)

		client, err := scram.SHA512.NewClient("alice", password, "")
		require.NoError(t, err)
		conv := client.NewConversation()

		challenge := ""
		for i := int32(2); !conv.Done(); i++ {
			msg, err := conv.Step(challenge)
			require.NoError(t, err)
			if conv.Done() {
				break
			}
			send(t, conn, i, &protocol.SaslAuthenticateRequest{SaslAuthBytes: []byte(msg)})
			_, res := receive(t, conn, protocol.APIKeySaslAuthenticate, 0)
			auth := res.(*protocol.SaslAuthenticateResponse)
			if auth.Err != types.ErrNoError {
				return auth.Err
			}
			challenge = string(auth.SaslAuthBytes)
		}
		assert.True(t, conv.Valid())
		return types.ErrNoError
	}

	assert.Equal(t, types.ErrNoError, run("s3cret"))
	assert.Equal(t, types.ErrSASLAuthenticationFailed, run("wrong"))
}

func TestClusterAddrs(t *testing.T) {
	defer leaktest.Check(t)()

	cluster := NewCluster(t, 3)
	defer cluster.Close()

	assert.Len(t, cluster.Addrs(), 3)
	for id, broker := range cluster {
		assert.Equal(t, id, broker.BrokerID())
		assert.NotZero(t, broker.Port())
	}
}
