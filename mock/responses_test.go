package mock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratalog/kwire/protocol"
	"github.com/stratalog/kwire/types"
)

func TestLogAppendFlattensCompressedSets(t *testing.T) {
	inner := new(protocol.MessageSet)
	inner.AddMessage(&protocol.Message{Version: protocol.MagicV1, Value: []byte("x")})
	inner.AddMessage(&protocol.Message{Version: protocol.MagicV1, Value: []byte("y")})
	wrapper := &protocol.Message{Version: protocol.MagicV1, Codec: types.CompressionSnappy, Set: inner}

	log := NewLog()
	log.AppendValue("events", 0, nil, []byte("w"))
	base := log.Append("events", 0, &protocol.MessageSet{Messages: []*protocol.MessageBlock{{Offset: 1, Msg: wrapper}}})
	assert.Equal(t, int64(1), base)
	assert.Equal(t, []string{"w", "x", "y"}, log.Values("events", 0))

	log.Truncate("events", 0, 2)
	oldest, newest := log.Offsets("events", 0)
	assert.Equal(t, int64(2), oldest)
	assert.Equal(t, int64(3), newest)
	blocks := log.Messages("events", 0)
	require.Len(t, blocks, 1)
	assert.Equal(t, int64(2), blocks[0].Offset)
}

func TestMockOffsetResponse(t *testing.T) {
	log := NewLog()
	log.AppendValue("events", 1, nil, []byte("a"))
	log.AppendValue("events", 1, nil, []byte("b"))

	mor := NewMockOffsetResponse(t).SetLog(log).SetOffset("audit", 0, types.OffsetNewest, 77)

	req := &protocol.OffsetRequest{Version: 1}
	req.AddBlock("events", 1, types.OffsetOldest, 1)
	req.AddBlock("audit", 0, types.OffsetNewest, 1)
	res := mor.For(req).(*protocol.OffsetResponse)

	assert.Equal(t, int64(0), res.GetBlock("events", 1).Offset)
	assert.Equal(t, int64(77), res.GetBlock("audit", 0).Offset)

	req = &protocol.OffsetRequest{}
	req.AddBlock("events", 1, types.OffsetNewest, 1)
	res = mor.For(req).(*protocol.OffsetResponse)
	assert.Equal(t, []int64{2}, res.GetBlock("events", 1).Offsets)
}

func TestMockOffsetCommitAndFetch(t *testing.T) {
	store := NewOffsetStore()
	commit := NewMockOffsetCommitResponse(t, store).SetError("billing", "events", 1, types.ErrOffsetMetadataTooLarge)
	fetch := NewMockOffsetFetchResponse(t, store)

	req := &protocol.OffsetCommitRequest{Version: 1, ConsumerGroup: "billing", ConsumerGroupGeneration: protocol.GroupGenerationUndefined}
	req.AddBlock("events", 0, 42, protocol.ReceiveTime, "meta")
	req.AddBlock("events", 1, 7, protocol.ReceiveTime, "")
	res := commit.For(req).(*protocol.OffsetCommitResponse)
	assert.Equal(t, types.ErrNoError, res.PartitionError("events", 0))
	assert.Equal(t, types.ErrOffsetMetadataTooLarge, res.PartitionError("events", 1))

	fr := &protocol.OffsetFetchRequest{Version: 1, ConsumerGroup: "billing"}
	fr.AddPartition("events", 0)
	fr.AddPartition("events", 1)
	fres := fetch.For(fr).(*protocol.OffsetFetchResponse)
	assert.Equal(t, int64(42), fres.GetBlock("events", 0).Offset)
	assert.Equal(t, "meta", fres.GetBlock("events", 0).Metadata)
	assert.Equal(t, types.OffsetNotCommitted, fres.GetBlock("events", 1).Offset)

	fetch.SetError("billing", types.ErrNotCoordinator)
	fres = fetch.For(fr).(*protocol.OffsetFetchResponse)
	assert.Equal(t, types.ErrNotCoordinator, fres.PartitionError("events", 0))
}

func TestMockSequence(t *testing.T) {
	first := &protocol.FindCoordinatorResponse{Err: types.ErrCoordinatorNotAvailable}
	second := &protocol.FindCoordinatorResponse{Coordinator: &protocol.Broker{ID: 2, Host: "localhost", Port: 9092}}
	seq := NewMockSequence(first, NewMockWrapper(second))

	req := &protocol.FindCoordinatorRequest{ConsumerGroup: "billing"}
	assert.Equal(t, first, seq.For(req))
	assert.Equal(t, second, seq.For(req))
	assert.Equal(t, second, seq.For(req))
}

func TestMockSaslPlain(t *testing.T) {
	auth := NewMockSaslAuthenticateResponse(t).SetUser("alice", "s3cret")

	res := auth.For(&protocol.SaslAuthenticateRequest{SaslAuthBytes: []byte("\x00alice\x00s3cret")}).(*protocol.SaslAuthenticateResponse)
	assert.Equal(t, types.ErrNoError, res.Err)

	res = auth.For(&protocol.SaslAuthenticateRequest{SaslAuthBytes: []byte("\x00bob\x00s3cret")}).(*protocol.SaslAuthenticateResponse)
	assert.Equal(t, types.ErrSASLAuthenticationFailed, res.Err)
	require.NotNil(t, res.ErrorMessage)

	hs := NewMockSaslHandshakeResponse(t).For(&protocol.SaslHandshakeRequest{Mechanism: SASLTypeSCRAMSHA256}).(*protocol.SaslHandshakeResponse)
	assert.Equal(t, types.ErrUnsupportedSASLMechanism, hs.Err)
}
