package protocol

import (
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratalog/kwire/types"
)

func rackPtr(s string) *string { return &s }

func sampleSet(version int8) *MessageSet {
	set := new(MessageSet)
	ts := time.Time{}
	if version >= MagicV1 {
		ts = time.Unix(1500000000, 123*int64(time.Millisecond))
	}
	set.AddMessage(&Message{Version: version, Timestamp: ts, Key: []byte("k"), Value: []byte("first")})
	set.AddMessage(&Message{Version: version, Timestamp: ts, Value: []byte("second")})
	return set
}

func requestSamples() []Body {
	produce := func(version int16) Body {
		r := &ProduceRequest{Version: version, RequiredAcks: types.WaitForAll, Timeout: 1500}
		magic := MagicV0
		if version >= 2 {
			magic = MagicV1
		}
		r.AddSet("events", 3, sampleSet(magic))
		return r
	}
	fetch := func(version int16) Body {
		r := &FetchRequest{Version: version, MaxWaitTime: 250, MinBytes: 1}
		r.AddBlock("events", 0, 42, 32768)
		r.AddBlock("events", 1, 7, 1024)
		return r
	}
	offsets := func(version int16) Body {
		r := &OffsetRequest{Version: version}
		r.AddBlock("events", 0, types.OffsetNewest, 1)
		r.AddBlock("audit", 2, types.OffsetOldest, 1)
		return r
	}
	commit := func(version int16) Body {
		r := &OffsetCommitRequest{Version: version, ConsumerGroup: "billing"}
		var ts int64
		if version >= 1 {
			r.ConsumerGroupGeneration = 4
			r.ConsumerID = "member-1"
			if version == 1 {
				ts = ReceiveTime
			}
		}
		if version == 2 {
			r.RetentionTime = 86400000
		}
		r.AddBlock("events", 0, 1234, ts, "meta")
		return r
	}
	offsetFetch := func(version int16) Body {
		r := &OffsetFetchRequest{Version: version, ConsumerGroup: "billing"}
		r.AddPartition("events", 0)
		r.AddPartition("events", 5)
		return r
	}

	return []Body{
		produce(0), produce(1), produce(2),
		fetch(0), fetch(1), fetch(2),
		offsets(0), offsets(1),
		&MetadataRequest{Version: 0, Topics: []string{"events", "audit"}},
		&MetadataRequest{Version: 1, Topics: []string{"events"}},
		&MetadataRequest{Version: 1},
		commit(0), commit(1), commit(2),
		offsetFetch(0), offsetFetch(1),
		&FindCoordinatorRequest{ConsumerGroup: "billing"},
		&SaslHandshakeRequest{Version: 0, Mechanism: "PLAIN"},
		&SaslHandshakeRequest{Version: 1, Mechanism: "SCRAM-SHA-256"},
		&SaslAuthenticateRequest{SaslAuthBytes: []byte("n,,n=user,r=nonce")},
	}
}

func responseSamples() []Response {
	produce := func(version int16) Response {
		r := &ProduceResponse{Version: version}
		r.AddTopicPartition("events", 3, types.ErrNoError, 100)
		r.AddTopicPartition("events", 4, types.ErrNotLeaderForPartition, -1)
		if version >= 1 {
			r.ThrottleTime = 20 * time.Millisecond
		}
		if version >= 2 {
			r.Blocks["events"][3].Timestamp = time.Unix(1500000000, 0)
		}
		return r
	}
	fetch := func(version int16) Response {
		r := &FetchResponse{Version: version}
		magic := MagicV0
		if version >= 2 {
			magic = MagicV1
		}
		for i, b := range sampleSet(magic).Messages {
			r.AddMessage("events", 0, int64(10+i), b.Msg)
		}
		r.SetHighWaterMark("events", 0, 12)
		r.AddError("events", 1, types.ErrOffsetOutOfRange)
		r.SetHighWaterMark("events", 1, 0)
		if version >= 1 {
			r.ThrottleTime = time.Second
		}
		return r
	}
	offsets := func(version int16) Response {
		r := &OffsetResponse{Version: version}
		if version == 0 {
			r.Blocks = map[string]map[int32]*OffsetResponseBlock{
				"events": {0: {Offsets: []int64{5, 6}, Offset: 5}},
			}
		} else {
			r.Blocks = map[string]map[int32]*OffsetResponseBlock{
				"events": {0: {Offsets: []int64{5}, Offset: 5, Timestamp: 99}},
			}
		}
		return r
	}
	metadata := func(version int16) Response {
		r := &MetadataResponse{Version: version, ControllerID: -1}
		r.AddBroker("localhost:9092", 1)
		r.AddBroker("localhost:9093", 2)
		if version >= 1 {
			r.ControllerID = 2
			r.Brokers[0].Rack = rackPtr("rack-a")
		}
		r.AddTopicPartition("events", 0, 1, []int32{1, 2}, []int32{1, 2}, types.ErrNoError)
		r.AddTopicPartition("events", 1, -1, []int32{2}, []int32{}, types.ErrLeaderNotAvailable)
		r.AddTopic("missing", types.ErrUnknownTopicOrPartition)
		r.Topics[1].Partitions = nil
		r.Topics[0].Partitions[1].Isr = nil
		return r
	}
	commit := func(version int16) Response {
		r := &OffsetCommitResponse{Version: version}
		r.AddError("events", 0, types.ErrNoError)
		r.AddError("events", 1, types.ErrNotCoordinator)
		return r
	}
	offsetFetch := func(version int16) Response {
		r := &OffsetFetchResponse{Version: version}
		r.AddBlock("events", 0, &OffsetFetchResponseBlock{Offset: 1234, Metadata: "meta"})
		r.AddBlock("events", 1, &OffsetFetchResponseBlock{Offset: -1, Err: types.ErrUnknownTopicOrPartition})
		return r
	}
	msg := "bad credentials"

	return []Response{
		produce(0), produce(1), produce(2),
		fetch(0), fetch(1), fetch(2),
		offsets(0), offsets(1),
		metadata(0), metadata(1),
		commit(0), commit(1), commit(2),
		offsetFetch(0), offsetFetch(1),
		&FindCoordinatorResponse{Coordinator: &Broker{ID: 3, Host: "kafka-3", Port: 9092}},
		&FindCoordinatorResponse{Err: types.ErrCoordinatorNotAvailable},
		&SaslHandshakeResponse{Version: 0, EnabledMechanisms: []string{"PLAIN", "SCRAM-SHA-512"}},
		&SaslHandshakeResponse{Version: 1, Err: types.ErrUnsupportedSASLMechanism, EnabledMechanisms: []string{"PLAIN"}},
		&SaslAuthenticateResponse{SaslAuthBytes: []byte("r=nonce,s=salt,i=4096")},
		&SaslAuthenticateResponse{Err: types.ErrSASLAuthenticationFailed, ErrorMessage: &msg},
	}
}

func TestRequestRoundTrip(t *testing.T) {
	covered := make(map[int16]map[int16]bool)
	for i, body := range requestSamples() {
		key, version := body.APIKey(), body.APIVersion()
		name := APIName(key)

		frame, err := Encode(&Request{CorrelationID: int32(i), ClientID: "kwire", Body: body})
		require.NoError(t, err, "%s v%d", name, version)

		decoded, err := DecodeRequest(frame)
		require.NoError(t, err, "%s v%d", name, version)
		assert.Equal(t, int32(i), decoded.CorrelationID)
		assert.Equal(t, "kwire", decoded.ClientID)
		if !assert.Equal(t, body, decoded.Body, "%s v%d", name, version) {
			t.Log(spew.Sdump(frame))
		}

		if covered[key] == nil {
			covered[key] = make(map[int16]bool)
		}
		covered[key][version] = true
	}
	assertAllVersionsCovered(t, covered)
}

func TestResponseRoundTrip(t *testing.T) {
	covered := make(map[int16]map[int16]bool)
	for i, res := range responseSamples() {
		key, version := res.APIKey(), res.APIVersion()
		name := APIName(key)

		frame, err := EncodeResponse(int32(i), res)
		require.NoError(t, err, "%s v%d", name, version)

		header, err := DecodeResponseHeader(frame[:ResponseHeaderSize])
		require.NoError(t, err)
		assert.Equal(t, int32(i), header.CorrelationID)
		assert.Equal(t, len(frame)-ResponseHeaderSize, header.BodyLength())

		decoded, err := NewResponse(key, version)
		require.NoError(t, err)
		require.NoError(t, DecodeResponse(frame[ResponseHeaderSize:], decoded), "%s v%d", name, version)
		if !assert.Equal(t, res, decoded, "%s v%d", name, version) {
			t.Log(spew.Sdump(frame))
		}

		if covered[key] == nil {
			covered[key] = make(map[int16]bool)
		}
		covered[key][version] = true
	}
	assertAllVersionsCovered(t, covered)
}

func assertAllVersionsCovered(t *testing.T, covered map[int16]map[int16]bool) {
	t.Helper()
	for key, api := range supportedAPIs {
		for v := api.min; v <= api.max; v++ {
			assert.True(t, covered[key][v], "%s v%d has no round trip sample", api.name, v)
		}
	}
}

func TestResponseTruncatedIsProtocolError(t *testing.T) {
	res := responseSamples()[0]
	frame, err := EncodeResponse(1, res)
	require.NoError(t, err)

	decoded, err := NewResponse(res.APIKey(), res.APIVersion())
	require.NoError(t, err)
	err = DecodeResponse(frame[ResponseHeaderSize:len(frame)-3], decoded)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestPartitionErrors(t *testing.T) {
	for _, res := range responseSamples() {
		pe, ok := res.(PartitionErrorer)
		if !ok {
			continue
		}
		assert.Equal(t, types.ErrNoError, pe.PartitionError("nope", 0), APIName(res.APIKey()))
	}

	produce := responseSamples()[0].(*ProduceResponse)
	assert.Equal(t, types.ErrNotLeaderForPartition, produce.PartitionError("events", 4))

	fetch := responseSamples()[3].(*FetchResponse)
	assert.Equal(t, types.ErrOffsetOutOfRange, fetch.PartitionError("events", 1))
}
