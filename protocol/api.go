package protocol

import (
	"fmt"

	enc "github.com/stratalog/kwire/encoding"
	"github.com/stratalog/kwire/types"
)

// API keys of the supported requests.
const (
	APIKeyProduce          int16 = 0
	APIKeyFetch            int16 = 1
	APIKeyListOffsets      int16 = 2
	APIKeyMetadata         int16 = 3
	APIKeyOffsetCommit     int16 = 8
	APIKeyOffsetFetch      int16 = 9
	APIKeyFindCoordinator  int16 = 10
	APIKeySaslHandshake    int16 = 17
	APIKeySaslAuthenticate int16 = 36
)

// Body is the payload of a request or response. Every body can be written and read back, so the
// same types serve the client and the mock broker.
type Body interface {
	enc.Encoder
	enc.VersionedDecoder
	APIKey() int16
	APIVersion() int16
}

// Response is a decoded response body.
type Response interface {
	Body
}

// PartitionErrorer is implemented by responses that carry an error code per topic partition.
// It returns ErrNoError when the partition is absent from the response.
type PartitionErrorer interface {
	PartitionError(topic string, partition int32) types.KError
}

type apiVersionRange struct {
	name     string
	min, max int16
}

var supportedAPIs = map[int16]apiVersionRange{
	APIKeyProduce:          {"Produce", 0, 2},
	APIKeyFetch:            {"Fetch", 0, 2},
	APIKeyListOffsets:      {"ListOffsets", 0, 1},
	APIKeyMetadata:         {"Metadata", 0, 1},
	APIKeyOffsetCommit:     {"OffsetCommit", 0, 2},
	APIKeyOffsetFetch:      {"OffsetFetch", 0, 1},
	APIKeyFindCoordinator:  {"FindCoordinator", 0, 0},
	APIKeySaslHandshake:    {"SaslHandshake", 0, 1},
	APIKeySaslAuthenticate: {"SaslAuthenticate", 0, 0},
}

// APIName returns a readable name for an API key.
func APIName(key int16) string {
	if api, ok := supportedAPIs[key]; ok {
		return api.name
	}
	return fmt.Sprintf("Unknown(%d)", key)
}

// IsSupported reports whether a schema exists for the (key, version) pair.
func IsSupported(key, version int16) bool {
	api, ok := supportedAPIs[key]
	return ok && version >= api.min && version <= api.max
}

func unsupported(key, version int16) error {
	return &ProtocolError{Info: fmt.Sprintf("unsupported api %s version %d", APIName(key), version)}
}

// NewRequestBody allocates an empty request body for the (key, version) pair.
func NewRequestBody(key, version int16) (Body, error) {
	if !IsSupported(key, version) {
		return nil, unsupported(key, version)
	}
	switch key {
	case APIKeyProduce:
		return &ProduceRequest{Version: version}, nil
	case APIKeyFetch:
		return &FetchRequest{Version: version}, nil
	case APIKeyListOffsets:
		return &OffsetRequest{Version: version}, nil
	case APIKeyMetadata:
		return &MetadataRequest{Version: version}, nil
	case APIKeyOffsetCommit:
		return &OffsetCommitRequest{Version: version}, nil
	case APIKeyOffsetFetch:
		return &OffsetFetchRequest{Version: version}, nil
	case APIKeyFindCoordinator:
		return &FindCoordinatorRequest{Version: version}, nil
	case APIKeySaslHandshake:
		return &SaslHandshakeRequest{Version: version}, nil
	case APIKeySaslAuthenticate:
		return &SaslAuthenticateRequest{Version: version}, nil
	}
	return nil, unsupported(key, version)
}

// NewResponse allocates the empty response body that answers a (key, version) request.
func NewResponse(key, version int16) (Response, error) {
	if !IsSupported(key, version) {
		return nil, unsupported(key, version)
	}
	switch key {
	case APIKeyProduce:
		return &ProduceResponse{Version: version}, nil
	case APIKeyFetch:
		return &FetchResponse{Version: version}, nil
	case APIKeyListOffsets:
		return &OffsetResponse{Version: version}, nil
	case APIKeyMetadata:
		return &MetadataResponse{Version: version}, nil
	case APIKeyOffsetCommit:
		return &OffsetCommitResponse{Version: version}, nil
	case APIKeyOffsetFetch:
		return &OffsetFetchResponse{Version: version}, nil
	case APIKeyFindCoordinator:
		return &FindCoordinatorResponse{Version: version}, nil
	case APIKeySaslHandshake:
		return &SaslHandshakeResponse{Version: version}, nil
	case APIKeySaslAuthenticate:
		return &SaslAuthenticateResponse{Version: version}, nil
	}
	return nil, unsupported(key, version)
}

// ExpectsResponse is false only for produce requests sent with NoResponse acks.
func ExpectsResponse(b Body) bool {
	if p, ok := b.(*ProduceRequest); ok {
		return p.RequiredAcks != types.NoResponse
	}
	return true
}

func getKError(pd enc.PacketDecoder) (types.KError, error) {
	tmp, err := pd.GetInt16()
	return types.KError(tmp), err
}
