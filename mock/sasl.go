package mock

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xdg-go/scram"

	"github.com/stratalog/kwire/protocol"
	"github.com/stratalog/kwire/types"
)

// SASL mechanism names.
const (
	SASLTypePlaintext   = "PLAIN"
	SASLTypeSCRAMSHA256 = "SCRAM-SHA-256"
	SASLTypeSCRAMSHA512 = "SCRAM-SHA-512"
)

var errSASLRejected = errors.New("mock: sasl authentication rejected")

// MockSaslHandshakeResponse is a `SaslHandshakeResponse` builder.
type MockSaslHandshakeResponse struct {
	lock       sync.Mutex
	mechanisms []string
	kerror     types.KError
	t          TestReporter
}

func NewMockSaslHandshakeResponse(t TestReporter) *MockSaslHandshakeResponse {
	return &MockSaslHandshakeResponse{t: t, mechanisms: []string{SASLTypePlaintext}}
}

func (msh *MockSaslHandshakeResponse) SetError(kerror types.KError) *MockSaslHandshakeResponse {
	msh.lock.Lock()
	defer msh.lock.Unlock()
	msh.kerror = kerror
	return msh
}

func (msh *MockSaslHandshakeResponse) SetEnabledMechanisms(mechanisms []string) *MockSaslHandshakeResponse {
	msh.lock.Lock()
	defer msh.lock.Unlock()
	msh.mechanisms = mechanisms
	return msh
}

func (msh *MockSaslHandshakeResponse) For(reqBody protocol.Body) protocol.Response {
	req := reqBody.(*protocol.SaslHandshakeRequest)

	msh.lock.Lock()
	defer msh.lock.Unlock()

	res := &protocol.SaslHandshakeResponse{Version: req.Version, Err: msh.kerror, EnabledMechanisms: msh.mechanisms}
	if res.Err != types.ErrNoError {
		return res
	}
	for _, m := range msh.mechanisms {
		if m == req.Mechanism {
			return res
		}
	}
	res.Err = types.ErrUnsupportedSASLMechanism
	return res
}

// MockSaslAuthenticateResponse verifies PLAIN and SCRAM credentials. It answers
// SaslAuthenticate requests through For and raw version 0 tokens through Raw, which is meant
// for Broker.SetRawSASLHandler.
type MockSaslAuthenticateResponse struct {
	lock          sync.Mutex
	users         map[string]string
	scram         *scram.Server
	conversations map[string]*scram.ServerConversation // keyed by the combined nonce
	t             TestReporter
}

func NewMockSaslAuthenticateResponse(t TestReporter) *MockSaslAuthenticateResponse {
	return &MockSaslAuthenticateResponse{
		users:         make(map[string]string),
		conversations: make(map[string]*scram.ServerConversation),
		t:             t,
	}
}

// SetUser accepts the credentials for PLAIN authentication.
func (msa *MockSaslAuthenticateResponse) SetUser(user, password string) *MockSaslAuthenticateResponse {
	msa.lock.Lock()
	defer msa.lock.Unlock()
	msa.users[user] = password
	return msa
}

// EnableSCRAM verifies SCRAM exchanges against the users registered so far, hashing with
// SHA-256 or SHA-512 depending on mechanism.
func (msa *MockSaslAuthenticateResponse) EnableSCRAM(mechanism string) *MockSaslAuthenticateResponse {
	msa.lock.Lock()
	defer msa.lock.Unlock()

	hashGen := scram.SHA256
	if mechanism == SASLTypeSCRAMSHA512 {
		hashGen = scram.SHA512
	}

	credentials := make(map[string]scram.StoredCredentials, len(msa.users))
	for user, password := range msa.users {
		client, err := hashGen.NewClient(user, password, "")
		if err != nil {
			msa.t.Fatal(err)
		}
		credentials[user] = client.GetStoredCredentials(scram.KeyFactors{Salt: "kwire-salt-" + user, Iters: 4096})
	}

	server, err := hashGen.NewServer(func(user string) (scram.StoredCredentials, error) {
		if c, ok := credentials[user]; ok {
			return c, nil
		}
		return scram.StoredCredentials{}, fmt.Errorf("unknown user %q", user)
	})
	if err != nil {
		msa.t.Fatal(err)
	}
	msa.scram = server
	return msa
}

func (msa *MockSaslAuthenticateResponse) For(reqBody protocol.Body) protocol.Response {
	req := reqBody.(*protocol.SaslAuthenticateRequest)
	res := &protocol.SaslAuthenticateResponse{Version: req.Version}

	reply, err := msa.authenticate(req.SaslAuthBytes)
	if err != nil {
		msg := err.Error()
		res.Err = types.ErrSASLAuthenticationFailed
		res.ErrorMessage = &msg
		return res
	}
	res.SaslAuthBytes = reply
	return res
}

// Raw answers a token sent without SaslAuthenticate framing.
func (msa *MockSaslAuthenticateResponse) Raw(token []byte) ([]byte, error) {
	return msa.authenticate(token)
}

func (msa *MockSaslAuthenticateResponse) authenticate(token []byte) ([]byte, error) {
	msa.lock.Lock()
	defer msa.lock.Unlock()

	msg := string(token)
	switch {
	case strings.HasPrefix(msg, "n,") || strings.HasPrefix(msg, "y,"):
		return msa.scramFirst(msg)
	case strings.HasPrefix(msg, "c="):
		return msa.scramFinal(msg)
	}
	return nil, msa.plain(token)
}

// plain checks an "authzid NUL user NUL password" token.
func (msa *MockSaslAuthenticateResponse) plain(token []byte) error {
	parts := bytes.Split(token, []byte{0})
	if len(parts) != 3 {
		return fmt.Errorf("%w: malformed PLAIN token", errSASLRejected)
	}
	password, ok := msa.users[string(parts[1])]
	if !ok || password != string(parts[2]) {
		return fmt.Errorf("%w: invalid credentials for %q", errSASLRejected, parts[1])
	}
	return nil
}

func (msa *MockSaslAuthenticateResponse) scramFirst(msg string) ([]byte, error) {
	if msa.scram == nil {
		return nil, fmt.Errorf("%w: SCRAM is not enabled", errSASLRejected)
	}
	conv := msa.scram.NewConversation()
	reply, err := conv.Step(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errSASLRejected, err)
	}
	msa.conversations[scramNonce(reply)] = conv
	return []byte(reply), nil
}

func (msa *MockSaslAuthenticateResponse) scramFinal(msg string) ([]byte, error) {
	nonce := scramNonce(msg)
	conv, ok := msa.conversations[nonce]
	if !ok {
		return nil, fmt.Errorf("%w: no SCRAM conversation for nonce", errSASLRejected)
	}
	delete(msa.conversations, nonce)

	reply, err := conv.Step(msg)
	if err != nil || !conv.Valid() {
		return nil, fmt.Errorf("%w: %v", errSASLRejected, err)
	}
	return []byte(reply), nil
}

func scramNonce(msg string) string {
	for _, field := range strings.Split(msg, ",") {
		if strings.HasPrefix(field, "r=") {
			return field[2:]
		}
	}
	return ""
}
