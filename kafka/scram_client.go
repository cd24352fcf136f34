package kafka

import (
	"crypto/sha256"
	"crypto/sha512"

	"github.com/xdg-go/scram"
)

var (
	// SHA256 is the hash of SCRAM-SHA-256.
	SHA256 scram.HashGeneratorFcn = sha256.New
	// SHA512 is the hash of SCRAM-SHA-512.
	SHA512 scram.HashGeneratorFcn = sha512.New
)

// XDGSCRAMClient is the SCRAMClient used when Net.SASL.SCRAMClientGeneratorFunc is nil.
type XDGSCRAMClient struct {
	*scram.Client
	*scram.ClientConversation
	scram.HashGeneratorFcn
}

func (x *XDGSCRAMClient) Begin(userName, password, authzID string) (err error) {
	x.Client, err = x.HashGeneratorFcn.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	x.ClientConversation = x.Client.NewConversation()
	return nil
}

func (x *XDGSCRAMClient) Step(challenge string) (response string, err error) {
	response, err = x.ClientConversation.Step(challenge)
	return
}

func (x *XDGSCRAMClient) Done() bool {
	return x.ClientConversation.Done()
}

func newSCRAMClient(conf *Config) SCRAMClient {
	if conf.Net.SASL.SCRAMClientGeneratorFunc != nil {
		return conf.Net.SASL.SCRAMClientGeneratorFunc()
	}
	if conf.Net.SASL.Mechanism == SASLTypeSCRAMSHA512 {
		return &XDGSCRAMClient{HashGeneratorFcn: SHA512}
	}
	return &XDGSCRAMClient{HashGeneratorFcn: SHA256}
}
