package protocol

import (
	enc "github.com/stratalog/kwire/encoding"
	"github.com/stratalog/kwire/types"
)

// SaslAuthenticateRequest carries one SASL token after a version 1 handshake.
type SaslAuthenticateRequest struct {
	Version       int16
	SaslAuthBytes []byte
}

func (r *SaslAuthenticateRequest) Encode(pe enc.PacketEncoder) error {
	return pe.PutBytes(r.SaslAuthBytes)
}

func (r *SaslAuthenticateRequest) Decode(pd enc.PacketDecoder, version int16) (err error) {
	r.Version = version
	r.SaslAuthBytes, err = pd.GetBytes()
	return err
}

func (r *SaslAuthenticateRequest) APIKey() int16 {
	return APIKeySaslAuthenticate
}

func (r *SaslAuthenticateRequest) APIVersion() int16 {
	return r.Version
}

// SaslAuthenticateResponse is the broker's SASL challenge or final verdict.
type SaslAuthenticateResponse struct {
	Version       int16
	Err           types.KError
	ErrorMessage  *string
	SaslAuthBytes []byte
}

func (r *SaslAuthenticateResponse) Encode(pe enc.PacketEncoder) error {
	pe.PutInt16(int16(r.Err))
	if err := pe.PutNullableString(r.ErrorMessage); err != nil {
		return err
	}
	return pe.PutBytes(r.SaslAuthBytes)
}

func (r *SaslAuthenticateResponse) Decode(pd enc.PacketDecoder, version int16) (err error) {
	r.Version = version

	if r.Err, err = getKError(pd); err != nil {
		return err
	}

	if r.ErrorMessage, err = pd.GetNullableString(); err != nil {
		return err
	}

	r.SaslAuthBytes, err = pd.GetBytes()
	return err
}

func (r *SaslAuthenticateResponse) APIKey() int16 {
	return APIKeySaslAuthenticate
}

func (r *SaslAuthenticateResponse) APIVersion() int16 {
	return r.Version
}
