package protocol

import (
	enc "github.com/stratalog/kwire/encoding"
	"github.com/stratalog/kwire/types"
)

// SaslHandshakeRequest selects a SASL mechanism. After version 0 the SASL tokens follow as raw
// length-prefixed frames; after version 1 they are wrapped in SaslAuthenticate requests.
type SaslHandshakeRequest struct {
	Version   int16
	Mechanism string
}

func (r *SaslHandshakeRequest) Encode(pe enc.PacketEncoder) error {
	return pe.PutString(r.Mechanism)
}

func (r *SaslHandshakeRequest) Decode(pd enc.PacketDecoder, version int16) (err error) {
	r.Version = version
	r.Mechanism, err = pd.GetString()
	return err
}

func (r *SaslHandshakeRequest) APIKey() int16 {
	return APIKeySaslHandshake
}

func (r *SaslHandshakeRequest) APIVersion() int16 {
	return r.Version
}

type SaslHandshakeResponse struct {
	Version           int16
	Err               types.KError
	EnabledMechanisms []string
}

func (r *SaslHandshakeResponse) Encode(pe enc.PacketEncoder) error {
	pe.PutInt16(int16(r.Err))
	return pe.PutStringArray(r.EnabledMechanisms)
}

func (r *SaslHandshakeResponse) Decode(pd enc.PacketDecoder, version int16) (err error) {
	r.Version = version

	if r.Err, err = getKError(pd); err != nil {
		return err
	}

	r.EnabledMechanisms, err = pd.GetStringArray()
	return err
}

func (r *SaslHandshakeResponse) APIKey() int16 {
	return APIKeySaslHandshake
}

func (r *SaslHandshakeResponse) APIVersion() int16 {
	return r.Version
}
