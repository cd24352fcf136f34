package protocol

import (
	"errors"
	"fmt"

	enc "github.com/stratalog/kwire/encoding"
)

// Request is a framed request: length, API key and version, correlation id, client id, body.
type Request struct {
	CorrelationID int32
	ClientID      string
	Body          Body
}

func (r *Request) Encode(pe enc.PacketEncoder) error {
	pe.Push(&enc.LengthField{})
	pe.PutInt16(r.Body.APIKey())
	pe.PutInt16(r.Body.APIVersion())
	pe.PutInt32(r.CorrelationID)

	var clientID *string
	if r.ClientID != "" {
		clientID = &r.ClientID
	}
	if err := pe.PutNullableString(clientID); err != nil {
		return err
	}

	if err := r.Body.Encode(pe); err != nil {
		return err
	}
	return pe.Pop()
}

func (r *Request) Decode(pd enc.PacketDecoder) (err error) {
	if err = pd.Push(&enc.LengthField{}); err != nil {
		return err
	}

	key, err := pd.GetInt16()
	if err != nil {
		return err
	}
	version, err := pd.GetInt16()
	if err != nil {
		return err
	}

	if r.CorrelationID, err = pd.GetInt32(); err != nil {
		return err
	}

	clientID, err := pd.GetNullableString()
	if err != nil {
		return err
	}
	if clientID != nil {
		r.ClientID = *clientID
	}

	if r.Body, err = NewRequestBody(key, version); err != nil {
		return err
	}
	if err = r.Body.Decode(pd, version); err != nil {
		return err
	}

	return pd.Pop()
}

// Encode frames a request into the bytes written to a broker connection.
func Encode(req *Request) ([]byte, error) {
	if req == nil || req.Body == nil {
		return nil, &ProtocolError{Info: "request has no body"}
	}
	if !IsSupported(req.Body.APIKey(), req.Body.APIVersion()) {
		return nil, unsupported(req.Body.APIKey(), req.Body.APIVersion())
	}
	return enc.Encode(req)
}

// DecodeRequest reads a full request frame, including its length prefix.
func DecodeRequest(buf []byte) (*Request, error) {
	req := new(Request)
	if err := enc.Decode(buf, req); err != nil {
		return nil, asProtocolError("request", err)
	}
	return req, nil
}

// DecodeResponse decodes a response body, the bytes following the response header,
// into res according to the version res was allocated with.
func DecodeResponse(buf []byte, res Response) error {
	if buf == nil {
		buf = []byte{}
	}
	if err := enc.VersionedDecode(buf, res, res.APIVersion()); err != nil {
		return asProtocolError(APIName(res.APIKey())+" response", err)
	}
	return nil
}

// EncodeResponse frames a response body with its length and correlation id, as a broker would.
func EncodeResponse(correlationID int32, res Response) ([]byte, error) {
	return enc.Encode(&responseFrame{correlationID: correlationID, body: res})
}

type responseFrame struct {
	correlationID int32
	body          Body
}

func (f *responseFrame) Encode(pe enc.PacketEncoder) error {
	pe.Push(&enc.LengthField{})
	pe.PutInt32(f.correlationID)
	if err := f.body.Encode(pe); err != nil {
		return err
	}
	return pe.Pop()
}

// asProtocolError leaves corruption and protocol errors untouched and wraps everything else.
func asProtocolError(what string, err error) error {
	var corrupt *CorruptMessageError
	var perr *ProtocolError
	switch {
	case errors.As(err, &corrupt), errors.As(err, &perr):
		return err
	}
	return &ProtocolError{Info: fmt.Sprintf("malformed %s", what), Err: err}
}
