package protocol

import (
	"fmt"

	enc "github.com/stratalog/kwire/encoding"
)

// ResponseHeaderSize is the length prefix plus the correlation id.
const ResponseHeaderSize = 8

// MaxResponseSize is the maximum size (in bytes) of any response that will be accepted.
var MaxResponseSize int32 = 100 * 1024 * 1024

// ResponseHeader precedes every response body. Length counts the correlation id and the body.
type ResponseHeader struct {
	Length        int32
	CorrelationID int32
}

func (r *ResponseHeader) Encode(pe enc.PacketEncoder) error {
	pe.PutInt32(r.Length)
	pe.PutInt32(r.CorrelationID)
	return nil
}

func (r *ResponseHeader) Decode(pd enc.PacketDecoder) (err error) {
	r.Length, err = pd.GetInt32()
	if err != nil {
		return err
	}
	if r.Length <= 4 || r.Length > MaxResponseSize {
		return &ProtocolError{Info: fmt.Sprintf("message of length %d too large or too small", r.Length)}
	}

	r.CorrelationID, err = pd.GetInt32()
	return err
}

// BodyLength is the number of bytes following the header.
func (r *ResponseHeader) BodyLength() int {
	return int(r.Length) - 4
}

// DecodeResponseHeader decodes the first ResponseHeaderSize bytes of a response frame.
func DecodeResponseHeader(buf []byte) (*ResponseHeader, error) {
	header := new(ResponseHeader)
	if err := enc.Decode(buf, header); err != nil {
		return nil, asProtocolError("response header", err)
	}
	return header, nil
}
