package encoding

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// framed is a length-prefixed, checksummed record used to exercise the push fields.
type framed struct {
	ID      int32
	Name    *string
	Payload []byte
	Tags    []string
}

func (f *framed) Encode(pe PacketEncoder) error {
	pe.Push(&LengthField{})
	pe.Push(&CRC32Field{})
	pe.PutInt32(f.ID)
	if err := pe.PutNullableString(f.Name); err != nil {
		return err
	}
	if err := pe.PutBytes(f.Payload); err != nil {
		return err
	}
	if err := pe.PutStringArray(f.Tags); err != nil {
		return err
	}
	if err := pe.Pop(); err != nil {
		return err
	}
	return pe.Pop()
}

func (f *framed) Decode(pd PacketDecoder) (err error) {
	if err = pd.Push(&LengthField{}); err != nil {
		return err
	}
	if err = pd.Push(&CRC32Field{}); err != nil {
		return err
	}
	if f.ID, err = pd.GetInt32(); err != nil {
		return err
	}
	if f.Name, err = pd.GetNullableString(); err != nil {
		return err
	}
	if f.Payload, err = pd.GetBytes(); err != nil {
		return err
	}
	if f.Tags, err = pd.GetStringArray(); err != nil {
		return err
	}
	if err = pd.Pop(); err != nil {
		return err
	}
	return pd.Pop()
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	name := "kwire"
	in := &framed{ID: 42, Name: &name, Payload: []byte{0xDE, 0xAD}, Tags: []string{"a", "bc"}}

	buf, err := Encode(in)
	require.NoError(t, err)
	// 4 length + 4 crc + 4 id + 2+5 name + 4+2 payload + 4+(2+1)+(2+2) tags
	assert.Len(t, buf, 36)

	out := new(framed)
	require.NoError(t, Decode(buf, out))
	assert.Equal(t, in, out)
}

func TestEncodeNullFields(t *testing.T) {
	in := &framed{ID: 1}

	buf, err := Encode(in)
	require.NoError(t, err)

	out := new(framed)
	require.NoError(t, Decode(buf, out))
	assert.Nil(t, out.Name)
	assert.Nil(t, out.Payload)
	assert.Nil(t, out.Tags)
}

func TestDecodeDetectsChecksumMismatch(t *testing.T) {
	buf, err := Encode(&framed{ID: 7, Payload: []byte("payload")})
	require.NoError(t, err)

	for i := 8; i < len(buf); i++ {
		corrupted := append([]byte(nil), buf...)
		corrupted[i] ^= 0xFF

		err := Decode(corrupted, new(framed))
		var crcErr ChecksumError
		if !errors.As(err, &crcErr) && !errors.Is(err, ErrInsufficientData) {
			var decErr DecodingError
			assert.True(t, errors.As(err, &decErr), "byte %d: unexpected error %v", i, err)
		}
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	buf, err := Encode(&framed{ID: 7})
	require.NoError(t, err)

	err = Decode(append(buf, 0x00), new(framed))
	var decErr DecodingError
	assert.ErrorAs(t, err, &decErr)
}

func TestEncodeRejectsLongString(t *testing.T) {
	long := string(make([]byte, 1<<15))
	_, err := Encode(&framed{Name: &long})
	var encErr EncodingError
	assert.ErrorAs(t, err, &encErr)
}
