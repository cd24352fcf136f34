package encoding

import (
	"fmt"
	"math"
)

// prepEncoder only counts bytes; it sizes the buffer for realEncoder.
type prepEncoder struct {
	length int
}

// primitives

func (pe *prepEncoder) PutInt8(in int8) {
	pe.length++
}

func (pe *prepEncoder) PutInt16(in int16) {
	pe.length += 2
}

func (pe *prepEncoder) PutInt32(in int32) {
	pe.length += 4
}

func (pe *prepEncoder) PutInt64(in int64) {
	pe.length += 8
}

func (pe *prepEncoder) PutBool(in bool) {
	pe.length++
}

func (pe *prepEncoder) PutArrayLength(in int) error {
	if in > math.MaxInt32 {
		return EncodingError{fmt.Sprintf("array too long (%d)", in)}
	}
	pe.length += 4
	return nil
}

// arrays

func (pe *prepEncoder) PutBytes(in []byte) error {
	pe.length += 4
	if in == nil {
		return nil
	}
	return pe.PutRawBytes(in)
}

func (pe *prepEncoder) PutRawBytes(in []byte) error {
	if len(in) > math.MaxInt32 {
		return EncodingError{fmt.Sprintf("byteslice too long (%d)", len(in))}
	}
	pe.length += len(in)
	return nil
}

func (pe *prepEncoder) PutNullableString(in *string) error {
	if in == nil {
		pe.length += 2
		return nil
	}
	return pe.PutString(*in)
}

func (pe *prepEncoder) PutString(in string) error {
	pe.length += 2
	if len(in) > math.MaxInt16 {
		return EncodingError{fmt.Sprintf("string too long (%d)", len(in))}
	}
	pe.length += len(in)
	return nil
}

func (pe *prepEncoder) PutStringArray(in []string) error {
	err := pe.PutArrayLength(len(in))
	if err != nil {
		return err
	}

	for _, str := range in {
		if err := pe.PutString(str); err != nil {
			return err
		}
	}

	return nil
}

func (pe *prepEncoder) PutInt32Array(in []int32) error {
	err := pe.PutArrayLength(len(in))
	if err != nil {
		return err
	}
	pe.length += 4 * len(in)
	return nil
}

func (pe *prepEncoder) PutInt64Array(in []int64) error {
	err := pe.PutArrayLength(len(in))
	if err != nil {
		return err
	}
	pe.length += 8 * len(in)
	return nil
}

func (pe *prepEncoder) Offset() int {
	return pe.length
}

// stackable

func (pe *prepEncoder) Push(in PushEncoder) {
	pe.length += in.ReserveLength()
}

func (pe *prepEncoder) Pop() error {
	return nil
}
