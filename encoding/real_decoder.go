package encoding

import (
	"encoding/binary"
	"math"
)

type realDecoder struct {
	raw   []byte
	off   int
	stack []PushDecoder
}

// primitives

func (rd *realDecoder) GetInt8() (int8, error) {
	if rd.Remaining() < 1 {
		rd.off = len(rd.raw)
		return -1, ErrInsufficientData
	}
	tmp := int8(rd.raw[rd.off])
	rd.off++
	return tmp, nil
}

func (rd *realDecoder) GetInt16() (int16, error) {
	if rd.Remaining() < 2 {
		rd.off = len(rd.raw)
		return -1, ErrInsufficientData
	}
	tmp := int16(binary.BigEndian.Uint16(rd.raw[rd.off:]))
	rd.off += 2
	return tmp, nil
}

func (rd *realDecoder) GetInt32() (int32, error) {
	if rd.Remaining() < 4 {
		rd.off = len(rd.raw)
		return -1, ErrInsufficientData
	}
	tmp := int32(binary.BigEndian.Uint32(rd.raw[rd.off:]))
	rd.off += 4
	return tmp, nil
}

func (rd *realDecoder) GetInt64() (int64, error) {
	if rd.Remaining() < 8 {
		rd.off = len(rd.raw)
		return -1, ErrInsufficientData
	}
	tmp := int64(binary.BigEndian.Uint64(rd.raw[rd.off:]))
	rd.off += 8
	return tmp, nil
}

func (rd *realDecoder) GetBool() (bool, error) {
	b, err := rd.GetInt8()
	if err != nil || b == 0 {
		return false, err
	}
	if b != 1 {
		return false, errInvalidBool
	}
	return true, nil
}

// GetArrayLength returns -1 for a null array.
func (rd *realDecoder) GetArrayLength() (int, error) {
	if rd.Remaining() < 4 {
		rd.off = len(rd.raw)
		return -1, ErrInsufficientData
	}
	tmp := int(int32(binary.BigEndian.Uint32(rd.raw[rd.off:])))
	rd.off += 4
	if tmp > rd.Remaining() {
		rd.off = len(rd.raw)
		return -1, ErrInsufficientData
	} else if tmp > 2*math.MaxUint16 {
		return -1, errInvalidArrayLength
	} else if tmp < -1 {
		return -1, errInvalidArrayLength
	}
	return tmp, nil
}

// collections

func (rd *realDecoder) GetBytes() ([]byte, error) {
	tmp, err := rd.GetInt32()
	if err != nil {
		return nil, err
	}
	if tmp == -1 {
		return nil, nil
	}

	return rd.GetRawBytes(int(tmp))
}

func (rd *realDecoder) GetRawBytes(length int) ([]byte, error) {
	if length < 0 {
		return nil, errInvalidByteSliceLen
	} else if length > rd.Remaining() {
		rd.off = len(rd.raw)
		return nil, ErrInsufficientData
	}

	start := rd.off
	rd.off += length
	return rd.raw[start:rd.off], nil
}

func (rd *realDecoder) GetString() (string, error) {
	tmp, err := rd.GetInt16()
	if err != nil {
		return "", err
	}

	n := int(tmp)

	switch {
	case n < -1:
		return "", errInvalidStringLength
	case n == -1:
		return "", nil
	case n == 0:
		return "", nil
	case n > rd.Remaining():
		rd.off = len(rd.raw)
		return "", ErrInsufficientData
	}

	tmpStr := string(rd.raw[rd.off : rd.off+n])
	rd.off += n
	return tmpStr, nil
}

func (rd *realDecoder) GetNullableString() (*string, error) {
	tmp, err := rd.GetInt16()
	if err != nil || tmp == -1 {
		return nil, err
	}
	rd.off -= 2
	str, err := rd.GetString()
	return &str, err
}

func (rd *realDecoder) GetStringArray() ([]string, error) {
	n, err := rd.GetArrayLength()
	if err != nil || n <= 0 {
		return nil, err
	}

	ret := make([]string, n)
	for i := range ret {
		str, err := rd.GetString()
		if err != nil {
			return nil, err
		}

		ret[i] = str
	}
	return ret, nil
}

func (rd *realDecoder) GetInt32Array() ([]int32, error) {
	if rd.Remaining() < 4 {
		rd.off = len(rd.raw)
		return nil, ErrInsufficientData
	}
	n := int(int32(binary.BigEndian.Uint32(rd.raw[rd.off:])))
	rd.off += 4

	if n < -1 {
		return nil, errInvalidArrayLength
	}
	if rd.Remaining() < 4*n {
		rd.off = len(rd.raw)
		return nil, ErrInsufficientData
	}

	if n <= 0 {
		return nil, nil
	}

	ret := make([]int32, n)
	for i := range ret {
		ret[i] = int32(binary.BigEndian.Uint32(rd.raw[rd.off:]))
		rd.off += 4
	}
	return ret, nil
}

func (rd *realDecoder) GetInt64Array() ([]int64, error) {
	if rd.Remaining() < 4 {
		rd.off = len(rd.raw)
		return nil, ErrInsufficientData
	}
	n := int(int32(binary.BigEndian.Uint32(rd.raw[rd.off:])))
	rd.off += 4

	if n < -1 {
		return nil, errInvalidArrayLength
	}
	if rd.Remaining() < 8*n {
		rd.off = len(rd.raw)
		return nil, ErrInsufficientData
	}

	if n <= 0 {
		return nil, nil
	}

	ret := make([]int64, n)
	for i := range ret {
		ret[i] = int64(binary.BigEndian.Uint64(rd.raw[rd.off:]))
		rd.off += 8
	}
	return ret, nil
}

// subsets

func (rd *realDecoder) Remaining() int {
	return len(rd.raw) - rd.off
}

func (rd *realDecoder) GetSubset(length int) (PacketDecoder, error) {
	buf, err := rd.GetRawBytes(length)
	if err != nil {
		return nil, err
	}
	return &realDecoder{raw: buf}, nil
}

// stacks

func (rd *realDecoder) Push(in PushDecoder) error {
	in.SaveOffset(rd.off)

	reserve := in.ReserveLength()
	if rd.Remaining() < reserve {
		rd.off = len(rd.raw)
		return ErrInsufficientData
	}

	rd.stack = append(rd.stack, in)

	rd.off += reserve

	return nil
}

func (rd *realDecoder) Pop() error {
	// this is go's ugly pop pattern (the inverse of append)
	in := rd.stack[len(rd.stack)-1]
	rd.stack = rd.stack[:len(rd.stack)-1]

	return in.Check(rd.off, rd.raw)
}
