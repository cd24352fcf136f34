package encoding

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// field4 is a 4 byte big-endian field whose value covers the bytes that follow it.
type field4 struct {
	at int
}

func (f *field4) SaveOffset(in int) { f.at = in }

func (f *field4) ReserveLength() int { return 4 }

// covered returns the bytes between the end of the field and curOffset.
func (f *field4) covered(curOffset int, buf []byte) []byte {
	return buf[f.at+4 : curOffset]
}

func (f *field4) stored(buf []byte) uint32 {
	return binary.BigEndian.Uint32(buf[f.at:])
}

func (f *field4) store(buf []byte, v uint32) {
	binary.BigEndian.PutUint32(buf[f.at:], v)
}

// LengthField is an int32 size prefix, as used by request frames and message sets.
type LengthField struct {
	field4
}

func (l *LengthField) Run(curOffset int, buf []byte) error {
	l.store(buf, uint32(len(l.covered(curOffset, buf))))
	return nil
}

func (l *LengthField) Check(curOffset int, buf []byte) error {
	if got, want := l.stored(buf), uint32(len(l.covered(curOffset, buf))); got != want {
		return DecodingError{Info: fmt.Sprintf("length field at offset %d says %d bytes, found %d", l.at, got, want)}
	}
	return nil
}

// CRC32Field is the IEEE checksum that opens a message and covers the rest of it.
type CRC32Field struct {
	field4
}

func (c *CRC32Field) Run(curOffset int, buf []byte) error {
	c.store(buf, crc32.ChecksumIEEE(c.covered(curOffset, buf)))
	return nil
}

func (c *CRC32Field) Check(curOffset int, buf []byte) error {
	expected, actual := c.stored(buf), crc32.ChecksumIEEE(c.covered(curOffset, buf))
	if expected != actual {
		return ChecksumError{Expected: expected, Actual: actual}
	}
	return nil
}
