package encoding

// PacketEncoder writes the wire format read by PacketDecoder. It is run twice per packet: a
// sizing pass that only counts bytes, then a pass that writes into a buffer of exactly that size.
type PacketEncoder interface {
	PutInt8(in int8)
	PutInt16(in int16)
	PutInt32(in int32)
	PutInt64(in int64)
	PutBool(in bool)

	PutArrayLength(in int) error
	PutInt32Array(in []int32) error
	PutInt64Array(in []int64) error
	PutStringArray(in []string) error

	PutBytes(in []byte) error
	PutRawBytes(in []byte) error
	PutString(in string) error
	PutNullableString(in *string) error

	// Offset is the number of bytes written so far.
	Offset() int

	Push(in PushEncoder)
	Pop() error
}

// PushEncoder is a field whose value is computed from the bytes written after it. Push reserves
// its room; Pop runs it once everything it covers has been written.
type PushEncoder interface {
	SaveOffset(in int)
	ReserveLength() int
	// Run writes the field into buf from the bytes between the field and curOffset.
	Run(curOffset int, buf []byte) error
}
