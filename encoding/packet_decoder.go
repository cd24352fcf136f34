package encoding

// PacketDecoder reads the fixed width, big-endian wire format of Kafka 0.8 to 0.10: int8 to
// int64, int16 length strings, int32 length bytes and arrays. Reading past the end of the
// packet fails with ErrInsufficientData.
type PacketDecoder interface {
	GetInt8() (int8, error)
	GetInt16() (int16, error)
	GetInt32() (int32, error)
	GetInt64() (int64, error)
	GetBool() (bool, error)

	// GetArrayLength returns -1 for a null array.
	GetArrayLength() (int, error)
	GetInt32Array() ([]int32, error)
	GetInt64Array() ([]int64, error)
	GetStringArray() ([]string, error)

	// GetBytes returns nil for null bytes.
	GetBytes() ([]byte, error)
	GetRawBytes(length int) ([]byte, error)
	GetString() (string, error)
	GetNullableString() (*string, error)

	// Remaining is the number of unread bytes. GetSubset hands out the next length bytes as
	// a decoder of their own, which is how message sets stop at their declared size.
	Remaining() int
	GetSubset(length int) (PacketDecoder, error)

	Push(in PushDecoder) error
	Pop() error
}

// PushDecoder is a field whose check depends on the bytes that follow it, such as a length or
// a CRC. Push it where it sits in the packet and Pop it once everything it covers was read.
type PushDecoder interface {
	// SaveOffset records where the field starts.
	SaveOffset(in int)
	// ReserveLength is the size of the field itself.
	ReserveLength() int
	// Check verifies the field against buf between the field and curOffset.
	Check(curOffset int, buf []byte) error
}
