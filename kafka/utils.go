package kafka

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/stratalog/kwire/protocol"
)

// make []int32 sortable so we can sort partition numbers
type int32Slice []int32

func (slice int32Slice) Len() int {
	return len(slice)
}

func (slice int32Slice) Less(i, j int) bool {
	return slice[i] < slice[j]
}

func (slice int32Slice) Swap(i, j int) {
	slice[i], slice[j] = slice[j], slice[i]
}

// helper for launching goroutines with the appropriate panic handler
func withRecover(fn func()) {
	defer func() {
		if PanicHandler != nil {
			if err := recover(); err != nil {
				PanicHandler(err)
			}
		}
	}()

	fn()
}

// Encoder is a simple interface for any type that can be encoded as an array of bytes
// in order to be sent as the key or value of a Kafka message. Length() is provided as an
// optimization, and must return the same as len() on the result of Encode().
type Encoder interface {
	Encode() ([]byte, error)
	Length() int
}

// make strings and byte slices encodable for convenience so they can be used as keys
// and/or values in kafka messages

// StringEncoder implements the Encoder interface for Go strings so that you can do things like
//
//	producer.Send(&kafka.ProducerMessage{Topic: "t", Value: kafka.StringEncoder("hello world")})
type StringEncoder string

func (s StringEncoder) Encode() ([]byte, error) {
	return []byte(s), nil
}

func (s StringEncoder) Length() int {
	return len(s)
}

// ByteEncoder implements the Encoder interface for Go byte slices so that you can do things like
//
//	producer.Send(&kafka.ProducerMessage{Topic: "t", Value: kafka.ByteEncoder([]byte{0x00})})
type ByteEncoder []byte

func (b ByteEncoder) Encode() ([]byte, error) {
	return b, nil
}

func (b ByteEncoder) Length() int {
	return len(b)
}

// KafkaVersion instances represent versions of the upstream Kafka broker.
type KafkaVersion struct {
	// it's a struct rather than just typing the array directly to make it opaque and stop people
	// generating their own arbitrary versions
	version [4]uint
}

func newKafkaVersion(major, minor, veryMinor, patch uint) KafkaVersion {
	return KafkaVersion{
		version: [4]uint{major, minor, veryMinor, patch},
	}
}

// IsAtLeast return true if and only if the version it is called on is
// greater than or equal to the version passed in:
//
//	V0_9_0_0.IsAtLeast(V0_10_0_0) // false
//	V0_10_0_0.IsAtLeast(V0_9_0_0) // true
func (v KafkaVersion) IsAtLeast(other KafkaVersion) bool {
	for i := range v.version {
		if v.version[i] > other.version[i] {
			return true
		} else if v.version[i] < other.version[i] {
			return false
		}
	}
	return true
}

func (v KafkaVersion) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.version[0], v.version[1], v.version[2], v.version[3])
}

// Effective constants defining the supported kafka versions.
var (
	V0_8_2_0  = newKafkaVersion(0, 8, 2, 0)
	V0_9_0_0  = newKafkaVersion(0, 9, 0, 0)
	V0_10_0_0 = newKafkaVersion(0, 10, 0, 0)
	V0_10_1_0 = newKafkaVersion(0, 10, 1, 0)

	SupportedVersions = []KafkaVersion{
		V0_8_2_0,
		V0_9_0_0,
		V0_10_0_0,
		V0_10_1_0,
	}
	MinVersion     = V0_8_2_0
	MaxVersion     = V0_10_1_0
	DefaultVersion = V0_10_1_0
)

var validVersion = regexp.MustCompile(`^0\.\d+\.\d+\.\d+$`)

// ParseKafkaVersion parses a "0.10.1.0" style version string. Only SupportedVersions are accepted.
func ParseKafkaVersion(s string) (KafkaVersion, error) {
	if !validVersion.MatchString(s) {
		return DefaultVersion, fmt.Errorf("invalid version `%s`", s)
	}

	var major, minor, veryMinor, patch uint
	if _, err := fmt.Sscanf(s, "%d.%d.%d.%d", &major, &minor, &veryMinor, &patch); err != nil {
		return DefaultVersion, err
	}

	version := newKafkaVersion(major, minor, veryMinor, patch)
	if !version.supported() {
		return DefaultVersion, fmt.Errorf("unsupported version `%s`", s)
	}
	return version, nil
}

func (v KafkaVersion) supported() bool {
	for _, supported := range SupportedVersions {
		if v == supported {
			return true
		}
	}
	return false
}

// apiVersions are the request versions and message format spoken to a broker of a given version.
type apiVersions struct {
	produce      int16
	fetch        int16
	listOffsets  int16
	metadata     int16
	offsetCommit int16
	offsetFetch  int16
	magic        int8
}

func (v KafkaVersion) apiVersions() apiVersions {
	versions := apiVersions{offsetCommit: 1, offsetFetch: 1, magic: protocol.MagicV0}
	if v.IsAtLeast(V0_9_0_0) {
		versions.produce = 1
		versions.fetch = 1
		versions.offsetCommit = 2
	}
	if v.IsAtLeast(V0_10_0_0) {
		versions.produce = 2
		versions.fetch = 2
		versions.metadata = 1
		versions.magic = protocol.MagicV1
	}
	if v.IsAtLeast(V0_10_1_0) {
		versions.listOffsets = 1
	}
	return versions
}

func brokerName(id int32, addr string) string {
	if id < 0 {
		return addr
	}
	return strconv.Itoa(int(id))
}
