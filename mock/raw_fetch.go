package mock

import (
	"errors"

	enc "github.com/stratalog/kwire/encoding"
	"github.com/stratalog/kwire/protocol"
	"github.com/stratalog/kwire/types"
)

type rawFetchBlock struct {
	err types.KError
	hwm int64
	set []byte
}

// rawFetchResponse writes message sets as raw bytes so that the last message can be cut short,
// which protocol.FetchResponse cannot express.
type rawFetchResponse struct {
	version int16
	blocks  map[string]map[int32]*rawFetchBlock
}

func (r *rawFetchResponse) Encode(pe enc.PacketEncoder) error {
	if r.version >= 1 {
		pe.PutInt32(0) // throttle time
	}
	if err := pe.PutArrayLength(len(r.blocks)); err != nil {
		return err
	}
	for topic, partitions := range r.blocks {
		if err := pe.PutString(topic); err != nil {
			return err
		}
		if err := pe.PutArrayLength(len(partitions)); err != nil {
			return err
		}
		for partition, block := range partitions {
			pe.PutInt32(partition)
			pe.PutInt16(int16(block.err))
			pe.PutInt64(block.hwm)
			pe.PutInt32(int32(len(block.set)))
			if err := pe.PutRawBytes(block.set); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *rawFetchResponse) Decode(pd enc.PacketDecoder, version int16) error {
	return errors.New("mock: raw fetch responses are write only")
}

func (r *rawFetchResponse) APIKey() int16 {
	return protocol.APIKeyFetch
}

func (r *rawFetchResponse) APIVersion() int16 {
	return r.version
}
