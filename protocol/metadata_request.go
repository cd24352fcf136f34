package protocol

import enc "github.com/stratalog/kwire/encoding"

// MetadataRequest asks for the brokers and the partition layout of Topics; no topics means
// every topic in the cluster.
type MetadataRequest struct {
	Version int16
	Topics  []string
}

func (r *MetadataRequest) Encode(pe enc.PacketEncoder) error {
	if r.Version >= 1 && len(r.Topics) == 0 {
		// version 1 distinguishes "all topics" (null) from "no topics" (empty)
		pe.PutInt32(-1)
		return nil
	}
	return pe.PutStringArray(r.Topics)
}

func (r *MetadataRequest) Decode(pd enc.PacketDecoder, version int16) (err error) {
	r.Version = version
	r.Topics, err = pd.GetStringArray()
	return err
}

func (r *MetadataRequest) APIKey() int16 {
	return APIKeyMetadata
}

func (r *MetadataRequest) APIVersion() int16 {
	return r.Version
}
