package protocol

import (
	enc "github.com/stratalog/kwire/encoding"
	"github.com/stratalog/kwire/types"
)

// FindCoordinatorRequest (ConsumerMetadata in Kafka 0.8.2) asks which broker coordinates a group.
type FindCoordinatorRequest struct {
	Version       int16
	ConsumerGroup string
}

func (r *FindCoordinatorRequest) Encode(pe enc.PacketEncoder) error {
	return pe.PutString(r.ConsumerGroup)
}

func (r *FindCoordinatorRequest) Decode(pd enc.PacketDecoder, version int16) (err error) {
	r.Version = version
	r.ConsumerGroup, err = pd.GetString()
	return err
}

func (r *FindCoordinatorRequest) APIKey() int16 {
	return APIKeyFindCoordinator
}

func (r *FindCoordinatorRequest) APIVersion() int16 {
	return r.Version
}

type FindCoordinatorResponse struct {
	Version     int16
	Err         types.KError
	Coordinator *Broker
}

func (r *FindCoordinatorResponse) Encode(pe enc.PacketEncoder) error {
	pe.PutInt16(int16(r.Err))
	coordinator := r.Coordinator
	if coordinator == nil {
		coordinator = &Broker{ID: -1, Port: -1}
	}
	return coordinator.encode(pe, 0)
}

func (r *FindCoordinatorResponse) Decode(pd enc.PacketDecoder, version int16) (err error) {
	r.Version = version

	if r.Err, err = getKError(pd); err != nil {
		return err
	}

	coordinator := new(Broker)
	if err = coordinator.decode(pd, 0); err != nil {
		return err
	}
	if coordinator.ID != -1 || coordinator.Host != "" {
		r.Coordinator = coordinator
	}
	return nil
}

func (r *FindCoordinatorResponse) APIKey() int16 {
	return APIKeyFindCoordinator
}

func (r *FindCoordinatorResponse) APIVersion() int16 {
	return r.Version
}
