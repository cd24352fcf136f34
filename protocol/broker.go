package protocol

import (
	"net"
	"strconv"

	enc "github.com/stratalog/kwire/encoding"
)

// Broker identifies one member of the cluster as advertised in metadata. It is immutable;
// a refresh replaces brokers wholesale.
type Broker struct {
	ID   int32
	Host string
	Port int32
	Rack *string
}

// NewBroker returns a Broker for host:port with an unknown id.
func NewBroker(addr string) (*Broker, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseInt(portStr, 10, 32)
	if err != nil {
		return nil, err
	}
	return &Broker{ID: -1, Host: host, Port: int32(port)}, nil
}

// Addr returns host:port.
func (b *Broker) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(int(b.Port)))
}

func (b *Broker) String() string {
	return strconv.Itoa(int(b.ID)) + "@" + b.Addr()
}

func (b *Broker) encode(pe enc.PacketEncoder, version int16) error {
	pe.PutInt32(b.ID)
	if err := pe.PutString(b.Host); err != nil {
		return err
	}
	pe.PutInt32(b.Port)
	if version >= 1 {
		return pe.PutNullableString(b.Rack)
	}
	return nil
}

func (b *Broker) decode(pd enc.PacketDecoder, version int16) (err error) {
	if b.ID, err = pd.GetInt32(); err != nil {
		return err
	}
	if b.Host, err = pd.GetString(); err != nil {
		return err
	}
	if b.Port, err = pd.GetInt32(); err != nil {
		return err
	}
	if version >= 1 {
		b.Rack, err = pd.GetNullableString()
	}
	return err
}
