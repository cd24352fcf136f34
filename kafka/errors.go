package kafka

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/stratalog/kwire/types"
)

// ErrOutOfBrokers is the error returned when the client has run out of brokers to talk to because all of them errored
// or otherwise failed to respond.
var ErrOutOfBrokers = errors.New("kafka: client has run out of available brokers to talk to (Is your cluster reachable?)")

// ErrClosedClient is the error returned when a method is called on a client that has been closed.
var ErrClosedClient = errors.New("kafka: tried to use a client that was closed")

// ErrIncompleteResponse is the error returned when the server returns a syntactically valid response, but it does
// not contain the expected information.
var ErrIncompleteResponse = errors.New("kafka: response did not contain all the expected topic/partition blocks")

// ErrConnectionLost is wrapped by every error that completes a request whose broker connection
// failed, was rejected while dialing, or was closed.
var ErrConnectionLost = errors.New("kafka: broker connection lost")

// ErrRequestTimeout is returned when no response arrived within Net.RequestTimeout. The
// connection stays open.
var ErrRequestTimeout = errors.New("kafka: request timed out")

// ErrRoutingExhausted is matched by every RoutingExhaustedError.
var ErrRoutingExhausted = errors.New("kafka: retries exhausted")

// ErrNoPartitions is returned by a Partitioner asked to choose among zero partitions.
var ErrNoPartitions = errors.New("kafka: topic has no partitions")

// ErrMessageSizeTooLarge is returned when a produced message is larger than Producer.MaxMessageBytes.
var ErrMessageSizeTooLarge = errors.New("kafka: message is larger than Producer.MaxMessageBytes")

// ErrMessageTooLarge is returned when a single message does not fit in Consumer.Fetch.Max bytes.
var ErrMessageTooLarge = errors.New("kafka: message is larger than Consumer.Fetch.Max")

// ErrInvalidPartition is the error returned when a partitioner returns an invalid partition index
// (meaning one outside of the range [0...numPartitions-1]).
var ErrInvalidPartition = errors.New("kafka: partitioner returned an invalid partition index")

// ErrShuttingDown is returned when a producer receives a message during shutdown.
var ErrShuttingDown = errors.New("kafka: message received by producer in process of shutting down")

// ErrAlreadyConsuming is returned when a partition already has a PartitionConsumer.
var ErrAlreadyConsuming = errors.New("kafka: that topic/partition is already being consumed")

var errBrokerClosed = errors.New("kafka: broker connection closed")

// ConfigurationError is the type of error returned from a constructor (e.g. NewClient, or NewConsumer)
// when the specified configuration is invalid.
type ConfigurationError string

func (err ConfigurationError) Error() string {
	return "kafka: invalid configuration (" + string(err) + ")"
}

// ConnectionLostError completes every request pending on a connection that went away.
// It matches ErrConnectionLost and unwraps to the cause.
type ConnectionLostError struct {
	Broker string
	Err    error
}

func (err *ConnectionLostError) Error() string {
	return fmt.Sprintf("kafka: broker %s connection lost: %v", err.Broker, err.Err)
}

func (err *ConnectionLostError) Unwrap() error {
	return err.Err
}

func (err *ConnectionLostError) Is(target error) bool {
	return target == ErrConnectionLost
}

// RoutingExhaustedError is returned once the retry bound is reached on a retriable error, typically
// because leadership of the partition never stabilized. Unwrap yields the last error.
type RoutingExhaustedError struct {
	types.TopicPartition
	Attempts int
	Err      error
}

func (err *RoutingExhaustedError) Error() string {
	if err.Topic == "" {
		return fmt.Sprintf("kafka: giving up after %d attempts: %v", err.Attempts, err.Err)
	}
	return fmt.Sprintf("kafka: giving up on %s after %d attempts: %v", err.TopicPartition, err.Attempts, err.Err)
}

func (err *RoutingExhaustedError) Unwrap() error {
	return err.Err
}

func (err *RoutingExhaustedError) Is(target error) bool {
	return target == ErrRoutingExhausted
}

// MetadataError is returned when no broker answered a metadata request. It aggregates the error
// of every broker tried.
type MetadataError struct {
	Err *multierror.Error
}

func (err *MetadataError) Error() string {
	return "kafka: metadata refresh failed: " + err.Err.Error()
}

func (err *MetadataError) Unwrap() error {
	return err.Err
}

func (err *MetadataError) Is(target error) bool {
	return target == ErrOutOfBrokers
}

// ConsumerError is what is provided to the user when an error occurs.
// It wraps an error and includes the topic and partition.
type ConsumerError struct {
	Topic     string
	Partition int32
	Err       error
}

func (ce ConsumerError) Error() string {
	return fmt.Sprintf("kafka: error while consuming %s/%d: %s", ce.Topic, ce.Partition, ce.Err)
}

func (ce ConsumerError) Unwrap() error {
	return ce.Err
}

// leadershipError reports partition errors that mean the cached leader is wrong.
func leadershipError(err error) bool {
	var kerr types.KError
	if errors.As(err, &kerr) {
		switch kerr {
		case types.ErrNotLeaderForPartition, types.ErrLeaderNotAvailable, types.ErrUnknownTopicOrPartition:
			return true
		}
		return false
	}
	return errors.Is(err, ErrConnectionLost)
}

// coordinatorError reports errors that mean the cached group coordinator is wrong.
func coordinatorError(err error) bool {
	var kerr types.KError
	if errors.As(err, &kerr) {
		return kerr == types.ErrNotCoordinator || kerr == types.ErrCoordinatorNotAvailable
	}
	return errors.Is(err, ErrConnectionLost)
}

// retriable reports whether a request failing with err may succeed when sent again. A
// *MetadataError is not, although its causes are lost connections: the metadata sweep has
// already retried every broker.
func retriable(err error) bool {
	var merr *MetadataError
	if errors.As(err, &merr) {
		return false
	}
	if errors.Is(err, ErrConnectionLost) {
		return true
	}
	var kerr types.KError
	if errors.As(err, &kerr) {
		return kerr.Retriable()
	}
	return false
}
