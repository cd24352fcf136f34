package kafka

import (
	"crypto/tls"
	"fmt"
	"regexp"
	"time"

	"github.com/rcrowley/go-metrics"
	"golang.org/x/net/proxy"

	"github.com/stratalog/kwire/types"
)

const defaultClientID = "kwire"

var validID = regexp.MustCompile(`\A[A-Za-z0-9._-]+\z`)

// SASLMechanism specifies the SASL mechanism the client uses to authenticate with the broker
type SASLMechanism string

const (
	// SASLTypePlaintext represents the SASL/PLAIN mechanism
	SASLTypePlaintext = SASLMechanism("PLAIN")
	// SASLTypeSCRAMSHA256 represents the SCRAM-SHA-256 mechanism.
	SASLTypeSCRAMSHA256 = SASLMechanism("SCRAM-SHA-256")
	// SASLTypeSCRAMSHA512 represents the SCRAM-SHA-512 mechanism.
	SASLTypeSCRAMSHA512 = SASLMechanism("SCRAM-SHA-512")

	// SASLHandshakeV0 is v0 of the Kafka SASL handshake protocol. Client and
	// server negotiate SASL auth using opaque packets.
	SASLHandshakeV0 = int16(0)
	// SASLHandshakeV1 is v1 of the Kafka SASL handshake protocol. Client and
	// server negotiate SASL by wrapping tokens with Kafka protocol headers.
	SASLHandshakeV1 = int16(1)
)

// SCRAMClient is a an interface to a SCRAM
// client implementation.
type SCRAMClient interface {
	// Begin prepares the client for the SCRAM exchange
	// with the server with a user name and a password
	Begin(userName, password, authzID string) error
	// Step steps client through the SCRAM exchange. It is
	// called repeatedly until it errors or `Done` returns true.
	Step(challenge string) (response string, err error)
	// Done should return true when the SCRAM conversation
	// is over.
	Done() bool
}

// Config is used to pass multiple configuration options to kwire's constructors.
type Config struct {
	// Net is the namespace for network-level properties used by the Broker, and
	// shared by the Client/Producer/Consumer.
	Net struct {
		// All three of the below configurations are similar to the
		// `socket.timeout.ms` setting in JVM kafka. All of them default
		// to 30 seconds.
		DialTimeout    time.Duration // How long to wait for the initial connection.
		WriteTimeout   time.Duration // How long to wait for a request to be written.
		RequestTimeout time.Duration // How long to wait for the response to a request.

		// KeepAlive specifies the keep-alive period for an active network connection (defaults to 0).
		// If zero or positive, keep-alives are enabled.
		// If negative, keep-alives are disabled.
		KeepAlive time.Duration

		// How long to wait before dialing a broker again after a failed or lost
		// connection (default 100ms). The wait doubles for every consecutive failure
		// up to ReconnectBackoffMax (default 10s), and resets once a connection
		// has served a response.
		ReconnectBackoff    time.Duration
		ReconnectBackoffMax time.Duration

		// The largest response the client will read (default 100MiB); larger frames
		// are treated as a protocol violation.
		MaxResponseSize int32

		// NOTE: These are not currently configurable per-broker.
		TLS struct {
			// Whether or not to use TLS when connecting to the broker
			// (defaults to false).
			Enable bool
			// The TLS configuration to use for secure connections if
			// enabled (defaults to nil).
			Config *tls.Config
		}

		// SASL based authentication with broker. While there are multiple SASL authentication methods
		// the current implementation is limited to plaintext (SASL/PLAIN) and SCRAM authentication.
		SASL struct {
			// Whether or not to use SASL authentication when connecting to the broker
			// (defaults to false).
			Enable bool
			// SASLMechanism is the name of the enabled SASL mechanism.
			// Possible values: PLAIN, SCRAM-SHA-256, SCRAM-SHA-512 (defaults to PLAIN)
			Mechanism SASLMechanism
			// Version is the SASL Protocol Version to use
			// Kafka > 1.x should use V1, except on Azure EventHub which use V0
			Version int16
			// Whether or not to send the Kafka SASL handshake first if enabled
			// (defaults to true). You should only set this to false if you're using
			// a non-Kafka SASL proxy.
			Handshake bool
			// AuthIdentity is an (optional) authorization identity (authzid) to
			// use for SASL/PLAIN authentication (if different from User) when
			// an authenticated user is permitted to act as the presented
			// alternative user. See RFC4616 for details.
			AuthIdentity string
			// User is the authentication identity (authcid) to present for
			// SASL/PLAIN or SASL/SCRAM authentication
			User string
			// Password for SASL/PLAIN authentication
			Password string
			// SCRAMAuthzID is an optional authorization identity (authzid)
			// for SASL/SCRAM authentication.
			SCRAMAuthzID string
			// SCRAMClientGeneratorFunc builds the SCRAM client of every connection. When nil
			// an xdg-go/scram client matching Mechanism is used.
			SCRAMClientGeneratorFunc func() SCRAMClient
		}

		// Proxy is the proxy to use for the connections to the brokers.
		Proxy struct {
			// Whether or not to use proxy when connecting to the broker
			// (defaults to false).
			Enable bool
			// The proxy dialer to use enabled (defaults to nil).
			Dialer proxy.Dialer
		}
	}

	// Metadata is the namespace for metadata management properties used by the
	// Client, and shared by the Producer/Consumer.
	Metadata struct {
		Retry struct {
			// The total number of times to sweep the known brokers for metadata
			// when no broker answers (default 3).
			Max int
			// How long to wait between sweeps (default 250ms).
			Backoff time.Duration
		}
		// Whether to maintain a full set of metadata for all topics, or just
		// the minimal set that has been necessary so far. The full set is simpler
		// and usually more convenient, but can take up a substantial amount of
		// memory if you have many topics and partitions. Defaults to true.
		Full bool
	}

	// Router is the namespace for the leader routing and failover policy shared by
	// every partition request.
	Router struct {
		Retry struct {
			// The total number of times to retry a partition request after the first
			// attempt (default 5).
			Max int
			// How long to wait before the first retry (default 100ms). The wait doubles
			// for every further retry up to MaxBackoff (default 2s).
			Backoff    time.Duration
			MaxBackoff time.Duration
			// Randomizes every wait by up to this factor, between 0 and 1 (default 0.2).
			Jitter float64
		}
	}

	// Producer is the namespace for configuration related to producing messages,
	// used by the Producer.
	Producer struct {
		// The maximum permitted size of a message (defaults to 1000000). Should be
		// set equal to or smaller than the broker's `message.max.bytes`.
		MaxMessageBytes int
		// The level of acknowledgement reliability needed from the broker (defaults
		// to WaitForLocal). Equivalent to the `request.required.acks` setting of the
		// JVM producer.
		RequiredAcks types.RequiredAcks
		// The maximum duration the broker will wait the receipt of the number of
		// RequiredAcks (defaults to 10 seconds). This is only relevant when
		// RequiredAcks is set to WaitForAll or a number > 1. Only supports
		// millisecond resolution, nanoseconds will be truncated. Equivalent to
		// the JVM producer's `request.timeout.ms` setting.
		Timeout time.Duration
		// The type of compression to use on messages (defaults to no compression).
		// Similar to `compression.codec` setting of the JVM producer.
		Compression types.CompressionCodec
		// The level of compression to use on messages. The meaning depends
		// on the actual compression type used and defaults to default compression
		// level for the codec.
		CompressionLevel int
		// Generates partitioners for choosing the partition to send messages to
		// (defaults to hashing the message key). Similar to the `partitioner.class`
		// setting for the JVM producer.
		Partitioner PartitionerConstructor

		// The following config options control how often messages are batched up and
		// sent to the broker. By default, messages are sent as fast as possible, and
		// all messages received while the current batch is in-flight are placed
		// into the subsequent batch.
		Flush struct {
			// The best-effort number of bytes needed to trigger a flush. Use the
			// global kafka.MaxRequestSize to set a hard upper limit.
			Bytes int
			// The best-effort number of messages needed to trigger a flush. Use
			// `MaxMessages` to set a hard upper limit.
			Messages int
			// The best-effort frequency of flushes. Equivalent to
			// `queue.buffering.max.ms` setting of JVM producer.
			Frequency time.Duration
		}

		// The number of messages buffered ahead of every partition's batch aggregator
		// (defaults to 256).
		ChannelBufferSize int
	}

	// Consumer is the namespace for configuration related to consuming messages,
	// used by the Consumer.
	Consumer struct {
		Retry struct {
			// How long to wait after a failing to read from a partition before
			// trying again (default 2s).
			Backoff time.Duration
		}

		// Fetch is the namespace for controlling how many bytes are retrieved by any
		// given request.
		Fetch struct {
			// The minimum number of message bytes to fetch in a request - the broker
			// will wait until at least this many are available. The default is 1,
			// as 0 causes the consumer to spin when no messages are available.
			// Equivalent to the JVM's `fetch.min.bytes`.
			Min int32
			// The default number of message bytes to fetch from the broker in each
			// request (default 1MB). This should be larger than the majority of
			// your messages, or else the consumer will spend a lot of time
			// negotiating sizes and not actually consuming. Similar to the JVM's
			// `fetch.message.max.bytes`.
			Default int32
			// The maximum number of message bytes to fetch from the broker in a
			// single request. Messages larger than this will return
			// ErrMessageTooLarge and will not be consumable, so you must be sure
			// this is at least as large as your largest message. Defaults to 0
			// (no limit). Similar to the JVM's `fetch.message.max.bytes`. The
			// global `kafka.MaxResponseSize` still applies.
			Max int32
		}
		// The maximum amount of time the broker will wait for Consumer.Fetch.Min
		// bytes to become available before it returns fewer than that anyways. The
		// default is 250ms, since 0 causes the consumer to spin when no events are
		// available. 100-500ms is a reasonable range for most cases. Kafka only
		// supports precision up to milliseconds; nanoseconds will be truncated.
		// Equivalent to the JVM's `fetch.wait.max.ms`.
		MaxWaitTime time.Duration

		Offsets struct {
			// The initial offset to use if no offset was previously committed.
			// Should be OffsetNewest or OffsetOldest. Defaults to OffsetNewest.
			Initial int64
		}

		// The number of errors buffered by every PartitionConsumer (defaults to 256).
		ChannelBufferSize int
	}

	// A user-provided string sent with every request to the brokers for logging,
	// debugging, and auditing purposes. Defaults to "kwire", but you should
	// probably set it to something specific to your application.
	ClientID string
	// The version of Kafka that kwire will assume it is running against.
	// Defaults to the newest supported version. Setting it to a version
	// older than you have deployed is safe, it only selects older request
	// versions and message formats.
	Version KafkaVersion
	// The registry to define metrics into.
	// Defaults to a local registry.
	// If you want to disable metrics gathering, set "metrics.UseNilMetrics" to "true"
	// prior to starting kwire.
	// See Examples on how to use the metrics registry
	MetricRegistry metrics.Registry
}

// NewConfig returns a new configuration instance with sane defaults.
func NewConfig() *Config {
	c := &Config{}

	c.Net.DialTimeout = 30 * time.Second
	c.Net.WriteTimeout = 30 * time.Second
	c.Net.RequestTimeout = 30 * time.Second
	c.Net.ReconnectBackoff = 100 * time.Millisecond
	c.Net.ReconnectBackoffMax = 10 * time.Second
	c.Net.MaxResponseSize = 100 * 1024 * 1024
	c.Net.SASL.Handshake = true
	c.Net.SASL.Version = SASLHandshakeV0

	c.Metadata.Retry.Max = 3
	c.Metadata.Retry.Backoff = 250 * time.Millisecond
	c.Metadata.Full = true

	c.Router.Retry.Max = 5
	c.Router.Retry.Backoff = 100 * time.Millisecond
	c.Router.Retry.MaxBackoff = 2 * time.Second
	c.Router.Retry.Jitter = 0.2

	c.Producer.MaxMessageBytes = 1000000
	c.Producer.RequiredAcks = types.WaitForLocal
	c.Producer.Timeout = 10 * time.Second
	c.Producer.Partitioner = NewHashPartitioner
	c.Producer.CompressionLevel = types.CompressionLevelDefault
	c.Producer.ChannelBufferSize = 256

	c.Consumer.Fetch.Min = 1
	c.Consumer.Fetch.Default = 1024 * 1024
	c.Consumer.Retry.Backoff = 2 * time.Second
	c.Consumer.MaxWaitTime = 250 * time.Millisecond
	c.Consumer.Offsets.Initial = int64(types.OffsetNewest)
	c.Consumer.ChannelBufferSize = 256

	c.ClientID = defaultClientID
	c.Version = DefaultVersion
	c.MetricRegistry = metrics.NewRegistry()

	return c
}

// Validate checks a Config instance. It will return a
// ConfigurationError if the specified values don't make sense.
//
//nolint:gocyclo // This function's cyclomatic complexity has go beyond 100
func (c *Config) Validate() error {
	// some configuration values should be warned on but not fail completely, do those first
	if !c.Net.TLS.Enable && c.Net.TLS.Config != nil {
		Logger.Println("Net.TLS is disabled but a non-nil configuration was provided.")
	}
	if !c.Net.SASL.Enable {
		if c.Net.SASL.User != "" {
			Logger.Println("Net.SASL is disabled but a non-empty username was provided.")
		}
		if c.Net.SASL.Password != "" {
			Logger.Println("Net.SASL is disabled but a non-empty password was provided.")
		}
	}
	if c.Producer.RequiredAcks > 1 {
		Logger.Println("Producer.RequiredAcks > 1 is deprecated and will raise an exception with kafka >= 0.8.2.0.")
	}
	if c.Producer.Flush.Frequency > 0 && c.Producer.Flush.Frequency < time.Millisecond {
		Logger.Println("Producer.Flush.Frequency is extremely low and will likely saturate the broker.")
	}
	if c.Consumer.Fetch.Default < 100 {
		Logger.Println("Consumer.Fetch.Default is very low, which can cause the consumer to negotiate fetch sizes for most messages.")
	}
	if c.ClientID == defaultClientID {
		Logger.Println("ClientID is the default of 'kwire', you should consider setting it to something application-specific.")
	}

	// validate Net values
	switch {
	case c.Net.DialTimeout <= 0:
		return ConfigurationError("Net.DialTimeout must be > 0")
	case c.Net.WriteTimeout <= 0:
		return ConfigurationError("Net.WriteTimeout must be > 0")
	case c.Net.RequestTimeout <= 0:
		return ConfigurationError("Net.RequestTimeout must be > 0")
	case c.Net.ReconnectBackoff < 0:
		return ConfigurationError("Net.ReconnectBackoff must be >= 0")
	case c.Net.ReconnectBackoffMax < c.Net.ReconnectBackoff:
		return ConfigurationError("Net.ReconnectBackoffMax must be >= Net.ReconnectBackoff")
	case c.Net.MaxResponseSize <= 0:
		return ConfigurationError("Net.MaxResponseSize must be > 0")
	case c.Net.Proxy.Enable && c.Net.Proxy.Dialer == nil:
		return ConfigurationError("Net.Proxy.Dialer must not be nil when the proxy is enabled")
	case c.Net.SASL.Enable:
		if c.Net.SASL.Mechanism == "" {
			c.Net.SASL.Mechanism = SASLTypePlaintext
		}

		switch c.Net.SASL.Mechanism {
		case SASLTypePlaintext, SASLTypeSCRAMSHA256, SASLTypeSCRAMSHA512:
		default:
			msg := fmt.Sprintf("The SASL mechanism configuration is invalid. Possible values are `%s`, `%s` and `%s`",
				SASLTypePlaintext, SASLTypeSCRAMSHA256, SASLTypeSCRAMSHA512)
			return ConfigurationError(msg)
		}
		if c.Net.SASL.Version != SASLHandshakeV0 && c.Net.SASL.Version != SASLHandshakeV1 {
			return ConfigurationError("Net.SASL.Version must be SASLHandshakeV0 or SASLHandshakeV1")
		}
		if c.Net.SASL.User == "" {
			return ConfigurationError("Net.SASL.User must not be empty when SASL is enabled")
		}
		if c.Net.SASL.Password == "" {
			return ConfigurationError("Net.SASL.Password must not be empty when SASL is enabled")
		}
	}

	// validate the Metadata values
	switch {
	case c.Metadata.Retry.Max < 0:
		return ConfigurationError("Metadata.Retry.Max must be >= 0")
	case c.Metadata.Retry.Backoff < 0:
		return ConfigurationError("Metadata.Retry.Backoff must be >= 0")
	}

	// validate the Router values
	switch {
	case c.Router.Retry.Max < 0:
		return ConfigurationError("Router.Retry.Max must be >= 0")
	case c.Router.Retry.Backoff < 0:
		return ConfigurationError("Router.Retry.Backoff must be >= 0")
	case c.Router.Retry.MaxBackoff < c.Router.Retry.Backoff:
		return ConfigurationError("Router.Retry.MaxBackoff must be >= Router.Retry.Backoff")
	case c.Router.Retry.Jitter < 0 || c.Router.Retry.Jitter > 1:
		return ConfigurationError("Router.Retry.Jitter must be between 0 and 1")
	}

	// validate the Producer values
	switch {
	case c.Producer.MaxMessageBytes <= 0:
		return ConfigurationError("Producer.MaxMessageBytes must be > 0")
	case c.Producer.RequiredAcks < -1:
		return ConfigurationError("Producer.RequiredAcks must be >= -1")
	case c.Producer.Timeout <= 0:
		return ConfigurationError("Producer.Timeout must be > 0")
	case c.Producer.Partitioner == nil:
		return ConfigurationError("Producer.Partitioner must not be nil")
	case c.Producer.Flush.Bytes < 0:
		return ConfigurationError("Producer.Flush.Bytes must be >= 0")
	case c.Producer.Flush.Messages < 0:
		return ConfigurationError("Producer.Flush.Messages must be >= 0")
	case c.Producer.Flush.Frequency < 0:
		return ConfigurationError("Producer.Flush.Frequency must be >= 0")
	case c.Producer.ChannelBufferSize < 0:
		return ConfigurationError("Producer.ChannelBufferSize must be >= 0")
	}

	switch c.Producer.Compression {
	case types.CompressionNone, types.CompressionGZIP, types.CompressionSnappy, types.CompressionLZ4:
	case types.CompressionZSTD:
		return ConfigurationError("zstd compression needs record batches, which no supported Version speaks")
	default:
		return ConfigurationError(fmt.Sprintf("Producer.Compression %s is not supported", c.Producer.Compression))
	}
	if c.Producer.Compression == types.CompressionLZ4 && !c.Version.IsAtLeast(V0_10_0_0) {
		return ConfigurationError("lz4 compression requires Version >= V0_10_0_0")
	}

	// validate the Consumer values
	switch {
	case c.Consumer.Fetch.Min <= 0:
		return ConfigurationError("Consumer.Fetch.Min must be > 0")
	case c.Consumer.Fetch.Default <= 0:
		return ConfigurationError("Consumer.Fetch.Default must be > 0")
	case c.Consumer.Fetch.Max < 0:
		return ConfigurationError("Consumer.Fetch.Max must be >= 0")
	case c.Consumer.Fetch.Max > 0 && c.Consumer.Fetch.Max < c.Consumer.Fetch.Default:
		return ConfigurationError("Consumer.Fetch.Max must be 0 or >= Consumer.Fetch.Default")
	case c.Consumer.MaxWaitTime < 1*time.Millisecond:
		return ConfigurationError("Consumer.MaxWaitTime must be >= 1ms")
	case c.Consumer.Retry.Backoff < 0:
		return ConfigurationError("Consumer.Retry.Backoff must be >= 0")
	case c.Consumer.Offsets.Initial != int64(types.OffsetOldest) && c.Consumer.Offsets.Initial != int64(types.OffsetNewest):
		return ConfigurationError("Consumer.Offsets.Initial must be OffsetOldest or OffsetNewest")
	case c.Consumer.ChannelBufferSize < 0:
		return ConfigurationError("Consumer.ChannelBufferSize must be >= 0")
	}

	// validate misc shared values
	switch {
	case !c.Version.supported():
		return ConfigurationError(fmt.Sprintf("Version %s is not supported", c.Version))
	case c.ClientID == "":
		return ConfigurationError("ClientID is invalid")
	case !validID.MatchString(c.ClientID):
		return ConfigurationError(fmt.Sprintf("ClientID value %q is not valid for Kafka versions before 1.0.0", c.ClientID))
	case c.MetricRegistry == nil:
		return ConfigurationError("MetricRegistry must not be nil")
	}

	return nil
}
