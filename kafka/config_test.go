package kafka

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratalog/kwire/types"
)

func TestDefaultConfigValidates(t *testing.T) {
	config := NewTestConfig()
	if err := config.Validate(); err != nil {
		t.Error(err)
	}
	if config.MetricRegistry == nil {
		t.Error("Expected non nil metrics.MetricRegistry, got nil")
	}
}

func TestInvalidClientIDValidated(t *testing.T) {
	for _, clientID := range []string{"", "foo:bar", "foo|bar"} {
		config := NewTestConfig()
		config.ClientID = clientID

		err := config.Validate()
		var target ConfigurationError
		require.ErrorAs(t, err, &target, "client id %q", clientID)
	}
}

func TestUnsupportedVersionIsConfigurationError(t *testing.T) {
	config := NewTestConfig()
	config.Version = newKafkaVersion(0, 11, 0, 0)

	err := config.Validate()
	var target ConfigurationError
	require.ErrorAs(t, err, &target)
	assert.Contains(t, err.Error(), "Version 0.11.0.0 is not supported")
}

func TestParseKafkaVersion(t *testing.T) {
	v, err := ParseKafkaVersion("0.10.1.0")
	require.NoError(t, err)
	assert.Equal(t, V0_10_1_0, v)

	for _, s := range []string{"1.0.0", "0.11.0.0", "banana"} {
		_, err := ParseKafkaVersion(s)
		assert.Error(t, err, s)
	}
}

func TestNetConfigValidates(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(*Config)
		err  string
	}{
		{
			"DialTimeout",
			func(cfg *Config) { cfg.Net.DialTimeout = 0 },
			"Net.DialTimeout must be > 0",
		},
		{
			"RequestTimeout",
			func(cfg *Config) { cfg.Net.RequestTimeout = 0 },
			"Net.RequestTimeout must be > 0",
		},
		{
			"ReconnectBackoffMax",
			func(cfg *Config) {
				cfg.Net.ReconnectBackoff = time.Second
				cfg.Net.ReconnectBackoffMax = time.Millisecond
			},
			"Net.ReconnectBackoffMax must be >= Net.ReconnectBackoff",
		},
		{
			"ProxyDialer",
			func(cfg *Config) { cfg.Net.Proxy.Enable = true },
			"Net.Proxy.Dialer must not be nil when the proxy is enabled",
		},
		{
			"SASL.User",
			func(cfg *Config) {
				cfg.Net.SASL.Enable = true
				cfg.Net.SASL.User = ""
				cfg.Net.SASL.Password = "secret"
			},
			"Net.SASL.User must not be empty when SASL is enabled",
		},
		{
			"SASL.Password",
			func(cfg *Config) {
				cfg.Net.SASL.Enable = true
				cfg.Net.SASL.User = "user"
				cfg.Net.SASL.Password = ""
			},
			"Net.SASL.Password must not be empty when SASL is enabled",
		},
	}

	for i, test := range tests {
		c := NewTestConfig()
		test.cfg(c)
		err := c.Validate()
		var target ConfigurationError
		if !errors.As(err, &target) || string(target) != test.err {
			t.Errorf("[%d]:[%s] Expected %s, Got %s\n", i, test.name, test.err, err)
		}
	}
}

func TestRouterConfigValidates(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(*Config)
		err  string
	}{
		{
			"Retry.Max",
			func(cfg *Config) { cfg.Router.Retry.Max = -1 },
			"Router.Retry.Max must be >= 0",
		},
		{
			"Retry.MaxBackoff",
			func(cfg *Config) {
				cfg.Router.Retry.Backoff = time.Second
				cfg.Router.Retry.MaxBackoff = time.Millisecond
			},
			"Router.Retry.MaxBackoff must be >= Router.Retry.Backoff",
		},
		{
			"Retry.Jitter",
			func(cfg *Config) { cfg.Router.Retry.Jitter = 1.5 },
			"Router.Retry.Jitter must be between 0 and 1",
		},
	}

	for i, test := range tests {
		c := NewTestConfig()
		test.cfg(c)
		err := c.Validate()
		var target ConfigurationError
		if !errors.As(err, &target) || string(target) != test.err {
			t.Errorf("[%d]:[%s] Expected %s, Got %s\n", i, test.name, test.err, err)
		}
	}
}

func TestProducerConfigValidates(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(*Config)
		err  string
	}{
		{
			"MaxMessageBytes",
			func(cfg *Config) { cfg.Producer.MaxMessageBytes = 0 },
			"Producer.MaxMessageBytes must be > 0",
		},
		{
			"RequiredAcks",
			func(cfg *Config) { cfg.Producer.RequiredAcks = -2 },
			"Producer.RequiredAcks must be >= -1",
		},
		{
			"Partitioner",
			func(cfg *Config) { cfg.Producer.Partitioner = nil },
			"Producer.Partitioner must not be nil",
		},
		{
			"Flush.Messages",
			func(cfg *Config) { cfg.Producer.Flush.Messages = -1 },
			"Producer.Flush.Messages must be >= 0",
		},
		{
			"lz4 before 0.10",
			func(cfg *Config) {
				cfg.Version = V0_9_0_0
				cfg.Producer.Compression = types.CompressionLZ4
			},
			"lz4 compression requires Version >= V0_10_0_0",
		},
		{
			"zstd",
			func(cfg *Config) { cfg.Producer.Compression = types.CompressionZSTD },
			"zstd compression needs record batches, which no supported Version speaks",
		},
	}

	for i, test := range tests {
		c := NewTestConfig()
		test.cfg(c)
		err := c.Validate()
		var target ConfigurationError
		if !errors.As(err, &target) || string(target) != test.err {
			t.Errorf("[%d]:[%s] Expected %s, Got %s\n", i, test.name, test.err, err)
		}
	}
}

func TestConsumerConfigValidates(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(*Config)
		err  string
	}{
		{
			"Fetch.Min",
			func(cfg *Config) { cfg.Consumer.Fetch.Min = 0 },
			"Consumer.Fetch.Min must be > 0",
		},
		{
			"Fetch.Max",
			func(cfg *Config) {
				cfg.Consumer.Fetch.Default = 1024
				cfg.Consumer.Fetch.Max = 512
			},
			"Consumer.Fetch.Max must be 0 or >= Consumer.Fetch.Default",
		},
		{
			"MaxWaitTime",
			func(cfg *Config) { cfg.Consumer.MaxWaitTime = 0 },
			"Consumer.MaxWaitTime must be >= 1ms",
		},
		{
			"Offsets.Initial",
			func(cfg *Config) { cfg.Consumer.Offsets.Initial = 42 },
			"Consumer.Offsets.Initial must be OffsetOldest or OffsetNewest",
		},
	}

	for i, test := range tests {
		c := NewTestConfig()
		test.cfg(c)
		err := c.Validate()
		var target ConfigurationError
		if !errors.As(err, &target) || string(target) != test.err {
			t.Errorf("[%d]:[%s] Expected %s, Got %s\n", i, test.name, test.err, err)
		}
	}
}

func TestSASLMechanismValidates(t *testing.T) {
	config := NewTestConfig()
	config.Net.SASL.Enable = true
	config.Net.SASL.User = "user"
	config.Net.SASL.Password = "secret"

	config.Net.SASL.Mechanism = "GSSAPI"
	var target ConfigurationError
	assert.ErrorAs(t, config.Validate(), &target)

	for _, mechanism := range []SASLMechanism{SASLTypePlaintext, SASLTypeSCRAMSHA256, SASLTypeSCRAMSHA512} {
		config.Net.SASL.Mechanism = mechanism
		assert.NoError(t, config.Validate(), mechanism)
	}
}
