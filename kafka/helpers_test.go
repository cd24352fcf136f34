package kafka

import (
	"io"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/rcrowley/go-metrics"

	"github.com/stratalog/kwire/mock"
	"github.com/stratalog/kwire/protocol"
	"github.com/stratalog/kwire/types"
)

func init() {
	// the go-metrics meter arbiter is a process wide goroutine, start it before any leak check
	metrics.NewMeter().Stop()
	// wait for it to be scheduled: leaktest ignores a not yet started goroutine
	// (its stack ends in runtime.goexit), which would let it leak into the first check
	buf := make([]byte, 1<<20)
	for i := 0; i < 1000; i++ {
		if strings.Contains(string(buf[:runtime.Stack(buf, true)]), "meterArbiter).tick(") {
			break
		}
		time.Sleep(time.Millisecond)
	}
}

// testLogger implements the StdLogger interface and records the text in the
// logs of the given T passed from Test functions.
type testLogger struct {
	t *testing.T
}

func (l *testLogger) Print(v ...interface{}) {
	if l.t != nil {
		l.t.Helper()
		l.t.Log(v...)
	}
}

func (l *testLogger) Printf(format string, v ...interface{}) {
	if l.t != nil {
		l.t.Helper()
		l.t.Logf(format, v...)
	}
}

func (l *testLogger) Println(v ...interface{}) {
	if l.t != nil {
		l.t.Helper()
		l.t.Log(v...)
	}
}

// useTestLogger routes Logger into the test log until the test ends.
func useTestLogger(t *testing.T) {
	old := Logger
	Logger = &testLogger{t: t}
	t.Cleanup(func() { Logger = old })
}

// NewTestConfig returns a config meant to be used by tests: short timeouts and
// backoffs so that failure paths run quickly.
func NewTestConfig() *Config {
	config := NewConfig()
	config.Net.DialTimeout = time.Second
	config.Net.WriteTimeout = time.Second
	config.Net.RequestTimeout = 2 * time.Second
	config.Net.ReconnectBackoff = 10 * time.Millisecond
	config.Net.ReconnectBackoffMax = 50 * time.Millisecond
	config.Metadata.Retry.Backoff = 10 * time.Millisecond
	config.Router.Retry.Backoff = 10 * time.Millisecond
	config.Router.Retry.MaxBackoff = 50 * time.Millisecond
	config.Router.Retry.Jitter = 0
	config.Consumer.Retry.Backoff = 10 * time.Millisecond
	config.Consumer.MaxWaitTime = 10 * time.Millisecond
	return config
}

func safeClose(t testing.TB, c io.Closer) {
	t.Helper()
	if err := c.Close(); err != nil {
		t.Error(err)
	}
}

func dump(v interface{}) string {
	return spew.Sdump(v)
}

func newTP(topic string, partition int32) types.TopicPartition {
	return types.TopicPartition{Topic: topic, Partition: partition}
}

// singleBrokerCluster serves metadata naming broker as the leader of every given partition.
func singleBrokerCluster(t *testing.T, broker *mock.Broker, partitions ...types.TopicPartition) *mock.MockMetadataResponse {
	metadata := mock.NewMockMetadataResponse(t).SetBroker(broker.Addr(), broker.BrokerID())
	for _, p := range partitions {
		metadata.SetLeader(p.Topic, p.Partition, broker.BrokerID())
	}
	broker.SetHandler(protocol.APIKeyMetadata, metadata)
	return metadata
}
