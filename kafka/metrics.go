package kafka

import (
	"fmt"

	"github.com/rcrowley/go-metrics"
)

// Broker level metrics, registered for every connection both in aggregate and per
// broker ("<name>-for-broker-<id>").
const (
	incomingByteRateName   = "incoming-byte-rate"
	outgoingByteRateName   = "outgoing-byte-rate"
	requestRateName        = "request-rate"
	responseRateName       = "response-rate"
	requestLatencyName     = "request-latency-in-ms"
	requestsInFlightName   = "requests-in-flight"
	connectionFailuresName = "connection-failures"
)

// Topic level metrics of the producer and consumer ("<name>-for-topic-<topic>").
const (
	recordSendRateName     = "record-send-rate"
	recordErrorRateName    = "record-error-rate"
	batchSizeName          = "batch-size"
	recordsPerRequestName  = "records-per-request"
	consumerFetchRateName  = "consumer-fetch-rate"
	consumedMessageRate    = "consumed-message-rate"
	metadataRefreshRate    = "metadata-refresh-rate"
	metadataRefreshFailure = "metadata-refresh-failure-rate"
)

func getOrRegisterHistogram(name string, r metrics.Registry) metrics.Histogram {
	return r.GetOrRegister(name, func() metrics.Histogram {
		return metrics.NewHistogram(metrics.NewExpDecaySample(1028, 0.015))
	}).(metrics.Histogram)
}

func getMetricNameForBroker(name string, brokerID int32) string {
	return fmt.Sprintf(name+"-for-broker-%d", brokerID)
}

func getOrRegisterBrokerMeter(name string, brokerID int32, r metrics.Registry) metrics.Meter {
	return metrics.GetOrRegisterMeter(getMetricNameForBroker(name, brokerID), r)
}

func getOrRegisterBrokerHistogram(name string, brokerID int32, r metrics.Registry) metrics.Histogram {
	return getOrRegisterHistogram(getMetricNameForBroker(name, brokerID), r)
}

func getOrRegisterBrokerCounter(name string, brokerID int32, r metrics.Registry) metrics.Counter {
	return metrics.GetOrRegisterCounter(getMetricNameForBroker(name, brokerID), r)
}

func getMetricNameForTopic(name string, topic string) string {
	return fmt.Sprintf(name+"-for-topic-%s", topic)
}

func getOrRegisterTopicMeter(name string, topic string, r metrics.Registry) metrics.Meter {
	return metrics.GetOrRegisterMeter(getMetricNameForTopic(name, topic), r)
}

func getOrRegisterTopicHistogram(name string, topic string, r metrics.Registry) metrics.Histogram {
	return getOrRegisterHistogram(getMetricNameForTopic(name, topic), r)
}

// brokerMetrics are the meters of one connection. Per broker meters are only
// registered once the broker id is known.
type brokerMetrics struct {
	incomingByteRate metrics.Meter
	outgoingByteRate metrics.Meter
	requestRate      metrics.Meter
	responseRate     metrics.Meter
	requestLatency   metrics.Histogram
	requestsInFlight metrics.Counter
	failures         metrics.Meter

	brokerIncomingByteRate metrics.Meter
	brokerOutgoingByteRate metrics.Meter
	brokerRequestRate      metrics.Meter
	brokerResponseRate     metrics.Meter
	brokerRequestLatency   metrics.Histogram
	brokerRequestsInFlight metrics.Counter
}

func newBrokerMetrics(id int32, r metrics.Registry) *brokerMetrics {
	m := &brokerMetrics{
		incomingByteRate: metrics.GetOrRegisterMeter(incomingByteRateName, r),
		outgoingByteRate: metrics.GetOrRegisterMeter(outgoingByteRateName, r),
		requestRate:      metrics.GetOrRegisterMeter(requestRateName, r),
		responseRate:     metrics.GetOrRegisterMeter(responseRateName, r),
		requestLatency:   getOrRegisterHistogram(requestLatencyName, r),
		requestsInFlight: metrics.GetOrRegisterCounter(requestsInFlightName, r),
		failures:         metrics.GetOrRegisterMeter(connectionFailuresName, r),
	}
	if id >= 0 {
		m.brokerIncomingByteRate = getOrRegisterBrokerMeter(incomingByteRateName, id, r)
		m.brokerOutgoingByteRate = getOrRegisterBrokerMeter(outgoingByteRateName, id, r)
		m.brokerRequestRate = getOrRegisterBrokerMeter(requestRateName, id, r)
		m.brokerResponseRate = getOrRegisterBrokerMeter(responseRateName, id, r)
		m.brokerRequestLatency = getOrRegisterBrokerHistogram(requestLatencyName, id, r)
		m.brokerRequestsInFlight = getOrRegisterBrokerCounter(requestsInFlightName, id, r)
	}
	return m
}

func (m *brokerMetrics) requestSent(bytes int) {
	m.requestRate.Mark(1)
	m.outgoingByteRate.Mark(int64(bytes))
	if m.brokerRequestRate != nil {
		m.brokerRequestRate.Mark(1)
		m.brokerOutgoingByteRate.Mark(int64(bytes))
	}
}

func (m *brokerMetrics) responseReceived(bytes int) {
	m.responseRate.Mark(1)
	m.incomingByteRate.Mark(int64(bytes))
	if m.brokerResponseRate != nil {
		m.brokerResponseRate.Mark(1)
		m.brokerIncomingByteRate.Mark(int64(bytes))
	}
}

func (m *brokerMetrics) latency(ms int64) {
	m.requestLatency.Update(ms)
	if m.brokerRequestLatency != nil {
		m.brokerRequestLatency.Update(ms)
	}
}

func (m *brokerMetrics) inFlight(delta int64) {
	m.requestsInFlight.Inc(delta)
	if m.brokerRequestsInFlight != nil {
		m.brokerRequestsInFlight.Inc(delta)
	}
}
