package kafka

import (
	"testing"

	"github.com/rcrowley/go-metrics"
)

// metricValidator checks one named metric of a registry.
type metricValidator struct {
	name  string
	check func(t *testing.T, name string, metric interface{})
}

func (v *metricValidator) named(name string) *metricValidator {
	return &metricValidator{name: name, check: v.check}
}

type metricValidators []*metricValidator

func newMetricValidators() metricValidators {
	return nil
}

func (m *metricValidators) register(v *metricValidator) {
	*m = append(*m, v)
}

func (m *metricValidators) registerForBroker(brokerID int32, v *metricValidator) {
	m.register(v.named(getMetricNameForBroker(v.name, brokerID)))
}

// registerForAllBrokers checks both the aggregate metric and the one of brokerID.
func (m *metricValidators) registerForAllBrokers(brokerID int32, v *metricValidator) {
	m.register(v)
	m.registerForBroker(brokerID, v)
}

func (m *metricValidators) registerForTopic(topic string, v *metricValidator) {
	m.register(v.named(getMetricNameForTopic(v.name, topic)))
}

func (m metricValidators) run(t *testing.T, r metrics.Registry) {
	t.Helper()
	for _, v := range m {
		metric := r.Get(v.name)
		if metric == nil {
			t.Errorf("metric %s is not registered", v.name)
			continue
		}
		v.check(t, v.name, metric)
	}
}

// countOf returns the count of a meter, histogram or counter.
func countOf(t *testing.T, name string, metric interface{}) (int64, bool) {
	t.Helper()
	switch m := metric.(type) {
	case metrics.Meter:
		return m.Count(), true
	case metrics.Histogram:
		return m.Count(), true
	case metrics.Counter:
		return m.Count(), true
	}
	t.Errorf("metric %s has unexpected type %T", name, metric)
	return 0, false
}

func countValidator(name string, want int64, exact bool) *metricValidator {
	return &metricValidator{name: name, check: func(t *testing.T, name string, metric interface{}) {
		t.Helper()
		got, ok := countOf(t, name, metric)
		switch {
		case !ok:
		case exact && got != want:
			t.Errorf("metric %s: count = %d, want %d", name, got, want)
		case !exact && got < want:
			t.Errorf("metric %s: count = %d, want at least %d", name, got, want)
		}
	}}
}

func countMeterValidator(name string, expectedCount int) *metricValidator {
	return countValidator(name, int64(expectedCount), true)
}

func minCountMeterValidator(name string, minCount int) *metricValidator {
	return countValidator(name, int64(minCount), false)
}

func countHistogramValidator(name string, expectedCount int) *metricValidator {
	return countValidator(name, int64(expectedCount), true)
}

func counterValidator(name string, expectedCount int) *metricValidator {
	return countValidator(name, int64(expectedCount), true)
}

func minMaxHistogramValidator(name string, expectedMin, expectedMax int) *metricValidator {
	return &metricValidator{name: name, check: func(t *testing.T, name string, metric interface{}) {
		t.Helper()
		h, ok := metric.(metrics.Histogram)
		if !ok {
			t.Errorf("metric %s is a %T, not a histogram", name, metric)
			return
		}
		if got := h.Min(); got != int64(expectedMin) {
			t.Errorf("metric %s: min = %d, want %d", name, got, expectedMin)
		}
		if got := h.Max(); got != int64(expectedMax) {
			t.Errorf("metric %s: max = %d, want %d", name, got, expectedMax)
		}
	}}
}
