package observability

import (
	"errors"
	"strings"

	promclient "github.com/prometheus/client_golang/prometheus"
)

// PrometheusFactory is a MetricFactory backed by a Prometheus registerer.
// Dotted metric names become underscore-separated; counters get a _total
// suffix.
type PrometheusFactory struct {
	reg     promclient.Registerer
	buckets []float64
}

// NewPrometheusFactory returns a factory registering into reg, or the
// default registerer when reg is nil.
func NewPrometheusFactory(reg promclient.Registerer) *PrometheusFactory {
	if reg == nil {
		reg = promclient.DefaultRegisterer
	}
	return &PrometheusFactory{reg: reg, buckets: promclient.DefBuckets}
}

// WithBuckets overrides the histogram buckets.
func (f *PrometheusFactory) WithBuckets(b []float64) *PrometheusFactory {
	if len(b) > 0 {
		f.buckets = b
	}
	return f
}

// Counter implements MetricFactory.
func (f *PrometheusFactory) Counter(name string) Counter {
	c := promclient.NewCounter(promclient.CounterOpts{
		Name: metricName(name) + "_total",
		Help: "Count of " + name + ".",
	})
	if err := f.reg.Register(c); err != nil {
		var are promclient.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(promclient.Counter); ok {
				return existing
			}
		}
		return discard{}
	}
	return c
}

// Histogram implements MetricFactory.
func (f *PrometheusFactory) Histogram(name string) Histogram {
	h := promclient.NewHistogram(promclient.HistogramOpts{
		Name:    metricName(name),
		Help:    "Distribution of " + name + ".",
		Buckets: f.buckets,
	})
	if err := f.reg.Register(h); err != nil {
		var are promclient.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(promclient.Histogram); ok {
				return existing
			}
		}
		return discard{}
	}
	return h
}

func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

// discard swallows observations for metrics that failed to register.
type discard struct{}

func (discard) Inc()            {}
func (discard) Add(float64)     {}
func (discard) Observe(float64) {}
