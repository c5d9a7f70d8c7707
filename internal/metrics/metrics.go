// Package metrics holds the process-wide counters and histogram recorded
// by protocol readers and read back by the health endpoint.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var (
	registry *prometheus.Registry
	initOnce sync.Once
)

// Counters and histogram shared by every protocol reader.
var (
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sniproxy_requests_total",
		Help: "Total number of accepted connections or requests, by protocol",
	}, []string{"protocol"})

	RequestsOK = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sniproxy_requests_ok_total",
		Help: "Total number of successfully forwarded connections or requests, by protocol",
	}, []string{"protocol"})

	RequestsErr = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sniproxy_requests_err_total",
		Help: "Total number of failed connections or requests, by protocol",
	}, []string{"protocol"})

	BytesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sniproxy_bytes_in_total",
		Help: "Total bytes read from clients, by protocol",
	}, []string{"protocol"})

	BytesOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sniproxy_bytes_out_total",
		Help: "Total bytes written to clients, by protocol",
	}, []string{"protocol"})

	Rewrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sniproxy_rewrites_total",
		Help: "Total number of SNI rewrites performed (cache misses that produced a match)",
	})

	UpstreamErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sniproxy_upstream_errors_total",
		Help: "Total number of upstream dial or I/O errors, by protocol",
	}, []string{"protocol"})

	ForwardLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sniproxy_forward_latency_seconds",
		Help:    "Time from accepted connection/request to completed forward, by protocol",
		Buckets: prometheus.DefBuckets,
	}, []string{"protocol"})
)

// Init registers all metrics with a new registry and returns the registry.
// Safe to call multiple times; only the first call registers.
func Init() *prometheus.Registry {
	initOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			RequestsTotal,
			RequestsOK,
			RequestsErr,
			BytesIn,
			BytesOut,
			Rewrites,
			UpstreamErrors,
			ForwardLatencySeconds,
			prometheus.NewGoCollector(),
		)
	})
	return registry
}

// Registry returns the metrics registry (nil until Init is called).
func Registry() *prometheus.Registry {
	return registry
}

// RecordAccepted increments the accepted-connection counter for protocol.
func RecordAccepted(protocol string) {
	RequestsTotal.WithLabelValues(protocol).Inc()
}

// RecordOK increments the success counter and observes the forward latency for protocol.
func RecordOK(protocol string, elapsed time.Duration) {
	RequestsOK.WithLabelValues(protocol).Inc()
	ForwardLatencySeconds.WithLabelValues(protocol).Observe(elapsed.Seconds())
}

// RecordErr increments the failure counter for protocol.
func RecordErr(protocol string) {
	RequestsErr.WithLabelValues(protocol).Inc()
}

// RecordBytes adds in/out byte counts for protocol.
func RecordBytes(protocol string, in, out int64) {
	if in > 0 {
		BytesIn.WithLabelValues(protocol).Add(float64(in))
	}
	if out > 0 {
		BytesOut.WithLabelValues(protocol).Add(float64(out))
	}
}

// RecordRewrite increments the rewrite counter.
func RecordRewrite() {
	Rewrites.Inc()
}

// RecordUpstreamError increments the upstream-error counter for protocol.
func RecordUpstreamError(protocol string) {
	UpstreamErrors.WithLabelValues(protocol).Inc()
}

// Snapshot is a point-in-time read of the monotonic counters, used by the
// health endpoint's JSON views. It sums across protocol labels.
type Snapshot struct {
	RequestsTotal int64
	RequestsOK    int64
	RequestsErr   int64
	BytesIn       int64
	BytesOut      int64
	Rewrites      int64
	UpstreamErrs  int64
}

func sumCounterVec(cv *prometheus.CounterVec) int64 {
	ch := make(chan prometheus.Metric, 16)
	go func() {
		cv.Collect(ch)
		close(ch)
	}()
	var total float64
	for metric := range ch {
		var m dto.Metric
		if err := metric.Write(&m); err == nil && m.Counter != nil {
			total += m.Counter.GetValue()
		}
	}
	return int64(total)
}

// TakeSnapshot reads the current value of every monotonic counter.
func TakeSnapshot() Snapshot {
	return Snapshot{
		RequestsTotal: sumCounterVec(RequestsTotal),
		RequestsOK:    sumCounterVec(RequestsOK),
		RequestsErr:   sumCounterVec(RequestsErr),
		BytesIn:       sumCounterVec(BytesIn),
		BytesOut:      sumCounterVec(BytesOut),
		Rewrites:      int64(readCounter(Rewrites)),
		UpstreamErrs:  sumCounterVec(UpstreamErrors),
	}
}

func readCounter(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	if m.Counter == nil {
		return 0
	}
	return m.Counter.GetValue()
}
