// Package metrics exposes relay and accounting counters in Prometheus format.
//
// All methods are safe on a nil *Collector so callers can run without
// metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lkarlslund/tokenrelay/pkg/usage"
)

const namespace = "tokenrelay"

// Relay modes.
const (
	ModeStream   = "stream"
	ModeBuffered = "buffered"
	// ModeUnknown labels requests rejected before the stream flag was read.
	ModeUnknown = "unknown"
)

// Relay outcomes.
const (
	OutcomeOK            = "ok"
	OutcomeMalformed     = "malformed"
	OutcomeUnreachable   = "unreachable"
	OutcomeUpstreamError = "upstream_error"
	OutcomeBadResponse   = "bad_response"
)

type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	tokensTotal      prometheus.Counter
	accountingTotal  *prometheus.CounterVec
}

// NewCollector registers all metrics on registry, or on a fresh private
// registry when registry is nil.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Chat completion requests by relay mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_duration_seconds",
				Help:      "Time until the upstream returned response headers",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"mode"},
		),
		tokensTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Tokens recorded by successful accounting writes",
			},
		),
		accountingTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accounting_writes_total",
				Help:      "Accounting attempts by result",
			},
			[]string{"result"},
		),
	}
	registry.MustRegister(c.requestsTotal, c.upstreamDuration, c.tokensTotal, c.accountingTotal)
	return c
}

func Mode(streaming bool) string {
	if streaming {
		return ModeStream
	}
	return ModeBuffered
}

func (c *Collector) ObserveRequest(mode, outcome string) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(mode, outcome).Inc()
}

func (c *Collector) ObserveUpstream(mode string, d time.Duration) {
	if c == nil {
		return
	}
	c.upstreamDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// ObserveAccounting implements usage.Observer.
func (c *Collector) ObserveAccounting(result string, tokens int32) {
	if c == nil {
		return
	}
	c.accountingTotal.WithLabelValues(result).Inc()
	if result == usage.ResultWritten && tokens > 0 {
		c.tokensTotal.Add(float64(tokens))
	}
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
