package connector

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts Connect outcomes. A nil *Metrics records nothing.
type Metrics struct {
	connects    *prometheus.CounterVec
	negotiation *prometheus.HistogramVec
}

// NewMetrics registers the connector metrics with r under namespace.
func NewMetrics(r prometheus.Registerer, namespace string) *Metrics {
	if r == nil {
		r = prometheus.NewRegistry() // This registry will be discarded.
	}
	f := promauto.With(r)

	return &Metrics{
		connects: f.NewCounterVec(prometheus.CounterOpts{
			Name:      "proxy_connect_total",
			Namespace: namespace,
			Help:      "Number of connect attempts through the proxy by scheme and result",
		}, []string{"scheme", "result"}),
		negotiation: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:      "proxy_connect_negotiation_seconds",
			Namespace: namespace,
			Help:      "Time spent on the CONNECT exchange with the proxy",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"result"}),
	}
}

func (m *Metrics) connect(scheme string, err error) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(scheme, result(err)).Inc()
}

func (m *Metrics) negotiated(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.negotiation.WithLabelValues(result(err)).Observe(d.Seconds())
}

// result maps err to a low-cardinality label.
func result(err error) string {
	var (
		ce *ConnectError
		se *StatusError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnsupportedScheme), errors.Is(err, ErrInvalidTarget):
		return "invalid"
	case errors.Is(err, ErrResponseTooLarge):
		return "too_large"
	case errors.As(err, &se):
		return "status"
	case errors.As(err, &ce):
		return "connect_error"
	default:
		return "tls_error"
	}
}
