package billingapi

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts webhook outcomes and observes their latency.
type Metrics struct {
	webhooks *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the billing collectors on reg, or on the default
// registerer when reg is nil. Registering twice reuses the existing
// collectors.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "webhooks_total",
			Help:      "Webhook deliveries by provider and outcome.",
		}, []string{"provider", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "billing",
			Name:      "webhook_duration_seconds",
			Help:      "Time spent handling a webhook delivery.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "outcome"}),
	}

	if err := reg.Register(m.webhooks); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, err
		}
		m.webhooks = existing
	}
	if err := reg.Register(m.duration); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		existing, ok := are.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, err
		}
		m.duration = existing
	}
	return m, nil
}

func (m *Metrics) observe(provider, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(provider, outcome).Inc()
	m.duration.WithLabelValues(provider, outcome).Observe(time.Since(started).Seconds())
}
