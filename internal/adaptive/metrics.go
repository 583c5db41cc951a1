package adaptive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the router's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	Decisions *prometheus.CounterVec
	Rewards   *prometheus.HistogramVec
	Epsilon   prometheus.Gauge
}

// NewMetrics registers the collectors with reg, or the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miniphi_router_decisions_total",
				Help: "Routed calls by model, profile and status",
			},
			[]string{"model", "profile", "status"},
		),
		Rewards: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "miniphi_router_reward",
				Help:    "Reward assigned to routed calls",
				Buckets: []float64{-4, -3, -2, -1.5, -1, -0.5, 0, 0.5, 1},
			},
			[]string{"model"},
		),
		Epsilon: factory.NewGauge(prometheus.GaugeOpts{
			Name: "miniphi_router_epsilon",
			Help: "Current exploration probability",
		}),
	}
}

func (m *Metrics) observe(model, profile, status string, reward, epsilon float64) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(model, profile, status).Inc()
	m.Rewards.WithLabelValues(model).Observe(reward)
	m.Epsilon.Set(epsilon)
}
