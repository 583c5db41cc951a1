package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the chat client's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Calls        *prometheus.CounterVec
	Attempts     *prometheus.CounterVec
	Retries      *prometheus.CounterVec
	Latency      *prometheus.HistogramVec
	FirstToken   *prometheus.HistogramVec
	ProtocolGate *prometheus.GaugeVec
}

// NewMetrics registers the collectors with reg. A nil reg uses the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miniphi_chat_calls_total",
				Help: "Completed chat calls by outcome",
			},
			[]string{"model", "transport", "outcome"},
		),
		Attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miniphi_chat_attempts_total",
				Help: "Chat attempts by transport and error kind",
			},
			[]string{"model", "transport", "kind"},
		),
		Retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "miniphi_chat_retries_total",
				Help: "Retries by reason",
			},
			[]string{"model", "reason"},
		),
		Latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "miniphi_chat_attempt_duration_seconds",
				Help:    "Attempt wall time in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"model", "transport"},
		),
		FirstToken: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "miniphi_chat_time_to_first_token_seconds",
				Help:    "Delay until the first streamed fragment",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"model", "transport"},
		),
		ProtocolGate: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "miniphi_protocol_gate",
				Help: "1 when the streaming binding is disabled after a protocol warning",
			},
			[]string{"model"},
		),
	}
}

func (m *Metrics) observeAttempt(ex *Exchange, err error) {
	if m == nil || ex == nil {
		return
	}
	kind := "none"
	if err != nil {
		kind = string(Classify(err))
	}
	m.Attempts.WithLabelValues(ex.Model, ex.Transport, kind).Inc()
	if d := ex.Duration(); d > 0 {
		m.Latency.WithLabelValues(ex.Model, ex.Transport).Observe(d.Seconds())
	}
	if ex.TimeToFirstToken > 0 {
		m.FirstToken.WithLabelValues(ex.Model, ex.Transport).Observe(ex.TimeToFirstToken.Seconds())
	}
}

func (m *Metrics) observeCall(model, transport string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = ErrorKindLabel(err)
	}
	m.Calls.WithLabelValues(model, transport, outcome).Inc()
}

func (m *Metrics) observeRetry(model, reason string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(model, reason).Inc()
}

func (m *Metrics) setGate(model string, gated bool) {
	if m == nil {
		return
	}
	v := 0.0
	if gated {
		v = 1
	}
	m.ProtocolGate.WithLabelValues(model).Set(v)
}
