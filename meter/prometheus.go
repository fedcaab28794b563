package meter

import (
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ineyio/tokenmeter"
)

const namespace = "tokenmeter"

// PromMeter exports metering events as Prometheus metrics.
type PromMeter struct {
	routes        *prometheus.CounterVec
	rejects       *prometheus.CounterVec
	results       *prometheus.CounterVec
	tokens        *prometheus.CounterVec
	overrun       *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	expired       prometheus.Counter
	expiredTokens prometheus.Counter
}

var _ tokenmeter.Meter = (*PromMeter)(nil)

// NewPromMeter registers the metering metrics with reg. A nil reg uses the
// default registerer.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PromMeter{
		routes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_total",
			Help:      "Reserved requests sent to an upstream, by provider and model.",
		}, []string{"provider", "model"}),

		// reason: insufficient_balance | other
		rejects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejects_total",
			Help:      "Reservations refused before any upstream call.",
		}, []string{"model", "reason"}),

		// kind: commit | release | none, outcome: success | error
		results: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Settled streams by provider, settlement kind and outcome.",
		}, []string{"provider", "kind", "outcome"}),

		// type: prompt | completion | charged
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens accounted at settlement.",
		}, []string{"provider", "model", "type"}),

		overrun: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overrun_tokens_total",
			Help:      "Tokens charged beyond the reservation estimate.",
		}, []string{"provider", "model"}),

		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Time from upstream open to settlement.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider", "kind"}),

		expired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "expired_reservations_total",
			Help:      "Abandoned reservations expired by the sweeper.",
		}),

		expiredTokens: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "expired_tokens_total",
			Help:      "Tokens returned to accounts by expiry.",
		}),
	}
}

func (m *PromMeter) OnRoute(e tokenmeter.RouteEvent) {
	m.routes.WithLabelValues(e.Provider, e.Model).Inc()
}

func (m *PromMeter) OnReject(e tokenmeter.RejectEvent) {
	reason := "other"
	switch {
	case errors.Is(e.Error, tokenmeter.ErrInsufficientBalance):
		reason = "insufficient_balance"
	case errors.Is(e.Error, tokenmeter.ErrDuplicateRequest):
		reason = "duplicate"
	}
	m.rejects.WithLabelValues(e.Model, reason).Inc()
}

func (m *PromMeter) OnResult(e tokenmeter.ResultEvent) {
	kind := strings.ToLower(string(e.Kind))
	if kind == "" {
		kind = "none"
	}
	outcome := "success"
	if !e.Success {
		outcome = "error"
	}
	m.results.WithLabelValues(e.Provider, kind, outcome).Inc()
	m.duration.WithLabelValues(e.Provider, kind).Observe(e.Duration.Seconds())

	if e.Kind != tokenmeter.TxCommit {
		return
	}
	m.tokens.WithLabelValues(e.Provider, e.Model, "prompt").Add(float64(e.Usage.PromptTokens))
	m.tokens.WithLabelValues(e.Provider, e.Model, "completion").Add(float64(e.Usage.CompletionTokens))
	m.tokens.WithLabelValues(e.Provider, e.Model, "charged").Add(float64(e.Charged))
	if over := e.Charged - e.Estimated; over > 0 {
		m.overrun.WithLabelValues(e.Provider, e.Model).Add(float64(over))
	}
}

func (m *PromMeter) OnExpire(e tokenmeter.ExpireEvent) {
	m.expired.Inc()
	m.expiredTokens.Add(float64(e.Reservation.Amount))
}
