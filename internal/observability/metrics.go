package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xkilldash9x/pacer/api/schemas"
)

// sessionStates fixes the label set of the session state gauge.
var sessionStates = []schemas.SessionStateKind{
	schemas.StateCold,
	schemas.StateWarmingUp,
	schemas.StateActive,
	schemas.StateCoolingDown,
	schemas.StateRestricted,
}

// Metrics collects scheduler instrumentation. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Dispatches     *prometheus.CounterVec
	LimiterDenials *prometheus.CounterVec
	Reports        *prometheus.CounterVec
	SessionState   *prometheus.GaugeVec
	Delays         *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pacer",
			Name:      "dispatches_total",
			Help:      "Actions handed to the executor, by action type and outcome.",
		}, []string{"account", "action_type", "outcome"}),
		LimiterDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pacer",
			Name:      "limiter_denials_total",
			Help:      "Local rate budget denials, by action type.",
		}, []string{"account", "action_type"}),
		Reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pacer",
			Name:      "requests_completed_total",
			Help:      "Requests that reached a terminal status.",
		}, []string{"account", "status"}),
		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pacer",
			Name:      "session_state",
			Help:      "1 for the current account health state, 0 otherwise.",
		}, []string{"account", "state"}),
		Delays: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pacer",
			Name:      "pacing_delay_seconds",
			Help:      "Computed pauses before dispatch.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"account", "action_type"}),
	}

	for _, c := range []prometheus.Collector{m.Dispatches, m.LimiterDenials, m.Reports, m.SessionState, m.Delays} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) ObserveDispatch(account string, actionType schemas.ActionType, outcome schemas.Outcome) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(account, string(actionType), string(outcome)).Inc()
}

func (m *Metrics) ObserveDenial(account string, actionType schemas.ActionType) {
	if m == nil {
		return
	}
	m.LimiterDenials.WithLabelValues(account, string(actionType)).Inc()
}

func (m *Metrics) ObserveReport(account string, status schemas.ReportStatus) {
	if m == nil {
		return
	}
	m.Reports.WithLabelValues(account, string(status)).Inc()
}

func (m *Metrics) ObserveDelay(account string, actionType schemas.ActionType, d time.Duration) {
	if m == nil {
		return
	}
	m.Delays.WithLabelValues(account, string(actionType)).Observe(d.Seconds())
}

// SetSessionState marks current as the only active state for account.
func (m *Metrics) SetSessionState(account string, current schemas.SessionStateKind) {
	if m == nil {
		return
	}
	for _, s := range sessionStates {
		v := 0.0
		if s == current {
			v = 1
		}
		m.SessionState.WithLabelValues(account, string(s)).Set(v)
	}
}
