// Package metrics holds the Prometheus collectors levelx updates during
// operation. They are registered in init() and served at /metrics.
//
//   - levelx_session_renewals_total{result}       token renewals (ok|error)
//   - levelx_session_degraded                     1 while the session is degraded
//   - levelx_gateway_requests_total{op,result}    REST calls by outcome
//   - levelx_stream_reconnects_total{hub}         hub reconnects
//   - levelx_stream_events_total{hub,kind}        delivered push events
//   - levelx_stream_duplicates_total{hub}         dropped duplicate/older sequences
//   - levelx_stream_gaps_total{hub}               detected sequence gaps
//   - levelx_market_events_shed_total             market events shed under backpressure
//   - levelx_signals_total{direction}             confirmed retest signals
//   - levelx_risk_decisions_total{result,check}   risk gate outcomes
//   - levelx_orders_submitted_total{result}       order submissions
//   - levelx_order_transitions_total{state}       order state changes
//   - levelx_fills_total                          applied fills
//   - levelx_ledger_divergences_total             snapshot/local mismatches
//   - levelx_daily_pnl_usd{account}               realized+unrealized P&L
//   - levelx_trading_halted                       1 while submission is halted
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SessionRenewals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "levelx_session_renewals_total",
			Help: "Session token renewals by result",
		},
		[]string{"result"},
	)

	SessionDegraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "levelx_session_degraded",
			Help: "1 while the session provider refuses to issue tokens",
		},
	)

	GatewayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "levelx_gateway_requests_total",
			Help: "Gateway REST requests by operation and result",
		},
		[]string{"op", "result"},
	)

	StreamReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "levelx_stream_reconnects_total",
			Help: "Hub reconnects",
		},
		[]string{"hub"},
	)

	StreamTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "levelx_stream_read_timeouts_total",
			Help: "Hub connections dropped for silence",
		},
		[]string{"hub"},
	)

	ReconcileFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "levelx_reconcile_failures_total",
			Help: "Failed order polls and position snapshots",
		},
		[]string{"component"},
	)

	StreamEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "levelx_stream_events_total",
			Help: "Push events delivered downstream",
		},
		[]string{"hub", "kind"},
	)

	StreamDuplicates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "levelx_stream_duplicates_total",
			Help: "Push events dropped as duplicate or out of order",
		},
		[]string{"hub"},
	)

	StreamGaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "levelx_stream_gaps_total",
			Help: "Sequence gaps detected on a hub",
		},
		[]string{"hub"},
	)

	// Most-recent-wins shedding on the market channel.
	MarketShed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "levelx_market_events_shed_total",
			Help: "Market events dropped because the consumer lagged",
		},
	)

	LevelRecomputes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "levelx_level_recomputes_total",
			Help: "Level sets computed at session boundaries",
		},
	)

	Signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "levelx_signals_total",
			Help: "Confirmed retest signals",
		},
		[]string{"direction"},
	)

	RiskDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "levelx_risk_decisions_total",
			Help: "Risk gate decisions; check is empty for accepts",
		},
		[]string{"result", "check"},
	)

	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "levelx_orders_submitted_total",
			Help: "Order submissions by result (placed|deduplicated|rejected|error)",
		},
		[]string{"result"},
	)

	OrderTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "levelx_order_transitions_total",
			Help: "Order state transitions by target state",
		},
		[]string{"state"},
	)

	Fills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "levelx_fills_total",
			Help: "Fills applied to the position ledger",
		},
	)

	LedgerDivergences = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "levelx_ledger_divergences_total",
			Help: "Broker snapshots that disagreed with the folded position",
		},
	)

	DailyPnL = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "levelx_daily_pnl_usd",
			Help: "Realized plus unrealized P&L for the current session",
		},
		[]string{"account"},
	)

	TradingHalted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "levelx_trading_halted",
			Help: "1 while new order submission is halted",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SessionRenewals,
		SessionDegraded,
		GatewayRequests,
		StreamReconnects,
		StreamTimeouts,
		ReconcileFailures,
		StreamEvents,
		StreamDuplicates,
		StreamGaps,
		MarketShed,
		LevelRecomputes,
		Signals,
		RiskDecisions,
		OrdersSubmitted,
		OrderTransitions,
		Fills,
		LedgerDivergences,
		DailyPnL,
		TradingHalted,
	)
}
