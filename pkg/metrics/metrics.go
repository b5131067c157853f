package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "liqtrader"

var (
	TicksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ticks_received_total", Help: "Stream messages normalized into ticks"},
		[]string{"symbol", "source_type"},
	)
	TicksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ticks_dropped_total", Help: "Ticks lost to store write failures or a full write queue"},
		[]string{"symbol", "source_type"},
	)
	Snapshots = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "snapshots_total", Help: "Snapshot captures by outcome"},
		[]string{"symbol", "outcome"},
	)
	Iterations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "iterations_total", Help: "Decision loop iterations by executed action"},
		[]string{"symbol", "action"},
	)
	IterationsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "iterations_skipped_total", Help: "Decision loop iterations skipped before acting"},
		[]string{"symbol", "reason"},
	)
	IterationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "iteration_latency_seconds", Help: "Decision loop iteration latency", Buckets: prometheus.DefBuckets},
		[]string{"symbol"},
	)
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "orders_total", Help: "Order submissions by outcome"},
		[]string{"symbol", "side", "type", "outcome"},
	)
	PositionAmount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "position_amount", Help: "Signed position amount"},
		[]string{"symbol"},
	)
	TickAge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "tick_age_seconds", Help: "Seconds since the newest persisted tick"},
		[]string{"symbol"},
	)
	Gaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "data_gaps_total", Help: "Gap alerts raised"},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(TicksReceived, TicksDropped, Snapshots, Iterations, IterationsSkipped,
		IterationLatency, Orders, PositionAmount, TickAge, Gaps)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
