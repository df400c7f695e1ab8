// Package metrics exposes board ordering counters in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Rebalance reasons.
const (
	ReasonExhausted = "exhausted"
	ReasonProactive = "proactive"
	ReasonManual    = "manual"
)

// Move results.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultReplayed = "replayed"
)

// Recorder owns a private registry rather than the global default.
type Recorder struct {
	registry     *prometheus.Registry
	moves        *prometheus.CounterVec
	rebalances   *prometheus.CounterVec
	moveDuration prometheus.Histogram
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		moves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_issue_moves_total",
			Help: "Issue moves handled, by result.",
		}, []string{"result"}),
		rebalances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_column_rebalances_total",
			Help: "Column rebalances, by reason.",
		}, []string{"reason"}),
		moveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_issue_move_duration_seconds",
			Help:    "Time spent computing and persisting an issue move.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	r.registry.MustRegister(
		r.moves,
		r.rebalances,
		r.moveDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) ObserveMove(result string, started time.Time) {
	r.moves.WithLabelValues(result).Inc()
	r.moveDuration.Observe(time.Since(started).Seconds())
}

func (r *Recorder) ObserveRebalance(reason string) {
	r.rebalances.WithLabelValues(reason).Inc()
}

// Handler serves the /metrics scrape endpoint.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
