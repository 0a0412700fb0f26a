// Package metrics exposes Prometheus counters and gauges for shadow runs:
// events applied, reconnects, gaps, fills, and time spent with a
// locked/crossed book. Package-level vectors registered in init(), small
// setter-function wrappers, no per-run instance state.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	eventsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simtrader_events_applied_total",
			Help: "Events applied to the book/broker/portfolio pipeline, by run id.",
		},
		[]string{"run_id"},
	)

	eventsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simtrader_events_skipped_total",
			Help: "Events skipped due to a locked/crossed book.",
		},
		[]string{"run_id"},
	)

	wsReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simtrader_ws_reconnects_total",
			Help: "Shadow feed reconnections.",
		},
		[]string{"run_id"},
	)

	wsGaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simtrader_ws_gaps_total",
			Help: "Shadow feed gaps detected on reconnect.",
		},
		[]string{"run_id"},
	)

	fillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simtrader_fills_total",
			Help: "Fills executed by the broker, by run id and side.",
		},
		[]string{"run_id", "side"},
	)

	bookLockedSeconds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simtrader_book_locked_seconds_total",
			Help: "Cumulative time a run's books have been locked/crossed, summed over assets.",
		},
		[]string{"run_id"},
	)

	runQuality = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "simtrader_run_quality",
			Help: "Current run_quality indicator (1 for the active quality label, 0 otherwise).",
		},
		[]string{"run_id", "quality"},
	)
)

func init() {
	prometheus.MustRegister(eventsApplied, eventsSkipped, wsReconnects, wsGaps, fillsTotal, bookLockedSeconds, runQuality)
}

// IncEventsApplied increments the applied-event counter for runID.
func IncEventsApplied(runID string) { eventsApplied.WithLabelValues(runID).Inc() }

// IncEventsSkipped increments the skipped-event counter for runID.
func IncEventsSkipped(runID string) { eventsSkipped.WithLabelValues(runID).Inc() }

// IncWSReconnect increments the reconnect counter for runID.
func IncWSReconnect(runID string) { wsReconnects.WithLabelValues(runID).Inc() }

// IncWSGap increments the gap counter for runID.
func IncWSGap(runID string) { wsGaps.WithLabelValues(runID).Inc() }

// IncFill increments the fill counter for runID/side.
func IncFill(runID, side string) { fillsTotal.WithLabelValues(runID, side).Inc() }

// AddBookLockedSeconds adds d to the cumulative locked-book time for runID.
func AddBookLockedSeconds(runID string, d time.Duration) {
	bookLockedSeconds.WithLabelValues(runID).Add(d.Seconds())
}

// SetRunQuality sets the active quality label's gauge to 1 and clears the
// others, so a dashboard can graph the current quality as a step function.
func SetRunQuality(runID string, quality string) {
	for _, q := range []string{"ok", "warnings", "degraded", "invalid"} {
		v := 0.0
		if q == quality {
			v = 1
		}
		runQuality.WithLabelValues(runID, q).Set(v)
	}
}

// Server exposes the registered metrics over /metrics (Prometheus text
// exposition format) on an optional health port, for a shadow run's
// operator to scrape.
type Server struct {
	httpServer *http.Server
}

// NewServer creates (but does not start) a metrics HTTP server on addr.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{httpServer: &http.Server{Addr: addr, Handler: mux}}
}

// Run starts serving until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics: serve: %w", err)
	}
}
