package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestIncEventsApplied(t *testing.T) {
	t.Parallel()
	runID := "run-metrics-1"
	before := counterValue(t, eventsApplied.WithLabelValues(runID))
	IncEventsApplied(runID)
	IncEventsApplied(runID)
	after := counterValue(t, eventsApplied.WithLabelValues(runID))
	if after-before != 2 {
		t.Fatalf("expected counter to increase by 2, got delta %v", after-before)
	}
}

func TestIncFill_PerSideLabels(t *testing.T) {
	t.Parallel()
	runID := "run-metrics-2"
	IncFill(runID, "buy")
	IncFill(runID, "buy")
	IncFill(runID, "sell")

	buys := counterValue(t, fillsTotal.WithLabelValues(runID, "buy"))
	sells := counterValue(t, fillsTotal.WithLabelValues(runID, "sell"))
	if buys != 2 {
		t.Fatalf("expected 2 buy fills, got %v", buys)
	}
	if sells != 1 {
		t.Fatalf("expected 1 sell fill, got %v", sells)
	}
}

func TestSetRunQuality_OnlyActiveLabelIsOne(t *testing.T) {
	t.Parallel()
	runID := "run-metrics-3"
	SetRunQuality(runID, "degraded")

	var m dto.Metric
	if err := runQuality.WithLabelValues(runID, "degraded").Write(&m); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m.GetGauge().GetValue() != 1 {
		t.Fatalf("expected degraded gauge to be 1, got %v", m.GetGauge().GetValue())
	}
	if err := runQuality.WithLabelValues(runID, "ok").Write(&m); err != nil {
		t.Fatalf("write: %v", err)
	}
	if m.GetGauge().GetValue() != 0 {
		t.Fatalf("expected ok gauge to be 0, got %v", m.GetGauge().GetValue())
	}
}

func TestAddBookLockedSeconds(t *testing.T) {
	t.Parallel()
	runID := "run-metrics-4"
	before := counterValue(t, bookLockedSeconds.WithLabelValues(runID))
	AddBookLockedSeconds(runID, 1500*time.Millisecond)
	AddBookLockedSeconds(runID, 500*time.Millisecond)
	after := counterValue(t, bookLockedSeconds.WithLabelValues(runID))
	if delta := after - before; delta != 2 {
		t.Fatalf("expected 2 locked seconds accumulated, got %v", delta)
	}
}
