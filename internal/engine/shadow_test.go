package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"simtrader/internal/feed"
	"simtrader/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestShadowDriver_EmitsWSOpenFirst(t *testing.T) {
	t.Parallel()
	mf := feed.NewMarketFeed("ws://unused.example", []string{"asset-1"}, discardLogger())
	d := NewShadowDriver(ShadowConfig{AssetIDs: []string{"asset-1"}, MaxWSStallSeconds: 0}, mf, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Run(ctx)

	if !d.Next() {
		t.Fatalf("expected a first event, got err %v", d.Err())
	}
	ev := d.Event()
	if ev.Kind != types.KindControl || ev.Control.Subkind != types.ControlWSOpen {
		t.Fatalf("expected control:ws_open as the first event, got %+v", ev)
	}
	if ev.Seq != 1 {
		t.Fatalf("expected seq 1 for the first event, got %d", ev.Seq)
	}
}

func TestShadowDriver_StallEmitsKeepaliveThenTimesOut(t *testing.T) {
	t.Parallel()
	mf := feed.NewMarketFeed("ws://unused.example", []string{"asset-1"}, discardLogger())
	d := NewShadowDriver(ShadowConfig{AssetIDs: []string{"asset-1"}, MaxWSStallSeconds: 1}, mf, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Run(ctx)

	// Drain the initial control:ws_open.
	if !d.Next() {
		t.Fatalf("expected ws_open, got err %v", d.Err())
	}

	// No market events ever arrive on this feed (it never dials out), so the
	// driver should synthesize a keepalive once the stall threshold passes.
	if !d.Next() {
		t.Fatalf("expected a keepalive event, got err %v", d.Err())
	}
	ev := d.Event()
	if ev.Kind != types.KindControl || ev.Control.Subkind != types.ControlKeepalive {
		t.Fatalf("expected control:keepalive, got %+v", ev)
	}

	// Continued silence past the persistence grace halts the run.
	if d.Next() {
		t.Fatalf("expected Next to return false once the stall persists, got %+v", d.Event())
	}
	if !errors.Is(d.Err(), types.ErrFeedTimeout) {
		t.Fatalf("expected ErrFeedTimeout, got %v", d.Err())
	}
}
