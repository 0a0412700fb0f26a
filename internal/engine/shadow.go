package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"simtrader/internal/feed"
	"simtrader/internal/tape"
	"simtrader/pkg/types"
)

// defaultStallCheckInterval is how often ShadowDriver polls for a stalled
// feed between incoming events.
const defaultStallCheckInterval = time.Second

// stallPersistFraction sets how much longer than the stall threshold the
// silence must persist, after the keepalive, before the run halts with
// ws_stall: a 15s threshold emits a keepalive at 15s and halts at 20s.
const stallPersistFraction = 3

// ShadowConfig parameterizes a live shadow run.
type ShadowConfig struct {
	AssetIDs            []string
	MaxWSStallSeconds   int
	Recorder            *tape.Recorder // optional concurrent tape recording
	SnapshotForGapCheck bool           // fetch a REST snapshot on reconnect to corroborate the WS-delivered one
}

// ShadowDriver provides the same event stream shape as *tape.Reader
// (Next()/Event()/Err()), sourced from a live feed.MarketFeed instead of a
// tape file, so it satisfies engine.EventSource directly. It adds
// reconnect/gap control events, stall detection, and optional concurrent
// tape recording on top of the feed's reconnect machinery.
type ShadowDriver struct {
	cfg      ShadowConfig
	mf       *feed.MarketFeed
	snapshot *feed.SnapshotClient
	logger   *slog.Logger

	nextSeq int64
	pending []types.Event
	current types.Event
	err     error

	lastReconnects   int
	lastSnapshotHash map[string]string

	lastEventAt   time.Time
	keepaliveSent bool

	feedDone chan struct{}
}

// NewShadowDriver wires a MarketFeed (and, if SnapshotForGapCheck is set, a
// SnapshotClient for post-reconnect corroboration) into an EventSource.
func NewShadowDriver(cfg ShadowConfig, mf *feed.MarketFeed, snapshot *feed.SnapshotClient, logger *slog.Logger) *ShadowDriver {
	return &ShadowDriver{
		cfg:              cfg,
		mf:               mf,
		snapshot:         snapshot,
		logger:           logger.With("component", "shadow_driver"),
		nextSeq:          1,
		lastSnapshotHash: make(map[string]string),
		feedDone:         make(chan struct{}),
	}
}

// Run starts the underlying MarketFeed in the background. The caller must
// invoke this once before driving the ShadowDriver with Next()/Event().
func (d *ShadowDriver) Run(ctx context.Context) {
	d.lastEventAt = time.Now()
	d.pending = append(d.pending, d.seqEvent(types.Event{
		TsRecvMs: time.Now().UnixMilli(),
		Kind:     types.KindControl,
		Control:  &types.ControlPayload{Subkind: types.ControlWSOpen},
	}))
	if d.cfg.Recorder != nil {
		go d.recordRawFrames(ctx)
	}
	go func() {
		defer close(d.feedDone)
		if err := d.mf.Run(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("market feed exited", "error", err)
		}
	}()
}

// recordRawFrames drains the feed's exact wire bytes into the tape's
// raw_ws.jsonl, alongside the normalized events seqEvent tees, so a
// recorded shadow run carries both halves of the tape layout.
func (d *ShadowDriver) recordRawFrames(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-d.mf.RawFrames():
			if !ok {
				return
			}
			if err := d.cfg.Recorder.AppendRawFrame(frame.TsRecvMs, frame.Raw); err != nil {
				d.logger.Error("record raw frame", "error", err)
			}
		}
	}
}

// seqEvent assigns the next dense sequence number and tees the event
// through the optional Recorder for concurrent tape recording. The caller
// owns placing the returned event onto d.pending or returning it
// directly.
func (d *ShadowDriver) seqEvent(ev types.Event) types.Event {
	if d.cfg.Recorder != nil {
		recorded, err := d.cfg.Recorder.RecordEvents([]types.Event{ev})
		if err != nil {
			d.logger.Error("shadow recorder tee failed", "error", err)
		} else if len(recorded) == 1 {
			return recorded[0]
		}
	}
	ev.Seq = d.nextSeq
	ev.ParserVersion = tape.CurrentParserVersion
	d.nextSeq++
	return ev
}

// Next advances to the next event: a queued control event, a freshly
// received market event, a synthesized keepalive on stall, or a fatal
// ws_stall timeout.
func (d *ShadowDriver) Next() bool {
	if d.err != nil {
		return false
	}
	if len(d.pending) > 0 {
		d.current = d.pending[0]
		d.pending = d.pending[1:]
		return true
	}

	stallLimit := time.Duration(d.cfg.MaxWSStallSeconds) * time.Second
	for {
		select {
		case ev, ok := <-d.mf.Events():
			if !ok {
				d.err = fmt.Errorf("shadow: market feed closed")
				return false
			}
			d.lastEventAt = time.Now()
			d.keepaliveSent = false
			d.drainReconnect(ev.TsRecvMs)
			if ev.Kind == types.KindBookSnapshot && ev.BookSnapshot != nil {
				d.lastSnapshotHash[ev.AssetID] = ev.BookSnapshot.Hash
			}
			if len(d.pending) > 0 {
				// Reconnect/gap controls go out before the market event
				// that revealed them).
				d.pending = append(d.pending, d.seqEvent(ev))
				d.current = d.pending[0]
				d.pending = d.pending[1:]
				return true
			}
			d.current = d.seqEvent(ev)
			return true

		case <-time.After(minDuration(defaultStallCheckInterval, stallLimit)):
			if stallLimit <= 0 {
				continue
			}
			elapsed := time.Since(d.lastEventAt)
			if elapsed >= stallLimit && !d.keepaliveSent {
				d.keepaliveSent = true
				d.current = d.seqEvent(types.Event{
					TsRecvMs: time.Now().UnixMilli(),
					Kind:     types.KindControl,
					Control:  &types.ControlPayload{Subkind: types.ControlKeepalive},
				})
				return true
			}
			if elapsed >= stallLimit+stallLimit/stallPersistFraction {
				d.err = fmt.Errorf("%w: no event for %s", types.ErrFeedTimeout, elapsed)
				return false
			}
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if b <= 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

// drainReconnect emits control:ws_reconnect (and, if the REST snapshot
// fetched now has a different hash from the last snapshot seen for the
// asset, over WS or REST, control:ws_gap) ahead of the
// market event that triggered this call: reconnect events go out
// before any new market events.
func (d *ShadowDriver) drainReconnect(tsRecvMs int64) {
	reconnects := d.mf.Reconnects()
	if reconnects <= d.lastReconnects {
		return
	}
	d.lastReconnects = reconnects
	d.pending = append(d.pending, d.seqEvent(types.Event{
		TsRecvMs: tsRecvMs,
		Kind:     types.KindControl,
		Control:  &types.ControlPayload{Subkind: types.ControlWSReconnect},
	}))

	if !d.cfg.SnapshotForGapCheck || d.snapshot == nil {
		return
	}
	for _, assetID := range d.cfg.AssetIDs {
		snap, err := d.snapshot.FetchSnapshot(context.Background(), assetID)
		if err != nil || snap.BookSnapshot == nil {
			continue
		}
		prev, seen := d.lastSnapshotHash[assetID]
		d.lastSnapshotHash[assetID] = snap.BookSnapshot.Hash
		if seen && prev != snap.BookSnapshot.Hash {
			d.pending = append(d.pending, d.seqEvent(types.Event{
				TsRecvMs: tsRecvMs,
				AssetID:  assetID,
				Kind:     types.KindControl,
				Control:  &types.ControlPayload{Subkind: types.ControlWSGap},
			}))
		}
	}
}

// Event returns the event most recently produced by Next.
func (d *ShadowDriver) Event() types.Event { return d.current }

// Err returns the error that stopped Next (ws_stall or feed closure).
// Next returns false only after setting it. Cancelling the context passed
// to Run also closes the feed, so Err then reports the closure; the
// caller tells a cooperative stop apart by checking its own context.
func (d *ShadowDriver) Err() error { return d.err }
