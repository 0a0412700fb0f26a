// Package engine drives the single-threaded replay/shadow event loop:
// apply each event to its asset's L2 Book, re-evaluate resting orders
// against the updated book, invoke the Strategy callback, submit and
// cancel orders through the Broker, mark the Portfolio to market, and
// append the per-event artifact rows the run directory requires. One
// cooperative loop over a single event source; a run is a single
// deterministic pass, not an always-on bot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"simtrader/internal/book"
	"simtrader/internal/broker"
	"simtrader/internal/guard"
	"simtrader/internal/metrics"
	"simtrader/internal/portfolio"
	"simtrader/internal/store"
	"simtrader/internal/strategy"
	"simtrader/pkg/types"
)

// EventSource is anything that produces the event stream the Engine
// drives: the Tape Reader for replay, or the Shadow Driver for live
// shadow execution, which provides the same event stream shape as the
// Tape Reader. *tape.Reader already satisfies this shape.
type EventSource interface {
	Next() bool
	Event() types.Event
	Err() error
}

// Config parameterizes one run.
type Config struct {
	RunID            string
	AssetIDs         []string
	PrimaryAssetID   string
	StartingCash     decimal.Decimal
	Broker           broker.Config
	Portfolio        portfolio.Config
	Guard            guard.Config
	CancelLatencySeq int64

	TapeID          string
	ShadowSessionID string
}

// pendingCancel is a strategy cancel intent whose effect is delayed by
// cancel_latency_seq events.
type pendingCancel struct {
	orderID      string
	effectiveSeq int64
}

// Engine owns one run's books, broker, portfolio, and artifact sink. It is
// not safe for concurrent use; a run is driven by a single goroutine.
type Engine struct {
	cfg       Config
	strategy  strategy.Strategy
	store     *store.Store
	logger    *slog.Logger
	broker    *broker.Broker
	portfolio *portfolio.Portfolio
	guard     *guard.Guard

	books map[string]*book.Book

	orderStates   map[string]types.OrderState // last recorded state, for transition diffing
	orderAsset    map[string]string           // order_id -> asset_id, for pending-cancel lookup
	pendingCancel []pendingCancel
	lockedSince   map[string]time.Time // asset_id -> instant its book became locked/crossed

	counts         types.RunCounts
	warnings       []string
	invalidEvents  int64 // events carrying at least one rejected book entry
	lastAppliedSeq int64
}

// invalidEventRateThreshold is the share of invalid events past which
// run_quality degrades a further step.
const invalidEventRateThreshold = 0.05

// Halter is an optional Strategy capability: a strategy that wants to stop
// the run early (its work is done, or it has hit its own risk limit)
// reports true from Halted after the callback that decided so, and the
// engine exits with exit_reason=strategy_halt.
type Halter interface {
	Halted() bool
}

// New wires one run's components. Books are created eagerly for every
// asset in cfg.AssetIDs so the Strategy's Context.Books always has an
// entry for every subscribed asset, even one that has not yet produced an
// event.
func New(cfg Config, strat strategy.Strategy, st *store.Store, logger *slog.Logger) *Engine {
	e := &Engine{
		cfg:         cfg,
		strategy:    strat,
		store:       st,
		logger:      logger.With("component", "engine", "run_id", cfg.RunID),
		broker:      broker.New(cfg.Broker),
		portfolio:   portfolio.New(cfg.Portfolio, cfg.StartingCash),
		guard:       guard.New(cfg.Guard, logger),
		books:       make(map[string]*book.Book),
		orderStates: make(map[string]types.OrderState),
		orderAsset:  make(map[string]string),
		lockedSince: make(map[string]time.Time),
	}
	for _, id := range cfg.AssetIDs {
		e.books[id] = book.New(id)
	}
	return e
}

func (e *Engine) bookFor(assetID string) *book.Book {
	bk, ok := e.books[assetID]
	if !ok {
		bk = book.New(assetID)
		e.books[assetID] = bk
	}
	return bk
}

// Run drives source to exhaustion or a halt condition and writes the
// final run_manifest. ctx's deadline or cancellation becomes
// exit_reason=deadline; event-source exhaustion becomes exit_reason
// end_of_tape; an ErrFeedTimeout from the source becomes
// exit_reason=ws_stall with run_quality=degraded; a TapeCorrupt or other
// fatal source error becomes exit_reason=error with run_quality=invalid.
func (e *Engine) Run(ctx context.Context, source EventSource) (types.RunManifest, error) {
	startedAtMs := time.Now().UnixMilli()
	exitReason := types.ExitEndOfTape
	runQuality := types.QualityOK

loop:
	for {
		select {
		case <-ctx.Done():
			exitReason = types.ExitDeadline
			break loop
		default:
		}

		if err := e.guard.CheckDeadline(e.counts.EventsApplied, time.Now()); err != nil {
			exitReason = types.ExitDeadline
			e.logger.Info("run deadline reached", "error", err)
			break loop
		}

		if !source.Next() {
			if ctx.Err() != nil {
				// The source stopped because the caller cancelled: a
				// cooperative halt, not a source failure.
				exitReason = types.ExitDeadline
				break loop
			}
			if err := source.Err(); err != nil && err != io.EOF {
				switch {
				case errors.Is(err, types.ErrFeedTimeout):
					exitReason = types.ExitWSStall
					runQuality = types.QualityDegraded
				default:
					exitReason = types.ExitError
					runQuality = types.QualityInvalid
				}
				e.warnings = append(e.warnings, fmt.Sprintf("event source error: %v", err))
				e.logger.Error("event source error, halting run", "error", err)
			}
			break loop
		}

		ev := source.Event()
		halt, haltReason, err := e.processEvent(ev)
		if err != nil {
			exitReason = types.ExitError
			runQuality = types.QualityInvalid
			e.warnings = append(e.warnings, fmt.Sprintf("seq %d: %v", ev.Seq, err))
			e.logger.Error("fatal error processing event, halting run", "seq", ev.Seq, "error", err)
			break loop
		}
		if halt {
			exitReason = haltReason
			break loop
		}
	}

	e.cancelRestingOrders(exitReason)

	// Books still locked at halt time close out their locked interval here.
	for _, since := range e.lockedSince {
		metrics.AddBookLockedSeconds(e.cfg.RunID, time.Since(since))
	}
	e.lockedSince = make(map[string]time.Time)

	finishedAtMs := time.Now().UnixMilli()
	unrealizedTotal := e.markToMarketAll()
	runQuality = e.resolveRunQuality(runQuality, exitReason)

	manifest := types.RunManifest{
		RunID:              e.cfg.RunID,
		StartedAtMs:        startedAtMs,
		FinishedAtMs:       finishedAtMs,
		GeneratedAtMs:      finishedAtMs,
		RunQuality:         runQuality,
		ExitReason:         exitReason,
		Counts:             e.counts,
		RealizedPnLTotal:   e.portfolio.State().RealizedPnLTotal,
		UnrealizedPnLTotal: unrealizedTotal,
		TapeID:             e.cfg.TapeID,
		ShadowSessionID:    e.cfg.ShadowSessionID,
		Warnings:           e.warnings,
	}
	meta := types.RunMeta{RunQuality: runQuality, Warnings: e.warnings}
	if err := e.store.Close(manifest, meta); err != nil {
		return manifest, fmt.Errorf("engine: finalize run artifacts: %w", err)
	}
	metrics.SetRunQuality(e.cfg.RunID, string(runQuality))
	e.logger.Info("run finished", "exit_reason", exitReason, "run_quality", runQuality, "events_applied", e.counts.EventsApplied)
	return manifest, nil
}

// processEvent runs the full per-event pipeline. halt is true
// when the run should stop after this event is recorded: on control:eof,
// or when a Halter strategy reports Halted.
func (e *Engine) processEvent(ev types.Event) (halt bool, haltReason types.ExitReason, err error) {
	if err := e.applyPendingCancels(ev.Seq); err != nil {
		return false, "", err
	}

	stateChanged := false
	bk := e.bookFor(ev.AssetID)
	var lastTrade *types.LastTradePricePayload
	mutated := false

	switch ev.Kind {
	case types.KindBookSnapshot:
		e.recordApplyResult(ev, bk.ApplyBookSnapshot(ev.Seq, ev.BookSnapshot))
		mutated = true
	case types.KindPriceChange:
		e.recordApplyResult(ev, bk.ApplyPriceChange(ev.Seq, ev.PriceChange))
		mutated = true
	case types.KindTickSizeChange:
		e.recordApplyResult(ev, bk.ApplyTickSizeChange(ev.Seq, ev.TickSizeChange))
		mutated = true
	case types.KindLastTradePrice:
		lastTrade = ev.LastTradePrice
	case types.KindControl:
		switch ev.Control.Subkind {
		case types.ControlWSGap:
			e.broker.CancelOnGap(ev.AssetID)
			e.warnings = append(e.warnings, fmt.Sprintf("seq %d asset %s: control:ws_gap", ev.Seq, ev.AssetID))
			metrics.IncWSGap(e.cfg.RunID)
		case types.ControlWSReconnect:
			metrics.IncWSReconnect(e.cfg.RunID)
		case types.ControlEOF:
			halt, haltReason = true, types.ExitEndOfTape
		}
	}
	e.counts.EventsApplied++
	e.lastAppliedSeq = ev.Seq
	metrics.IncEventsApplied(e.cfg.RunID)

	if bk.IsLockedOrCrossed() {
		// Wire-level delta streams transiently cross; strategy and broker
		// wait for a conforming state. Not a quality downgrade.
		if _, ok := e.lockedSince[ev.AssetID]; !ok {
			e.lockedSince[ev.AssetID] = time.Now()
		}
		e.counts.EventsSkipped++
		metrics.IncEventsSkipped(e.cfg.RunID)
		return halt, haltReason, nil
	}
	if since, ok := e.lockedSince[ev.AssetID]; ok {
		metrics.AddBookLockedSeconds(e.cfg.RunID, time.Since(since))
		delete(e.lockedSince, ev.AssetID)
	}

	fills := e.broker.OnEvent(bk, ev.Seq, ev.AssetID, ev.Kind, lastTrade)
	if len(fills) > 0 {
		stateChanged = true
	}
	for _, f := range fills {
		e.portfolio.ApplyFill(f)
		metrics.IncFill(e.cfg.RunID, string(f.Side))
		if err := e.store.AppendFill(ev.Seq, f); err != nil {
			return false, "", fmt.Errorf("append fill: %w", err)
		}
	}
	// Sorted so same-event transition rows land in orders.jsonl in the same
	// order on every run.
	trackedIDs := make([]string, 0, len(e.orderAsset))
	for orderID, assetID := range e.orderAsset {
		if assetID == ev.AssetID {
			trackedIDs = append(trackedIDs, orderID)
		}
	}
	sort.Strings(trackedIDs)
	for _, orderID := range trackedIDs {
		if e.recordTransitionIfChanged(ev.Seq, orderID) {
			stateChanged = true
		}
	}

	ctx := e.buildContext(ev)
	intents, cancels := e.strategy.OnEvent(ctx)

	rejected, err := e.submitIntents(ev, intents)
	if err != nil {
		return false, "", err
	}
	if len(intents) > 0 {
		stateChanged = true
	}
	e.registerCancels(ev.Seq, cancels)

	if err := e.store.AppendDecision(types.Decision{
		Seq:                   ev.Seq,
		EventKind:             ev.Kind,
		AssetID:               ev.AssetID,
		RejectedReasons:       rejected,
		IntentsSubmittedCount: len(intents),
		IntentsCancelledCount: len(cancels),
	}); err != nil {
		return false, "", fmt.Errorf("append decision: %w", err)
	}

	unrealized := e.markToMarketAll()
	if err := e.guard.CheckPortfolio(e.portfolio.State()); err != nil {
		return false, "", err
	}
	if err := e.store.AppendEquity(types.EquityPoint{
		Seq:      ev.Seq,
		TsRecvMs: ev.TsRecvMs,
		Equity:   e.portfolio.State().Cash.Add(unrealized),
	}); err != nil {
		return false, "", fmt.Errorf("append equity: %w", err)
	}

	if mutated && ev.AssetID == e.cfg.PrimaryAssetID {
		bestBid, bestBidSize, _ := bk.BestBid()
		bestAsk, bestAskSize, _ := bk.BestAsk()
		if err := e.store.AppendBestBidAsk(types.BestBidAskRecord{
			Seq: ev.Seq, BestBid: bestBid, BestBidSize: bestBidSize, BestAsk: bestAsk, BestAskSize: bestAskSize,
		}); err != nil {
			return false, "", fmt.Errorf("append best_bid_ask: %w", err)
		}
	}

	if stateChanged {
		if err := e.store.AppendLedger(e.buildLedgerRecord(ev.Seq)); err != nil {
			return false, "", fmt.Errorf("append ledger: %w", err)
		}
	}

	if !halt {
		if h, ok := e.strategy.(Halter); ok && h.Halted() {
			halt, haltReason = true, types.ExitStrategyHalt
		}
	}
	return halt, haltReason, nil
}

// recordApplyResult folds a book mutation's rejected-entry count and
// warnings into the run's warning log.
func (e *Engine) recordApplyResult(ev types.Event, res *book.ApplyResult) {
	if res == nil {
		return
	}
	if res.RejectedEntries > 0 {
		e.invalidEvents++
		e.warnings = append(e.warnings, fmt.Sprintf("seq %d asset %s: %d rejected book entries", ev.Seq, ev.AssetID, res.RejectedEntries))
	}
	for _, w := range res.Warnings {
		e.warnings = append(e.warnings, fmt.Sprintf("seq %d asset %s: %s", ev.Seq, ev.AssetID, w))
	}
}

// cancelRestingOrders cancels every order still resting when the run
// halts, so a finished run leaves no order in state active. Order ids are
// visited in sorted order so the emitted orders.jsonl tail is
// deterministic.
func (e *Engine) cancelRestingOrders(exitReason types.ExitReason) {
	orderIDs := make([]string, 0, len(e.orderAsset))
	for id := range e.orderAsset {
		orderIDs = append(orderIDs, id)
	}
	sort.Strings(orderIDs)
	for _, id := range orderIDs {
		order := e.broker.Order(id)
		if order == nil || order.State.Terminal() {
			continue
		}
		if err := e.broker.Cancel(id, string(exitReason)); err != nil {
			continue
		}
		e.recordTransitionIfChanged(e.lastAppliedSeq, id)
	}
}

// resolveRunQuality folds the accumulated warnings and invalid-event
// rate into the final run_quality: any warning present downgrades ok to
// warnings; an invalid rate over the threshold pushes a further step to
// degraded. A run that ran its tape to the end without ever absorbing a
// book_snapshot for a configured asset is invalid; halts for other reasons
// (ws_stall, deadline) keep their own quality so a degraded shadow run
// stays degraded rather than invalid.
func (e *Engine) resolveRunQuality(quality types.RunQuality, exitReason types.ExitReason) types.RunQuality {
	if quality == types.QualityOK && len(e.warnings) > 0 {
		quality = types.QualityWarnings
	}
	if e.counts.EventsApplied > 0 && quality == types.QualityWarnings {
		rate := float64(e.invalidEvents) / float64(e.counts.EventsApplied)
		if rate > invalidEventRateThreshold {
			quality = types.QualityDegraded
		}
	}
	if exitReason == types.ExitEndOfTape {
		for _, assetID := range e.cfg.AssetIDs {
			if bk := e.books[assetID]; bk == nil || !bk.IsInitialized() {
				e.warnings = append(e.warnings, fmt.Sprintf("asset %s: no book_snapshot observed this run", assetID))
				quality = types.QualityInvalid
			}
		}
	}
	return quality
}

// buildContext assembles the read-only Strategy.Context view for ev.
// Books and ActiveOrders cover every configured asset, not just ev's, so a
// multi-asset strategy (e.g. binary-complement-arb) always sees both legs.
// The order view includes orders that reached a terminal state this run —
// a strategy has to be able to observe that one of its legs filled.
func (e *Engine) buildContext(ev types.Event) strategy.Context {
	books := make(map[string]book.Reader, len(e.cfg.AssetIDs))
	activeOrders := make(map[string][]types.Order, len(e.cfg.AssetIDs))
	for _, id := range e.cfg.AssetIDs {
		books[id] = e.bookFor(id)
		activeOrders[id] = e.broker.Orders(id)
	}
	return strategy.Context{
		Seq:          ev.Seq,
		Event:        ev,
		Books:        books,
		Portfolio:    e.portfolio.State(),
		ActiveOrders: activeOrders,
	}
}

// submitIntents validates and submits each OrderIntent through the
// Broker, recording the initial lifecycle transition for every order the
// Broker accepted (even one immediately terminal, like a rejected or
// IOC-filled order).
func (e *Engine) submitIntents(ev types.Event, intents []types.OrderIntent) (map[string]string, error) {
	var rejected map[string]string
	for _, intent := range intents {
		bk := e.bookFor(intent.AssetID)
		order, fills, err := e.broker.Submit(bk, ev.Seq, intent)
		if err != nil {
			if rejected == nil {
				rejected = make(map[string]string)
			}
			rejected[intent.OrderID] = err.Error()
			continue
		}
		e.counts.OrdersSubmitted++

		for _, f := range fills {
			e.portfolio.ApplyFill(f)
			if err := e.store.AppendFill(ev.Seq, f); err != nil {
				return rejected, fmt.Errorf("append fill: %w", err)
			}
		}

		reason := order.RejectReason
		if reason == "" {
			reason = order.CancelReason
		}
		if reason != "" {
			if rejected == nil {
				rejected = make(map[string]string)
			}
			rejected[order.OrderID] = reason
		}
		if err := e.emitInitialTransition(ev.Seq, order, reason); err != nil {
			return rejected, err
		}
		if !order.State.Terminal() {
			e.orderAsset[order.OrderID] = order.AssetID
		}
	}
	return rejected, nil
}

func (e *Engine) emitInitialTransition(seq int64, order *types.Order, reason string) error {
	if err := e.store.AppendOrderTransition(types.OrderLifecycleRecord{
		Seq:     seq,
		OrderID: order.OrderID,
		StateTransition: types.StateTransition{
			From:   "",
			To:     order.State,
			Reason: reason,
		},
	}); err != nil {
		return fmt.Errorf("append order transition: %w", err)
	}
	e.orderStates[order.OrderID] = order.State
	e.countTerminal(order.State)
	return nil
}

// recordTransitionIfChanged diffs a tracked order's current Broker-side
// state against the last-recorded one and appends an orders.jsonl row if
// it changed, reporting whether it did.
func (e *Engine) recordTransitionIfChanged(seq int64, orderID string) bool {
	cur := e.broker.Order(orderID)
	if cur == nil {
		return false
	}
	prev := e.orderStates[orderID]
	if prev == cur.State {
		return false
	}
	reason := cur.RejectReason
	if reason == "" {
		reason = cur.CancelReason
	}
	if err := e.store.AppendOrderTransition(types.OrderLifecycleRecord{
		Seq:     seq,
		OrderID: orderID,
		StateTransition: types.StateTransition{From: prev, To: cur.State, Reason: reason},
	}); err != nil {
		e.logger.Error("append order transition", "order_id", orderID, "error", err)
		return false
	}
	e.orderStates[orderID] = cur.State
	e.countTerminal(cur.State)
	return true
}

func (e *Engine) countTerminal(state types.OrderState) {
	switch state {
	case types.OrderFilled:
		e.counts.OrdersFilled++
	case types.OrderCancelled:
		e.counts.OrdersCancelled++
	case types.OrderRejected:
		e.counts.OrdersRejected++
	}
}

// registerCancels schedules each CancelIntent to take effect
// cancel_latency_seq events after seq.
func (e *Engine) registerCancels(seq int64, cancels []types.CancelIntent) {
	for _, c := range cancels {
		e.pendingCancel = append(e.pendingCancel, pendingCancel{
			orderID:      c.OrderID,
			effectiveSeq: seq + e.cfg.CancelLatencySeq,
		})
	}
}

// applyPendingCancels applies every scheduled cancel whose effective seq
// has arrived.
func (e *Engine) applyPendingCancels(seq int64) error {
	remaining := e.pendingCancel[:0]
	for _, pc := range e.pendingCancel {
		if pc.effectiveSeq > seq {
			remaining = append(remaining, pc)
			continue
		}
		if err := e.broker.Cancel(pc.orderID, "strategy_cancel"); err != nil {
			e.logger.Warn("cancel of unknown order", "order_id", pc.orderID, "error", err)
			continue
		}
		e.recordTransitionIfChanged(seq, pc.orderID)
	}
	e.pendingCancel = remaining
	return nil
}

// markToMarketAll recomputes unrealized PnL for every open position in a
// deterministic (sorted by asset_id) order, so the accumulated mark-flag
// warnings are byte-identical across runs regardless of Go's randomized
// map iteration.
func (e *Engine) markToMarketAll() decimal.Decimal {
	positions := e.portfolio.State().Positions
	assetIDs := make([]string, 0, len(positions))
	for id, pos := range positions {
		if !pos.NetSize.IsZero() {
			assetIDs = append(assetIDs, id)
		}
	}
	sort.Strings(assetIDs)

	var total decimal.Decimal
	for _, assetID := range assetIDs {
		bk := e.books[assetID]
		var bestBid, bestAsk decimal.Decimal
		var haveBid, haveAsk bool
		if bk != nil {
			bestBid, _, haveBid = bk.BestBid()
			bestAsk, _, haveAsk = bk.BestAsk()
		}
		total = total.Add(e.portfolio.MarkToMarket(assetID, bestBid, bestAsk, haveBid, haveAsk))
	}
	e.warnings = append(e.warnings, e.portfolio.MarkFlags()...)
	return total
}

// buildLedgerRecord snapshots the full portfolio for ledger.jsonl.
// Positions is a map, so encoding/json serializes it with keys sorted
// lexicographically regardless of insertion order, preserving determinism.
func (e *Engine) buildLedgerRecord(seq int64) types.LedgerRecord {
	state := e.portfolio.State()
	positions := make(map[string]types.LedgerPosition, len(state.Positions))
	for id, pos := range state.Positions {
		positions[id] = types.LedgerPosition{
			NetSize:     pos.NetSize,
			AvgCost:     pos.AvgOpenCost(),
			RealizedPnL: pos.RealizedPnL,
			FeesPaid:    pos.FeesPaidCumulative,
		}
	}
	return types.LedgerRecord{Seq: seq, Cash: state.Cash, Positions: positions}
}

// Resolve closes out a market's remaining position at its resolved
// outcome value. Callers invoke this from outside the
// event loop once an external resolution signal arrives; it is not one of
// the per-event steps.
func (e *Engine) Resolve(assetID string, resolvedValue decimal.Decimal) {
	e.portfolio.Resolve(assetID, resolvedValue)
}

// Portfolio exposes the run's portfolio state for reporting after Run returns.
func (e *Engine) Portfolio() *types.Portfolio { return e.portfolio.State() }
