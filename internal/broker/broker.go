// Package broker implements the fill simulator: order validation on
// submit, conservative queue-ahead fill accounting, IOC evaluation, the
// order state machine, and per-fill fee computation under the basis-points
// fee model (gross-profit fees are computed at lot-close by
// internal/portfolio instead).
//
// The simulated book never contains our own resting size — it mirrors the
// market's wire feed only — so a tracked order's queue_ahead_size is simply
// the book's aggregate depth at the order's price at the moment it rests.
// A resting order fills only when its price level is consumed to zero in a
// single event; partial consumption drains the queue ahead of it and
// nothing more.
package broker

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"simtrader/internal/book"
	"simtrader/pkg/types"
)

// Config controls validation thresholds and the fill model.
type Config struct {
	MinNotional decimal.Decimal
	RealismMode types.RealismMode
	FeeModel    types.FeeModel
	FeeRate     decimal.Decimal
}

// trackedOrder is the Broker's private bookkeeping for one resting order,
// layered on top of the shared types.Order record. A map keyed by order_id
// stands in for a dense order arena, since a run's working set of
// simultaneously-active orders is small.
type trackedOrder struct {
	order     *types.Order
	lastDepth decimal.Decimal
	fillSeq   int
}

// Broker is per-run state; it is not safe to share across runs.
type Broker struct {
	mu      sync.Mutex
	cfg     Config
	orders  map[string]*trackedOrder
	byAsset map[string][]*trackedOrder
}

// New returns a Broker with no active orders.
func New(cfg Config) *Broker {
	return &Broker{
		cfg:     cfg,
		orders:  make(map[string]*trackedOrder),
		byAsset: make(map[string][]*trackedOrder),
	}
}

// Submit validates and, for marketable IOC orders, immediately fills
// intent against the current book; an IOC order is evaluated exactly
// once, here. It never returns an error for a rejected or partially-
// filled order — rejection is a terminal order state, not a Broker-level
// failure. An error return means intent.OrderID collides with an order
// already tracked this run.
func (b *Broker) Submit(bk book.Reader, seq int64, intent types.OrderIntent) (*types.Order, []types.Fill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.orders[intent.OrderID]; exists {
		return nil, nil, fmt.Errorf("broker: duplicate order_id %q", intent.OrderID)
	}

	order := &types.Order{
		OrderID:       intent.OrderID,
		AssetID:       intent.AssetID,
		Side:          intent.Side,
		Price:         intent.Price,
		SizeRequested: intent.Size,
		Type:          intent.Type,
		SubmittedSeq:  seq,
		TIFSeqLimit:   intent.TIFSeqLimit,
		RemainingSize: intent.Size,
		State:         types.OrderPending,
		CancelOnGap:   intent.CancelOnGap,
	}

	if !tickAligned(intent.Price, bk.TickSize()) {
		order.State = types.OrderRejected
		order.RejectReason = "tick_misaligned"
		return order, nil, nil
	}
	if intent.Size.LessThanOrEqual(decimal.Zero) {
		order.State = types.OrderRejected
		order.RejectReason = "invalid_size"
		return order, nil, nil
	}
	if notional := intent.Price.Mul(intent.Size); notional.LessThan(b.cfg.MinNotional) {
		order.State = types.OrderRejected
		order.RejectReason = "below_min_notional"
		return order, nil, nil
	}

	if intent.Type == types.OrderIOC {
		fills := b.evaluateIOC(bk, seq, order)
		return order, fills, nil
	}

	tracked := &trackedOrder{
		order:     order,
		lastDepth: bk.DepthAtEitherSide(order.Price),
	}
	order.QueueAheadSize = tracked.lastDepth
	b.orders[order.OrderID] = tracked
	b.byAsset[order.AssetID] = append(b.byAsset[order.AssetID], tracked)
	return order, nil, nil
}

// evaluateIOC resolves an IOC order against the book exactly once, at
// submission. A marketable order fills at its own limit price, never at
// the crossed opposite price; any unfilled remainder is dropped and the
// order never rests.
func (b *Broker) evaluateIOC(bk book.Reader, seq int64, order *types.Order) []types.Fill {
	marketable := isMarketable(bk, order.Side, order.Price)
	if !marketable {
		order.State = types.OrderRejected
		order.RejectReason = "ioc_not_marketable"
		return nil
	}

	available := marketableDepth(bk, order.Side, order.Price)
	fillSize := decimal.Min(order.RemainingSize, available)
	var fills []types.Fill
	if fillSize.GreaterThan(decimal.Zero) {
		fill := types.Fill{
			FillID:   fmt.Sprintf("%s-fill-0", order.OrderID),
			OrderID:  order.OrderID,
			AssetID:  order.AssetID,
			EventSeq: seq,
			Price:    order.Price,
			Size:     fillSize,
			Side:     order.Side,
		}
		if b.cfg.FeeModel == types.FeeBasisPoints {
			fill.FeeCharged = b.cfg.FeeRate.Mul(order.Price).Mul(fillSize)
		}
		fills = append(fills, fill)
		order.RemainingSize = order.RemainingSize.Sub(fillSize)
	}

	if order.RemainingSize.IsZero() {
		order.State = types.OrderFilled
	} else {
		order.State = types.OrderCancelled
		order.CancelReason = "ioc_partial_remainder"
	}
	return fills
}

// isMarketable reports whether a limit order at price would cross the
// current opposite best.
func isMarketable(bk book.Reader, side types.Side, price decimal.Decimal) bool {
	if side == types.Buy {
		askPrice, _, ok := bk.BestAsk()
		return ok && price.GreaterThanOrEqual(askPrice)
	}
	bidPrice, _, ok := bk.BestBid()
	return ok && price.LessThanOrEqual(bidPrice)
}

// marketableDepth sums the opposite side's aggregate size at every level a
// limit at price would cross. An IOC buy at 0.60 over asks at 0.58 and 0.60
// can consume both levels, even though it still fills at its own stated
// price.
func marketableDepth(bk book.Reader, side types.Side, price decimal.Decimal) decimal.Decimal {
	var total decimal.Decimal
	for _, lvl := range bk.Levels(side.Opposite()) {
		if side == types.Buy && lvl.Price.GreaterThan(price) {
			break
		}
		if side == types.Sell && lvl.Price.LessThan(price) {
			break
		}
		total = total.Add(lvl.Size)
	}
	return total
}

func tickAligned(price, tickSize decimal.Decimal) bool {
	if tickSize.IsZero() {
		return true
	}
	return price.Mod(tickSize).IsZero()
}

// OnEvent re-evaluates every resting order for assetID against the updated
// book. It must be called once per event, after the event has
// been applied to the book, and only when the book is not locked/crossed.
func (b *Broker) OnEvent(bk book.Reader, seq int64, assetID string, eventKind types.EventKind, lastTrade *types.LastTradePricePayload) []types.Fill {
	b.mu.Lock()
	defer b.mu.Unlock()

	var fills []types.Fill
	for _, t := range b.byAsset[assetID] {
		if t.order.State.Terminal() {
			continue
		}
		if t.order.State == types.OrderPending {
			t.order.State = types.OrderActive
		}
		if t.order.TIFSeqLimit != nil && seq > *t.order.TIFSeqLimit {
			t.order.State = types.OrderCancelled
			t.order.CancelReason = "tif_seq_limit"
			continue
		}

		if b.cfg.RealismMode == types.RealismRelaxed && lastTrade != nil {
			if f := b.tryRelaxedFill(seq, t, lastTrade); f != nil {
				fills = append(fills, *f)
				continue
			}
		}

		if eventKind != types.KindPriceChange {
			// A book_snapshot replaces state wholesale; we cannot attribute
			// its change to movement through our queue position, so we only
			// resync the queue estimate.
			t.lastDepth = bk.DepthAtEitherSide(t.order.Price)
			t.order.QueueAheadSize = t.lastDepth
			continue
		}

		newDepth := bk.DepthAtEitherSide(t.order.Price)
		delta := t.lastDepth.Sub(newDepth)
		t.lastDepth = newDepth

		if delta.LessThanOrEqual(decimal.Zero) {
			// Unchanged or grew: new size goes behind us.
			continue
		}

		if newDepth.GreaterThan(decimal.Zero) {
			// Partial consumption, level not fully taken: eats into the
			// queue ahead of us only, never fills us.
			t.order.QueueAheadSize = decimal.Max(decimal.Zero, t.order.QueueAheadSize.Sub(delta))
			continue
		}

		// Level fully taken this event: queue_ahead_size is necessarily
		// driven to 0 (it can never exceed the level depth it was drawn
		// from), so the whole movement is conservatively attributed as
		// passing through our queue position.
		t.order.QueueAheadSize = decimal.Zero
		fillSize := decimal.Min(t.order.RemainingSize, delta)
		if fillSize.LessThanOrEqual(decimal.Zero) {
			continue
		}
		fills = append(fills, b.recordFill(seq, t, fillSize))
	}
	return fills
}

// tryRelaxedFill fills a resting order whose price is strictly crossed by a
// trade print, the inference relaxed mode permits.
func (b *Broker) tryRelaxedFill(seq int64, t *trackedOrder, trade *types.LastTradePricePayload) *types.Fill {
	crossed := false
	if t.order.Side == types.Buy {
		crossed = trade.Price.LessThan(t.order.Price)
	} else {
		crossed = trade.Price.GreaterThan(t.order.Price)
	}
	if !crossed {
		return nil
	}
	fill := b.recordFill(seq, t, t.order.RemainingSize)
	return &fill
}

func (b *Broker) recordFill(seq int64, t *trackedOrder, size decimal.Decimal) types.Fill {
	fill := types.Fill{
		FillID:   fmt.Sprintf("%s-fill-%d", t.order.OrderID, t.fillSeq),
		OrderID:  t.order.OrderID,
		AssetID:  t.order.AssetID,
		EventSeq: seq,
		Price:    t.order.Price,
		Size:     size,
		Side:     t.order.Side,
	}
	if b.cfg.FeeModel == types.FeeBasisPoints {
		fill.FeeCharged = b.cfg.FeeRate.Mul(t.order.Price).Mul(size)
	}
	t.fillSeq++
	t.order.RemainingSize = t.order.RemainingSize.Sub(size)
	if t.order.RemainingSize.IsZero() {
		t.order.State = types.OrderFilled
	} else {
		t.order.State = types.OrderPartiallyFilled
	}
	return fill
}

// Cancel marks order_id cancelled immediately if it is not already terminal.
// The Run Engine is responsible for honoring cancel_latency_seq by delaying
// the call itself; the Broker has no notion of "pending cancel".
func (b *Broker) Cancel(orderID string, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("broker: unknown order_id %q", orderID)
	}
	if t.order.State.Terminal() {
		return nil
	}
	t.order.State = types.OrderCancelled
	t.order.CancelReason = reason
	return nil
}

// CancelOnGap cancels every non-terminal order for assetID that declared
// cancel_on_gap, in response to a control:ws_gap event.
func (b *Broker) CancelOnGap(assetID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.byAsset[assetID] {
		if !t.order.State.Terminal() && t.order.CancelOnGap {
			t.order.State = types.OrderCancelled
			t.order.CancelReason = "ws_gap"
		}
	}
}

// Order returns the current state of a tracked order, or nil if unknown.
func (b *Broker) Order(orderID string) *types.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.orders[orderID]
	if !ok {
		return nil
	}
	return t.order
}

// ActiveOrders returns a read-only snapshot of non-terminal orders for
// assetID, in submission order.
func (b *Broker) ActiveOrders(assetID string) []types.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Order
	for _, t := range b.byAsset[assetID] {
		if !t.order.State.Terminal() {
			out = append(out, *t.order)
		}
	}
	return out
}

// Orders returns a read-only snapshot of every tracked order for assetID,
// terminal or not, in submission order. This is the Strategy capability
// view: a strategy must be able to see that a leg it submitted has
// filled, which the non-terminal-only ActiveOrders cannot show.
func (b *Broker) Orders(assetID string) []types.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Order
	for _, t := range b.byAsset[assetID] {
		out = append(out, *t.order)
	}
	return out
}
