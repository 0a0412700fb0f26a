// Package book implements the L2 order book state machine: a per-asset
// mirror of bid/ask price levels, applied strictly in event seq order,
// exposing best bid/ask, depth at price, and tick size to the Broker and
// Strategy layers. book_snapshot events replace both sides wholesale;
// price_change events set absolute sizes per level, with size zero
// removing the level.
package book

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"simtrader/pkg/types"
)

// levelEntry is one stored price level, keyed in the side map by the
// decimal's canonical string so identical prices always collide.
type levelEntry struct {
	price decimal.Decimal
	size  decimal.Decimal
}

// Book is the per-asset L2 state machine. Within a run it is accessed
// only from the engine goroutine; the RWMutex exists so a read-only view
// can safely be handed to a harness that inspects it from another
// goroutine.
type Book struct {
	mu sync.RWMutex

	assetID       string
	bids          map[string]levelEntry
	asks          map[string]levelEntry
	tickSize      decimal.Decimal
	lastUpdateSeq int64
	initialized   bool
}

// New creates an uninitialized book for one asset. It answers no queries
// until the first book_snapshot is applied.
func New(assetID string) *Book {
	return &Book{
		assetID: assetID,
		bids:    make(map[string]levelEntry),
		asks:    make(map[string]levelEntry),
	}
}

// AssetID returns the asset this book tracks.
func (b *Book) AssetID() string { return b.assetID }

// ApplyResult reports non-fatal outcomes of an Apply* call: counted
// rejections and warnings that feed the run's run_quality calculation.
// Invalid entries never abort the run; the engine inspects the result.
type ApplyResult struct {
	RejectedEntries int
	Warnings        []string
}

// ApplyBookSnapshot atomically replaces both sides of the book.
func (b *Book) ApplyBookSnapshot(seq int64, payload *types.BookSnapshotPayload) *ApplyResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := &ApplyResult{}

	bids := make(map[string]levelEntry, len(payload.Bids))
	for _, lvl := range payload.Bids {
		if lvl.Size.IsZero() {
			continue
		}
		bids[lvl.Price.String()] = levelEntry{price: lvl.Price, size: lvl.Size}
	}
	asks := make(map[string]levelEntry, len(payload.Asks))
	for _, lvl := range payload.Asks {
		if lvl.Size.IsZero() {
			continue
		}
		asks[lvl.Price.String()] = levelEntry{price: lvl.Price, size: lvl.Size}
	}

	b.bids = bids
	b.asks = asks
	if !payload.TickSize.IsZero() {
		b.tickSize = payload.TickSize
	}
	b.initialized = true
	b.lastUpdateSeq = seq

	return result
}

// ApplyPriceChange applies one or more absolute level sets in wire order
// Entries whose price is not tick-aligned are rejected, counted, and
// skipped rather than aborting the whole batch. Duplicate prices within
// one payload resolve last-write-wins in wire order, with a warning.
func (b *Book) ApplyPriceChange(seq int64, payload *types.PriceChangePayload) *ApplyResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := &ApplyResult{}

	if !b.initialized {
		result.RejectedEntries += len(payload.Changes)
		result.Warnings = append(result.Warnings, "price_change applied before book_snapshot; all entries dropped")
		return result
	}

	seenThisBatch := make(map[string]types.Side)
	for _, entry := range payload.Changes {
		if !b.tickAligned(entry.Price) {
			result.RejectedEntries++
			result.Warnings = append(result.Warnings, fmt.Sprintf("price_change entry at %s not tick-aligned to %s", entry.Price, b.tickSize))
			continue
		}

		key := entry.Price.String()
		sideKey := string(entry.Side) + ":" + key
		if _, dup := seenThisBatch[sideKey]; dup {
			result.Warnings = append(result.Warnings, fmt.Sprintf("duplicate price_change entry at %s %s in one event; last write wins", entry.Side, entry.Price))
		}
		seenThisBatch[sideKey] = entry.Side

		levels := b.levelsFor(entry.Side)
		if entry.Size.IsZero() {
			delete(levels, key)
		} else {
			levels[key] = levelEntry{price: entry.Price, size: entry.Size}
		}
	}

	b.lastUpdateSeq = seq
	return result
}

// ApplyTickSizeChange updates the minimum price increment and drops any
// existing level that is no longer tick-aligned.
func (b *Book) ApplyTickSizeChange(seq int64, payload *types.TickSizeChangePayload) *ApplyResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := &ApplyResult{}
	b.tickSize = payload.TickSize

	for key, lvl := range b.bids {
		if !b.tickAligned(lvl.price) {
			delete(b.bids, key)
			result.RejectedEntries++
			result.Warnings = append(result.Warnings, fmt.Sprintf("dropped bid level at %s after tick_size_change to %s", lvl.price, b.tickSize))
		}
	}
	for key, lvl := range b.asks {
		if !b.tickAligned(lvl.price) {
			delete(b.asks, key)
			result.RejectedEntries++
			result.Warnings = append(result.Warnings, fmt.Sprintf("dropped ask level at %s after tick_size_change to %s", lvl.price, b.tickSize))
		}
	}

	b.lastUpdateSeq = seq
	return result
}

func (b *Book) levelsFor(side types.Side) map[string]levelEntry {
	if side == types.Buy {
		return b.bids
	}
	return b.asks
}

func (b *Book) tickAligned(price decimal.Decimal) bool {
	if b.tickSize.IsZero() {
		return true
	}
	return price.Mod(b.tickSize).IsZero()
}

// BestBid returns the highest bid price and its size.
func (b *Book) BestBid() (price, size decimal.Decimal, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bestOf(b.bids, true)
}

// BestAsk returns the lowest ask price and its size.
func (b *Book) BestAsk() (price, size decimal.Decimal, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bestOf(b.asks, false)
}

func bestOf(levels map[string]levelEntry, wantHighest bool) (price, size decimal.Decimal, ok bool) {
	var best *levelEntry
	for _, lvl := range levels {
		lvl := lvl
		if best == nil {
			best = &lvl
			continue
		}
		if wantHighest && lvl.price.GreaterThan(best.price) {
			best = &lvl
		}
		if !wantHighest && lvl.price.LessThan(best.price) {
			best = &lvl
		}
	}
	if best == nil {
		return decimal.Zero, decimal.Zero, false
	}
	return best.price, best.size, true
}

// DepthAt returns the aggregate size resting at price on the given side,
// or zero if the level does not exist.
func (b *Book) DepthAt(side types.Side, price decimal.Decimal) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	levels := b.levelsFor(side)
	if lvl, ok := levels[price.String()]; ok {
		return lvl.size
	}
	return decimal.Zero
}

// DepthAtEitherSide returns the aggregate size resting at price, checking
// both sides. In a non-locked book a price can carry a resting level on at
// most one side at a time, so this is the depth the Broker's conservative
// queue-ahead accounting watches regardless of which side last wrote to
// it.
func (b *Book) DepthAtEitherSide(price decimal.Decimal) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	key := price.String()
	if lvl, ok := b.bids[key]; ok {
		return lvl.size
	}
	if lvl, ok := b.asks[key]; ok {
		return lvl.size
	}
	return decimal.Zero
}

// TickSize returns the current minimum price increment.
func (b *Book) TickSize() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tickSize
}

// IsInitialized reports whether a book_snapshot has ever been absorbed.
func (b *Book) IsInitialized() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.initialized
}

// LastUpdateSeq returns the seq of the most recently applied event.
func (b *Book) LastUpdateSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdateSeq
}

// IsLockedOrCrossed reports whether best_bid >= best_ask, the condition
// under which the Run Engine must not invoke Strategy or Broker.
func (b *Book) IsLockedOrCrossed() bool {
	bidPrice, _, bidOK := b.BestBid()
	askPrice, _, askOK := b.BestAsk()
	if !bidOK || !askOK {
		return false
	}
	return bidPrice.GreaterThanOrEqual(askPrice)
}

// Levels returns a sorted snapshot of one side: bids descending by price,
// asks ascending by price. Used by artifact emission and by the
// read-only View handed to strategies.
func (b *Book) Levels(side types.Side) []types.BookLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()

	levels := b.levelsFor(side)
	out := make([]types.BookLevel, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, types.BookLevel{Price: lvl.price, Size: lvl.size})
	}
	sort.Slice(out, func(i, j int) bool {
		if side == types.Buy {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// Reader is the read-only capability a Strategy or Broker is given — it
// cannot mutate book state. Book satisfies it; only the Run Engine holds
// a *Book directly.
type Reader interface {
	AssetID() string
	BestBid() (price, size decimal.Decimal, ok bool)
	BestAsk() (price, size decimal.Decimal, ok bool)
	DepthAt(side types.Side, price decimal.Decimal) decimal.Decimal
	DepthAtEitherSide(price decimal.Decimal) decimal.Decimal
	TickSize() decimal.Decimal
	IsInitialized() bool
	LastUpdateSeq() int64
	IsLockedOrCrossed() bool
	Levels(side types.Side) []types.BookLevel
}

var _ Reader = (*Book)(nil)
