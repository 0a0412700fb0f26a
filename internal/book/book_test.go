package book

import (
	"testing"

	"github.com/shopspring/decimal"

	"simtrader/pkg/types"
)

const testAsset = "asset-yes"

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func lvl(price, size string) types.BookLevel {
	return types.BookLevel{Price: dec(price), Size: dec(size)}
}

func snapshot(bids, asks []types.BookLevel, tick string) *types.BookSnapshotPayload {
	return &types.BookSnapshotPayload{Bids: bids, Asks: asks, TickSize: dec(tick)}
}

func TestApplyBookSnapshot(t *testing.T) {
	t.Parallel()
	b := New(testAsset)

	b.ApplyBookSnapshot(1, snapshot(
		[]types.BookLevel{lvl("0.55", "100"), lvl("0.54", "200")},
		[]types.BookLevel{lvl("0.57", "150")},
		"0.01",
	))

	if !b.IsInitialized() {
		t.Fatal("book should be initialized after first snapshot")
	}
	bid, bidSize, ok := b.BestBid()
	if !ok || !bid.Equal(dec("0.55")) || !bidSize.Equal(dec("100")) {
		t.Errorf("BestBid = %s/%s ok=%v, want 0.55/100", bid, bidSize, ok)
	}
	ask, askSize, ok := b.BestAsk()
	if !ok || !ask.Equal(dec("0.57")) || !askSize.Equal(dec("150")) {
		t.Errorf("BestAsk = %s/%s ok=%v, want 0.57/150", ask, askSize, ok)
	}
}

// Round-trip law: applying a book_snapshot to a fresh book, then an
// identical book_snapshot, yields state identical to the first.
func TestApplyBookSnapshotIdempotent(t *testing.T) {
	t.Parallel()
	b := New(testAsset)
	snap := snapshot(
		[]types.BookLevel{lvl("0.55", "100")},
		[]types.BookLevel{lvl("0.57", "150")},
		"0.01",
	)

	b.ApplyBookSnapshot(1, snap)
	firstBids := b.Levels(types.Buy)
	firstAsks := b.Levels(types.Sell)

	b.ApplyBookSnapshot(2, snap)
	secondBids := b.Levels(types.Buy)
	secondAsks := b.Levels(types.Sell)

	if len(firstBids) != len(secondBids) || !firstBids[0].Price.Equal(secondBids[0].Price) || !firstBids[0].Size.Equal(secondBids[0].Size) {
		t.Errorf("bids differ across identical snapshots: %v vs %v", firstBids, secondBids)
	}
	if len(firstAsks) != len(secondAsks) || !firstAsks[0].Price.Equal(secondAsks[0].Price) || !firstAsks[0].Size.Equal(secondAsks[0].Size) {
		t.Errorf("asks differ across identical snapshots: %v vs %v", firstAsks, secondAsks)
	}
}

// Tick misalignment is rejected and counted, not
// applied silently.
func TestApplyPriceChangeRejectsNonTickAligned(t *testing.T) {
	t.Parallel()
	b := New(testAsset)
	b.ApplyBookSnapshot(1, snapshot(nil, []types.BookLevel{lvl("0.50", "100")}, "0.01"))

	result := b.ApplyPriceChange(2, &types.PriceChangePayload{
		Changes: []types.PriceChangeEntry{{Side: types.Buy, Price: dec("0.555"), Size: dec("10")}},
	})

	if result.RejectedEntries != 1 {
		t.Errorf("RejectedEntries = %d, want 1", result.RejectedEntries)
	}
	if _, _, ok := b.BestBid(); ok {
		t.Error("misaligned entry should not have been applied")
	}
}

// Queue-ahead-relevant level mutation: price_change sets
// absolute size, and size=0 removes the level entirely.
func TestApplyPriceChangeAbsoluteSizeAndRemoval(t *testing.T) {
	t.Parallel()
	b := New(testAsset)
	b.ApplyBookSnapshot(1, snapshot(nil, []types.BookLevel{lvl("0.50", "100")}, "0.01"))

	b.ApplyPriceChange(2, &types.PriceChangePayload{
		Changes: []types.PriceChangeEntry{{Side: types.Sell, Price: dec("0.50"), Size: dec("60")}},
	})
	if size := b.DepthAt(types.Sell, dec("0.50")); !size.Equal(dec("60")) {
		t.Errorf("DepthAt after partial reduction = %s, want 60", size)
	}

	b.ApplyPriceChange(3, &types.PriceChangePayload{
		Changes: []types.PriceChangeEntry{{Side: types.Sell, Price: dec("0.50"), Size: dec("0")}},
	})
	if size := b.DepthAt(types.Sell, dec("0.50")); !size.IsZero() {
		t.Errorf("DepthAt after removal = %s, want 0", size)
	}
}

// Duplicate entries for the same price in one payload
// resolve last-write-wins in wire order, with a warning.
func TestApplyPriceChangeDuplicateLastWriteWins(t *testing.T) {
	t.Parallel()
	b := New(testAsset)
	b.ApplyBookSnapshot(1, snapshot(nil, []types.BookLevel{lvl("0.50", "100")}, "0.01"))

	result := b.ApplyPriceChange(2, &types.PriceChangePayload{
		Changes: []types.PriceChangeEntry{
			{Side: types.Sell, Price: dec("0.50"), Size: dec("40")},
			{Side: types.Sell, Price: dec("0.50"), Size: dec("25")},
		},
	})

	if size := b.DepthAt(types.Sell, dec("0.50")); !size.Equal(dec("25")) {
		t.Errorf("DepthAt = %s, want 25 (last write wins)", size)
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a duplicate-entry warning")
	}
}

func TestApplyTickSizeChangeDropsMisalignedLevels(t *testing.T) {
	t.Parallel()
	b := New(testAsset)
	b.ApplyBookSnapshot(1, snapshot(
		[]types.BookLevel{lvl("0.555", "10")},
		nil,
		"0.001",
	))

	result := b.ApplyTickSizeChange(2, &types.TickSizeChangePayload{TickSize: dec("0.01")})

	if result.RejectedEntries != 1 {
		t.Errorf("RejectedEntries = %d, want 1", result.RejectedEntries)
	}
	if _, _, ok := b.BestBid(); ok {
		t.Error("misaligned level should have been dropped after tick_size_change")
	}
}

// A crossed book is detectable so the Run
// Engine can defer strategy invocation.
func TestIsLockedOrCrossed(t *testing.T) {
	t.Parallel()
	b := New(testAsset)
	b.ApplyBookSnapshot(1, snapshot(
		[]types.BookLevel{lvl("0.60", "10")},
		[]types.BookLevel{lvl("0.59", "10")},
		"0.01",
	))
	if !b.IsLockedOrCrossed() {
		t.Error("book with best_bid >= best_ask should be reported crossed")
	}

	b.ApplyPriceChange(2, &types.PriceChangePayload{
		Changes: []types.PriceChangeEntry{{Side: types.Sell, Price: dec("0.59"), Size: dec("0")}},
	})
	if b.IsLockedOrCrossed() {
		t.Error("book should no longer be crossed after the crossing ask is removed")
	}
}

func TestLevelsSortedBySide(t *testing.T) {
	t.Parallel()
	b := New(testAsset)
	b.ApplyBookSnapshot(1, snapshot(
		[]types.BookLevel{lvl("0.40", "1"), lvl("0.55", "1"), lvl("0.50", "1")},
		[]types.BookLevel{lvl("0.70", "1"), lvl("0.60", "1"), lvl("0.65", "1")},
		"0.01",
	))

	bids := b.Levels(types.Buy)
	for i := 1; i < len(bids); i++ {
		if bids[i-1].Price.LessThan(bids[i].Price) {
			t.Fatalf("bids not descending: %v", bids)
		}
	}
	asks := b.Levels(types.Sell)
	for i := 1; i < len(asks); i++ {
		if asks[i-1].Price.GreaterThan(asks[i].Price) {
			t.Fatalf("asks not ascending: %v", asks)
		}
	}
}
