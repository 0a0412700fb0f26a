package broker

import (
	"testing"

	"github.com/shopspring/decimal"

	"simtrader/internal/book"
	"simtrader/pkg/types"
)

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

func defaultConfig() Config {
	return Config{
		MinNotional: decimal.Zero,
		RealismMode: types.RealismStrict,
		FeeModel:    types.FeeBasisPoints,
		FeeRate:     decimal.Zero,
	}
}

// A buy resting at a price that coincides with the current
// ask fills only once that ask level is fully taken, not at submission.
func TestSubmitThenFillOnFullLevelDepletion(t *testing.T) {
	t.Parallel()
	b := book.New("yes")
	b.ApplyBookSnapshot(1, &types.BookSnapshotPayload{
		Asks:     []types.BookLevel{lvl("0.45", "100")},
		Bids:     []types.BookLevel{lvl("0.43", "50")},
		TickSize: dec("0.01"),
	})

	br := New(defaultConfig())
	order, fills, err := br.Submit(b, 2, types.OrderIntent{
		OrderID: "yes-buy", AssetID: "yes", Side: types.Buy,
		Price: dec("0.45"), Size: dec("40"), Type: types.OrderLimit,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(fills) != 0 {
		t.Fatalf("expected no fill at submission, got %d", len(fills))
	}
	if !order.QueueAheadSize.Equal(dec("100")) {
		t.Errorf("QueueAheadSize = %s, want 100", order.QueueAheadSize)
	}

	b.ApplyPriceChange(3, &types.PriceChangePayload{
		Changes: []types.PriceChangeEntry{{Side: types.Sell, Price: dec("0.45"), Size: dec("0")}},
	})
	fills = br.OnEvent(b, 3, "yes", types.KindPriceChange, nil)
	if len(fills) != 1 {
		t.Fatalf("expected 1 fill on full depletion, got %d", len(fills))
	}
	if !fills[0].Size.Equal(dec("40")) {
		t.Errorf("fill size = %s, want 40", fills[0].Size)
	}
	if got := br.Order("yes-buy").State; got != types.OrderFilled {
		t.Errorf("order state = %s, want filled", got)
	}
}

// An IOC order that cannot cross at submission is rejected,
// not cancelled.
func TestSubmitIOCNotMarketableIsRejected(t *testing.T) {
	t.Parallel()
	b := book.New("m")
	b.ApplyBookSnapshot(1, &types.BookSnapshotPayload{
		Asks:     []types.BookLevel{lvl("0.60", "100")},
		Bids:     []types.BookLevel{lvl("0.58", "100")},
		TickSize: dec("0.01"),
	})

	br := New(defaultConfig())
	order, fills, err := br.Submit(b, 1, types.OrderIntent{
		OrderID: "ioc-1", AssetID: "m", Side: types.Buy,
		Price: dec("0.55"), Size: dec("10"), Type: types.OrderIOC,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(fills) != 0 {
		t.Errorf("expected no fills, got %d", len(fills))
	}
	if order.State != types.OrderRejected {
		t.Errorf("state = %s, want rejected", order.State)
	}
	if order.RejectReason != "ioc_not_marketable" {
		t.Errorf("reject_reason = %s, want ioc_not_marketable", order.RejectReason)
	}
}

// A price not aligned to tick_size is rejected at submission.
func TestSubmitRejectsTickMisalignment(t *testing.T) {
	t.Parallel()
	b := book.New("m")
	b.ApplyBookSnapshot(1, &types.BookSnapshotPayload{
		Asks:     []types.BookLevel{lvl("0.60", "100")},
		TickSize: dec("0.01"),
	})

	br := New(defaultConfig())
	order, _, err := br.Submit(b, 1, types.OrderIntent{
		OrderID: "bad-tick", AssetID: "m", Side: types.Buy,
		Price: dec("0.555"), Size: dec("10"), Type: types.OrderLimit,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if order.State != types.OrderRejected || order.RejectReason != "tick_misaligned" {
		t.Errorf("order = %+v, want rejected/tick_misaligned", order)
	}
}

// Queue-ahead size decreases conservatively as depth is
// consumed, with no fill until the level empties entirely.
func TestQueueAheadBehavior(t *testing.T) {
	t.Parallel()
	b := book.New("m")
	b.ApplyBookSnapshot(1, &types.BookSnapshotPayload{
		Asks:     []types.BookLevel{lvl("0.50", "100")},
		TickSize: dec("0.01"),
	})

	br := New(defaultConfig())
	order, _, err := br.Submit(b, 1, types.OrderIntent{
		OrderID: "sell-1", AssetID: "m", Side: types.Sell,
		Price: dec("0.50"), Size: dec("10"), Type: types.OrderLimit,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !order.QueueAheadSize.Equal(dec("100")) {
		t.Fatalf("initial QueueAheadSize = %s, want 100", order.QueueAheadSize)
	}

	b.ApplyPriceChange(2, &types.PriceChangePayload{
		Changes: []types.PriceChangeEntry{{Side: types.Sell, Price: dec("0.50"), Size: dec("60")}},
	})
	fills := br.OnEvent(b, 2, "m", types.KindPriceChange, nil)
	if len(fills) != 0 {
		t.Fatalf("expected no fill after partial consumption, got %d", len(fills))
	}
	if got := br.Order("sell-1").QueueAheadSize; !got.Equal(dec("60")) {
		t.Errorf("QueueAheadSize after partial consumption = %s, want 60", got)
	}

	b.ApplyPriceChange(3, &types.PriceChangePayload{
		Changes: []types.PriceChangeEntry{{Side: types.Sell, Price: dec("0.50"), Size: dec("0")}},
	})
	fills = br.OnEvent(b, 3, "m", types.KindPriceChange, nil)
	if len(fills) != 1 {
		t.Fatalf("expected 1 fill on full depletion, got %d", len(fills))
	}
	if !fills[0].Size.Equal(dec("10")) {
		t.Errorf("fill size = %s, want 10", fills[0].Size)
	}
	if got := br.Order("sell-1").State; got != types.OrderFilled {
		t.Errorf("state = %s, want filled", got)
	}
}

func TestSubmitRejectsBelowMinNotional(t *testing.T) {
	t.Parallel()
	b := book.New("m")
	b.ApplyBookSnapshot(1, &types.BookSnapshotPayload{TickSize: dec("0.01")})

	cfg := defaultConfig()
	cfg.MinNotional = dec("5")
	br := New(cfg)
	order, _, err := br.Submit(b, 1, types.OrderIntent{
		OrderID: "tiny", AssetID: "m", Side: types.Buy,
		Price: dec("0.10"), Size: dec("1"), Type: types.OrderLimit,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if order.State != types.OrderRejected || order.RejectReason != "below_min_notional" {
		t.Errorf("order = %+v, want rejected/below_min_notional", order)
	}
}

func TestTIFSeqLimitCancelsOrder(t *testing.T) {
	t.Parallel()
	b := book.New("m")
	b.ApplyBookSnapshot(1, &types.BookSnapshotPayload{
		Asks:     []types.BookLevel{lvl("0.50", "100")},
		TickSize: dec("0.01"),
	})

	br := New(defaultConfig())
	limit := int64(2)
	_, _, err := br.Submit(b, 1, types.OrderIntent{
		OrderID: "tif-1", AssetID: "m", Side: types.Buy,
		Price: dec("0.50"), Size: dec("10"), Type: types.OrderLimit, TIFSeqLimit: &limit,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	br.OnEvent(b, 3, "m", types.KindPriceChange, nil)
	order := br.Order("tif-1")
	if order.State != types.OrderCancelled || order.CancelReason != "tif_seq_limit" {
		t.Errorf("order = %+v, want cancelled/tif_seq_limit", order)
	}
}

// A marketable IOC consumes depth across every level it crosses, filling
// at its own stated price rather than the improved one.
func TestSubmitIOCFillsAcrossCrossedLevels(t *testing.T) {
	t.Parallel()
	b := book.New("m")
	b.ApplyBookSnapshot(1, &types.BookSnapshotPayload{
		Asks:     []types.BookLevel{lvl("0.58", "5"), lvl("0.60", "10")},
		Bids:     []types.BookLevel{lvl("0.55", "100")},
		TickSize: dec("0.01"),
	})

	br := New(defaultConfig())
	order, fills, err := br.Submit(b, 1, types.OrderIntent{
		OrderID: "ioc-cross", AssetID: "m", Side: types.Buy,
		Price: dec("0.60"), Size: dec("12"), Type: types.OrderIOC,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(fills))
	}
	if !fills[0].Size.Equal(dec("12")) {
		t.Errorf("fill size = %s, want 12 (5@0.58 + 7 of 10@0.60)", fills[0].Size)
	}
	if !fills[0].Price.Equal(dec("0.60")) {
		t.Errorf("fill price = %s, want the order's own 0.60", fills[0].Price)
	}
	if order.State != types.OrderFilled {
		t.Errorf("state = %s, want filled", order.State)
	}
}

// After a ws_gap, orders that declared cancel_on_gap do not
// remain active.
func TestCancelOnGapCancelsDeclaredOrders(t *testing.T) {
	t.Parallel()
	b := book.New("m")
	b.ApplyBookSnapshot(1, &types.BookSnapshotPayload{
		Asks:     []types.BookLevel{lvl("0.50", "100")},
		TickSize: dec("0.01"),
	})

	br := New(defaultConfig())
	_, _, err := br.Submit(b, 1, types.OrderIntent{
		OrderID: "gap-sensitive", AssetID: "m", Side: types.Buy,
		Price: dec("0.48"), Size: dec("10"), Type: types.OrderLimit, CancelOnGap: true,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, _, err = br.Submit(b, 1, types.OrderIntent{
		OrderID: "gap-immune", AssetID: "m", Side: types.Buy,
		Price: dec("0.47"), Size: dec("10"), Type: types.OrderLimit,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	br.CancelOnGap("m")

	if got := br.Order("gap-sensitive"); got.State != types.OrderCancelled || got.CancelReason != "ws_gap" {
		t.Errorf("gap-sensitive order = %+v, want cancelled/ws_gap", got)
	}
	if got := br.Order("gap-immune").State; got.Terminal() {
		t.Errorf("gap-immune order state = %s, want non-terminal", got)
	}
}

func TestRelaxedModeFillsOnCrossingTrade(t *testing.T) {
	t.Parallel()
	b := book.New("m")
	b.ApplyBookSnapshot(1, &types.BookSnapshotPayload{
		Asks:     []types.BookLevel{lvl("0.50", "100")},
		TickSize: dec("0.01"),
	})

	cfg := defaultConfig()
	cfg.RealismMode = types.RealismRelaxed
	br := New(cfg)
	_, _, err := br.Submit(b, 1, types.OrderIntent{
		OrderID: "relaxed-1", AssetID: "m", Side: types.Buy,
		Price: dec("0.50"), Size: dec("10"), Type: types.OrderLimit,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	fills := br.OnEvent(b, 2, "m", types.KindLastTradePrice, &types.LastTradePricePayload{
		Price: dec("0.49"), Size: dec("5"),
	})
	if len(fills) != 1 {
		t.Fatalf("expected relaxed-mode fill, got %d", len(fills))
	}
	if !fills[0].Size.Equal(dec("10")) {
		t.Errorf("fill size = %s, want 10 (full remaining)", fills[0].Size)
	}
}
