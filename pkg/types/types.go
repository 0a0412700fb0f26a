// Package types defines the shared vocabulary for SimTrader: tape events,
// orders, fills, positions, and run records. It has no dependency on any
// other internal package, so it can be imported by every layer.
package types

import "github.com/shopspring/decimal"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order or a book level.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType enumerates the order lifecycles the Broker understands.
type OrderType string

const (
	OrderLimit OrderType = "limit"
	OrderIOC   OrderType = "ioc"
)

// OrderState is a position in the order state machine.
type OrderState string

const (
	OrderPending         OrderState = "pending"
	OrderActive          OrderState = "active"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCancelled       OrderState = "cancelled"
	OrderRejected        OrderState = "rejected"
)

// Terminal reports whether no further transition is possible from this state.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	default:
		return false
	}
}

// RealismMode selects the Broker's fill-decision strictness.
type RealismMode string

const (
	RealismStrict  RealismMode = "strict"
	RealismRelaxed RealismMode = "relaxed"
)

// MarkMethod selects which book side marks open positions.
type MarkMethod string

const (
	MarkBidForLong MarkMethod = "bid_for_long"
	MarkMidpoint   MarkMethod = "midpoint"
)

// FeeModel selects the fee base.
type FeeModel string

const (
	FeeGrossProfit FeeModel = "gross_profit"
	FeeBasisPoints FeeModel = "basis_points"
)

// RunQuality summarizes trust in a run's output (Glossary).
type RunQuality string

const (
	QualityOK       RunQuality = "ok"
	QualityWarnings RunQuality = "warnings"
	QualityDegraded RunQuality = "degraded"
	QualityInvalid  RunQuality = "invalid"
)

// ExitReason explains why a run stopped.
type ExitReason string

const (
	ExitEndOfTape    ExitReason = "end_of_tape"
	ExitStrategyHalt ExitReason = "strategy_halt"
	ExitDeadline     ExitReason = "deadline"
	ExitError        ExitReason = "error"
	ExitWSStall      ExitReason = "ws_stall"
)

// ————————————————————————————————————————————————————————————————————————
// Events
// ————————————————————————————————————————————————————————————————————————

// EventKind is the closed variant tag for Event.Payload.
type EventKind string

const (
	KindBookSnapshot   EventKind = "book_snapshot"
	KindPriceChange    EventKind = "price_change"
	KindLastTradePrice EventKind = "last_trade_price"
	KindTickSizeChange EventKind = "tick_size_change"
	KindControl        EventKind = "control"
)

// ControlSubkind enumerates control event subkinds.
type ControlSubkind string

const (
	ControlWSOpen      ControlSubkind = "ws_open"
	ControlWSReconnect ControlSubkind = "ws_reconnect"
	ControlWSGap       ControlSubkind = "ws_gap"
	ControlKeepalive   ControlSubkind = "keepalive"
	ControlEOF         ControlSubkind = "eof"
)

// BookLevel is a single (price, size) pair as carried on the wire inside a
// book_snapshot payload. Unlike the Book's internal per-level state, this
// is the wire shape before the L2 Book decides whether to keep it.
type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// BookSnapshotPayload is the payload of a book_snapshot event.
// It replaces book state atomically for Event.AssetID.
type BookSnapshotPayload struct {
	Bids     []BookLevel     `json:"bids"`
	Asks     []BookLevel     `json:"asks"`
	TickSize decimal.Decimal `json:"tick_size"`
	Hash     string          `json:"hash"`
}

// PriceChangeEntry sets the absolute aggregate size at one price.
// size=0 removes the level. Never interpreted as a delta.
type PriceChangeEntry struct {
	Side  Side            `json:"side"`
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// PriceChangePayload is the payload of a price_change event: one or more
// level changes applied atomically, in wire order.
type PriceChangePayload struct {
	Changes []PriceChangeEntry `json:"changes"`
}

// LastTradePricePayload is informational only; it never mutates book state.
type LastTradePricePayload struct {
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	Side    Side            `json:"side"`
	TradeID string          `json:"trade_id"`
}

// TickSizeChangePayload changes the minimum price increment in force.
type TickSizeChangePayload struct {
	TickSize decimal.Decimal `json:"tick_size"`
}

// ControlPayload carries a control subkind.
type ControlPayload struct {
	Subkind ControlSubkind `json:"subkind"`
}

// Event is one normalized market event. Exactly one of the payload
// fields is populated, selected by Kind; the others are zero-valued. One
// struct per wire message type, wrapped in an envelope suitable for a
// single JSONL stream, so call sites dispatch on Kind rather than raw
// event_type strings.
type Event struct {
	Seq           int64     `json:"seq"`
	TsRecvMs      int64     `json:"ts_recv_ms"`
	AssetID       string    `json:"asset_id"`
	Kind          EventKind `json:"kind"`
	ParserVersion int       `json:"parser_version"`

	BookSnapshot   *BookSnapshotPayload   `json:"book_snapshot,omitempty"`
	PriceChange    *PriceChangePayload    `json:"price_change,omitempty"`
	LastTradePrice *LastTradePricePayload `json:"last_trade_price,omitempty"`
	TickSizeChange *TickSizeChangePayload `json:"tick_size_change,omitempty"`
	Control        *ControlPayload        `json:"control,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Tape
// ————————————————————————————————————————————————————————————————————————

// RawFrame is one line of a tape's raw_ws.jsonl file — the exact bytes
// received from the wire, with recorder-assigned framing.
type RawFrame struct {
	FrameSeq int64  `json:"frame_seq"`
	TsRecvMs int64  `json:"ts_recv_ms"`
	Raw      string `json:"raw"`
}

// TapeMeta is the contents of a tape directory's meta.json.
type TapeMeta struct {
	TapeID                  string           `json:"tape_id"`
	CreatedAtMs             int64            `json:"created_at_ms"`
	AssetIDs                []string         `json:"asset_ids"`
	ParserVersion           int              `json:"parser_version"`
	RecorderVersion         string           `json:"recorder_version"`
	FrameCount              int64            `json:"frame_count"`
	EventCount              int64            `json:"event_count"`
	Reconnects              int              `json:"reconnects"`
	Gaps                    int              `json:"gaps"`
	FirstSnapshotSeqByAsset map[string]int64 `json:"first_snapshot_seq_by_asset"`
	Warnings                []string         `json:"warnings"`
	RunQuality              RunQuality       `json:"run_quality"`
	ExitReason              ExitReason       `json:"exit_reason,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders and fills
// ————————————————————————————————————————————————————————————————————————

// Order is a strategy-submitted intent and its mutable derived state.
type Order struct {
	OrderID       string          `json:"order_id"`
	AssetID       string          `json:"asset_id"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	SizeRequested decimal.Decimal `json:"size_requested"`
	Type          OrderType       `json:"type"`
	SubmittedSeq  int64           `json:"submitted_seq"`
	TIFSeqLimit   *int64          `json:"tif_seq_limit,omitempty"`

	RemainingSize  decimal.Decimal `json:"remaining_size"`
	QueueAheadSize decimal.Decimal `json:"queue_ahead_size"`
	State          OrderState      `json:"state"`
	RejectReason   string          `json:"reject_reason,omitempty"`
	CancelReason   string          `json:"cancel_reason,omitempty"`
	CancelOnGap    bool            `json:"cancel_on_gap,omitempty"`
}

// FilledSize returns how much of the order has executed so far.
func (o *Order) FilledSize() decimal.Decimal {
	return o.SizeRequested.Sub(o.RemainingSize)
}

// Fill is a record of executed quantity against one order.
type Fill struct {
	FillID     string          `json:"fill_id"`
	OrderID    string          `json:"order_id"`
	AssetID    string          `json:"asset_id"`
	EventSeq   int64           `json:"event_seq"`
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	FeeCharged decimal.Decimal `json:"fee_charged"`
	Side       Side            `json:"side"`
}

// ————————————————————————————————————————————————————————————————————————
// Positions and portfolio
// ————————————————————————————————————————————————————————————————————————

// Lot is one FIFO-queue entry: a still-open buy of a fixed
// price and remaining size. The FIFO lot queue is the ground truth for a
// Position; CostBasisSum on Position is a derived cache.
type Lot struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Position is per-asset holdings.
type Position struct {
	AssetID            string          `json:"asset_id"`
	NetSize            decimal.Decimal `json:"net_size"`
	CostBasisSum       decimal.Decimal `json:"cost_basis_sum"`
	RealizedPnL        decimal.Decimal `json:"realized_pnl"`
	FeesPaidCumulative decimal.Decimal `json:"fees_paid_cumulative"`
	Lots               []Lot           `json:"-"`
}

// AvgOpenCost returns CostBasisSum / |NetSize|, or zero if flat.
func (p *Position) AvgOpenCost() decimal.Decimal {
	if p.NetSize.IsZero() {
		return decimal.Zero
	}
	return p.CostBasisSum.Div(p.NetSize.Abs())
}

// Portfolio is global run state owned exclusively by the Run Engine.
type Portfolio struct {
	Cash             decimal.Decimal      `json:"cash"`
	Positions        map[string]*Position `json:"positions"`
	RealizedPnLTotal decimal.Decimal      `json:"realized_pnl_total"`
	FeesPaidTotal    decimal.Decimal      `json:"fees_paid_total"`
}

// NewPortfolio returns an empty portfolio seeded with the given starting cash.
func NewPortfolio(startingCash decimal.Decimal) *Portfolio {
	return &Portfolio{
		Cash:      startingCash,
		Positions: make(map[string]*Position),
	}
}

// PositionFor returns the position for assetID, creating a flat one if absent.
func (p *Portfolio) PositionFor(assetID string) *Position {
	pos, ok := p.Positions[assetID]
	if !ok {
		pos = &Position{
			AssetID:            assetID,
			NetSize:            decimal.Zero,
			CostBasisSum:       decimal.Zero,
			RealizedPnL:        decimal.Zero,
			FeesPaidCumulative: decimal.Zero,
		}
		p.Positions[assetID] = pos
	}
	return pos
}

// ————————————————————————————————————————————————————————————————————————
// Run
// ————————————————————————————————————————————————————————————————————————

// RunCounts tallies per-run event and order outcomes for the manifest.
type RunCounts struct {
	EventsApplied   int64 `json:"events_applied"`
	EventsSkipped   int64 `json:"events_skipped"`
	OrdersSubmitted int64 `json:"orders_submitted"`
	OrdersFilled    int64 `json:"orders_filled"`
	OrdersCancelled int64 `json:"orders_cancelled"`
	OrdersRejected  int64 `json:"orders_rejected"`
}

// RunManifest is the contents of a run directory's run_manifest.json.
type RunManifest struct {
	RunID              string            `json:"run_id"`
	StartedAtMs        int64             `json:"started_at_ms"`
	FinishedAtMs       int64             `json:"finished_at_ms"`
	GeneratedAtMs      int64             `json:"generated_at_ms"`
	RunQuality         RunQuality        `json:"run_quality"`
	ExitReason         ExitReason        `json:"exit_reason"`
	Counts             RunCounts         `json:"counts"`
	RealizedPnLTotal   decimal.Decimal   `json:"realized_pnl_total"`
	UnrealizedPnLTotal decimal.Decimal   `json:"unrealized_pnl_total"`
	StreamHashes       map[string]string `json:"stream_hashes"`
	TapeID             string            `json:"tape_id,omitempty"`
	ShadowSessionID    string            `json:"shadow_session_id,omitempty"`
	Warnings           []string          `json:"warnings"`
}
