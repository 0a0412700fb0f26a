package types

import "github.com/shopspring/decimal"

// StateTransition is one order state change, as recorded in orders.jsonl.
type StateTransition struct {
	From   OrderState `json:"from"`
	To     OrderState `json:"to"`
	Reason string     `json:"reason,omitempty"`
}

// OrderLifecycleRecord is one line of orders.jsonl.
type OrderLifecycleRecord struct {
	Seq             int64           `json:"seq"`
	OrderID         string          `json:"order_id"`
	StateTransition StateTransition `json:"state_transition"`
}

// LedgerPosition is one asset's entry inside a ledger.jsonl snapshot.
type LedgerPosition struct {
	NetSize     decimal.Decimal `json:"net_size"`
	AvgCost     decimal.Decimal `json:"avg_cost"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	FeesPaid    decimal.Decimal `json:"fees_paid"`
}

// LedgerRecord is one line of ledger.jsonl: a full portfolio snapshot after
// a state-changing event.
type LedgerRecord struct {
	Seq       int64                     `json:"seq"`
	Cash      decimal.Decimal           `json:"cash"`
	Positions map[string]LedgerPosition `json:"positions"`
}

// EquityPoint is one line of equity_curve.jsonl.
type EquityPoint struct {
	Seq      int64           `json:"seq"`
	TsRecvMs int64           `json:"ts_recv_ms"`
	Equity   decimal.Decimal `json:"equity"`
}

// BestBidAskRecord is one line of best_bid_ask.jsonl, emitted per
// book-mutating event for the run's primary asset.
type BestBidAskRecord struct {
	Seq         int64           `json:"seq"`
	BestBid     decimal.Decimal `json:"best_bid"`
	BestBidSize decimal.Decimal `json:"best_bid_size"`
	BestAsk     decimal.Decimal `json:"best_ask"`
	BestAskSize decimal.Decimal `json:"best_ask_size"`
}

// RunMeta is the contents of a run directory's meta.json: a short human
// summary, distinct from the machine-oriented run_manifest.json.
type RunMeta struct {
	RunQuality RunQuality `json:"run_quality"`
	Warnings   []string   `json:"warnings"`
}
