package types

import "github.com/shopspring/decimal"

// OrderIntent is a new order a Strategy wants submitted. OrderID is
// chosen by the strategy and must be unique within the run.
type OrderIntent struct {
	OrderID     string          `json:"order_id"`
	AssetID     string          `json:"asset_id"`
	Side        Side            `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Size        decimal.Decimal `json:"size"`
	Type        OrderType       `json:"type"`
	TIFSeqLimit *int64          `json:"tif_seq_limit,omitempty"`

	// CancelOnGap requests the order be cancelled if a control:ws_gap event
	// is observed for its asset before it reaches a terminal state.
	CancelOnGap bool `json:"cancel_on_gap,omitempty"`
}

// CancelIntent asks the Broker to cancel a previously submitted order.
type CancelIntent struct {
	OrderID string `json:"order_id"`
}

// Decision is the recorded outcome of one strategy callback invocation,
// written to decisions.jsonl.
type Decision struct {
	Seq                   int64             `json:"seq"`
	EventKind             EventKind         `json:"event_kind"`
	AssetID               string            `json:"asset_id"`
	RejectedReasons       map[string]string `json:"rejected_reasons_map,omitempty"`
	IntentsSubmittedCount int               `json:"intents_submitted_count"`
	IntentsCancelledCount int               `json:"intents_cancelled_count"`
}
