// Package feed sources live events from the Polymarket market WebSocket
// channel and normalizes them into the same Event shape the Tape
// Recorder/Reader use. Only the public market channel is spoken: a run
// never places real orders, so there is no user channel to authenticate
// against and no order/trade events to receive back.
package feed

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"simtrader/pkg/types"
)

// wireBookLevel mirrors one (price, size) pair as carried on the wire.
type wireBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// wireBookEvent is a full order book snapshot from the market channel.
type wireBookEvent struct {
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Buys      []wireBookLevel `json:"buys"`
	Sells     []wireBookLevel `json:"sells"`
	Hash      string          `json:"hash"`
	TickSize  string          `json:"tick_size"`
}

// wirePriceChangeEntry is one level update within a price_change event.
type wirePriceChangeEntry struct {
	Price string `json:"price"`
	Size  string `json:"size"`
	Side  string `json:"side"`
}

// wirePriceChangeEvent is an incremental order book update; one or more
// level changes applied atomically, in wire order.
type wirePriceChangeEvent struct {
	EventType string                 `json:"event_type"`
	AssetID   string                 `json:"asset_id"`
	Changes   []wirePriceChangeEntry `json:"price_changes"`
}

// wireLastTradePriceEvent is informational; it never mutates book state.
type wireLastTradePriceEvent struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Side      string `json:"side"`
	TradeID   string `json:"trade_id"`
}

// wireTickSizeChangeEvent changes the minimum price increment in force.
type wireTickSizeChangeEvent struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	TickSize  string `json:"tick_size"`
}

// wireSubscribeMsg is the initial subscription message for the market
// channel. The market channel never requires auth.
type wireSubscribeMsg struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids"`
}

// wireUpdateMsg dynamically subscribes/unsubscribes after connection.
type wireUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids"`
	Operation string   `json:"operation"`
}

func parseSide(s string) (types.Side, error) {
	switch strings.ToUpper(s) {
	case "BUY":
		return types.Buy, nil
	case "SELL":
		return types.Sell, nil
	default:
		return "", fmt.Errorf("feed: unknown side %q", s)
	}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("feed: parse decimal %q: %w", s, err)
	}
	return d, nil
}

func parseLevels(levels []wireBookLevel) ([]types.BookLevel, error) {
	out := make([]types.BookLevel, 0, len(levels))
	for _, lvl := range levels {
		price, err := parseDecimal(lvl.Price)
		if err != nil {
			return nil, err
		}
		size, err := parseDecimal(lvl.Size)
		if err != nil {
			return nil, err
		}
		out = append(out, types.BookLevel{Price: price, Size: size})
	}
	return out, nil
}

// normalizeBook converts a wireBookEvent into a book_snapshot Event.
func normalizeBook(tsRecvMs int64, w wireBookEvent) (types.Event, error) {
	bids, err := parseLevels(w.Buys)
	if err != nil {
		return types.Event{}, err
	}
	asks, err := parseLevels(w.Sells)
	if err != nil {
		return types.Event{}, err
	}
	tickSize, err := parseDecimal(w.TickSize)
	if err != nil {
		return types.Event{}, err
	}
	return types.Event{
		TsRecvMs: tsRecvMs,
		AssetID:  w.AssetID,
		Kind:     types.KindBookSnapshot,
		BookSnapshot: &types.BookSnapshotPayload{
			Bids: bids, Asks: asks, TickSize: tickSize, Hash: w.Hash,
		},
	}, nil
}

// normalizePriceChange converts a wirePriceChangeEvent into a price_change
// Event. All entries share w.AssetID on the wire.
func normalizePriceChange(tsRecvMs int64, w wirePriceChangeEvent) (types.Event, error) {
	changes := make([]types.PriceChangeEntry, 0, len(w.Changes))
	for _, c := range w.Changes {
		side, err := parseSide(c.Side)
		if err != nil {
			return types.Event{}, err
		}
		price, err := parseDecimal(c.Price)
		if err != nil {
			return types.Event{}, err
		}
		size, err := parseDecimal(c.Size)
		if err != nil {
			return types.Event{}, err
		}
		changes = append(changes, types.PriceChangeEntry{Side: side, Price: price, Size: size})
	}
	return types.Event{
		TsRecvMs:    tsRecvMs,
		AssetID:     w.AssetID,
		Kind:        types.KindPriceChange,
		PriceChange: &types.PriceChangePayload{Changes: changes},
	}, nil
}

func normalizeLastTradePrice(tsRecvMs int64, w wireLastTradePriceEvent) (types.Event, error) {
	price, err := parseDecimal(w.Price)
	if err != nil {
		return types.Event{}, err
	}
	size, err := parseDecimal(w.Size)
	if err != nil {
		return types.Event{}, err
	}
	side, err := parseSide(w.Side)
	if err != nil {
		return types.Event{}, err
	}
	return types.Event{
		TsRecvMs: tsRecvMs,
		AssetID:  w.AssetID,
		Kind:     types.KindLastTradePrice,
		LastTradePrice: &types.LastTradePricePayload{
			Price: price, Size: size, Side: side, TradeID: w.TradeID,
		},
	}, nil
}

func normalizeTickSizeChange(tsRecvMs int64, w wireTickSizeChangeEvent) (types.Event, error) {
	tickSize, err := parseDecimal(w.TickSize)
	if err != nil {
		return types.Event{}, err
	}
	return types.Event{
		TsRecvMs:       tsRecvMs,
		AssetID:        w.AssetID,
		Kind:           types.KindTickSizeChange,
		TickSizeChange: &types.TickSizeChangePayload{TickSize: tickSize},
	}, nil
}
