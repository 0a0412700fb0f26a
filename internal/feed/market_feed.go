package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"simtrader/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	eventBufferSize  = 256
)

// RawFrame is one exact wire frame as received, for optional tape
// recording of a shadow run.
type RawFrame struct {
	TsRecvMs int64
	Raw      string
}

// MarketFeed is a WebSocket client for the public market channel:
// subscribes by asset id, receives book/price_change/last_trade_price/
// tick_size_change frames, normalizes them into Events, and reconnects
// with exponential backoff on disconnect.
type MarketFeed struct {
	url string

	connMu sync.Mutex
	conn   *websocket.Conn

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	events    chan types.Event
	rawFrames chan RawFrame
	// reconnects counts disconnects that will be re-dialed, read by the
	// Shadow Driver (from the engine goroutine) to emit
	// control:ws_reconnect before the first post-reconnect event.
	reconnects atomic.Int64

	logger *slog.Logger
}

// NewMarketFeed creates a market-channel WebSocket client subscribed to
// assetIDs from the first connection onward.
func NewMarketFeed(wsURL string, assetIDs []string, logger *slog.Logger) *MarketFeed {
	subscribed := make(map[string]bool, len(assetIDs))
	for _, id := range assetIDs {
		subscribed[id] = true
	}
	return &MarketFeed{
		url:        wsURL,
		subscribed: subscribed,
		events:     make(chan types.Event, eventBufferSize),
		rawFrames:  make(chan RawFrame, eventBufferSize),
		logger:     logger.With("component", "market_feed"),
	}
}

// Events returns the normalized event stream. Reconnects are not signalled
// on this channel; they are counted by Reconnects, which the Shadow Driver
// turns into control:ws_reconnect events.
func (f *MarketFeed) Events() <-chan types.Event { return f.events }

// RawFrames returns the exact wire bytes received, for concurrent tape
// recording.
func (f *MarketFeed) RawFrames() <-chan RawFrame { return f.rawFrames }

// Run connects and maintains the connection with auto-reconnect,
// blocking until ctx is cancelled. It never returns a non-nil error for
// a transport failure — those are counted in Reconnects and re-dialed —
// only ctx.Err() on cancellation, after closing the Events channel.
func (f *MarketFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			close(f.events)
			return ctx.Err()
		}

		f.logger.Warn("market feed disconnected, reconnecting", "error", err, "backoff", backoff)
		// Counted at disconnect, before the re-dial, so the consumer sees
		// the bump with the first event of the next session.
		f.reconnects.Add(1)

		select {
		case <-ctx.Done():
			close(f.events)
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Reconnects returns the number of reconnections so far.
func (f *MarketFeed) Reconnects() int { return int(f.reconnects.Load()) }

func (f *MarketFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.logger.Info("market feed connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatchMessage(msg)
	}
}

func (f *MarketFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()
	return f.writeJSON(wireSubscribeMsg{Type: "market", AssetIDs: ids})
}

// Subscribe adds asset ids to the live subscription.
func (f *MarketFeed) Subscribe(ids []string) error {
	f.subscribedMu.Lock()
	for _, id := range ids {
		f.subscribed[id] = true
	}
	f.subscribedMu.Unlock()
	return f.writeJSON(wireUpdateMsg{AssetIDs: ids, Operation: "subscribe"})
}

func (f *MarketFeed) dispatchMessage(data []byte) {
	tsRecvMs := time.Now().UnixMilli()
	select {
	case f.rawFrames <- RawFrame{TsRecvMs: tsRecvMs, Raw: string(data)}:
	default:
		f.logger.Warn("raw frame buffer full, dropping frame")
	}

	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	var (
		ev  types.Event
		err error
	)
	switch envelope.EventType {
	case "book":
		var w wireBookEvent
		if err = json.Unmarshal(data, &w); err == nil {
			ev, err = normalizeBook(tsRecvMs, w)
		}
	case "price_change":
		var w wirePriceChangeEvent
		if err = json.Unmarshal(data, &w); err == nil {
			ev, err = normalizePriceChange(tsRecvMs, w)
		}
	case "last_trade_price":
		var w wireLastTradePriceEvent
		if err = json.Unmarshal(data, &w); err == nil {
			ev, err = normalizeLastTradePrice(tsRecvMs, w)
		}
	case "tick_size_change":
		var w wireTickSizeChangeEvent
		if err = json.Unmarshal(data, &w); err == nil {
			ev, err = normalizeTickSizeChange(tsRecvMs, w)
		}
	default:
		f.logger.Debug("ignoring event", "type", envelope.EventType)
		return
	}
	if err != nil {
		f.logger.Error("normalize ws event", "type", envelope.EventType, "error", err)
		return
	}

	select {
	case f.events <- ev:
	default:
		f.logger.Warn("event buffer full, dropping event", "kind", ev.Kind, "asset_id", ev.AssetID)
	}
}

func (f *MarketFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *MarketFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("market feed: not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *MarketFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("market feed: not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
