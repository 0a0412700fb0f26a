package feed

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"simtrader/pkg/types"
)

// wireBookResponse is the REST response from GET /book for one token.
type wireBookResponse struct {
	AssetID  string          `json:"asset_id"`
	Bids     []wireBookLevel `json:"bids"`
	Asks     []wireBookLevel `json:"asks"`
	Hash     string          `json:"hash"`
	TickSize string          `json:"tick_size"`
}

// bookRateLimiter is a continuously-refilling token bucket. Only book
// reads are rate-limited here: a run never places or cancels real orders.
type bookRateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

func newBookRateLimiter(capacity, ratePerSecond float64) *bookRateLimiter {
	return &bookRateLimiter{tokens: capacity, capacity: capacity, rate: ratePerSecond, lastTime: time.Now()}
}

func (rl *bookRateLimiter) wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(rl.lastTime).Seconds()
		rl.tokens += elapsed * rl.rate
		if rl.tokens > rl.capacity {
			rl.tokens = rl.capacity
		}
		rl.lastTime = now

		if rl.tokens >= 1 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// SnapshotClient fetches a REST order book snapshot for the Shadow
// Driver's post-reconnect gap check, using only the CLOB's unauthenticated
// book endpoint. Nothing fetches a snapshot on first connect.
type SnapshotClient struct {
	http *resty.Client
	rl   *bookRateLimiter
}

// NewSnapshotClient creates a REST client against the CLOB's public book
// endpoint, rate-limited to bursts of 150 requests refilled at 15 per
// second (150 requests per 10s window, smoothed).
func NewSnapshotClient(baseURL string) *SnapshotClient {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	return &SnapshotClient{http: http, rl: newBookRateLimiter(150, 15)}
}

// FetchSnapshot returns a normalized book_snapshot Event for assetID, for
// the Shadow Driver's post-reconnect gap check.
func (c *SnapshotClient) FetchSnapshot(ctx context.Context, assetID string) (types.Event, error) {
	if err := c.rl.wait(ctx); err != nil {
		return types.Event{}, err
	}

	var result wireBookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", assetID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return types.Event{}, fmt.Errorf("feed: get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Event{}, fmt.Errorf("feed: get book: status %d: %s", resp.StatusCode(), resp.String())
	}

	return normalizeBook(time.Now().UnixMilli(), wireBookEvent{
		EventType: "book", AssetID: assetID, Buys: result.Bids, Sells: result.Asks,
		Hash: result.Hash, TickSize: result.TickSize,
	})
}
