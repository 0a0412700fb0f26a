package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"simtrader/pkg/types"
)

// TradeObservation is one external trade the replay-trades strategy copies
//. The source dossier that produces these is outside
// this module's scope; callers supply an already-ordered
// slice at construction time.
type TradeObservation struct {
	TsRecvMs int64
	Side     types.Side
	Size     decimal.Decimal
}

// ReplayTradesConfig parameterizes the replay-trades reference strategy.
type ReplayTradesConfig struct {
	AssetID      string
	Observations []TradeObservation
	SizeScale    decimal.Decimal
}

// ReplayTrades is the replay-trades ("copy-wallet") reference strategy
//: on each external trade observation whose timestamp is at or
// before the current event's ts_recv_ms, it submits a market-taking IOC
// order of the same side and a scaled size.
type ReplayTrades struct {
	cfg ReplayTradesConfig

	nextObservation int
	nextOrderSeq    int
}

// NewReplayTrades returns a ReplayTrades strategy instance.
func NewReplayTrades(cfg ReplayTradesConfig) *ReplayTrades {
	return &ReplayTrades{cfg: cfg}
}

// OnEvent implements Strategy.
func (s *ReplayTrades) OnEvent(ctx Context) ([]types.OrderIntent, []types.CancelIntent) {
	var intents []types.OrderIntent

	bk, ok := ctx.Books[s.cfg.AssetID]
	if !ok {
		return intents, nil
	}

	for s.nextObservation < len(s.cfg.Observations) {
		obs := s.cfg.Observations[s.nextObservation]
		if obs.TsRecvMs > ctx.Event.TsRecvMs {
			break
		}
		s.nextObservation++

		size := obs.Size.Mul(s.cfg.SizeScale)
		if size.LessThanOrEqual(decimal.Zero) {
			continue
		}

		var price decimal.Decimal
		var havePrice bool
		if obs.Side == types.Buy {
			price, _, havePrice = bk.BestAsk()
		} else {
			price, _, havePrice = bk.BestBid()
		}
		if !havePrice {
			continue
		}

		s.nextOrderSeq++
		intents = append(intents, types.OrderIntent{
			OrderID: fmt.Sprintf("replay-%d", s.nextOrderSeq),
			AssetID: s.cfg.AssetID,
			Side:    obs.Side,
			Price:   price,
			Size:    size,
			Type:    types.OrderIOC,
		})
	}

	return intents, nil
}

var _ Strategy = (*ReplayTrades)(nil)
