package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"simtrader/pkg/types"
)

// LegPolicy controls what happens to a one-sided fill in ComplementArb.
type LegPolicy string

const (
	// LegPolicyClose sends an at-market IOC to flatten the filled leg once
	// unwind_wait_seq events pass without the other leg filling.
	LegPolicyClose LegPolicy = "close"
	// LegPolicyHold leaves a one-sided position open indefinitely.
	LegPolicyHold LegPolicy = "hold"
)

// ComplementArbConfig parameterizes the complement-arb reference strategy.
type ComplementArbConfig struct {
	YesAssetID    string
	NoAssetID     string
	FeeThreshold  decimal.Decimal
	PerLegCap     decimal.Decimal
	UnwindWaitSeq int64
	LegPolicy     LegPolicy
}

// legState tracks the outstanding pair submitted for one arbitrage
// opportunity, so a later callback can detect a one-sided fill and act on
// legging_policy.
type legState struct {
	yesOrderID   string
	noOrderID    string
	submittedSeq int64
}

// ComplementArb is the binary-complement-arb reference strategy: it
// watches a binary market's YES and NO tokens and, whenever their combined
// ask undercuts 1.0 by more than fee_threshold, buys both legs at the ask.
// It keeps its own bookkeeping of outstanding pairs so a later callback
// can detect a one-sided fill and act on legging policy.
type ComplementArb struct {
	cfg ComplementArbConfig

	nextOrderSeq int
	pending      []*legState
}

// NewComplementArb returns a ComplementArb strategy instance.
func NewComplementArb(cfg ComplementArbConfig) *ComplementArb {
	return &ComplementArb{cfg: cfg}
}

func (s *ComplementArb) newOrderID(prefix string) string {
	s.nextOrderSeq++
	return fmt.Sprintf("%s-%d", prefix, s.nextOrderSeq)
}

// OnEvent implements Strategy.
func (s *ComplementArb) OnEvent(ctx Context) ([]types.OrderIntent, []types.CancelIntent) {
	var intents []types.OrderIntent
	var cancels []types.CancelIntent

	s.reconcileLegs(ctx, &cancels, &intents)

	// One outstanding pair at a time; re-arming while legs are still
	// working would stack exposure on the same opportunity.
	if len(s.pending) > 0 {
		return intents, cancels
	}

	yesBook, haveYes := ctx.Books[s.cfg.YesAssetID]
	noBook, haveNo := ctx.Books[s.cfg.NoAssetID]
	if !haveYes || !haveNo {
		return intents, cancels
	}
	yesAsk, yesAskSize, yesOK := yesBook.BestAsk()
	noAsk, noAskSize, noOK := noBook.BestAsk()
	if !yesOK || !noOK {
		return intents, cancels
	}

	combined := yesAsk.Add(noAsk)
	threshold := decimal.NewFromInt(1).Sub(s.cfg.FeeThreshold)
	if !combined.LessThan(threshold) {
		return intents, cancels
	}

	size := decimal.Min(s.cfg.PerLegCap, decimal.Min(yesAskSize, noAskSize))
	if size.LessThanOrEqual(decimal.Zero) {
		return intents, cancels
	}

	yesID := s.newOrderID("yes-buy")
	noID := s.newOrderID("no-buy")
	intents = append(intents,
		types.OrderIntent{OrderID: yesID, AssetID: s.cfg.YesAssetID, Side: types.Buy, Price: yesAsk, Size: size, Type: types.OrderLimit},
		types.OrderIntent{OrderID: noID, AssetID: s.cfg.NoAssetID, Side: types.Buy, Price: noAsk, Size: size, Type: types.OrderLimit},
	)
	s.pending = append(s.pending, &legState{yesOrderID: yesID, noOrderID: noID, submittedSeq: ctx.Seq})

	return intents, cancels
}

// reconcileLegs detects a one-sided fill on a previously-submitted pair and
// applies legging_policy once unwind_wait_seq events have passed.
func (s *ComplementArb) reconcileLegs(ctx Context, cancels *[]types.CancelIntent, intents *[]types.OrderIntent) {
	remaining := s.pending[:0]
	for _, leg := range s.pending {
		yesOrder := findOrder(ctx.ActiveOrders[s.cfg.YesAssetID], leg.yesOrderID)
		noOrder := findOrder(ctx.ActiveOrders[s.cfg.NoAssetID], leg.noOrderID)

		yesDone := yesOrder == nil || yesOrder.State.Terminal()
		noDone := noOrder == nil || noOrder.State.Terminal()
		yesFilled := yesOrder != nil && yesOrder.State == types.OrderFilled
		noFilled := noOrder != nil && noOrder.State == types.OrderFilled

		if !yesDone && !noDone {
			remaining = append(remaining, leg)
			continue
		}
		if yesFilled == noFilled {
			// Both filled, both failed, or both already unwound: nothing more to track.
			continue
		}
		if ctx.Seq-leg.submittedSeq < s.cfg.UnwindWaitSeq {
			remaining = append(remaining, leg)
			continue
		}

		// One leg filled, the other did not, and the wait window elapsed.
		if s.cfg.LegPolicy == LegPolicyHold {
			continue
		}
		if yesFilled {
			if bid, _, ok := ctx.Books[s.cfg.YesAssetID].BestBid(); ok {
				*intents = append(*intents, types.OrderIntent{
					OrderID: s.newOrderID("unwind-yes"), AssetID: s.cfg.YesAssetID,
					Side: types.Sell, Price: bid, Size: yesOrder.FilledSize(), Type: types.OrderIOC,
				})
			}
		} else {
			if bid, _, ok := ctx.Books[s.cfg.NoAssetID].BestBid(); ok {
				*intents = append(*intents, types.OrderIntent{
					OrderID: s.newOrderID("unwind-no"), AssetID: s.cfg.NoAssetID,
					Side: types.Sell, Price: bid, Size: noOrder.FilledSize(), Type: types.OrderIOC,
				})
			}
		}
	}
	s.pending = remaining
}

func findOrder(orders []types.Order, orderID string) *types.Order {
	for i := range orders {
		if orders[i].OrderID == orderID {
			return &orders[i]
		}
	}
	return nil
}

var _ Strategy = (*ComplementArb)(nil)
