// Package portfolio implements position accounting, mark-to-market, and
// fee accrual. Positions are tracked as FIFO lot queues per asset rather
// than a single average cost, since an asset is bought and sold repeatedly
// at varying prices across a run and per-lot realized gain drives the
// default fee model.
package portfolio

import (
	"fmt"

	"github.com/shopspring/decimal"

	"simtrader/pkg/types"
)

// Config controls the fee and mark-to-market models.
type Config struct {
	FeeModel   types.FeeModel
	FeeRate    decimal.Decimal
	MarkMethod types.MarkMethod
}

// Portfolio owns the run's Portfolio state and applies fills to it. It is
// the only component permitted to mutate types.Portfolio.
type Portfolio struct {
	cfg   Config
	state *types.Portfolio

	// lastMid is the last available mid-price per asset, used as a
	// mark-to-market fallback when one side of the book is unavailable.
	lastMid map[string]decimal.Decimal

	markFlags []string
}

// New returns a Portfolio seeded with startingCash.
func New(cfg Config, startingCash decimal.Decimal) *Portfolio {
	return &Portfolio{
		cfg:     cfg,
		state:   types.NewPortfolio(startingCash),
		lastMid: make(map[string]decimal.Decimal),
	}
}

// State returns the read-only underlying portfolio record, for artifact
// emission and the Strategy's read-only view.
func (p *Portfolio) State() *types.Portfolio { return p.state }

// ApplyFill updates cash, the FIFO lot queue, and realized PnL/fees for one
// fill.
func (p *Portfolio) ApplyFill(fill types.Fill) {
	pos := p.state.PositionFor(fill.AssetID)

	if fill.Side == types.Buy {
		pos.Lots = append(pos.Lots, types.Lot{Price: fill.Price, Size: fill.Size})
		pos.NetSize = pos.NetSize.Add(fill.Size)
		pos.CostBasisSum = pos.CostBasisSum.Add(fill.Price.Mul(fill.Size))
		p.state.Cash = p.state.Cash.Sub(fill.Price.Mul(fill.Size))
	} else {
		p.consumeLotsForSell(pos, fill)
		pos.NetSize = pos.NetSize.Sub(fill.Size)
		p.state.Cash = p.state.Cash.Add(fill.Price.Mul(fill.Size))
	}

	pos.FeesPaidCumulative = pos.FeesPaidCumulative.Add(fill.FeeCharged)
	p.state.FeesPaidTotal = p.state.FeesPaidTotal.Add(fill.FeeCharged)
	if !fill.FeeCharged.IsZero() {
		p.state.RealizedPnLTotal = p.state.RealizedPnLTotal.Sub(fill.FeeCharged)
		pos.RealizedPnL = pos.RealizedPnL.Sub(fill.FeeCharged)
	}
}

// consumeLotsForSell realizes gain/loss against the front of the FIFO
// queue and, under the default gross-profit fee model, charges a fee on
// each lot's gain at the moment it is realized; losing lots accrue no fee.
func (p *Portfolio) consumeLotsForSell(pos *types.Position, fill types.Fill) {
	remaining := fill.Size
	i := 0
	for remaining.GreaterThan(decimal.Zero) && i < len(pos.Lots) {
		lot := &pos.Lots[i]
		consumed := decimal.Min(remaining, lot.Size)

		gain := fill.Price.Sub(lot.Price).Mul(consumed)
		pos.RealizedPnL = pos.RealizedPnL.Add(gain)
		p.state.RealizedPnLTotal = p.state.RealizedPnLTotal.Add(gain)
		pos.CostBasisSum = pos.CostBasisSum.Sub(lot.Price.Mul(consumed))

		if p.cfg.FeeModel == types.FeeGrossProfit && gain.GreaterThan(decimal.Zero) {
			fee := p.cfg.FeeRate.Mul(gain)
			pos.RealizedPnL = pos.RealizedPnL.Sub(fee)
			p.state.RealizedPnLTotal = p.state.RealizedPnLTotal.Sub(fee)
			pos.FeesPaidCumulative = pos.FeesPaidCumulative.Add(fee)
			p.state.FeesPaidTotal = p.state.FeesPaidTotal.Add(fee)
		}

		lot.Size = lot.Size.Sub(consumed)
		remaining = remaining.Sub(consumed)
		if lot.Size.IsZero() {
			i++
		}
	}
	pos.Lots = pos.Lots[i:]
}

// MarkToMarket recomputes unrealized PnL for assetID from the current
// best bid/ask. If one side is unavailable, it falls back to the last
// available mid-price and records a warning flag; if no mid has ever been
// observed either, the position is carried at cost with zero unrealized.
func (p *Portfolio) MarkToMarket(assetID string, bestBid, bestAsk decimal.Decimal, haveBid, haveAsk bool) decimal.Decimal {
	pos, ok := p.state.Positions[assetID]
	if !ok || pos.NetSize.IsZero() {
		return decimal.Zero
	}

	if haveBid && haveAsk {
		p.lastMid[assetID] = bestBid.Add(bestAsk).Div(decimal.NewFromInt(2))
	} else if _, ok := p.lastMid[assetID]; ok && p.cfg.MarkMethod == types.MarkMidpoint {
		p.markFlags = append(p.markFlags, fmt.Sprintf("%s marked at last mid (one book side unavailable)", assetID))
	}

	var unrealized decimal.Decimal
	switch {
	case pos.NetSize.GreaterThan(decimal.Zero):
		mark, ok := p.markForLong(assetID, bestBid, haveBid)
		if !ok {
			return decimal.Zero
		}
		unrealized = mark.Sub(pos.AvgOpenCost()).Mul(pos.NetSize)
	default:
		mark, ok := p.markForShort(assetID, bestAsk, haveAsk)
		if !ok {
			return decimal.Zero
		}
		unrealized = pos.AvgOpenCost().Sub(mark).Mul(pos.NetSize.Abs())
	}
	return unrealized
}

func (p *Portfolio) markForLong(assetID string, bestBid decimal.Decimal, haveBid bool) (decimal.Decimal, bool) {
	if haveBid && p.cfg.MarkMethod == types.MarkBidForLong {
		return bestBid, true
	}
	if mid, ok := p.lastMid[assetID]; ok {
		if !haveBid && p.cfg.MarkMethod == types.MarkBidForLong {
			p.markFlags = append(p.markFlags, fmt.Sprintf("%s marked at last mid (best_bid unavailable)", assetID))
		}
		return mid, true
	}
	return decimal.Zero, false
}

func (p *Portfolio) markForShort(assetID string, bestAsk decimal.Decimal, haveAsk bool) (decimal.Decimal, bool) {
	if haveAsk && p.cfg.MarkMethod == types.MarkBidForLong {
		return bestAsk, true
	}
	if mid, ok := p.lastMid[assetID]; ok {
		if !haveAsk && p.cfg.MarkMethod == types.MarkBidForLong {
			p.markFlags = append(p.markFlags, fmt.Sprintf("%s marked at last mid (best_ask unavailable)", assetID))
		}
		return mid, true
	}
	return decimal.Zero, false
}

// MarkFlags drains the accumulated mark-to-market fallback warnings, for
// inclusion in the run manifest's Warnings.
func (p *Portfolio) MarkFlags() []string {
	flags := p.markFlags
	p.markFlags = nil
	return flags
}

// Resolve closes all remaining lots for assetID at the resolved outcome
// value (1.0 for the winning outcome, 0.0 for the losing one), realizing
// final PnL. A long position resolves as a sell fill at resolvedValue,
// going through the same FIFO/fee path as any other fill; a short
// position (possible in principle, though none of the reference
// strategies open one) is closed directly since it has no FIFO lots to
// consume against.
func (p *Portfolio) Resolve(assetID string, resolvedValue decimal.Decimal) {
	pos, ok := p.state.Positions[assetID]
	if !ok || pos.NetSize.IsZero() {
		return
	}
	if pos.NetSize.GreaterThan(decimal.Zero) {
		p.ApplyFill(types.Fill{AssetID: assetID, Price: resolvedValue, Size: pos.NetSize, Side: types.Sell})
		return
	}

	size := pos.NetSize.Abs()
	gain := pos.AvgOpenCost().Sub(resolvedValue).Mul(size)
	pos.RealizedPnL = pos.RealizedPnL.Add(gain)
	p.state.RealizedPnLTotal = p.state.RealizedPnLTotal.Add(gain)
	pos.NetSize = decimal.Zero
	pos.CostBasisSum = decimal.Zero
	pos.Lots = nil
}
