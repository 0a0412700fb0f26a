// Package guard watches for the two run-fatal error conditions that
// aren't per-event or per-order: a portfolio invariant violation (cash
// going negative beyond tolerance, or a FIFO lot underflow) and an
// exceeded run deadline (wall-clock or event-count). The Run Engine calls
// CheckDeadline synchronously before each event and CheckPortfolio after
// each mark-to-market step.
package guard

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"simtrader/pkg/types"
)

// Config sets the tolerances the Guard enforces.
type Config struct {
	// CashTolerance is how far below zero Cash may go before a
	// PortfolioInvariantViolation fires. Fee rounding can push cash
	// fractionally negative; this absorbs that without masking a real bug.
	CashTolerance decimal.Decimal

	// Deadline, if non-zero, is a wall-clock instant after which
	// CheckDeadline reports a deadline breach; a caller-supplied deadline terminates
	// a run cleanly.
	Deadline time.Time

	// MaxEvents, if non-zero, is an event-count deadline alternative to a
	// wall-clock Deadline — useful for deterministic tests that must not
	// depend on real time.
	MaxEvents int64
}

// Guard is a stateless invariant checker called once per processed event.
// It runs no goroutine and owns no channel: the single-threaded event
// loop calls CheckDeadline and CheckPortfolio synchronously and inspects the returned error
// immediately.
type Guard struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Guard with the given tolerances.
func New(cfg Config, logger *slog.Logger) *Guard {
	return &Guard{cfg: cfg, logger: logger.With("component", "guard")}
}

// CheckPortfolio verifies the portfolio invariant: cash must not go
// negative beyond CashTolerance, and no position's FIFO lot queue may
// underflow (net_size inconsistent with the sum of open lots for a long
// position). Returns a wrapped types.ErrPortfolioInvariantViolation on
// breach; the caller must treat this as fatal to the current run.
func (g *Guard) CheckPortfolio(p *types.Portfolio) error {
	if p.Cash.LessThan(g.cfg.CashTolerance.Neg()) {
		return fmt.Errorf("%w: cash %s below tolerance -%s", types.ErrPortfolioInvariantViolation, p.Cash, g.cfg.CashTolerance)
	}
	for assetID, pos := range p.Positions {
		if pos.NetSize.LessThanOrEqual(decimal.Zero) {
			continue
		}
		var lotSize decimal.Decimal
		for _, lot := range pos.Lots {
			lotSize = lotSize.Add(lot.Size)
		}
		if !lotSize.Equal(pos.NetSize) {
			return fmt.Errorf("%w: asset %s net_size %s does not match FIFO lot sum %s",
				types.ErrPortfolioInvariantViolation, assetID, pos.NetSize, lotSize)
		}
	}
	return nil
}

// CheckDeadline reports whether the run has exceeded its configured
// deadline, either wall-clock (Deadline) or event-count (MaxEvents).
// Returns a wrapped types.ErrDeadlineExceeded on breach — a clean halt,
// not a failure.
func (g *Guard) CheckDeadline(eventsApplied int64, now time.Time) error {
	if !g.cfg.Deadline.IsZero() && now.After(g.cfg.Deadline) {
		return fmt.Errorf("%w: wall clock deadline %s passed", types.ErrDeadlineExceeded, g.cfg.Deadline)
	}
	if g.cfg.MaxEvents > 0 && eventsApplied >= g.cfg.MaxEvents {
		return fmt.Errorf("%w: event count deadline %d reached", types.ErrDeadlineExceeded, g.cfg.MaxEvents)
	}
	return nil
}
