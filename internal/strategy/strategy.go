// Package strategy defines the pluggable strategy capability and two
// reference strategies: binary-complement-arb and replay-trades. A
// strategy is any value with an OnEvent callback returning order and
// cancel intents; there is no base type to inherit from.
package strategy

import (
	"simtrader/internal/book"
	"simtrader/pkg/types"
)

// Context is the read-only view a Strategy receives on each callback.
// A Strategy must not mutate anything reachable from Context.
//
// ActiveOrders carries the strategy's own orders per asset id, including
// orders that reached a terminal state earlier in the run — a strategy
// needs to see that a leg it submitted has filled or been rejected.
type Context struct {
	Seq          int64
	Event        types.Event
	Books        map[string]book.Reader
	Portfolio    *types.Portfolio
	ActiveOrders map[string][]types.Order
}

// Strategy is the capability every strategy implementation satisfies.
type Strategy interface {
	OnEvent(ctx Context) (intents []types.OrderIntent, cancels []types.CancelIntent)
}
