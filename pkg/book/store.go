package book

import (
	"context"

	"github.com/shopspring/decimal"
)

// Store holds the resting orders and trade log of every pair.
//
// Implementations must keep each side sorted best-first with FIFO among equal
// prices, and TopN must read both sides from one consistent view.
type Store interface {
	// Insert rests a new order. An ID that is already resting is a
	// validation error.
	Insert(ctx context.Context, o Order) error
	// Remove deletes the order with the given ID from whichever pair holds it.
	// An unknown ID yields removed == false and a nil error.
	Remove(ctx context.Context, orderID string) (pair string, removed bool, err error)
	TopN(ctx context.Context, pair string, n int) (Depth, error)
	// DecrementOrRemove sets the remaining quantity, removing the order when it
	// is not positive. It is a no-op for an order that is already gone.
	DecrementOrRemove(ctx context.Context, orderID string, quantity decimal.Decimal) error
	// Fill takes qty off a resting bid and ask in one step, removing either
	// when nothing is left. It changes nothing and reports false unless both
	// orders still rest with at least qty remaining.
	Fill(ctx context.Context, bidID, askID string, qty decimal.Decimal) (bool, error)
	// Best returns the best resting order on one side, or nil.
	Best(ctx context.Context, pair string, side Side) (*Order, error)
	AppendTrade(ctx context.Context, t Trade) error
	// RecentTrades returns up to limit trades, oldest first.
	RecentTrades(ctx context.Context, pair string, limit int) ([]Trade, error)
	Close() error
}
