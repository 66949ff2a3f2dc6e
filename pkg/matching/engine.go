package matching

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/pairbook/pkg/book"
	"github.com/uhyunpark/pairbook/pkg/util"
)

var two = decimal.NewFromInt(2)

// Notifier receives every trade after the book has been updated for it.
type Notifier interface {
	Notify(ctx context.Context, t book.Trade) error
}

type Engine struct {
	store    book.Store
	notifier Notifier
	clock    util.Clock
	log      *zap.SugaredLogger
	newID    func() string
}

func NewEngine(store book.Store, notifier Notifier, clock util.Clock, log *zap.SugaredLogger) *Engine {
	return &Engine{
		store:    store,
		notifier: notifier,
		clock:    clock,
		log:      log,
		newID:    uuid.NewString,
	}
}

// Run crosses the best bid against the best ask of pair until the book is
// uncrossed. Each trade prints at the midpoint of the two limit prices for the
// smaller remaining quantity. The caller must hold the pair's token; cancels
// may still land at any time and a cancelled order never trades.
//
// On error the pass stops; trades executed before the failure are returned
// and are already reflected in the store.
func (e *Engine) Run(ctx context.Context, pair string) ([]book.Trade, error) {
	var trades []book.Trade
	for {
		bid, err := e.store.Best(ctx, pair, book.Buy)
		if err != nil {
			return trades, err
		}
		ask, err := e.store.Best(ctx, pair, book.Sell)
		if err != nil {
			return trades, err
		}
		if !book.Crossed(bid, ask) {
			return trades, nil
		}

		qty := decimal.Min(bid.Quantity, ask.Quantity)
		t := book.Trade{
			ID:         e.newID(),
			Pair:       pair,
			Price:      bid.Price.Add(ask.Price).Div(two),
			Quantity:   qty,
			Timestamp:  util.NowMillis(e.clock),
			BidOrderID: bid.ID,
			AskOrderID: ask.ID,
		}

		filled, err := e.store.Fill(ctx, bid.ID, ask.ID, qty)
		if err != nil {
			return trades, fmt.Errorf("fill %s/%s: %w", bid.ID, ask.ID, err)
		}
		if !filled {
			// one side was cancelled after it was read; look again
			e.log.Debugw("fill_skipped", "pair", pair, "bid", bid.ID, "ask", ask.ID)
			continue
		}
		if err := e.store.AppendTrade(ctx, t); err != nil {
			return trades, fmt.Errorf("record trade %s: %w", t.ID, err)
		}
		trades = append(trades, t)

		e.log.Infow("trade_executed",
			"pair", pair,
			"trade_id", t.ID,
			"price", t.Price.String(),
			"qty", t.Quantity.String(),
			"bid", bid.ID,
			"ask", ask.ID,
		)

		if err := e.notifier.Notify(ctx, t); err != nil {
			return trades, fmt.Errorf("notify trade %s: %w", t.ID, err)
		}
	}
}
