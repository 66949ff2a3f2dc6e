// Package service admits, cancels and queries orders. It is the only writer
// of the book outside the matching engine.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/pairbook/pkg/book"
	"github.com/uhyunpark/pairbook/pkg/matching"
	"github.com/uhyunpark/pairbook/pkg/metrics"
	"github.com/uhyunpark/pairbook/pkg/notify"
	"github.com/uhyunpark/pairbook/pkg/storage"
	"github.com/uhyunpark/pairbook/pkg/util"
)

const (
	DefaultDepth = 5
	MaxDepth     = 100
)

type SubmitRequest struct {
	Pair     string
	Side     book.Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
	UserID   string
}

type Options struct {
	DefaultDepth int
	MaxDepth     int
	Queue        string
	Clock        util.Clock
	Metrics      *metrics.Metrics
}

type OrderService struct {
	store    book.Store
	engine   *matching.Engine
	notifier *notify.TradeNotifier
	locks    *pairLocks
	clock    util.Clock
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger
	newID    func() string

	defaultDepth int
	maxDepth     int
}

func New(store book.Store, pub notify.Publisher, bc notify.Broadcaster, log *zap.SugaredLogger, opts Options) *OrderService {
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.DefaultDepth <= 0 {
		opts.DefaultDepth = DefaultDepth
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = MaxDepth
	}
	notifier := notify.NewTradeNotifier(pub, bc, opts.Queue, log)
	return &OrderService{
		store:        store,
		engine:       matching.NewEngine(store, notifier, opts.Clock, log),
		notifier:     notifier,
		locks:        newPairLocks(),
		clock:        opts.Clock,
		metrics:      opts.Metrics,
		log:          log,
		newID:        newOrderID,
		defaultDepth: opts.DefaultDepth,
		maxDepth:     opts.MaxDepth,
	}
}

// newOrderID returns a UUIDv7, whose string form sorts by creation time.
func newOrderID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func validate(req SubmitRequest) error {
	switch {
	case req.Pair == "":
		return book.Validation("pair is required")
	case !book.ValidPair(req.Pair):
		return book.Validation("pair %q must look like BASE/QUOTE", req.Pair)
	case !req.Side.Valid():
		return book.Validation("side must be buy or sell")
	case !req.Price.IsPositive():
		return book.Validation("price must be positive")
	case book.SignificantDigits(req.Price) > book.MaxPriceDigits:
		return book.Validation("price must have at most %d significant digits", book.MaxPriceDigits)
	case !req.Quantity.IsPositive():
		return book.Validation("quantity must be positive")
	}
	return nil
}

// Submit rests a new order and runs matching for its pair. The returned order
// carries the quantity left after matching and its fill status. If matching
// aborts, the order and any fills before the failure stay committed and are
// returned alongside the error.
func (s *OrderService) Submit(ctx context.Context, req SubmitRequest) (book.Order, error) {
	if err := validate(req); err != nil {
		s.metrics.OrderRejected(book.KindOf(err).String())
		return book.Order{}, err
	}
	release, err := s.locks.acquire(ctx, req.Pair)
	if err != nil {
		return book.Order{}, book.Unavailable("acquire pair", err)
	}
	// id and timestamp are taken under the token so they follow arrival order
	o := book.Order{
		ID:        s.newID(),
		Pair:      req.Pair,
		Side:      req.Side,
		Price:     req.Price,
		Quantity:  req.Quantity,
		Timestamp: util.NowMillis(s.clock),
		UserID:    req.UserID,
	}
	start := time.Now()
	if err := s.store.Insert(ctx, o); err != nil {
		release()
		s.metrics.OrderRejected(book.KindOf(err).String())
		return book.Order{}, err
	}
	trades, runErr := s.engine.Run(ctx, o.Pair)
	release()
	s.metrics.MatchObserved(o.Pair, time.Since(start))

	s.metrics.OrderSubmitted(o.Pair, o.Side.String())
	for _, t := range trades {
		s.metrics.TradeExecuted(t.Pair, t.Quantity)
	}
	s.notifier.BookUpdated(o.Pair)

	s.log.Infow("order_added",
		"order_id", o.ID,
		"pair", o.Pair,
		"side", o.Side.String(),
		"price", o.Price.String(),
		"qty", o.Quantity.String(),
		"trades", len(trades),
	)
	if runErr != nil {
		if errors.Is(runErr, notify.ErrPublish) {
			s.metrics.NotifyFailed()
		}
		s.log.Errorw("matching_aborted", "pair", o.Pair, "order_id", o.ID, "err", runErr)
		return fillResult(o, trades), runErr
	}
	return fillResult(o, trades), nil
}

// fillResult applies the order's own fills from this pass.
func fillResult(o book.Order, trades []book.Trade) book.Order {
	filled := decimal.Zero
	for _, t := range trades {
		if t.BidOrderID == o.ID || t.AskOrderID == o.ID {
			filled = filled.Add(t.Quantity)
		}
	}
	o.Quantity = o.Quantity.Sub(filled)
	switch {
	case filled.IsZero():
		o.Status = book.StatusOpen
	case o.Quantity.IsPositive():
		o.Status = book.StatusPartiallyFilled
	default:
		o.Status = book.StatusFilled
	}
	return o
}

// Cancel removes a resting order by ID. An unknown ID reports false with no error.
func (s *OrderService) Cancel(ctx context.Context, orderID string) (bool, error) {
	if orderID == "" {
		return false, book.Validation("orderId is required")
	}
	pair, removed, err := s.store.Remove(ctx, orderID)
	if err != nil {
		return false, err
	}
	if !removed {
		s.log.Debugw("cancel_unknown_order", "order_id", orderID)
		return false, nil
	}
	s.metrics.OrderCancelled(pair)
	s.notifier.BookUpdated(pair)
	s.log.Infow("order_cancelled", "order_id", orderID, "pair", pair)
	return true, nil
}

// Query returns up to depth orders per side; depth <= 0 means the default.
func (s *OrderService) Query(ctx context.Context, pair string, depth int) (book.Depth, error) {
	if pair == "" {
		return book.Depth{}, book.Validation("pair is required")
	}
	if depth <= 0 {
		depth = s.defaultDepth
	}
	if depth > s.maxDepth {
		depth = s.maxDepth
	}
	return s.store.TopN(ctx, pair, depth)
}

// Trades returns the pair's most recent trades, oldest first.
func (s *OrderService) Trades(ctx context.Context, pair string, limit int) ([]book.Trade, error) {
	if pair == "" {
		return nil, book.Validation("pair is required")
	}
	if limit <= 0 || limit > s.maxDepth {
		limit = s.maxDepth
	}
	return s.store.RecentTrades(ctx, pair, limit)
}

// Seed loads starting books. Seeded books are not matched.
func (s *OrderService) Seed(ctx context.Context, seed *storage.Seed) error {
	orders, trades, err := seed.Apply(ctx, s.store, util.NowMillis(s.clock))
	if err != nil {
		return err
	}
	for _, pair := range seed.Pairs() {
		s.notifier.BookUpdated(pair)
	}
	s.log.Infow("books_seeded", "pairs", len(seed.Books), "orders", orders, "trades", trades)
	return nil
}
