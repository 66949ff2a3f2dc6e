package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/pairbook/pkg/book"
)

// IndexedStore is Backend B: one hash per order plus a sorted id index per
// side, kept on a Handle (Redis or Pebble).
type IndexedStore struct {
	h   Handle
	log *zap.SugaredLogger
}

func NewIndexedStore(h Handle, log *zap.SugaredLogger) *IndexedStore {
	return &IndexedStore{h: h, log: log}
}

func (s *IndexedStore) Insert(ctx context.Context, o book.Order) error {
	if !o.Side.Valid() {
		return book.Validation("order %s has no side", o.ID)
	}
	seq, err := s.h.NextSeq(ctx, keyOrderSeq)
	if err != nil {
		return book.Unavailable("store insert", err)
	}
	dup := false
	err = s.h.Update(ctx, []string{orderKey(o.ID)}, func(cur []Record, b Batch) error {
		if dup = cur[0] != nil; dup {
			return nil
		}
		rec := orderRecord(o)
		rec[fieldSeq] = strconv.FormatUint(seq, 10)
		b.HSet(orderKey(o.ID), rec)
		b.ZAdd(sideKey(o.Pair, o.Side), orderScore(o.Side, o.Price), indexMember(seq, o.ID))
		return nil
	})
	if err != nil {
		return book.Unavailable("store insert", err)
	}
	if dup {
		return book.Validation("order %s already resting", o.ID)
	}
	return nil
}

func (s *IndexedStore) Remove(ctx context.Context, orderID string) (string, bool, error) {
	var (
		pair    string
		removed bool
	)
	err := s.h.Update(ctx, []string{orderKey(orderID)}, func(cur []Record, b Batch) error {
		pair, removed = "", false
		if cur[0] == nil {
			return nil
		}
		if err := unlinkRecord(b, cur[0]); err != nil {
			return err
		}
		pair, removed = cur[0][fieldPair], true
		return nil
	})
	if err != nil {
		return "", false, book.Unavailable("store remove", err)
	}
	return pair, removed, nil
}

// unlinkRecord queues deletion of an order hash and its index entry.
func unlinkRecord(b Batch, r Record) error {
	side, err := book.ParseSide(r[fieldSide])
	if err != nil {
		return err
	}
	member, err := recordMember(r)
	if err != nil {
		return err
	}
	b.ZRem(sideKey(r[fieldPair], side), member)
	b.Del(orderKey(r[fieldID]))
	return nil
}

// setQuantity queues the new remaining quantity, or removal at zero.
func setQuantity(b Batch, r Record, qty decimal.Decimal) error {
	if qty.IsPositive() {
		b.HSet(orderKey(r[fieldID]), Record{fieldQuantity: qty.String()})
		return nil
	}
	return unlinkRecord(b, r)
}

func (s *IndexedStore) DecrementOrRemove(ctx context.Context, orderID string, qty decimal.Decimal) error {
	err := s.h.Update(ctx, []string{orderKey(orderID)}, func(cur []Record, b Batch) error {
		if cur[0] == nil {
			return nil
		}
		return setQuantity(b, cur[0], qty)
	})
	return book.Unavailable("store decrement", err)
}

func (s *IndexedStore) Fill(ctx context.Context, bidID, askID string, qty decimal.Decimal) (bool, error) {
	filled := false
	err := s.h.Update(ctx, []string{orderKey(bidID), orderKey(askID)}, func(cur []Record, b Batch) error {
		filled = false
		rest := make([]decimal.Decimal, len(cur))
		for i, r := range cur {
			if r == nil {
				return nil
			}
			have, err := decimal.NewFromString(r[fieldQuantity])
			if err != nil {
				return fmt.Errorf("order %s quantity: %w", r[fieldID], err)
			}
			if have.LessThan(qty) {
				return nil
			}
			rest[i] = have.Sub(qty)
		}
		for i, r := range cur {
			if err := setQuantity(b, r, rest[i]); err != nil {
				return err
			}
		}
		filled = true
		return nil
	})
	if err != nil {
		return false, book.Unavailable("store fill", err)
	}
	return filled, nil
}

func (s *IndexedStore) TopN(ctx context.Context, pair string, n int) (book.Depth, error) {
	depth := book.Depth{Pair: pair, Bids: []book.Order{}, Asks: []book.Order{}}
	if n <= 0 {
		return depth, nil
	}
	sides, err := s.h.Resolve(ctx, []string{sideKey(pair, book.Buy), sideKey(pair, book.Sell)}, n, prefixOrder)
	if err != nil {
		return depth, book.Unavailable("store topN", err)
	}
	depth.Bids = s.decode(sides[0])
	depth.Asks = s.decode(sides[1])
	return depth, nil
}

func (s *IndexedStore) Best(ctx context.Context, pair string, side book.Side) (*book.Order, error) {
	sides, err := s.h.Resolve(ctx, []string{sideKey(pair, side)}, 1, prefixOrder)
	if err != nil {
		return nil, book.Unavailable("store best", err)
	}
	orders := s.decode(sides[0])
	if len(orders) == 0 {
		return nil, nil
	}
	return &orders[0], nil
}

func (s *IndexedStore) AppendTrade(ctx context.Context, t book.Trade) error {
	enc, err := encodeTrade(t)
	if err != nil {
		return err
	}
	err = s.h.Write(ctx, func(b Batch) { b.RPush(tradesKey(t.Pair), enc) })
	return book.Unavailable("store append trade", err)
}

func (s *IndexedStore) RecentTrades(ctx context.Context, pair string, limit int) ([]book.Trade, error) {
	raw, err := s.h.Tail(ctx, tradesKey(pair), limit)
	if err != nil {
		return nil, book.Unavailable("store trades", err)
	}
	trades := make([]book.Trade, 0, len(raw))
	for _, r := range raw {
		t, err := decodeTrade(r)
		if err != nil {
			s.log.Warnw("trade_decode_failed", "pair", pair, "err", err)
			continue
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func (s *IndexedStore) Close() error { return s.h.Close() }

// decode drops records that fail to parse; a corrupt hash must not wedge the book.
func (s *IndexedStore) decode(recs []Record) []book.Order {
	out := make([]book.Order, 0, len(recs))
	for _, r := range recs {
		o, err := recordOrder(r)
		if err != nil {
			s.log.Warnw("order_decode_failed", "err", err)
			continue
		}
		out = append(out, o)
	}
	return out
}

var _ book.Store = (*IndexedStore)(nil)
