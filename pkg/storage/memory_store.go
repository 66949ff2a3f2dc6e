package storage

import (
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/pairbook/pkg/book"
)

const btreeDegree = 16

// memEntry orders resting orders by price, then by arrival (seq).
type memEntry struct {
	seq   uint64
	order *book.Order
}

func bidLess(a, b memEntry) bool {
	if c := a.order.Price.Cmp(b.order.Price); c != 0 {
		return c > 0
	}
	return a.seq < b.seq
}

func askLess(a, b memEntry) bool {
	if c := a.order.Price.Cmp(b.order.Price); c != 0 {
		return c < 0
	}
	return a.seq < b.seq
}

type memBook struct {
	bids   *btree.BTreeG[memEntry]
	asks   *btree.BTreeG[memEntry]
	trades []book.Trade
}

func (b *memBook) side(s book.Side) *btree.BTreeG[memEntry] {
	if s == book.Buy {
		return b.bids
	}
	return b.asks
}

// MemoryStore is Backend A: every pair lives in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	books map[string]*memBook
	index map[string]memEntry // order ID -> entry, for removal by ID
	seq   uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books: make(map[string]*memBook),
		index: make(map[string]memEntry),
	}
}

func (s *MemoryStore) bookFor(pair string) *memBook {
	b, ok := s.books[pair]
	if !ok {
		b = &memBook{
			bids: btree.NewG(btreeDegree, bidLess),
			asks: btree.NewG(btreeDegree, askLess),
		}
		s.books[pair] = b
	}
	return b
}

func (s *MemoryStore) Insert(_ context.Context, o book.Order) error {
	if !o.Side.Valid() {
		return book.Validation("order %s has no side", o.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.index[o.ID]; dup {
		return book.Validation("order %s already resting", o.ID)
	}
	s.seq++
	o.Status = ""
	e := memEntry{seq: s.seq, order: &o}
	s.bookFor(o.Pair).side(o.Side).ReplaceOrInsert(e)
	s.index[o.ID] = e
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, orderID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[orderID]
	if !ok {
		return "", false, nil
	}
	s.unlink(e)
	return e.order.Pair, true, nil
}

func (s *MemoryStore) unlink(e memEntry) {
	s.books[e.order.Pair].side(e.order.Side).Delete(e)
	delete(s.index, e.order.ID)
}

func (s *MemoryStore) DecrementOrRemove(_ context.Context, orderID string, qty decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[orderID]
	if !ok {
		return nil
	}
	if qty.IsPositive() {
		e.order.Quantity = qty
		return nil
	}
	s.unlink(e)
	return nil
}

func (s *MemoryStore) Fill(_ context.Context, bidID, askID string, qty decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bid, ok := s.index[bidID]
	if !ok || bid.order.Quantity.LessThan(qty) {
		return false, nil
	}
	ask, ok := s.index[askID]
	if !ok || ask.order.Quantity.LessThan(qty) {
		return false, nil
	}
	for _, e := range []memEntry{bid, ask} {
		if rest := e.order.Quantity.Sub(qty); rest.IsPositive() {
			e.order.Quantity = rest
		} else {
			s.unlink(e)
		}
	}
	return true, nil
}

func (s *MemoryStore) TopN(_ context.Context, pair string, n int) (book.Depth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	depth := book.Depth{Pair: pair, Bids: []book.Order{}, Asks: []book.Order{}}
	b, ok := s.books[pair]
	if !ok || n <= 0 {
		return depth, nil
	}
	depth.Bids = collect(b.bids, n)
	depth.Asks = collect(b.asks, n)
	return depth, nil
}

func collect(t *btree.BTreeG[memEntry], n int) []book.Order {
	out := make([]book.Order, 0, min(n, t.Len()))
	t.Ascend(func(e memEntry) bool {
		out = append(out, *e.order)
		return len(out) < n
	})
	return out
}

func (s *MemoryStore) Best(_ context.Context, pair string, side book.Side) (*book.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[pair]
	if !ok {
		return nil, nil
	}
	e, ok := b.side(side).Min()
	if !ok {
		return nil, nil
	}
	o := *e.order
	return &o, nil
}

func (s *MemoryStore) AppendTrade(_ context.Context, t book.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bookFor(t.Pair)
	b.trades = append(b.trades, t)
	return nil
}

func (s *MemoryStore) RecentTrades(_ context.Context, pair string, limit int) ([]book.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[pair]
	if !ok {
		return []book.Trade{}, nil
	}
	trades := b.trades
	if limit > 0 && len(trades) > limit {
		trades = trades[len(trades)-limit:]
	}
	out := make([]book.Trade, len(trades))
	copy(out, trades)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ book.Store = (*MemoryStore)(nil)
