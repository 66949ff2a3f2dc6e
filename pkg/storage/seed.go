package storage

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/uhyunpark/pairbook/pkg/book"
)

//go:embed seed_default.yaml
var defaultSeed []byte

type SeedOrder struct {
	ID       string `yaml:"id"`
	Price    string `yaml:"price"`
	Quantity string `yaml:"quantity"`
	UserID   string `yaml:"userId"`
}

type SeedTrade struct {
	ID        string `yaml:"tradeId"`
	Price     string `yaml:"price"`
	Quantity  string `yaml:"quantity"`
	Timestamp int64  `yaml:"timestamp"`
}

type SeedBook struct {
	Bids   []SeedOrder `yaml:"bids"`
	Asks   []SeedOrder `yaml:"asks"`
	Trades []SeedTrade `yaml:"trades"`
}

// Seed is the YAML document of starting books, keyed by pair.
type Seed struct {
	Books map[string]SeedBook `yaml:"books"`
}

// LoadSeed reads a seed file, or the built-in books when path is empty.
func LoadSeed(path string) (*Seed, error) {
	data := defaultSeed
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read seed: %w", err)
		}
		data = b
	}
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks pairs, amounts and that order ids are unique across the file.
func (s *Seed) Validate() error {
	seen := make(map[string]string)
	for _, pair := range s.Pairs() {
		b := s.Books[pair]
		if !book.ValidPair(pair) {
			return fmt.Errorf("seed pair %q: want BASE/QUOTE", pair)
		}
		for _, o := range append(append([]SeedOrder{}, b.Bids...), b.Asks...) {
			if o.ID == "" {
				return fmt.Errorf("seed %s: order without id", pair)
			}
			if prev, dup := seen[o.ID]; dup {
				return fmt.Errorf("seed %s: order id %s already used in %s", pair, o.ID, prev)
			}
			seen[o.ID] = pair
			price, err := positive(o.Price)
			if err != nil {
				return fmt.Errorf("seed %s order %s price: %w", pair, o.ID, err)
			}
			if book.SignificantDigits(price) > book.MaxPriceDigits {
				return fmt.Errorf("seed %s order %s price: more than %d significant digits", pair, o.ID, book.MaxPriceDigits)
			}
			if _, err := positive(o.Quantity); err != nil {
				return fmt.Errorf("seed %s order %s quantity: %w", pair, o.ID, err)
			}
		}
	}
	return nil
}

func positive(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return d, err
	}
	if !d.IsPositive() {
		return d, fmt.Errorf("%s is not positive", s)
	}
	return d, nil
}

// Pairs returns the seeded pairs in sorted order.
func (s *Seed) Pairs() []string {
	pairs := make([]string, 0, len(s.Books))
	for p := range s.Books {
		pairs = append(pairs, p)
	}
	sort.Strings(pairs)
	return pairs
}

// Apply inserts the seed into store, preserving listed order within a side.
func (s *Seed) Apply(ctx context.Context, store book.Store, nowMillis int64) (orders, trades int, err error) {
	for _, pair := range s.Pairs() {
		b := s.Books[pair]
		for _, side := range []struct {
			side   book.Side
			orders []SeedOrder
		}{{book.Buy, b.Bids}, {book.Sell, b.Asks}} {
			for _, so := range side.orders {
				price, _ := positive(so.Price)
				qty, _ := positive(so.Quantity)
				o := book.Order{
					ID:        so.ID,
					Pair:      pair,
					Side:      side.side,
					Price:     price,
					Quantity:  qty,
					Timestamp: nowMillis,
					UserID:    so.UserID,
				}
				if err := store.Insert(ctx, o); err != nil {
					return orders, trades, fmt.Errorf("seed %s order %s: %w", pair, so.ID, err)
				}
				orders++
			}
		}
		for _, st := range b.Trades {
			price, err := decimal.NewFromString(st.Price)
			if err != nil {
				return orders, trades, fmt.Errorf("seed %s trade %s price: %w", pair, st.ID, err)
			}
			qty, err := decimal.NewFromString(st.Quantity)
			if err != nil {
				return orders, trades, fmt.Errorf("seed %s trade %s quantity: %w", pair, st.ID, err)
			}
			t := book.Trade{ID: st.ID, Pair: pair, Price: price, Quantity: qty, Timestamp: st.Timestamp}
			if err := store.AppendTrade(ctx, t); err != nil {
				return orders, trades, fmt.Errorf("seed %s trade %s: %w", pair, st.ID, err)
			}
			trades++
		}
	}
	return orders, trades, nil
}
