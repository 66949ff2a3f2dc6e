package book

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

// ParseSide accepts "buy" or "sell" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	}
	return "unknown"
}

func (s Side) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("marshal side %d", s)
	}
	return json.Marshal(s.String())
}

func (s *Side) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	parsed, err := ParseSide(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type Status string

const (
	StatusOpen            Status = "open"
	StatusPartiallyFilled Status = "partially_filled"
	StatusFilled          Status = "filled"
)

// Order is a resting limit order. Only Quantity changes while it rests.
type Order struct {
	ID        string          `json:"orderId"`
	Pair      string          `json:"pair"`
	Side      Side            `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Timestamp int64           `json:"timestamp"` // epoch ms
	UserID    string          `json:"userId,omitempty"`
	Status    Status          `json:"status,omitempty"`
}

type Trade struct {
	ID         string          `json:"tradeId"`
	Pair       string          `json:"pair"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Timestamp  int64           `json:"timestamp"`
	BidOrderID string          `json:"bidOrderId,omitempty"`
	AskOrderID string          `json:"askOrderId,omitempty"`
}

// Depth is the top of one pair's book. Bids descend by price, asks ascend.
type Depth struct {
	Pair string  `json:"pair"`
	Bids []Order `json:"bids"`
	Asks []Order `json:"asks"`
}

// ValidPair reports whether p looks like BASE/QUOTE.
func ValidPair(p string) bool {
	base, quote, ok := strings.Cut(p, "/")
	if !ok || base == "" || quote == "" {
		return false
	}
	return !strings.ContainsAny(base+quote, "/ \t")
}

// MaxPriceDigits bounds the significant digits of a price so that distinct
// prices keep distinct float64 index scores.
const MaxPriceDigits = 15

// SignificantDigits counts the digits of d without leading or trailing zeros.
func SignificantDigits(d decimal.Decimal) int {
	c := new(big.Int).Abs(d.Coefficient())
	if c.Sign() == 0 {
		return 0
	}
	ten, rem := big.NewInt(10), new(big.Int)
	for {
		q, r := new(big.Int).QuoRem(c, ten, rem)
		if r.Sign() != 0 {
			break
		}
		c = q
	}
	return len(c.String())
}

// Better reports whether price a beats price b on side s.
func Better(s Side, a, b decimal.Decimal) bool {
	if s == Buy {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// Crossed reports whether a best bid and best ask would trade.
func Crossed(bid, ask *Order) bool {
	return bid != nil && ask != nil && bid.Price.GreaterThanOrEqual(ask.Price)
}
