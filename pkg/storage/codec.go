package storage

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/pairbook/pkg/book"
)

// Record is a flat string hash, the shape orders take in Backend B.
type Record map[string]string

const (
	fieldID        = "orderId"
	fieldPair      = "pair"
	fieldSide      = "side"
	fieldPrice     = "price"
	fieldQuantity  = "quantity"
	fieldUserID    = "userId"
	fieldTimestamp = "timestamp"
	fieldSeq       = "seq"
)

func orderRecord(o book.Order) Record {
	return Record{
		fieldID:        o.ID,
		fieldPair:      o.Pair,
		fieldSide:      o.Side.String(),
		fieldPrice:     o.Price.String(),
		fieldQuantity:  o.Quantity.String(),
		fieldUserID:    o.UserID,
		fieldTimestamp: strconv.FormatInt(o.Timestamp, 10),
	}
}

func recordOrder(r Record) (book.Order, error) {
	side, err := book.ParseSide(r[fieldSide])
	if err != nil {
		return book.Order{}, fmt.Errorf("order %s: %w", r[fieldID], err)
	}
	price, err := decimal.NewFromString(r[fieldPrice])
	if err != nil {
		return book.Order{}, fmt.Errorf("order %s price: %w", r[fieldID], err)
	}
	qty, err := decimal.NewFromString(r[fieldQuantity])
	if err != nil {
		return book.Order{}, fmt.Errorf("order %s quantity: %w", r[fieldID], err)
	}
	var ts int64
	if s := r[fieldTimestamp]; s != "" {
		if ts, err = strconv.ParseInt(s, 10, 64); err != nil {
			return book.Order{}, fmt.Errorf("order %s timestamp: %w", r[fieldID], err)
		}
	}
	return book.Order{
		ID:        r[fieldID],
		Pair:      r[fieldPair],
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Timestamp: ts,
		UserID:    r[fieldUserID],
	}, nil
}

// orderScore is the index score: asks by price, bids by negated price.
func orderScore(side book.Side, price decimal.Decimal) float64 {
	if side == book.Buy {
		return price.Neg().InexactFloat64()
	}
	return price.InexactFloat64()
}

func encodeTrade(t book.Trade) (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode trade %s: %w", t.ID, err)
	}
	return string(b), nil
}

func decodeTrade(s string) (book.Trade, error) {
	var t book.Trade
	if err := json.Unmarshal([]byte(s), &t); err != nil {
		return t, fmt.Errorf("decode trade: %w", err)
	}
	return t, nil
}
