// Package notify fans executed trades out to a durable queue and to live
// subscribers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/uhyunpark/pairbook/pkg/book"
)

// Live event names pushed to subscribers of a pair.
const (
	EventOrderBookUpdated = "orderBookUpdated"
	EventTradeExecuted    = "tradeExecuted"
)

// DefaultQueue is the durable destination for trade events.
const DefaultQueue = "tradeQueue"

// ErrPublish marks errors from the durable publish of a trade.
var ErrPublish = errors.New("trade publish failed")

// Publisher delivers a message to a durable queue. Delivery is at-least-once.
type Publisher interface {
	Publish(ctx context.Context, queue string, key, body []byte) error
	Close() error
}

// Broadcaster pushes an event to everyone subscribed to topic. It must not block.
type Broadcaster interface {
	Broadcast(topic, event string, payload any)
}

type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(string, string, any) {}

// BookUpdate is the payload of EventOrderBookUpdated.
type BookUpdate struct {
	Pair string `json:"pair"`
}

// TradeNotifier publishes each trade durably, then broadcasts it to the pair.
type TradeNotifier struct {
	pub   Publisher
	bc    Broadcaster
	queue string
	log   *zap.SugaredLogger
}

func NewTradeNotifier(pub Publisher, bc Broadcaster, queue string, log *zap.SugaredLogger) *TradeNotifier {
	if queue == "" {
		queue = DefaultQueue
	}
	if bc == nil {
		bc = NopBroadcaster{}
	}
	return &TradeNotifier{pub: pub, bc: bc, queue: queue, log: log}
}

// Notify returns an Unavailable error when the durable publish fails; the
// broadcast only happens after a successful publish.
func (n *TradeNotifier) Notify(ctx context.Context, t book.Trade) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := n.pub.Publish(ctx, n.queue, []byte(t.Pair), body); err != nil {
		n.log.Errorw("trade_publish_failed", "trade_id", t.ID, "pair", t.Pair, "err", err)
		return book.Unavailable("publish trade", fmt.Errorf("%w: %w", ErrPublish, err))
	}
	n.bc.Broadcast(t.Pair, EventTradeExecuted, t)
	n.log.Debugw("trade_published", "trade_id", t.ID, "pair", t.Pair, "queue", n.queue)
	return nil
}

// BookUpdated tells subscribers of pair to refresh their depth view.
func (n *TradeNotifier) BookUpdated(pair string) {
	n.bc.Broadcast(pair, EventOrderBookUpdated, BookUpdate{Pair: pair})
}
