package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/pairbook/pkg/util"
)

// ErrNotConnected is returned by the publisher used when the broker never came up.
var ErrNotConnected = errors.New("publisher not connected")

// Connect dials up to attempts times with a fixed delay between tries.
func Connect(
	ctx context.Context,
	dial func(ctx context.Context) (Publisher, error),
	attempts int,
	delay time.Duration,
	clock util.Clock,
	log *zap.SugaredLogger,
) (Publisher, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		p, err := dial(ctx)
		if err == nil {
			log.Infow("notifier_connected", "attempt", i)
			return p, nil
		}
		lastErr = err
		log.Warnw("notifier_connect_failed", "attempt", i, "of", attempts, "err", err)
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-clock.After(delay):
		}
	}
	return nil, fmt.Errorf("notifier: %d attempts: %w", attempts, lastErr)
}

// Unconnected fails every publish; the node keeps serving reads and
// non-crossing submissions while the broker is down.
type Unconnected struct{}

func (Unconnected) Publish(context.Context, string, []byte, []byte) error { return ErrNotConnected }
func (Unconnected) Close() error                                          { return nil }

// LogPublisher writes trades to the log instead of a broker, for development.
type LogPublisher struct {
	Log *zap.SugaredLogger
}

func (p LogPublisher) Publish(_ context.Context, queue string, key, body []byte) error {
	p.Log.Infow("trade_event", "queue", queue, "key", string(key), "body", string(body))
	return nil
}

func (LogPublisher) Close() error { return nil }
