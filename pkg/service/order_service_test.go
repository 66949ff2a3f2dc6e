package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/uhyunpark/pairbook/pkg/book"
	"github.com/uhyunpark/pairbook/pkg/metrics"
	"github.com/uhyunpark/pairbook/pkg/notify"
	"github.com/uhyunpark/pairbook/pkg/storage"
	"github.com/uhyunpark/pairbook/pkg/util"
)

type event struct {
	topic, name string
	payload     any
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) Broadcast(topic, name string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, event{topic, name, payload})
	r.mu.Unlock()
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.name
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type memPublisher struct {
	mu   sync.Mutex
	sent int
	err  error
}

func (p *memPublisher) Publish(context.Context, string, []byte, []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent++
	return nil
}

func (p *memPublisher) Close() error { return nil }

type fixture struct {
	svc   *OrderService
	store book.Store
	pub   *memPublisher
	rec   *recorder
}

func newFixture(t *testing.T, store book.Store, seeded bool) *fixture {
	t.Helper()
	f := &fixture{store: store, pub: &memPublisher{}, rec: &recorder{}}
	f.svc = New(store, f.pub, f.rec, zap.NewNop().Sugar(), Options{
		Clock: util.NewManualClock(time.UnixMilli(1700000000000)),
	})
	if seeded {
		seed, err := storage.LoadSeed("")
		require.NoError(t, err)
		require.NoError(t, f.svc.Seed(context.Background(), seed))
		f.rec.reset()
	}
	return f
}

func redisStore(t *testing.T) book.Store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return storage.NewIndexedStore(storage.NewRedisHandle(client), zap.NewNop().Sugar())
}

func stores() map[string]func(t *testing.T) book.Store {
	return map[string]func(t *testing.T) book.Store{
		"memory": func(*testing.T) book.Store { return storage.NewMemoryStore() },
		"redis":  redisStore,
	}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func req(pair string, side book.Side, price, qty string) SubmitRequest {
	return SubmitRequest{Pair: pair, Side: side, Price: d(price), Quantity: d(qty)}
}

func TestScenarioExactCross(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, open(t), true)

			o, err := f.svc.Submit(ctx, req("BTC/USDT", book.Buy, "27100", "0.3"))
			require.NoError(t, err)
			assert.Equal(t, book.StatusFilled, o.Status)
			assert.True(t, o.Quantity.IsZero())

			trades, err := f.svc.Trades(ctx, "BTC/USDT", 1)
			require.NoError(t, err)
			require.Len(t, trades, 1)
			assert.True(t, trades[0].Price.Equal(d("27100")))
			assert.True(t, trades[0].Quantity.Equal(d("0.3")))
			assert.Equal(t, "BTC-ask1", trades[0].AskOrderID)
			assert.Equal(t, o.ID, trades[0].BidOrderID)

			depth, err := f.svc.Query(ctx, "BTC/USDT", 5)
			require.NoError(t, err)
			assert.Equal(t, "BTC-ask2", depth.Asks[0].ID)
			assert.Equal(t, "BTC-bid1", depth.Bids[0].ID)
			for _, b := range depth.Bids {
				assert.NotEqual(t, o.ID, b.ID)
			}

			assert.Equal(t, []string{notify.EventTradeExecuted, notify.EventOrderBookUpdated}, f.rec.names())
			assert.Equal(t, 1, f.pub.sent)

			// depth 2 after the cross
			top2, err := f.svc.Query(ctx, "BTC/USDT", 2)
			require.NoError(t, err)
			require.Len(t, top2.Bids, 2)
			require.Len(t, top2.Asks, 2)
			assert.True(t, top2.Bids[0].Price.Equal(d("27000")))
			assert.True(t, top2.Bids[1].Price.Equal(d("26950")))
			assert.True(t, top2.Asks[0].Price.Equal(d("27200")))
			assert.True(t, top2.Asks[1].Price.Equal(d("27350")))
		})
	}
}

func TestScenarioNoCross(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, open(t), true)

			o, err := f.svc.Submit(ctx, req("BTC/USDT", book.Buy, "27050", "1.0"))
			require.NoError(t, err)
			assert.Equal(t, book.StatusOpen, o.Status)
			assert.True(t, o.Quantity.Equal(d("1")))

			depth, err := f.svc.Query(ctx, "BTC/USDT", 0)
			require.NoError(t, err)
			assert.Len(t, depth.Bids, DefaultDepth)
			assert.Equal(t, o.ID, depth.Bids[0].ID)
			assert.Equal(t, "BTC-ask1", depth.Asks[0].ID)
			assert.Equal(t, []string{notify.EventOrderBookUpdated}, f.rec.names())
			assert.Zero(t, f.pub.sent)
		})
	}
}

func TestScenarioPartialFillOfResting(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, open(t), true)

			ok, err := f.svc.Cancel(ctx, "ETH-bid1")
			require.NoError(t, err)
			require.True(t, ok)

			o, err := f.svc.Submit(ctx, req("ETH/USDT", book.Sell, "1895", "0.5"))
			require.NoError(t, err)
			assert.Equal(t, book.StatusFilled, o.Status)

			trades, err := f.svc.Trades(ctx, "ETH/USDT", 1)
			require.NoError(t, err)
			require.Len(t, trades, 1)
			assert.True(t, trades[0].Price.Equal(d("1895")))
			assert.True(t, trades[0].Quantity.Equal(d("0.5")))
			assert.Equal(t, "ETH-bid2", trades[0].BidOrderID)

			depth, err := f.svc.Query(ctx, "ETH/USDT", 5)
			require.NoError(t, err)
			assert.Equal(t, "ETH-bid2", depth.Bids[0].ID)
			assert.True(t, depth.Bids[0].Quantity.Equal(d("0.5")))
			assert.Equal(t, "ETH-ask1", depth.Asks[0].ID)
		})
	}
}

func TestScenarioCancelUnknown(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, open(t), true)
			ok, err := f.svc.Cancel(context.Background(), "nonexistent")
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Empty(t, f.rec.names())
		})
	}
}

func TestCancelBroadcastsPair(t *testing.T) {
	f := newFixture(t, storage.NewMemoryStore(), true)
	ok, err := f.svc.Cancel(context.Background(), "XRP-ask2")
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, f.rec.events, 1)
	assert.Equal(t, "XRP/USDT", f.rec.events[0].topic)
	assert.Equal(t, notify.BookUpdate{Pair: "XRP/USDT"}, f.rec.events[0].payload)

	_, err = f.svc.Cancel(context.Background(), "")
	assert.Equal(t, book.KindValidation, book.KindOf(err))
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, storage.NewMemoryStore(), false)
	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"missing pair", req("", book.Buy, "1", "1")},
		{"malformed pair", req("BTCUSDT", book.Buy, "1", "1")},
		{"missing side", req("BTC/USDT", 0, "1", "1")},
		{"zero price", req("BTC/USDT", book.Buy, "0", "1")},
		{"negative price", req("BTC/USDT", book.Sell, "-5", "1")},
		{"zero quantity", req("BTC/USDT", book.Buy, "1", "0")},
		{"price too precise", req("BTC/USDT", book.Buy, "27000.0000000000001", "1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, book.KindValidation, book.KindOf(err))
		})
	}
	depth, err := f.svc.Query(context.Background(), "BTC/USDT", 5)
	require.NoError(t, err)
	assert.Empty(t, depth.Bids)
	assert.Empty(t, depth.Asks)
	assert.Empty(t, f.rec.names())
}

func TestSubmitPublishFailure(t *testing.T) {
	f := newFixture(t, storage.NewMemoryStore(), true)
	f.pub.err = errors.New("broker down")

	o, err := f.svc.Submit(context.Background(), req("BTC/USDT", book.Buy, "27100", "0.3"))
	require.Error(t, err)
	assert.Equal(t, book.KindUnavailable, book.KindOf(err))
	assert.NotEmpty(t, o.ID)

	// the fill committed before the publish failed
	depth, err := f.svc.Query(context.Background(), "BTC/USDT", 1)
	require.NoError(t, err)
	assert.Equal(t, "BTC-ask2", depth.Asks[0].ID)
	assert.NotContains(t, f.rec.names(), notify.EventTradeExecuted)
}

func TestSubmitRestsBehindOlderOrderAtSamePrice(t *testing.T) {
	for name, open := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, open(t), true)

			o, err := f.svc.Submit(ctx, req("BTC/USDT", book.Sell, "27100", "0.1"))
			require.NoError(t, err)
			assert.Equal(t, book.StatusOpen, o.Status)

			depth, err := f.svc.Query(ctx, "BTC/USDT", 2)
			require.NoError(t, err)
			require.Len(t, depth.Asks, 2)
			assert.Equal(t, "BTC-ask1", depth.Asks[0].ID)
			assert.Equal(t, o.ID, depth.Asks[1].ID)

			// the seeded order fills first
			taker, err := f.svc.Submit(ctx, req("BTC/USDT", book.Buy, "27100", "0.3"))
			require.NoError(t, err)
			assert.Equal(t, book.StatusFilled, taker.Status)
			ask, err := f.store.Best(ctx, "BTC/USDT", book.Sell)
			require.NoError(t, err)
			require.NotNil(t, ask)
			assert.Equal(t, o.ID, ask.ID)
			assert.True(t, ask.Quantity.Equal(d("0.1")))
		})
	}
}

func TestSubmitTakesIDUnderPairToken(t *testing.T) {
	f := newFixture(t, storage.NewMemoryStore(), false)
	var (
		mu     sync.Mutex
		issued bool
	)
	f.svc.newID = func() string {
		mu.Lock()
		issued = true
		mu.Unlock()
		return "o-1"
	}
	wasIssued := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return issued
	}

	release, err := f.svc.locks.acquire(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Submit(context.Background(), req("BTC/USDT", book.Buy, "100", "1"))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, wasIssued(), "id assigned before the pair token was held")
	release()
	require.NoError(t, <-done)
	assert.True(t, wasIssued())
}

// failingFill reports a store outage on every fill.
type failingFill struct{ book.Store }

func (failingFill) Fill(context.Context, string, string, decimal.Decimal) (bool, error) {
	return false, book.Unavailable("store fill", errors.New("connection refused"))
}

func notifyFailures(t *testing.T, m *metrics.Metrics) float64 {
	t.Helper()
	mfs, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == "pairbook_notify_failures_total" {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("notify failure counter not registered")
	return 0
}

func TestNotifyFailedCountsPublishErrorsOnly(t *testing.T) {
	ctx := context.Background()
	m := metrics.New()
	seed, err := storage.LoadSeed("")
	require.NoError(t, err)

	mem := storage.NewMemoryStore()
	_, _, err = seed.Apply(ctx, mem, 1700000000000)
	require.NoError(t, err)
	pub := &memPublisher{}
	svc := New(failingFill{mem}, pub, notify.NopBroadcaster{}, zap.NewNop().Sugar(), Options{Metrics: m})

	_, err = svc.Submit(ctx, req("BTC/USDT", book.Buy, "27100", "0.3"))
	require.Error(t, err)
	assert.Equal(t, book.KindUnavailable, book.KindOf(err))
	assert.Zero(t, notifyFailures(t, m), "store outage is not a notify failure")

	pub.err = errors.New("broker down")
	svc = New(mem, pub, notify.NopBroadcaster{}, zap.NewNop().Sugar(), Options{Metrics: m})
	_, err = svc.Submit(ctx, req("BTC/USDT", book.Buy, "27100", "0.3"))
	require.Error(t, err)
	assert.ErrorIs(t, err, notify.ErrPublish)
	assert.Equal(t, float64(1), notifyFailures(t, m))
}

func TestSubmitPartialTaker(t *testing.T) {
	f := newFixture(t, storage.NewMemoryStore(), true)
	o, err := f.svc.Submit(context.Background(), req("BTC/USDT", book.Buy, "27200", "2"))
	require.NoError(t, err)
	// crosses ask1 (0.3) and ask2 (0.8)
	assert.Equal(t, book.StatusPartiallyFilled, o.Status)
	assert.True(t, o.Quantity.Equal(d("0.9")), o.Quantity.String())

	depth, err := f.svc.Query(context.Background(), "BTC/USDT", 1)
	require.NoError(t, err)
	assert.Equal(t, o.ID, depth.Bids[0].ID)
	assert.True(t, depth.Bids[0].Quantity.Equal(d("0.9")))
	assert.Equal(t, "BTC-ask3", depth.Asks[0].ID)
}

func TestQueryIsIdempotentAndCapped(t *testing.T) {
	f := newFixture(t, storage.NewMemoryStore(), true)
	ctx := context.Background()
	a, err := f.svc.Query(ctx, "BTC/USDT", 3)
	require.NoError(t, err)
	b, err := f.svc.Query(ctx, "BTC/USDT", 3)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	all, err := f.svc.Query(ctx, "BTC/USDT", 10_000)
	require.NoError(t, err)
	assert.Len(t, all.Bids, 7)

	none, err := f.svc.Query(ctx, "DOGE/USDT", 5)
	require.NoError(t, err)
	assert.Empty(t, none.Bids)
	assert.Empty(t, none.Asks)
}

func TestConcurrentSubmitsNeverCross(t *testing.T) {
	f := newFixture(t, storage.NewMemoryStore(), false)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				side := book.Buy
				if (w+i)%2 == 0 {
					side = book.Sell
				}
				price := fmt.Sprintf("%d", 100+(w*7+i*3)%5)
				if _, err := f.svc.Submit(ctx, req("BTC/USDT", side, price, "1")); err != nil {
					t.Errorf("submit: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	bid, err := f.store.Best(ctx, "BTC/USDT", book.Buy)
	require.NoError(t, err)
	ask, err := f.store.Best(ctx, "BTC/USDT", book.Sell)
	require.NoError(t, err)
	assert.False(t, book.Crossed(bid, ask))
}

func TestPairLockHonoursContext(t *testing.T) {
	l := newPairLocks()
	release, err := l.acquire(context.Background(), "BTC/USDT")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.acquire(ctx, "BTC/USDT")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.acquire(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	other()
	release()

	again, err := l.acquire(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	again()
}

func TestBookStaysSortedProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		store := storage.NewMemoryStore()
		svc := New(store, &memPublisher{}, notify.NopBroadcaster{}, zap.NewNop().Sugar(), Options{})

		n := rapid.IntRange(1, 30).Draw(t, "n")
		for i := 0; i < n; i++ {
			side := rapid.SampledFrom([]book.Side{book.Buy, book.Sell}).Draw(t, "side")
			price := decimal.New(int64(rapid.IntRange(990, 1010).Draw(t, "price")), -1)
			qty := decimal.New(int64(rapid.IntRange(1, 30).Draw(t, "qty")), -1)
			if _, err := svc.Submit(ctx, SubmitRequest{Pair: "ETH/USDT", Side: side, Price: price, Quantity: qty}); err != nil {
				t.Fatalf("submit: %v", err)
			}
		}

		depth, err := svc.Query(ctx, "ETH/USDT", MaxDepth)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		for i := 1; i < len(depth.Bids); i++ {
			if depth.Bids[i].Price.GreaterThan(depth.Bids[i-1].Price) {
				t.Fatalf("bids out of order at %d", i)
			}
			if depth.Bids[i].Price.Equal(depth.Bids[i-1].Price) && depth.Bids[i].ID < depth.Bids[i-1].ID {
				t.Fatalf("bids at equal price not FIFO at %d", i)
			}
		}
		for i := 1; i < len(depth.Asks); i++ {
			if depth.Asks[i].Price.LessThan(depth.Asks[i-1].Price) {
				t.Fatalf("asks out of order at %d", i)
			}
			if depth.Asks[i].Price.Equal(depth.Asks[i-1].Price) && depth.Asks[i].ID < depth.Asks[i-1].ID {
				t.Fatalf("asks at equal price not FIFO at %d", i)
			}
		}
		if len(depth.Bids) > 0 && len(depth.Asks) > 0 && depth.Bids[0].Price.GreaterThanOrEqual(depth.Asks[0].Price) {
			t.Fatalf("book crossed")
		}
	})
}
