package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/pairbook/pkg/book"
	"github.com/uhyunpark/pairbook/pkg/metrics"
	"github.com/uhyunpark/pairbook/pkg/notify"
	"github.com/uhyunpark/pairbook/pkg/service"
	"github.com/uhyunpark/pairbook/pkg/storage"
)

func newTestServer(t *testing.T) (*Server, *Hub) {
	t.Helper()
	log := zap.NewNop().Sugar()
	hub := NewHub(log)
	m := metrics.New()
	svc := service.New(storage.NewMemoryStore(), notify.LogPublisher{Log: log}, hub, log, service.Options{Metrics: m})
	seed, err := storage.LoadSeed("")
	require.NoError(t, err)
	require.NoError(t, svc.Seed(context.Background(), seed))
	return NewServer(svc, hub, log, Options{Metrics: m.Handler()}), hub
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSubmitAndQuery(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, "POST", "/api/v1/orders", `{"pair":"BTC/USDT","side":"buy","price":27100,"quantity":"0.3","userId":"u1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var o book.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &o))
	assert.Equal(t, book.StatusFilled, o.Status)
	assert.Equal(t, "u1", o.UserID)

	rec = do(t, h, "GET", "/api/v1/orderbook/BTC/USDT?depth=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var depth book.Depth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &depth))
	assert.Equal(t, "BTC/USDT", depth.Pair)
	require.Len(t, depth.Asks, 2)
	assert.Equal(t, "BTC-ask2", depth.Asks[0].ID)
	assert.Len(t, depth.Bids, 2)

	rec = do(t, h, "GET", "/api/v1/orderbook/BTC/USDT/trades?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var trades []book.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, "27100", trades[0].Price.String())
}

func TestErrorStatuses(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	tests := []struct {
		name, method, path, body string
		want                     int
	}{
		{"bad json", "POST", "/api/v1/orders", `{`, http.StatusBadRequest},
		{"bad side", "POST", "/api/v1/orders", `{"pair":"BTC/USDT","side":"hold","price":1,"quantity":1}`, http.StatusBadRequest},
		{"missing price", "POST", "/api/v1/orders", `{"pair":"BTC/USDT","side":"buy","quantity":1}`, http.StatusBadRequest},
		{"bad depth", "GET", "/api/v1/orderbook/BTC/USDT?depth=x", "", http.StatusBadRequest},
		{"cancel unknown", "DELETE", "/api/v1/orders/nonexistent", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			var er ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &er))
			assert.NotEmpty(t, er.Error)
		})
	}
}

func TestCancel(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.Handler(), "DELETE", "/api/v1/orders/ETH-ask1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cr CancelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cr))
	assert.Equal(t, CancelResponse{OrderID: "ETH-ask1", Cancelled: true}, cr)

	rec = do(t, s.Handler(), "DELETE", "/api/v1/orders/ETH-ask1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.Handler(), "GET", "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	do(t, s.Handler(), "DELETE", "/api/v1/orders/LTC-bid1", "")
	rec = do(t, s.Handler(), "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `pairbook_orders_cancelled_total{pair="LTC/USDT"} 1`)
}

func readUntil(t *testing.T, conn *websocket.Conn, want string) []string {
	t.Helper()
	var seen []string
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		seen = append(seen, msg.Type)
		if msg.Type == want {
			return seen
		}
	}
}

func TestWebSocketSubscribeAndOrder(t *testing.T) {
	s, hub := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSRequest{Op: "subscribe", Channels: []string{"BTC/USDT"}}))
	readUntil(t, conn, wsSubscribed)

	require.NoError(t, conn.WriteJSON(WSRequest{Op: "order", Order: &OrderRequest{
		Pair: "BTC/USDT", Side: "buy", Price: mustDec("27100"), Quantity: mustDec("0.3"),
	}}))
	seen := readUntil(t, conn, wsOrderPlaced)
	assert.Contains(t, seen, notify.EventTradeExecuted)
	assert.Contains(t, seen, notify.EventOrderBookUpdated)

	// events for other pairs are not delivered
	rec := do(t, s.Handler(), "DELETE", "/api/v1/orders/ETH-bid1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, s.Handler(), "DELETE", "/api/v1/orders/BTC-bid3", "")
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, notify.EventOrderBookUpdated, msg.Type)
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "BTC/USDT", data["pair"])

	require.NoError(t, conn.WriteJSON(WSRequest{Op: "order", Order: &OrderRequest{Pair: "BTC/USDT", Side: "buy"}}))
	readUntil(t, conn, wsError)
}

func mustDec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
