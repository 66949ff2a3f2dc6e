package api

import "github.com/shopspring/decimal"

// API request/response types for REST endpoints and WebSocket messages

// ==============================
// REST Types
// ==============================

// OrderRequest is the payload for POST /api/v1/orders and the WebSocket "order" op.
// Price and quantity accept JSON numbers or decimal strings.
type OrderRequest struct {
	Pair     string          `json:"pair"`
	Side     string          `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	UserID   string          `json:"userId,omitempty"`
}

// CancelResponse is returned by DELETE /api/v1/orders/{orderId}
type CancelResponse struct {
	OrderID   string `json:"orderId"`
	Cancelled bool   `json:"cancelled"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the envelope for every server push
type WSMessage struct {
	Type string      `json:"type"` // "orderBookUpdated", "tradeExecuted", "orderPlaced", "subscribed", "error"
	Data interface{} `json:"data"`
}

// WSRequest is sent by clients
type WSRequest struct {
	Op       string        `json:"op"`       // "subscribe", "unsubscribe" or "order"
	Channels []string      `json:"channels"` // pairs, e.g. ["BTC/USDT"]
	Order    *OrderRequest `json:"order,omitempty"`
}

const (
	wsOrderPlaced = "orderPlaced"
	wsSubscribed  = "subscribed"
	wsError       = "error"
)
