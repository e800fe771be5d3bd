package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is a single OHLCV aggregate for one symbol. Bars are immutable once
// constructed; consumers receive copies, never shared pointers.
type Bar struct {
	Symbol     string    `json:"S"`
	Timestamp  time.Time `json:"t"`
	Open       float64   `json:"o"`
	High       float64   `json:"h"`
	Low        float64   `json:"l"`
	Close      float64   `json:"c"`
	Volume     uint64    `json:"v"`
	TradeCount uint64    `json:"n,omitempty"`
	VWAP       float64   `json:"vw,omitempty"`
}

// OrderStatus enumerates the terminal and non-terminal order states the
// venue reports on its trade-update channel.
type OrderStatus string

const (
	OrderNew             OrderStatus = "new"
	OrderFilled          OrderStatus = "filled"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderCanceled        OrderStatus = "canceled"
	OrderRejected        OrderStatus = "rejected"
	OrderExpired         OrderStatus = "expired"
)

// Valid reports whether s is one of the known order statuses.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderNew, OrderFilled, OrderPartiallyFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// OrderUpdateEvent is a normalized order state change received from the
// trade-update channel or the order polling fallback.
type OrderUpdateEvent struct {
	OrderID        string              `json:"order_id"`
	ClientOrderID  string              `json:"client_order_id"`
	Symbol         string              `json:"symbol"`
	Status         OrderStatus         `json:"status"`
	FilledQty      decimal.Decimal     `json:"filled_qty"`
	FilledAvgPrice decimal.NullDecimal `json:"filled_avg_price"`
	Timestamp      time.Time           `json:"timestamp"`
}

// Event is the closed set of payloads carried by the event bus. The variants
// are decoded once at the feed boundary; downstream code switches on the
// concrete type instead of inspecting loosely typed payloads.
type Event interface {
	eventKind() string
}

// BarEvent wraps a Bar for bus delivery.
type BarEvent struct {
	Bar Bar
}

// OrderEvent wraps an OrderUpdateEvent for bus delivery.
type OrderEvent struct {
	Update OrderUpdateEvent
}

func (BarEvent) eventKind() string   { return "bar" }
func (OrderEvent) eventKind() string { return "order_update" }
