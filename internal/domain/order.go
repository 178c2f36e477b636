package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType selects the execution style for an exit order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus tracks the order lifecycle as reported by the gateway.
type OrderStatus string

const (
	OrderStatusPending       OrderStatus = "pending"
	OrderStatusOpen          OrderStatus = "open"
	OrderStatusFilled        OrderStatus = "filled"
	OrderStatusPartialFilled OrderStatus = "partially_filled"
	OrderStatusCancelled     OrderStatus = "cancelled"
	OrderStatusRejected      OrderStatus = "rejected"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// ExitOrder is a single close (or partial close) order derived from an
// ExitTrigger. Price is ignored for market orders.
type ExitOrder struct {
	ID         string
	PositionID string
	MarketID   string
	TokenID    string
	Wallet     string
	Side       OrderSide // opposite of the position's direction
	Type       OrderType
	Price      float64
	Quantity   float64
	Reason     ExitReason
	CreatedAt  time.Time
}

// OrderResult is the gateway's view of an order after placement or a status
// poll.
type OrderResult struct {
	OrderID      string
	Status       OrderStatus
	FilledQty    float64
	AvgFillPrice float64
	Message      string
}
