package models

import "time"

// OrderKind tags a tracked pending order with the reason it was placed.
type OrderKind string

const (
	// KindSell is a short-leg entry order
	KindSell OrderKind = "SELL"
	// KindStopLoss is a protective buy-stop on a short leg
	KindStopLoss OrderKind = "STOP_LOSS"
	// KindHedge is a protective long option
	KindHedge OrderKind = "HEDGE"
	// KindClose buys back a profitable short leg
	KindClose OrderKind = "CLOSE"
)

// PendingOrder is an order placed by the executor that has not yet been
// observed as filled, cancelled or timed out.
type PendingOrder struct {
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Quantity    int       `json:"quantity"`
	Kind        OrderKind `json:"kind"`
	Variety     string    `json:"variety"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Age returns how long the order has been pending at now.
func (p PendingOrder) Age(now time.Time) time.Duration {
	return now.Sub(p.SubmittedAt)
}
