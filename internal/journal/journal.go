// Package journal persists order events and portfolio snapshots.
package journal

import (
	"context"
	"time"
)

// Order record statuses.
const (
	StatusPending   = "PENDING"
	StatusFailed    = "FAILED"
	StatusCancelled = "CANCELLED"
	StatusRejected  = "REJECTED"
)

// OrderRecord is one order event: a submission, a failure or a cancellation.
type OrderRecord struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	OrderID         string    `json:"order_id,omitempty"`
	Symbol          string    `json:"symbol"`
	Kind            string    `json:"kind"`
	TransactionType string    `json:"transaction_type"`
	Quantity        int       `json:"quantity"`
	Price           float64   `json:"price"`
	TriggerPrice    float64   `json:"trigger_price,omitempty"`
	Status          string    `json:"status"`
	Premium         float64   `json:"premium,omitempty"`
	UnderlyingPrice float64   `json:"underlying_price,omitempty"`
	VIX             float64   `json:"vix,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// Snapshot is a per-cycle portfolio summary.
type Snapshot struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	ActiveOrders  int       `json:"active_orders"`
	ClosedOrders  int       `json:"closed_orders"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	MarginUsed    float64   `json:"margin_used"`
}

// Sink receives journal entries. Implementations must be safe for concurrent use.
type Sink interface {
	RecordOrder(ctx context.Context, r OrderRecord) error
	RecordSnapshot(ctx context.Context, s Snapshot) error
	Close() error
}

// Reader exposes recent journal entries to the status server.
type Reader interface {
	RecentOrders(ctx context.Context, limit int) ([]OrderRecord, error)
	LatestSnapshot(ctx context.Context) (*Snapshot, error)
}

// Nop discards everything.
type Nop struct{}

// RecordOrder implements Sink.
func (Nop) RecordOrder(context.Context, OrderRecord) error { return nil }

// RecordSnapshot implements Sink.
func (Nop) RecordSnapshot(context.Context, Snapshot) error { return nil }

// Close implements Sink.
func (Nop) Close() error { return nil }
