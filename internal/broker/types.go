package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Order varieties, types and statuses used by the engine.
const (
	VarietyRegular = "regular"

	OrderTypeLimit    = "LIMIT"
	OrderTypeStopLoss = "SL"

	TransactionBuy  = "BUY"
	TransactionSell = "SELL"

	ValidityDay = "DAY"

	StatusOpen           = "OPEN"
	StatusComplete       = "COMPLETE"
	StatusCancelled      = "CANCELLED"
	StatusRejected       = "REJECTED"
	StatusTriggerPending = "TRIGGER PENDING"
)

// IsTerminalStatus reports whether an order status can no longer change.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusComplete, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// IsWorkingStatus reports whether an order is still resting at the exchange.
func IsWorkingStatus(status string) bool {
	return status == StatusOpen || status == StatusTriggerPending
}

// Key returns the EXCHANGE:SYMBOL form used by the quote endpoint.
func Key(exchange, symbol string) string {
	return exchange + ":" + symbol
}

// Timestamp decodes the exchange's "2006-01-02 15:04:05" timestamps. Null and
// empty values decode to the zero time.
type Timestamp struct {
	time.Time
}

const timestampLayout = "2006-01-02 15:04:05"

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.ParseInLocation(timestampLayout, s, time.Local)
	if err != nil {
		// some endpoints return RFC3339
		parsed, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
	}
	t.Time = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(timestampLayout))
}

// Position is one entry of the net position book.
type Position struct {
	Symbol          string  `json:"tradingsymbol"`
	Exchange        string  `json:"exchange"`
	InstrumentToken int64   `json:"instrument_token"`
	Product         string  `json:"product"`
	Quantity        int     `json:"quantity"`
	AveragePrice    float64 `json:"average_price"`
	LastPrice       float64 `json:"last_price"`
	PnL             float64 `json:"pnl"`
	Realised        float64 `json:"realised"`
	Unrealised      float64 `json:"unrealised"`

	// Filled from instrument metadata; the positions endpoint does not carry them.
	Expiry         time.Time `json:"expiry,omitempty"`
	Strike         int       `json:"strike,omitempty"`
	InstrumentType string    `json:"instrument_type,omitempty"`
}

// IsOption reports whether the position is an option contract.
func (p Position) IsOption() bool {
	return p.InstrumentType == "CE" || p.InstrumentType == "PE"
}

// Order is an order book entry. Order history uses the same shape, one
// element per state transition, the last element being the latest.
type Order struct {
	OrderID           string    `json:"order_id"`
	Symbol            string    `json:"tradingsymbol"`
	Exchange          string    `json:"exchange"`
	Status            string    `json:"status"`
	StatusMessage     string    `json:"status_message,omitempty"`
	TransactionType   string    `json:"transaction_type"`
	Variety           string    `json:"variety"`
	Product           string    `json:"product"`
	OrderType         string    `json:"order_type"`
	Quantity          int       `json:"quantity"`
	FilledQuantity    int       `json:"filled_quantity"`
	PendingQuantity   int       `json:"pending_quantity"`
	Price             float64   `json:"price"`
	TriggerPrice      float64   `json:"trigger_price"`
	AveragePrice      float64   `json:"average_price"`
	Tag               string    `json:"tag,omitempty"`
	OrderTimestamp    Timestamp `json:"order_timestamp"`
	ExchangeTimestamp Timestamp `json:"exchange_timestamp"`
}

// Instrument is one row of the instrument master.
type Instrument struct {
	InstrumentToken int64     `json:"instrument_token"`
	ExchangeToken   int64     `json:"exchange_token"`
	Symbol          string    `json:"tradingsymbol"`
	Name            string    `json:"name"`
	LastPrice       float64   `json:"last_price"`
	Expiry          time.Time `json:"expiry"`
	Strike          float64   `json:"strike"`
	TickSize        float64   `json:"tick_size"`
	LotSize         int       `json:"lot_size"`
	InstrumentType  string    `json:"instrument_type"`
	Segment         string    `json:"segment"`
	Exchange        string    `json:"exchange"`
}

// DepthLevel is one price level of the order book.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
	Orders   int     `json:"orders"`
}

// Depth is the top of book on both sides.
type Depth struct {
	Buy  []DepthLevel `json:"buy"`
	Sell []DepthLevel `json:"sell"`
}

// SellVolume sums resting sell quantity across the first n levels.
func (d Depth) SellVolume(n int) int {
	total := 0
	for i, lvl := range d.Sell {
		if i >= n {
			break
		}
		total += lvl.Quantity
	}
	return total
}

// Quote is a full market quote for one instrument.
type Quote struct {
	InstrumentToken int64     `json:"instrument_token"`
	LastPrice       float64   `json:"last_price"`
	Volume          int64     `json:"volume"`
	OI              float64   `json:"oi"`
	Depth           Depth     `json:"depth"`
	Timestamp       Timestamp `json:"timestamp"`
}

// OrderRequest describes a new order.
type OrderRequest struct {
	Variety         string
	Exchange        string
	Symbol          string
	TransactionType string
	Quantity        int
	Product         string
	OrderType       string
	Price           float64
	TriggerPrice    float64
	Validity        string
	Tag             string
}

// Margins is the equity segment margin summary.
type Margins struct {
	Net       float64 `json:"net"`
	Available struct {
		Cash        float64 `json:"cash"`
		Collateral  float64 `json:"collateral"`
		LiveBalance float64 `json:"live_balance"`
	} `json:"available"`
	Utilised struct {
		Debits        float64 `json:"debits"`
		Exposure      float64 `json:"exposure"`
		Span          float64 `json:"span"`
		OptionPremium float64 `json:"option_premium"`
	} `json:"utilised"`
}

// Used returns the margin currently blocked by open positions.
func (m *Margins) Used() float64 {
	if m == nil {
		return 0
	}
	return m.Utilised.Span + m.Utilised.Exposure + m.Utilised.OptionPremium
}
