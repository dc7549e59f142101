package metrics

import "time"

// Recorder provides methods for recording metrics. A nil *Recorder is valid
// and records nothing.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// RecordOrder records an order attempt outcome.
func (r *Recorder) RecordOrder(kind, status string) {
	if r == nil {
		return
	}
	ordersTotal.WithLabelValues(kind, status).Inc()
}

// RecordRejection records a safeguard rejection.
func (r *Recorder) RecordRejection(stage string) {
	if r == nil || stage == "" {
		return
	}
	rejectionsTotal.WithLabelValues(stage).Inc()
}

// RecordCancelled records n cancelled orders.
func (r *Recorder) RecordCancelled(reason string, n int) {
	if r == nil || n <= 0 {
		return
	}
	cancelledTotal.WithLabelValues(reason).Add(float64(n))
}

// RecordPending sets the pending order gauge.
func (r *Recorder) RecordPending(n int) {
	if r == nil {
		return
	}
	pendingOrders.Set(float64(n))
}

// ResetLegs clears leg gauges before a fresh leg map is published.
func (r *Recorder) ResetLegs() {
	if r == nil {
		return
	}
	legQuantity.Reset()
	hedgeShortfall.Reset()
}

// RecordLeg sets the quantity of one leg.
func (r *Recorder) RecordLeg(expiry time.Time, optionType, direction string, qty int) {
	if r == nil {
		return
	}
	legQuantity.WithLabelValues(expiry.Format("2006-01-02"), optionType, direction).Set(float64(qty))
}

// RecordHedgeShortfall sets the uncovered short quantity for one expiry/type.
func (r *Recorder) RecordHedgeShortfall(expiry time.Time, optionType string, qty int) {
	if r == nil {
		return
	}
	hedgeShortfall.WithLabelValues(expiry.Format("2006-01-02"), optionType).Set(float64(qty))
}

// RecordBreaker records the trading breaker state.
func (r *Recorder) RecordBreaker(tripped bool, errors int) {
	if r == nil {
		return
	}
	breakerTripped.Set(boolGauge(tripped))
	breakerErrors.Set(float64(errors))
}

// RecordCycle records one orchestrator cycle.
func (r *Recorder) RecordCycle(result string, d time.Duration) {
	if r == nil {
		return
	}
	cyclesTotal.WithLabelValues(result).Inc()
	if d > 0 {
		cycleDuration.Observe(d.Seconds())
	}
}

// RecordPnL records realised and unrealised P&L.
func (r *Recorder) RecordPnL(realised, unrealised float64) {
	if r == nil {
		return
	}
	pnl.WithLabelValues("realised").Set(realised)
	pnl.WithLabelValues("unrealised").Set(unrealised)
}

// RecordMarginUsed records blocked margin.
func (r *Recorder) RecordMarginUsed(v float64) {
	if r == nil {
		return
	}
	marginUsed.Set(v)
}

// RecordRollover records a rollover attempt result.
func (r *Recorder) RecordRollover(result string) {
	if r == nil {
		return
	}
	rolloversTotal.WithLabelValues(result).Inc()
}

// RecordCalendarDegraded flags the holiday calendar fallback.
func (r *Recorder) RecordCalendarDegraded(degraded bool) {
	if r == nil {
		return
	}
	calendarDegraded.Set(boolGauge(degraded))
}
