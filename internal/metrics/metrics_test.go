package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder_Orders(t *testing.T) {
	r := NewRecorder()
	before := testutil.ToFloat64(ordersTotal.WithLabelValues("HEDGE", "placed"))
	r.RecordOrder("HEDGE", "placed")
	r.RecordOrder("HEDGE", "placed")
	assert.Equal(t, before+2, testutil.ToFloat64(ordersTotal.WithLabelValues("HEDGE", "placed")))
}

func TestRecorder_Gauges(t *testing.T) {
	r := NewRecorder()
	r.RecordPending(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(pendingOrders))

	r.RecordBreaker(true, 5)
	assert.Equal(t, 1.0, testutil.ToFloat64(breakerTripped))
	assert.Equal(t, 5.0, testutil.ToFloat64(breakerErrors))

	exp := time.Date(2025, 1, 30, 0, 0, 0, 0, time.UTC)
	r.RecordLeg(exp, "CALL", "SELL", 150)
	assert.Equal(t, 150.0, testutil.ToFloat64(legQuantity.WithLabelValues("2025-01-30", "CALL", "SELL")))
	r.ResetLegs()
	assert.Equal(t, 0, testutil.CollectAndCount(legQuantity))
}

func TestRecorder_NilIsSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.RecordOrder("SELL", "failed")
		r.RecordRejection("LIQUIDITY")
		r.RecordCancelled("stale", 2)
		r.RecordCycle("ok", time.Second)
		r.RecordPnL(1, 2)
		r.RecordCalendarDegraded(true)
	})
}
