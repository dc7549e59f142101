package main

import (
	"context"
	"fmt"

	"github.com/eddiefleurent/ironfly/internal/broker"
	"github.com/eddiefleurent/ironfly/internal/journal"
	"github.com/eddiefleurent/ironfly/internal/models"
	"github.com/eddiefleurent/ironfly/internal/strategy"
	"github.com/sirupsen/logrus"
)

// CycleReport summarises what one cycle did.
type CycleReport struct {
	Reconciled int
	Stale      int
	Entered    int
	Closed     int
	Hedged     int
	StopLosses int
	Rolled     int
	Failed     int
}

// TradingCycle encapsulates the main trading logic
type TradingCycle struct {
	bot    *Bot
	logger logrus.FieldLogger
	report CycleReport
}

// NewTradingCycle creates a new trading cycle handler
func NewTradingCycle(bot *Bot) *TradingCycle {
	return &TradingCycle{bot: bot, logger: bot.logger.WithField("component", "cycle")}
}

// Run executes one trading cycle. Steps run strictly in order; only a
// failed position refresh aborts the cycle. Order failures are already
// recorded by the executor and do not.
func (tc *TradingCycle) Run(ctx context.Context) error {
	tc.logger.Debug("Starting trading cycle")

	if err := tc.refresh(ctx); err != nil {
		return err
	}
	tc.enterStraddle(ctx)
	if err := tc.closeProfitableLegs(ctx); err != nil {
		return err
	}
	tc.topUpHedges(ctx)
	if tc.bot.config.Trading.StopLossEnabled {
		tc.protectShortLegs(ctx)
	}
	tc.rollHedges(ctx)
	tc.snapshot(ctx)

	if d := tc.bot.gate.Pace(); d > 0 {
		tc.logger.WithField("waited", d).Debug("Paced before next cycle")
	}

	r := tc.report
	tc.logger.WithFields(logrus.Fields{
		"reconciled":  r.Reconciled,
		"stale":       r.Stale,
		"entered":     r.Entered,
		"closed":      r.Closed,
		"hedged":      r.Hedged,
		"stop_losses": r.StopLosses,
		"rolled":      r.Rolled,
		"failed":      r.Failed,
	}).Info("Trading cycle complete")
	return nil
}

// Report returns the counters of the last Run.
func (tc *TradingCycle) Report() CycleReport {
	return tc.report
}

func (tc *TradingCycle) refresh(ctx context.Context) error {
	b := tc.bot
	if err := b.tracker.Refresh(ctx); err != nil {
		return err
	}
	tc.report.Reconciled = b.executor.Reconcile(b.tracker.Orders())
	tc.report.Stale = b.executor.CancelStaleOrders(ctx, b.config.StaleOrderTimeout())

	spot, err := b.straddle.Spot(ctx)
	if err != nil {
		tc.logger.WithError(err).Warn("Underlying quote unavailable")
	}
	vix := 0.0
	if key := b.config.Trading.VIXQuote; key != "" {
		if q, err := b.gateway.Quote(ctx, key); err != nil {
			tc.logger.WithError(err).Debug("VIX quote unavailable")
		} else if q != nil {
			vix = q.LastPrice
		}
	}
	b.executor.SetMarketContext(spot, vix)
	return nil
}

func (tc *TradingCycle) enterStraddle(ctx context.Context) {
	b := tc.bot
	if !strategy.NeedsEntry(b.tracker.Legs()) {
		return
	}
	if b.executor.HasPendingKind(models.KindSell, models.OptionCall) ||
		b.executor.HasPendingKind(models.KindSell, models.OptionPut) {
		tc.logger.Debug("Straddle entry already pending")
		return
	}

	entry, results, err := b.straddle.Enter(ctx, b.clock.Now(), b.executor)
	if err != nil {
		tc.logger.WithError(err).Warn("Cannot plan straddle entry")
		return
	}
	for _, res := range results {
		if tc.count(res.OK()) {
			tc.report.Entered++
		}
	}
	tc.logger.WithFields(logrus.Fields{
		"expiry": entry.Expiry.Format("2006-01-02"),
		"strike": entry.Strike,
		"placed": tc.report.Entered,
	}).Info("Straddle entry submitted")
}

func (tc *TradingCycle) closeProfitableLegs(ctx context.Context) error {
	b := tc.bot
	candidates, err := b.tracker.ProfitableLegs(ctx, b.config.Trading.ProfitThreshold)
	if err != nil {
		return fmt.Errorf("profitable legs: %w", err)
	}
	for _, c := range candidates {
		if b.executor.HasPending(c.Symbol, models.KindClose) {
			continue
		}
		tc.logger.WithFields(logrus.Fields{
			"symbol": c.Symbol,
			"profit": fmt.Sprintf("%.1f%%", c.Profit*100),
		}).Info("Closing profitable leg")
		res := b.executor.PlaceBuyToCloseOrder(ctx, c.Symbol, c.Quantity)
		if !tc.count(res.OK()) {
			continue
		}
		tc.report.Closed++
		tc.logger.WithField("order_id", shortID(res.OrderID)).Debug("Close order placed")
		if _, err := b.executor.CancelStopLosses(ctx, c.Symbol, b.tracker.Orders()); err != nil {
			tc.logger.WithError(err).WithField("symbol", c.Symbol).Warn("Stop-loss on closed leg still working")
		}
	}
	if tc.report.Closed > 0 {
		if err := b.tracker.Refresh(ctx); err != nil {
			tc.logger.WithError(err).Warn("Refresh after closing legs failed, hedges use the previous view")
		}
	}
	return nil
}

func (tc *TradingCycle) topUpHedges(ctx context.Context) {
	b := tc.bot
	for _, sf := range b.executor.HedgeShortfalls(b.tracker.Legs()) {
		b.metrics.RecordHedgeShortfall(sf.Key.Expiry, string(sf.Key.Type), sf.Quantity)
		if sf.Quantity <= 0 {
			continue
		}
		if b.executor.HasPendingKind(models.KindHedge, sf.Key.Type) {
			tc.logger.WithField("leg", sf.Key.String()).Debug("Hedge already pending")
			continue
		}
		res := b.executor.PlaceHedgeOrder(ctx, sf.Key.Expiry, sf.Key.Type, sf.Quantity)
		if tc.count(res.OK()) {
			tc.report.Hedged++
		}
	}
}

func (tc *TradingCycle) protectShortLegs(ctx context.Context) {
	b := tc.bot
	resting := make(map[string]bool)
	for _, o := range b.tracker.Orders() {
		if o.OrderType == broker.OrderTypeStopLoss && broker.IsWorkingStatus(o.Status) {
			resting[o.Symbol] = true
		}
	}
	for _, leg := range b.tracker.Legs() {
		if leg.Key.Direction != models.DirectionSell || leg.Quantity <= 0 {
			continue
		}
		for _, part := range leg.Parts {
			if part.Quantity <= 0 || part.Symbol == "" {
				continue
			}
			if resting[part.Symbol] || b.executor.HasPending(part.Symbol, models.KindStopLoss) ||
				b.executor.HasPending(part.Symbol, models.KindClose) {
				continue
			}
			q, err := b.gateway.Quote(ctx, broker.Key(b.config.Broker.Exchange, part.Symbol))
			if err != nil || q == nil || q.LastPrice <= 0 {
				tc.logger.WithError(err).WithField("symbol", part.Symbol).Warn("No quote for stop-loss trigger")
				continue
			}
			res := b.executor.PlaceStopLossOrder(ctx, part.Symbol, part.Quantity, b.straddle.StopLossTrigger(q.LastPrice))
			if tc.count(res.OK()) {
				tc.report.StopLosses++
			}
		}
	}
}

func (tc *TradingCycle) rollHedges(ctx context.Context) {
	b := tc.bot
	expiring := b.rollover.Expiring(b.clock.Now(), b.config.Rollover.LeadDays)
	if len(expiring) == 0 {
		return
	}
	for _, o := range b.rollover.Roll(ctx, expiring) {
		switch {
		case o.Skipped:
		case o.OrderID != "":
			tc.report.Rolled++
		default:
			tc.report.Failed++
		}
	}
}

func (tc *TradingCycle) snapshot(ctx context.Context) {
	b := tc.bot
	legs := b.tracker.Legs()
	b.metrics.ResetLegs()
	for _, l := range legs {
		b.metrics.RecordLeg(l.Key.Expiry, string(l.Key.Type), string(l.Key.Direction), l.Quantity)
	}
	b.metrics.RecordPending(b.executor.PendingCount())

	realised, unrealised := b.tracker.PnL()
	b.metrics.RecordPnL(realised, unrealised)

	used := 0.0
	if m, err := b.gateway.Margins(ctx); err != nil {
		tc.logger.WithError(err).Warn("Margins unavailable for snapshot")
	} else {
		used = m.Used()
	}
	b.metrics.RecordMarginUsed(used)

	snap := journal.Snapshot{
		Timestamp:     b.clock.Now(),
		ActiveOrders:  b.executor.PendingCount(),
		ClosedOrders:  b.executor.ClosedCount(),
		RealizedPnL:   realised,
		UnrealizedPnL: unrealised,
		MarginUsed:    used,
	}
	if err := b.journal.RecordSnapshot(ctx, snap); err != nil {
		tc.logger.WithError(err).Warn("Failed to record snapshot")
	}
}

// count tallies a failed placement and reports whether it succeeded.
func (tc *TradingCycle) count(ok bool) bool {
	if !ok {
		tc.report.Failed++
	}
	return ok
}
