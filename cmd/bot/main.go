package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eddiefleurent/ironfly/internal/broker"
	"github.com/eddiefleurent/ironfly/internal/config"
	"github.com/eddiefleurent/ironfly/internal/dashboard"
	"github.com/eddiefleurent/ironfly/internal/expiry"
	"github.com/eddiefleurent/ironfly/internal/journal"
	"github.com/eddiefleurent/ironfly/internal/logging"
	"github.com/eddiefleurent/ironfly/internal/metrics"
	"github.com/eddiefleurent/ironfly/internal/mock"
	"github.com/eddiefleurent/ironfly/internal/orders"
	"github.com/eddiefleurent/ironfly/internal/positions"
	"github.com/eddiefleurent/ironfly/internal/retry"
	"github.com/eddiefleurent/ironfly/internal/rollover"
	"github.com/eddiefleurent/ironfly/internal/safeguard"
	"github.com/eddiefleurent/ironfly/internal/strategy"
	"github.com/eddiefleurent/ironfly/internal/util"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// paperExpiries is how many weekly expiries the paper exchange lists.
const paperExpiries = 6

// Bot owns every component and drives the trading cycle.
type Bot struct {
	config   *config.Config
	logger   logrus.FieldLogger
	gateway  broker.Gateway
	clock    util.Clock
	calendar *expiry.Calendar
	tracker  *positions.Tracker
	breaker  *safeguard.CircuitBreaker
	gate     *safeguard.Gate
	executor *orders.Executor
	straddle *strategy.Straddle
	rollover *rollover.Engine
	journal  journal.Sink
	metrics  *metrics.Recorder

	// sleep waits out the breaker cooldown; replaced in tests.
	sleep       func(ctx context.Context, d time.Duration) error
	sessionOpen bool
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger, closer := logging.New(logging.Config{
		Level:  cfg.Environment.LogLevel,
		Format: cfg.Environment.LogFormat,
		File:   cfg.Environment.LogFile,
	})
	defer func() { _ = closer.Close() }()

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Bot stopped with error")
		_ = closer.Close()
		os.Exit(1)
	}
	logger.Info("Bot stopped successfully")
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"mode":       cfg.Environment.Mode,
		"underlying": cfg.Trading.Underlying,
	}).Info("Starting iron fly engine")

	var (
		gw    broker.Gateway
		paper *mock.Exchange
	)
	if cfg.IsPaperTrading() {
		logger.Info("PAPER TRADING MODE - orders fill against a synthetic chain")
		p, err := newPaperExchange(cfg)
		if err != nil {
			return err
		}
		paper, gw = p, p
	} else {
		logger.Warn("LIVE TRADING MODE - real money at risk")
		gw = newLiveGateway(cfg, logger)
	}

	var sink journal.Sink = journal.Nop{}
	var reader journal.Reader
	if cfg.Journal.Path != "" {
		j, err := journal.OpenSQLite(ctx, cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer func() {
			if err := j.Close(); err != nil {
				logger.WithError(err).Warn("Failed to close journal")
			}
		}()
		sink, reader = j, j
	}

	bot, err := newBot(ctx, cfg, gw, util.SystemClock{}, sink, logger)
	if err != nil {
		return err
	}
	if paper != nil {
		listPaperExpiries(paper, bot.calendar, time.Now(), paperExpiries)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bot.Run(gctx) })
	if cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(dashboard.Config{
			Port:      cfg.Dashboard.Port,
			AuthToken: cfg.Dashboard.AuthToken,
		}, dashboard.Sources{
			Legs:     bot.tracker,
			Pending:  bot.executor,
			Breaker:  bot.breaker,
			Journal:  reader,
			Degraded: bot.calendar.Degraded,
		}, logger)
		g.Go(func() error { return srv.Start(gctx) })
	}
	return g.Wait()
}

func newLiveGateway(cfg *config.Config, logger logrus.FieldLogger) broker.Gateway {
	kite := broker.NewKiteClient(cfg.Broker.APIKey, cfg.Broker.AccessToken, cfg.Broker.APIEndpoint).
		WithTimeout(cfg.BrokerTimeout()).
		WithHolidayURL(cfg.Broker.HolidayURL).
		WithLogger(logger).
		WithInstrumentTTL(cfg.InstrumentTTL())
	return retry.NewGateway(broker.NewCircuitBreakerGateway(kite, logger), logger)
}

func newPaperExchange(cfg *config.Config) (*mock.Exchange, error) {
	mc := mock.DefaultConfig()
	mc.Exchange = cfg.Broker.Exchange
	mc.Underlying = cfg.Trading.Underlying
	mc.UnderlyingKey = cfg.Trading.UnderlyingQuote
	mc.Product = cfg.Trading.Product
	mc.LotSize = cfg.Trading.LotSize
	mc.StrikeStep = cfg.Trading.StrikeStep
	ex := mock.NewExchange(mc)
	ex.EnableDrift()

	fallback := cfg.Instruments.FallbackHolidays
	if len(fallback) == 0 {
		fallback = expiry.FallbackHolidays
	}
	days, err := expiry.ParseDates(fallback)
	if err != nil {
		return nil, fmt.Errorf("paper holidays: %w", err)
	}
	ex.SetHolidays(days)
	return ex, nil
}

// listPaperExpiries lists the next n weekly expiries on the paper exchange.
func listPaperExpiries(ex *mock.Exchange, cal *expiry.Calendar, now time.Time, n int) {
	exp := cal.NextWeeklyExpiry(now)
	for i := 0; i < n; i++ {
		ex.ListExpiry(exp)
		exp = cal.WeeklyExpiryAfter(exp)
	}
}

// newBot wires every component over gw. It verifies the gateway by reading
// margins; a failure aborts startup.
func newBot(
	ctx context.Context,
	cfg *config.Config,
	gw broker.Gateway,
	clock util.Clock,
	sink journal.Sink,
	logger logrus.FieldLogger,
) (*Bot, error) {
	loc := cfg.Location()
	log := logger.WithField("component", "bot")

	margins, err := gw.Margins(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	log.WithField("available", margins.Available.LiveBalance).Info("Connected to broker")

	instruments := broker.NewInstrumentCache(gw, cfg.InstrumentTTL())
	instruments.SetNow(clock.Now)

	var fallback []string
	if len(cfg.Instruments.FallbackHolidays) > 0 {
		fallback = cfg.Instruments.FallbackHolidays
	}
	calendar := expiry.LoadCalendar(ctx, gw, cfg.Broker.HolidaySegment, fallback, loc, logger)
	rec := metrics.NewRecorder()
	rec.RecordCalendarDegraded(calendar.Degraded())

	tracker := positions.NewTracker(gw, positions.Config{
		Exchange: cfg.Broker.Exchange,
		Product:  cfg.Trading.Product,
		Clock:    clock,
	}, logger)

	start, end := cfg.SessionBounds()
	limiter := safeguard.NewRateLimiter(safeguard.RateLimiterConfig{
		MaxPerWindow: cfg.Safeguards.MaxOrdersPerMinute,
		Window:       time.Minute,
		MinSpacing:   cfg.MinOrderSpacing(),
	}, clock)
	breaker := safeguard.NewCircuitBreaker(cfg.Risk.BreakerThreshold, clock)
	gate := safeguard.NewGate(safeguard.Config{
		Exchange:          cfg.Broker.Exchange,
		Session:           safeguard.Session{Location: loc, Start: start, End: end},
		ExpectedLotSize:   cfg.Trading.LotSize,
		LiquidityMultiple: cfg.Safeguards.LiquidityMultiple,
		DepthLevels:       cfg.Safeguards.DepthLevels,
	}, gw, instruments, limiter, breaker, calendar, clock, logger)

	executor := orders.NewExecutor(orders.Config{
		Exchange:        cfg.Broker.Exchange,
		Underlying:      cfg.Trading.Underlying,
		Product:         cfg.Trading.Product,
		TickSize:        cfg.Pricing.TickSize,
		SellDiscount:    cfg.Pricing.SellDiscount,
		BuyPremium:      cfg.Pricing.BuyPremium,
		StopLimitRatio:  cfg.Pricing.StopLimitRatio,
		MaxTriggerRatio: cfg.Pricing.MaxTriggerRatio,
		HedgeDistance:   cfg.Trading.HedgeDistance,
	}, orders.Deps{
		Gateway:     gw,
		Instruments: instruments,
		Gate:        gate,
		Breaker:     breaker,
		Legs:        tracker,
		Calendar:    calendar,
		Journal:     sink,
		Metrics:     rec,
		Clock:       clock,
		Logger:      logger,
	})

	straddle := strategy.NewStraddle(strategy.Config{
		Underlying:    cfg.Trading.Underlying,
		UnderlyingKey: cfg.Trading.UnderlyingQuote,
		StrikeStep:    cfg.Trading.StrikeStep,
		LotSize:       cfg.Trading.LotSize,
		Lots:          cfg.Trading.Lots,
		StopLossPct:   cfg.Trading.StopLossPct,
		TickSize:      cfg.Pricing.TickSize,
	}, gw, calendar, logger)

	roller := rollover.NewEngine(rollover.Policy{
		HedgeDistance: cfg.Trading.HedgeDistance,
		MaxDrift:      cfg.Rollover.MaxDrift,
	}, tracker, executor, gw, calendar, straddle, rec, logger)

	return &Bot{
		config:   cfg,
		logger:   log,
		gateway:  gw,
		clock:    clock,
		calendar: calendar,
		tracker:  tracker,
		breaker:  breaker,
		gate:     gate,
		executor: executor,
		straddle: straddle,
		rollover: roller,
		journal:  sink,
		metrics:  rec,
		sleep:    sleepCtx,
	}, nil
}

// Run drives one cycle immediately and then one per cycle interval until
// ctx is cancelled. Cancellation is observed between cycles only.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.WithField("interval", b.config.CycleInterval()).Info("Bot starting main loop")

	ticker := time.NewTicker(b.config.CycleInterval())
	defer ticker.Stop()

	if err := b.tick(ctx); err != nil {
		return nilIfCancelled(err)
	}
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Shutdown signal received, stopping bot")
			return nil
		case <-ticker.C:
			if err := b.tick(ctx); err != nil {
				return nilIfCancelled(err)
			}
		}
	}
}

// tick runs one cycle when the session is open, then suspends for the
// breaker cooldown if the breaker has tripped. It returns an error only when
// ctx is cancelled during the cooldown.
func (b *Bot) tick(ctx context.Context) error {
	now := b.clock.Now()
	if !b.config.IsWithinSession(now) || b.calendar.IsHoliday(now) {
		if b.sessionOpen {
			b.sessionOpen = false
			b.logSessionSummary()
		}
		b.metrics.RecordCycle("skipped", 0)
		b.logger.WithField("time", now.In(b.config.Location()).Format("15:04")).Debug("Outside trading session, skipping cycle")
		return nil
	}
	b.sessionOpen = true

	start := b.clock.Now()
	// An in-flight order is never abandoned on shutdown.
	err := b.safeCycle(context.WithoutCancel(ctx))
	elapsed := b.clock.Now().Sub(start)
	if err != nil {
		b.metrics.RecordCycle("error", elapsed)
		b.logger.WithError(err).Error("Trading cycle failed")
		b.breaker.RecordError()
	} else {
		b.metrics.RecordCycle("ok", elapsed)
	}

	state := b.breaker.State()
	b.metrics.RecordBreaker(state.Tripped, state.Errors)
	if !state.Tripped {
		return nil
	}

	cooldown := b.config.BreakerCooldown()
	b.logger.WithFields(logrus.Fields{
		"errors":   state.Errors,
		"cooldown": cooldown,
	}).Error("Circuit breaker tripped, suspending trading")
	if err := b.sleep(ctx, cooldown); err != nil {
		return err
	}
	b.breaker.Reset()
	b.metrics.RecordBreaker(false, 0)
	b.logger.Info("Circuit breaker reset, resuming trading")
	return nil
}

// safeCycle runs a cycle and converts a panic into an error.
func (b *Bot) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trading cycle panic: %v", r)
		}
	}()
	return NewTradingCycle(b).Run(ctx)
}

func (b *Bot) logSessionSummary() {
	realised, unrealised := b.tracker.PnL()
	b.logger.WithFields(logrus.Fields{
		"legs":           len(b.tracker.Legs()),
		"pending_orders": b.executor.PendingCount(),
		"closed_orders":  b.executor.ClosedCount(),
		"realised_pnl":   realised,
		"unrealised_pnl": unrealised,
		"breaker_errors": b.breaker.State().Errors,
	}).Info("Session closed, daily summary")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func nilIfCancelled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
