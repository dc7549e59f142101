// audit prints the engine's view of the broker account without placing or
// cancelling anything: legs per expiry, hedge shortfalls and how each
// tracked expiry is classified.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/eddiefleurent/ironfly/internal/broker"
	"github.com/eddiefleurent/ironfly/internal/config"
	"github.com/eddiefleurent/ironfly/internal/expiry"
	"github.com/eddiefleurent/ironfly/internal/models"
	"github.com/eddiefleurent/ironfly/internal/positions"
	"github.com/eddiefleurent/ironfly/internal/retry"
	"github.com/sirupsen/logrus"
)

// Shortfall is a short leg without enough long protection.
type Shortfall struct {
	Expiry   time.Time         `json:"expiry"`
	Type     models.OptionType `json:"type"`
	Short    int               `json:"short"`
	Hedged   int               `json:"hedged"`
	Required int               `json:"required"`
}

// ExpiryInfo classifies one tracked expiry.
type ExpiryInfo struct {
	Date      time.Time `json:"date"`
	Kind      string    `json:"kind"`
	DaysLeft  int       `json:"days_left"`
	IsCurrent bool      `json:"is_current"`
}

// Report is the audit output.
type Report struct {
	GeneratedAt       time.Time    `json:"generated_at"`
	Legs              []models.Leg `json:"legs"`
	Shortfalls        []Shortfall  `json:"shortfalls"`
	Expiries          []ExpiryInfo `json:"expiries"`
	WorkingOrders     int          `json:"working_orders"`
	RealisedPnL       float64      `json:"realised_pnl"`
	UnrealisedPnL     float64      `json:"unrealised_pnl"`
	CalendarDegraded  bool         `json:"calendar_degraded"`
	HasActiveStraddle bool         `json:"has_active_straddle"`
}

// maskSecret masks all but the last 4 characters of a credential.
func maskSecret(s string) string {
	if len(s) > 4 {
		return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
	}
	return s
}

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		jsonOutput = flag.Bool("json", false, "Output results as JSON")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	if cfg.IsPaperTrading() {
		logrus.Fatal("audit reads a live account; environment.mode is paper")
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if !*verbose {
		logger.SetLevel(logrus.WarnLevel)
	}
	if *verbose {
		fmt.Printf("Using config: %s\n", *configPath)
		fmt.Printf("API key: %s\n\n", maskSecret(cfg.Broker.APIKey))
	}

	kite := broker.NewKiteClient(cfg.Broker.APIKey, cfg.Broker.AccessToken, cfg.Broker.APIEndpoint).
		WithTimeout(cfg.BrokerTimeout()).
		WithHolidayURL(cfg.Broker.HolidayURL).
		WithLogger(logger)
	gw := retry.NewGateway(kite, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	report, err := audit(ctx, cfg, gw, time.Now(), logger)
	if err != nil {
		logrus.Fatalf("Audit failed: %v", err)
	}

	if *jsonOutput {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			logrus.Fatalf("Failed to marshal JSON: %v", err)
		}
		fmt.Println(string(out))
		return
	}
	printReport(report)
}

func audit(ctx context.Context, cfg *config.Config, gw broker.Gateway, now time.Time, logger logrus.FieldLogger) (*Report, error) {
	var fallback []string
	if len(cfg.Instruments.FallbackHolidays) > 0 {
		fallback = cfg.Instruments.FallbackHolidays
	}
	cal := expiry.LoadCalendar(ctx, gw, cfg.Broker.HolidaySegment, fallback, cfg.Location(), logger)

	tracker := positions.NewTracker(gw, positions.Config{
		Exchange: cfg.Broker.Exchange,
		Product:  cfg.Trading.Product,
	}, logger)
	if err := tracker.Refresh(ctx); err != nil {
		return nil, err
	}

	legs := tracker.Legs()
	realised, unrealised := tracker.PnL()
	r := &Report{
		GeneratedAt:       now,
		Legs:              legs,
		Shortfalls:        shortfalls(legs),
		Expiries:          classify(cal, legs, now),
		RealisedPnL:       realised,
		UnrealisedPnL:     unrealised,
		CalendarDegraded:  cal.Degraded(),
		HasActiveStraddle: models.HasActiveStraddle(legs),
	}
	for _, o := range tracker.Orders() {
		if broker.IsWorkingStatus(o.Status) {
			r.WorkingOrders++
		}
	}
	return r, nil
}

// shortfalls returns every (expiry, type) whose short quantity exceeds its
// long quantity.
func shortfalls(legs []models.Leg) []Shortfall {
	qty := make(map[models.LegKey]int, len(legs))
	for _, l := range legs {
		qty[l.Key] = l.Quantity
	}
	var out []Shortfall
	for _, l := range legs {
		if l.Key.Direction != models.DirectionSell || l.Quantity <= 0 {
			continue
		}
		hedged := qty[models.NewLegKey(l.Key.Expiry, l.Key.Type, models.DirectionBuy)]
		if hedged >= l.Quantity {
			continue
		}
		out = append(out, Shortfall{
			Expiry:   l.Key.Expiry,
			Type:     l.Key.Type,
			Short:    l.Quantity,
			Hedged:   hedged,
			Required: l.Quantity - hedged,
		})
	}
	return out
}

func classify(cal *expiry.Calendar, legs []models.Leg, now time.Time) []ExpiryInfo {
	today := cal.Today(now)
	current := make(map[time.Time]bool)
	for _, d := range cal.Current(now) {
		current[d.Date] = true
	}
	seen := make(map[time.Time]bool)
	var out []ExpiryInfo
	for _, l := range legs {
		d := l.Key.Expiry
		if seen[d] {
			continue
		}
		seen[d] = true
		c := cal.Classify(d)
		out = append(out, ExpiryInfo{
			Date:      d,
			Kind:      string(c.Kind),
			DaysLeft:  int(d.Sub(today).Hours() / 24),
			IsCurrent: current[d],
		})
	}
	return out
}

func printReport(r *Report) {
	fmt.Printf("=== LEGS (%d) ===\n", len(r.Legs))
	for _, l := range r.Legs {
		fmt.Printf("  %-28s qty=%-6d avg=%-9.2f %s\n", l.Key.String(), l.Quantity, l.AveragePrice, l.Symbol)
	}
	fmt.Printf("\nWorking orders: %d\n", r.WorkingOrders)
	fmt.Printf("P&L: realised %.2f, unrealised %.2f\n", r.RealisedPnL, r.UnrealisedPnL)
	if r.CalendarDegraded {
		fmt.Printf("WARNING: holiday calendar unavailable, expiries may be unadjusted\n")
	}

	fmt.Printf("\n=== EXPIRIES ===\n")
	for _, e := range r.Expiries {
		marker := ""
		if e.IsCurrent {
			marker = " (current)"
		}
		fmt.Printf("  %s %-7s %3d day(s)%s\n", e.Date.Format("2006-01-02"), e.Kind, e.DaysLeft, marker)
	}

	fmt.Printf("\n=== ANALYSIS ===\n")
	issues := analyze(r)
	if len(issues) == 0 {
		fmt.Printf("No obvious issues detected.\n")
		return
	}
	fmt.Printf("POTENTIAL ISSUES FOUND:\n")
	for i, issue := range issues {
		fmt.Printf("  %d. %s\n", i+1, issue)
	}
}

// analyze flags conditions an operator should look at.
func analyze(r *Report) []string {
	var issues []string
	if r == nil {
		return issues
	}
	for _, s := range r.Shortfalls {
		issues = append(issues, fmt.Sprintf("%s %s short %d hedged %d: %d unhedged",
			s.Expiry.Format("2006-01-02"), s.Type, s.Short, s.Hedged, s.Required))
	}
	if len(r.Legs) > 0 && !r.HasActiveStraddle {
		issues = append(issues, "No expiry carries both short legs; the engine will enter a new straddle")
	}
	if r.WorkingOrders > 10 {
		issues = append(issues, fmt.Sprintf("High number of working orders (%d) - may include stale orders", r.WorkingOrders))
	}
	for _, e := range r.Expiries {
		if e.DaysLeft < 0 {
			issues = append(issues, fmt.Sprintf("Legs on lapsed expiry %s", e.Date.Format("2006-01-02")))
		}
	}
	return issues
}
