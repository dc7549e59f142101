// Package config provides configuration management for the trading engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // exchange timezone on hosts without zoneinfo

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied by Normalize when a field is unset.
const (
	defaultTimezone          = "Asia/Kolkata"
	defaultSessionStart      = "09:15"
	defaultSessionEnd        = "15:30"
	defaultMaxOrdersPerMin   = 30
	defaultMinOrderSpacing   = "2s"
	defaultLiquidityMultiple = 3.0
	defaultDepthLevels       = 5
	defaultSellDiscount      = 0.05
	defaultBuyPremium        = 0.05
	defaultStopLimitRatio    = 0.98
	defaultMaxTriggerRatio   = 1.10
	defaultTickSize          = 0.05
	defaultBreakerThreshold  = 5
	defaultBreakerCooldown   = "5m"
	defaultStaleOrderTimeout = "30m"
	defaultCycleInterval     = "1m"
	defaultInstrumentTTL     = "15m"
	defaultBrokerTimeout     = "10s"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Trading     TradingConfig     `yaml:"trading"`
	Safeguards  SafeguardConfig   `yaml:"safeguards"`
	Pricing     PricingConfig     `yaml:"pricing"`
	Risk        RiskConfig        `yaml:"risk"`
	Rollover    RolloverConfig    `yaml:"rollover"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Journal     JournalConfig     `yaml:"journal"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Instruments InstrumentsConfig `yaml:"instruments"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode      string `yaml:"mode"`       // paper | live
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json
	LogFile   string `yaml:"log_file"`   // empty logs to stderr
}

// BrokerConfig defines exchange API settings.
type BrokerConfig struct {
	APIKey         string `yaml:"api_key"`
	AccessToken    string `yaml:"access_token"`
	APIEndpoint    string `yaml:"api_endpoint"`
	Exchange       string `yaml:"exchange"` // e.g. NFO
	Segment        string `yaml:"segment"`  // instrument dump segment, usually the exchange
	HolidayURL     string `yaml:"holiday_url"`
	HolidaySegment string `yaml:"holiday_segment"` // e.g. FO
	Timeout        string `yaml:"timeout"`
}

// TradingConfig defines the strategy parameters.
type TradingConfig struct {
	Underlying      string  `yaml:"underlying"`       // e.g. NIFTY
	UnderlyingQuote string  `yaml:"underlying_quote"` // e.g. "NSE:NIFTY 50"
	VIXQuote        string  `yaml:"vix_quote"`        // e.g. "NSE:INDIA VIX"
	Product         string  `yaml:"product"`          // e.g. NRML
	LotSize         int     `yaml:"lot_size"`
	Lots            int     `yaml:"lots"`
	StrikeStep      int     `yaml:"strike_step"`
	HedgeDistance   int     `yaml:"hedge_distance"`
	ProfitThreshold float64 `yaml:"profit_threshold"`
	StopLossPct     float64 `yaml:"stop_loss_pct"`
	StopLossEnabled bool    `yaml:"stop_loss_enabled"`
}

// SafeguardConfig defines the pre-trade pipeline.
type SafeguardConfig struct {
	Timezone           string  `yaml:"timezone"`
	SessionStart       string  `yaml:"session_start"` // "HH:MM"
	SessionEnd         string  `yaml:"session_end"`   // "HH:MM"
	MaxOrdersPerMinute int     `yaml:"max_orders_per_minute"`
	MinOrderSpacing    string  `yaml:"min_order_spacing"`
	LiquidityMultiple  float64 `yaml:"liquidity_multiple"`
	DepthLevels        int     `yaml:"depth_levels"`
}

// PricingConfig defines limit price offsets.
type PricingConfig struct {
	SellDiscount    float64 `yaml:"sell_discount"`
	BuyPremium      float64 `yaml:"buy_premium"`
	StopLimitRatio  float64 `yaml:"stop_limit_ratio"`
	MaxTriggerRatio float64 `yaml:"max_trigger_ratio"`
	TickSize        float64 `yaml:"tick_size"`
}

// RiskConfig defines the trading circuit breaker and stale-order cleanup.
type RiskConfig struct {
	BreakerThreshold  int    `yaml:"breaker_threshold"`
	BreakerCooldown   string `yaml:"breaker_cooldown"`
	StaleOrderTimeout string `yaml:"stale_order_timeout"`
}

// RolloverConfig defines when and how hedges are rolled.
type RolloverConfig struct {
	LeadDays int `yaml:"lead_days"`
	MaxDrift int `yaml:"max_drift"`
}

// ScheduleConfig defines the orchestrator cadence.
type ScheduleConfig struct {
	CycleInterval string `yaml:"cycle_interval"`
}

// JournalConfig defines trade journal storage.
type JournalConfig struct {
	Path string `yaml:"path"` // empty disables the journal
}

// DashboardConfig defines the status server.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// InstrumentsConfig defines instrument master caching.
type InstrumentsConfig struct {
	CacheTTL         string   `yaml:"cache_ttl"`
	FallbackHolidays []string `yaml:"fallback_holidays"` // YYYY-MM-DD
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.Normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Normalize fills unset fields with defaults.
func (c *Config) Normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Environment.LogFormat == "" {
		c.Environment.LogFormat = "text"
	}
	if c.Broker.Exchange == "" {
		c.Broker.Exchange = "NFO"
	}
	if c.Broker.Segment == "" {
		c.Broker.Segment = c.Broker.Exchange
	}
	if c.Broker.HolidaySegment == "" {
		c.Broker.HolidaySegment = "FO"
	}
	if c.Broker.Timeout == "" {
		c.Broker.Timeout = defaultBrokerTimeout
	}
	if c.Trading.Lots == 0 {
		c.Trading.Lots = 1
	}

	s := &c.Safeguards
	if s.Timezone == "" {
		s.Timezone = defaultTimezone
	}
	if s.SessionStart == "" {
		s.SessionStart = defaultSessionStart
	}
	if s.SessionEnd == "" {
		s.SessionEnd = defaultSessionEnd
	}
	if s.MaxOrdersPerMinute == 0 {
		s.MaxOrdersPerMinute = defaultMaxOrdersPerMin
	}
	if s.MinOrderSpacing == "" {
		s.MinOrderSpacing = defaultMinOrderSpacing
	}
	if s.LiquidityMultiple == 0 {
		s.LiquidityMultiple = defaultLiquidityMultiple
	}
	if s.DepthLevels == 0 {
		s.DepthLevels = defaultDepthLevels
	}

	p := &c.Pricing
	if p.SellDiscount == 0 {
		p.SellDiscount = defaultSellDiscount
	}
	if p.BuyPremium == 0 {
		p.BuyPremium = defaultBuyPremium
	}
	if p.StopLimitRatio == 0 {
		p.StopLimitRatio = defaultStopLimitRatio
	}
	if p.MaxTriggerRatio == 0 {
		p.MaxTriggerRatio = defaultMaxTriggerRatio
	}
	if p.TickSize == 0 {
		p.TickSize = defaultTickSize
	}

	if c.Risk.BreakerThreshold == 0 {
		c.Risk.BreakerThreshold = defaultBreakerThreshold
	}
	if c.Risk.BreakerCooldown == "" {
		c.Risk.BreakerCooldown = defaultBreakerCooldown
	}
	if c.Risk.StaleOrderTimeout == "" {
		c.Risk.StaleOrderTimeout = defaultStaleOrderTimeout
	}
	if c.Schedule.CycleInterval == "" {
		c.Schedule.CycleInterval = defaultCycleInterval
	}
	if c.Instruments.CacheTTL == "" {
		c.Instruments.CacheTTL = defaultInstrumentTTL
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 9847
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return errors.New("environment.mode must be 'paper' or 'live'")
	}
	if c.Environment.LogFormat != "text" && c.Environment.LogFormat != "json" {
		return errors.New("environment.log_format must be 'text' or 'json'")
	}

	// Broker validation
	if !c.IsPaperTrading() {
		if c.Broker.APIKey == "" {
			return errors.New("broker.api_key is required in live mode")
		}
		if c.Broker.AccessToken == "" {
			return errors.New("broker.access_token is required in live mode")
		}
	}

	// Trading validation
	t := c.Trading
	if t.Underlying == "" {
		return errors.New("trading.underlying is required")
	}
	if t.UnderlyingQuote == "" {
		return errors.New("trading.underlying_quote is required")
	}
	if t.Product == "" {
		return errors.New("trading.product is required")
	}
	if t.LotSize <= 0 {
		return errors.New("trading.lot_size must be > 0")
	}
	if t.Lots <= 0 {
		return errors.New("trading.lots must be > 0")
	}
	if t.StrikeStep <= 0 {
		return errors.New("trading.strike_step must be > 0")
	}
	if t.HedgeDistance <= 0 || t.HedgeDistance%t.StrikeStep != 0 {
		return fmt.Errorf("trading.hedge_distance must be a positive multiple of strike_step (%d)", t.StrikeStep)
	}
	if t.ProfitThreshold <= 0 || t.ProfitThreshold >= 1 {
		return errors.New("trading.profit_threshold must be in (0,1)")
	}

	// Pricing validation
	p := c.Pricing
	if p.SellDiscount <= 0 || p.SellDiscount >= 1 {
		return errors.New("pricing.sell_discount must be in (0,1)")
	}
	if p.BuyPremium <= 0 || p.BuyPremium >= 1 {
		return errors.New("pricing.buy_premium must be in (0,1)")
	}
	if p.StopLimitRatio <= 0 || p.StopLimitRatio > 1 {
		return errors.New("pricing.stop_limit_ratio must be in (0,1]")
	}
	if p.MaxTriggerRatio <= 1 {
		return errors.New("pricing.max_trigger_ratio must be > 1")
	}
	if p.TickSize <= 0 {
		return errors.New("pricing.tick_size must be > 0")
	}
	if t.StopLossEnabled {
		if t.StopLossPct <= 0 {
			return errors.New("trading.stop_loss_pct must be > 0 when stop_loss_enabled")
		}
		if t.StopLossPct >= p.MaxTriggerRatio-1 {
			return fmt.Errorf("trading.stop_loss_pct (%.2f) must be < pricing.max_trigger_ratio - 1 (%.2f)",
				t.StopLossPct, p.MaxTriggerRatio-1)
		}
	}

	// Safeguard validation
	s := c.Safeguards
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("safeguards.timezone invalid: %w", err)
	}
	start, err1 := parseClock(s.SessionStart)
	end, err2 := parseClock(s.SessionEnd)
	if err1 != nil || err2 != nil || start >= end {
		return errors.New("safeguards session window invalid (start/end parse/order)")
	}
	if s.MaxOrdersPerMinute <= 0 {
		return errors.New("safeguards.max_orders_per_minute must be > 0")
	}
	if err := positiveDuration("safeguards.min_order_spacing", s.MinOrderSpacing, true); err != nil {
		return err
	}
	if s.LiquidityMultiple <= 0 {
		return errors.New("safeguards.liquidity_multiple must be > 0")
	}
	if s.DepthLevels <= 0 || s.DepthLevels > 5 {
		return errors.New("safeguards.depth_levels must be in [1,5]")
	}

	// Risk validation
	if c.Risk.BreakerThreshold <= 0 {
		return errors.New("risk.breaker_threshold must be > 0")
	}
	if err := positiveDuration("risk.breaker_cooldown", c.Risk.BreakerCooldown, false); err != nil {
		return err
	}
	if err := positiveDuration("risk.stale_order_timeout", c.Risk.StaleOrderTimeout, false); err != nil {
		return err
	}

	// Rollover validation
	if c.Rollover.LeadDays < 0 {
		return errors.New("rollover.lead_days must be >= 0")
	}
	if c.Rollover.MaxDrift < 0 {
		return errors.New("rollover.max_drift must be >= 0")
	}

	// Schedule validation
	if err := positiveDuration("schedule.cycle_interval", c.Schedule.CycleInterval, false); err != nil {
		return err
	}
	if err := positiveDuration("instruments.cache_ttl", c.Instruments.CacheTTL, false); err != nil {
		return err
	}
	if err := positiveDuration("broker.timeout", c.Broker.Timeout, false); err != nil {
		return err
	}
	for _, d := range c.Instruments.FallbackHolidays {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fmt.Errorf("instruments.fallback_holidays: %q is not YYYY-MM-DD", d)
		}
	}

	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return errors.New("dashboard.port must be in [1,65535]")
	}

	return nil
}

func positiveDuration(field, value string, allowZero bool) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s invalid: %w", field, err)
	}
	if d < 0 || (d == 0 && !allowZero) {
		return fmt.Errorf("%s must be > 0", field)
	}
	return nil
}

// parseClock parses "HH:MM" into an offset from midnight.
func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// IsPaperTrading returns true if the engine runs against the paper exchange.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Location returns the exchange timezone, falling back to IST as a fixed zone
// on minimal containers without tzdata.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Safeguards.Timezone)
	if err != nil {
		return time.FixedZone("IST", 5*60*60+30*60)
	}
	return loc
}

// SessionBounds returns the session start and end as offsets from midnight.
func (c *Config) SessionBounds() (start, end time.Duration) {
	start, err1 := parseClock(c.Safeguards.SessionStart)
	end, err2 := parseClock(c.Safeguards.SessionEnd)
	if err1 != nil || err2 != nil {
		// Safe defaults if misconfigured
		start, _ = parseClock(defaultSessionStart)
		end, _ = parseClock(defaultSessionEnd)
	}
	return start, end
}

// IsWithinSession checks if now falls on a weekday inside the session window.
// Both bounds are inclusive.
func (c *Config) IsWithinSession(now time.Time) bool {
	loc := c.Location()
	local := now.In(loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	start, end := c.SessionBounds()
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	offset := local.Sub(midnight)
	return offset >= start && offset <= end
}

// Duration parses a validated duration field, returning fallback on error.
func Duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// CycleInterval returns the orchestrator interval.
func (c *Config) CycleInterval() time.Duration {
	return Duration(c.Schedule.CycleInterval, time.Minute)
}

// BreakerCooldown returns the trading breaker cooldown.
func (c *Config) BreakerCooldown() time.Duration {
	return Duration(c.Risk.BreakerCooldown, 5*time.Minute)
}

// StaleOrderTimeout returns the age after which pending orders are cancelled.
func (c *Config) StaleOrderTimeout() time.Duration {
	return Duration(c.Risk.StaleOrderTimeout, 30*time.Minute)
}

// MinOrderSpacing returns the minimum time between submissions.
func (c *Config) MinOrderSpacing() time.Duration {
	return Duration(c.Safeguards.MinOrderSpacing, 2*time.Second)
}

// InstrumentTTL returns the instrument cache lifetime.
func (c *Config) InstrumentTTL() time.Duration {
	return Duration(c.Instruments.CacheTTL, 15*time.Minute)
}

// BrokerTimeout returns the HTTP timeout for exchange calls.
func (c *Config) BrokerTimeout() time.Duration {
	return Duration(c.Broker.Timeout, 10*time.Second)
}
