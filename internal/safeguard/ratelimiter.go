package safeguard

import (
	"sync"
	"time"

	"github.com/eddiefleurent/ironfly/internal/util"
	"golang.org/x/time/rate"
)

// RateLimiterConfig bounds order submission.
type RateLimiterConfig struct {
	MaxPerWindow int
	Window       time.Duration
	MinSpacing   time.Duration
}

// DefaultRateLimiterConfig allows 30 submissions a minute, 2s apart.
var DefaultRateLimiterConfig = RateLimiterConfig{
	MaxPerWindow: 30,
	Window:       time.Minute,
	MinSpacing:   2 * time.Second,
}

// RateLimiterState is a snapshot of the limiter.
type RateLimiterState struct {
	LastSubmission time.Time `json:"last_submission"`
	Count          int       `json:"count"`
	WindowStart    time.Time `json:"window_start"`
}

// RateLimiter enforces a rolling-window ceiling and a minimum spacing between
// submissions. Acquire blocks the caller with a plain sleep.
type RateLimiter struct {
	mu          sync.Mutex
	cfg         RateLimiterConfig
	clock       util.Clock
	spacing     *rate.Limiter
	submissions []time.Time
	last        time.Time
}

// NewRateLimiter creates a limiter. A nil clock uses the system clock.
func NewRateLimiter(cfg RateLimiterConfig, clock util.Clock) *RateLimiter {
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = DefaultRateLimiterConfig.MaxPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultRateLimiterConfig.Window
	}
	if cfg.MinSpacing < 0 {
		cfg.MinSpacing = 0
	}
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &RateLimiter{
		cfg:     cfg,
		clock:   clock,
		spacing: rate.NewLimiter(rate.Every(cfg.MinSpacing), 1),
	}
}

// Acquire waits until a submission is allowed, records it, and returns how
// long the caller was blocked.
func (r *RateLimiter) Acquire() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.clock.Now()

	// Window first: spacing is reserved against the time the slot is taken.
	now := start
	r.prune(now)
	for len(r.submissions) >= r.cfg.MaxPerWindow {
		r.clock.Sleep(r.submissions[0].Add(r.cfg.Window).Sub(now))
		now = r.clock.Now()
		r.prune(now)
	}

	if d := r.spacing.ReserveN(now, 1).DelayFrom(now); d > 0 {
		r.clock.Sleep(d)
		now = r.clock.Now()
	}

	r.submissions = append(r.submissions, now)
	r.last = now
	return now.Sub(start)
}

// Pace waits out the remaining minimum spacing without recording a
// submission.
func (r *RateLimiter) Pace() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if r.last.IsZero() || r.cfg.MinSpacing == 0 {
		return 0
	}
	d := r.last.Add(r.cfg.MinSpacing).Sub(now)
	if d <= 0 {
		return 0
	}
	r.clock.Sleep(d)
	return d
}

// prune drops submissions at or before now − window.
func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.cfg.Window)
	i := 0
	for i < len(r.submissions) && !r.submissions[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.submissions = append(r.submissions[:0], r.submissions[i:]...)
	}
}

// State returns the current limiter state.
func (r *RateLimiter) State() RateLimiterState {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(r.clock.Now())
	s := RateLimiterState{LastSubmission: r.last, Count: len(r.submissions)}
	if len(r.submissions) > 0 {
		s.WindowStart = r.submissions[0]
	}
	return s
}
