// Package ratelimit implements the per-client sliding-window counter that
// gates all verification work. Entries older than the window are purged on
// every check; a background janitor bounds worst-case memory between
// checks for ids that go quiet.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the runtime-mutable limiter configuration. Durations are
// milliseconds on the wire, matching the HTTP config surface.
type Config struct {
	RequestsPerHour int   `json:"requestsPerHour" yaml:"requestsPerHour" validate:"min=1,max=1000"`
	MaxBulkEmails   int   `json:"maxBulkEmails" yaml:"maxBulkEmails" validate:"min=1,max=500"`
	WindowMs        int64 `json:"windowMs" yaml:"windowMs" validate:"min=60000,max=86400000"`
	BlockDuration   int64 `json:"blockDuration" yaml:"blockDuration" validate:"min=300000,max=86400000"`
}

// DefaultConfig returns the documented defaults: 100 requests per hour,
// bulk cap 100, one-hour window, one-hour block.
func DefaultConfig() Config {
	return Config{
		RequestsPerHour: 100,
		MaxBulkEmails:   100,
		WindowMs:        3600_000,
		BlockDuration:   3600_000,
	}
}

var validate = validator.New()

// Validate checks the config ranges. The error names the offending field.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			f := errs[0]
			return fmt.Errorf("invalid value for %s: must satisfy %s=%s",
				lowerFirst(f.Field()), f.Tag(), f.Param())
		}
		return err
	}
	return nil
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]|0x20) + s[1:]
}

// Decision is the outcome of one Check, carrying everything the HTTP
// boundary needs for the X-RateLimit-* headers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetUnix is the earliest time, in unix seconds, at which the
	// current window has fully advanced.
	ResetUnix int64
}

// Limiter is a process-wide sliding-window counter keyed by client id.
// Check is atomic with respect to concurrent callers.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	events  map[string][]int64 // id -> sorted ms timestamps inside the window
	blocked map[string]int64   // id -> ms timestamp the block lifts
	now     func() time.Time
}

// New creates a Limiter with the given config; a zero config gets defaults.
func New(cfg Config) *Limiter {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	return &Limiter{
		cfg:     cfg,
		events:  make(map[string][]int64),
		blocked: make(map[string]int64),
		now:     time.Now,
	}
}

// NewWithClock creates a Limiter with a custom time source (for testing).
func NewWithClock(cfg Config, now func() time.Time) *Limiter {
	l := New(cfg)
	l.now = now
	return l
}

// Check records an attempt by id and reports whether it is admitted.
// Admission runs the documented steps atomically: purge entries older than
// the window, count the remainder, deny at the limit, otherwise record.
// A denied id stays blocked for the configured block duration.
func (l *Limiter) Check(id string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg := l.cfg
	now := l.now().UnixMilli()
	reset := ceilDiv(now+cfg.WindowMs, 1000)

	if until, ok := l.blocked[id]; ok {
		if now < until {
			return Decision{Limit: cfg.RequestsPerHour, ResetUnix: ceilDiv(until, 1000)}
		}
		delete(l.blocked, id)
	}

	kept := purge(l.events[id], now-cfg.WindowMs)

	if len(kept) >= cfg.RequestsPerHour {
		l.events[id] = kept
		l.blocked[id] = now + cfg.BlockDuration
		return Decision{Limit: cfg.RequestsPerHour, ResetUnix: reset}
	}

	kept = append(kept, now)
	l.events[id] = kept
	return Decision{
		Allowed:   true,
		Limit:     cfg.RequestsPerHour,
		Remaining: max(0, cfg.RequestsPerHour-len(kept)),
		ResetUnix: reset,
	}
}

// Config returns the current configuration.
func (l *Limiter) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// SetConfig swaps the configuration after validating it. The new values
// apply to subsequent Check calls; recorded events are kept.
func (l *Limiter) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	return nil
}

// Janitor evicts stale state every interval until ctx is cancelled. Without
// it, ids that stop sending requests would pin their window slices until
// their next Check.
func (l *Limiter) Janitor(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UnixMilli()
	cutoff := now - l.cfg.WindowMs
	for id, ts := range l.events {
		kept := purge(ts, cutoff)
		if len(kept) == 0 {
			delete(l.events, id)
		} else {
			l.events[id] = kept
		}
	}
	for id, until := range l.blocked {
		if now >= until {
			delete(l.blocked, id)
		}
	}
}

// purge drops timestamps at or before cutoff. ts is sorted ascending.
func purge(ts []int64, cutoff int64) []int64 {
	i := 0
	for i < len(ts) && ts[i] < cutoff {
		i++
	}
	return ts[i:]
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
