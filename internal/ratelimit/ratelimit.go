// Package ratelimit implements the adaptive token bucket that paces archive
// fetches. The bucket's refill rate is itself mutable: throttling responses
// shrink it multiplicatively, long success streaks grow it back.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds the tuning parameters for an Adaptive limiter.
type Config struct {
	InitialRPS float64
	MinRPS     float64
	MaxRPS     float64
	// BackoffFactor multiplies the rate on a throttling response (default 0.8).
	BackoffFactor float64
	// RecoveryFactor multiplies the rate after a success streak (default 1.05).
	RecoveryFactor float64
	// SuccessStreakThreshold is the streak length that triggers recovery (default 100).
	SuccessStreakThreshold int
}

const (
	defaultBackoffFactor   = 0.8
	defaultRecoveryFactor  = 1.05
	defaultStreakThreshold = 100
)

func (c Config) withDefaults() Config {
	if c.InitialRPS <= 0 {
		c.InitialRPS = 1
	}
	if c.MinRPS <= 0 {
		c.MinRPS = math.Min(1, c.InitialRPS)
	}
	if c.MaxRPS <= 0 {
		c.MaxRPS = math.Max(c.InitialRPS, c.MinRPS)
	}
	if c.BackoffFactor <= 0 || c.BackoffFactor >= 1 {
		c.BackoffFactor = defaultBackoffFactor
	}
	if c.RecoveryFactor <= 1 {
		c.RecoveryFactor = defaultRecoveryFactor
	}
	if c.SuccessStreakThreshold <= 0 {
		c.SuccessStreakThreshold = defaultStreakThreshold
	}
	return c
}

// Stats is a point-in-time snapshot of limiter activity.
type Stats struct {
	CurrentRPS           float64
	SuccessCount         int64
	ErrorCount           int64
	BackoffCount         int64
	RecoveryCount        int64
	ConsecutiveForbidden int64
}

// Adaptive is a token bucket shared by all workers of one crawl. Acquire is
// the only suspension point; the feedback methods are short critical sections.
type Adaptive struct {
	limiter *rate.Limiter
	logger  *zap.Logger

	mu              sync.Mutex
	cfg             Config
	rps             float64
	streak          int
	successCount    int64
	errorCount      int64
	backoffCount    int64
	recoveryCount   int64
	forbiddenInARow int64
}

// New creates an Adaptive limiter with the initial rate clamped into
// [MinRPS, MaxRPS]. A full burst (one second of tokens) is available at start.
func New(cfg Config, logger *zap.Logger) *Adaptive {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	rps := math.Min(math.Max(cfg.InitialRPS, cfg.MinRPS), cfg.MaxRPS)
	return &Adaptive{
		limiter: rate.NewLimiter(rate.Limit(rps), burstFor(rps)),
		logger:  logger,
		cfg:     cfg,
		rps:     rps,
	}
}

// burstFor caps the bucket at one second's worth of tokens.
func burstFor(rps float64) int {
	b := int(math.Ceil(rps))
	if b < 1 {
		b = 1
	}
	return b
}

// Acquire blocks until one token is available, consuming exactly one.
// Cancellation while waiting leaves the bucket's token count unchanged.
func (a *Adaptive) Acquire(ctx context.Context) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// ReportSuccess records a completed fetch. Reaching the streak threshold
// multiplies the rate by RecoveryFactor, clamped to MaxRPS.
func (a *Adaptive) ReportSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.successCount++
	a.forbiddenInARow = 0
	a.streak++
	if a.streak < a.cfg.SuccessStreakThreshold {
		return
	}
	a.streak = 0
	recovered := math.Min(a.rps*a.cfg.RecoveryFactor, a.cfg.MaxRPS)
	if recovered == a.rps {
		return
	}
	a.recoveryCount++
	a.setRateLocked(recovered)
	a.logger.Debug("rate limit recovered",
		zap.Float64("rps", recovered),
	)
}

// ReportError records a failed fetch. Statuses 403, 429 and 503 shrink the
// rate by BackoffFactor, clamped to MinRPS; every error resets the streak.
func (a *Adaptive) ReportError(status int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errorCount++
	a.streak = 0
	if status == http.StatusForbidden {
		a.forbiddenInARow++
	} else {
		a.forbiddenInARow = 0
	}
	if !isBackoffStatus(status) {
		return
	}
	a.backoffCount++
	reduced := math.Max(a.rps*a.cfg.BackoffFactor, a.cfg.MinRPS)
	if reduced != a.rps {
		a.setRateLocked(reduced)
	}
	a.logger.Warn("rate limit backing off",
		zap.Int("status", status),
		zap.Float64("rps", reduced),
	)
}

func isBackoffStatus(status int) bool {
	switch status {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	}
	return false
}

// setRateLocked pushes a new rate into the underlying bucket. Callers hold mu.
func (a *Adaptive) setRateLocked(rps float64) {
	a.rps = rps
	a.limiter.SetLimit(rate.Limit(rps))
	a.limiter.SetBurst(burstFor(rps))
}

// CurrentRPS returns the rate in effect right now.
func (a *Adaptive) CurrentRPS() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rps
}

// Stats returns a snapshot of the limiter's counters.
func (a *Adaptive) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		CurrentRPS:           a.rps,
		SuccessCount:         a.successCount,
		ErrorCount:           a.errorCount,
		BackoffCount:         a.backoffCount,
		RecoveryCount:        a.recoveryCount,
		ConsecutiveForbidden: a.forbiddenInARow,
	}
}
