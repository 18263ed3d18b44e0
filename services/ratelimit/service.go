// Package ratelimit implements sliding-window admission control keyed by
// action class and actor.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/upb/legal-audit/config"
	"github.com/upb/legal-audit/internal/observability"
	"github.com/upb/legal-audit/services"
	"go.uber.org/zap"
)

// Named action classes with built-in presets
const (
	ClassAuth               = "auth"
	ClassAPI                = "api"
	ClassDocumentGeneration = "document_generation"
	ClassFileUpload         = "file_upload"
	ClassPasswordReset      = "password_reset"
)

// Reporter is told about every rejected attempt
type Reporter interface {
	RecordRateLimited(ctx context.Context, key string, maxAttempts int, window time.Duration)
}

// Result represents the outcome of a preset check
type Result struct {
	Allowed     bool
	Class       string
	MaxAttempts int
	Window      time.Duration
	RetryAfter  time.Duration
}

// Limiter is a sliding-window rate limiter over an injectable WindowStore
type Limiter struct {
	store    WindowStore
	presets  map[string]config.RateLimitPreset
	reporter Reporter
	metrics  observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewLimiter creates a Limiter. reporter may be nil.
func NewLimiter(store WindowStore, presets map[string]config.RateLimitPreset, reporter Reporter, metrics observability.Metrics, logger *zap.Logger) *Limiter {
	if metrics == nil {
		metrics = observability.NopMetrics{}
	}
	return &Limiter{
		store:    store,
		presets:  presets,
		reporter: reporter,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the time source
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Key builds the window key for an action class and actor
func Key(class, actor string) string {
	return class + ":" + actor
}

// Check prunes attempts older than window, rejects when maxAttempts remain,
// and otherwise records the attempt and allows it. maxAttempts <= 0 means
// no limit.
func (l *Limiter) Check(ctx context.Context, key string, maxAttempts int, window time.Duration) (bool, error) {
	return l.check(ctx, classOf(key), key, maxAttempts, window)
}

// RetryAfter returns how long until key admits another attempt; zero when
// it would be admitted now.
func (l *Limiter) RetryAfter(ctx context.Context, key string, maxAttempts int, window time.Duration) (time.Duration, error) {
	if maxAttempts <= 0 {
		return 0, nil
	}
	now := l.now()
	attempts, err := l.store.Attempts(ctx, key, now, window)
	if err != nil {
		return 0, services.WrapPersistence("failed to read rate limit window", err)
	}
	return retryAfter(attempts, now, maxAttempts, window), nil
}

// CheckPreset checks actor against the named preset for class
func (l *Limiter) CheckPreset(ctx context.Context, class, actor string) (*Result, error) {
	preset, ok := l.presets[class]
	if !ok {
		return nil, services.WrapInternal(fmt.Sprintf("unknown rate limit class %q", class), nil)
	}

	key := Key(class, actor)
	allowed, err := l.check(ctx, class, key, preset.MaxAttempts, preset.Window)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Allowed:     allowed,
		Class:       class,
		MaxAttempts: preset.MaxAttempts,
		Window:      preset.Window,
	}
	if !allowed {
		if result.RetryAfter, err = l.RetryAfter(ctx, key, preset.MaxAttempts, preset.Window); err != nil {
			l.logger.Warn("failed to compute retry-after", zap.String("key", key), zap.Error(err))
			result.RetryAfter = preset.Window
		}
	}
	return result, nil
}

// Preset returns the named preset
func (l *Limiter) Preset(class string) (config.RateLimitPreset, bool) {
	p, ok := l.presets[class]
	return p, ok
}

func (l *Limiter) check(ctx context.Context, class, key string, maxAttempts int, window time.Duration) (bool, error) {
	if key == "" {
		return false, services.Validation("key", "rate limit key is required")
	}
	if maxAttempts <= 0 {
		return true, nil
	}
	if window <= 0 {
		return false, services.Validation("window", "window must be positive")
	}

	allowed, err := l.store.Admit(ctx, key, l.now(), window, maxAttempts)
	if err != nil {
		l.logger.Error("rate limit store failure", zap.String("key", key), zap.Error(err))
		return false, services.WrapPersistence("failed to check rate limit", err)
	}

	l.metrics.RecordRateLimit(class, allowed)
	if !allowed {
		l.logger.Info("rate limit exceeded",
			zap.String("key", key),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("window", window))
		if l.reporter != nil {
			l.reporter.RecordRateLimited(ctx, key, maxAttempts, window)
		}
	}
	return allowed, nil
}

// retryAfter expects attempts in ascending order, all within the window
func retryAfter(attempts []time.Time, now time.Time, maxAttempts int, window time.Duration) time.Duration {
	if len(attempts) < maxAttempts {
		return 0
	}
	// the attempt whose expiry frees a slot
	blocking := attempts[len(attempts)-maxAttempts]
	wait := blocking.Add(window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

func classOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "custom"
}
