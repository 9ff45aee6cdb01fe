package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ThrottleRepository abstracts the counter storage for login throttling.
type ThrottleRepository interface {
	Count(ctx context.Context, key string) (int64, error)
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
}

// LoginThrottle counts failed login attempts per (email, ip) within a
// sliding window. Redis being unavailable fails open: authentication must
// not depend on the cache tier.
type LoginThrottle struct {
	repo        ThrottleRepository
	maxAttempts int
	window      time.Duration
	logger      *zap.Logger
}

// NewLoginThrottle constructs a throttle. A nil repo disables throttling.
func NewLoginThrottle(repo ThrottleRepository, maxAttempts int, window time.Duration, logger *zap.Logger) *LoginThrottle {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoginThrottle{repo: repo, maxAttempts: maxAttempts, window: window, logger: logger}
}

// Blocked reports whether the caller has exhausted its failed attempts.
func (t *LoginThrottle) Blocked(ctx context.Context, email, ip string) bool {
	if t == nil || t.repo == nil {
		return false
	}
	count, err := t.repo.Count(ctx, t.key(email, ip))
	if err != nil {
		t.logger.Warn("login throttle unavailable, failing open", zap.Error(err))
		return false
	}
	return count >= int64(t.maxAttempts)
}

// RecordFailure bumps the failure counter after a rejected login.
func (t *LoginThrottle) RecordFailure(ctx context.Context, email, ip string) {
	if t == nil || t.repo == nil {
		return
	}
	if _, err := t.repo.Increment(ctx, t.key(email, ip), t.window); err != nil {
		t.logger.Warn("failed to record login attempt", zap.Error(err))
	}
}

// Reset clears the failure counter after a successful login.
func (t *LoginThrottle) Reset(ctx context.Context, email, ip string) {
	if t == nil || t.repo == nil {
		return
	}
	if err := t.repo.Delete(ctx, t.key(email, ip)); err != nil {
		t.logger.Warn("failed to reset login throttle", zap.Error(err))
	}
}

func (t *LoginThrottle) key(email, ip string) string {
	return fmt.Sprintf("auth:attempts:%s:%s", strings.ToLower(email), ip)
}
