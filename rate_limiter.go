package monitor

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	allCategories     = "all"
	defaultRetryAfter = 60 * time.Second
	rateLimitsHeader  = "X-Sentry-Rate-Limits"
	retryAfterHeader  = "Retry-After"
)

// RateLimiter tracks collector-imposed delivery pauses per data category.
type RateLimiter struct {
	mu         sync.RWMutex
	rateLimits map[string]time.Time // category -> disabled until
	logger     *zap.Logger
	now        func() time.Time
}

// NewRateLimiter creates a new rate limiter instance
func NewRateLimiter(logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		rateLimits: make(map[string]time.Time),
		logger:     logger,
		now:        time.Now,
	}
}

// IsRateLimited checks if the category, or every category, is paused.
func (rl *RateLimiter) IsRateLimited(category string) bool {
	return rl.GetDisabledUntil(category).After(rl.now())
}

// GetDisabledUntil returns the time until which the category is paused, or
// the zero time when it is not.
func (rl *RateLimiter) GetDisabledUntil(category string) time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	now := rl.now()
	var until time.Time
	for _, c := range []string{category, allCategories} {
		if t, ok := rl.rateLimits[c]; ok && t.After(now) && t.After(until) {
			until = t
		}
	}
	return until
}

// HandleRateLimitHeaders applies X-Sentry-Rate-Limits, falling back to Retry-After.
func (rl *RateLimiter) HandleRateLimitHeaders(headers http.Header) {
	limits := headers.Get(rateLimitsHeader)
	retryAfter := headers.Get(retryAfterHeader)
	if limits == "" && retryAfter == "" {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if limits != "" {
		rl.applyRateLimits(limits, now)
		return
	}
	rl.applyRetryAfter(retryAfter, now)
}

// applyRateLimits parses "retry_after:categories:scope[:reason]" entries
// separated by commas; categories are ';'-separated and empty means all.
func (rl *RateLimiter) applyRateLimits(header string, now time.Time) {
	for _, limit := range strings.Split(header, ",") {
		parts := strings.Split(strings.TrimSpace(limit), ":")
		if len(parts) < 2 {
			continue
		}

		delay := defaultRetryAfter
		if secs, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64); err == nil && secs >= 0 {
			delay = time.Duration(secs * float64(time.Second))
		} else {
			rl.logger.Warn("Bad retry_after in rate limit header", zap.String("value", parts[0]))
		}
		until := now.Add(delay)

		categories := strings.TrimSpace(parts[1])
		if categories == "" {
			categories = allCategories
		}
		for _, category := range strings.Split(categories, ";") {
			category = normalizeCategory(strings.TrimSpace(category))
			rl.setLimit(category, until)
		}
	}
}

func (rl *RateLimiter) applyRetryAfter(header string, now time.Time) {
	header = strings.TrimSpace(header)

	until := now.Add(defaultRetryAfter)
	if secs, err := strconv.Atoi(header); err == nil {
		until = now.Add(time.Duration(secs) * time.Second)
	} else if t, err := http.ParseTime(header); err == nil {
		until = t
	}

	rl.setLimit(allCategories, until)
}

// setLimit must be called with mu held.
func (rl *RateLimiter) setLimit(category string, until time.Time) {
	if cur, ok := rl.rateLimits[category]; ok && cur.After(until) {
		return
	}
	rl.rateLimits[category] = until
	rl.logger.Warn("Rate limit applied",
		zap.String("category", category),
		zap.Time("disabled_until", until))
}

func normalizeCategory(category string) string {
	switch category {
	case "", allCategories:
		return allCategories
	case "event", "default":
		return eventCategory
	}
	return category
}

// CleanupExpired removes expired rate limits
func (rl *RateLimiter) CleanupExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for category, until := range rl.rateLimits {
		if !until.After(now) {
			delete(rl.rateLimits, category)
		}
	}
}

// GetStatus returns a copy of the active limits.
func (rl *RateLimiter) GetStatus() map[string]time.Time {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	status := make(map[string]time.Time, len(rl.rateLimits))
	for category, until := range rl.rateLimits {
		status[category] = until
	}
	return status
}
