package monitor

import (
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// DeadLetter receives requests that exhausted their retries.
type DeadLetter interface {
	Put(req *Request) error
}

// RetryManager decides whether failed queued requests are tried again and when.
type RetryManager struct {
	config     *RetryConfig
	logger     *zap.Logger
	metrics    *metricsCollector
	deadLetter DeadLetter
	now        func() time.Time
}

// NewRetryManager creates a new retry manager. deadLetter may be nil.
func NewRetryManager(config *RetryConfig, logger *zap.Logger, metrics *metricsCollector, deadLetter DeadLetter) *RetryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = newMetricsCollector()
	}
	return &RetryManager{
		config:     config,
		logger:     logger,
		metrics:    metrics,
		deadLetter: deadLetter,
		now:        time.Now,
	}
}

// Retryable reports whether a failed outcome may succeed on a later attempt.
// Transport errors, 5xx answers and rate limits are; other rejections are final.
func Retryable(outcome *Outcome) bool {
	if outcome.Success {
		return false
	}
	if outcome.RateLimit {
		return true
	}
	return outcome.StatusCode == 0 || outcome.StatusCode >= 500
}

// ShouldRetry determines if an event should be retried. Events that cannot be
// retried any more are handed to the dead letter store.
func (rm *RetryManager) ShouldRetry(event *QueuedEvent, outcome *Outcome) bool {
	if !Retryable(outcome) {
		rm.logger.Warn("Event rejected by collector",
			zap.String("event_id", event.Request.EventID),
			zap.Int("status_code", outcome.StatusCode),
			zap.String("error", outcome.Error))
		rm.metrics.IncDroppedEvents()
		return false
	}

	if event.Attempts >= rm.config.MaxAttempts {
		rm.logger.Error("Event exceeded max retry attempts",
			zap.String("event_id", event.Request.EventID),
			zap.Int("attempts", event.Attempts),
			zap.Int("max_attempts", rm.config.MaxAttempts),
			zap.String("error", outcome.Error))
		rm.toDeadLetter(event)
		return false
	}

	return true
}

func (rm *RetryManager) toDeadLetter(event *QueuedEvent) {
	if rm.deadLetter == nil {
		rm.metrics.IncDroppedEvents()
		return
	}
	if err := rm.deadLetter.Put(event.Request); err != nil {
		rm.logger.Warn("Dead letter store rejected event, dropping it",
			zap.String("event_id", event.Request.EventID),
			zap.Error(err))
		rm.metrics.IncDroppedEvents()
		return
	}
	rm.logger.Debug("Event moved to dead letter store",
		zap.String("event_id", event.Request.EventID))
	rm.metrics.IncDeadLetterEvents()
}

// CalculateBackoff calculates the backoff duration for the next retry
func (rm *RetryManager) CalculateBackoff(attempts int) time.Duration {
	if attempts <= 0 {
		return rm.config.InitialBackoff
	}

	backoff := float64(rm.config.InitialBackoff) * math.Pow(rm.config.BackoffMultiplier, float64(attempts-1))

	// ±25% jitter
	backoff += backoff * 0.25 * (2*rand.Float64() - 1)

	duration := time.Duration(backoff)
	if duration > rm.config.MaxBackoff {
		duration = rm.config.MaxBackoff
	}
	return duration
}

// ScheduleRetry prepares an event for retry. notBefore, when set, delays the
// retry until a rate limit has expired.
func (rm *RetryManager) ScheduleRetry(event *QueuedEvent, notBefore time.Time) {
	event.Attempts++
	event.LastAttempt = rm.now()

	backoff := rm.CalculateBackoff(event.Attempts)
	event.NextRetry = event.LastAttempt.Add(backoff)
	if notBefore.After(event.NextRetry) {
		event.NextRetry = notBefore
	}

	rm.metrics.IncRetries()
	rm.logger.Debug("Scheduling event retry",
		zap.String("event_id", event.Request.EventID),
		zap.Int("attempt", event.Attempts),
		zap.Duration("backoff", backoff),
		zap.Time("next_retry", event.NextRetry))
}

// IsRetryTime checks if an event is ready for retry
func (rm *RetryManager) IsRetryTime(event *QueuedEvent) bool {
	return !rm.now().Before(event.NextRetry)
}

// GetRetryStats returns retry statistics
func (rm *RetryManager) GetRetryStats() map[string]any {
	return map[string]any{
		"max_attempts":        rm.config.MaxAttempts,
		"initial_backoff":     rm.config.InitialBackoff.String(),
		"backoff_multiplier":  rm.config.BackoffMultiplier,
		"max_backoff":         rm.config.MaxBackoff.String(),
		"dead_letter_enabled": rm.deadLetter != nil,
	}
}
