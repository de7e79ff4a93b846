package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Queue errors
var (
	ErrQueueClosed = errors.New("monitor: queue is closed")
	ErrQueueFull   = errors.New("monitor: queue is full")
)

const defaultRetryTick = 250 * time.Millisecond

// EventProcessor delivers one queued request
type EventProcessor interface {
	ProcessEvent(ctx context.Context, event *QueuedEvent) *Outcome
}

// EventQueue delivers requests from a bounded in-memory buffer on background
// workers. Producers never block: a full buffer drops the request.
type EventQueue struct {
	events      chan *QueuedEvent
	retryEvents chan *QueuedEvent
	config      *QueueConfig
	logger      *zap.Logger
	processor   EventProcessor
	retryMgr    *RetryManager
	limiter     *RateLimiter
	metrics     *metricsCollector
	retryTick   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// requests accepted and not yet delivered or given up on
	pending atomic.Int64

	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewEventQueue creates a new event queue. retryMgr and limiter may be nil.
func NewEventQueue(config *QueueConfig, processor EventProcessor, retryMgr *RetryManager, limiter *RateLimiter, logger *zap.Logger, metrics *metricsCollector) *EventQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = newMetricsCollector()
	}
	retryBuffer := config.BufferSize / 2
	if retryBuffer < 1 {
		retryBuffer = 1
	}
	eq := &EventQueue{
		events:      make(chan *QueuedEvent, config.BufferSize),
		retryEvents: make(chan *QueuedEvent, retryBuffer),
		config:      config,
		logger:      logger,
		processor:   processor,
		retryMgr:    retryMgr,
		limiter:     limiter,
		metrics:     metrics,
		retryTick:   defaultRetryTick,
	}
	metrics.setQueueLength(eq.Len)
	return eq
}

// Start starts the queue workers and the retry scheduler
func (eq *EventQueue) Start(ctx context.Context) error {
	eq.mu.Lock()
	defer eq.mu.Unlock()

	if eq.closed {
		return ErrQueueClosed
	}
	if eq.started {
		return nil
	}
	eq.started = true

	ctx, eq.cancel = context.WithCancel(ctx)

	workers := eq.config.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		eq.wg.Add(1)
		go eq.worker(ctx, i)
	}

	eq.wg.Add(1)
	go eq.retryScheduler(ctx)

	return nil
}

// Send implements Sender. The outcome only reports whether the request was queued.
func (eq *EventQueue) Send(_ context.Context, req *Request) *Outcome {
	if err := eq.Enqueue(req); err != nil {
		return &Outcome{EventID: req.EventID, Error: err.Error()}
	}
	return &Outcome{Success: true, EventID: req.EventID}
}

// Enqueue adds a request to the queue without blocking
func (eq *EventQueue) Enqueue(req *Request) error {
	eq.mu.RLock()
	defer eq.mu.RUnlock()

	if eq.closed {
		return ErrQueueClosed
	}

	event := &QueuedEvent{
		Request:   req,
		NextRetry: time.Now(),
	}

	// counted before the send, a worker may resolve it immediately
	eq.pending.Add(1)
	select {
	case eq.events <- event:
		return nil
	default:
		eq.pending.Add(-1)
		eq.logger.Warn("Event queue is full, dropping event",
			zap.String("event_id", req.EventID))
		eq.metrics.IncDroppedEvents()
		return ErrQueueFull
	}
}

// EnqueueRetry adds an event to the retry queue
func (eq *EventQueue) EnqueueRetry(event *QueuedEvent) error {
	eq.mu.RLock()
	defer eq.mu.RUnlock()

	if eq.closed {
		return ErrQueueClosed
	}

	select {
	case eq.retryEvents <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of requests waiting for a worker.
func (eq *EventQueue) Len() int {
	return len(eq.events)
}

// Pending returns the number of requests neither delivered nor given up on.
func (eq *EventQueue) Pending() int {
	return int(eq.pending.Load())
}

// Flush waits until every accepted request is resolved or ctx is done.
func (eq *EventQueue) Flush(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for eq.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close implements Sender by stopping the queue.
func (eq *EventQueue) Close(ctx context.Context) error {
	return eq.Stop(ctx)
}

// Stop stops accepting requests, lets the workers drain the buffer and waits
// for them until ctx is done.
func (eq *EventQueue) Stop(ctx context.Context) error {
	eq.mu.Lock()
	if eq.closed {
		eq.mu.Unlock()
		return nil
	}
	eq.closed = true
	started := eq.started
	eq.mu.Unlock()

	if started {
		eq.cancel()

		done := make(chan struct{})
		go func() {
			eq.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			eq.logger.Debug("Event queue stopped gracefully")
		case <-ctx.Done():
			eq.logger.Warn("Event queue stopped with timeout")
			return ctx.Err()
		}
	}

	// whatever is left never reaches a worker
	for {
		select {
		case event := <-eq.events:
			eq.giveUp(event)
		case event := <-eq.retryEvents:
			eq.giveUp(event)
		default:
			return nil
		}
	}
}

func (eq *EventQueue) worker(ctx context.Context, workerID int) {
	defer eq.wg.Done()

	logger := eq.logger.With(zap.Int("worker_id", workerID))

	batch := make([]*QueuedEvent, 0, eq.config.BatchSize)
	batchTimer := time.NewTimer(eq.config.BatchTimeout)
	defer batchTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			// drain what producers already handed over
		drain:
			for {
				select {
				case event := <-eq.events:
					batch = append(batch, event)
				default:
					break drain
				}
			}
			eq.processBatch(logger, batch)
			return

		case event := <-eq.events:
			batch = append(batch, event)
			if len(batch) >= eq.config.BatchSize {
				eq.processBatch(logger, batch)
				batch = batch[:0]
				batchTimer.Reset(eq.config.BatchTimeout)
			}

		case <-batchTimer.C:
			if len(batch) > 0 {
				eq.processBatch(logger, batch)
				batch = batch[:0]
			}
			batchTimer.Reset(eq.config.BatchTimeout)
		}
	}
}

// retryScheduler moves retries back to the main queue once their backoff elapsed
func (eq *EventQueue) retryScheduler(ctx context.Context) {
	defer eq.wg.Done()

	ticker := time.NewTicker(eq.retryTick)
	defer ticker.Stop()

	pendingRetries := make([]*QueuedEvent, 0)

	for {
		select {
		case <-ctx.Done():
			for _, event := range pendingRetries {
				eq.giveUp(event)
			}
			return

		case event := <-eq.retryEvents:
			pendingRetries = append(pendingRetries, event)

		case <-ticker.C:
			kept := pendingRetries[:0]
			moved := 0
			for _, event := range pendingRetries {
				if !eq.retryMgr.IsRetryTime(event) {
					kept = append(kept, event)
					continue
				}
				select {
				case eq.events <- event:
					moved++
				default:
					kept = append(kept, event)
				}
			}
			pendingRetries = kept

			if moved > 0 {
				eq.logger.Debug("Moved events from retry queue to main queue",
					zap.Int("count", moved))
			}
		}
	}
}

// processBatch sends a batch sequentially. Sends are not tied to the worker
// context so a stopping queue still delivers what it drained.
func (eq *EventQueue) processBatch(logger *zap.Logger, batch []*QueuedEvent) {
	if len(batch) == 0 {
		return
	}

	logger.Debug("Processing event batch", zap.Int("size", len(batch)))

	for _, event := range batch {
		outcome := eq.processor.ProcessEvent(context.Background(), event)
		if outcome.Success {
			eq.pending.Add(-1)
			continue
		}

		logger.Debug("Queued delivery failed",
			zap.String("event_id", event.Request.EventID),
			zap.Int("attempts", event.Attempts),
			zap.String("error", outcome.Error),
			zap.Bool("rate_limit", outcome.RateLimit))

		if eq.retryMgr == nil {
			eq.metrics.IncDroppedEvents()
			eq.pending.Add(-1)
			continue
		}
		if !eq.retryMgr.ShouldRetry(event, outcome) {
			eq.pending.Add(-1)
			continue
		}

		var notBefore time.Time
		if eq.limiter != nil {
			notBefore = eq.limiter.GetDisabledUntil(eventCategory)
		}
		eq.retryMgr.ScheduleRetry(event, notBefore)
		if err := eq.EnqueueRetry(event); err != nil {
			eq.giveUp(event)
		}
	}
}

// giveUp resolves an event that will not be attempted again.
func (eq *EventQueue) giveUp(event *QueuedEvent) {
	if eq.retryMgr != nil {
		eq.retryMgr.toDeadLetter(event)
	} else {
		eq.metrics.IncDroppedEvents()
	}
	eq.pending.Add(-1)
}

// ReplaySpool moves spooled requests back into the queue while it has room.
func (eq *EventQueue) ReplaySpool(spool *Spool) (int, error) {
	room := cap(eq.events) - len(eq.events)
	if room <= 0 {
		return 0, nil
	}
	n, err := spool.Replay(room, eq.Enqueue)
	if n > 0 {
		eq.logger.Info("Replayed spooled events", zap.Int("count", n))
	}
	if errors.Is(err, ErrQueueFull) {
		err = nil
	}
	return n, err
}

// GetStatus returns current queue status
func (eq *EventQueue) GetStatus() map[string]any {
	eq.mu.RLock()
	defer eq.mu.RUnlock()

	return map[string]any{
		"queue_length":       len(eq.events),
		"retry_queue_length": len(eq.retryEvents),
		"pending":            eq.pending.Load(),
		"workers":            eq.config.Workers,
		"closed":             eq.closed,
	}
}
