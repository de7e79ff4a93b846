package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrDSNNotConfigured is returned by hosts that require a collector DSN.
var ErrDSNNotConfigured = errors.New("monitor: DSN is not configured")

const recoverFlushTimeout = 5 * time.Second

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for the client's own diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSendCallback installs a hook that sees every event before it is
// encoded. Returning false skips delivery of that event.
func WithSendCallback(fn func(*Event) bool) Option {
	return func(c *Client) {
		c.sendCallback = fn
	}
}

// WithDefaultAmbient sets the ambient source used when the capture context
// carries none.
func WithDefaultAmbient(a Ambient) Option {
	return func(c *Client) {
		if a != nil {
			c.ambient = a
		}
	}
}

// WithSender replaces the transport chosen by the delivery method.
func WithSender(s Sender) Option {
	return func(c *Client) {
		c.sender = s
	}
}

// Client captures messages and errors and delivers them to the collector.
// A Client without a DSN accepts every call and sends nothing.
type Client struct {
	cfg     *Config
	dsn     *DSN
	logger  *zap.Logger
	metrics *metricsCollector

	builder *Builder
	encoder *Encoder

	sender    Sender
	transport *HTTPTransport
	queue     *EventQueue
	retryMgr  *RetryManager
	spool     *Spool

	ambient      Ambient
	sendCallback func(*Event) bool

	lastErr lastError
	closed  atomic.Bool
}

// NewClient builds a client from cfg. Defaults are applied to a copy of cfg.
// When the DSN is invalid the returned error wraps ErrInvalidEndpoint and the
// returned client is disabled, so hosts may keep using it as a no-op.
func NewClient(cfg *Config, opts ...Option) (*Client, error) {
	conf := *cfg
	conf.InitDefaults()

	c := &Client{
		cfg:     &conf,
		logger:  zap.NewNop(),
		metrics: newMetricsCollector(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ambient == nil {
		c.ambient = StaticAmbient{Env: conf.Environment, HostName: conf.ServerName}
	}

	if err := conf.Validate(); err != nil {
		c.sender = nil
		return c, err
	}

	if conf.DSN == "" {
		c.logger.Warn("No DSN configured, captures are discarded")
		c.sender = nil
		return c, nil
	}

	dsn, err := ParseDSN(conf.DSN)
	if err != nil {
		c.sender = nil
		return c, err
	}
	c.dsn = dsn
	c.builder = NewBuilder(c.cfg, dsn)
	c.encoder = NewEncoder(dsn, !conf.Transport.DisableCompression)

	if c.sender == nil {
		if err := c.initSender(); err != nil {
			c.dsn = nil
			return c, err
		}
	}

	c.logger.Info("Monitor client initialized",
		zap.String("store_url", dsn.StoreURL),
		zap.String("method", conf.Transport.Method),
		zap.String("project", dsn.ProjectID))

	return c, nil
}

func (c *Client) initSender() error {
	conf := c.cfg

	switch conf.Transport.Method {
	case MethodExec:
		c.sender = NewExecTransport(&conf.Transport, c.logger, c.metrics)
		return nil

	case MethodSync:
		transport, err := NewHTTPTransport(&conf.Transport, c.logger, c.metrics)
		if err != nil {
			return err
		}
		c.transport = transport
		c.sender = transport
		return nil
	}

	transport, err := NewHTTPTransport(&conf.Transport, c.logger, c.metrics)
	if err != nil {
		return err
	}
	c.transport = transport

	var deadLetter DeadLetter
	if conf.Spool.Dir != "" {
		spool, err := OpenSpool(&conf.Spool, c.logger)
		if err != nil {
			_ = transport.Close(context.Background())
			return err
		}
		c.spool = spool
		deadLetter = spool
	}

	c.retryMgr = NewRetryManager(&conf.Retry, c.logger, c.metrics, deadLetter)
	c.queue = NewEventQueue(&conf.Queue, transport, c.retryMgr, transport.GetRateLimiter(), c.logger, c.metrics)
	if err := c.queue.Start(context.Background()); err != nil {
		return err
	}
	c.sender = c.queue

	if c.spool != nil && c.spool.Len() > 0 {
		if _, err := c.queue.ReplaySpool(c.spool); err != nil {
			c.logger.Warn("Failed to replay spool", zap.Error(err))
		}
	}

	return nil
}

// Enabled reports whether captures are delivered anywhere.
func (c *Client) Enabled() bool {
	return c.dsn != nil && c.sender != nil && !c.closed.Load()
}

// CaptureMessage reports a log message. args, when given, format message
// like fmt.Sprintf. It returns the event id, or "" when nothing was sent.
func (c *Client) CaptureMessage(ctx context.Context, message string, args []any, fields Fields) string {
	if !c.Enabled() {
		return ""
	}
	defer c.recoverCapture()

	ev := c.builder.BuildMessage(ctx, message, args, Enrich(fields, c.ambientFor(ctx)))
	return c.send(ctx, ev)
}

// CaptureException reports err together with the errors it wraps. It returns
// the event id, or "" when nothing was sent.
func (c *Client) CaptureException(ctx context.Context, err error, fields Fields) string {
	if !c.Enabled() || err == nil {
		return ""
	}
	if Excluded(err, c.cfg.Exclude) {
		c.logger.Debug("Error type excluded", zap.String("type", errorType(err)))
		return ""
	}
	defer c.recoverCapture()

	ev := c.builder.BuildException(ctx, err, Enrich(fields, c.ambientFor(ctx)))
	return c.send(ctx, ev)
}

func (c *Client) ambientFor(ctx context.Context) Ambient {
	if a := AmbientFromContext(ctx); a != nil {
		return a
	}
	return c.ambient
}

func (c *Client) send(ctx context.Context, ev *Event) string {
	c.metrics.IncCapturedEvents(ev.Level)

	if c.sendCallback != nil && !c.sendCallback(ev) {
		c.logger.Debug("Event skipped by send callback", zap.String("event_id", ev.EventID))
		c.metrics.IncVetoedEvents()
		return ""
	}

	req, err := c.encoder.Encode(ev)
	if err != nil {
		c.logger.Error("Failed to encode event",
			zap.String("event_id", ev.EventID),
			zap.Error(err))
		c.metrics.IncDroppedEvents()
		return ""
	}

	outcome := c.sender.Send(ctx, req)
	if c.cfg.Transport.Method == MethodSync {
		c.lastErr.record(outcome)
	}
	if !outcome.Success {
		return ""
	}
	return ev.EventID
}

// capture calls must never take the host down
func (c *Client) recoverCapture() {
	if r := recover(); r != nil {
		c.logger.Error("Capture panicked", zap.Any("panic", r))
	}
}

// LastError returns the most recent synchronous delivery failure as a
// *DeliveryError, or nil when the last attempt succeeded or none was made.
// The value is shared by all goroutines using the client.
func (c *Client) LastError() error {
	return c.lastErr.get()
}

// PanicError carries a recovered panic value that is not an error.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Recover reports a panic in progress at fatal level, flushes pending
// events and panics again. Use it as `defer client.Recover(ctx)`.
func (c *Client) Recover(ctx context.Context) {
	r := recover()
	if r == nil {
		return
	}

	err, ok := r.(error)
	if !ok {
		err = &PanicError{Value: r}
	}
	c.CaptureException(ctx, err, Fields{fieldLevel: "fatal"})

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recoverFlushTimeout)
	defer cancel()
	_ = c.Flush(flushCtx)

	panic(r)
}

// Flush waits until queued events are delivered or given up on.
func (c *Client) Flush(ctx context.Context) error {
	if c.queue == nil {
		return nil
	}
	return c.queue.Flush(ctx)
}

// Close stops delivery and releases the transport and spool. Captures after
// Close are discarded.
func (c *Client) Close(ctx context.Context) error {
	if c.closed.Swap(true) {
		return nil
	}

	var err error
	if c.sender != nil {
		err = multierr.Append(err, c.sender.Close(ctx))
	}
	if c.transport != nil && Sender(c.transport) != c.sender {
		err = multierr.Append(err, c.transport.Close(ctx))
	}
	if c.spool != nil {
		if closeErr := c.spool.Close(); !errors.Is(closeErr, ErrSpoolClosed) {
			err = multierr.Append(err, closeErr)
		}
	}
	return err
}

// Metrics returns a snapshot of the delivery counters.
func (c *Client) Metrics() *TransportMetrics {
	return c.metrics.Snapshot()
}

// MetricsCollector exposes the client's counters to Prometheus.
func (c *Client) MetricsCollector() prometheus.Collector {
	return c.metrics
}

// RateLimiter returns the HTTP rate limiter, or nil for the exec method.
func (c *Client) RateLimiter() *RateLimiter {
	if c.transport == nil {
		return nil
	}
	return c.transport.GetRateLimiter()
}

// ReplaySpool moves spooled events back into the async queue.
func (c *Client) ReplaySpool() (int, error) {
	if c.queue == nil || c.spool == nil || c.spool.Len() == 0 {
		return 0, nil
	}
	return c.queue.ReplaySpool(c.spool)
}

// Method returns the delivery method in use.
func (c *Client) Method() string {
	return c.cfg.Transport.Method
}

// Status reports the delivery state: counters, queue, retry policy, active
// rate limits and spool size. Parts the method does not use are omitted.
func (c *Client) Status() map[string]any {
	status := map[string]any{
		"method":  c.cfg.Transport.Method,
		"enabled": c.Enabled(),
		"metrics": c.metrics.Snapshot(),
	}
	if c.queue != nil {
		status["queue"] = c.queue.GetStatus()
	}
	if c.retryMgr != nil {
		status["retry"] = c.retryMgr.GetRetryStats()
	}
	if rl := c.RateLimiter(); rl != nil {
		status["rate_limits"] = rl.GetStatus()
	}
	if c.spool != nil {
		status["spooled"] = c.spool.Len()
	}
	return status
}
