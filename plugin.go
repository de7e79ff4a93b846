package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/roadrunner-server/endure/v2/dep"
	"github.com/roadrunner-server/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const maintenanceInterval = time.Minute

// Plugin hosts one Client inside a RoadRunner server.
type Plugin struct {
	config  *Config
	logger  *zap.Logger
	client  *Client
	handler *Handler

	// Lifecycle
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Logger interface for logger plugin
type Logger interface {
	NamedLogger(name string) *zap.Logger
}

// Capturer is what other plugins receive through Provides.
type Capturer interface {
	CaptureMessage(ctx context.Context, message string, args []any, fields Fields) string
	CaptureException(ctx context.Context, err error, fields Fields) string
	LastError() error
}

// Init initializes the plugin
func (p *Plugin) Init(cfg Configurer, log Logger) error {
	const op = errors.Op("lehter_monitor_init")

	// Check if configuration section exists
	if !cfg.Has(PluginName) {
		return errors.E(op, errors.Disabled)
	}

	config := &Config{}
	if err := cfg.UnmarshalKey(PluginName, config); err != nil {
		return errors.E(op, err)
	}

	config.InitDefaults()
	if err := config.Validate(); err != nil {
		return errors.E(op, err)
	}

	// A configured section without a DSN is a setup mistake
	if config.DSN == "" {
		return errors.E(op, ErrDSNNotConfigured)
	}

	p.config = config
	p.logger = log.NamedLogger(PluginName)

	client, err := NewClient(config, WithLogger(p.logger))
	if err != nil {
		return errors.E(op, err)
	}
	p.client = client

	handler, err := NewHandler(client, config.Level)
	if err != nil {
		_ = client.Close(context.Background())
		return errors.E(op, err)
	}
	p.handler = handler

	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	p.logger.Info("Monitor plugin initialized",
		zap.String("method", config.Transport.Method),
		zap.String("level", config.Level),
		zap.Int("queue_buffer_size", config.Queue.BufferSize),
		zap.Int("workers", config.Queue.Workers),
		zap.Bool("spool", config.Spool.Dir != ""))

	return nil
}

// Serve starts the maintenance routine
func (p *Plugin) Serve() chan error {
	errCh := make(chan error, 1)

	if p.client == nil {
		errCh <- errors.E(errors.Op("lehter_monitor_serve"), "plugin not initialized")
		return errCh
	}

	go func() {
		defer close(p.doneCh)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go p.maintenance(ctx)

		p.logger.Info("Monitor plugin started")
		<-p.stopCh
		p.logger.Info("Monitor plugin stopping")
	}()

	return errCh
}

// Stop flushes pending events and closes the client
func (p *Plugin) Stop(ctx context.Context) error {
	if p.client == nil {
		return nil
	}

	p.stopOnce.Do(func() { close(p.stopCh) })

	var err error
	if flushErr := p.client.Flush(ctx); flushErr != nil {
		p.logger.Warn("Pending events were not flushed", zap.Error(flushErr))
		err = multierr.Append(err, flushErr)
	}
	err = multierr.Append(err, p.client.Close(ctx))

	select {
	case <-p.doneCh:
	case <-ctx.Done():
		p.logger.Warn("Plugin stop timed out")
		err = multierr.Append(err, ctx.Err())
	}

	p.logger.Info("Monitor plugin stopped")
	return err
}

// Name returns the plugin name
func (p *Plugin) Name() string {
	return PluginName
}

// RPC returns the RPC interface
func (p *Plugin) RPC() any {
	return NewRPC(p.handler, p.logger)
}

// Provides returns the dependencies this plugin provides
func (p *Plugin) Provides() []*dep.Out {
	return []*dep.Out{
		dep.Bind((*Capturer)(nil), p.Capturer),
	}
}

// Capturer returns the client as a Capturer
func (p *Plugin) Capturer() Capturer {
	return p.client
}

// MetricsCollector implements the metrics plugin collector contract
func (p *Plugin) MetricsCollector() []prometheus.Collector {
	return []prometheus.Collector{p.client.MetricsCollector()}
}

// maintenance expires old rate limits and replays the spool while the
// collector is reachable.
func (p *Plugin) maintenance(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rl := p.client.RateLimiter(); rl != nil {
				rl.CleanupExpired()
				if rl.IsRateLimited(eventCategory) {
					continue
				}
			}
			if _, err := p.client.ReplaySpool(); err != nil {
				p.logger.Warn("Spool replay failed", zap.Error(err))
			}
		}
	}
}
