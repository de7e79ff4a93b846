package monitor

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// eventCategory is the rate limit category for everything posted to the store endpoint.
const eventCategory = "error"

const maxErrorBody = 512

// Sender delivers encoded requests using one of the delivery methods.
type Sender interface {
	Send(ctx context.Context, req *Request) *Outcome
	Close(ctx context.Context) error
}

// HTTPTransport posts requests to the collector and waits for the response.
type HTTPTransport struct {
	config      *TransportConfig
	client      *http.Client
	fallback    *http.Client // trusts the configured CA bundle; nil when none
	logger      *zap.Logger
	rateLimiter *RateLimiter
	metrics     *metricsCollector
}

// NewHTTPTransport creates the synchronous transport.
func NewHTTPTransport(config *TransportConfig, logger *zap.Logger, metrics *metricsCollector) (*HTTPTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = newMetricsCollector()
	}

	client, err := newHTTPClient(config, &tls.Config{InsecureSkipVerify: !config.verifySSL()})
	if err != nil {
		return nil, err
	}

	t := &HTTPTransport{
		config:      config,
		client:      client,
		logger:      logger,
		rateLimiter: NewRateLimiter(logger),
		metrics:     metrics,
	}

	if config.verifySSL() && config.CACert != "" {
		pool, err := loadCABundle(config.CACert)
		if err != nil {
			return nil, err
		}
		t.fallback, err = newHTTPClient(config, &tls.Config{RootCAs: pool})
		if err != nil {
			return nil, err
		}
	}

	return t, nil
}

func newHTTPClient(config *TransportConfig, tlsConfig *tls.Config) (*http.Client, error) {
	dialer := &net.Dialer{Timeout: config.Timeout, KeepAlive: 30 * time.Second}

	transport := &http.Transport{
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     tlsConfig,
		DialContext:         dialer.DialContext,
	}

	if config.ForceIPv4 {
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if network == "tcp" {
				network = "tcp4"
			}
			return dialer.DialContext(ctx, network, addr)
		}
	}

	// Configure proxy if specified
	if config.Proxy != "" {
		proxyURL, err := url.Parse(config.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	var rt http.RoundTripper = transport
	if config.Tracing {
		rt = otelhttp.NewTransport(transport,
			otelhttp.WithTracerProvider(otel.GetTracerProvider()),
			otelhttp.WithPropagators(otel.GetTextMapPropagator()))
	}

	return &http.Client{
		Transport: rt,
		Timeout:   config.Timeout,
	}, nil
}

func loadCABundle(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in CA bundle %s", path)
	}
	return pool, nil
}

// Send posts req and blocks until the collector answers or the timeout expires.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) *Outcome {
	if t.rateLimiter.IsRateLimited(eventCategory) {
		disabledUntil := t.rateLimiter.GetDisabledUntil(eventCategory)
		t.logger.Warn("Event rate limited",
			zap.String("event_id", req.EventID),
			zap.Time("disabled_until", disabledUntil))
		t.metrics.IncRateLimitedEvents()

		return &Outcome{
			EventID:   req.EventID,
			RateLimit: true,
			Error:     fmt.Sprintf("rate limited until %s", disabledUntil.Format(time.RFC3339)),
		}
	}

	outcome := t.post(ctx, req)
	switch {
	case outcome.Success:
		t.metrics.IncSuccessfulEvents()
	case outcome.RateLimit:
		t.metrics.IncRateLimitedEvents()
	default:
		t.metrics.IncFailedEvents()
	}
	return outcome
}

// ProcessEvent implements EventProcessor for the async queue.
func (t *HTTPTransport) ProcessEvent(ctx context.Context, event *QueuedEvent) *Outcome {
	return t.Send(ctx, event.Request)
}

func (t *HTTPTransport) post(ctx context.Context, req *Request) *Outcome {
	resp, err := t.do(ctx, t.client, req)
	if err != nil && t.fallback != nil && isCertificateError(err) {
		t.logger.Warn("Certificate verification failed, retrying with CA bundle",
			zap.String("event_id", req.EventID),
			zap.String("ca_cert", t.config.CACert),
			zap.Error(err))
		resp, err = t.do(ctx, t.fallback, req)
	}
	if err != nil {
		t.logger.Error("HTTP request failed",
			zap.String("event_id", req.EventID),
			zap.Error(err))
		return &Outcome{
			EventID: req.EventID,
			Error:   err.Error(),
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		t.logger.Warn("Failed to read response body",
			zap.String("event_id", req.EventID),
			zap.Error(err))
	}

	t.rateLimiter.HandleRateLimitHeaders(resp.Header)

	if resp.StatusCode == http.StatusOK {
		t.logger.Debug("Event sent successfully",
			zap.String("event_id", req.EventID))
		return &Outcome{
			Success:    true,
			EventID:    req.EventID,
			StatusCode: resp.StatusCode,
		}
	}

	errorMsg := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	if reason := resp.Header.Get("X-Sentry-Error"); reason != "" {
		errorMsg = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, reason)
	}

	t.logger.Error("Event send failed",
		zap.String("event_id", req.EventID),
		zap.Int("status_code", resp.StatusCode),
		zap.String("error", errorMsg))

	return &Outcome{
		EventID:    req.EventID,
		Error:      errorMsg,
		StatusCode: resp.StatusCode,
		RateLimit:  resp.StatusCode == http.StatusTooManyRequests,
	}
}

func (t *HTTPTransport) do(ctx context.Context, client *http.Client, req *Request) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return client.Do(httpReq)
}

// isCertificateError reports whether err comes from a failed server certificate check.
func isCertificateError(err error) bool {
	var verifyErr *tls.CertificateVerificationError
	var authorityErr x509.UnknownAuthorityError
	var invalidErr x509.CertificateInvalidError
	return errors.As(err, &verifyErr) || errors.As(err, &authorityErr) || errors.As(err, &invalidErr)
}

// GetRateLimiter returns the rate limiter
func (t *HTTPTransport) GetRateLimiter() *RateLimiter {
	return t.rateLimiter
}

// Close closes the transport
func (t *HTTPTransport) Close(context.Context) error {
	t.client.CloseIdleConnections()
	if t.fallback != nil {
		t.fallback.CloseIdleConnections()
	}
	return nil
}
