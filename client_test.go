package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newSyncClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	cfg := &Config{
		DSN:         strings.Replace(url, "://", "://pub:sec@", 1) + "/42",
		Environment: "test",
		ServerName:  "web-1",
		Transport:   TransportConfig{Method: MethodSync},
	}
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	c, err := NewClient(cfg, opts...)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func decodeReceived(t *testing.T, m *mockCollector) []*Event {
	t.Helper()
	var events []*Event
	for _, r := range m.received() {
		ev, err := DecodeBody(r.Body)
		if err != nil {
			t.Fatalf("DecodeBody() error = %v", err)
		}
		events = append(events, ev)
	}
	return events
}

func TestClientCaptureCyclicExtra(t *testing.T) {
	collector := newMockCollector(http.StatusOK)
	srv := httptest.NewServer(collector)
	defer srv.Close()
	c := newSyncClient(t, srv.URL)

	self := map[string]any{"a": 1}
	self["self"] = self

	id := c.CaptureMessage(context.Background(), "loop %v", []any{self}, Fields{
		"extra": map[string]any{"loop": self},
		"tags":  map[string]any{"loop": self},
	})
	if id == "" {
		t.Fatalf("CaptureMessage() = empty id, LastError() = %v", c.LastError())
	}

	events := decodeReceived(t, collector)
	if len(events) != 1 {
		t.Fatalf("collector received %d events, want 1", len(events))
	}
	loop := events[0].Extra["loop"].(map[string]any)
	if loop["self"] != cycleValue {
		t.Errorf("extra.loop.self = %v, want %q", loop["self"], cycleValue)
	}
	if !strings.Contains(events[0].Tags["loop"], cycleValue) {
		t.Errorf("tags.loop = %q, want the cycle replaced", events[0].Tags["loop"])
	}
}

func TestClientWithoutDSNIsNoop(t *testing.T) {
	c, err := NewClient(&Config{})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if c.Enabled() {
		t.Error("Enabled() = true without a DSN")
	}
	if id := c.CaptureMessage(context.Background(), "hello", nil, nil); id != "" {
		t.Errorf("CaptureMessage() = %q, want empty", id)
	}
	if id := c.CaptureException(context.Background(), errors.New("boom"), nil); id != "" {
		t.Errorf("CaptureException() = %q, want empty", id)
	}
	if err := c.LastError(); err != nil {
		t.Errorf("LastError() = %v, want nil", err)
	}
	if err := c.Close(context.Background()); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestClientInvalidDSN(t *testing.T) {
	c, err := NewClient(&Config{DSN: "ftp://pub@collector.example/1"})
	if !errors.Is(err, ErrInvalidEndpoint) {
		t.Fatalf("NewClient() error = %v, want ErrInvalidEndpoint", err)
	}
	if c == nil || c.Enabled() {
		t.Fatal("NewClient() with a bad DSN did not return a disabled client")
	}
	if id := c.CaptureMessage(context.Background(), "hello", nil, nil); id != "" {
		t.Errorf("CaptureMessage() = %q, want empty", id)
	}
}

func TestClientSyncLastError(t *testing.T) {
	collector := newMockCollector(http.StatusOK)
	srv := httptest.NewServer(collector)
	defer srv.Close()

	c := newSyncClient(t, srv.URL)
	ctx := context.Background()

	if id := c.CaptureMessage(ctx, "ok", nil, nil); id == "" {
		t.Error("CaptureMessage() = empty id on success")
	}
	if err := c.LastError(); err != nil {
		t.Errorf("LastError() after 200 = %v, want nil", err)
	}

	collector.setStatus(http.StatusInternalServerError)
	if id := c.CaptureMessage(ctx, "fails", nil, nil); id != "" {
		t.Errorf("CaptureMessage() = %q on failure, want empty", id)
	}
	err := c.LastError()
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("LastError() after 500 = %v, want *DeliveryError", err)
	}
	if de.StatusCode != http.StatusInternalServerError || de.Message == "" {
		t.Errorf("DeliveryError = %+v", de)
	}

	collector.setStatus(http.StatusOK)
	c.CaptureMessage(ctx, "recovered", nil, nil)
	if err := c.LastError(); err != nil {
		t.Errorf("LastError() after recovery = %v, want nil", err)
	}
}

func TestClientSendCallbackVeto(t *testing.T) {
	collector := newMockCollector(http.StatusInternalServerError)
	srv := httptest.NewServer(collector)
	defer srv.Close()

	veto := false
	c := newSyncClient(t, srv.URL, WithSendCallback(func(ev *Event) bool {
		return !veto
	}))
	ctx := context.Background()

	c.CaptureMessage(ctx, "fails", nil, nil)
	before := c.LastError()
	if before == nil {
		t.Fatal("LastError() = nil after a failed send")
	}

	veto = true
	if id := c.CaptureMessage(ctx, "vetoed", nil, nil); id != "" {
		t.Errorf("CaptureMessage() = %q for a vetoed event, want empty", id)
	}
	if collector.count() != 1 {
		t.Errorf("collector got %d requests, want 1", collector.count())
	}
	if c.LastError() != before {
		t.Errorf("LastError() = %v after veto, want it untouched (%v)", c.LastError(), before)
	}
	if got := c.metrics.vetoedEvents.Load(); got != 1 {
		t.Errorf("vetoed = %d, want 1", got)
	}
}

func TestClientCaptureMessagePayload(t *testing.T) {
	collector := newMockCollector(http.StatusOK)
	srv := httptest.NewServer(collector)
	defer srv.Close()

	c := newSyncClient(t, srv.URL)
	c.CaptureMessage(context.Background(), "disk full", nil, Fields{
		"tags": map[string]string{"service": "api"},
	})

	events := decodeReceived(t, collector)
	if len(events) != 1 {
		t.Fatalf("collector got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Message != "disk full" {
		t.Errorf("message = %q, want %q", ev.Message, "disk full")
	}
	if ev.Tags["service"] != "api" {
		t.Errorf("tags.service = %q, want %q", ev.Tags["service"], "api")
	}
	if env, ok := ev.Tags["environment"]; !ok || env != "test" {
		t.Errorf("tags.environment = %q (present %v), want %q", env, ok, "test")
	}
	if ev.Tags["server"] != "web-1" {
		t.Errorf("tags.server = %q, want %q", ev.Tags["server"], "web-1")
	}

	reqs := collector.received()
	if reqs[0].Path != "/42/store" {
		t.Errorf("path = %q, want %q", reqs[0].Path, "/42/store")
	}
	if !strings.HasPrefix(reqs[0].Headers.Get("X-Sentry-Auth"), "Sentry sentry_version=6") {
		t.Errorf("X-Sentry-Auth = %q", reqs[0].Headers.Get("X-Sentry-Auth"))
	}
}

func TestClientCaptureExceptionFrames(t *testing.T) {
	collector := newMockCollector(http.StatusOK)
	srv := httptest.NewServer(collector)
	defer srv.Close()

	c := newSyncClient(t, srv.URL)
	id := c.CaptureException(context.Background(), fmt.Errorf("save: %w", &diskError{Path: "/data"}), nil)
	if id == "" {
		t.Fatal("CaptureException() = empty id")
	}

	ev := decodeReceived(t, collector)[0]
	if ev.EventID != id {
		t.Errorf("event_id = %q, want %q", ev.EventID, id)
	}
	if ev.Level != "error" {
		t.Errorf("level = %q, want %q", ev.Level, "error")
	}
	values := ev.Exception.Values
	st := values[len(values)-1].Stacktrace
	if st == nil || len(st.Frames) == 0 {
		t.Fatal("exception has no stack frames")
	}
	f := st.Frames[len(st.Frames)-1]
	if f.Filename != "client_test.go" || f.Lineno == 0 || f.Function != "TestClientCaptureExceptionFrames" {
		t.Errorf("innermost frame = %+v, want this test", f)
	}
}

func TestClientExclude(t *testing.T) {
	collector := newMockCollector(http.StatusOK)
	srv := httptest.NewServer(collector)
	defer srv.Close()

	cfg := &Config{
		DSN:       strings.Replace(srv.URL, "://", "://pub@", 1) + "/42",
		Exclude:   []string{"*monitor.diskError"},
		Transport: TransportConfig{Method: MethodSync},
	}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close(context.Background())

	if id := c.CaptureException(context.Background(), fmt.Errorf("x: %w", &diskError{}), nil); id != "" {
		t.Errorf("CaptureException() = %q for an excluded type, want empty", id)
	}
	if collector.count() != 0 {
		t.Errorf("collector got %d requests, want 0", collector.count())
	}
}

func TestClientAmbientFromContext(t *testing.T) {
	collector := newMockCollector(http.StatusOK)
	srv := httptest.NewServer(collector)
	defer srv.Close()

	c := newSyncClient(t, srv.URL)
	ctx := WithAmbient(context.Background(), StaticAmbient{
		Env:      "production",
		HostName: "shop.example",
		IP:       "203.0.113.9",
		ID:       "sess-9",
		Data:     map[string]any{"cart": "3 items"},
	})
	c.CaptureMessage(ctx, "checkout", nil, nil)

	ev := decodeReceived(t, collector)[0]
	if ev.Tags["environment"] != "production" || ev.Environment != "production" {
		t.Errorf("environment tag = %q, event = %q", ev.Tags["environment"], ev.Environment)
	}
	if ev.Extra["ip"] != "203.0.113.9" {
		t.Errorf("extra.ip = %v", ev.Extra["ip"])
	}
	if ev.User["id"] != "sess-9" {
		t.Errorf("user.id = %v, want %q", ev.User["id"], "sess-9")
	}
}

func TestClientCallbackPanicIsContained(t *testing.T) {
	srv := httptest.NewServer(newMockCollector(http.StatusOK))
	defer srv.Close()

	c := newSyncClient(t, srv.URL, WithSendCallback(func(*Event) bool { panic("callback bug") }))

	if id := c.CaptureMessage(context.Background(), "hello", nil, nil); id != "" {
		t.Errorf("CaptureMessage() = %q, want empty after a contained panic", id)
	}
}

// The last error register is shared: an earlier failure is hidden by any
// later success, whichever goroutine produced it.
func TestClientLastErrorIsLastWriteWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ev, err := DecodeBody(body)
		if err == nil && ev.Message == "fail" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newSyncClient(t, srv.URL)
	ctx := context.Background()

	c.CaptureMessage(ctx, "fail", nil, nil)
	c.CaptureMessage(ctx, "ok", nil, nil)
	if err := c.LastError(); err != nil {
		t.Errorf("LastError() = %v, want the earlier failure overwritten", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := "ok"
			if i%2 == 0 {
				msg = "fail"
			}
			c.CaptureMessage(ctx, msg, nil, nil)
		}(i)
	}
	wg.Wait()

	// either outcome may be the one left behind
	if err := c.LastError(); err != nil {
		var de *DeliveryError
		if !errors.As(err, &de) || de.StatusCode != http.StatusInternalServerError {
			t.Errorf("LastError() = %v, want nil or a 500 DeliveryError", err)
		}
	}
}

func TestClientAsync(t *testing.T) {
	collector := newMockCollector(http.StatusOK)
	srv := httptest.NewServer(collector)
	defer srv.Close()

	cfg := &Config{
		DSN:   strings.Replace(srv.URL, "://", "://pub@", 1) + "/42",
		Queue: QueueConfig{BatchTimeout: 10 * time.Millisecond},
	}
	c, err := NewClient(cfg, WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	if c.Method() != MethodAsync {
		t.Fatalf("Method() = %q, want the async default", c.Method())
	}

	ids := map[string]bool{}
	for i := 0; i < 5; i++ {
		id := c.CaptureMessage(context.Background(), fmt.Sprintf("event %d", i), nil, nil)
		if id == "" {
			t.Fatalf("CaptureMessage() = empty id for a queued event")
		}
		ids[id] = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	for _, ev := range decodeReceived(t, collector) {
		delete(ids, ev.EventID)
	}
	if len(ids) != 0 {
		t.Errorf("events never delivered: %v", ids)
	}

	status := c.Status()
	for _, key := range []string{"queue", "retry", "rate_limits", "metrics"} {
		if _, ok := status[key]; !ok {
			t.Errorf("Status() has no %q entry: %v", key, status)
		}
	}
	if _, ok := status["spooled"]; ok {
		t.Errorf("Status() reports a spool that is not configured")
	}
	if err := c.Close(ctx); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if id := c.CaptureMessage(context.Background(), "late", nil, nil); id != "" {
		t.Errorf("CaptureMessage() after Close = %q, want empty", id)
	}
}

func TestClientAsyncSpoolsAndReplays(t *testing.T) {
	collector := newMockCollector(http.StatusServiceUnavailable)
	srv := httptest.NewServer(collector)
	defer srv.Close()

	cfg := &Config{
		DSN:   strings.Replace(srv.URL, "://", "://pub@", 1) + "/42",
		Queue: QueueConfig{BatchTimeout: 10 * time.Millisecond},
		Retry: RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		Spool: SpoolConfig{Dir: t.TempDir()},
	}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close(context.Background())

	c.CaptureMessage(context.Background(), "kept for later", nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if got := c.spool.Len(); got != 1 {
		t.Fatalf("spool holds %d events, want 1", got)
	}

	collector.setStatus(http.StatusOK)
	n, err := c.ReplaySpool()
	if err != nil || n != 1 {
		t.Fatalf("ReplaySpool() = %d, %v; want 1, nil", n, err)
	}
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	events := decodeReceived(t, collector)
	if last := events[len(events)-1]; last.Message != "kept for later" {
		t.Errorf("last delivered message = %q, want the spooled one", last.Message)
	}
	if c.spool.Len() != 0 {
		t.Errorf("spool holds %d events after replay, want 0", c.spool.Len())
	}
}

func TestClientExec(t *testing.T) {
	truePath, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true binary not available")
	}

	cfg := &Config{
		DSN:       "https://pub@collector.invalid/42",
		Transport: TransportConfig{Method: MethodExec, CurlPath: truePath},
	}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}

	if id := c.CaptureMessage(context.Background(), "fire and forget", nil, nil); id == "" {
		t.Error("CaptureMessage() = empty id, want success from exec")
	}
	if err := c.LastError(); err != nil {
		t.Errorf("LastError() = %v, exec never records failures", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestClientWithSender(t *testing.T) {
	sender := &recordingSender{}
	cfg := &Config{DSN: "https://pub@collector.invalid/42", Transport: TransportConfig{Method: MethodSync}}
	c, err := NewClient(cfg, WithSender(sender))
	if err != nil {
		t.Fatal(err)
	}

	c.CaptureMessage(context.Background(), "via sender", nil, nil)
	if len(sender.reqs) != 1 || sender.reqs[0].URL != "https://collector.invalid/42/store" {
		t.Errorf("sender got %+v", sender.reqs)
	}
}

type recordingSender struct {
	reqs []*Request
}

func (s *recordingSender) Send(_ context.Context, req *Request) *Outcome {
	s.reqs = append(s.reqs, req)
	return &Outcome{Success: true, EventID: req.EventID}
}

func (s *recordingSender) Close(context.Context) error { return nil }

func TestClientRecover(t *testing.T) {
	collector := newMockCollector(http.StatusOK)
	srv := httptest.NewServer(collector)
	defer srv.Close()

	c := newSyncClient(t, srv.URL)

	var repanicked any
	func() {
		defer func() { repanicked = recover() }()
		defer c.Recover(context.Background())
		panic("out of cheese")
	}()

	if repanicked != "out of cheese" {
		t.Errorf("recovered %v, want the recovered value", repanicked)
	}

	events := decodeReceived(t, collector)
	if len(events) != 1 {
		t.Fatalf("collector got %d events, want 1", len(events))
	}
	ev := events[0]
	if ev.Level != "fatal" {
		t.Errorf("level = %q, want %q", ev.Level, "fatal")
	}
	if ev.Message != "panic: out of cheese" {
		t.Errorf("message = %q, want %q", ev.Message, "panic: out of cheese")
	}
}

func TestClientRecoverWithoutPanic(t *testing.T) {
	c, _ := NewClient(&Config{})
	func() {
		defer c.Recover(context.Background())
	}()
}
