package monitor

import (
	"errors"
	"testing"
	"time"
)

type memoryDeadLetter struct {
	reqs []*Request
	err  error
}

func (m *memoryDeadLetter) Put(req *Request) error {
	if m.err != nil {
		return m.err
	}
	m.reqs = append(m.reqs, req)
	return nil
}

func testRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Second,
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		want    bool
	}{
		{"success", Outcome{Success: true, StatusCode: 200}, false},
		{"network error", Outcome{Error: "dial tcp: refused"}, true},
		{"server error", Outcome{StatusCode: 503}, true},
		{"rate limit", Outcome{StatusCode: 429, RateLimit: true}, true},
		{"bad request", Outcome{StatusCode: 400}, false},
		{"unauthorized", Outcome{StatusCode: 401}, false},
	}
	for _, tt := range tests {
		if got := Retryable(&tt.outcome); got != tt.want {
			t.Errorf("Retryable(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCalculateBackoff(t *testing.T) {
	rm := NewRetryManager(testRetryConfig(), nil, nil, nil)

	if got := rm.CalculateBackoff(0); got != time.Second {
		t.Errorf("CalculateBackoff(0) = %v, want %v", got, time.Second)
	}

	for i := 0; i < 100; i++ {
		for attempts, base := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second} {
			got := rm.CalculateBackoff(attempts)
			low, high := base*3/4, base*5/4
			if got < low || got > high {
				t.Fatalf("CalculateBackoff(%d) = %v, want within [%v, %v]", attempts, got, low, high)
			}
		}
		if got := rm.CalculateBackoff(10); got > 5*time.Second {
			t.Fatalf("CalculateBackoff(10) = %v, want at most MaxBackoff", got)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	dl := &memoryDeadLetter{}
	rm := NewRetryManager(testRetryConfig(), nil, nil, dl)
	event := &QueuedEvent{Request: &Request{EventID: "e1"}}

	if !rm.ShouldRetry(event, &Outcome{StatusCode: 500}) {
		t.Error("ShouldRetry(500, first attempt) = false")
	}

	if rm.ShouldRetry(event, &Outcome{StatusCode: 400}) {
		t.Error("ShouldRetry(400) = true")
	}
	if len(dl.reqs) != 0 {
		t.Error("rejected event went to the dead letter store")
	}
	if got := rm.metrics.droppedEvents.Load(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}

	event.Attempts = 3
	if rm.ShouldRetry(event, &Outcome{StatusCode: 500}) {
		t.Error("ShouldRetry() after MaxAttempts = true")
	}
	if len(dl.reqs) != 1 || dl.reqs[0].EventID != "e1" {
		t.Errorf("dead letter = %v, want the exhausted event", dl.reqs)
	}
	if got := rm.metrics.deadLetterEvents.Load(); got != 1 {
		t.Errorf("dead letter count = %d, want 1", got)
	}
}

func TestShouldRetryDeadLetterFailure(t *testing.T) {
	dl := &memoryDeadLetter{err: errors.New("disk full")}
	rm := NewRetryManager(testRetryConfig(), nil, nil, dl)

	event := &QueuedEvent{Request: &Request{EventID: "e1"}, Attempts: 3}
	rm.ShouldRetry(event, &Outcome{StatusCode: 502})

	if got := rm.metrics.droppedEvents.Load(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestScheduleRetry(t *testing.T) {
	rm := NewRetryManager(testRetryConfig(), nil, nil, nil)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rm.now = func() time.Time { return now }

	event := &QueuedEvent{Request: &Request{EventID: "e1"}}
	rm.ScheduleRetry(event, time.Time{})

	if event.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", event.Attempts)
	}
	if d := event.NextRetry.Sub(now); d < 750*time.Millisecond || d > 1250*time.Millisecond {
		t.Errorf("NextRetry in %v, want about 1s", d)
	}
	if rm.IsRetryTime(event) {
		t.Error("IsRetryTime() = true before the backoff elapsed")
	}

	// a rate limit pushes the retry further out
	notBefore := now.Add(time.Minute)
	rm.ScheduleRetry(event, notBefore)
	if !event.NextRetry.Equal(notBefore) {
		t.Errorf("NextRetry = %v, want %v", event.NextRetry, notBefore)
	}

	now = notBefore
	if !rm.IsRetryTime(event) {
		t.Error("IsRetryTime() = false once the time has come")
	}
	if got := rm.metrics.retries.Load(); got != 2 {
		t.Errorf("retries = %d, want 2", got)
	}
}
