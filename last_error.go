package monitor

import (
	"fmt"
	"sync"
)

// DeliveryError describes a failed synchronous delivery.
type DeliveryError struct {
	EventID    string
	StatusCode int // 0 when no response was received
	Message    string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of event %s failed: %s", e.EventID, e.Message)
}

// lastError is a last-write-wins register shared by every capture on a
// client. Concurrent captures overwrite each other's result, so it only
// tells which outcome was recorded last, not which call produced it.
type lastError struct {
	mu  sync.Mutex
	err *DeliveryError
}

func (l *lastError) record(o *Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if o.Success {
		l.err = nil
		return
	}
	l.err = &DeliveryError{EventID: o.EventID, StatusCode: o.StatusCode, Message: o.Error}
}

func (l *lastError) get() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.err == nil {
		return nil
	}
	return l.err
}
