package monitor

import (
	"time"
)

// Event is a single record sent to the collector. It is built per capture
// call and only read once handed to a Sender.
type Event struct {
	EventID     string            `json:"event_id"`
	Project     string            `json:"project,omitempty"`
	Timestamp   string            `json:"timestamp"`
	Logger      string            `json:"logger"`
	Level       string            `json:"level"`
	Platform    string            `json:"platform"`
	Message     string            `json:"message"`
	Culprit     string            `json:"culprit,omitempty"`
	ServerName  string            `json:"server_name,omitempty"`
	Site        string            `json:"site,omitempty"`
	Release     string            `json:"release,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	Extra       map[string]any    `json:"extra,omitempty"`
	User        map[string]any    `json:"user,omitempty"`
	Contexts    map[string]any    `json:"contexts,omitempty"`
	SDK         SDKInfo           `json:"sdk"`

	MessageInterface *MessageInterface `json:"sentry.interfaces.Message,omitempty"`
	Exception        *Exception        `json:"exception,omitempty"`
	Stacktrace       *Stacktrace       `json:"stacktrace,omitempty"`
}

// SDKInfo names the client that produced an event.
type SDKInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MessageInterface keeps the unformatted message and its parameters.
type MessageInterface struct {
	Message string `json:"message"`
	Params  []any  `json:"params,omitempty"`
}

// Exception holds one value per error in an unwrap chain, innermost first.
type Exception struct {
	Values []ExceptionValue `json:"values"`
}

// ExceptionValue describes one error.
type ExceptionValue struct {
	Type       string      `json:"type"`
	Value      string      `json:"value"`
	Module     string      `json:"module,omitempty"`
	Stacktrace *Stacktrace `json:"stacktrace,omitempty"`
}

// Stacktrace lists frames oldest call first.
type Stacktrace struct {
	Frames []Frame `json:"frames"`
}

// Frame is a single stack frame.
type Frame struct {
	Filename string `json:"filename"`
	AbsPath  string `json:"abs_path,omitempty"`
	Function string `json:"function"`
	Module   string `json:"module,omitempty"`
	Lineno   int    `json:"lineno"`
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Success    bool   `json:"success"`
	EventID    string `json:"event_id"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	RateLimit  bool   `json:"rate_limit,omitempty"`
}

// Request is an encoded event ready to be posted.
type Request struct {
	EventID string            `json:"event_id"`
	URL     string            `json:"url"`
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// QueuedEvent represents a request waiting in the async queue
type QueuedEvent struct {
	Request     *Request
	Attempts    int
	LastAttempt time.Time
	NextRetry   time.Time
}

// TransportMetrics is a snapshot of delivery counters.
type TransportMetrics struct {
	EventsSent      int64
	EventsFailed    int64
	EventsRateLimit int64
	EventsDropped   int64
	QueueLength     int
	TotalRetries    int64
}
