package monitor

import (
	"context"
	"fmt"
	"strings"
)

// Handler forwards log records at or above a minimum level to a Client.
type Handler struct {
	client *Client
	level  Level
}

// NewHandler creates a handler for client. An empty minLevel means debug.
func NewHandler(client *Client, minLevel string) (*Handler, error) {
	if minLevel == "" {
		minLevel = LevelDebug.String()
	}
	level, err := ParseLevel(minLevel)
	if err != nil {
		return nil, err
	}
	return &Handler{client: client, level: level}, nil
}

// Enabled reports whether records at level are forwarded. Unknown level
// names count as error.
func (h *Handler) Enabled(level string) bool {
	return recordLevel(level) >= h.level
}

// Log forwards one record. An error message is captured as an exception,
// anything else as a message. It returns the event id, or "" when the record
// was filtered out or not sent.
func (h *Handler) Log(ctx context.Context, level string, msg any, fields Fields) string {
	if !h.Enabled(level) {
		return ""
	}

	record := make(Fields, len(fields)+1)
	for k, v := range fields {
		record[k] = v
	}
	record[fieldLevel] = strings.ToLower(strings.TrimSpace(level))

	if err, ok := msg.(error); ok {
		return h.client.CaptureException(ctx, err, record)
	}
	return h.client.CaptureMessage(ctx, fmt.Sprint(msg), nil, record)
}

func recordLevel(name string) Level {
	level, err := ParseLevel(name)
	if err != nil {
		return LevelError
	}
	return level
}
