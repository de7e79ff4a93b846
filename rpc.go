package monitor

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// RPC exposes the client to RoadRunner workers
type RPC struct {
	client  *Client
	handler *Handler
	logger  *zap.Logger
}

// CaptureRequest is one log record or error sent by a worker. Exception is
// set when the worker reports an exception instead of a message. Ambient
// carries the session and request details of the worker's current request.
type CaptureRequest struct {
	Level     string           `json:"level"`
	Message   string           `json:"message"`
	Exception *RemoteException `json:"exception,omitempty"`
	Fields    Fields           `json:"fields,omitempty"`
	Ambient   *StaticAmbient   `json:"ambient,omitempty"`
}

// RemoteException describes an exception raised in a worker process.
// Frames are listed oldest call first.
type RemoteException struct {
	Type   string  `json:"type"`
	Value  string  `json:"value"`
	Frames []Frame `json:"frames,omitempty"`
}

func (e *RemoteException) Error() string {
	return e.Value
}

// ExceptionType reports the worker's exception class as the error type.
func (e *RemoteException) ExceptionType() string {
	return e.Type
}

// StackFrames returns the frames captured by the worker.
func (e *RemoteException) StackFrames() []Frame {
	return e.Frames
}

// CaptureResult is the reply to Capture.
type CaptureResult struct {
	EventID string `json:"event_id"`
}

// LastErrorResult is the reply to LastError.
type LastErrorResult struct {
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

// NewRPC creates a new RPC instance. Records pass through handler, so its
// minimum level applies to every worker record.
func NewRPC(handler *Handler, logger *zap.Logger) *RPC {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RPC{
		client:  handler.client,
		handler: handler,
		logger:  logger,
	}
}

// Capture reports one record. Records below the minimum level, and records
// the client does not send, still succeed with an empty event id. Without a
// level, messages count as info and exceptions as error.
func (r *RPC) Capture(in *CaptureRequest, out *CaptureResult) error {
	ctx := context.Background()
	if in.Ambient != nil {
		ctx = WithAmbient(ctx, *in.Ambient)
	}

	level := in.Level
	if level == "" {
		if l, ok := in.Fields[fieldLevel].(string); ok {
			level = l
		}
	}

	var msg any = in.Message
	if in.Exception != nil {
		msg = in.Exception
		if level == "" {
			level = LevelError.String()
		}
	} else if level == "" {
		level = LevelInfo.String()
	}

	out.EventID = r.handler.Log(ctx, level, msg, in.Fields)

	r.logger.Debug("Captured event via RPC",
		zap.String("event_id", out.EventID),
		zap.String("level", level),
		zap.Bool("exception", in.Exception != nil))

	return nil
}

// LastError returns the most recent synchronous delivery failure.
func (r *RPC) LastError(_ bool, out *LastErrorResult) error {
	err := r.client.LastError()
	if err == nil {
		*out = LastErrorResult{}
		return nil
	}
	out.Error = err.Error()
	var de *DeliveryError
	if errors.As(err, &de) {
		out.StatusCode = de.StatusCode
	}
	return nil
}

// Status returns the client's delivery state.
func (r *RPC) Status(_ bool, out *map[string]any) error {
	*out = r.client.Status()
	return nil
}
