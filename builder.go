package monitor

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const (
	timestampFormat   = "2006-01-02T15:04:05"
	maxExceptionDepth = 10
)

// Builder turns captures into Events using the client's static settings.
type Builder struct {
	cfg *Config
	dsn *DSN
	now func() time.Time
}

// NewBuilder creates a builder. dsn may be nil.
func NewBuilder(cfg *Config, dsn *DSN) *Builder {
	return &Builder{cfg: cfg, dsn: dsn, now: time.Now}
}

// BuildMessage builds an event from a log message. When args are given the
// message is treated as a fmt format string.
func (b *Builder) BuildMessage(ctx context.Context, message string, args []any, fields Fields) *Event {
	ev := b.base(ctx, fields)

	formatted := message
	if len(args) > 0 {
		formatted = fmt.Sprintf(message, sanitizeArgs(args)...)
	}
	ev.Message = truncate(formatted, b.cfg.MessageLimit)
	ev.MessageInterface = &MessageInterface{
		Message: truncate(message, b.cfg.MessageLimit),
		Params:  args,
	}

	if b.cfg.AutoLogStacks {
		ev.Stacktrace = callerStack()
		ev.Culprit = culprit(ev.Stacktrace)
	}

	return ev
}

// BuildException builds an event from err and the errors it wraps.
func (b *Builder) BuildException(ctx context.Context, err error, fields Fields) *Event {
	ev := b.base(ctx, fields)
	if _, ok := fields[fieldLevel]; !ok {
		ev.Level = "error"
	}

	chain := unwrapChain(err)
	values := make([]ExceptionValue, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		values = append(values, ExceptionValue{
			Type:   errorType(chain[i]),
			Value:  chain[i].Error(),
			Module: errorModule(chain[i]),
		})
	}

	st := errorStack(err)
	if st == nil {
		st = callerStack()
	}
	values[len(values)-1].Stacktrace = st

	ev.Exception = &Exception{Values: values}
	ev.Message = truncate(err.Error(), b.cfg.MessageLimit)
	ev.Culprit = culprit(st)

	return ev
}

func (b *Builder) base(ctx context.Context, fields Fields) *Event {
	ev := &Event{
		EventID:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		Timestamp:   b.now().UTC().Format(timestampFormat),
		Logger:      b.cfg.Logger,
		Level:       "info",
		Platform:    "go",
		ServerName:  b.cfg.ServerName,
		Site:        b.cfg.Site,
		Release:     b.cfg.Release,
		Environment: b.cfg.Environment,
		SDK:         SDKInfo{Name: ClientName, Version: Version},
	}
	if lvl, ok := fields[fieldLevel]; ok {
		ev.Level = collectorLevel(fmt.Sprint(lvl))
	}
	if b.dsn != nil {
		ev.Project = b.dsn.ProjectID
	}

	tags := make(map[string]string, len(b.cfg.Tags))
	for k, v := range b.cfg.Tags {
		tags[k] = v
	}
	for k, v := range asStringMap(fields[fieldTags]) {
		tags[k] = v
	}
	if len(tags) > 0 {
		ev.Tags = tags
	}
	if env := tags["environment"]; env != "" {
		ev.Environment = env
	}

	extra := copyMap(b.cfg.Extra)
	if extra == nil {
		extra = make(map[string]any)
	}
	for k, v := range asMap(fields[fieldExtra]) {
		extra[k] = v
	}
	if len(extra) > 0 {
		ev.Extra = extra
	}

	if user := userMap(fields[fieldUser]); len(user) > 0 {
		ev.User = copyMap(user)
	}

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		ev.Contexts = map[string]any{
			"trace": map[string]string{
				"trace_id": sc.TraceID().String(),
				"span_id":  sc.SpanID().String(),
			},
		}
	}

	return ev
}

// Excluded reports whether err, or an error it wraps, has a type listed in exclude.
func Excluded(err error, exclude []string) bool {
	if len(exclude) == 0 {
		return false
	}
	for _, e := range unwrapChain(err) {
		t := errorType(e)
		for _, name := range exclude {
			if name == t {
				return true
			}
		}
	}
	return false
}

func unwrapChain(err error) []error {
	chain := []error{err}
	for len(chain) < maxExceptionDepth {
		next := errors.Unwrap(chain[len(chain)-1])
		if next == nil {
			break
		}
		chain = append(chain, next)
	}
	return chain
}

// typedError lets errors that did not originate in Go report their own type name.
type typedError interface {
	ExceptionType() string
}

func errorType(err error) string {
	if te, ok := err.(typedError); ok && te.ExceptionType() != "" {
		return te.ExceptionType()
	}
	return reflect.TypeOf(err).String()
}

func errorModule(err error) string {
	if _, ok := err.(typedError); ok {
		return ""
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.PkgPath()
}

// truncate caps s at limit bytes without splitting a rune. limit <= 0 means no cap.
func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
