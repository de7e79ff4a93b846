package monitor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/klauspost/compress/zlib"
)

// Encoder turns events into request bodies: JSON, zlib, base64.
type Encoder struct {
	dsn      *DSN
	compress bool
	now      func() time.Time
}

// NewEncoder creates an encoder posting to dsn.
func NewEncoder(dsn *DSN, compress bool) *Encoder {
	return &Encoder{dsn: dsn, compress: compress, now: time.Now}
}

// Encode builds the request for ev. Extra and user values that cannot be
// marshaled are replaced by their fmt representation instead of failing.
func (e *Encoder) Encode(ev *Event) (*Request, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		data, err = json.Marshal(sanitized(ev))
		if err != nil {
			return nil, fmt.Errorf("failed to encode event %s: %w", ev.EventID, err)
		}
	}

	if e.compress {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("failed to compress payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("failed to close zlib writer: %w", err)
		}
		data = buf.Bytes()
	}

	body := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(body, data)

	return &Request{
		EventID: ev.EventID,
		URL:     e.dsn.StoreURL,
		Body:    body,
		Headers: map[string]string{
			"User-Agent":    UserAgent(),
			"Content-Type":  "application/octet-stream",
			"X-Sentry-Auth": e.dsn.AuthHeader(e.now().Unix()),
		},
	}, nil
}

// DecodeBody reverses Encode's body encoding, for collectors and tests.
func DecodeBody(body []byte) (*Event, error) {
	raw, err := base64.StdEncoding.DecodeString(string(body))
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}
	if zr, err := zlib.NewReader(bytes.NewReader(raw)); err == nil {
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(zr); err != nil {
			return nil, fmt.Errorf("zlib: %w", err)
		}
		raw = buf.Bytes()
	}
	ev := &Event{}
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return ev, nil
}

// sanitized returns a shallow copy of ev whose free-form values all marshal.
func sanitized(ev *Event) *Event {
	cp := *ev
	cp.Extra = sanitizeMap(ev.Extra)
	cp.User = sanitizeMap(ev.User)
	cp.Contexts = sanitizeMap(ev.Contexts)
	if ev.MessageInterface != nil {
		mi := *ev.MessageInterface
		mi.Params = sanitizeArgs(ev.MessageInterface.Params)
		cp.MessageInterface = &mi
	}
	return &cp
}

const (
	maxSanitizeDepth = 32

	cycleValue = "<cycle>"
	deepValue  = "<max depth>"
)

// sanitizer walks nested maps and slices, replacing values json cannot encode.
// Containers already on the current path are cycles.
type sanitizer struct {
	path map[uintptr]struct{}
}

func sanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	s := &sanitizer{path: make(map[uintptr]struct{})}
	out, _ := s.walk(m, 0).(map[string]any)
	return out
}

func sanitizeArgs(args []any) []any {
	if args == nil {
		return nil
	}
	s := &sanitizer{path: make(map[uintptr]struct{})}
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = s.walk(a, 0)
	}
	return out
}

// sanitizeValue returns v when it marshals, otherwise a printable stand-in.
func sanitizeValue(v any) any {
	s := &sanitizer{path: make(map[uintptr]struct{})}
	return s.walk(v, 0)
}

func (s *sanitizer) walk(v any, depth int) any {
	if depth > maxSanitizeDepth {
		return deepValue
	}

	switch t := v.(type) {
	case Fields:
		return s.walk(map[string]any(t), depth)
	case map[string]any:
		if t == nil {
			return t
		}
		ptr := reflect.ValueOf(t).Pointer()
		if !s.enter(ptr) {
			return cycleValue
		}
		defer s.leave(ptr)

		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = s.walk(item, depth+1)
		}
		return out
	case []any:
		if len(t) == 0 {
			return t
		}
		ptr := reflect.ValueOf(t).Pointer()
		if !s.enter(ptr) {
			return cycleValue
		}
		defer s.leave(ptr)

		out := make([]any, len(t))
		for i, item := range t {
			out[i] = s.walk(item, depth+1)
		}
		return out
	}

	if _, err := json.Marshal(v); err == nil {
		return v
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Pointer, reflect.Interface:
		// printing these may recurse through the same cycle json refused
		return fmt.Sprintf("<%T>", v)
	}
	return fmt.Sprintf("%v", v)
}

func (s *sanitizer) enter(ptr uintptr) bool {
	if _, ok := s.path[ptr]; ok {
		return false
	}
	s.path[ptr] = struct{}{}
	return true
}

func (s *sanitizer) leave(ptr uintptr) {
	delete(s.path, ptr)
}
