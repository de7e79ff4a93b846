package monitor

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// Ambient provides the request and session data of the code path that is
// capturing an event. Implementations are supplied by the host.
type Ambient interface {
	Session() map[string]any
	SessionID() string
	Environment() string
	Host() string
	ClientIP() string
}

type ambientKey struct{}

// WithAmbient stores a in ctx so captures made with ctx are enriched from it.
func WithAmbient(ctx context.Context, a Ambient) context.Context {
	return context.WithValue(ctx, ambientKey{}, a)
}

// AmbientFromContext returns the Ambient stored by WithAmbient, or nil.
func AmbientFromContext(ctx context.Context) Ambient {
	if ctx == nil {
		return nil
	}
	a, _ := ctx.Value(ambientKey{}).(Ambient)
	return a
}

// StaticAmbient is an Ambient with fixed values, used for processes that
// have no request in flight (workers, CLIs).
type StaticAmbient struct {
	Env      string
	HostName string
	IP       string
	ID       string
	Data     map[string]any
}

func (s StaticAmbient) Session() map[string]any { return s.Data }
func (s StaticAmbient) SessionID() string       { return s.ID }
func (s StaticAmbient) Environment() string     { return s.Env }
func (s StaticAmbient) Host() string            { return s.HostName }
func (s StaticAmbient) ClientIP() string        { return s.IP }

// RequestAmbient derives host and client IP from an inbound HTTP request.
// Session data is supplied by the host's session layer.
type RequestAmbient struct {
	Request *http.Request
	Env     string
	ID      string
	Data    map[string]any
}

func (r RequestAmbient) Session() map[string]any { return r.Data }
func (r RequestAmbient) SessionID() string       { return r.ID }
func (r RequestAmbient) Environment() string     { return r.Env }

func (r RequestAmbient) Host() string {
	if r.Request == nil {
		return ""
	}
	return r.Request.Host
}

// ClientIP prefers the first X-Forwarded-For hop, then the remote address.
func (r RequestAmbient) ClientIP() string {
	if r.Request == nil {
		return ""
	}
	if fwd := r.Request.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.Request.RemoteAddr)
	if err != nil {
		return r.Request.RemoteAddr
	}
	return host
}
