package monitor

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrInvalidEndpoint is returned when a DSN cannot be turned into delivery coordinates.
var ErrInvalidEndpoint = errors.New("invalid monitor DSN")

// DSN represents a parsed collector connection string
type DSN struct {
	Scheme    string
	PublicKey string
	SecretKey string
	Host      string
	Port      int // 0 when the DSN carries no explicit port
	Path      string
	ProjectID string

	// Computed URL the events are posted to
	StoreURL string
}

// ParseDSN parses a DSN of the form
// {scheme}://{public}[:{secret}]@{host}[:{port}]{/prefix}/{project}.
func ParseDSN(dsnStr string) (*DSN, error) {
	u, err := url.Parse(dsnStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidEndpoint, dsnStr, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		scheme := u.Scheme
		if scheme == "" {
			scheme = "<not set>"
		}
		return nil, fmt.Errorf("%w: unsupported scheme %s", ErrInvalidEndpoint, scheme)
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidEndpoint, dsnStr)
	}

	port := 0
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %q has a bad port", ErrInvalidEndpoint, dsnStr)
		}
	}

	prefix, projectID := splitProjectPath(u.Path)
	if projectID == "" {
		return nil, fmt.Errorf("%w: %q has no project id", ErrInvalidEndpoint, dsnStr)
	}

	var publicKey, secretKey string
	if u.User != nil {
		publicKey = u.User.Username()
		secretKey, _ = u.User.Password()
	}
	if publicKey == "" {
		return nil, fmt.Errorf("%w: %q has no public key", ErrInvalidEndpoint, dsnStr)
	}

	dsn := &DSN{
		Scheme:    u.Scheme,
		PublicKey: publicKey,
		SecretKey: secretKey,
		Host:      u.Hostname(),
		Port:      port,
		Path:      prefix,
		ProjectID: projectID,
	}
	dsn.StoreURL = dsn.storeEndpointURL()

	return dsn, nil
}

// splitProjectPath splits a URL path at the last slash past the leading one.
// "/app/42" yields ("/app", "42"); "/42" yields ("", "42").
func splitProjectPath(path string) (prefix, project string) {
	if path == "" {
		return "", ""
	}
	rest := strings.TrimPrefix(path, "/")
	idx := strings.LastIndex(rest, "/")
	if idx < 0 {
		return "", rest
	}
	// idx is relative to rest, which is path shifted by one
	return path[:idx+1], rest[idx+1:]
}

// NetLoc returns host[:port] as it appeared in the DSN.
func (d *DSN) NetLoc() string {
	if d.Port == 0 {
		return d.Host
	}
	host := d.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(d.Port)
}

func (d *DSN) storeEndpointURL() string {
	return fmt.Sprintf("%s://%s%s/%s/store", d.Scheme, d.NetLoc(), d.Path, d.ProjectID)
}

// AuthHeader builds the X-Sentry-Auth header value for a request sent at ts (unix seconds).
func (d *DSN) AuthHeader(ts int64) string {
	auth := fmt.Sprintf("Sentry sentry_version=%d, sentry_client=%s, sentry_timestamp=%d, sentry_key=%s",
		protocolVersion, UserAgent(), ts, d.PublicKey)
	if d.SecretKey != "" {
		auth += ", sentry_secret=" + d.SecretKey
	}
	return auth
}
