package monitor

const (
	// ClientName identifies this client in the User-Agent and auth headers.
	ClientName = "lehter-monitor-go"
	// Version of the client reported to the collector.
	Version = "1.0.0"

	protocolVersion = 6
)

// UserAgent returns the User-Agent header value sent with every request.
func UserAgent() string {
	return ClientName + "/" + Version
}
