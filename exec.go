package monitor

import (
	"bytes"
	"context"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ExecTransport hands each request to a detached curl process and returns
// without waiting. Delivery failures are never observed.
type ExecTransport struct {
	curlPath string
	timeout  time.Duration
	ipv4     bool
	logger   *zap.Logger
	metrics  *metricsCollector

	// running processes, waited on by Close
	wg sync.WaitGroup
}

// NewExecTransport creates the process-spawning transport.
func NewExecTransport(config *TransportConfig, logger *zap.Logger, metrics *metricsCollector) *ExecTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = newMetricsCollector()
	}
	timeout := config.ExecTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	curl := config.CurlPath
	if curl == "" {
		curl = "curl"
	}
	return &ExecTransport{
		curlPath: curl,
		timeout:  timeout,
		ipv4:     config.ForceIPv4,
		logger:   logger,
		metrics:  metrics,
	}
}

// Send starts curl and reports success immediately. The process lifetime is
// bounded by the exec timeout, independent of ctx.
func (t *ExecTransport) Send(_ context.Context, req *Request) *Outcome {
	procCtx, cancel := context.WithTimeout(context.Background(), t.timeout)

	cmd := exec.CommandContext(procCtx, t.curlPath, t.args(req)...)
	cmd.Stdin = bytes.NewReader(req.Body)
	// nil Stdout and Stderr discard the process output

	if err := cmd.Start(); err != nil {
		cancel()
		t.logger.Debug("Failed to start curl",
			zap.String("event_id", req.EventID),
			zap.String("curl_path", t.curlPath),
			zap.Error(err))
		return &Outcome{Success: true, EventID: req.EventID}
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()
		if err := cmd.Wait(); err != nil {
			t.logger.Debug("curl exited with error",
				zap.String("event_id", req.EventID),
				zap.Error(err))
		}
	}()

	t.metrics.IncSpawnedProcesses()
	return &Outcome{Success: true, EventID: req.EventID}
}

func (t *ExecTransport) args(req *Request) []string {
	args := []string{"-X", "POST", "-s", "-o", "/dev/null"}
	keys := make([]string, 0, len(req.Headers))
	for k := range req.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-H", k+": "+req.Headers[k])
	}
	if t.ipv4 {
		args = append(args, "-4")
	}
	args = append(args,
		"--data-binary", "@-",
		"-m", strconv.FormatFloat(t.timeout.Seconds(), 'f', -1, 64),
		req.URL)
	return args
}

// Close waits for running processes until ctx is done. Processes still
// running afterwards are killed by their own deadline.
func (t *ExecTransport) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
