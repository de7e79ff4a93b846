// lehter-monitor sends a test event to a collector to check a DSN.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/lehter/monitor"
	"go.uber.org/zap"
)

const testMessage = "This is a test message generated using lehter-monitor test"

func main() {
	configPath := flag.String("config", "", "YAML file with a lehter_monitor section")
	timeout := flag.Duration("timeout", 5*time.Second, "Delivery timeout")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: lehter-monitor [-config file] [-timeout d] test [dsn]")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 || flag.Arg(0) != "test" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := &monitor.Config{}
	if *configPath != "" {
		loaded, err := monitor.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if dsn := flag.Arg(1); dsn != "" {
		cfg.DSN = dsn
	}
	if cfg.DSN == "" {
		fmt.Fprintln(os.Stderr, "no DSN given; pass one as an argument or set it in the config file")
		os.Exit(1)
	}

	// the test needs an observable outcome
	cfg.Transport.Method = monitor.MethodSync
	cfg.Transport.Timeout = *timeout

	logger, err := monitor.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		fmt.Fprintln(os.Stderr, "test:", err)
		os.Exit(1)
	}
}

func run(cfg *monitor.Config, logger *zap.Logger) error {
	client, err := monitor.NewClient(cfg, monitor.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() { _ = client.Close(context.Background()) }()

	fmt.Println("Sending a test event")

	id := client.CaptureMessage(context.Background(), testMessage, nil, monitor.Fields{
		"level": "debug",
		"tags":  map[string]string{"source": "lehter-monitor"},
	})
	if err := client.LastError(); err != nil {
		return err
	}

	fmt.Printf("Event %s accepted\n", id)
	return nil
}
