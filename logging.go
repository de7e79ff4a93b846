package monitor

import (
	"go.uber.org/zap"
)

// NewLogger builds a production zap logger at the configured level, for
// hosts that do not supply their own.
func NewLogger(cfg LoggingConfig) (*zap.Logger, error) {
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	atomic, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = atomic
	zcfg.Sampling = nil
	return zcfg.Build()
}
