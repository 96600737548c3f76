package bootstrap

import (
	"os"

	"batch_trader/internal/config"
	"batch_trader/internal/logging"
)

// newLogger builds the process logger from the system config.
func newLogger(cfg config.SystemConfig) (*logging.Logger, error) {
	return logging.NewLoggerFromString(cfg.LogLevel, os.Stdout)
}
