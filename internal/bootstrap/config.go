package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"batch_trader/internal/config"
)

// Config is an alias for the project's main configuration struct.
type Config = config.Config

// LoadConfig delegates to the project's config loader and then runs the
// pre-flight checks that go beyond schema validation.
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}
	return cfg, nil
}

// checkPreFlight verifies the environment the config points at: the broker
// credential must decrypt with the key from the environment, and the store
// directory must exist before SQLite tries to create the database file.
func checkPreFlight(cfg *Config) error {
	plain, err := cfg.Broker.APIPassword.DecryptFromEnv()
	if err != nil {
		return fmt.Errorf("broker api_password: %w", err)
	}
	cfg.Broker.APIPassword = plain

	if dir := filepath.Dir(cfg.Store.Path); dir != "." {
		info, err := os.Stat(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("store directory not found: %s", dir)
			}
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("store path parent is not a directory: %s", dir)
		}
	}
	return nil
}
