package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "SIGNBOARD_"

// overrides are the settings an operator may force from the environment,
// typically from a systemd unit or container spec.
type overrides struct {
	LogLevel      string `env:"LOG_LEVEL"`
	HTTPAddr      string `env:"HTTP_ADDR"`
	StorageDriver string `env:"STORAGE_DRIVER"`
	StoragePath   string `env:"STORAGE_PATH"`
	AssetsDir     string `env:"ASSETS_DIR"`
	FutureItems   int    `env:"FUTURE_ITEMS"`
}

// ApplyEnv overlays SIGNBOARD_* variables onto cfg. A nil environ reads the
// process environment.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	if cfg == nil {
		return nil
	}
	var o overrides
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}

	if v := strings.TrimSpace(o.LogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(o.HTTPAddr); v != "" {
		cfg.HTTP.Addr = v
	}
	if o.StorageDriver != "" || o.StoragePath != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		if v := strings.TrimSpace(o.StorageDriver); v != "" {
			cfg.Storage.Driver = v
		}
		if v := strings.TrimSpace(o.StoragePath); v != "" {
			cfg.Storage.Path = v
		}
	}
	if v := strings.TrimSpace(o.AssetsDir); v != "" {
		cfg.Assets.Dir = v
	}
	if o.FutureItems > 0 {
		cfg.Timeline.DefaultFutureItems = o.FutureItems
	}
	return nil
}
