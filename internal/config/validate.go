package config

import (
	"errors"
	"fmt"
	"strings"

	logx "signboard/pkg/logx"
)

// Validate checks cfg for values the daemon cannot run with. Every problem is
// reported, joined into one error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if !logx.ValidLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.Recent.Size < 0 {
		errs = append(errs, errors.New("logging.recent.size must be >= 0"))
	}

	durations := []struct{ path, raw string }{
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"http.shutdown_timeout", cfg.HTTP.ShutdownTimeout},
		{"timeline.max_sleep", cfg.Timeline.MaxSleep},
		{"timeline.safety_net", cfg.Timeline.SafetyNet},
		{"timeline.arm_retry_base", cfg.Timeline.ArmRetryBase},
		{"timeline.arm_retry_max", cfg.Timeline.ArmRetryMax},
		{"housekeeping.compact_every", cfg.Housekeeping.CompactEvery},
	}
	if cfg.Storage != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", cfg.Storage.BusyTimeout})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Timeline.DefaultFutureItems < 0 {
		errs = append(errs, errors.New("timeline.default_future_items must be >= 0"))
	}
	if cfg.RPC.RatePerSec < 0 || cfg.RPC.Burst < 0 {
		errs = append(errs, errors.New("rpc.rate_per_sec and rpc.burst must be >= 0"))
	}
	if p := strings.TrimSpace(cfg.RPC.Path); p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("rpc.path must start with '/': %q", p))
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path is required for driver %q", s.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
	}

	seen := map[string]bool{}
	for i, a := range cfg.Assets.Static {
		ref := strings.TrimSpace(a.Ref)
		if ref == "" {
			errs = append(errs, fmt.Errorf("assets.static[%d].ref is required", i))
			continue
		}
		if seen[ref] {
			errs = append(errs, fmt.Errorf("assets.static[%d]: duplicate ref %q", i, ref))
		}
		seen[ref] = true
	}

	return errors.Join(errs...)
}
