package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"signboard/internal/assets"
	"signboard/internal/config"
	"signboard/internal/schedule"
	"signboard/internal/storage"
	"signboard/internal/transition"
	"signboard/internal/transport/httpapi"
	"signboard/internal/transport/rpc"
	logx "signboard/pkg/logx"
)

const (
	defaultFutureItems  = 5
	defaultSafetyNet    = 30 * time.Second
	defaultCompactEvery = 15 * time.Minute
	defaultRPCPath      = "/ws"
)

// timelineSettings is the timeline section with defaults applied.
type timelineSettings struct {
	scheduler   transition.Config
	futureItems int
	safetyNet   time.Duration
}

func mapTimelineConfig(cfg *config.Config) (timelineSettings, error) {
	tc := cfg.Timeline
	var (
		out timelineSettings
		err error
	)
	if out.scheduler.MaxSleep, err = config.ParseDurationField("timeline.max_sleep", tc.MaxSleep); err != nil {
		return out, err
	}
	if out.scheduler.ArmRetryBase, err = config.ParseDurationField("timeline.arm_retry_base", tc.ArmRetryBase); err != nil {
		return out, err
	}
	if out.scheduler.ArmRetryMax, err = config.ParseDurationField("timeline.arm_retry_max", tc.ArmRetryMax); err != nil {
		return out, err
	}
	if out.safetyNet, err = config.ParseDurationOrDefault("timeline.safety_net", tc.SafetyNet, defaultSafetyNet); err != nil {
		return out, err
	}
	if out.safetyNet < time.Second {
		return out, fmt.Errorf("timeline.safety_net must be at least 1s, got %s", out.safetyNet)
	}
	out.futureItems = DefaultFutureItems(cfg)
	return out, nil
}

// DefaultFutureItems is the number of upcoming entries listed when a query
// does not ask for a specific count.
func DefaultFutureItems(cfg *config.Config) int {
	if n := cfg.Timeline.DefaultFutureItems; n > 0 {
		return n
	}
	return defaultFutureItems
}

func mapCompactEvery(cfg *config.Config) (time.Duration, error) {
	d, err := config.ParseDurationOrDefault("housekeeping.compact_every", cfg.Housekeeping.CompactEvery, defaultCompactEvery)
	if err != nil {
		return 0, err
	}
	if d < time.Second {
		return 0, fmt.Errorf("housekeeping.compact_every must be at least 1s, got %s", d)
	}
	return d, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.ServerConfig, error) {
	read, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	write, err := config.ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	return httpapi.ServerConfig{
		Addr:              strings.TrimSpace(cfg.HTTP.Addr),
		ReadHeaderTimeout: read,
		WriteTimeout:      write,
		IdleTimeout:       2 * time.Minute,
	}, nil
}

func mapShutdownTimeout(cfg *config.Config) time.Duration {
	d, err := config.ParseDurationOrDefault("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout, 5*time.Second)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

func mapRPCConfig(cfg *config.Config) rpc.Config {
	return rpc.Config{
		RatePerSec: cfg.RPC.RatePerSec,
		Burst:      cfg.RPC.Burst,
		Origins:    cfg.RPC.Origins,
	}
}

func rpcPath(cfg *config.Config) string {
	if p := strings.TrimSpace(cfg.RPC.Path); p != "" {
		return p
	}
	return defaultRPCPath
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Recent: logx.RecentConfig{
			Size:       cfg.Logging.Recent.Size,
			MinLevel:   cfg.Logging.Recent.MinLevel,
			RatePerSec: cfg.Logging.Recent.RatePerSec,
		},
	}
}

// buildCatalog accepts refs listed in config and files under assets.dir.
func buildCatalog(cfg *config.Config) assets.Catalog {
	static := make([]assets.Asset, 0, len(cfg.Assets.Static))
	for _, a := range cfg.Assets.Static {
		static = append(static, assets.Asset{
			Ref:             a.Ref,
			Title:           a.Title,
			Category:        a.Category,
			BackgroundColor: a.BackgroundColor,
		})
	}
	multi := assets.Multi{assets.NewStatic(static)}
	if dir := strings.TrimSpace(cfg.Assets.Dir); dir != "" {
		multi = append(multi, assets.NewDir(dir))
	}
	return multi
}

// CheckConfig parses and validates the file at path the way serve would,
// including the per-component mappings.
func CheckConfig(path string, environ map[string]string) (*config.Config, error) {
	cfgm := config.NewConfigManager(path)
	if environ != nil {
		cfgm.SetEnviron(environ)
	}
	cfg, err := cfgm.Parse()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if err := validateMappings(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateMappings(cfg *config.Config) error {
	if _, err := mapTimelineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCompactEvery(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}

// OpenTimeline opens the configured storage and loads it into a fresh store.
// The returned storage is nil when persistence is disabled.
func OpenTimeline(ctx context.Context, cfg *config.Config, log logx.Logger) (*schedule.Store, storage.Store, error) {
	store := schedule.NewStore()
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled {
		return store, nil, err
	}
	persist, err := storage.Open(sc, log)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	entries, err := persist.LoadEntries(ctx)
	if err == nil {
		err = store.Load(entries)
	}
	if err != nil {
		_ = persist.Close()
		return nil, nil, fmt.Errorf("load timeline: %w", err)
	}
	return store, persist, nil
}
