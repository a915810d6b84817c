package config

import (
	"reflect"
	"sort"
	"strings"

	logx "signboard/pkg/logx"
)

// SummarizeChange lists the top-level sections that differ between two
// configs, with safe fields for logging. restart names sections that only
// take effect after a restart.
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, restart []string, attrs []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Timeline, newCfg.Timeline) {
		changed = append(changed, "timeline")
		attrs = append(attrs,
			logx.Int("timeline.default_future_items", newCfg.Timeline.DefaultFutureItems),
			logx.String("timeline.max_sleep", strings.TrimSpace(newCfg.Timeline.MaxSleep)),
			logx.String("timeline.safety_net", strings.TrimSpace(newCfg.Timeline.SafetyNet)),
		)
	}
	if !reflect.DeepEqual(oldCfg.RPC, newCfg.RPC) {
		changed = append(changed, "rpc")
		attrs = append(attrs, logx.Int("rpc.rate_per_sec", newCfg.RPC.RatePerSec))
		if oldCfg.RPC.Enabled != newCfg.RPC.Enabled || oldCfg.RPC.Path != newCfg.RPC.Path {
			restart = append(restart, "rpc")
		}
	}
	if !reflect.DeepEqual(oldCfg.Housekeeping, newCfg.Housekeeping) {
		changed = append(changed, "housekeeping")
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		restart = append(restart, "http")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		if newCfg.Storage != nil {
			// Path may point into a secrets mount; log only whether it is set.
			attrs = append(attrs,
				logx.String("storage.driver", newCfg.Storage.Driver),
				logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			)
		}
	}
	if !reflect.DeepEqual(oldCfg.Assets, newCfg.Assets) {
		changed = append(changed, "assets")
		restart = append(restart, "assets")
		attrs = append(attrs, logx.Int("assets.static_count", len(newCfg.Assets.Static)))
	}

	sort.Strings(changed)
	sort.Strings(restart)
	return changed, restart, attrs
}
