package config

import (
	"hash/fnv"
)

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "30s", "15m").
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	HTTP         HTTPConfig         `json:"http"`
	RPC          RPCConfig          `json:"rpc"`
	Timeline     TimelineConfig     `json:"timeline"`
	Storage      *StorageConfig     `json:"storage,omitempty"`
	Assets       AssetsConfig       `json:"assets"`
	Housekeeping HousekeepingConfig `json:"housekeeping"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
	// Recent keeps the last warnings in memory for /api/diagnostics/logs.
	Recent LogRecentConfig `json:"recent"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LogRecentConfig struct {
	Size       int    `json:"size"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type HTTPConfig struct {
	Addr            string `json:"addr"`
	ReadTimeout     string `json:"read_timeout"`
	WriteTimeout    string `json:"write_timeout"`
	ShutdownTimeout string `json:"shutdown_timeout"`
	// Pprof mounts the runtime profiler under /debug.
	Pprof bool `json:"pprof"`
}

// RPCConfig controls the JSON-RPC over WebSocket surface served at Path on
// the HTTP listener.
type RPCConfig struct {
	Enabled    bool     `json:"enabled"`
	Path       string   `json:"path"`
	RatePerSec int      `json:"rate_per_sec"`
	Burst      int      `json:"burst"`
	Origins    []string `json:"origins,omitempty"`
}

// TimelineConfig tunes resolution and the transition scheduler.
//
// Defaults (when omitted/zero):
//   - default_future_items: 5
//   - max_sleep: 60s
//   - safety_net: 30s
//   - arm_retry_base: 100ms
//   - arm_retry_max: 10s
type TimelineConfig struct {
	DefaultFutureItems int    `json:"default_future_items"`
	MaxSleep           string `json:"max_sleep"`
	SafetyNet          string `json:"safety_net"`
	ArmRetryBase       string `json:"arm_retry_base"`
	ArmRetryMax        string `json:"arm_retry_max"`
}

// StorageConfig selects the persistence backend. A nil section keeps the
// timeline in memory only.
type StorageConfig struct {
	Driver      string `json:"driver"` // "file" | "sqlite" | "none"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// AssetsConfig describes the asset collaborator. Refs found under Dir and
// refs listed in Static are both accepted.
type AssetsConfig struct {
	Dir    string        `json:"dir"`
	Static []StaticAsset `json:"static,omitempty"`
}

type StaticAsset struct {
	Ref             string `json:"ref"`
	Title           string `json:"title,omitempty"`
	Category        string `json:"category,omitempty"`
	BackgroundColor string `json:"background_color,omitempty"`
}

type HousekeepingConfig struct {
	CompactEvery string `json:"compact_every"`
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
