package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Persist    PersistConfig    `json:"persist"`
	Activity   ActivityConfig   `json:"activity"`
	Visibility VisibilityConfig `json:"visibility"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Tracing    TracingConfig    `json:"tracing"`
	Debug      DebugConfig      `json:"debug"`
	Routines   []RoutineConfig  `json:"routines"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// PersistConfig controls write cadence.
//
// Defaults (when fields are omitted/empty):
//   - delays: critical "0s", high "1s", medium "5s", low "15s"
//   - idle_stretch: 3 (applies to medium and low while the user is idle)
//   - retry_min: "1s", retry_max: "30s"
//   - checkpoint: "@every 1m" ("off" disables)
type PersistConfig struct {
	Delays      PersistDelays `json:"delays"`
	IdleStretch float64       `json:"idle_stretch,omitempty"`
	RetryMin    string        `json:"retry_min,omitempty"`
	RetryMax    string        `json:"retry_max,omitempty"`
	Checkpoint  string        `json:"checkpoint,omitempty"`
}

type PersistDelays struct {
	Critical string `json:"critical,omitempty"`
	High     string `json:"high,omitempty"`
	Medium   string `json:"medium,omitempty"`
	Low      string `json:"low,omitempty"`
}

type ActivityConfig struct {
	// IdleAfter is how long without interaction before the user counts as idle.
	IdleAfter string `json:"idle_after,omitempty"`
}

// VisibilityConfig selects where foreground/background transitions come from.
//
// Sources: "manual" (REPL bg/fg), "signals" (SIGUSR1/SIGUSR2), "sleep"
// (wall-clock gap detector). An empty list disables resync.
type VisibilityConfig struct {
	Debounce       string   `json:"debounce,omitempty"`
	Sources        []string `json:"sources,omitempty"`
	SleepInterval  string   `json:"sleep_interval,omitempty"`
	SleepThreshold string   `json:"sleep_threshold,omitempty"`
}

// StorageConfig controls the durable store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/routineclock.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Codec       string `json:"codec,omitempty"`        // json (default) or cbor
}

type TracingConfig struct {
	Enabled     bool     `json:"enabled"`
	Exporter    string   `json:"exporter,omitempty"` // none, stdout, otlp
	Endpoint    string   `json:"endpoint,omitempty"`
	ServiceName string   `json:"service_name,omitempty"`
	SampleRate  *float64 `json:"sample_rate,omitempty"`
}

// DebugConfig controls the local debug endpoint (/healthz, /status and,
// with profiling, /debug/pprof/). It binds to 127.0.0.1:6061 by default.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Profiling     bool   `json:"profiling,omitempty"`
}

type RoutineConfig struct {
	ID    string       `json:"id"`
	Name  string       `json:"name,omitempty"`
	Tasks []TaskConfig `json:"tasks"`
}

type TaskConfig struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Duration string `json:"duration"` // whole seconds, e.g. "90s", "5m"
}

// Default is the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Logging:    LoggingConfig{Level: "info", Console: true},
		Visibility: VisibilityConfig{Sources: []string{"manual", "signals", "sleep"}},
		Storage:    &StorageConfig{Driver: "file", Path: "./data/routineclock.json", Codec: "json"},
		Routines: []RoutineConfig{{
			ID:   "morning",
			Name: "Morning routine",
			Tasks: []TaskConfig{
				{ID: "stretch", Name: "Stretch", Duration: "5m"},
				{ID: "shower", Name: "Shower", Duration: "10m"},
				{ID: "breakfast", Name: "Breakfast", Duration: "15m"},
			},
		}},
	}
}

// Routine returns the routine with id.
func (c *Config) Routine(id string) (RoutineConfig, bool) {
	if c == nil {
		return RoutineConfig{}, false
	}
	for _, r := range c.Routines {
		if r.ID == id {
			return r, true
		}
	}
	return RoutineConfig{}, false
}
