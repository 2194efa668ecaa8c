package config

import (
	"reflect"
	"sort"

	logx "routineclock/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs describing the new values, for one log line per reload.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Persist, newCfg.Persist) {
		changed = append(changed, "persist")
		attrs = append(attrs,
			logx.String("persist.delays.medium", newCfg.Persist.Delays.Medium),
			logx.String("persist.delays.low", newCfg.Persist.Delays.Low),
			logx.Float64("persist.idle_stretch", newCfg.Persist.IdleStretch),
			logx.String("persist.checkpoint", newCfg.Persist.Checkpoint),
		)
	}
	if oldCfg.Activity != newCfg.Activity {
		changed = append(changed, "activity")
		attrs = append(attrs, logx.String("activity.idle_after", newCfg.Activity.IdleAfter))
	}
	if !reflect.DeepEqual(oldCfg.Visibility, newCfg.Visibility) {
		changed = append(changed, "visibility")
		attrs = append(attrs,
			logx.String("visibility.debounce", newCfg.Visibility.Debounce),
			logx.Int("visibility.sources", len(newCfg.Visibility.Sources)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}
	if !reflect.DeepEqual(oldCfg.Tracing, newCfg.Tracing) {
		changed = append(changed, "tracing")
		attrs = append(attrs,
			logx.Bool("tracing.enabled", newCfg.Tracing.Enabled),
			logx.String("tracing.exporter", newCfg.Tracing.Exporter),
		)
	}
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.profiling", newCfg.Debug.Profiling),
		)
	}
	if !reflect.DeepEqual(oldCfg.Routines, newCfg.Routines) {
		changed = append(changed, "routines")
		attrs = append(attrs, logx.Int("routines", len(newCfg.Routines)))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed settings that only take effect on restart.
// Everything else is hot-applied.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Tracing, newCfg.Tracing) {
		out = append(out, "tracing")
	}
	if !reflect.DeepEqual(oldCfg.Visibility.Sources, newCfg.Visibility.Sources) ||
		oldCfg.Visibility.SleepInterval != newCfg.Visibility.SleepInterval ||
		oldCfg.Visibility.SleepThreshold != newCfg.Visibility.SleepThreshold {
		out = append(out, "visibility.sources")
	}
	if !reflect.DeepEqual(oldCfg.Routines, newCfg.Routines) {
		out = append(out, "routines")
	}
	return out
}
