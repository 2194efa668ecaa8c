package app

import (
	"time"

	"routineclock/internal/config"
	"routineclock/internal/debugsrv"
	"routineclock/internal/persist"
	"routineclock/internal/routine"
	"routineclock/internal/storage"
	"routineclock/internal/tracing"
	logx "routineclock/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(res config.Resolved) (storage.Config, bool) {
	sc := res.Storage
	if sc.Driver == "" || sc.Driver == "none" {
		return storage.Config{}, false
	}
	return storage.Config{Driver: sc.Driver, Path: sc.Path, BusyTimeout: sc.BusyTimeout}, true
}

func mapPersistConfig(res config.Resolved) persist.Config {
	p := res.Persist
	return persist.Config{
		CriticalDelay: p.Critical,
		HighDelay:     p.High,
		MediumDelay:   p.Medium,
		LowDelay:      p.Low,
		IdleStretch:   p.IdleStretch,
		RetryMin:      p.RetryMin,
		RetryMax:      p.RetryMax,
		Checkpoint:    p.Checkpoint,
	}
}

func mapTracingConfig(res config.Resolved) (tracing.Config, error) {
	t := res.Tracing
	exp, err := tracing.ParseExporter(t.Exporter)
	if err != nil {
		return tracing.Config{}, err
	}
	tc := tracing.DefaultConfig()
	tc.Enabled = t.Enabled
	tc.Exporter = exp
	tc.OTLPEndpoint = t.Endpoint
	tc.SampleRate = t.SampleRate
	if t.ServiceName != "" {
		tc.ServiceName = t.ServiceName
	}
	return tc, nil
}

func mapDefinitions(res config.Resolved) []routine.Definition {
	out := make([]routine.Definition, 0, len(res.Routines))
	for _, r := range res.Routines {
		def := routine.Definition{ID: r.ID, Name: r.Name}
		for _, t := range r.Tasks {
			def.Tasks = append(def.Tasks, routine.Task{ID: t.ID, Name: t.Name, Duration: t.Seconds})
		}
		out = append(out, def)
	}
	return out
}

func mapDebugConfig(res config.Resolved) debugsrv.Config {
	d := res.Debug
	return debugsrv.Config{
		Enabled:       d.Enabled,
		Addr:          d.Addr,
		Token:         d.Token,
		AllowInsecure: d.AllowInsecure,
		Profiling:     d.Profiling,
		ReadTimeout:   5 * time.Second,
		WriteTimeout:  60 * time.Second, // profiles stream for up to 30s by default
	}
}
