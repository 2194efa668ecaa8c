package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	logx "routineclock/pkg/logx"
)

var ErrInvalid = errors.New("invalid config")

// Resolved is Config with every string parsed and every default applied.
type Resolved struct {
	Persist    ResolvedPersist
	IdleAfter  time.Duration
	Visibility ResolvedVisibility
	Storage    ResolvedStorage
	Tracing    ResolvedTracing
	Debug      ResolvedDebug
	Routines   []ResolvedRoutine
}

type ResolvedPersist struct {
	Critical, High, Medium, Low time.Duration
	IdleStretch                 float64
	RetryMin, RetryMax          time.Duration
	Checkpoint                  string // empty = disabled
}

type ResolvedVisibility struct {
	Debounce       time.Duration
	Sources        []string
	SleepInterval  time.Duration
	SleepThreshold time.Duration
}

type ResolvedStorage struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
	Codec       string
}

type ResolvedTracing struct {
	Enabled     bool
	Exporter    string
	Endpoint    string
	ServiceName string
	SampleRate  float64
}

type ResolvedDebug struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Profiling     bool
}

type ResolvedRoutine struct {
	ID    string
	Name  string
	Tasks []ResolvedTask
}

type ResolvedTask struct {
	ID      string
	Name    string
	Seconds int
}

// Validate reports every problem in cfg at once, wrapped in ErrInvalid.
func Validate(cfg *Config) error {
	_, err := Resolve(cfg)
	return err
}

// Resolve parses cfg. The error joins every problem found.
func Resolve(cfg *Config) (Resolved, error) {
	if cfg == nil {
		return Resolved{}, fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var (
		out  Resolved
		errs []error
	)
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	delay := func(path, raw string, def time.Duration) time.Duration {
		d, err := parseDelay(path, raw, def)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		invalid("logging.level: unknown level %q", lvl)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		invalid("logging.file.path is required when file logging is enabled")
	}

	p := cfg.Persist
	out.Persist = ResolvedPersist{
		Critical:    delay("persist.delays.critical", p.Delays.Critical, 0),
		High:        delay("persist.delays.high", p.Delays.High, time.Second),
		Medium:      delay("persist.delays.medium", p.Delays.Medium, 5*time.Second),
		Low:         delay("persist.delays.low", p.Delays.Low, 15*time.Second),
		IdleStretch: p.IdleStretch,
		RetryMin:    dur("persist.retry_min", p.RetryMin, time.Second),
		RetryMax:    dur("persist.retry_max", p.RetryMax, 30*time.Second),
		Checkpoint:  strings.TrimSpace(p.Checkpoint),
	}
	rp := out.Persist
	if !(rp.Critical <= rp.High && rp.High <= rp.Medium && rp.Medium <= rp.Low) {
		invalid("persist.delays must satisfy critical <= high <= medium <= low")
	}
	switch {
	case rp.IdleStretch == 0:
		out.Persist.IdleStretch = 3
	case rp.IdleStretch < 1:
		invalid("persist.idle_stretch must be >= 1")
	}
	if rp.RetryMax < rp.RetryMin {
		invalid("persist.retry_max must be >= retry_min")
	}
	switch strings.ToLower(out.Persist.Checkpoint) {
	case "":
		out.Persist.Checkpoint = "@every 1m"
	case "off", "none", "disabled":
		out.Persist.Checkpoint = ""
	}

	out.IdleAfter = dur("activity.idle_after", cfg.Activity.IdleAfter, 60*time.Second)

	v := cfg.Visibility
	out.Visibility = ResolvedVisibility{
		Debounce:       delay("visibility.debounce", v.Debounce, 100*time.Millisecond),
		SleepInterval:  dur("visibility.sleep_interval", v.SleepInterval, time.Second),
		SleepThreshold: dur("visibility.sleep_threshold", v.SleepThreshold, 3*time.Second),
	}
	for _, s := range v.Sources {
		s = strings.ToLower(strings.TrimSpace(s))
		switch s {
		case "manual", "signals", "sleep":
			out.Visibility.Sources = append(out.Visibility.Sources, s)
		default:
			invalid("visibility.sources: unknown source %q", s)
		}
	}

	if st := cfg.Storage; st != nil {
		out.Storage = ResolvedStorage{
			Driver:      strings.ToLower(strings.TrimSpace(st.Driver)),
			Path:        strings.TrimSpace(st.Path),
			BusyTimeout: dur("storage.busy_timeout", st.BusyTimeout, 0),
			Codec:       strings.ToLower(strings.TrimSpace(st.Codec)),
		}
	}
	switch out.Storage.Driver {
	case "", "none":
		out.Storage.Driver = "none"
	case "memory", "mem":
	case "file", "sqlite", "sqlite3":
		if out.Storage.Path == "" {
			invalid("storage.path is required for driver %q", out.Storage.Driver)
		}
	default:
		invalid("storage.driver: unknown driver %q", out.Storage.Driver)
	}
	switch out.Storage.Codec {
	case "":
		out.Storage.Codec = "json"
	case "json", "cbor":
	default:
		invalid("storage.codec: unknown codec %q", out.Storage.Codec)
	}

	t := cfg.Tracing
	out.Tracing = ResolvedTracing{
		Enabled:     t.Enabled,
		Exporter:    strings.ToLower(strings.TrimSpace(t.Exporter)),
		Endpoint:    strings.TrimSpace(t.Endpoint),
		ServiceName: strings.TrimSpace(t.ServiceName),
		SampleRate:  1,
	}
	if t.SampleRate != nil {
		if *t.SampleRate < 0 || *t.SampleRate > 1 {
			invalid("tracing.sample_rate must be within [0,1]")
		}
		out.Tracing.SampleRate = *t.SampleRate
	}
	switch out.Tracing.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		invalid("tracing.exporter: unknown exporter %q", out.Tracing.Exporter)
	}

	d := cfg.Debug
	out.Debug = ResolvedDebug{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		Profiling:     d.Profiling,
	}
	if out.Debug.Addr == "" {
		out.Debug.Addr = "127.0.0.1:6061"
	} else if _, _, err := net.SplitHostPort(out.Debug.Addr); err != nil {
		invalid("debug.addr: %v", err)
	}

	seen := map[string]bool{}
	for i, r := range cfg.Routines {
		path := fmt.Sprintf("routines[%d]", i)
		id := strings.TrimSpace(r.ID)
		if id == "" {
			invalid("%s.id is required", path)
			continue
		}
		if seen[id] {
			invalid("%s: duplicate routine id %q", path, id)
		}
		seen[id] = true
		if len(r.Tasks) == 0 {
			invalid("%s: routine %q has no tasks", path, id)
		}
		rr := ResolvedRoutine{ID: id, Name: r.Name}
		taskSeen := map[string]bool{}
		for j, tk := range r.Tasks {
			tpath := fmt.Sprintf("%s.tasks[%d]", path, j)
			tid := strings.TrimSpace(tk.ID)
			if tid == "" || strings.Contains(tid, "/") {
				invalid("%s.id must be non-empty and contain no '/'", tpath)
				continue
			}
			if taskSeen[tid] {
				invalid("%s: duplicate task id %q", tpath, tid)
			}
			taskSeen[tid] = true
			d, err := ParseDurationField(tpath+".duration", tk.Duration)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if d < time.Second || d%time.Second != 0 {
				invalid("%s.duration must be a whole number of seconds >= 1s", tpath)
				continue
			}
			rr.Tasks = append(rr.Tasks, ResolvedTask{ID: tid, Name: tk.Name, Seconds: int(d / time.Second)})
		}
		out.Routines = append(out.Routines, rr)
	}

	if len(errs) > 0 {
		return Resolved{}, errors.Join(errs...)
	}
	return out, nil
}
