package persist

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"routineclock/internal/storage"
	logx "routineclock/pkg/logx"
)

// Checkpointer periodically forces a full flush so a crash loses at most one
// checkpoint interval of low-priority progress. Stores with housekeeping are
// compacted afterwards.
type Checkpointer struct {
	mu sync.Mutex

	sched  *Scheduler
	store  storage.Store
	log    logx.Logger
	parser cron.Parser

	spec    string
	c       *cron.Cron
	entryID cron.EntryID
	runs    uint64
}

func NewCheckpointer(spec string, sched *Scheduler, store storage.Store, log logx.Logger) *Checkpointer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Checkpointer{
		sched: sched,
		store: store,
		log:   log,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		spec:   strings.TrimSpace(spec),
	}
}

// Validate reports whether spec parses. An empty spec is valid (disabled).
func (c *Checkpointer) Validate(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	_, err := c.parser.Parse(spec)
	return err
}

func (c *Checkpointer) Start(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.c != nil {
		return nil
	}
	c.c = cron.New(cron.WithParser(c.parser))
	if err := c.addLocked(); err != nil {
		c.c = nil
		return err
	}
	c.c.Start()
	c.log.Info("checkpoint started", logx.String("spec", c.spec))
	return nil
}

func (c *Checkpointer) addLocked() error {
	if c.spec == "" {
		c.entryID = 0
		return nil
	}
	id, err := c.c.AddFunc(c.spec, func() { c.Run(context.Background()) })
	if err != nil {
		return err
	}
	c.entryID = id
	return nil
}

func (c *Checkpointer) Stop(ctx context.Context) {
	c.mu.Lock()
	cr := c.c
	c.c = nil
	c.mu.Unlock()
	if cr == nil {
		return
	}
	select {
	case <-cr.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
}

// Apply swaps the schedule (config hot reload).
func (c *Checkpointer) Apply(spec string) error {
	spec = strings.TrimSpace(spec)
	if err := c.Validate(spec); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if spec == c.spec {
		return nil
	}
	c.spec = spec
	if c.c == nil {
		return nil
	}
	if c.entryID != 0 {
		c.c.Remove(c.entryID)
	}
	c.log.Info("checkpoint rescheduled", logx.String("spec", spec))
	return c.addLocked()
}

// Run performs one checkpoint.
func (c *Checkpointer) Run(ctx context.Context) {
	start := time.Now()
	n := 0
	if c.sched != nil {
		n = c.sched.FlushAll(ctx, "checkpoint")
	}
	if cp, ok := c.store.(storage.Compactor); ok {
		if err := cp.Compact(ctx); err != nil {
			c.log.Warn("compaction failed", logx.Err(err))
		}
	}
	c.mu.Lock()
	c.runs++
	c.mu.Unlock()
	c.log.Debug("checkpoint", logx.Int("flushed", n), logx.Duration("took", time.Since(start)))
}

func (c *Checkpointer) Runs() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}
