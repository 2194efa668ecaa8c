package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"routineclock/internal/activity"
	"routineclock/internal/app"
	"routineclock/internal/routine"
)

// Engine is what the interactive shell drives. *app.App implements it.
type Engine interface {
	Runner(id string) (*routine.Runner, error)
	Routines() []string
	Touch(kind activity.Kind)
	Background() bool
	Foreground() bool
	Flush(ctx context.Context) int
	Status() app.Status
}

var errUsage = errors.New("usage")

type command struct {
	name  string
	args  string
	help  string
	run   func(ctx context.Context, s *Shell, args []string) error
	quits bool
}

var commands []command

func init() {
	commands = []command{
		{name: "start", args: "<routine>", help: "start a new run", run: cmdStart},
		{name: "pause", args: "<routine>", help: "pause the running task", run: cmdPause},
		{name: "resume", args: "<routine>", help: "resume a paused run", run: cmdResume},
		{name: "complete", args: "<routine> [task]", help: "complete a task (default: current)", run: cmdComplete},
		{name: "stop", args: "<routine>", help: "abandon the run and clear saved state", run: cmdStop},
		{name: "save", args: "<routine>", help: "force an immediate save", run: cmdSave},
		{name: "status", args: "[routine]", help: "show timers, pending writes and visibility", run: cmdStatus},
		{name: "routines", help: "list configured routines", run: cmdRoutines},
		{name: "bg", help: "simulate the app going to the background", run: cmdBackground},
		{name: "fg", help: "simulate the app returning to the foreground", run: cmdForeground},
		{name: "flush", help: "write every pending change now", run: cmdFlush},
		{name: "help", help: "show this help", run: cmdHelp},
		{name: "quit", help: "flush and exit", quits: true},
	}
}

func lookup(name string) (command, bool) {
	switch name {
	case "exit", "q":
		name = "quit"
	case "?", "h":
		name = "help"
	}
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// Shell executes one command line at a time against an Engine.
type Shell struct {
	eng Engine
	out io.Writer
}

func NewShell(eng Engine, out io.Writer) *Shell {
	return &Shell{eng: eng, out: out}
}

// Exec runs one line. It reports whether the user asked to quit.
func (s *Shell) Exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	s.eng.Touch(activity.KindCommand)

	c, ok := lookup(strings.ToLower(fields[0]))
	if !ok {
		s.printf("unknown command %q (try help)\n", fields[0])
		return false
	}
	if c.quits {
		return true
	}
	if err := c.run(ctx, s, fields[1:]); err != nil {
		if errors.Is(err, errUsage) {
			s.printf("usage: %s %s\n", c.name, c.args)
		} else {
			s.printf("error: %v\n", err)
		}
	}
	return false
}

func (s *Shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

func (s *Shell) runner(args []string) (*routine.Runner, error) {
	if len(args) == 0 {
		// A single configured routine needs no name.
		if ids := s.eng.Routines(); len(ids) == 1 {
			return s.eng.Runner(ids[0])
		}
		return nil, errUsage
	}
	return s.eng.Runner(args[0])
}

func cmdStart(ctx context.Context, s *Shell, args []string) error {
	r, err := s.runner(args)
	if err != nil {
		return err
	}
	run, err := r.Start()
	if err != nil {
		return err
	}
	st := r.State()
	s.printf("%s started (run %s), first task %s\n", st.RoutineID, run, st.CurrentTask)
	return nil
}

func cmdPause(ctx context.Context, s *Shell, args []string) error {
	r, err := s.runner(args)
	if err != nil {
		return err
	}
	if !r.Pause() {
		return routine.ErrNotRunning
	}
	s.printf("paused\n")
	return nil
}

func cmdResume(ctx context.Context, s *Shell, args []string) error {
	r, err := s.runner(args)
	if err != nil {
		return err
	}
	if !r.Resume() {
		return routine.ErrNotRunning
	}
	s.printf("resumed\n")
	return nil
}

func cmdComplete(ctx context.Context, s *Shell, args []string) error {
	r, err := s.runner(args)
	if err != nil {
		return err
	}
	st := r.State()
	task := st.CurrentTask
	if len(args) > 1 {
		task = args[1]
	}
	if task == "" {
		return routine.ErrNotRunning
	}
	if err := r.CompleteTask(task); err != nil {
		return err
	}
	st = r.State()
	if st.CurrentTask == "" {
		s.printf("%s done, routine finished (bonus %ds)\n", task, int(st.BonusTime))
	} else {
		s.printf("%s done, next %s (bonus %ds)\n", task, st.CurrentTask, int(st.BonusTime))
	}
	return nil
}

func cmdStop(ctx context.Context, s *Shell, args []string) error {
	r, err := s.runner(args)
	if err != nil {
		return err
	}
	if !r.Stop() {
		return routine.ErrNotRunning
	}
	s.printf("stopped\n")
	return nil
}

func cmdSave(ctx context.Context, s *Shell, args []string) error {
	r, err := s.runner(args)
	if err != nil {
		return err
	}
	if !r.ForceSave() {
		return errors.New("nothing to save")
	}
	s.printf("save scheduled\n")
	return nil
}

func cmdRoutines(ctx context.Context, s *Shell, args []string) error {
	for _, id := range s.eng.Routines() {
		r, err := s.eng.Runner(id)
		if err != nil {
			continue
		}
		def := r.Definition()
		s.printf("%-12s %d tasks  %s\n", id, len(def.Tasks), def.Name)
	}
	return nil
}

func cmdStatus(ctx context.Context, s *Shell, args []string) error {
	st := s.eng.Status()
	for _, rs := range st.Routines {
		if len(args) > 0 && rs.RoutineID != args[0] {
			continue
		}
		state := "idle"
		switch {
		case rs.Started && rs.CurrentTask == "":
			state = "finished"
		case rs.Paused:
			state = "paused"
		case rs.Started:
			state = "running"
		}
		s.printf("%s: %s", rs.RoutineID, state)
		if rs.CurrentTask != "" {
			s.printf(", task %s", rs.CurrentTask)
		}
		s.printf(", %d done, bonus %ds\n", len(rs.CompletedTasks), int(rs.BonusTime))

		ids := make([]string, 0, len(rs.TaskTimes))
		for id := range rs.TaskTimes {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			mark := " "
			if rs.Completed(id) {
				mark = "x"
			} else if id == rs.CurrentTask {
				mark = ">"
			}
			s.printf("  [%s] %-12s %5ds\n", mark, id, int(rs.TaskTimes[id]))
		}
	}
	if len(args) > 0 {
		return nil
	}
	s.printf("timers: %d (%d running), loop armed: %v\n", st.TimerStats.Timers, st.TimerStats.Running, st.TimerStats.Looping)
	s.printf("persist: %d pending, %d written, %d coalesced, %d failures, suspended: %v\n",
		st.Persist.Pending, st.Persist.Written, st.Persist.Coalesced, st.Persist.Failures, st.Persist.Suspended)
	for _, pw := range st.Pending {
		s.printf("  %s (%s, %d writes)\n", pw.Key, pw.Priority, pw.Writes)
	}
	s.printf("visibility: %s, %d corrections", st.Visibility.State, st.Visibility.Corrections)
	if st.Visibility.Corrections > 0 {
		s.printf(", last %ds", st.Visibility.LastElapsed)
	}
	s.printf("\nuser active: %v\n", st.Activity.IsUserActive)
	return nil
}

func cmdBackground(ctx context.Context, s *Shell, args []string) error {
	if !s.eng.Background() {
		return errors.New("manual visibility source is not enabled")
	}
	s.printf("backgrounded\n")
	return nil
}

func cmdForeground(ctx context.Context, s *Shell, args []string) error {
	if !s.eng.Foreground() {
		return errors.New("manual visibility source is not enabled")
	}
	s.printf("foregrounded\n")
	return nil
}

func cmdFlush(ctx context.Context, s *Shell, args []string) error {
	n := s.eng.Flush(ctx)
	s.printf("flushed %d writes\n", n)
	return nil
}

func cmdHelp(ctx context.Context, s *Shell, args []string) error {
	for _, c := range commands {
		s.printf("  %-28s %s\n", strings.TrimSpace(c.name+" "+c.args), c.help)
	}
	return nil
}
