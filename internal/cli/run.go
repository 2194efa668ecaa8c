package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"routineclock/internal/app"
	"routineclock/internal/config"
	logx "routineclock/pkg/logx"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	var interactive bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the engine",
		Long: `Run loads the config, restores any saved routine runs and keeps timers
ticking until SIGINT/SIGTERM or "quit". SIGUSR1 and SIGUSR2 report the app as
hidden and visible when the signals visibility source is enabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), config.ResolvePath(flags.configFile), interactive)
		},
	}
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", readline.DefaultIsTerminal(), "read commands from the terminal")
	return cmd
}

func runEngine(parent context.Context, cfgPath string, interactive bool) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var (
		a    *app.App
		repl *REPL
		err  error
	)
	if interactive {
		repl, err = NewREPL(func() []string {
			if a == nil {
				return nil
			}
			return a.Routines()
		})
		if err != nil {
			return err
		}
		// Log lines must go through the line editor so the prompt is redrawn.
		logx.SetStdout(repl.Stdout())
	}

	a, err = app.New(parent, cfgPath, app.Options{})
	if err != nil {
		return err
	}
	if err := a.Start(parent); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	quit := make(chan struct{})
	replCtx, cancelREPL := context.WithCancel(parent)
	defer cancelREPL()
	if repl != nil {
		go func() {
			defer close(quit)
			repl.Run(replCtx, NewShell(a, repl.Stdout()))
		}()
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-quit:
		reason = app.StopUserQuit
	case <-a.Done():
		reason = app.StopFatalError
	case <-parent.Done():
	}
	cancelREPL()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stopErr := a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			return err
		}
	}
	return stopErr
}
