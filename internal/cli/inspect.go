package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"routineclock/internal/config"
	"routineclock/internal/routine"
	"routineclock/internal/storage"
	logx "routineclock/pkg/logx"
)

func newInspectCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [routine-id]",
		Short: "Print saved routine state without starting the engine",
		Long: `Inspect opens the configured store read-only and prints the saved state of
one routine, or of every routine when no id is given. It is safe to run next
to a live engine.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.Context(), cmd.OutOrStdout(), config.ResolvePath(flags.configFile), args)
		},
	}
}

func runInspect(ctx context.Context, out io.Writer, cfgPath string, args []string) error {
	cfg, _, err := config.NewManager(cfgPath, logx.Nop()).LoadOrDefault()
	if err != nil {
		return err
	}
	res, err := config.Resolve(cfg)
	if err != nil {
		return err
	}
	switch res.Storage.Driver {
	case "none":
		return errors.New("storage is disabled in the config; nothing to inspect")
	case "memory", "mem":
		return errors.New("memory storage does not outlive the engine; nothing to inspect")
	}

	st, err := storage.Open(storage.Config{
		Driver:      res.Storage.Driver,
		Path:        res.Storage.Path,
		BusyTimeout: res.Storage.BusyTimeout,
		ReadOnly:    true,
	}, logx.Nop())
	if err != nil {
		return fmt.Errorf("open %s store: %w", res.Storage.Driver, err)
	}
	defer st.Close()

	var keys []string
	if len(args) == 1 {
		keys = []string{routine.Key(args[0])}
	} else if keys, err = st.Keys(ctx, routine.KeyPrefix); err != nil {
		return err
	}
	if len(keys) == 0 {
		fmt.Fprintln(out, "no saved routine state")
		return nil
	}

	for _, key := range keys {
		b, ok, err := st.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(out, "%s: no saved state\n", key)
			continue
		}
		s, err := routine.Decode(b)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		pretty, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s (%d bytes)\n%s\n", key, len(b), pretty)
	}
	return nil
}
