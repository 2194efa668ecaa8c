// Package cli implements the routineclock command line: the long-running
// engine with its interactive shell, plus offline inspection of saved state.
package cli

import (
	"github.com/spf13/cobra"

	"routineclock/internal/config"
)

type globalFlags struct {
	configFile string
	envFiles   []string
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:   "routineclock",
		Short: "Timed routine engine with prioritized state persistence",
		Long: `routineclock runs routines made of timed tasks. Timers stay accurate across
suspends and hidden periods, and progress is saved with a write cadence that
follows how important each change is.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return config.LoadDotEnv(flags.envFiles...)
		},
	}

	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "",
		"config file path (default: $"+config.EnvConfigPath+" or "+config.DefaultPath+")")
	root.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", nil, "dotenv files to load (default: .env)")

	root.AddCommand(newRunCmd(&flags))
	root.AddCommand(newInspectCmd(&flags))
	root.AddCommand(newVersionCmd())
	return root
}
