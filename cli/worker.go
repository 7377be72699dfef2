package cli

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dmacmillan/Kive-sub000/sandbox"
	"github.com/dmacmillan/Kive-sub000/slurm"
)

// MakeWorkerCLI builds the command line helper jobs run. The error a
// subcommand returns carries the exit code the job must end with; see
// sandbox.ExitCode.
func MakeWorkerCLI(w *sandbox.Worker) *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:           "fleetworker",
		Short:         "fleetworker prepares sandboxes and checks results on cluster nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			level, err := log.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log.SetLevel(level)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log_level", "info", "Log everything at this level and above (error|info|debug)")

	var bookkeeping bool
	step := &cobra.Command{
		Use:   slurm.StepHelperCommand + " [--bookkeeping] params.json",
		Short: "Stage a step's inputs before its driver runs, or check its outputs after",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if bookkeeping {
				return w.StepBookkeeping(cmd.Context(), args[0])
			}
			return w.StepSetup(cmd.Context(), args[0])
		},
	}
	step.Flags().BoolVar(&bookkeeping, "bookkeeping", false, "check outputs instead of staging inputs")
	root.AddCommand(step)

	root.AddCommand(&cobra.Command{
		Use:   slurm.CableHelperCommand + " params.json",
		Short: "Copy a cable's source into its destination, renaming and reordering columns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return w.CableHelper(cmd.Context(), args[0])
		},
	})
	return root
}
