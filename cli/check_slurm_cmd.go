package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	commoncli "github.com/dmacmillan/Kive-sub000/common/client"
)

type checkSlurmCmd struct{}

func (c *checkSlurmCmd) RegisterFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "check-slurm",
		Short: "Check that the configured scheduler answers and list its priority levels",
	}
}

func (c *checkSlurmCmd) Run(cl *commoncli.SimpleClient, cmd *cobra.Command, args []string) error {
	sched := cl.Config.NewScheduler(cl.Stat)
	defer sched.Shutdown()
	if !sched.SlurmIsAlive(context.Background()) {
		return fmt.Errorf("%s is not ready", sched.Ident())
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is alive, priorities 0-%d\n", sched.Ident(), sched.MaxPriority())
	return nil
}
