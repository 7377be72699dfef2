// Package cli implements the fleet and fleetworker command lines.
package cli

import (
	"github.com/spf13/cobra"

	commoncli "github.com/dmacmillan/Kive-sub000/common/client"
)

// FleetCLIClient runs pipelines and inspects the cluster and the journal.
type FleetCLIClient struct {
	commoncli.SimpleClient
}

func (c *FleetCLIClient) Exec() error {
	return c.RootCmd.Execute()
}

func NewFleetCLIClient() commoncli.CLIClient {
	c := &FleetCLIClient{}
	c.RootCmd = &cobra.Command{
		Use:                "fleet",
		Short:              "fleet runs pipelines of checksummed datasets on Slurm",
		PersistentPreRunE:  c.Init,
		PersistentPostRunE: c.Close,
		SilenceUsage:       true,
	}
	c.RegisterGlobalFlags()

	c.AddCmd(&runCmd{})
	c.AddCmd(&checkSlurmCmd{})
	c.AddCmd(&journalCmd{})
	return c
}
