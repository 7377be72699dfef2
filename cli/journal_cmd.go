package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	commoncli "github.com/dmacmillan/Kive-sub000/common/client"
	"github.com/dmacmillan/Kive-sub000/journal"
)

type journalCmd struct{}

func (c *journalCmd) RegisterFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "journal [run-id]",
		Short: "List journaled runs, or print the events of one run",
		Args:  cobra.MaximumNArgs(1),
	}
}

func (c *journalCmd) Run(cl *commoncli.SimpleClient, cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	j, db, err := cl.Config.NewJournal(ctx)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		runs, err := j.Runs(ctx)
		if err != nil {
			return err
		}
		for _, id := range runs {
			entries, err := j.Entries(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d\t%s\n", id, journal.LastState(entries))
		}
		return nil
	}

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("bad run id %q", args[0])
	}
	entries, err := j.Entries(ctx, id)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no journal entries for run %d", id)
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s\t%-18s\t%-10s\t%-12s\t%s\n",
			e.Time.Format(time.RFC3339), e.Type, e.Coordinates, e.State, e.Message)
	}
	return nil
}
