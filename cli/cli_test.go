package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/dmacmillan/Kive-sub000/common/errors"
	"github.com/dmacmillan/Kive-sub000/journal"
	"github.com/dmacmillan/Kive-sub000/sandbox"
)

func execute(t *testing.T, args ...string) (string, error) {
	c := NewFleetCLIClient().(*FleetCLIClient)
	var out bytes.Buffer
	c.RootCmd.SetOut(&out)
	c.RootCmd.SetErr(&out)
	c.RootCmd.SetArgs(args)
	err := c.Exec()
	return out.String(), err
}

func TestCheckSlurmDummy(t *testing.T) {
	out, err := execute(t, "--config", "scheduler: {type: dummy, tick: 10ms}", "check-slurm")
	require.NoError(t, err)
	assert.Contains(t, out, "Dummy Slurm is alive")
}

func TestBadConfigIsRejected(t *testing.T) {
	_, err := execute(t, "--config", "scheduler: {type: pbs}", "check-slurm")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pbs")
}

func TestJournalCommand(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.NewFileJournal(dir)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, j.Append(ctx, journal.NewEntry(7, journal.RunStarted, "", "pending", "chain by alice")))
	require.NoError(t, j.Append(ctx, journal.NewEntry(7, journal.ComponentFinished, "(1)", "successful", "")))
	require.NoError(t, j.Append(ctx, journal.NewEntry(7, journal.RunFinished, "", "successful", "")))

	config := fmt.Sprintf("journal: {type: file, dir: %s}", dir)
	out, err := execute(t, "--config", config, "journal")
	require.NoError(t, err)
	assert.Equal(t, "7\tsuccessful\n", out)

	out, err = execute(t, "--config", config, "journal", "7")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "ComponentFinished")
	assert.Contains(t, lines[1], "(1)")

	_, err = execute(t, "--config", config, "journal", "8")
	assert.Error(t, err)
	_, err = execute(t, "--config", config, "journal", "seven")
	assert.Error(t, err)
}

func TestRunNeedsDefinitions(t *testing.T) {
	_, err := execute(t, "run", "input.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--defs")

	defs := filepath.Join(t.TempDir(), "defs.yaml")
	require.NoError(t, os.WriteFile(defs, []byte("datatypes: []\n"), 0644))
	_, err = execute(t, "run", "--defs", defs, "--pipeline", "missing", "input.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pipeline")
}

func TestWorkerCLI(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.json")
	for _, args := range [][]string{
		{"step-helper", missing},
		{"step-helper", "--bookkeeping", missing},
		{"cable-helper", missing},
	} {
		cmd := MakeWorkerCLI(sandbox.NewWorker())
		cmd.SetArgs(args)
		err := cmd.ExecuteContext(context.Background())
		e, ok := err.(*errs.ExitCodeError)
		require.True(t, ok, "%v: %v", args, err)
		assert.Equal(t, errs.BadParamFileExitCode, e.GetExitCode(), "%v", args)
	}

	cmd := MakeWorkerCLI(sandbox.NewWorker())
	cmd.SetArgs([]string{"step-helper"})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	_, ok := err.(*errs.ExitCodeError)
	assert.False(t, ok)
}
