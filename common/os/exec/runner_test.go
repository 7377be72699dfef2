package exec

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUnrunnableCommand(t *testing.T) {
	cmd := NewOsExec().Command("sjkldoeiujeiuc")
	rr := RunKillableCommand(context.Background(), cmd, 0, 0)
	if rr.Error == nil {
		t.Fatal("unexpected nil error from unrunnable command")
	}
	if rr.Started {
		t.Fatal("an unrunnable command must not be reported as started")
	}
	if rr.ExitStatus() != -1 {
		t.Fatalf("expected -1 exit status, got %d", rr.ExitStatus())
	}
}

func TestRunKillableCommandOutput(t *testing.T) {
	script := withTempExec(t, "#!/bin/bash\necho \"stdout line\"\necho \"stderr line\" 1>&2\nexit 4\n")

	rr := RunKillableCommand(context.Background(), NewOsExec().Command(script), time.Second, 0)
	if !rr.Started {
		t.Fatalf("command did not start: %v", rr.Error)
	}
	if rr.ExitStatus() != 4 {
		t.Fatalf("expected exit status 4, got %d (%v)", rr.ExitStatus(), rr.Error)
	}
	if !bytes.Contains(rr.Stdout, []byte("stdout line")) {
		t.Fatalf("expected output in stdout not present. stdout: %s", rr.Stdout)
	}
	if !bytes.Contains(rr.Stderr, []byte("stderr line")) {
		t.Fatalf("expected output in stderr not present. stderr: %s", rr.Stderr)
	}
}

func TestRunKillableCommandCancelled(t *testing.T) {
	script := withTempExec(t, "#!/bin/bash\nwhile :\ndo sleep 1\ndone\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rr := RunKillableCommand(ctx, NewOsExec().Command(script), 100*time.Millisecond, 0)
	if rr.Error == nil {
		t.Fatal("unexpected nil error from a cancelled command")
	}
	if rr.ProcessState == nil || rr.ProcessState.Exited() {
		t.Fatal("expected the process to be terminated by a signal")
	}
}

func TestCommandTimeout(t *testing.T) {
	cmd := NewOsExec().Command("sleep", "5")
	start := time.Now()
	rr := RunKillableCommand(context.Background(), cmd, time.Second, 500*time.Millisecond)
	assert.True(t, time.Since(start) < 2*time.Second)
	assert.True(t, errors.Is(rr.Error, TimeoutError))
}

func TestValidatingExecer(t *testing.T) {
	expectedCmds := [][]string{{"squeue", "--format=%i %j %P %V"}, {"sacct", "-j", "[0-9]+"}, {"scancel", "-f", "7"}}
	ve := NewValidatingExecer(t, expectedCmds)
	defer ve.CheckAllValidated()
	ve.SetOutputs(map[int]string{1: "JobID|State\n7|RUNNING\n"})
	ve.SetFakeActions(map[int]func(cmd Cmd) error{
		2: func(cmd Cmd) error {
			cmd.Stderr().Write([]byte("scancel: error"))
			return &FakeExitError{Code: 1, Cmd: cmd.Args()}
		},
	})

	rr := RunKillableCommand(context.Background(), ve.Command("squeue", "--format=%i %j %P %V"), time.Second, 0)
	assert.NoError(t, rr.Error)

	rr = RunKillableCommand(context.Background(), ve.Command("sacct", "-j", "7"), time.Second, 0)
	assert.NoError(t, rr.Error)
	assert.Equal(t, "JobID|State\n7|RUNNING\n", string(rr.Stdout))

	rr = RunKillableCommand(context.Background(), ve.Command("scancel", "-f", "7"), time.Second, 0)
	assert.Equal(t, 1, rr.ExitStatus())
	assert.Equal(t, "scancel: error", string(rr.Stderr))
}

func TestRetryTestExecer(t *testing.T) {
	rte := NewRetryTestExecer(2, 1, "Submitted batch job 9\n")
	for i := 0; i < 2; i++ {
		_, err := rte.Command("sbatch").Output()
		if _, ok := err.(ExitError); !ok {
			t.Fatalf("call %d: expected an ExitError, got %v", i, err)
		}
	}
	out, err := rte.Command("sbatch").Output()
	assert.NoError(t, err)
	assert.Equal(t, "Submitted batch job 9\n", string(out))
	assert.Equal(t, 3, rte.RCmd.CallCount)
}

func TestTruncateCmd(t *testing.T) {
	cmd := NewOsExec().Command("/usr/bin/sbatch", "-J", "job")
	assert.Equal(t, "sbatch -J job", truncateCmd(cmd))
}
