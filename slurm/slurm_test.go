package slurm

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmacmillan/Kive-sub000/common/os/exec"
	"github.com/dmacmillan/Kive-sub000/common/stats"
)

const (
	sinfoOK = "AVAIL     PARTITION       PRIO_JOB_FACTOR\n" +
		"up        kive-medium     20\n" +
		"up        kive-low        10\n" +
		"down      kive-broken     50\n" +
		"up        kive-high       30\n"
	squeueHeader = "JOBID NAME PARTITION SUBMIT_TIME\n"
	sacctHeader  = "JobID|JobName|Start|End|State|Partition|Submit|ExitCode\n"
)

var aliveCmds = [][]string{
	{"squeue"},
	{"sinfo", "-O", "available,partitionname,priorityjobfactor"},
	{"squeue", "--format=%i %j %P %V", "-p", "kive-low,kive-medium,kive-high"},
	{"sacct", "--parsable2", "--format", "JobID,JobName,Start,End,State,Partition,Submit,ExitCode"},
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.NumRetries = 2
	cfg.MaxCallsPerSecond = 0
	cfg.Location = time.UTC
	return cfg
}

func aliveOutputs(extra map[int]string) map[int]string {
	out := map[int]string{0: squeueHeader, 1: sinfoOK, 2: squeueHeader, 3: sacctHeader}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func newAliveScheduler(t *testing.T, more [][]string, outputs map[int]string, actions map[int]func(exec.Cmd) error) (*SlurmScheduler, *exec.ValidatingExecer, stats.StatsReceiver) {
	ve := exec.NewValidatingExecer(t, append(append([][]string(nil), aliveCmds...), more...))
	ve.SetOutputs(aliveOutputs(outputs))
	if actions != nil {
		ve.SetFakeActions(actions)
	}
	stat := stats.DefaultStatsReceiver()
	s := NewSlurmScheduler(ve, testConfig(), stat)
	if !s.SlurmIsAlive(context.Background()) {
		t.Fatalf("expected scheduler to be alive")
	}
	return s, ve, stat
}

func writeProgram(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "driver.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0755))
	return path
}

func TestSlurmIsAliveDiscoversPartitions(t *testing.T) {
	s, ve, _ := newAliveScheduler(t, nil, nil, nil)
	defer ve.CheckAllValidated()

	assert.Equal(t, 2, s.MaxPriority())
	assert.Equal(t, "Real Slurm: 0:kive-low, 1:kive-medium, 2:kive-high", s.Ident())
}

func TestSlurmIsAliveRejectsEqualPriorities(t *testing.T) {
	ve := exec.NewValidatingExecer(t, aliveCmds[:2]).SetOutputs(map[int]string{
		0: squeueHeader,
		1: "AVAIL PARTITION PRIO_JOB_FACTOR\nup a 10\nup b 10\n",
	})
	defer ve.CheckAllValidated()
	s := NewSlurmScheduler(ve, testConfig(), stats.NilStatsReceiver())
	if s.SlurmIsAlive(context.Background()) {
		t.Fatalf("partitions with equal priority must not be accepted")
	}
	_, err := s.SubmitJob(context.Background(), JobRequest{})
	assert.Equal(t, ErrNotReady, err)
}

func TestSlurmIsAliveHonorsConfiguredOrder(t *testing.T) {
	ve := exec.NewValidatingExecer(t, [][]string{
		{"squeue"},
		{"sinfo", "-O", "available,partitionname,priorityjobfactor", "-p", "kive-high,kive-low"},
	}).SetOutputs(map[int]string{0: squeueHeader, 1: sinfoOK})
	defer ve.CheckAllValidated()
	cfg := testConfig()
	cfg.Partitions = []string{"kive-high", "kive-low"}
	s := NewSlurmScheduler(ve, cfg, stats.NilStatsReceiver())
	if s.SlurmIsAlive(context.Background()) {
		t.Fatalf("a decreasing partition order must not be accepted")
	}
}

func TestSubmitJobCommand(t *testing.T) {
	program := writeProgram(t)
	dir := filepath.Dir(program)
	q := regexp.QuoteMeta
	s, ve, stat := newAliveScheduler(t, [][]string{{
		"sbatch", "-D", q(dir), "-J", "step1", "-p", "kive-high", "-s", "-c", "2", "--mem=512",
		"--export=ALL,FOO=bar", "--output=" + q(dir) + "/out", "--error=" + q(dir) + "/err",
		"--dependency=afterok:11:12,afterany:13", "--kill-on-invalid-dep=yes",
		q(program), "a", "b",
	}}, map[int]string{4: "Submitted batch job 4242\n"}, nil)
	defer ve.CheckAllValidated()

	h, err := s.SubmitJob(context.Background(), JobRequest{
		WorkDir:    dir,
		Program:    "driver.sh",
		Args:       []string{"a", "b"},
		Name:       "step1",
		Priority:   7,
		NumCPUs:    2,
		MemMB:      512,
		StdoutPath: dir + "/out",
		StderrPath: dir + "/err",
		AfterOkay:  []JobHandle{{JobID: "11"}, {JobID: "12"}},
		AfterAny:   []JobHandle{{JobID: "13"}},
		Env:        map[string]string{"FOO": "bar"},
	})
	require.NoError(t, err)
	assert.Equal(t, "4242", h.JobID)
	assert.Equal(t, "step1", h.Name)
	assert.EqualValues(t, 1, stat.Counter("slurm", stats.SlurmSubmitCounter).Count())
}

func TestSubmitJobRejectsBadRequests(t *testing.T) {
	s, ve, stat := newAliveScheduler(t, nil, nil, nil)
	defer ve.CheckAllValidated()

	_, err := s.SubmitJob(context.Background(), JobRequest{WorkDir: t.TempDir(), Program: "missing.sh", NumCPUs: 1})
	assert.True(t, IsSubmissionError(err), "missing program: %v", err)

	_, err = s.SubmitJob(context.Background(), JobRequest{Program: writeProgram(t), NumCPUs: 0})
	assert.True(t, IsSubmissionError(err), "no cpus: %v", err)
	assert.EqualValues(t, 2, stat.Counter("slurm", stats.SlurmSubmitFailureCounter).Count())
}

func TestSubmitJobUnparsableOutput(t *testing.T) {
	program := writeProgram(t)
	more := [][]string{{"sbatch", ".*", ".*", ".*", ".*", ".*", ".*", ".*", ".*", ".*", ".*", ".*", ".*"}}
	s, ve, _ := newAliveScheduler(t, more, map[int]string{4: "sbatch: queue is full\n"}, nil)
	defer ve.CheckAllValidated()

	_, err := s.SubmitJob(context.Background(), JobRequest{Program: program, NumCPUs: 1})
	assert.True(t, IsSubmissionError(err), "%v", err)
}

func TestGetAccountingInfo(t *testing.T) {
	more := [][]string{
		{"squeue", "--format=%i %j %P %V", "-p", "kive-low,kive-medium,kive-high", "-j", "5,6,7,8"},
		{"sacct", "--parsable2", "--format", sacctFormat, "-j", "5,6,7,8"},
	}
	s, ve, _ := newAliveScheduler(t, more, map[int]string{
		4: squeueHeader + "5 waiter kive-low 2024-01-02T03:04:05\n",
		5: sacctHeader +
			"6|done|2024-01-02T03:04:05|2024-01-02T03:05:05|COMPLETED|kive-medium|2024-01-02T03:00:00|0:0\n" +
			"6.batch|batch|2024-01-02T03:04:05|2024-01-02T03:05:05|COMPLETED||2024-01-02T03:00:00|0:0\n" +
			"7|bad|2024-01-02T03:04:05|Unknown|CANCELLED by 1000|kive-high|2024-01-02T03:00:00|0:15\n" +
			"9|foreign|Unknown|Unknown|COMPLETED|other|Unknown|0:0\n",
	}, nil)
	defer ve.CheckAllValidated()

	handles := []JobHandle{{JobID: "5"}, {JobID: "6"}, {JobID: "7"}, {JobID: "8"}}
	info, err := s.GetAccountingInfo(context.Background(), handles)
	require.NoError(t, err)
	require.Len(t, info, 4)

	waiting := info["5"]
	assert.Equal(t, Waiting, waiting.State)
	assert.Equal(t, "waiter", waiting.Name)
	assert.Equal(t, 0, *waiting.Priority)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), *waiting.SubmitTime)
	assert.Nil(t, waiting.ReturnCode)

	done := info["6"]
	assert.Equal(t, Completed, done.State)
	assert.Equal(t, 0, *done.ReturnCode)
	assert.Equal(t, "kive-medium", done.PriorityLabel)

	cancelled := info["7"]
	assert.Equal(t, Cancelled, cancelled.State)
	assert.Equal(t, "CANCELLED by 1000", cancelled.RawState)
	assert.Nil(t, cancelled.EndTime)
	assert.Equal(t, 15, *cancelled.Signal)

	unknown := info["8"]
	assert.Equal(t, Unknown, unknown.State)
	assert.Nil(t, unknown.Priority)
}

func TestSetJobPriorityIgnoresExitOne(t *testing.T) {
	more := [][]string{{"scontrol", "update", "job", "3,4", "Partition=kive-low"}}
	s, ve, _ := newAliveScheduler(t, more, nil, map[int]func(exec.Cmd) error{
		4: func(cmd exec.Cmd) error { return &exec.FakeExitError{Code: 1, Cmd: cmd.Args()} },
	})
	defer ve.CheckAllValidated()

	err := s.SetJobPriority(context.Background(), []JobHandle{{JobID: "3"}, {JobID: "4"}}, -4)
	assert.NoError(t, err)
}

func TestSetJobPriorityRetriesOtherFailures(t *testing.T) {
	cmd := []string{"scontrol", "update", "job", "3", "Partition=kive-medium"}
	fail := func(c exec.Cmd) error { return &exec.FakeExitError{Code: 2, Cmd: c.Args()} }
	s, ve, stat := newAliveScheduler(t, [][]string{cmd, cmd, cmd}, nil,
		map[int]func(exec.Cmd) error{4: fail, 5: fail, 6: fail})
	defer ve.CheckAllValidated()

	err := s.SetJobPriority(context.Background(), []JobHandle{{JobID: "3"}}, 1)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 2, cmdErr.ExitCode)
	assert.EqualValues(t, 2, stat.Counter("slurm", stats.SlurmCLIRetryCounter).Count())
}

func TestJobCancelCommand(t *testing.T) {
	more := [][]string{{"scancel", "-f", "42"}, {"scancel", "-f", "43"}}
	s, ve, _ := newAliveScheduler(t, more, nil, map[int]func(exec.Cmd) error{
		5: func(c exec.Cmd) error { return &exec.FakeExitError{Code: 1, Cmd: c.Args()} },
	})
	defer ve.CheckAllValidated()

	assert.NoError(t, s.JobCancel(context.Background(), JobHandle{JobID: "42"}))
	assert.Error(t, s.JobCancel(context.Background(), JobHandle{JobID: "43"}))
}

func TestCLIRetriesUntilSuccess(t *testing.T) {
	rte := exec.NewRetryTestExecer(2, 1, "ok\n")
	stat := stats.DefaultStatsReceiver()
	cfg := testConfig()
	cfg.NumRetries = 3
	cli := NewCLI(rte, cfg, stat)

	out, err := cli.Run(context.Background(), "squeue")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(out))
	assert.Equal(t, 3, rte.RCmd.CallCount)
	assert.EqualValues(t, 2, stat.Counter(stats.SlurmCLIRetryCounter).Count())
}

func TestCLIGivesUp(t *testing.T) {
	rte := exec.NewRetryTestExecer(5, 1, "ok\n")
	cfg := testConfig()
	cfg.NumRetries = 1
	cli := NewCLI(rte, cfg, stats.NilStatsReceiver())

	_, err := cli.Run(context.Background(), "sacct")
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 2, rte.RCmd.CallCount)
}

func TestCLIDoesNotRetryStartFailures(t *testing.T) {
	cli := NewCLI(exec.NewOsExec(), testConfig(), stats.NilStatsReceiver())
	_, err := cli.Run(context.Background(), "fleet-no-such-program-xyz")
	require.Error(t, err)
	var cmdErr *CommandError
	assert.False(t, errors.As(err, &cmdErr), "start failures are not command errors: %v", err)
}

func TestParseJobState(t *testing.T) {
	for raw, want := range map[string]JobState{
		"COMPLETED":         Completed,
		"CANCELLED by 1000": Cancelled,
		"OUT_OF_MEMORY":     OutOfMemory,
		"OOM":               OutOfMemory,
		"PENDING":           Pending,
	} {
		got, err := ParseJobState(raw)
		if err != nil || got != want {
			t.Fatalf("ParseJobState(%q) = %v, %v; want %v", raw, got, err, want)
		}
	}
	if _, err := ParseJobState("BOGUS"); err == nil {
		t.Fatalf("expected an error for an undefined state")
	}
	assert.False(t, Unknown.IsTerminal())
	assert.False(t, Unknown.IsActive())
	assert.True(t, OutOfMemory.IsCancelled())
}
