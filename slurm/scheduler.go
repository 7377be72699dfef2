// Package slurm submits work units to a batch scheduler. SlurmScheduler
// drives a real Slurm cluster through its CLIs; DummyScheduler runs jobs as
// local processes with the same dependency and priority semantics.
package slurm

//go:generate mockgen -source=scheduler.go -package=slurm -destination=scheduler_mock.go

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// JobState is a job state as reported by sacct, plus WAITING (queued but
// unknown to accounting) and UNKNOWN (no information at all).
type JobState string

const (
	Pending     JobState = "PENDING"
	Waiting     JobState = "WAITING"
	Running     JobState = "RUNNING"
	Completing  JobState = "COMPLETING"
	Suspended   JobState = "SUSPENDED"
	Resizing    JobState = "RESIZING"
	Preempted   JobState = "PREEMPTED"
	BootFail    JobState = "BOOT_FAIL"
	Cancelled   JobState = "CANCELLED"
	Deadline    JobState = "DEADLINE"
	NodeFail    JobState = "NODE_FAIL"
	Timeout     JobState = "TIMEOUT"
	Failed      JobState = "FAILED"
	Completed   JobState = "COMPLETED"
	OutOfMemory JobState = "OOM"
	Unknown     JobState = "UNKNOWN"
)

var (
	RunningStates   = stateSet(Pending, Waiting, Running, Completing, Preempted, Resizing, Suspended)
	CancelledStates = stateSet(Cancelled, BootFail, Deadline, NodeFail, Timeout, OutOfMemory)
	FailedStates    = stateSet(Failed)
	SuccessStates   = stateSet(Completed)
)

func stateSet(states ...JobState) map[JobState]bool {
	m := make(map[JobState]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// ParseJobState maps a raw sacct state onto a JobState. sacct decorates some
// states ("CANCELLED by 1000"); only the first word counts.
func ParseJobState(raw string) (JobState, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return Unknown, fmt.Errorf("empty job state")
	}
	s := JobState(strings.TrimSuffix(fields[0], "+"))
	if s.IsValid() {
		return s, nil
	}
	if s == "OUT_OF_MEMORY" {
		return OutOfMemory, nil
	}
	return Unknown, fmt.Errorf("undefined job state %q", raw)
}

func (s JobState) IsValid() bool {
	return s == Unknown || RunningStates[s] || CancelledStates[s] || FailedStates[s] || SuccessStates[s]
}

// IsActive is true for jobs that have not reached a terminal state yet.
func (s JobState) IsActive() bool { return RunningStates[s] }

func (s JobState) IsCancelled() bool { return CancelledStates[s] }

func (s JobState) IsFailed() bool { return FailedStates[s] }

func (s JobState) IsSuccessful() bool { return SuccessStates[s] }

// IsTerminal excludes UNKNOWN: a job nobody knows about may still show up.
func (s JobState) IsTerminal() bool {
	return s.IsCancelled() || s.IsFailed() || s.IsSuccessful()
}

// JobHandle identifies a submitted job.
type JobHandle struct {
	JobID string
	Name  string
}

func (h JobHandle) String() string {
	return fmt.Sprintf("slurm job_id %s", h.JobID)
}

func jobIDs(handles []JobHandle) []string {
	ids := make([]string, len(handles))
	for i, h := range handles {
		ids[i] = h.JobID
	}
	return ids
}

// JobRequest describes one submission. The program runs in WorkDir as
// Program Args...; StdoutPath and StderrPath are optional.
type JobRequest struct {
	WorkDir    string
	Program    string
	Args       []string
	Name       string
	Priority   int
	NumCPUs    int
	MemMB      int
	StdoutPath string
	StderrPath string
	// All of AfterOkay must complete successfully; all of AfterAny must
	// terminate. Both conditions must hold before the job starts.
	AfterOkay []JobHandle
	AfterAny  []JobHandle
	// Added to the job's environment.
	Env map[string]string
}

func (r JobRequest) String() string {
	return fmt.Sprintf("JobRequest{Name:%s Program:%s Args:%v Priority:%d CPUs:%d Mem:%dMB AfterOkay:%v AfterAny:%v}",
		r.Name, r.Program, r.Args, r.Priority, r.NumCPUs, r.MemMB, jobIDs(r.AfterOkay), jobIDs(r.AfterAny))
}

// AccountingRecord is what the scheduler knows about a job. Nil times and
// return codes are unknown.
type AccountingRecord struct {
	JobID         string
	Name          string
	SubmitTime    *time.Time
	StartTime     *time.Time
	EndTime       *time.Time
	ReturnCode    *int
	Signal        *int
	State         JobState
	RawState      string
	Priority      *int
	PriorityLabel string
}

func unknownRecord(jobID string) *AccountingRecord {
	return &AccountingRecord{JobID: jobID, State: Unknown, RawState: string(Unknown)}
}

// JobScheduler is implemented by SlurmScheduler and DummyScheduler.
type JobScheduler interface {
	// SlurmIsAlive checks the backend and caches its partition layout. It
	// must succeed once before jobs can be submitted.
	SlurmIsAlive(ctx context.Context) bool

	// Ident describes the backend for logs.
	Ident() string

	// MaxPriority is the highest priority SubmitJob accepts; larger values
	// are clamped.
	MaxPriority() int

	SubmitJob(ctx context.Context, req JobRequest) (JobHandle, error)

	// JobCancel is a no-op for jobs that already finished.
	JobCancel(ctx context.Context, handle JobHandle) error

	// GetAccountingInfo returns a record for every requested handle, or for
	// every known job when handles is empty. Unknown jobs get an UNKNOWN
	// record rather than being left out.
	GetAccountingInfo(ctx context.Context, handles []JobHandle) (map[string]*AccountingRecord, error)

	// SetJobPriority is best effort: jobs already running or finished keep
	// their priority without an error.
	SetJobPriority(ctx context.Context, handles []JobHandle, priority int) error

	// Shutdown releases backend resources. The scheduler is unusable after.
	Shutdown()
}

// ErrNotReady is returned by schedulers that were never checked successfully.
var ErrNotReady = errors.New("scheduler not ready: SlurmIsAlive must succeed first")

// SubmissionError is a submission the backend refused or that could not be
// attempted at all.
type SubmissionError struct {
	Request JobRequest
	Reason  string
	Err     error
}

func (e *SubmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot submit %s: %s: %v", e.Request.Name, e.Reason, e.Err)
	}
	return fmt.Sprintf("cannot submit %s: %s", e.Request.Name, e.Reason)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// IsSubmissionError reports whether err (or its cause) is a *SubmissionError.
func IsSubmissionError(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se)
}

func clampPriority(p, max int) int {
	if p < 0 {
		return 0
	}
	if p > max {
		return max
	}
	return p
}
