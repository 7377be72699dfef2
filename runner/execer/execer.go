// Package execer runs one Unix process (or fakes it). It is the process
// runner underneath the dummy job scheduler: it knows nothing about jobs,
// dependencies or priorities.
package execer

import "io"

type Command struct {
	Argv []string
	Dir  string
	// Added to the parent environment.
	EnvVars map[string]string

	Stdout io.Writer
	Stderr io.Writer

	// Tag identifies the command in logs.
	Tag string
}

type ProcessState int

const (
	UNKNOWN ProcessState = iota
	RUNNING
	COMPLETE
	FAILED
)

func (s ProcessState) IsDone() bool {
	return s == COMPLETE || s == FAILED
}

func (s ProcessState) String() string {
	switch s {
	case RUNNING:
		return "RUNNING"
	case COMPLETE:
		return "COMPLETE"
	case FAILED:
		return "FAILED"
	}
	return "UNKNOWN"
}

type Execer interface {
	Exec(command Command) (Process, error)
}

type Process interface {
	// Wait blocks until the process exits.
	Wait() ProcessStatus

	// Poll returns the current status without blocking.
	Poll() ProcessStatus

	// Abort terminates the process group and returns its final status.
	Abort() ProcessStatus
}

// ProcessStatus of a process. COMPLETE means the process exited on its own
// and ExitCode is meaningful; FAILED means it was killed or could not be
// waited on, see Error and Signal.
type ProcessStatus struct {
	State    ProcessState
	ExitCode int
	Signal   int
	Error    string
}
