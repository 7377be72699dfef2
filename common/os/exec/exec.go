// Package exec puts os/exec behind interfaces so code that shells out to the
// Slurm CLIs can be driven by scripted fakes in tests.
package exec

import (
	"errors"
	"io"
	"os"
	osexec "os/exec"
	"syscall"
)

// OsExec creates commands. Names without a path separator are looked up in
// PATH when the command starts.
type OsExec interface {
	Command(name string, args ...string) Cmd
}

// Cmd is the part of os/exec.Cmd the Slurm client drives.
type Cmd interface {
	Path() string
	// Args is a copy of the argument vector, program name first.
	Args() []string

	Output() ([]byte, error)
	Run() error
	Start() error
	Wait() error

	SetStdout(io.Writer)
	SetStderr(io.Writer)
	Stdout() io.Writer
	Stderr() io.Writer

	// Process is nil until Start succeeded.
	Process() *os.Process
	// ProcessState is nil until Wait returned.
	ProcessState() *os.ProcessState
}

// ExitError is returned by Run, Wait and Output when the program ran and
// did not exit zero.
type ExitError interface {
	error
	Exited() bool
	// ExitStatus is -1 when the process was killed by a signal.
	ExitStatus() int
	Signaled() bool
	Path() string
	Args() []string
}

type osExec struct{}

// NewOsExec returns the OsExec backed by os/exec.
func NewOsExec() OsExec { return osExec{} }

func (osExec) Command(name string, args ...string) Cmd {
	return &command{c: osexec.Command(name, args...)}
}

type command struct {
	c *osexec.Cmd
}

func (c *command) Path() string                   { return c.c.Path }
func (c *command) Args() []string                 { return append([]string(nil), c.c.Args...) }
func (c *command) SetStdout(w io.Writer)          { c.c.Stdout = w }
func (c *command) SetStderr(w io.Writer)          { c.c.Stderr = w }
func (c *command) Stdout() io.Writer              { return c.c.Stdout }
func (c *command) Stderr() io.Writer              { return c.c.Stderr }
func (c *command) Process() *os.Process           { return c.c.Process }
func (c *command) ProcessState() *os.ProcessState { return c.c.ProcessState }
func (c *command) Start() error                   { return c.c.Start() }
func (c *command) Run() error                     { return c.exitError(c.c.Run()) }
func (c *command) Wait() error                    { return c.exitError(c.c.Wait()) }

func (c *command) Output() ([]byte, error) {
	out, err := c.c.Output()
	return out, c.exitError(err)
}

func (c *command) exitError(err error) error {
	var ee *osexec.ExitError
	if !errors.As(err, &ee) {
		return err
	}
	ws, ok := ee.Sys().(syscall.WaitStatus)
	if !ok {
		return err
	}
	return &exitError{ExitError: ee, ws: ws, path: c.Path(), args: c.Args()}
}

type exitError struct {
	*osexec.ExitError
	ws   syscall.WaitStatus
	path string
	args []string
}

var _ ExitError = &exitError{}

func (e *exitError) Exited() bool    { return e.ws.Exited() }
func (e *exitError) ExitStatus() int { return e.ws.ExitStatus() }
func (e *exitError) Signaled() bool  { return e.ws.Signaled() }
func (e *exitError) Path() string    { return e.path }
func (e *exitError) Args() []string  { return e.args }
