package exec

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
)

// ValidatingExecer runs nothing. Every command it creates is checked against
// the next expected argv (one anchored regexp per argument) when started; the
// canned stdout and fake action registered for that index then stand in for
// the program.
type ValidatingExecer struct {
	t        *testing.T
	mu       sync.Mutex
	expected [][]string
	started  int
	outputs  map[int]string
	actions  map[int]func(Cmd) error
}

// NewValidatingExecer expects exactly the given commands, in order.
func NewValidatingExecer(t *testing.T, expected [][]string) *ValidatingExecer {
	return &ValidatingExecer{t: t, expected: expected}
}

// SetOutputs registers stdout per expected command index.
func (v *ValidatingExecer) SetOutputs(outputs map[int]string) *ValidatingExecer {
	v.outputs = outputs
	return v
}

// SetFakeActions registers actions per expected command index. An action's
// error is what Run, Wait or Output return.
func (v *ValidatingExecer) SetFakeActions(actions map[int]func(Cmd) error) *ValidatingExecer {
	v.actions = actions
	return v
}

func (v *ValidatingExecer) Command(name string, args ...string) Cmd {
	return &ValidatingCmd{execer: v, argv: append([]string{name}, args...)}
}

// Commands is how many commands were started so far.
func (v *ValidatingExecer) Commands() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.started
}

// CheckAllValidated fails the test unless every expected command ran.
func (v *ValidatingExecer) CheckAllValidated() {
	if n := v.Commands(); n != len(v.expected) {
		v.t.Fatalf("expected %d commands, %d ran", len(v.expected), n)
	}
}

func (v *ValidatingExecer) validate(argv []string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	idx := v.started
	v.started++
	if idx >= len(v.expected) {
		return idx, fmt.Errorf("unexpected command %d: %s", idx, strings.Join(argv, " "))
	}
	want := v.expected[idx]
	if len(want) != len(argv) {
		return idx, fmt.Errorf("command %d: want %d args (%s), got %d (%s)",
			idx, len(want), strings.Join(want, ","), len(argv), strings.Join(argv, ","))
	}
	for i, re := range want {
		if !regexp.MustCompile("^(?:" + re + ")$").MatchString(argv[i]) {
			return idx, fmt.Errorf("command %d arg %d: %q does not match %q in: %s",
				idx, i, argv[i], re, strings.Join(argv, " "))
		}
	}
	return idx, nil
}

// ValidatingCmd is the Cmd handed out by ValidatingExecer.
type ValidatingCmd struct {
	execer         *ValidatingExecer
	argv           []string
	stdout, stderr io.Writer
	result         error
}

func (c *ValidatingCmd) Path() string                   { return c.argv[0] }
func (c *ValidatingCmd) Args() []string                 { return append([]string(nil), c.argv...) }
func (c *ValidatingCmd) SetStdout(w io.Writer)          { c.stdout = w }
func (c *ValidatingCmd) SetStderr(w io.Writer)          { c.stderr = w }
func (c *ValidatingCmd) Stdout() io.Writer              { return c.stdout }
func (c *ValidatingCmd) Stderr() io.Writer              { return c.stderr }
func (c *ValidatingCmd) Process() *os.Process           { return nil }
func (c *ValidatingCmd) ProcessState() *os.ProcessState { return nil }
func (c *ValidatingCmd) Wait() error                    { return c.result }

// Start validates the command and runs its fake action in place.
func (c *ValidatingCmd) Start() error {
	idx, err := c.execer.validate(c.argv)
	if err != nil {
		c.execer.t.Error(err)
		c.result = err
		return nil
	}
	if out, ok := c.execer.outputs[idx]; ok && c.stdout != nil {
		io.WriteString(c.stdout, out)
	}
	if fn, ok := c.execer.actions[idx]; ok {
		c.result = fn(c)
	}
	return nil
}

func (c *ValidatingCmd) Run() error {
	c.Start()
	return c.Wait()
}

func (c *ValidatingCmd) Output() ([]byte, error) {
	var out bytes.Buffer
	c.stdout = &out
	err := c.Run()
	return out.Bytes(), err
}

// FakeExitError is the ExitError of a command that exited with Code.
type FakeExitError struct {
	Code int
	Cmd  []string
}

var _ ExitError = &FakeExitError{}

func (e *FakeExitError) Exited() bool    { return true }
func (e *FakeExitError) ExitStatus() int { return e.Code }
func (e *FakeExitError) Signaled() bool  { return false }
func (e *FakeExitError) Args() []string  { return e.Cmd }
func (e *FakeExitError) Error() string   { return fmt.Sprintf("exit status %d", e.Code) }

func (e *FakeExitError) Path() string {
	if len(e.Cmd) == 0 {
		return ""
	}
	return e.Cmd[0]
}

// RetryTestExecer hands out one shared command that exits with a fixed code
// for its first runs and then succeeds, printing canned stdout.
type RetryTestExecer struct {
	RCmd *RetryCmd
}

// NewRetryTestExecer fails the first failures runs with failCode.
func NewRetryTestExecer(failures, failCode int, stdout string) *RetryTestExecer {
	return &RetryTestExecer{RCmd: &RetryCmd{failures: failures, failCode: failCode, out: stdout}}
}

func (r *RetryTestExecer) Command(name string, args ...string) Cmd {
	r.RCmd.argv = append([]string{name}, args...)
	return r.RCmd
}

type RetryCmd struct {
	argv           []string
	failures       int
	failCode       int
	out            string
	stdout, stderr io.Writer

	CallCount int
}

func (c *RetryCmd) Path() string                   { return c.argv[0] }
func (c *RetryCmd) Args() []string                 { return append([]string(nil), c.argv...) }
func (c *RetryCmd) SetStdout(w io.Writer)          { c.stdout = w }
func (c *RetryCmd) SetStderr(w io.Writer)          { c.stderr = w }
func (c *RetryCmd) Stdout() io.Writer              { return c.stdout }
func (c *RetryCmd) Stderr() io.Writer              { return c.stderr }
func (c *RetryCmd) Process() *os.Process           { return nil }
func (c *RetryCmd) ProcessState() *os.ProcessState { return nil }
func (c *RetryCmd) Start() error                   { return nil }
func (c *RetryCmd) Wait() error                    { return c.Run() }

func (c *RetryCmd) Run() error {
	c.CallCount++
	if c.CallCount <= c.failures {
		return &FakeExitError{Code: c.failCode, Cmd: c.Args()}
	}
	if c.stdout != nil {
		io.WriteString(c.stdout, c.out)
	}
	return nil
}

func (c *RetryCmd) Output() ([]byte, error) {
	var out bytes.Buffer
	c.stdout = &out
	err := c.Run()
	return out.Bytes(), err
}
