package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

var TimeoutError = errors.New("command timeout")

// RunResult summarizes one RunKillableCommand call.
type RunResult struct {
	// Started is false if the program could not be started at all, in which
	// case Error holds the reason and ProcessState is nil.
	Started bool

	// ProcessState of the exited process, possibly nil for fakes.
	ProcessState *os.ProcessState

	Stdout []byte
	Stderr []byte

	// Error from Start() or Wait(), or TimeoutError.
	Error error
}

func (rr RunResult) String() string {
	return fmt.Sprintf("Started:%t, Error:%v, Stdout:%s, Stderr:%s", rr.Started, rr.Error, rr.Stdout, rr.Stderr)
}

// ExitStatus returns the exit status carried by Error, 0 on success and -1
// if the command did not run to an exit.
func (rr RunResult) ExitStatus() int {
	if rr.Error == nil {
		return 0
	}
	var exitErr ExitError
	if errors.As(rr.Error, &exitErr) {
		return exitErr.ExitStatus()
	}
	return -1
}

func truncateCmd(cmd Cmd) string {
	args := cmd.Args()
	if len(args) > 0 {
		args[0] = filepath.Base(args[0])
	}
	return strings.Join(args, " ")
}

// RunKillableCommand runs cmd to completion and captures its output. If ctx
// is done first the process gets SIGTERM, then SIGKILL after killTimeout. A
// timeout > 0 bounds the run the same way and reports TimeoutError.
func RunKillableCommand(ctx context.Context, cmd Cmd, killTimeout time.Duration, timeout time.Duration) RunResult {
	var rr RunResult
	var outBuf, errBuf bytes.Buffer
	cmd.SetStdout(&outBuf)
	cmd.SetStderr(&errBuf)

	log.Debugf("Running command: %s", truncateCmd(cmd))
	cmdErr := cmd.Start()
	if cmdErr != nil {
		rr.Error = cmdErr
		rr.Stdout = outBuf.Bytes()
		rr.Stderr = errBuf.Bytes()
		return rr
	}
	rr.Started = true

	doneCh := make(chan struct{})
	go func() {
		cmdErr = cmd.Wait()
		close(doneCh)
	}()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-doneCh:
	case <-timeoutCh:
		log.Infof("command %q timed out after %v, killing it", truncateCmd(cmd), timeout)
		termThenKill(cmd.Process(), killTimeout, doneCh)
		<-doneCh
		cmdErr = TimeoutError
	case <-ctx.Done():
		log.Infof("command %q cancelled, killing it", truncateCmd(cmd))
		termThenKill(cmd.Process(), killTimeout, doneCh)
		<-doneCh
		if cmdErr == nil {
			cmdErr = ctx.Err()
		}
	}

	rr.ProcessState = cmd.ProcessState()
	rr.Stdout = outBuf.Bytes()
	rr.Stderr = errBuf.Bytes()
	rr.Error = cmdErr
	return rr
}

// termThenKill sends SIGTERM and escalates to Kill if the process has not
// exited after d. waitDoneCh must be closed by the caller when Wait returns.
func termThenKill(p *os.Process, d time.Duration, waitDoneCh <-chan struct{}) error {
	if p == nil {
		return nil
	}
	err := p.Signal(syscall.SIGTERM)
	if err != nil {
		log.Errorf("Failed to send SIGTERM to process: %s", err)
		return err
	}

	select {
	case <-waitDoneCh:
	case <-time.After(d):
		log.Info("Command hasn't exited, using Kill()")
		err = p.Kill()
		if err != nil {
			log.Errorf("Failed to Kill() process: %s", err)
			return err
		}
	}
	return nil
}
