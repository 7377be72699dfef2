package os

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dmacmillan/Kive-sub000/runner/execer"
)

// AbortTimeout is how long Abort waits after SIGTERM before sending SIGKILL.
var AbortTimeout = 5 * time.Second

type osExecer struct{}

// NewExecer returns an Execer that starts real processes, each in its own
// process group so that Abort reaches every descendant.
func NewExecer() execer.Execer {
	return &osExecer{}
}

func (e *osExecer) Exec(command execer.Command) (execer.Process, error) {
	if len(command.Argv) == 0 {
		return nil, fmt.Errorf("No command specified.")
	}

	cmd := exec.Command(command.Argv[0], command.Argv[1:]...)
	cmd.Dir = command.Dir
	cmd.Env = os.Environ()
	for k, v := range command.EnvVars {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = command.Stdout
	cmd.Stderr = command.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &process{cmd: cmd, tag: command.Tag, doneCh: make(chan struct{})}
	go p.wait()
	log.WithFields(log.Fields{
		"pid": cmd.Process.Pid,
		"tag": command.Tag,
	}).Debug("Started process")
	return p, nil
}

type process struct {
	cmd    *exec.Cmd
	tag    string
	doneCh chan struct{}

	mu      sync.Mutex
	result  execer.ProcessStatus
	aborted bool
}

func (p *process) wait() {
	err := p.cmd.Wait()
	status := execer.ProcessStatus{State: execer.COMPLETE}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				if ws.Signaled() {
					status.State = execer.FAILED
					status.Signal = int(ws.Signal())
					status.ExitCode = -1
					status.Error = fmt.Sprintf("terminated by signal %v", ws.Signal())
				} else {
					status.ExitCode = ws.ExitStatus()
				}
			} else {
				status.State = execer.FAILED
				status.Error = "Could not find WaitStatus from exiterr.Sys()"
			}
		} else {
			status.State = execer.FAILED
			status.Error = err.Error()
		}
	}

	p.mu.Lock()
	if p.aborted {
		status.State = execer.FAILED
		if status.Error == "" {
			status.Error = "Aborted"
		}
	}
	p.result = status
	p.mu.Unlock()
	close(p.doneCh)
	log.WithFields(log.Fields{
		"pid":      p.cmd.Process.Pid,
		"tag":      p.tag,
		"exitCode": status.ExitCode,
	}).Debug("Process finished")
}

func (p *process) Wait() execer.ProcessStatus {
	<-p.doneCh
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

func (p *process) Poll() execer.ProcessStatus {
	select {
	case <-p.doneCh:
		return p.Wait()
	default:
		return execer.ProcessStatus{State: execer.RUNNING}
	}
}

// Abort sends SIGTERM to the process group, then SIGKILL after AbortTimeout.
func (p *process) Abort() execer.ProcessStatus {
	select {
	case <-p.doneCh:
		return p.Wait()
	default:
	}

	p.mu.Lock()
	p.aborted = true
	p.mu.Unlock()

	pgid := p.cmd.Process.Pid
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil {
		log.WithFields(log.Fields{"pgid": pgid, "tag": p.tag, "error": err}).Info("SIGTERM failed, killing")
		unix.Kill(-pgid, unix.SIGKILL)
	}
	select {
	case <-p.doneCh:
	case <-time.After(AbortTimeout):
		log.WithFields(log.Fields{"pgid": pgid, "tag": p.tag}).Info("Process hasn't exited, using SIGKILL")
		unix.Kill(-pgid, unix.SIGKILL)
	}
	return p.Wait()
}
