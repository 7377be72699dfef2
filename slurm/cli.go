package slurm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/dmacmillan/Kive-sub000/common/os/exec"
	"github.com/dmacmillan/Kive-sub000/common/stats"
)

const killTimeout = 5 * time.Second

// CommandError is a Slurm CLI call that ran and exited non-zero on every
// attempt.
type CommandError struct {
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s returned exit code %d: %s", e.Argv[0], e.ExitCode, strings.TrimSpace(e.Stderr))
}

// CLI runs Slurm command line tools. Calls that ran but failed are retried
// NumRetries times, RetryDelay apart; calls that could not start are not.
type CLI struct {
	exec       exec.OsExec
	numRetries int
	retryDelay time.Duration
	timeout    time.Duration
	limiter    *rate.Limiter
	stat       stats.StatsReceiver
}

func NewCLI(osExec exec.OsExec, cfg Config, stat stats.StatsReceiver) *CLI {
	limit := rate.Inf
	if cfg.MaxCallsPerSecond > 0 {
		limit = rate.Limit(cfg.MaxCallsPerSecond)
	}
	return &CLI{
		exec:       osExec,
		numRetries: cfg.NumRetries,
		retryDelay: cfg.RetryDelay,
		timeout:    cfg.CommandTimeout,
		limiter:    rate.NewLimiter(limit, 1),
		stat:       stat,
	}
}

// Run returns the stdout of the first successful attempt.
func (c *CLI) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return c.RunNoRetry(ctx, nil, name, args...)
}

// RunNoRetry is Run, except that exit codes listed in final are returned as
// a *CommandError right away.
func (c *CLI) RunNoRetry(ctx context.Context, final []int, name string, args ...string) ([]byte, error) {
	argv := append([]string{name}, args...)
	var out []byte
	try := 0
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), uint64(c.numRetries)), ctx)
	err := backoff.Retry(func() error {
		try++
		if try > 1 {
			c.stat.Counter(stats.SlurmCLIRetryCounter).Inc(1)
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		var err error
		out, err = c.runOnce(ctx, argv, final)
		if err != nil {
			log.WithFields(log.Fields{"cmd": strings.Join(argv, " "), "try": try, "err": err}).Debug("slurm command failed")
		}
		return err
	}, b)
	return out, err
}

func (c *CLI) runOnce(ctx context.Context, argv []string, final []int) ([]byte, error) {
	defer c.stat.Latency(stats.SlurmCLILatency_ms, argv[0]).Time().Stop()
	cmd := c.exec.Command(argv[0], argv[1:]...)
	rr := exec.RunKillableCommand(ctx, cmd, killTimeout, c.timeout)
	if !rr.Started {
		return nil, backoff.Permanent(errors.Wrapf(rr.Error, "%s could not be started", argv[0]))
	}
	if rr.Error != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		cmdErr := &CommandError{
			Argv:     argv,
			ExitCode: rr.ExitStatus(),
			Stdout:   string(rr.Stdout),
			Stderr:   string(rr.Stderr),
		}
		for _, code := range final {
			if code == cmdErr.ExitCode {
				return nil, backoff.Permanent(cmdErr)
			}
		}
		return nil, cmdErr
	}
	return rr.Stdout, nil
}

// ParseTable splits tabular CLI output into one map per row, keyed by the
// header line. A sep of "" splits on runs of whitespace. Blank lines are
// ignored.
func ParseTable(out []byte, sep string) ([]map[string]string, error) {
	var lines []string
	for _, ln := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(ln) != "" {
			lines = append(lines, ln)
		}
	}
	if len(lines) == 0 {
		return nil, errors.New("no header line in command output")
	}
	split := func(ln string) []string {
		var fields []string
		if sep == "" {
			fields = strings.Fields(ln)
		} else {
			fields = strings.Split(ln, sep)
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		return fields
	}
	header := split(lines[0])
	rows := make([]map[string]string, 0, len(lines)-1)
	for i, ln := range lines[1:] {
		fields := split(ln)
		if len(fields) != len(header) {
			return nil, fmt.Errorf("row %d has %d fields, header has %d: %q", i+1, len(fields), len(header), ln)
		}
		row := make(map[string]string, len(header))
		for j, h := range header {
			row[h] = fields[j]
		}
		rows = append(rows, row)
	}
	return rows, nil
}
