package slurm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/luci/go-render/render"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Worker subcommands and flags understood by fleetworker.
const (
	CableHelperCommand = "cable-helper"
	StepHelperCommand  = "step-helper"
	BookkeepingFlag    = "--bookkeeping"
)

// HelperConfig says how to invoke the worker binary.
type HelperConfig struct {
	// WorkerCommand is the worker's argv prefix, e.g. ["/usr/bin/fleetworker"].
	WorkerCommand []string
	// Env is exported by the wrapper script.
	Env map[string]string
}

// HelperRequest is one helper job. Its files are written beside WorkDir,
// which is the private sandbox directory of the step or cable.
type HelperRequest struct {
	WorkDir   string
	Name      string
	Params    interface{}
	Priority  int
	NumCPUs   int
	MemMB     int
	AfterOkay []JobHandle
	AfterAny  []JobHandle
}

// HelperJob is a submitted helper and the files it owns.
type HelperJob struct {
	Handle     JobHandle
	ParamPath  string
	ScriptPath string
	StdoutPath string
	StderrPath string
}

// SubmitCableHelper submits a job running the worker's cable helper.
func SubmitCableHelper(ctx context.Context, s JobScheduler, cfg HelperConfig, hr HelperRequest) (*HelperJob, error) {
	return submitHelper(ctx, s, cfg, hr, "cable", CableHelperCommand)
}

// SubmitStepSetup submits a job that prepares a step's sandbox.
func SubmitStepSetup(ctx context.Context, s JobScheduler, cfg HelperConfig, hr HelperRequest) (*HelperJob, error) {
	return submitHelper(ctx, s, cfg, hr, "setup", StepHelperCommand)
}

// SubmitStepBookkeeping submits a job that checks a step's outputs after
// its driver ran.
func SubmitStepBookkeeping(ctx context.Context, s JobScheduler, cfg HelperConfig, hr HelperRequest) (*HelperJob, error) {
	return submitHelper(ctx, s, cfg, hr, "bookkeeping", StepHelperCommand, BookkeepingFlag)
}

// HelperPaths are the files a helper of the given kind owns for workDir.
func HelperPaths(workDir, kind string) (param, script, stdout, stderr string) {
	prefix := filepath.Clean(workDir) + "_" + kind
	return prefix + ".json", prefix + ".sh", prefix + ".out", prefix + ".err"
}

func submitHelper(ctx context.Context, s JobScheduler, cfg HelperConfig, hr HelperRequest, kind string, workerArgs ...string) (*HelperJob, error) {
	if len(cfg.WorkerCommand) == 0 {
		return nil, errors.New("no worker command configured")
	}
	if err := os.MkdirAll(hr.WorkDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating %s", hr.WorkDir)
	}
	job := &HelperJob{}
	job.ParamPath, job.ScriptPath, job.StdoutPath, job.StderrPath = HelperPaths(hr.WorkDir, kind)

	data, err := json.MarshalIndent(hr.Params, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encoding helper parameters")
	}
	if err := os.WriteFile(job.ParamPath, data, 0644); err != nil {
		return nil, errors.Wrapf(err, "writing %s", job.ParamPath)
	}
	argv := append(append([]string(nil), cfg.WorkerCommand...), workerArgs...)
	if err := os.WriteFile(job.ScriptPath, []byte(wrapperScript(argv, cfg.Env)), 0755); err != nil {
		return nil, errors.Wrapf(err, "writing %s", job.ScriptPath)
	}
	log.Debugf("%s helper %s params: %s", kind, hr.Name, render.Render(hr.Params))

	numCPUs := hr.NumCPUs
	if numCPUs <= 0 {
		numCPUs = 1
	}
	job.Handle, err = s.SubmitJob(ctx, JobRequest{
		WorkDir:    filepath.Dir(job.ScriptPath),
		Program:    job.ScriptPath,
		Args:       []string{job.ParamPath},
		Name:       hr.Name,
		Priority:   hr.Priority,
		NumCPUs:    numCPUs,
		MemMB:      hr.MemMB,
		StdoutPath: job.StdoutPath,
		StderrPath: job.StderrPath,
		AfterOkay:  hr.AfterOkay,
		AfterAny:   hr.AfterAny,
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func wrapperScript(argv []string, env map[string]string) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(env[k]))
	}
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	fmt.Fprintf(&b, "exec %s \"$1\"\n", strings.Join(quoted, " "))
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}
