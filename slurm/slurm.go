package slurm

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dmacmillan/Kive-sub000/common/os/exec"
	"github.com/dmacmillan/Kive-sub000/common/stats"
)

// DateLayout is how squeue and sacct print datetimes.
const DateLayout = "2006-01-02T15:04:05"

// DefaultMemMB is requested for jobs that do not say.
const DefaultMemMB = 2048

var sacctFormat = "JobID,JobName,Start,End,State,Partition,Submit,ExitCode"

// SlurmScheduler talks to Slurm through sbatch, scancel, squeue, sacct,
// sinfo and scontrol.
type SlurmScheduler struct {
	cfg  Config
	cli  *CLI
	stat stats.StatsReceiver

	mu    sync.RWMutex
	sched *SchedulerConfig
}

var _ JobScheduler = &SlurmScheduler{}

func NewSlurmScheduler(osExec exec.OsExec, cfg Config, stat stats.StatsReceiver) *SlurmScheduler {
	cfg = cfg.withDefaults()
	stat = stat.Scope("slurm")
	return &SlurmScheduler{cfg: cfg, cli: NewCLI(osExec, cfg, stat), stat: stat}
}

func (s *SlurmScheduler) schedulerConfig() (*SchedulerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.sched == nil {
		return nil, ErrNotReady
	}
	return s.sched, nil
}

// SlurmIsAlive checks, in order, that squeue runs, that the partitions are
// up and ordered by priority, and that sacct runs.
func (s *SlurmScheduler) SlurmIsAlive(ctx context.Context) bool {
	if _, err := s.cli.Run(ctx, "squeue"); err != nil {
		log.WithError(err).Error("squeue failed")
		return false
	}
	log.Info("squeue passed")
	sched, err := s.discoverPartitions(ctx)
	if err != nil {
		log.WithError(err).Error("slurm partition config error")
		return false
	}
	log.Infof("sinfo passed, priority mapping: %s", sched)
	s.mu.Lock()
	s.sched = sched
	s.mu.Unlock()

	if _, err := s.GetAccountingInfo(ctx, nil); err != nil {
		log.WithError(err).Error("sacct failed")
		s.mu.Lock()
		s.sched = nil
		s.mu.Unlock()
		return false
	}
	log.Info("sacct passed")
	return true
}

func (s *SlurmScheduler) discoverPartitions(ctx context.Context) (*SchedulerConfig, error) {
	args := []string{"-O", "available,partitionname," + s.cfg.PriorityKeyword}
	if len(s.cfg.Partitions) > 0 {
		args = append(args, "-p", strings.Join(s.cfg.Partitions, ","))
	}
	out, err := s.cli.Run(ctx, "sinfo", args...)
	if err != nil {
		return nil, err
	}
	rows, err := ParseTable(out, "")
	if err != nil {
		return nil, err
	}

	up := map[string]int{}
	var upOrder []Partition
	for _, row := range rows {
		if row["AVAIL"] != "up" {
			continue
		}
		name := strings.TrimSuffix(row["PARTITION"], "*")
		var prioStr string
		for k, v := range row {
			if k != "AVAIL" && k != "PARTITION" {
				prioStr = v
			}
		}
		prio, err := strconv.Atoi(prioStr)
		if err != nil {
			return nil, errors.Wrapf(err, "partition %s has priority %q", name, prioStr)
		}
		if _, ok := up[name]; !ok {
			up[name] = prio
			upOrder = append(upOrder, Partition{Name: name, Priority: prio})
		}
	}

	var parts []Partition
	if len(s.cfg.Partitions) > 0 {
		for _, name := range s.cfg.Partitions {
			prio, ok := up[name]
			if !ok {
				return nil, fmt.Errorf("partition %s is missing or not up", name)
			}
			parts = append(parts, Partition{Name: name, Priority: prio})
		}
	} else {
		parts = upOrder
		sort.SliceStable(parts, func(i, j int) bool { return parts[i].Priority < parts[j].Priority })
	}
	if len(parts) == 0 {
		return nil, errors.New("no partitions in 'up' state")
	}
	for i := 1; i < len(parts); i++ {
		if parts[i].Priority <= parts[i-1].Priority {
			return nil, fmt.Errorf("partition %s (priority %d) must have a higher priority than %s (priority %d)",
				parts[i].Name, parts[i].Priority, parts[i-1].Name, parts[i-1].Priority)
		}
	}
	return newSchedulerConfig(parts), nil
}

func (s *SlurmScheduler) Ident() string {
	sched, err := s.schedulerConfig()
	if err != nil {
		return "Real Slurm (not checked)"
	}
	return "Real Slurm: " + sched.String()
}

func (s *SlurmScheduler) MaxPriority() int {
	sched, err := s.schedulerConfig()
	if err != nil {
		return 0
	}
	return sched.MaxPriority()
}

// checkProgram resolves req.Program against req.WorkDir and checks that it
// can be executed.
func checkProgram(req JobRequest) (string, error) {
	if req.NumCPUs <= 0 {
		return "", &SubmissionError{Request: req, Reason: fmt.Sprintf("num_cpus must be positive, got %d", req.NumCPUs)}
	}
	path := req.Program
	if !filepath.IsAbs(path) {
		path = filepath.Join(req.WorkDir, path)
	}
	if err := unix.Access(path, unix.X_OK); err != nil {
		return "", &SubmissionError{Request: req, Reason: path + " is not an executable file", Err: err}
	}
	return path, nil
}

// SbatchArgs builds the sbatch argument vector for req.
func (s *SlurmScheduler) SbatchArgs(sched *SchedulerConfig, req JobRequest, program string) []string {
	name := req.Name
	if name == "" {
		name = filepath.Base(program)
	}
	mem := req.MemMB
	if mem <= 0 {
		mem = DefaultMemMB
	}
	export := append([]string(nil), s.cfg.Export...)
	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		export = append(export, k+"="+req.Env[k])
	}
	if len(export) == 0 {
		export = []string{"NONE"}
	}

	args := []string{
		"-D", req.WorkDir,
		"-J", name,
		"-p", sched.PartitionFor(req.Priority),
		"-s",
		"-c", strconv.Itoa(req.NumCPUs),
		"--mem=" + strconv.Itoa(mem),
		"--export=" + strings.Join(export, ","),
	}
	if req.StdoutPath != "" {
		args = append(args, "--output="+req.StdoutPath)
	}
	if req.StderrPath != "" {
		args = append(args, "--error="+req.StderrPath)
	}
	// sbatch honors only one --dependency; multiple conditions are ANDed
	// with commas.
	var deps []string
	if len(req.AfterOkay) > 0 {
		deps = append(deps, "afterok:"+strings.Join(jobIDs(req.AfterOkay), ":"))
	}
	if len(req.AfterAny) > 0 {
		deps = append(deps, "afterany:"+strings.Join(jobIDs(req.AfterAny), ":"))
	}
	if len(deps) > 0 {
		args = append(args, "--dependency="+strings.Join(deps, ","), "--kill-on-invalid-dep=yes")
	}
	args = append(args, program)
	return append(args, req.Args...)
}

func (s *SlurmScheduler) SubmitJob(ctx context.Context, req JobRequest) (JobHandle, error) {
	sched, err := s.schedulerConfig()
	if err != nil {
		return JobHandle{}, err
	}
	program, err := checkProgram(req)
	if err != nil {
		s.stat.Counter(stats.SlurmSubmitFailureCounter).Inc(1)
		return JobHandle{}, err
	}
	args := s.SbatchArgs(sched, req, program)
	out, err := s.cli.Run(ctx, "sbatch", args...)
	if err != nil {
		s.stat.Counter(stats.SlurmSubmitFailureCounter).Inc(1)
		return JobHandle{}, &SubmissionError{Request: req, Reason: "sbatch failed", Err: err}
	}
	// "Submitted batch job 1234"
	fields := strings.Fields(string(out))
	if !strings.HasPrefix(string(out), "Submitted") || len(fields) < 4 {
		s.stat.Counter(stats.SlurmSubmitFailureCounter).Inc(1)
		return JobHandle{}, &SubmissionError{Request: req, Reason: fmt.Sprintf("cannot parse sbatch output %q", out)}
	}
	s.stat.Counter(stats.SlurmSubmitCounter).Inc(1)
	h := JobHandle{JobID: fields[3], Name: args[3]}
	log.WithFields(log.Fields{"job": h.JobID, "name": h.Name, "partition": args[5]}).Debug("submitted")
	return h, nil
}

func (s *SlurmScheduler) JobCancel(ctx context.Context, handle JobHandle) error {
	s.stat.Counter(stats.SlurmCancelCounter).Inc(1)
	_, err := s.cli.RunNoRetry(ctx, []int{1}, "scancel", "-f", handle.JobID)
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stderr, "already completing or completed") {
		return nil
	}
	return err
}

func (s *SlurmScheduler) parseTime(v string) (*time.Time, error) {
	switch v {
	case "Unknown", "None", "":
		return nil, nil
	}
	t, err := time.ParseInLocation(DateLayout, v, s.cfg.Location)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SlurmScheduler) GetAccountingInfo(ctx context.Context, handles []JobHandle) (map[string]*AccountingRecord, error) {
	sched, err := s.schedulerConfig()
	if err != nil {
		return nil, err
	}
	s.stat.Counter(stats.SlurmAccountingQueries).Inc(1)
	ids := jobIDs(handles)
	info := map[string]*AccountingRecord{}

	// sacct knows nothing about queued jobs, so ask squeue first.
	args := []string{"--format=%i %j %P %V", "-p", strings.Join(sched.PartitionNames(), ",")}
	if len(ids) > 0 {
		args = append(args, "-j", strings.Join(ids, ","))
	}
	out, err := s.cli.Run(ctx, "squeue", args...)
	if err != nil {
		return nil, err
	}
	rows, err := ParseTable(out, "")
	if err != nil {
		return nil, errors.Wrap(err, "squeue")
	}
	for _, row := range rows {
		prio, ok := sched.PriorityOf(row["PARTITION"])
		if !ok {
			continue
		}
		rec := unknownRecord(row["JOBID"])
		rec.Name = row["NAME"]
		rec.State = Waiting
		rec.RawState = string(Waiting)
		rec.Priority = &prio
		rec.PriorityLabel = row["PARTITION"]
		if rec.SubmitTime, err = s.parseTime(row["SUBMIT_TIME"]); err != nil {
			return nil, errors.Wrapf(err, "squeue job %s", rec.JobID)
		}
		info[rec.JobID] = rec
	}

	args = []string{"--parsable2", "--format", sacctFormat}
	if len(ids) > 0 {
		args = append(args, "-j", strings.Join(ids, ","))
	}
	if out, err = s.cli.Run(ctx, "sacct", args...); err != nil {
		return nil, err
	}
	if rows, err = ParseTable(out, "|"); err != nil {
		return nil, errors.Wrap(err, "sacct")
	}
	for _, row := range rows {
		// job steps and jobs in foreign partitions are skipped
		prio, ok := sched.PriorityOf(row["Partition"])
		if !ok {
			continue
		}
		rec, err := s.parseSacctRow(row)
		if err != nil {
			return nil, err
		}
		rec.Priority = &prio
		rec.PriorityLabel = row["Partition"]
		info[rec.JobID] = rec
	}

	for _, id := range ids {
		if _, ok := info[id]; !ok {
			info[id] = unknownRecord(id)
		}
	}
	return info, nil
}

func (s *SlurmScheduler) parseSacctRow(row map[string]string) (*AccountingRecord, error) {
	rec := &AccountingRecord{JobID: row["JobID"], Name: row["JobName"], RawState: row["State"]}
	var err error
	if rec.StartTime, err = s.parseTime(row["Start"]); err != nil {
		return nil, errors.Wrapf(err, "sacct job %s", rec.JobID)
	}
	if rec.EndTime, err = s.parseTime(row["End"]); err != nil {
		return nil, errors.Wrapf(err, "sacct job %s", rec.JobID)
	}
	if rec.SubmitTime, err = s.parseTime(row["Submit"]); err != nil {
		return nil, errors.Wrapf(err, "sacct job %s", rec.JobID)
	}
	// ExitCode is "<return code>:<signal>"
	parts := strings.Split(row["ExitCode"], ":")
	if len(parts) != 2 {
		return nil, fmt.Errorf("sacct job %s has exit code %q", rec.JobID, row["ExitCode"])
	}
	code, err := strconv.Atoi(parts[0])
	if err != nil {
		return nil, errors.Wrapf(err, "sacct job %s return code", rec.JobID)
	}
	sig, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, errors.Wrapf(err, "sacct job %s signal", rec.JobID)
	}
	rec.ReturnCode, rec.Signal = &code, &sig
	if rec.State, err = ParseJobState(rec.RawState); err != nil {
		return nil, errors.Wrapf(err, "sacct job %s", rec.JobID)
	}
	return rec, nil
}

func (s *SlurmScheduler) SetJobPriority(ctx context.Context, handles []JobHandle, priority int) error {
	sched, err := s.schedulerConfig()
	if err != nil {
		return err
	}
	if len(handles) == 0 {
		return errors.New("no job handles provided")
	}
	_, err = s.cli.RunNoRetry(ctx, []int{1}, "scontrol", "update", "job",
		strings.Join(jobIDs(handles), ","), "Partition="+sched.PartitionFor(priority))
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) && cmdErr.ExitCode == 1 {
		// the job is already running or has completed
		log.WithField("jobs", jobIDs(handles)).Debug("scontrol update refused, ignoring")
		return nil
	}
	return err
}

func (s *SlurmScheduler) Shutdown() {}
