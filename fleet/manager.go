// Package fleet drives runs to completion. A Manager walks each active run
// on every tick: it resolves cables and steps through the reuse engine,
// submits helper and driver jobs for whatever must execute, and turns the
// results the workers leave behind into datasets, logs and ExecRecords.
package fleet

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dmacmillan/Kive-sub000/archive"
	"github.com/dmacmillan/Kive-sub000/common/stats"
	"github.com/dmacmillan/Kive-sub000/filestore"
	"github.com/dmacmillan/Kive-sub000/journal"
	"github.com/dmacmillan/Kive-sub000/pipeline"
	"github.com/dmacmillan/Kive-sub000/reuse"
	"github.com/dmacmillan/Kive-sub000/slurm"
)

// Manager owns the active runs. Its methods may be called from any
// goroutine; ticks are serialized.
type Manager struct {
	cfg     Config
	store   archive.Store
	files   filestore.FileStore
	sched   slurm.JobScheduler
	engine  *reuse.Engine
	checker pipeline.TypeChecker
	journal journal.Journal
	stat    stats.StatsReceiver
	now     func() time.Time

	mu    sync.Mutex
	runs  []*archive.Run
	execs []*execution
	acct  map[string]*slurm.AccountingRecord
	// localCopies are sandbox paths of datasets whose bytes were not kept.
	localCopies map[*archive.Dataset]string
	// live holds the records of unfinished top-level runs; finished ones
	// move to retired, which forgets the oldest past RetainFinished.
	live        map[*archive.Run]*runRecord
	retired     *lru.Cache[*archive.Run, *runRecord]
	quarantined int
}

// runRecord is what the Manager remembers about a top-level run beyond the
// archive: failure messages and the validation error.
type runRecord struct {
	messages    map[*archive.Component]string
	err         error
	quarantined bool
}

// NewManager checks that the scheduler is ready and builds a Manager.
func NewManager(
	ctx context.Context,
	cfg Config,
	store archive.Store,
	files filestore.FileStore,
	sched slurm.JobScheduler,
	j journal.Journal,
	stat stats.StatsReceiver,
) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid fleet configuration")
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	if !sched.SlurmIsAlive(ctx) {
		return nil, fmt.Errorf("%s is not ready", sched.Ident())
	}
	if err := os.MkdirAll(cfg.SandboxRoot, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating sandbox root %s", cfg.SandboxRoot)
	}
	log.Infof("fleet manager on %s: %s", sched.Ident(), cfg)
	m := &Manager{
		cfg:         cfg,
		store:       store,
		files:       files,
		sched:       sched,
		engine:      reuse.NewEngine(store, files, stat),
		checker:     pipeline.CSVTypeChecker{},
		journal:     j,
		stat:        stat.Scope("fleet"),
		now:         time.Now,
		acct:        map[string]*slurm.AccountingRecord{},
		localCopies: map[*archive.Dataset]string{},
		live:        map[*archive.Run]*runRecord{},
	}
	retired, err := lru.NewWithEvict[*archive.Run, *runRecord](cfg.RetainFinished, m.forget)
	if err != nil {
		return nil, errors.Wrap(err, "creating finished run cache")
	}
	m.retired = retired
	return m, nil
}

// StartRun validates the inputs and queues a new run of p. Nothing is
// submitted before the next tick.
func (m *Manager) StartRun(ctx context.Context, p *pipeline.Pipeline, inputs []*archive.Dataset, user string) (*archive.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.validateInputs(ctx, p, inputs, user); err != nil {
		return nil, err
	}
	r := archive.NewRun(p, inputs, user)
	r.Priority = m.clampPriority(m.cfg.Priority)
	m.store.AddRun(r)
	m.runs = append(m.runs, r)
	m.stat.Counter(stats.FleetRunsSubmittedCounter).Inc(1)
	m.record(ctx, r, journal.RunStarted, "", r.Status(), fmt.Sprintf("%s by %s", p, user))
	log.WithFields(log.Fields{"run": r.ID, "pipeline": p.String(), "user": user}).Info("run queued")
	return r, nil
}

// Tick advances every active run once.
func (m *Manager) Tick(ctx context.Context) {
	defer m.stat.Latency(stats.FleetTickLatency_ms).Time().Stop()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pollJobs(ctx)
	m.advanceExecutions(ctx)

	active := m.runs[:0]
	for _, r := range m.runs {
		m.advanceRun(ctx, r, false)
		m.noteQuarantine(ctx, r)
		if r.State.IsTerminal() {
			m.finishRun(ctx, r)
			continue
		}
		active = append(active, r)
	}
	m.runs = active
	// Executions submitted while advancing runs get their jobs polled on
	// the next tick.
	m.advanceExecutions(ctx)

	inFlight := 0
	for _, e := range m.execs {
		if !e.done {
			inFlight++
		}
	}
	m.stat.Gauge(stats.FleetActiveRunsGauge).Update(int64(len(m.runs)))
	m.stat.Gauge(stats.FleetInFlightTasksGauge).Update(int64(inFlight))
}

// Step is a single Tick for debugging; it reports whether any run is still
// active.
func (m *Manager) Step(ctx context.Context) bool {
	m.Tick(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs) > 0
}

// Loop ticks every PollInterval until ctx is done.
func (m *Manager) Loop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Wait ticks until r has finished. It must not be used alongside Loop.
func (m *Manager) Wait(ctx context.Context, r *archive.Run) error {
	for {
		m.Tick(ctx)
		if m.finished(r) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

func (m *Manager) finished(r *archive.Run) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !r.State.IsTerminal() {
		return false
	}
	for _, active := range m.runs {
		if active == r {
			return false
		}
	}
	return true
}

// Runs lists the active top-level runs.
func (m *Manager) Runs() []*archive.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*archive.Run(nil), m.runs...)
}

// CancelRun stops r on behalf of user: in-flight jobs are cancelled and
// every unfinished component is marked cancelled on the following ticks.
func (m *Manager) CancelRun(ctx context.Context, r *archive.Run, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.State.IsTerminal() {
		return fmt.Errorf("%s has already finished", r)
	}
	r.MarkCancelling(user)
	if err := m.writeStopMarker(r, user); err != nil {
		// Jobs still get cancelled below; only helpers that have not
		// started yet miss the marker.
		log.WithFields(log.Fields{"run": r.ID, "err": err}).Warn("could not write stop marker")
	}
	now := m.now()
	for _, e := range m.execs {
		if e.done || e.topRun() != r {
			continue
		}
		m.cancelJobs(ctx, e)
		m.finishCancelled(ctx, e, now, "stopped by "+user)
	}
	log.WithFields(log.Fields{"run": r.ID, "user": user}).Info("run cancelling")
	return nil
}

// SetRunPriority changes the priority of r and of its queued jobs.
func (m *Manager) SetRunPriority(ctx context.Context, r *archive.Run, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	priority = m.clampPriority(priority)
	for _, run := range r.AllRuns() {
		run.Priority = priority
	}
	var handles []slurm.JobHandle
	for _, e := range m.execs {
		if !e.done && e.submitted && e.topRun() == r {
			handles = append(handles, e.handles()...)
		}
	}
	if len(handles) == 0 {
		return nil
	}
	return m.sched.SetJobPriority(ctx, handles, priority)
}

func (m *Manager) clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if max := m.sched.MaxPriority(); p > max {
		return max
	}
	return p
}

// Failure describes a failed component.
type Failure struct {
	Coordinates string
	Component   string
	ReturnCode  *int
	Stderr      string
	Message     string
}

// Failures lists the failed components of r, nested runs included. It can
// be called while r is still running.
func (m *Manager) Failures(r *archive.Run) []Failure {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Failure
	for _, c := range r.AllComponents() {
		if c.State != archive.ComponentFailed {
			continue
		}
		f := Failure{Coordinates: c.Coordinates().String(), Component: c.String(), Message: m.message(c)}
		if c.Log != nil && c.Log.MethodOutput != nil {
			f.ReturnCode = c.Log.MethodOutput.ReturnCode
			f.Stderr = c.Log.MethodOutput.Stderr
		}
		out = append(out, f)
	}
	return out
}

// RunError is the validation error that failed r, if any. Like Failures'
// messages, it is forgotten once more than RetainFinished runs have
// finished after r.
func (m *Manager) RunError(r *archive.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec := m.lookup(r); rec != nil {
		return rec.err
	}
	return nil
}

// lookup finds the record of r's top-level run without creating one.
func (m *Manager) lookup(r *archive.Run) *runRecord {
	top := r.TopLevel()
	if rec, ok := m.live[top]; ok {
		return rec
	}
	if rec, ok := m.retired.Peek(top); ok {
		return rec
	}
	return nil
}

// recordOf finds or creates the record of r's top-level run.
func (m *Manager) recordOf(r *archive.Run) *runRecord {
	if rec := m.lookup(r); rec != nil {
		return rec
	}
	rec := &runRecord{messages: map[*archive.Component]string{}}
	m.live[r.TopLevel()] = rec
	return rec
}

func (m *Manager) message(c *archive.Component) string {
	if rec := m.lookup(c.Run); rec != nil {
		return rec.messages[c]
	}
	return ""
}

func (m *Manager) setMessage(c *archive.Component, msg string) {
	m.recordOf(c.Run).messages[c] = msg
}

// retire moves the record of a finished run out of live.
func (m *Manager) retire(r *archive.Run) {
	rec := m.recordOf(r)
	delete(m.live, r)
	m.retired.Add(r, rec)
}

// forget is called when retired drops a record.
func (m *Manager) forget(r *archive.Run, rec *runRecord) {
	if rec.quarantined {
		m.quarantined--
		m.stat.Gauge(stats.FleetRunsQuarantinedGauge).Update(int64(m.quarantined))
	}
	log.WithFields(log.Fields{"run": r.ID}).Debug("forgetting finished run")
}

// finishRun validates a top-level run that just reached a terminal state,
// journals it and removes its sandboxes.
func (m *Manager) finishRun(ctx context.Context, r *archive.Run) {
	if err := (archive.Validator{Files: m.files}).CompleteCleanRun(ctx, r); err != nil {
		log.WithFields(log.Fields{"run": r.ID, "err": err}).Error("run failed validation")
		m.stat.Counter(stats.FleetValidationErrsCounter).Inc(1)
		m.recordOf(r).err = err
		if r.State == archive.RunSuccessful {
			r.State = archive.RunFailed
		}
	}
	switch r.State {
	case archive.RunSuccessful:
		m.stat.Counter(stats.FleetRunsSucceededCounter).Inc(1)
	case archive.RunFailed:
		m.stat.Counter(stats.FleetRunsFailedCounter).Inc(1)
	case archive.RunCancelled:
		m.stat.Counter(stats.FleetRunsCancelledCounter).Inc(1)
	}
	msg := ""
	if r.StoppedBy != "" {
		msg = "stopped by " + r.StoppedBy
	}
	m.record(ctx, r, journal.RunFinished, "", r.Status(), msg)
	log.WithFields(log.Fields{"run": r.ID, "state": r.Status()}).Info("run finished")

	m.retire(r)
	dir := m.runDir(r)
	for d, p := range m.localCopies {
		if isWithin(dir, p) {
			delete(m.localCopies, d)
		}
	}
	if !m.cfg.KeepSandbox {
		if err := os.RemoveAll(dir); err != nil {
			log.WithFields(log.Fields{"run": r.ID, "err": err}).Warn("could not remove sandboxes")
		}
	}
}

func (m *Manager) noteQuarantine(ctx context.Context, r *archive.Run) {
	rec := m.recordOf(r)
	if r.Quarantined == rec.quarantined {
		return
	}
	rec.quarantined = r.Quarantined
	if r.Quarantined {
		m.quarantined++
	} else {
		m.quarantined--
	}
	m.stat.Gauge(stats.FleetRunsQuarantinedGauge).Update(int64(m.quarantined))
	if r.Quarantined {
		m.record(ctx, r, journal.Quarantined, "", r.Status(), "")
	} else {
		m.record(ctx, r, journal.Decontaminated, "", r.Status(), "")
	}
}

func (m *Manager) record(ctx context.Context, r *archive.Run, t journal.EventType, coordinates, state, message string) {
	if m.journal == nil {
		return
	}
	e := journal.NewEntry(r.TopLevel().ID, t, coordinates, state, message)
	if err := m.journal.Append(ctx, e); err != nil {
		log.WithFields(log.Fields{"run": e.RunID, "type": t.String(), "err": err}).Warn("could not journal event")
	}
}

func (m *Manager) runDir(r *archive.Run) string {
	return filepath.Join(m.cfg.SandboxRoot, fmt.Sprintf("run%d", r.TopLevel().ID))
}

func (m *Manager) stopPath(r *archive.Run) string {
	return filepath.Join(m.runDir(r), "stop")
}

func (m *Manager) writeStopMarker(r *archive.Run, user string) error {
	if err := os.MkdirAll(m.runDir(r), 0755); err != nil {
		return errors.Wrap(err, "creating run directory")
	}
	return errors.Wrap(os.WriteFile(m.stopPath(r), []byte(user+"\n"), 0644), "writing stop marker")
}

func isWithin(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	return err == nil && rel != ".." && !filepath.IsAbs(rel) && (len(rel) < 3 || rel[:3] != "../")
}
