package slurm

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dmacmillan/Kive-sub000/common/stats"
	"github.com/dmacmillan/Kive-sub000/runner/execer"
)

// DummyPriorityLabels name the dummy scheduler's priority levels.
var DummyPriorityLabels = []string{"LOW_PRIO", "MEDIUM_PRIO", "HIGH_PRIO"}

// ErrShutdown is returned by a DummyScheduler after Shutdown.
var ErrShutdown = errors.New("dummy scheduler is shut down")

const firstDummyJobID = 100

// DummyScheduler runs jobs as local processes. A single goroutine owns the
// waiting, running and finished job maps; every exported method is a
// message to it.
type DummyScheduler struct {
	reqCh     chan dummyRequest
	doneCh    chan struct{}
	readyCh   chan struct{}
	readyOnce sync.Once
	stat      stats.StatsReceiver
}

var _ JobScheduler = &DummyScheduler{}

type dummyRequest struct {
	op       string
	req      JobRequest
	ids      []string
	priority int
	reply    chan dummyReply
}

type dummyReply struct {
	handle JobHandle
	info   map[string]*AccountingRecord
	err    error
}

type dummyJob struct {
	id         string
	req        JobRequest
	priority   int
	state      JobState
	submitTime time.Time
	startTime  *time.Time
	endTime    *time.Time
	returnCode *int
	signal     *int

	proc   execer.Process
	stdout *os.File
	stderr *os.File
}

func (j *dummyJob) record() *AccountingRecord {
	prio := j.priority
	return &AccountingRecord{
		JobID:         j.id,
		Name:          j.req.Name,
		SubmitTime:    timePtr(j.submitTime),
		StartTime:     j.startTime,
		EndTime:       j.endTime,
		ReturnCode:    j.returnCode,
		Signal:        j.signal,
		State:         j.state,
		RawState:      string(j.state),
		Priority:      &prio,
		PriorityLabel: DummyPriorityLabels[prio],
	}
}

func (j *dummyJob) closeOutputs() {
	for _, f := range []*os.File{j.stdout, j.stderr} {
		if f != nil {
			f.Close()
		}
	}
	j.stdout, j.stderr = nil, nil
}

func timePtr(t time.Time) *time.Time { return &t }

type dummyLoop struct {
	ex     execer.Execer
	stat   stats.StatsReceiver
	nextID int

	waiting  map[string]*dummyJob
	running  map[string]*dummyJob
	finished map[string]*dummyJob
}

// NewDummyScheduler starts the job loop; it checks dependencies and polls
// processes every tick.
func NewDummyScheduler(ex execer.Execer, tick time.Duration, stat stats.StatsReceiver) *DummyScheduler {
	stat = stat.Scope("dummy")
	d := &DummyScheduler{
		reqCh:   make(chan dummyRequest),
		doneCh:  make(chan struct{}),
		readyCh: make(chan struct{}),
		stat:    stat,
	}
	l := &dummyLoop{
		ex:       ex,
		stat:     stat,
		nextID:   firstDummyJobID,
		waiting:  map[string]*dummyJob{},
		running:  map[string]*dummyJob{},
		finished: map[string]*dummyJob{},
	}
	go l.loop(d.reqCh, d.doneCh, tick)
	return d
}

func (d *DummyScheduler) send(ctx context.Context, r dummyRequest) dummyReply {
	r.reply = make(chan dummyReply, 1)
	select {
	case d.reqCh <- r:
	case <-d.doneCh:
		return dummyReply{err: ErrShutdown}
	case <-ctx.Done():
		return dummyReply{err: ctx.Err()}
	}
	select {
	case rep := <-r.reply:
		return rep
	case <-ctx.Done():
		return dummyReply{err: ctx.Err()}
	}
}

func (d *DummyScheduler) ready() error {
	select {
	case <-d.doneCh:
		return ErrShutdown
	case <-d.readyCh:
		return nil
	default:
		return ErrNotReady
	}
}

func (d *DummyScheduler) SlurmIsAlive(ctx context.Context) bool {
	select {
	case <-d.doneCh:
		return false
	default:
	}
	d.readyOnce.Do(func() { close(d.readyCh) })
	return true
}

func (d *DummyScheduler) Ident() string { return "Dummy Slurm" }

func (d *DummyScheduler) MaxPriority() int { return len(DummyPriorityLabels) - 1 }

func (d *DummyScheduler) SubmitJob(ctx context.Context, req JobRequest) (JobHandle, error) {
	if err := d.ready(); err != nil {
		return JobHandle{}, err
	}
	program, err := checkProgram(req)
	if err != nil {
		d.stat.Counter(stats.SlurmSubmitFailureCounter).Inc(1)
		return JobHandle{}, err
	}
	req.Program = program
	req.Priority = clampPriority(req.Priority, d.MaxPriority())
	rep := d.send(ctx, dummyRequest{op: "submit", req: req})
	if rep.err == nil {
		d.stat.Counter(stats.SlurmSubmitCounter).Inc(1)
	}
	return rep.handle, rep.err
}

func (d *DummyScheduler) JobCancel(ctx context.Context, handle JobHandle) error {
	if err := d.ready(); err != nil {
		return err
	}
	d.stat.Counter(stats.SlurmCancelCounter).Inc(1)
	return d.send(ctx, dummyRequest{op: "cancel", ids: []string{handle.JobID}}).err
}

func (d *DummyScheduler) GetAccountingInfo(ctx context.Context, handles []JobHandle) (map[string]*AccountingRecord, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	d.stat.Counter(stats.SlurmAccountingQueries).Inc(1)
	rep := d.send(ctx, dummyRequest{op: "query", ids: jobIDs(handles)})
	return rep.info, rep.err
}

func (d *DummyScheduler) SetJobPriority(ctx context.Context, handles []JobHandle, priority int) error {
	if err := d.ready(); err != nil {
		return err
	}
	if len(handles) == 0 {
		return errors.New("no job handles provided")
	}
	return d.send(ctx, dummyRequest{op: "priority", ids: jobIDs(handles), priority: clampPriority(priority, d.MaxPriority())}).err
}

// Shutdown aborts running jobs and stops the loop. Safe to call twice.
func (d *DummyScheduler) Shutdown() {
	d.send(context.Background(), dummyRequest{op: "shutdown"})
}

func (l *dummyLoop) loop(reqCh chan dummyRequest, doneCh chan struct{}, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case r := <-reqCh:
			if r.op == "shutdown" {
				l.shutdown()
				close(doneCh)
				r.reply <- dummyReply{}
				return
			}
			r.reply <- l.handle(r)
		case <-ticker.C:
			l.update()
		}
	}
}

func (l *dummyLoop) handle(r dummyRequest) dummyReply {
	switch r.op {
	case "submit":
		j := &dummyJob{
			id:         strconv.Itoa(l.nextID),
			req:        r.req,
			priority:   r.req.Priority,
			state:      Pending,
			submitTime: time.Now(),
		}
		l.nextID++
		l.waiting[j.id] = j
		return dummyReply{handle: JobHandle{JobID: j.id, Name: r.req.Name}}
	case "query":
		return dummyReply{info: l.query(r.ids)}
	case "cancel":
		return dummyReply{err: l.cancel(r.ids[0])}
	case "priority":
		for _, id := range r.ids {
			if j := l.lookup(id); j != nil {
				j.priority = r.priority
			}
		}
		return dummyReply{}
	}
	return dummyReply{err: fmt.Errorf("unexpected request %q", r.op)}
}

func (l *dummyLoop) lookup(id string) *dummyJob {
	for _, m := range []map[string]*dummyJob{l.waiting, l.running, l.finished} {
		if j, ok := m[id]; ok {
			return j
		}
	}
	return nil
}

func (l *dummyLoop) query(ids []string) map[string]*AccountingRecord {
	info := map[string]*AccountingRecord{}
	if len(ids) == 0 {
		for _, m := range []map[string]*dummyJob{l.waiting, l.running, l.finished} {
			for id, j := range m {
				info[id] = j.record()
			}
		}
		return info
	}
	for _, id := range ids {
		if j := l.lookup(id); j != nil {
			info[id] = j.record()
		} else {
			info[id] = unknownRecord(id)
		}
	}
	return info
}

func (l *dummyLoop) cancel(id string) error {
	if j, ok := l.waiting[id]; ok {
		delete(l.waiting, id)
		l.markCancelled(j)
		return nil
	}
	if j, ok := l.running[id]; ok {
		delete(l.running, id)
		proc := j.proc
		l.markCancelled(j)
		go func() {
			proc.Abort()
		}()
		return nil
	}
	if _, ok := l.finished[id]; ok {
		return nil
	}
	return fmt.Errorf("scancel: invalid job id %s", id)
}

// markCancelled moves j to finished. The process, if any, is the caller's
// to abort.
func (l *dummyLoop) markCancelled(j *dummyJob) {
	now := time.Now()
	if j.startTime == nil {
		j.startTime = &now
	}
	j.endTime = &now
	j.state = Cancelled
	j.closeOutputs()
	l.finished[j.id] = j
}

// readiness reports whether j can start now and whether it can never start.
func (l *dummyLoop) readiness(j *dummyJob) (ready, never bool) {
	ready = true
	for _, dep := range j.req.AfterAny {
		if _, ok := l.finished[dep.JobID]; !ok {
			if l.lookup(dep.JobID) == nil {
				return false, true
			}
			ready = false
		}
	}
	for _, dep := range j.req.AfterOkay {
		f, ok := l.finished[dep.JobID]
		if !ok {
			if l.lookup(dep.JobID) == nil {
				return false, true
			}
			ready = false
			continue
		}
		if f.state != Completed {
			return false, true
		}
	}
	return ready, false
}

func (l *dummyLoop) update() {
	var ready []*dummyJob
	for id, j := range l.waiting {
		ok, never := l.readiness(j)
		if never {
			log.WithField("job", id).Debug("dependency can never be satisfied, cancelling")
			delete(l.waiting, id)
			l.markCancelled(j)
			continue
		}
		if ok {
			ready = append(ready, j)
		}
	}
	sort.Slice(ready, func(a, b int) bool {
		if ready[a].priority != ready[b].priority {
			return ready[a].priority > ready[b].priority
		}
		return ready[a].id < ready[b].id
	})
	for _, j := range ready {
		delete(l.waiting, j.id)
		l.start(j)
	}

	for id, j := range l.running {
		st := j.proc.Poll()
		if !st.State.IsDone() {
			continue
		}
		delete(l.running, id)
		now := time.Now()
		j.endTime = &now
		code, sig := st.ExitCode, st.Signal
		j.returnCode, j.signal = &code, &sig
		if st.State == execer.COMPLETE && code == 0 {
			j.state = Completed
		} else {
			j.state = Failed
		}
		j.closeOutputs()
		l.finished[id] = j
		log.WithFields(log.Fields{"job": id, "state": j.state, "code": code}).Debug("dummy job finished")
	}
}

func (l *dummyLoop) start(j *dummyJob) {
	now := time.Now()
	j.startTime = &now
	fail := func(err error) {
		log.WithFields(log.Fields{"job": j.id, "err": err}).Info("dummy job could not start")
		code, sig := 127, 0
		j.returnCode, j.signal = &code, &sig
		j.endTime = &now
		j.state = Failed
		j.closeOutputs()
		l.finished[j.id] = j
	}

	cmd := execer.Command{
		Argv:    append([]string{j.req.Program}, j.req.Args...),
		Dir:     j.req.WorkDir,
		EnvVars: j.req.Env,
		Tag:     j.id,
	}
	var err error
	if j.req.StdoutPath != "" {
		if j.stdout, err = os.Create(j.req.StdoutPath); err != nil {
			fail(err)
			return
		}
		cmd.Stdout = j.stdout
	}
	if j.req.StderrPath != "" {
		if j.stderr, err = os.Create(j.req.StderrPath); err != nil {
			fail(err)
			return
		}
		cmd.Stderr = j.stderr
	}
	if j.proc, err = l.ex.Exec(cmd); err != nil {
		fail(err)
		return
	}
	j.state = Running
	l.running[j.id] = j
	l.stat.Gauge(stats.FleetInFlightTasksGauge).Update(int64(len(l.running)))
}

func (l *dummyLoop) shutdown() {
	for id, j := range l.running {
		j.proc.Abort()
		delete(l.running, id)
		l.markCancelled(j)
	}
}
