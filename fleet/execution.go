package fleet

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dmacmillan/Kive-sub000/archive"
	errs "github.com/dmacmillan/Kive-sub000/common/errors"
	"github.com/dmacmillan/Kive-sub000/common/stats"
	"github.com/dmacmillan/Kive-sub000/journal"
	"github.com/dmacmillan/Kive-sub000/pipeline"
	"github.com/dmacmillan/Kive-sub000/sandbox"
	"github.com/dmacmillan/Kive-sub000/slurm"
)

const (
	driverStdout = "driver.out"
	driverStderr = "driver.err"
	// maxCapturedLog bounds the driver output kept in a MethodOutput.
	maxCapturedLog = 64 * 1024
)

// execution runs comp's transformation once in its own sandbox, either
// afresh or, when er is set, to regenerate er's missing outputs on behalf
// of invoker.
type execution struct {
	comp    *archive.Component
	invoker *archive.Component
	er      *archive.ExecRecord
	inputs  []*archive.Dataset
	// deps recover inputs whose bytes are gone; they finish first.
	deps []*execution

	id      string
	sandbox string
	log     *archive.ExecLog

	setup       *slurm.HelperJob
	driver      *slurm.JobHandle
	bookkeeping *slurm.HelperJob
	cable       *slurm.HelperJob

	submitted bool
	done      bool
	failed    bool
}

func (e *execution) isRecovery() bool { return e.er != nil }

func (e *execution) topRun() *archive.Run { return e.invoker.Run.TopLevel() }

func (e *execution) handles() []slurm.JobHandle {
	var hs []slurm.JobHandle
	for _, j := range []*slurm.HelperJob{e.setup, e.bookkeeping, e.cable} {
		if j != nil {
			hs = append(hs, j.Handle)
		}
	}
	if e.driver != nil {
		hs = append(hs, *e.driver)
	}
	return hs
}

// last is the job whose end means the execution's results are in.
func (e *execution) last() *slurm.JobHandle {
	switch {
	case e.cable != nil:
		return &e.cable.Handle
	case e.bookkeeping != nil:
		return &e.bookkeeping.Handle
	}
	return nil
}

func (e *execution) jobName(kind string) string {
	coords := strings.Trim(e.comp.Coordinates().String(), "()")
	return fmt.Sprintf("r%d_%s_%s", e.topRun().ID, coords, kind)
}

func (e *execution) key(idx int, name string) string {
	return path.Join("datasets", e.id, fmt.Sprintf("%d_%s", idx, name))
}

func (e *execution) producesMissing(d *archive.Dataset) bool {
	if !e.isRecovery() {
		return false
	}
	for _, o := range e.er.Outputs() {
		if o.Dataset == d {
			return true
		}
	}
	return false
}

// execute queues an execution of comp. Inputs that have lost their bytes
// are recovered first, each recovery invoked by invoker.
func (m *Manager) execute(ctx context.Context, comp, invoker *archive.Component, inputs []*archive.Dataset, er *archive.ExecRecord) *execution {
	id, err := uuid.NewV4()
	if err != nil {
		m.failComponent(ctx, invoker, err.Error())
		return nil
	}
	e := &execution{comp: comp, invoker: invoker, er: er, inputs: inputs, id: id.String()}
	dirName := strings.NewReplacer("(", "", ")", "", ",", "_", ":", "-").Replace(comp.Coordinates().String())
	e.sandbox = filepath.Join(m.runDir(invoker.Run), fmt.Sprintf("%s_%s", dirName, e.id))

	for _, d := range inputs {
		if d == nil {
			m.failExecution(ctx, e, "an input has no dataset")
			return e
		}
		if m.available(d) {
			continue
		}
		dep := m.recover(ctx, d, invoker)
		if dep == nil {
			m.failExecution(ctx, e, fmt.Sprintf("%s has no data and cannot be recovered", d))
			return e
		}
		e.deps = append(e.deps, dep)
	}
	m.execs = append(m.execs, e)
	return e
}

// available is true when d's bytes can be staged as they are.
func (m *Manager) available(d *archive.Dataset) bool {
	if d.HasData() {
		return d.IsOK()
	}
	_, ok := m.localCopies[d]
	return ok
}

// recover queues an execution regenerating d, reusing one already queued.
func (m *Manager) recover(ctx context.Context, d *archive.Dataset, invoker *archive.Component) *execution {
	for _, e := range m.execs {
		if !e.done && e.producesMissing(d) {
			return e
		}
	}
	gen := invoker.Run.TopLevel().FirstGeneratorOf(d)
	if gen == nil || gen.ExecRecord == nil {
		return nil
	}
	var ins []*archive.Dataset
	for _, l := range gen.ExecRecord.Inputs() {
		ins = append(ins, l.Dataset)
	}
	m.stat.Counter(stats.FleetRecoveriesCounter).Inc(1)
	m.record(ctx, invoker.Run, journal.RecoveryStarted, gen.Coordinates().String(), "", fmt.Sprintf("recovering %s for %s", d, invoker))
	log.WithFields(log.Fields{"dataset": d.ID, "generator": gen.String(), "invoker": invoker.String()}).Info("recovering dataset")
	e := m.execute(ctx, gen, invoker, ins, gen.ExecRecord)
	if e == nil || e.done {
		return nil
	}
	return e
}

func (m *Manager) pollJobs(ctx context.Context) {
	var handles []slurm.JobHandle
	for _, e := range m.execs {
		if e.submitted && !e.done {
			handles = append(handles, e.handles()...)
		}
	}
	if len(handles) == 0 {
		return
	}
	info, err := m.sched.GetAccountingInfo(ctx, handles)
	if err != nil {
		log.WithFields(log.Fields{"err": err}).Warn("could not query job accounting")
		return
	}
	for id, rec := range info {
		m.acct[id] = rec
	}
}

func (m *Manager) advanceExecutions(ctx context.Context) {
	for i := 0; i < len(m.execs); i++ {
		e := m.execs[i]
		if e.done {
			continue
		}
		if !e.submitted {
			waiting, failed := false, false
			for _, dep := range e.deps {
				waiting = waiting || !dep.done
				failed = failed || (dep.done && dep.failed)
			}
			if failed {
				m.failExecution(ctx, e, "recovering an input failed")
			} else if !waiting {
				m.submit(ctx, e)
			}
			continue
		}
		if last := e.last(); last != nil {
			if rec := m.acct[last.JobID]; rec != nil && rec.State.IsTerminal() {
				m.finalize(ctx, e)
			}
		}
	}

	live := m.execs[:0]
	for _, e := range m.execs {
		if !e.done {
			live = append(live, e)
		}
	}
	for _, e := range m.execs[len(live):] {
		for _, h := range e.handles() {
			delete(m.acct, h.JobID)
		}
	}
	m.execs = live
}

func (m *Manager) submit(ctx context.Context, e *execution) {
	now := m.now()
	e.log = archive.NewExecLog(e.comp, e.invoker, now)
	m.store.AddExecLog(e.log)
	if e.isRecovery() {
		e.invoker.InvokedLogs = append(e.invoker.InvokedLogs, e.log)
	} else {
		e.comp.Log = e.log
	}

	var err error
	if e.comp.Kind == archive.KindStep {
		err = m.submitStep(ctx, e)
	} else {
		err = m.submitCable(ctx, e)
	}
	if err != nil {
		m.cancelJobs(ctx, e)
		m.failExecution(ctx, e, err.Error())
		return
	}
	e.submitted = true
	var ids []string
	for _, h := range e.handles() {
		ids = append(ids, h.JobID)
	}
	m.record(ctx, e.invoker.Run, journal.JobSubmitted, e.comp.Coordinates().String(), e.comp.State.String(), strings.Join(ids, ","))
}

func (m *Manager) datasetRef(d *archive.Dataset, name string) sandbox.DatasetRef {
	ref := sandbox.DatasetRef{Name: name, MD5: d.MD5}
	if key := d.DataKey(); key != "" {
		ref.Key = key
	} else {
		ref.Path = m.localCopies[d]
	}
	return ref
}

func (m *Manager) outputSpec(e *execution, idx int, name string, cdt *pipeline.CompoundDatatype) sandbox.OutputSpec {
	return sandbox.OutputSpec{
		Index:   idx,
		Name:    name,
		Key:     e.key(idx, name),
		Keep:    e.isRecovery() || e.comp.KeepsOutput(idx),
		Columns: sandbox.ColumnsOf(cdt),
	}
}

func (m *Manager) submitStep(ctx context.Context, e *execution) error {
	ps := e.comp.Step.PipelineStep
	method := ps.Method
	top := e.topRun()
	name := ps.Name
	if name == "" {
		name = method.Name
	}
	info := &sandbox.StepExecuteInfo{
		Version:     sandbox.ParamVersion,
		RunID:       top.ID,
		Coordinates: e.comp.Coordinates().String(),
		StepName:    name,
		SandboxPath: e.sandbox,
		Driver:      method.Driver,
		DriverMD5:   method.DriverMD5,
		Threads:     method.Threads,
		StopPath:    m.stopPath(top),
		FileStore:   m.cfg.FileStore,
	}
	for i, d := range e.inputs {
		info.Inputs = append(info.Inputs, m.datasetRef(d, method.Inputs[i].Name))
	}
	for _, out := range method.Outputs {
		info.Outputs = append(info.Outputs, m.outputSpec(e, out.Index, out.Name, out.Datatype))
	}
	setupParams, _, _, _ := slurm.HelperPaths(e.sandbox, "setup")
	info.SetupResult = sandbox.ResultPath(setupParams)

	hr := slurm.HelperRequest{WorkDir: e.sandbox, Name: e.jobName("setup"), Params: info, Priority: top.Priority}
	var err error
	if e.setup, err = slurm.SubmitStepSetup(ctx, m.sched, m.cfg.Helper, hr); err != nil {
		return errors.Wrap(err, "submitting setup")
	}

	cpus := method.Threads
	if cpus < 1 {
		cpus = 1
	}
	driver, err := m.sched.SubmitJob(ctx, slurm.JobRequest{
		WorkDir:    e.sandbox,
		Program:    method.Driver,
		Args:       info.DriverArgs(),
		Name:       e.jobName("driver"),
		Priority:   top.Priority,
		NumCPUs:    cpus,
		MemMB:      method.MemoryMB,
		StdoutPath: filepath.Join(e.sandbox, sandbox.LogDir, driverStdout),
		StderrPath: filepath.Join(e.sandbox, sandbox.LogDir, driverStderr),
		AfterOkay:  []slurm.JobHandle{e.setup.Handle},
	})
	if err != nil {
		return errors.Wrap(err, "submitting driver")
	}
	e.driver = &driver

	hr.Name = e.jobName("bookkeeping")
	hr.AfterAny = []slurm.JobHandle{driver}
	if e.bookkeeping, err = slurm.SubmitStepBookkeeping(ctx, m.sched, m.cfg.Helper, hr); err != nil {
		return errors.Wrap(err, "submitting bookkeeping")
	}
	return nil
}

// cableDestination is the name, datatype and row bounds of what c writes.
func cableDestination(c *archive.Component) (string, *pipeline.CompoundDatatype, int, int) {
	if c.Kind == archive.KindInputCable {
		ps := c.Cable.DestStep.Step.PipelineStep
		in := ps.Inputs()[c.Cable.InputCable.DestIdx-1]
		if in.Structure == nil {
			return in.Name, nil, 0, 0
		}
		return in.Name, in.Structure.Datatype, in.Structure.MinRow, in.Structure.MaxRow
	}
	out := c.Run.Pipeline.Outputs[c.Cable.OutputCable.OutputIdx-1]
	return out.Name, out.Datatype, 0, 0
}

func (m *Manager) submitCable(ctx context.Context, e *execution) error {
	cable := e.comp.PipelineCable()
	top := e.topRun()
	srcName, _, err := e.comp.Run.Pipeline.SourceOutput(cable)
	if err != nil {
		return err
	}
	destName, cdt, minRow, maxRow := cableDestination(e.comp)
	out := m.outputSpec(e, 1, destName, cdt)
	out.MinRow, out.MaxRow = minRow, maxRow
	info := &sandbox.CableExecuteInfo{
		Version:     sandbox.ParamVersion,
		RunID:       top.ID,
		Coordinates: e.comp.Coordinates().String(),
		SandboxPath: e.sandbox,
		Input:       m.datasetRef(e.inputs[0], srcName),
		Output:      out,
		FileStore:   m.cfg.FileStore,
	}
	for _, w := range cable.Wires {
		info.Wires = append(info.Wires, sandbox.WireSpec{SourceIdx: w.SourceIdx, DestIdx: w.DestIdx})
	}
	e.cable, err = slurm.SubmitCableHelper(ctx, m.sched, m.cfg.Helper, slurm.HelperRequest{
		WorkDir:  e.sandbox,
		Name:     e.jobName("cable"),
		Params:   info,
		Priority: top.Priority,
	})
	return errors.Wrap(err, "submitting cable helper")
}

func (m *Manager) finalize(ctx context.Context, e *execution) {
	if e.comp.Kind == archive.KindStep {
		m.finalizeStep(ctx, e)
	} else {
		m.finalizeCable(ctx, e)
	}
	e.done = true
}

func (m *Manager) finalizeStep(ctx context.Context, e *execution) {
	now := m.now()
	user := e.topRun().User
	var setup sandbox.SetupResult
	setupErr := sandbox.ReadJSON(sandbox.ResultPath(e.setup.ParamPath), &setup)
	mo := &archive.MethodOutput{ChecksumsOK: setupErr == nil && setup.ChecksumsOK}

	if setupErr != nil || setup.ExitCode != int(errs.SetupOKExitCode) {
		code := int(errs.SetupCrashedExitCode)
		msg := "setup left no result"
		if setupErr == nil {
			code, msg = setup.ExitCode, setup.Message
			for i, sum := range setup.InputMD5s {
				if i < len(e.inputs) && sum != e.inputs[i].MD5 {
					if _, err := e.inputs[i].RecordIntegrity(e.log, user, sum, now); err != nil {
						log.WithFields(log.Fields{"component": e.comp.String(), "input": i + 1, "err": err}).
							Warn("could not record the input's integrity check")
						msg = fmt.Sprintf("%s (%v)", msg, err)
					}
				}
			}
		}
		mo.ReturnCode = &code
		e.log.Finish(now, mo)
		if code == int(errs.SetupCancelledExitCode) {
			m.finishCancelled(ctx, e, now, msg)
			return
		}
		m.failExecution(ctx, e, fmt.Sprintf("%s: %s", errs.ExitCode(code), msg))
		return
	}

	if rec := m.acct[e.driver.JobID]; rec != nil && rec.ReturnCode != nil {
		rc := *rec.ReturnCode
		mo.ReturnCode = &rc
	} else {
		rc := -1
		mo.ReturnCode = &rc
	}
	mo.Stdout = readTail(filepath.Join(e.sandbox, sandbox.LogDir, driverStdout))
	mo.Stderr = readTail(filepath.Join(e.sandbox, sandbox.LogDir, driverStderr))

	var bk sandbox.BookkeepingResult
	if err := sandbox.ReadJSON(sandbox.ResultPath(e.bookkeeping.ParamPath), &bk); err != nil {
		e.log.Finish(now, mo)
		m.failExecution(ctx, e, "bookkeeping left no result: "+err.Error())
		return
	}
	if e.isRecovery() {
		e.log.Finish(now, mo)
		if *mo.ReturnCode != 0 {
			m.failExecution(ctx, e, fmt.Sprintf("driver exited with %d during recovery", *mo.ReturnCode))
			return
		}
		m.finishRecovery(ctx, e, bk.Outputs, now)
		return
	}

	method := e.comp.Step.PipelineStep.Method
	er := archive.NewExecRecord(e.log, method, e.inputs)
	missing := false
	var checkErr error
	for _, out := range method.Outputs {
		res := findOutput(bk.Outputs, out.Index)
		if res == nil || !res.Present {
			missing = true
			continue
		}
		d := m.newDataset(e, out.Name, out.Datatype, res, now)
		er.SetOutput(out.Index, d)
		e.comp.Outputs = append(e.comp.Outputs, d)
		if err := m.checkOutput(e, d, res, now); err != nil && checkErr == nil {
			checkErr = err
		}
	}
	e.log.Finish(now, mo)
	m.store.AddExecRecord(er)
	e.comp.ExecRecord = er

	switch {
	case checkErr != nil:
		m.failExecution(ctx, e, checkErr.Error())
	case *mo.ReturnCode != 0:
		m.failExecution(ctx, e, fmt.Sprintf("driver exited with %d", *mo.ReturnCode))
	case missing:
		m.failExecution(ctx, e, "driver did not write every output")
	case !e.log.IsSuccessful():
		m.failExecution(ctx, e, "an output failed its checks")
	default:
		e.comp.FinishSuccessfully(now)
		m.componentFinished(ctx, e.comp, "")
	}
}

func (m *Manager) finalizeCable(ctx context.Context, e *execution) {
	now := m.now()
	var res sandbox.CableResult
	err := sandbox.ReadJSON(sandbox.ResultPath(e.cable.ParamPath), &res)
	e.log.Finish(now, nil)
	if err != nil {
		m.failExecution(ctx, e, "cable helper left no result: "+err.Error())
		return
	}
	if !res.Succeeded {
		msg := res.Message
		if res.InputMD5 != "" && res.InputMD5 != e.inputs[0].MD5 {
			if _, err := e.inputs[0].RecordIntegrity(e.log, e.topRun().User, res.InputMD5, now); err != nil {
				log.WithFields(log.Fields{"component": e.comp.String(), "err": err}).
					Warn("could not record the input's integrity check")
				msg = fmt.Sprintf("%s (%v)", msg, err)
			}
		}
		m.failExecution(ctx, e, msg)
		return
	}
	if e.isRecovery() {
		m.finishRecovery(ctx, e, []sandbox.OutputResult{res.Output}, now)
		return
	}

	name, cdt, _, _ := cableDestination(e.comp)
	d := m.newDataset(e, name, cdt, &res.Output, now)
	er := archive.NewExecRecord(e.log, e.comp.Transformation(), e.inputs)
	er.SetOutput(1, d)
	e.comp.Outputs = append(e.comp.Outputs, d)
	checkErr := m.checkOutput(e, d, &res.Output, now)
	m.store.AddExecRecord(er)
	e.comp.ExecRecord = er
	if checkErr != nil {
		m.failExecution(ctx, e, checkErr.Error())
		return
	}
	if !e.log.IsSuccessful() {
		m.failExecution(ctx, e, "the cable's output failed its checks")
		return
	}
	e.comp.FinishSuccessfully(now)
	m.componentFinished(ctx, e.comp, "")
}

// finishRecovery compares regenerated outputs with what the ExecRecord
// recorded. Matching bytes are attached to the existing datasets; a
// mismatch is recorded as an integrity failure and fails the recovery.
func (m *Manager) finishRecovery(ctx context.Context, e *execution, outputs []sandbox.OutputResult, now time.Time) {
	user := e.topRun().User
	for _, o := range e.er.Outputs() {
		res := findOutput(outputs, o.Index)
		if res == nil || !res.Present {
			m.failExecution(ctx, e, fmt.Sprintf("recovery did not reproduce output %d", o.Index))
			return
		}
		icl, err := o.Dataset.RecordIntegrity(e.log, user, res.MD5, now)
		if err != nil {
			m.failExecution(ctx, e, err.Error())
			return
		}
		if icl.IsFail() {
			m.failExecution(ctx, e, fmt.Sprintf("recovered %s: %s", o.Dataset, icl.Conflict))
			return
		}
		if res.Stored {
			o.Dataset.SetDataKey(res.Key)
		} else {
			m.localCopies[o.Dataset] = res.Path
		}
	}
	log.WithFields(log.Fields{"execrecord": e.er.ID, "invoker": e.invoker.String()}).Info("recovery finished")
}

func (m *Manager) newDataset(e *execution, name string, cdt *pipeline.CompoundDatatype, res *sandbox.OutputResult, now time.Time) *archive.Dataset {
	top := e.topRun()
	d := &archive.Dataset{
		Name:       fmt.Sprintf("run%d_%s_%s", top.ID, strings.Trim(e.comp.Coordinates().String(), "()"), name),
		User:       top.User,
		MD5:        res.MD5,
		Size:       res.Size,
		FileSource: e.comp,
		Created:    now,
	}
	if cdt != nil {
		rows := 0
		if res.Content != nil {
			rows = res.Content.NumRows
		}
		d.Structure = &archive.DatasetStructure{Datatype: cdt, NumRows: rows}
	}
	if res.Stored {
		d.SetDataKey(res.Key)
	} else {
		m.localCopies[d] = res.Path
	}
	m.store.AddDataset(d)
	return d
}

// checkOutput records the integrity and content checks of a new output.
func (m *Manager) checkOutput(e *execution, d *archive.Dataset, res *sandbox.OutputResult, now time.Time) error {
	user := e.topRun().User
	if _, err := d.RecordIntegrity(e.log, user, res.MD5, now); err != nil {
		return errors.Wrapf(err, "recording integrity of %s", d)
	}
	if res.Content == nil {
		return nil
	}
	err := d.AddContentCheck(&archive.ContentCheckLog{
		ExecLog: e.log,
		User:    user,
		Start:   now,
		End:     now,
		BadData: archive.NewBadData(res.Content.Report()),
	})
	return errors.Wrapf(err, "recording content check of %s", d)
}

func findOutput(outputs []sandbox.OutputResult, idx int) *sandbox.OutputResult {
	for i := range outputs {
		if outputs[i].Index == idx {
			return &outputs[i]
		}
	}
	return nil
}

// failExecution ends e. A failed recovery leaves its invoker waiting to
// notice; anything else fails the component.
func (m *Manager) failExecution(ctx context.Context, e *execution, msg string) {
	e.done, e.failed = true, true
	if e.log != nil && e.log.End.IsZero() {
		e.log.Finish(m.now(), nil)
	}
	if e.isRecovery() {
		m.setMessage(e.invoker, msg)
		log.WithFields(log.Fields{"component": e.comp.String(), "invoker": e.invoker.String(), "detail": msg}).
			Warn("recovery failed")
		return
	}
	m.failComponent(ctx, e.comp, msg)
}

func (m *Manager) finishCancelled(ctx context.Context, e *execution, now time.Time, msg string) {
	e.done, e.failed = true, true
	if e.log != nil && e.log.End.IsZero() {
		e.log.Finish(now, nil)
	}
	if msg != "" {
		m.setMessage(e.invoker, msg)
	}
	m.cancelComponent(ctx, e.invoker)
}

func (m *Manager) cancelJobs(ctx context.Context, e *execution) {
	for _, h := range e.handles() {
		if err := m.sched.JobCancel(ctx, h); err != nil {
			log.WithFields(log.Fields{"job": h.JobID, "err": err}).Warn("could not cancel job")
		}
	}
}

// readTail returns at most the last maxCapturedLog bytes of a file.
func readTail(p string) string {
	data, err := os.ReadFile(p)
	if err != nil {
		return ""
	}
	if len(data) > maxCapturedLog {
		data = data[len(data)-maxCapturedLog:]
	}
	return string(data)
}
