package fleet

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dmacmillan/Kive-sub000/archive"
	"github.com/dmacmillan/Kive-sub000/journal"
	"github.com/dmacmillan/Kive-sub000/reuse"
)

// advanceRun moves r forward as far as it can go this tick. In a failing
// run only what depends on a failed component is cancelled; independent
// steps keep going. In a cancelling run nothing new starts: pending
// components are cancelled and work already submitted is left to finish.
func (m *Manager) advanceRun(ctx context.Context, r *archive.Run, stopping bool) {
	if r.State.IsTerminal() {
		return
	}
	stepsDone := true
	for _, s := range r.Steps {
		stop := stopping || r.State == archive.RunCancelling
		if !m.advanceStep(ctx, s, stop) {
			stepsDone = false
		}
	}
	if !stepsDone {
		return
	}

	if len(r.OutputCables) < len(r.Pipeline.OutCables) {
		for i := len(r.OutputCables); i < len(r.Pipeline.OutCables); i++ {
			r.AddOutputCable(i + 1)
		}
		m.store.AddRun(r.TopLevel())
	}
	cablesDone := true
	for _, oc := range r.OutputCables {
		if !m.advanceCable(ctx, oc, stopping || r.State == archive.RunCancelling) {
			cablesDone = false
		}
	}
	if !cablesDone {
		return
	}
	state := r.Finish(m.now())
	if !r.IsTopLevel() {
		log.WithFields(log.Fields{"run": r.TopLevel().ID, "coordinates": r.Coordinates().String(), "state": state.String()}).
			Info("sub-run finished")
	}
}

// advanceStep reports whether s has reached a terminal state.
func (m *Manager) advanceStep(ctx context.Context, s *archive.Component, stopping bool) bool {
	if s.State.IsTerminal() {
		return true
	}
	if s.IsSubPipeline() && s.Step.ChildRun != nil {
		child := s.Step.ChildRun
		m.advanceRun(ctx, child, stopping)
		if child.State.IsTerminal() {
			now := m.now()
			switch child.State {
			case archive.RunSuccessful:
				s.FinishSuccessfully(now)
			case archive.RunFailed:
				s.FinishFailure(now)
			default:
				s.Cancel(now)
			}
			m.componentFinished(ctx, s, "")
		}
		return s.State.IsTerminal()
	}
	if m.busy(s) {
		return false
	}
	if stopping {
		for _, in := range s.Step.Inputs {
			if !m.busy(in) {
				m.cancelComponent(ctx, in)
			}
		}
		for _, in := range s.Step.Inputs {
			if !in.State.IsTerminal() {
				return false
			}
		}
		m.cancelComponent(ctx, s)
		return true
	}

	ready := true
	for _, in := range s.Step.Inputs {
		if !m.advanceCable(ctx, in, false) {
			ready = false
		}
	}
	for _, in := range s.Step.Inputs {
		if in.State.IsTerminal() && !in.SuccessfulExecution() {
			if ready {
				m.cancelComponent(ctx, s)
				return true
			}
			return false
		}
	}
	if !ready {
		return false
	}

	now := m.now()
	if s.IsSubPipeline() {
		child := archive.NewChildRun(s)
		m.store.AddRun(s.Run.TopLevel())
		s.Begin(now)
		m.record(ctx, s.Run, journal.ComponentStarted, s.Coordinates().String(), s.State.String(), "sub-run started")
		m.advanceRun(ctx, child, false)
		return false
	}

	inputs := make([]*archive.Dataset, len(s.Step.Inputs))
	for i, in := range s.Step.Inputs {
		inputs[i] = in.OutputDataset(1)
	}
	s.Begin(now)
	m.record(ctx, s.Run, journal.ComponentStarted, s.Coordinates().String(), s.State.String(), "")
	v, err := m.engine.Decide(ctx, s, inputs)
	if err != nil {
		m.failComponent(ctx, s, err.Error())
		return true
	}
	reuse.Apply(s, v, m.now())
	if v.Decision != reuse.Execute {
		m.componentFinished(ctx, s, v.Decision.String())
		return true
	}
	m.execute(ctx, s, s, inputs, nil)
	return s.State.IsTerminal()
}

// advanceCable reports whether c has reached a terminal state.
func (m *Manager) advanceCable(ctx context.Context, c *archive.Component, cancel bool) bool {
	if c.State.IsTerminal() {
		return true
	}
	if m.busy(c) {
		return false
	}
	if cancel {
		m.cancelComponent(ctx, c)
		return true
	}
	if !c.InputsQuenched() {
		if m.sourceFailed(c) {
			m.cancelComponent(ctx, c)
			return true
		}
		return false
	}

	src := m.cableSource(c)
	now := m.now()
	c.Begin(now)
	m.record(ctx, c.Run, journal.ComponentStarted, c.Coordinates().String(), c.State.String(), "")
	if src == nil {
		m.failComponent(ctx, c, "the cable's source has no dataset")
		return true
	}
	inputs := []*archive.Dataset{src}
	v, err := m.engine.Decide(ctx, c, inputs)
	if err != nil {
		m.failComponent(ctx, c, err.Error())
		return true
	}
	reuse.Apply(c, v, now)
	if v.Decision != reuse.Execute {
		m.componentFinished(ctx, c, v.Decision.String())
		return true
	}
	if c.PipelineCable().IsTrivial() {
		m.passThrough(ctx, c, src, now)
		return true
	}
	m.execute(ctx, c, c, inputs, nil)
	return c.State.IsTerminal()
}

// passThrough completes a trivial cable: its output is its input.
func (m *Manager) passThrough(ctx context.Context, c *archive.Component, d *archive.Dataset, now time.Time) {
	l := archive.NewExecLog(c, c, now)
	l.Finish(now, nil)
	m.store.AddExecLog(l)
	c.Log = l
	er := archive.NewExecRecord(l, c.Transformation(), []*archive.Dataset{d})
	er.SetOutput(1, d)
	m.store.AddExecRecord(er)
	c.ExecRecord = er
	c.FinishSuccessfully(now)
	m.componentFinished(ctx, c, "")
}

// cableSource is the dataset a cable reads, nil if it is not available.
func (m *Manager) cableSource(c *archive.Component) *archive.Dataset {
	cable := c.PipelineCable()
	if cable.SourceStep == 0 {
		if cable.Source < 1 || cable.Source > len(c.Run.Inputs) {
			return nil
		}
		return c.Run.Inputs[cable.Source-1]
	}
	s := c.Run.StepNum(cable.SourceStep)
	if s == nil {
		return nil
	}
	return s.OutputDataset(cable.Source)
}

// sourceFailed is true when a cable's source will never become available.
func (m *Manager) sourceFailed(c *archive.Component) bool {
	cable := c.PipelineCable()
	if cable.SourceStep == 0 {
		return !c.Run.InputsAvailable()
	}
	s := c.Run.StepNum(cable.SourceStep)
	return s == nil || (s.State.IsTerminal() && !s.SuccessfulExecution())
}

// busy is true while an execution for c, or one it invoked, is in flight.
func (m *Manager) busy(c *archive.Component) bool {
	for _, e := range m.execs {
		if !e.done && (e.comp == c || e.invoker == c) {
			return true
		}
	}
	return false
}

func (m *Manager) cancelComponent(ctx context.Context, c *archive.Component) {
	if c.State.IsTerminal() {
		return
	}
	c.Cancel(m.now())
	m.componentFinished(ctx, c, "")
}

func (m *Manager) failComponent(ctx context.Context, c *archive.Component, msg string) {
	if msg != "" {
		m.setMessage(c, msg)
	}
	c.FinishFailure(m.now())
	m.componentFinished(ctx, c, msg)
}

func (m *Manager) componentFinished(ctx context.Context, c *archive.Component, msg string) {
	fields := log.Fields{"run": c.Run.TopLevel().ID, "component": c.String(), "state": c.State.String()}
	if msg != "" {
		fields["detail"] = msg
	}
	log.WithFields(fields).Info("component finished")
	m.record(ctx, c.Run, journal.ComponentFinished, c.Coordinates().String(), c.State.String(), msg)
}
