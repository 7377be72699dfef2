package archive

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dmacmillan/Kive-sub000/pipeline"
)

type RunState int

const (
	RunPending RunState = iota
	RunRunning
	RunSuccessful
	RunFailing
	RunFailed
	RunCancelling
	RunCancelled
)

func (s RunState) String() string {
	switch s {
	case RunPending:
		return "pending"
	case RunRunning:
		return "running"
	case RunSuccessful:
		return "successful"
	case RunFailing:
		return "failing"
	case RunFailed:
		return "failed"
	case RunCancelling:
		return "cancelling"
	case RunCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("RunState(%d)", int(s))
}

func (s RunState) IsTerminal() bool {
	return s == RunSuccessful || s == RunFailed || s == RunCancelled
}

// Run executes one pipeline on a list of input datasets. A nested run
// belongs to the sub-pipeline step in ParentStep; that reference is only
// followed upward, for propagation.
type Run struct {
	ID       int64
	Name     string
	User     string
	Pipeline *pipeline.Pipeline
	Inputs   []*Dataset

	ParentStep *Component

	// Steps are created pending when the run is, numbered 1..n.
	Steps []*Component
	// OutputCables are added once every step is complete.
	OutputCables []*Component

	State RunState
	// Quarantined overlays the state once any data this run depends on
	// failed an integrity check.
	Quarantined bool

	Priority  int
	StoppedBy string

	Start time.Time
	End   time.Time
}

// NewRun builds a pending run with one pending step per pipeline step.
func NewRun(p *pipeline.Pipeline, inputs []*Dataset, user string) *Run {
	r := &Run{Pipeline: p, Inputs: inputs, User: user, Name: p.Name}
	for _, s := range p.Steps {
		r.Steps = append(r.Steps, newStep(r, s))
	}
	return r
}

// NewChildRun builds the run of a sub-pipeline step. Its inputs are the
// outputs of the step's input cables.
func NewChildRun(step *Component) *Run {
	ps := step.Step.PipelineStep
	var inputs []*Dataset
	for _, in := range step.Step.Inputs {
		inputs = append(inputs, in.OutputDataset(1))
	}
	r := NewRun(ps.Pipeline, inputs, step.Run.User)
	r.ParentStep = step
	r.Priority = step.Run.Priority
	step.Step.ChildRun = r
	return r
}

// AddOutputCable creates the component for pipeline output idx.
func (r *Run) AddOutputCable(idx int) *Component {
	c := newOutputCable(r, r.Pipeline.OutCables[idx-1])
	r.OutputCables = append(r.OutputCables, c)
	return c
}

func (r *Run) IsTopLevel() bool { return r.ParentStep == nil }

// TopLevel is the root ancestor.
func (r *Run) TopLevel() *Run {
	for r.ParentStep != nil {
		r = r.ParentStep.Run
	}
	return r
}

// Coordinates of a sub-run are those of its parent step.
func (r *Run) Coordinates() Coordinates {
	if r.ParentStep == nil {
		return Coordinates{}
	}
	return r.ParentStep.Coordinates()
}

// StepNum returns step num, 1-based.
func (r *Run) StepNum(num int) *Component {
	if num < 1 || num > len(r.Steps) {
		return nil
	}
	return r.Steps[num-1]
}

// InputsAvailable is true when every run input is bound.
func (r *Run) InputsAvailable() bool {
	if len(r.Inputs) != len(r.Pipeline.Inputs) {
		return false
	}
	for _, in := range r.Inputs {
		if in == nil {
			return false
		}
	}
	return true
}

// Components lists the run's own components in run order: each step's input
// cables, the step, then the output cables. Sub-runs are not descended.
func (r *Run) Components() []*Component {
	var out []*Component
	for _, s := range r.Steps {
		out = append(out, s.Step.Inputs...)
		out = append(out, s)
	}
	return append(out, r.OutputCables...)
}

// AllComponents is Components of this run and every nested run.
func (r *Run) AllComponents() []*Component {
	var out []*Component
	for _, c := range r.Components() {
		out = append(out, c)
		if c.Kind == KindStep && c.Step.ChildRun != nil {
			out = append(out, c.Step.ChildRun.AllComponents()...)
		}
	}
	return out
}

// AllRuns is this run followed by every nested run.
func (r *Run) AllRuns() []*Run {
	out := []*Run{r}
	for _, s := range r.Steps {
		if s.Step.ChildRun != nil {
			out = append(out, s.Step.ChildRun.AllRuns()...)
		}
	}
	return out
}

// IsComplete is true once every step is complete and, when the pipeline has
// outputs, every output cable is too. A run that reached a terminal state is
// always complete.
func (r *Run) IsComplete() bool {
	if r.State.IsTerminal() {
		return true
	}
	if len(r.Steps) != len(r.Pipeline.Steps) {
		return false
	}
	for _, s := range r.Steps {
		if !s.IsComplete() {
			return false
		}
	}
	if len(r.OutputCables) != len(r.Pipeline.OutCables) {
		return false
	}
	for _, c := range r.OutputCables {
		if !c.IsComplete() {
			return false
		}
	}
	return true
}

// IsSuccessful means nothing has gone wrong so far; an unfinished run that
// has not failed counts as successful.
func (r *Run) IsSuccessful() bool {
	switch r.State {
	case RunFailing, RunFailed, RunCancelling, RunCancelled:
		return false
	}
	for _, c := range r.Components() {
		if c.State == ComponentFailed || c.State == ComponentCancelled {
			return false
		}
	}
	return true
}

// Status is the user-visible state, with quarantine overlaid on success.
func (r *Run) Status() string {
	if r.Quarantined && (r.State == RunSuccessful || r.State == RunRunning) {
		return "quarantined"
	}
	return r.State.String()
}

// Begin moves a pending run, and every pending enclosing run, to running.
func (r *Run) Begin(now time.Time) {
	if r.State != RunPending {
		return
	}
	r.State = RunRunning
	r.Start = now
	if r.ParentStep != nil {
		r.ParentStep.Begin(now)
	}
}

// MarkFailure moves a live run to failing. With recurse, enclosing runs are
// marked too.
func (r *Run) MarkFailure(recurse bool) {
	switch r.State {
	case RunPending, RunRunning:
		log.WithFields(log.Fields{"run": r.TopLevel().ID, "coordinates": r.Coordinates().String()}).
			Info("run failing")
		r.State = RunFailing
	}
	if recurse && r.ParentStep != nil {
		r.ParentStep.Run.MarkFailure(true)
	}
}

// MarkCancelling records that the run is being stopped by user. Nested runs
// are marked as well.
func (r *Run) MarkCancelling(user string) {
	if r.State.IsTerminal() {
		return
	}
	r.State = RunCancelling
	r.StoppedBy = user
	for _, s := range r.Steps {
		if s.Step.ChildRun != nil {
			s.Step.ChildRun.MarkCancelling(user)
		}
	}
}

// Finish moves the run to its terminal state once nothing is left to do and
// returns that state.
func (r *Run) Finish(now time.Time) RunState {
	if r.State.IsTerminal() {
		return r.State
	}
	failed, cancelled := false, false
	for _, c := range r.Components() {
		switch c.State {
		case ComponentFailed:
			failed = true
		case ComponentCancelled:
			cancelled = true
		}
	}
	switch {
	case r.State == RunCancelling:
		r.State = RunCancelled
	case failed || r.State == RunFailing:
		r.State = RunFailed
	case cancelled:
		r.State = RunCancelled
	default:
		r.State = RunSuccessful
	}
	if r.Start.IsZero() {
		r.Start = now
	}
	r.End = now
	return r.State
}

// FirstGeneratorOf finds the component in this run tree whose ExecRecord
// produced ds, searching in run order.
func (r *Run) FirstGeneratorOf(ds *Dataset) *Component {
	for _, c := range r.AllComponents() {
		if c.IsSubPipeline() || c.ExecRecord == nil {
			continue
		}
		if cable := c.PipelineCable(); cable != nil && cable.IsTrivial() {
			continue
		}
		for _, out := range c.ExecRecord.Outputs() {
			if out.Dataset == ds {
				return c
			}
		}
	}
	return nil
}

func (r *Run) String() string {
	if r.IsTopLevel() {
		return fmt.Sprintf("Run %d (%s)", r.ID, r.Pipeline)
	}
	return fmt.Sprintf("Run %d %s of run %d", r.ID, r.Coordinates(), r.TopLevel().ID)
}
