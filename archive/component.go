package archive

import (
	"fmt"
	"time"

	"github.com/dmacmillan/Kive-sub000/pipeline"
)

// Kind tags the three component variants. Call sites switch on it rather
// than on concrete types.
type Kind int

const (
	KindStep Kind = iota
	KindInputCable
	KindOutputCable
)

func (k Kind) String() string {
	switch k {
	case KindStep:
		return "RunStep"
	case KindInputCable:
		return "RunSIC"
	case KindOutputCable:
		return "RunOutputCable"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

type ComponentState int

const (
	ComponentPending ComponentState = iota
	ComponentRunning
	ComponentSuccessful
	ComponentFailed
	ComponentCancelled
	ComponentQuarantined
)

func (s ComponentState) String() string {
	switch s {
	case ComponentPending:
		return "pending"
	case ComponentRunning:
		return "running"
	case ComponentSuccessful:
		return "successful"
	case ComponentFailed:
		return "failed"
	case ComponentCancelled:
		return "cancelled"
	case ComponentQuarantined:
		return "quarantined"
	}
	return fmt.Sprintf("ComponentState(%d)", int(s))
}

// IsTerminal is true once the component will not run again.
func (s ComponentState) IsTerminal() bool {
	return s == ComponentSuccessful || s == ComponentFailed || s == ComponentCancelled || s == ComponentQuarantined
}

// Component is one node of a run's execution DAG: a step, a step input
// cable, or a pipeline output cable. Exactly one of Step and Cable is set,
// matching Kind.
type Component struct {
	ID   int64
	Kind Kind
	// Run owns the component.
	Run   *Run
	State ComponentState

	// Reused is nil until the reuse decision has been made.
	Reused     *bool
	ExecRecord *ExecRecord
	// Log is the component's own execution, never set when reusing.
	Log *ExecLog
	// InvokedLogs are recoveries of earlier components this component
	// triggered while gathering its inputs.
	InvokedLogs []*ExecLog
	// Outputs are the datasets this component generated itself.
	Outputs []*Dataset

	Start time.Time
	End   time.Time

	Step  *StepDetail
	Cable *CableDetail
}

// StepDetail holds the RunStep payload.
type StepDetail struct {
	PipelineStep *pipeline.Step
	// Inputs are the step's input cables, one per method input, in order.
	Inputs []*Component
	// ChildRun is set for sub-pipeline steps once they start.
	ChildRun *Run
}

// CableDetail holds the RunSIC and RunOutputCable payload.
type CableDetail struct {
	InputCable  *pipeline.InputCable
	OutputCable *pipeline.OutputCable
	// DestStep is the step an input cable feeds.
	DestStep *Component
}

func newStep(r *Run, s *pipeline.Step) *Component {
	c := &Component{Kind: KindStep, Run: r, Step: &StepDetail{PipelineStep: s}}
	for i := range s.Inputs() {
		ic := s.CableFor(i + 1)
		c.Step.Inputs = append(c.Step.Inputs, &Component{
			Kind:  KindInputCable,
			Run:   r,
			Cable: &CableDetail{InputCable: ic, DestStep: c},
		})
	}
	return c
}

func newOutputCable(r *Run, oc *pipeline.OutputCable) *Component {
	return &Component{Kind: KindOutputCable, Run: r, Cable: &CableDetail{OutputCable: oc}}
}

// IsSubPipeline is true for a step wrapping a nested pipeline.
func (c *Component) IsSubPipeline() bool {
	return c.Kind == KindStep && c.Step.PipelineStep.IsSubPipeline()
}

// IsCable is true for both cable variants.
func (c *Component) IsCable() bool {
	return c.Kind != KindStep
}

// Transformation is the method, pipeline or cable this component executes.
func (c *Component) Transformation() pipeline.Transformation {
	switch c.Kind {
	case KindStep:
		return c.Step.PipelineStep.Transformation()
	case KindInputCable:
		return c.Cable.InputCable
	}
	return c.Cable.OutputCable
}

// PipelineCable is the cable definition of either cable variant.
func (c *Component) PipelineCable() *pipeline.Cable {
	switch c.Kind {
	case KindInputCable:
		return &c.Cable.InputCable.Cable
	case KindOutputCable:
		return &c.Cable.OutputCable.Cable
	}
	return nil
}

// Coordinates locate the component within its top-level run.
func (c *Component) Coordinates() Coordinates {
	base := c.Run.Coordinates()
	switch c.Kind {
	case KindStep:
		return base.with(Coordinate{Step: c.Step.PipelineStep.Num})
	case KindInputCable:
		return base.with(Coordinate{Step: c.Cable.DestStep.Step.PipelineStep.Num, Cable: c.Cable.InputCable.DestIdx})
	}
	return base.with(Coordinate{Cable: c.Cable.OutputCable.OutputIdx})
}

func (c *Component) String() string {
	return fmt.Sprintf("%s %s of run %d", c.Kind, c.Coordinates(), c.Run.TopLevel().ID)
}

// IsReused is true only once the component was decided to reuse.
func (c *Component) IsReused() bool {
	return c.Reused != nil && *c.Reused
}

// ReuseDecided is true once Reused has been set.
func (c *Component) ReuseDecided() bool {
	return c.Reused != nil
}

// SetReused records the reuse decision.
func (c *Component) SetReused(reused bool) {
	c.Reused = &reused
}

// IsComplete is true once the component reached a terminal state.
func (c *Component) IsComplete() bool {
	if c.IsSubPipeline() && c.Step.ChildRun != nil && !c.State.IsTerminal() {
		return c.Step.ChildRun.IsComplete()
	}
	return c.State.IsTerminal()
}

// IsSuccessful is provisional: a component that has not failed, been
// cancelled or been quarantined is successful so far.
func (c *Component) IsSuccessful() bool {
	return c.State == ComponentPending || c.State == ComponentRunning || c.State == ComponentSuccessful
}

// SuccessfulExecution is true when the component completed and whatever
// produced its outputs ran successfully, regardless of later quarantine.
func (c *Component) SuccessfulExecution() bool {
	return c.State == ComponentSuccessful || c.State == ComponentQuarantined
}

// IsQuarantined reports the component's quarantine flag.
func (c *Component) IsQuarantined() bool {
	return c.State == ComponentQuarantined
}

// InputsQuenched is true when every input this component reads is available:
// all input cables of a step have succeeded, or the source of a cable has.
func (c *Component) InputsQuenched() bool {
	switch c.Kind {
	case KindStep:
		for _, in := range c.Step.Inputs {
			if !in.IsComplete() || !in.SuccessfulExecution() {
				return false
			}
		}
		return true
	case KindInputCable:
		src := c.Cable.InputCable.SourceStep
		if src == 0 {
			return c.Run.InputsAvailable()
		}
		s := c.Run.StepNum(src)
		return s != nil && s.IsComplete() && s.SuccessfulExecution()
	}
	s := c.Run.StepNum(c.Cable.OutputCable.SourceStep)
	return s != nil && s.IsComplete() && s.SuccessfulExecution()
}

// KeepsOutput reports whether the component's output index idx is retained
// in the file store.
func (c *Component) KeepsOutput(idx int) bool {
	switch c.Kind {
	case KindStep:
		return c.Step.PipelineStep.KeepsOutput(idx)
	case KindInputCable:
		return !c.Cable.InputCable.IsTrivial() && c.Cable.InputCable.KeepOutput
	}
	return c.Run.IsTopLevel() || c.Cable.OutputCable.KeepOutput
}

// OutputDataset is what the component provides downstream at index idx:
// its own generated dataset, or the matching output of its ExecRecord.
func (c *Component) OutputDataset(idx int) *Dataset {
	if c.IsSubPipeline() {
		child := c.Step.ChildRun
		if child == nil || idx < 1 || idx > len(child.OutputCables) {
			return nil
		}
		return child.OutputCables[idx-1].OutputDataset(1)
	}
	if c.ExecRecord == nil {
		return nil
	}
	return c.ExecRecord.OutputDataset(idx)
}

// Begin moves a pending component to running and starts its run.
func (c *Component) Begin(now time.Time) {
	if c.State != ComponentPending {
		return
	}
	c.State = ComponentRunning
	c.Start = now
	c.Run.Begin(now)
}

// FinishSuccessfully marks a pending or running component successful.
func (c *Component) FinishSuccessfully(now time.Time) {
	if c.State.IsTerminal() {
		return
	}
	if c.Start.IsZero() {
		c.Start = now
		c.Run.Begin(now)
	}
	c.State = ComponentSuccessful
	c.End = now
}

// FinishFailure fails the component and marks every enclosing run failing.
func (c *Component) FinishFailure(now time.Time) {
	if c.State.IsTerminal() {
		return
	}
	if c.Start.IsZero() {
		c.Start = now
	}
	c.State = ComponentFailed
	c.End = now
	c.Run.MarkFailure(true)
}

// Cancel stops a component that has not finished. It is a no-op otherwise.
func (c *Component) Cancel(now time.Time) {
	if c.State.IsTerminal() {
		return
	}
	c.State = ComponentCancelled
	c.End = now
}

// AllLogs lists the component's own log and the logs it invoked.
func (c *Component) AllLogs() []*ExecLog {
	logs := append([]*ExecLog(nil), c.InvokedLogs...)
	if c.Log != nil {
		logs = append(logs, c.Log)
	}
	return logs
}
