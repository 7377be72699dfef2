// Package pipeline holds the read-only definitions a run executes: methods,
// pipelines, their steps and the cables between them. Nothing in here
// changes once a pipeline has been validated.
package pipeline

import (
	"fmt"

	"github.com/pkg/errors"
)

// Transformation is anything an ExecRecord can be keyed on: a Method, or a
// cable feeding a step input or a pipeline output.
type Transformation interface {
	// TransformationKey identifies the transformation across runs.
	TransformationKey() string

	// IsReusable is false for transformations whose results must never be
	// reused, e.g. non-deterministic methods.
	IsReusable() bool

	String() string
}

type Reusability int

const (
	Deterministic Reusability = iota
	Reusable
	NonReusable
)

func (r Reusability) String() string {
	switch r {
	case Deterministic:
		return "deterministic"
	case Reusable:
		return "reusable"
	case NonReusable:
		return "non_reusable"
	}
	return fmt.Sprintf("Reusability(%d)", int(r))
}

// Input is a declared input of a method or pipeline. Structure is nil for
// raw inputs.
type Input struct {
	Index     int
	Name      string
	Structure *Structure
}

func (i Input) IsRaw() bool { return i.Structure == nil }

// Structure constrains a non-raw input. Zero row bounds are unbounded.
type Structure struct {
	Datatype *CompoundDatatype
	MinRow   int
	MaxRow   int
}

// Output is a declared output; Datatype is nil for raw outputs.
type Output struct {
	Index    int
	Name     string
	Datatype *CompoundDatatype
}

func (o Output) IsRaw() bool { return o.Datatype == nil }

// Method is a versioned driver program.
type Method struct {
	ID       int64
	Name     string
	Revision int

	// Driver is the absolute path of the executable run for each step.
	Driver string
	// DriverMD5 is the checksum the driver had when the method was registered.
	DriverMD5 string

	Inputs   []Input
	Outputs  []Output
	Reusable Reusability
	Threads  int
	MemoryMB int
}

func (m *Method) TransformationKey() string { return fmt.Sprintf("method/%d", m.ID) }
func (m *Method) IsReusable() bool          { return m.Reusable != NonReusable }
func (m *Method) String() string            { return fmt.Sprintf("Method %s:%d", m.Name, m.Revision) }

// Wire copies source column SourceIdx into destination column DestIdx.
// Both are 1-based.
type Wire struct {
	SourceIdx int
	DestIdx   int
}

// Cable moves one dataset. A cable without wires is trivial: its output
// dataset is its input dataset.
type Cable struct {
	// SourceStep is 0 when the cable reads a pipeline input.
	SourceStep int
	// Source is the 1-based index of the pipeline input or step output.
	Source int
	Wires  []Wire
	// KeepOutput retains the bytes a non-trivial cable produces.
	KeepOutput bool
}

func (c *Cable) IsTrivial() bool  { return len(c.Wires) == 0 }
func (c *Cable) IsReusable() bool { return true }

// InputCable feeds input DestIdx of its step.
type InputCable struct {
	Cable
	DestIdx int

	step *Step
}

func (c *InputCable) Step() *Step { return c.step }

func (c *InputCable) TransformationKey() string {
	return fmt.Sprintf("pipeline/%d/step/%d/cable/%d", c.step.pipeline.ID, c.step.Num, c.DestIdx)
}

func (c *InputCable) String() string {
	return fmt.Sprintf("input cable %d of step %d (%s)", c.DestIdx, c.step.Num, c.step.pipeline)
}

// OutputCable produces pipeline output OutputIdx.
type OutputCable struct {
	Cable
	OutputIdx int

	pipeline *Pipeline
}

func (c *OutputCable) TransformationKey() string {
	return fmt.Sprintf("pipeline/%d/outcable/%d", c.pipeline.ID, c.OutputIdx)
}

func (c *OutputCable) String() string {
	return fmt.Sprintf("output cable %d (%s)", c.OutputIdx, c.pipeline)
}

// Step wraps exactly one of Method or Pipeline.
type Step struct {
	Num      int
	Name     string
	Method   *Method
	Pipeline *Pipeline
	Cables   []*InputCable
	// OutputsToDelete lists output indices whose data is not kept after the
	// step finishes.
	OutputsToDelete []int

	pipeline *Pipeline
}

func (s *Step) IsSubPipeline() bool { return s.Pipeline != nil }

// Parent is the pipeline this step belongs to.
func (s *Step) Parent() *Pipeline { return s.pipeline }

func (s *Step) Transformation() Transformation {
	if s.Method != nil {
		return s.Method
	}
	return s.Pipeline
}

func (s *Step) Inputs() []Input {
	if s.Method != nil {
		return s.Method.Inputs
	}
	return s.Pipeline.Inputs
}

func (s *Step) Outputs() []Output {
	if s.Method != nil {
		return s.Method.Outputs
	}
	return s.Pipeline.Outputs
}

// KeepsOutput reports whether output idx is retained.
func (s *Step) KeepsOutput(idx int) bool {
	for _, d := range s.OutputsToDelete {
		if d == idx {
			return false
		}
	}
	return true
}

// CableFor returns the cable feeding input idx.
func (s *Step) CableFor(idx int) *InputCable {
	for _, c := range s.Cables {
		if c.DestIdx == idx {
			return c
		}
	}
	return nil
}

// Pipeline is an ordered DAG of steps.
type Pipeline struct {
	ID        int64
	Name      string
	Revision  int
	Inputs    []Input
	Steps     []*Step
	OutCables []*OutputCable
	Outputs   []Output
}

func (p *Pipeline) TransformationKey() string { return fmt.Sprintf("pipeline/%d", p.ID) }

// IsReusable is always false: pipelines are never reused as a whole, their
// steps are.
func (p *Pipeline) IsReusable() bool { return false }
func (p *Pipeline) String() string   { return fmt.Sprintf("Pipeline %s:%d", p.Name, p.Revision) }

// Step returns step num, 1-based.
func (p *Pipeline) Step(num int) *Step {
	if num < 1 || num > len(p.Steps) {
		return nil
	}
	return p.Steps[num-1]
}

// SourceOutput describes what a cable reads: a pipeline input (step 0) or a
// step output.
func (p *Pipeline) SourceOutput(c *Cable) (name string, datatype *CompoundDatatype, err error) {
	if c.SourceStep == 0 {
		if c.Source < 1 || c.Source > len(p.Inputs) {
			return "", nil, fmt.Errorf("%s has no input %d", p, c.Source)
		}
		in := p.Inputs[c.Source-1]
		if in.Structure != nil {
			datatype = in.Structure.Datatype
		}
		return in.Name, datatype, nil
	}
	s := p.Step(c.SourceStep)
	if s == nil {
		return "", nil, fmt.Errorf("%s has no step %d", p, c.SourceStep)
	}
	outs := s.Outputs()
	if c.Source < 1 || c.Source > len(outs) {
		return "", nil, fmt.Errorf("step %d of %s has no output %d", s.Num, p, c.Source)
	}
	return outs[c.Source-1].Name, outs[c.Source-1].Datatype, nil
}

// Validate checks the definition and links steps and cables back to their
// pipeline. Nested pipelines are validated too.
func (p *Pipeline) Validate() error {
	if err := checkIndices(p.String()+" input", len(p.Inputs), func(i int) int { return p.Inputs[i].Index }); err != nil {
		return err
	}
	if err := checkIndices(p.String()+" output", len(p.Outputs), func(i int) int { return p.Outputs[i].Index }); err != nil {
		return err
	}
	for i, s := range p.Steps {
		if s.Num != i+1 {
			return fmt.Errorf("%s: steps are not consecutively numbered starting from 1 (found %d at position %d)", p, s.Num, i+1)
		}
		if (s.Method == nil) == (s.Pipeline == nil) {
			return fmt.Errorf("%s step %d must wrap exactly one method or pipeline", p, s.Num)
		}
		s.pipeline = p
		if s.Pipeline != nil {
			if err := s.Pipeline.Validate(); err != nil {
				return errors.Wrapf(err, "%s step %d", p, s.Num)
			}
		}
		inputs := s.Inputs()
		if len(s.Cables) != len(inputs) {
			return fmt.Errorf("%s step %d has %d inputs but %d cables", p, s.Num, len(inputs), len(s.Cables))
		}
		for _, c := range s.Cables {
			c.step = s
			if c.DestIdx < 1 || c.DestIdx > len(inputs) {
				return fmt.Errorf("%s step %d has a cable to nonexistent input %d", p, s.Num, c.DestIdx)
			}
			if s.CableFor(c.DestIdx) != c {
				return fmt.Errorf("%s step %d input %d is fed by more than one cable", p, s.Num, c.DestIdx)
			}
			if c.SourceStep >= s.Num {
				return fmt.Errorf("%s step %d input %d is fed by later step %d", p, s.Num, c.DestIdx, c.SourceStep)
			}
			if err := p.validateCable(&c.Cable, inputs[c.DestIdx-1].Structure); err != nil {
				return errors.Wrapf(err, "%s", c)
			}
		}
		for _, d := range s.OutputsToDelete {
			if d < 1 || d > len(s.Outputs()) {
				return fmt.Errorf("%s step %d deletes nonexistent output %d", p, s.Num, d)
			}
		}
	}
	if len(p.OutCables) != len(p.Outputs) {
		return fmt.Errorf("%s has %d outputs but %d output cables", p, len(p.Outputs), len(p.OutCables))
	}
	for _, c := range p.OutCables {
		c.pipeline = p
		if c.OutputIdx < 1 || c.OutputIdx > len(p.Outputs) || p.OutCables[c.OutputIdx-1] != c {
			return fmt.Errorf("%s output cables must be listed in output order", p)
		}
		if c.SourceStep < 1 {
			return fmt.Errorf("%s output %d must be sourced from a step", p, c.OutputIdx)
		}
		var structure *Structure
		if dt := p.Outputs[c.OutputIdx-1].Datatype; dt != nil {
			structure = &Structure{Datatype: dt}
		}
		if err := p.validateCable(&c.Cable, structure); err != nil {
			return errors.Wrapf(err, "%s", c)
		}
	}
	return nil
}

func (p *Pipeline) validateCable(c *Cable, dest *Structure) error {
	_, srcType, err := p.SourceOutput(c)
	if err != nil {
		return err
	}
	if c.IsTrivial() {
		if (srcType == nil) != (dest == nil) {
			return fmt.Errorf("trivial cable connects raw and non-raw data")
		}
		return nil
	}
	if srcType == nil || dest == nil {
		return fmt.Errorf("a raw cable cannot have wires")
	}
	for _, w := range c.Wires {
		if w.SourceIdx < 1 || w.SourceIdx > len(srcType.Columns) {
			return fmt.Errorf("wire reads nonexistent source column %d", w.SourceIdx)
		}
		if w.DestIdx < 1 || w.DestIdx > len(dest.Datatype.Columns) {
			return fmt.Errorf("wire writes nonexistent destination column %d", w.DestIdx)
		}
	}
	if len(c.Wires) != len(dest.Datatype.Columns) {
		return fmt.Errorf("wires must fill all %d destination columns", len(dest.Datatype.Columns))
	}
	return nil
}

func checkIndices(what string, n int, index func(int) int) error {
	for i := 0; i < n; i++ {
		if index(i) != i+1 {
			return fmt.Errorf("%s indices must be consecutive starting from 1 (found %d at position %d)", what, index(i), i+1)
		}
	}
	return nil
}
