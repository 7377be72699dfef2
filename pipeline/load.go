package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/dmacmillan/Kive-sub000/filestore"
)

// Library is a set of definitions loaded together, looked up by name.
type Library struct {
	Datatypes map[string]*CompoundDatatype
	Methods   map[string]*Method
	Pipelines map[string]*Pipeline
}

type libraryDoc struct {
	Datatypes []datatypeDoc `yaml:"datatypes"`
	Methods   []methodDoc   `yaml:"methods"`
	Pipelines []pipelineDoc `yaml:"pipelines"`
}

type datatypeDoc struct {
	ID      int64 `yaml:"id"`
	Name    string
	Columns []struct {
		Name string
		Type string
	}
}

type inputDoc struct {
	Name     string
	Datatype string
	MinRow   int `yaml:"min_row"`
	MaxRow   int `yaml:"max_row"`
}

type methodDoc struct {
	ID        int64 `yaml:"id"`
	Name      string
	Revision  int
	Driver    string
	DriverMD5 string `yaml:"driver_md5"`
	Reusable  string
	Threads   int
	Memory    int
	Inputs    []inputDoc
	Outputs   []inputDoc
}

type wireDoc struct {
	Source string
	Dest   string
}

type cableDoc struct {
	Dest       string
	Step       int
	Source     string
	Wires      []wireDoc
	KeepOutput bool `yaml:"keep_output"`
}

type stepDoc struct {
	Name          string
	Method        string
	Pipeline      string
	Cables        []cableDoc
	DeleteOutputs []string `yaml:"delete_outputs"`
}

type outputDoc struct {
	Name   string
	Step   int
	Source string
	Wires  []wireDoc
}

type pipelineDoc struct {
	ID       int64 `yaml:"id"`
	Name     string
	Revision int
	Inputs   []inputDoc
	Steps    []stepDoc
	Outputs  []outputDoc
}

// LoadFile reads a YAML definitions file. Relative driver paths are resolved
// against the file's directory.
func LoadFile(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading definitions %s", path)
	}
	return Load(data, filepath.Dir(path))
}

// Load parses YAML definitions. Methods without a driver_md5 get the current
// checksum of their driver file. IDs not given explicitly are assigned in
// document order.
func Load(data []byte, baseDir string) (*Library, error) {
	var doc libraryDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "parsing definitions")
	}
	lib := &Library{
		Datatypes: map[string]*CompoundDatatype{},
		Methods:   map[string]*Method{},
		Pipelines: map[string]*Pipeline{},
	}
	for i, d := range doc.Datatypes {
		cdt := &CompoundDatatype{ID: pick(d.ID, i+1), Name: d.Name}
		for j, c := range d.Columns {
			cdt.Columns = append(cdt.Columns, Column{Index: j + 1, Name: c.Name, Type: c.Type})
		}
		lib.Datatypes[d.Name] = cdt
	}
	for i, d := range doc.Methods {
		m, err := lib.method(d, pick(d.ID, i+1), baseDir)
		if err != nil {
			return nil, errors.Wrapf(err, "method %q", d.Name)
		}
		lib.Methods[d.Name] = m
	}
	for i, d := range doc.Pipelines {
		p, err := lib.pipeline(d, pick(d.ID, i+1))
		if err != nil {
			return nil, errors.Wrapf(err, "pipeline %q", d.Name)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		lib.Pipelines[d.Name] = p
	}
	return lib, nil
}

func pick(id int64, pos int) int64 {
	if id != 0 {
		return id
	}
	return int64(pos)
}

func (lib *Library) datatype(name string) (*CompoundDatatype, error) {
	if name == "" {
		return nil, nil
	}
	cdt, ok := lib.Datatypes[name]
	if !ok {
		return nil, fmt.Errorf("unknown datatype %q", name)
	}
	return cdt, nil
}

func (lib *Library) inputs(docs []inputDoc) ([]Input, error) {
	var ins []Input
	for i, d := range docs {
		cdt, err := lib.datatype(d.Datatype)
		if err != nil {
			return nil, err
		}
		in := Input{Index: i + 1, Name: d.Name}
		if cdt != nil {
			in.Structure = &Structure{Datatype: cdt, MinRow: d.MinRow, MaxRow: d.MaxRow}
		}
		ins = append(ins, in)
	}
	return ins, nil
}

func (lib *Library) outputs(docs []inputDoc) ([]Output, error) {
	var outs []Output
	for i, d := range docs {
		cdt, err := lib.datatype(d.Datatype)
		if err != nil {
			return nil, err
		}
		outs = append(outs, Output{Index: i + 1, Name: d.Name, Datatype: cdt})
	}
	return outs, nil
}

func (lib *Library) method(d methodDoc, id int64, baseDir string) (*Method, error) {
	m := &Method{
		ID:        id,
		Name:      d.Name,
		Revision:  d.Revision,
		Driver:    d.Driver,
		DriverMD5: d.DriverMD5,
		Threads:   d.Threads,
		MemoryMB:  d.Memory,
	}
	if m.Revision == 0 {
		m.Revision = 1
	}
	if m.Threads == 0 {
		m.Threads = 1
	}
	switch d.Reusable {
	case "", "deterministic":
		m.Reusable = Deterministic
	case "reusable":
		m.Reusable = Reusable
	case "non_reusable":
		m.Reusable = NonReusable
	default:
		return nil, fmt.Errorf("unknown reusability %q", d.Reusable)
	}
	if m.Driver == "" {
		return nil, fmt.Errorf("no driver")
	}
	if !filepath.IsAbs(m.Driver) {
		m.Driver = filepath.Join(baseDir, m.Driver)
	}
	if m.DriverMD5 == "" {
		sum, err := filestore.MD5File(m.Driver)
		if err != nil {
			return nil, errors.Wrap(err, "checksumming driver")
		}
		m.DriverMD5 = sum
	}
	var err error
	if m.Inputs, err = lib.inputs(d.Inputs); err != nil {
		return nil, err
	}
	if m.Outputs, err = lib.outputs(d.Outputs); err != nil {
		return nil, err
	}
	return m, nil
}

func (lib *Library) pipeline(d pipelineDoc, id int64) (*Pipeline, error) {
	p := &Pipeline{ID: id, Name: d.Name, Revision: d.Revision}
	if p.Revision == 0 {
		p.Revision = 1
	}
	var err error
	if p.Inputs, err = lib.inputs(d.Inputs); err != nil {
		return nil, err
	}
	for i, sd := range d.Steps {
		s := &Step{Num: i + 1, Name: sd.Name}
		switch {
		case sd.Method != "" && sd.Pipeline != "":
			return nil, fmt.Errorf("step %d names both a method and a pipeline", s.Num)
		case sd.Method != "":
			if s.Method = lib.Methods[sd.Method]; s.Method == nil {
				return nil, fmt.Errorf("step %d: unknown method %q", s.Num, sd.Method)
			}
		case sd.Pipeline != "":
			if s.Pipeline = lib.Pipelines[sd.Pipeline]; s.Pipeline == nil {
				return nil, fmt.Errorf("step %d: unknown pipeline %q (define it first)", s.Num, sd.Pipeline)
			}
		default:
			return nil, fmt.Errorf("step %d names neither a method nor a pipeline", s.Num)
		}
		p.Steps = append(p.Steps, s)
		for _, cd := range sd.Cables {
			destIdx := indexOfInput(s.Inputs(), cd.Dest)
			if destIdx == 0 {
				return nil, fmt.Errorf("step %d has no input %q", s.Num, cd.Dest)
			}
			cable, err := p.cable(cd.Step, cd.Source, cd.Wires, s.Inputs()[destIdx-1].Structure)
			if err != nil {
				return nil, errors.Wrapf(err, "step %d input %q", s.Num, cd.Dest)
			}
			cable.KeepOutput = cd.KeepOutput
			s.Cables = append(s.Cables, &InputCable{Cable: cable, DestIdx: destIdx})
		}
		for _, name := range sd.DeleteOutputs {
			idx := indexOfOutput(s.Outputs(), name)
			if idx == 0 {
				return nil, fmt.Errorf("step %d has no output %q", s.Num, name)
			}
			s.OutputsToDelete = append(s.OutputsToDelete, idx)
		}
	}
	for i, od := range d.Outputs {
		var dest *Structure
		var cdt *CompoundDatatype
		if od.Step >= 1 && od.Step <= len(p.Steps) {
			if idx := indexOfOutput(p.Steps[od.Step-1].Outputs(), od.Source); idx > 0 {
				cdt = p.Steps[od.Step-1].Outputs()[idx-1].Datatype
			}
		}
		if cdt != nil {
			dest = &Structure{Datatype: cdt}
		}
		cable, err := p.cable(od.Step, od.Source, od.Wires, dest)
		if err != nil {
			return nil, errors.Wrapf(err, "output %q", od.Name)
		}
		p.Outputs = append(p.Outputs, Output{Index: i + 1, Name: od.Name, Datatype: cdt})
		p.OutCables = append(p.OutCables, &OutputCable{Cable: cable, OutputIdx: i + 1})
	}
	return p, nil
}

// cable resolves names into indices. step 0 reads a pipeline input.
func (p *Pipeline) cable(step int, source string, wires []wireDoc, dest *Structure) (Cable, error) {
	c := Cable{SourceStep: step}
	var srcType *CompoundDatatype
	if step == 0 {
		c.Source = indexOfInput(p.Inputs, source)
		if c.Source > 0 && p.Inputs[c.Source-1].Structure != nil {
			srcType = p.Inputs[c.Source-1].Structure.Datatype
		}
	} else {
		if step > len(p.Steps) {
			return c, fmt.Errorf("unknown step %d", step)
		}
		outs := p.Steps[step-1].Outputs()
		c.Source = indexOfOutput(outs, source)
		if c.Source > 0 {
			srcType = outs[c.Source-1].Datatype
		}
	}
	if c.Source == 0 {
		return c, fmt.Errorf("unknown source %q of step %d", source, step)
	}
	for _, w := range wires {
		if srcType == nil || dest == nil {
			return c, fmt.Errorf("wires on a raw cable")
		}
		wire := Wire{
			SourceIdx: indexOfColumn(srcType, w.Source),
			DestIdx:   indexOfColumn(dest.Datatype, w.Dest),
		}
		if wire.SourceIdx == 0 || wire.DestIdx == 0 {
			return c, fmt.Errorf("bad wire %s -> %s", w.Source, w.Dest)
		}
		c.Wires = append(c.Wires, wire)
	}
	return c, nil
}

func indexOfInput(ins []Input, name string) int {
	for _, in := range ins {
		if in.Name == name {
			return in.Index
		}
	}
	return 0
}

func indexOfOutput(outs []Output, name string) int {
	for _, out := range outs {
		if out.Name == name {
			return out.Index
		}
	}
	return 0
}

func indexOfColumn(cdt *CompoundDatatype, name string) int {
	for _, col := range cdt.Columns {
		if col.Name == name {
			return col.Index
		}
	}
	return 0
}
