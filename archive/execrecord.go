package archive

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dmacmillan/Kive-sub000/pipeline"
)

// ERLink binds a dataset to input or output Index of an ExecRecord's
// transformation.
type ERLink struct {
	Index   int
	Dataset *Dataset
}

// ExecRecord is the unit of reuse: a transformation applied to specific
// input datasets, and the outputs it produced. It is shared by every
// component, in any run, that executed or reused it. Outputs and the set of
// users are guarded by a per-record lock since recoveries from different
// runs may touch the same record.
type ExecRecord struct {
	ID             int64
	Generator      *ExecLog
	Transformation pipeline.Transformation

	mu     sync.Mutex
	ins    []ERLink
	outs   []ERLink
	usedBy []*Component
}

// NewExecRecord creates a record generated by gen over ins. The generating
// component becomes its first user.
func NewExecRecord(gen *ExecLog, t pipeline.Transformation, ins []*Dataset) *ExecRecord {
	er := &ExecRecord{Generator: gen, Transformation: t}
	for i, d := range ins {
		er.ins = append(er.ins, ERLink{Index: i + 1, Dataset: d})
	}
	if gen != nil && gen.Record != nil {
		er.AddUser(gen.Record)
	}
	return er
}

func (er *ExecRecord) String() string {
	return fmt.Sprintf("ExecRecord %d (%s)", er.ID, er.Transformation)
}

// Key is the transformation key records are looked up by.
func (er *ExecRecord) Key() string { return er.Transformation.TransformationKey() }

func (er *ExecRecord) Inputs() []ERLink {
	er.mu.Lock()
	defer er.mu.Unlock()
	return append([]ERLink(nil), er.ins...)
}

func (er *ExecRecord) Outputs() []ERLink {
	er.mu.Lock()
	defer er.mu.Unlock()
	return append([]ERLink(nil), er.outs...)
}

// SetOutput binds output idx, replacing an earlier binding.
func (er *ExecRecord) SetOutput(idx int, d *Dataset) {
	er.mu.Lock()
	replaced := false
	for i := range er.outs {
		if er.outs[i].Index == idx {
			er.outs[i].Dataset = d
			replaced = true
		}
	}
	if !replaced {
		er.outs = append(er.outs, ERLink{Index: idx, Dataset: d})
	}
	er.mu.Unlock()
	d.addOutputOf(er)
}

// OutputDataset returns output idx, or nil.
func (er *ExecRecord) OutputDataset(idx int) *Dataset {
	er.mu.Lock()
	defer er.mu.Unlock()
	for _, o := range er.outs {
		if o.Index == idx {
			return o.Dataset
		}
	}
	return nil
}

// InputsMatch is true when ins are, position by position, the same datasets
// as this record's inputs.
func (er *ExecRecord) InputsMatch(ins []*Dataset) bool {
	er.mu.Lock()
	defer er.mu.Unlock()
	if len(ins) != len(er.ins) {
		return false
	}
	for i, l := range er.ins {
		if l.Dataset != ins[i] {
			return false
		}
	}
	return true
}

// AddUser records that c executed or reused this record.
func (er *ExecRecord) AddUser(c *Component) {
	er.mu.Lock()
	defer er.mu.Unlock()
	for _, u := range er.usedBy {
		if u == c {
			return
		}
	}
	er.usedBy = append(er.usedBy, c)
}

// UsedBy lists the components that executed or reused this record.
func (er *ExecRecord) UsedBy() []*Component {
	er.mu.Lock()
	defer er.mu.Unlock()
	return append([]*Component(nil), er.usedBy...)
}

// HasEverFailed is true when the generating execution or any user's own
// execution failed.
func (er *ExecRecord) HasEverFailed() bool {
	if er.Generator != nil && er.Generator.IsComplete() && !er.Generator.IsSuccessful() {
		return true
	}
	for _, c := range er.UsedBy() {
		if c.State == ComponentFailed {
			return true
		}
		if c.Log != nil && c.Log.IsComplete() && !c.Log.IsSuccessful() {
			return true
		}
	}
	return false
}

// OutputsOK is true when every output dataset passed its latest checks.
func (er *ExecRecord) OutputsOK() bool {
	for _, o := range er.Outputs() {
		if !o.Dataset.IsOK() {
			return false
		}
	}
	return true
}

// OutputsHaveData is true when every output's bytes are in the file store.
func (er *ExecRecord) OutputsHaveData() bool {
	for _, o := range er.Outputs() {
		if !o.Dataset.HasData() {
			return false
		}
	}
	return true
}

// QuarantineRunComponents quarantines every successful user, recursing up
// through their runs.
func (er *ExecRecord) QuarantineRunComponents() {
	for _, c := range er.UsedBy() {
		if c.State == ComponentSuccessful {
			log.WithFields(log.Fields{"execrecord": er.ID, "component": c.String()}).Info("quarantining")
			c.Quarantine(true)
		}
	}
}

// AttemptDecontamination clears quarantined users once every output of the
// record is OK again.
func (er *ExecRecord) AttemptDecontamination() {
	if !er.OutputsOK() {
		return
	}
	for _, c := range er.UsedBy() {
		if c.State == ComponentQuarantined {
			log.WithFields(log.Fields{"execrecord": er.ID, "component": c.String()}).Info("decontaminating")
			c.Decontaminate(true)
		}
	}
}
