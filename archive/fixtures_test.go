package archive

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/dmacmillan/Kive-sub000/filestore"
	"github.com/dmacmillan/Kive-sub000/pipeline"
)

var now = time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)

var nextMethodID int64

func noopMethod() *pipeline.Method {
	nextMethodID++
	return &pipeline.Method{
		ID:        nextMethodID,
		Name:      "noop",
		Revision:  1,
		Driver:    "/bin/noop",
		DriverMD5: "d41d8cd98f00b204e9800998ecf8427e",
		Inputs:    []pipeline.Input{{Index: 1, Name: "in"}},
		Outputs:   []pipeline.Output{{Index: 1, Name: "out"}},
	}
}

// linearPipeline chains n noop steps from one raw input to one raw output.
func linearPipeline(t testing.TB, id int64, n int) *pipeline.Pipeline {
	p := &pipeline.Pipeline{
		ID:      id,
		Name:    fmt.Sprintf("linear%d", n),
		Inputs:  []pipeline.Input{{Index: 1, Name: "in"}},
		Outputs: []pipeline.Output{{Index: 1, Name: "out"}},
	}
	m := noopMethod()
	for i := 1; i <= n; i++ {
		p.Steps = append(p.Steps, &pipeline.Step{
			Num:    i,
			Method: m,
			Cables: []*pipeline.InputCable{{Cable: pipeline.Cable{SourceStep: i - 1, Source: 1}, DestIdx: 1}},
		})
	}
	p.OutCables = []*pipeline.OutputCable{{Cable: pipeline.Cable{SourceStep: n, Source: 1}, OutputIdx: 1}}
	if err := p.Validate(); err != nil {
		t.Fatalf("invalid pipeline: %v", err)
	}
	return p
}

// nestedPipeline has width steps; the first wraps a pipeline nested
// depth-1 more levels.
func nestedPipeline(t testing.TB, depth, width int) *pipeline.Pipeline {
	p := linearPipeline(t, int64(depth), width)
	if depth > 1 {
		p.Steps[0].Method = nil
		p.Steps[0].Pipeline = nestedPipeline(t, depth-1, width)
		if err := p.Validate(); err != nil {
			t.Fatalf("invalid pipeline: %v", err)
		}
	}
	return p
}

// expand creates every nested run and every output cable of r.
func expand(r *Run) {
	for _, s := range r.Steps {
		if s.IsSubPipeline() {
			expand(NewChildRun(s))
		}
	}
	for i := range r.Pipeline.OutCables {
		r.AddOutputCable(i + 1)
	}
}

// put stores content and returns a dataset for it.
func put(t testing.TB, fs filestore.FileStore, store Store, name, content string) *Dataset {
	_, sum, err := fs.Put(context.Background(), name, strings.NewReader(content))
	if err != nil {
		t.Fatalf("put %s: %v", name, err)
	}
	d := &Dataset{Name: name, MD5: sum, Size: int64(len(content))}
	d.SetDataKey(name)
	store.AddDataset(d)
	return d
}

// execute completes c as a fresh, successful execution producing outs.
func execute(t testing.TB, store Store, c *Component, ins []*Dataset, outs ...*Dataset) *ExecRecord {
	c.Begin(now)
	c.SetReused(false)
	l := NewExecLog(c, c, now)
	var mo *MethodOutput
	if c.Kind == KindStep {
		rc := 0
		mo = &MethodOutput{ReturnCode: &rc, ChecksumsOK: true}
	}
	l.Finish(now.Add(time.Second), mo)
	store.AddExecLog(l)
	c.Log = l
	er := NewExecRecord(l, c.Transformation(), ins)
	for i, d := range outs {
		er.SetOutput(i+1, d)
		d.FileSource = c
		c.Outputs = append(c.Outputs, d)
	}
	store.AddExecRecord(er)
	c.ExecRecord = er
	c.FinishSuccessfully(now.Add(time.Second))
	return er
}

// passThrough completes a trivial cable component forwarding d.
func passThrough(store Store, c *Component, d *Dataset) {
	c.SetReused(false)
	l := NewExecLog(c, c, now)
	l.Finish(now, nil)
	store.AddExecLog(l)
	c.Log = l
	er := NewExecRecord(l, c.Transformation(), []*Dataset{d})
	er.SetOutput(1, d)
	store.AddExecRecord(er)
	c.ExecRecord = er
	c.FinishSuccessfully(now)
}

// reuse completes c by reusing er.
func reuse(c *Component, er *ExecRecord) {
	c.SetReused(true)
	c.ExecRecord = er
	er.AddUser(c)
	c.FinishSuccessfully(now)
}
