package reuse

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmacmillan/Kive-sub000/archive"
	"github.com/dmacmillan/Kive-sub000/common/stats"
	"github.com/dmacmillan/Kive-sub000/filestore"
	"github.com/dmacmillan/Kive-sub000/pipeline"
)

var now = time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)

type fixture struct {
	t      *testing.T
	store  *archive.MemoryStore
	fs     *filestore.MemoryStore
	stat   stats.StatsReceiver
	engine *Engine
	method *pipeline.Method
	p      *pipeline.Pipeline
	in     *archive.Dataset
}

func newFixture(t *testing.T, reusability pipeline.Reusability) *fixture {
	driver := filepath.Join(t.TempDir(), "driver.sh")
	require.NoError(t, os.WriteFile(driver, []byte("#!/bin/sh\ncp \"$1\" \"$2\"\n"), 0755))
	sum, err := filestore.MD5File(driver)
	require.NoError(t, err)

	f := &fixture{t: t, store: archive.NewMemoryStore(), fs: filestore.NewMemoryStore(), stat: stats.DefaultStatsReceiver()}
	f.engine = NewEngine(f.store, f.fs, f.stat)
	f.method = &pipeline.Method{
		ID: 1, Name: "copy", Driver: driver, DriverMD5: sum, Reusable: reusability,
		Inputs:  []pipeline.Input{{Index: 1, Name: "in"}},
		Outputs: []pipeline.Output{{Index: 1, Name: "out"}},
	}
	f.p = &pipeline.Pipeline{
		ID: 1, Name: "p",
		Inputs:  []pipeline.Input{{Index: 1, Name: "in"}},
		Outputs: []pipeline.Output{{Index: 1, Name: "out"}},
		Steps: []*pipeline.Step{{Num: 1, Method: f.method,
			Cables: []*pipeline.InputCable{{Cable: pipeline.Cable{Source: 1}, DestIdx: 1}}}},
		OutCables: []*pipeline.OutputCable{{Cable: pipeline.Cable{SourceStep: 1, Source: 1}, OutputIdx: 1}},
	}
	require.NoError(t, f.p.Validate())
	f.in = f.dataset("in", "hello\n")
	return f
}

func (f *fixture) dataset(key, content string) *archive.Dataset {
	_, sum, err := f.fs.Put(context.Background(), key, strings.NewReader(content))
	require.NoError(f.t, err)
	d := &archive.Dataset{Name: key, MD5: sum}
	d.SetDataKey(key)
	f.store.AddDataset(d)
	return d
}

// run returns a new run whose step is ready to be decided.
func (f *fixture) run(in *archive.Dataset) *archive.Component {
	r := archive.NewRun(f.p, []*archive.Dataset{in}, "alice")
	f.store.AddRun(r)
	rsic := r.Steps[0].Step.Inputs[0]
	rsic.SetReused(false)
	l := archive.NewExecLog(rsic, rsic, now)
	l.Finish(now, nil)
	er := archive.NewExecRecord(l, rsic.Transformation(), []*archive.Dataset{in})
	er.SetOutput(1, in)
	f.store.AddExecRecord(er)
	rsic.Log, rsic.ExecRecord = l, er
	rsic.FinishSuccessfully(now)
	return r.Steps[0]
}

// execute completes step as a fresh execution exiting with rc.
func (f *fixture) execute(step *archive.Component, rc int, out *archive.Dataset) *archive.ExecRecord {
	Apply(step, Verdict{Decision: Execute}, now)
	step.Begin(now)
	l := archive.NewExecLog(step, step, now)
	l.Finish(now, &archive.MethodOutput{ReturnCode: &rc, ChecksumsOK: true})
	f.store.AddExecLog(l)
	step.Log = l
	er := archive.NewExecRecord(l, step.Transformation(), []*archive.Dataset{f.in})
	er.SetOutput(1, out)
	out.FileSource = step
	step.Outputs = []*archive.Dataset{out}
	f.store.AddExecRecord(er)
	step.ExecRecord = er
	if rc == 0 {
		step.FinishSuccessfully(now)
	} else {
		step.FinishFailure(now)
	}
	return er
}

func (f *fixture) decide(step *archive.Component) Verdict {
	v, err := f.engine.Decide(context.Background(), step, []*archive.Dataset{f.in})
	require.NoError(f.t, err)
	return v
}

func TestExecuteWithoutHistory(t *testing.T) {
	f := newFixture(t, pipeline.Deterministic)
	v := f.decide(f.run(f.in))
	assert.Equal(t, Execute, v.Decision)
	assert.Nil(t, v.ExecRecord)
}

func TestReuse(t *testing.T) {
	f := newFixture(t, pipeline.Deterministic)
	er := f.execute(f.run(f.in), 0, f.dataset("out", "hello\n"))

	second := f.run(f.in)
	v := f.decide(second)
	require.Equal(t, Reuse, v.Decision)
	assert.Equal(t, er, v.ExecRecord)

	Apply(second, v, now)
	assert.True(t, second.IsReused())
	assert.Equal(t, archive.ComponentSuccessful, second.State)
	assert.Contains(t, er.UsedBy(), second)
	assert.Nil(t, second.Log)
	assert.Equal(t, int64(1), f.stat.Counter("reuse", stats.ReuseDecisionCounter, "reuse").Count())
}

func TestNonReusableAlwaysExecutes(t *testing.T) {
	f := newFixture(t, pipeline.NonReusable)
	f.execute(f.run(f.in), 0, f.dataset("out", "hello\n"))
	assert.Empty(t, f.engine.FindCompatibleERs(f.method, []*archive.Dataset{f.in}))
	assert.Equal(t, Execute, f.decide(f.run(f.in)).Decision)
}

func TestInputsMatchByIdentity(t *testing.T) {
	f := newFixture(t, pipeline.Deterministic)
	f.execute(f.run(f.in), 0, f.dataset("out", "hello\n"))
	twin := f.dataset("twin", "hello\n")
	assert.Empty(t, f.engine.FindCompatibleERs(f.method, []*archive.Dataset{twin}))
}

func TestRecoverMissingData(t *testing.T) {
	f := newFixture(t, pipeline.Deterministic)
	out := f.dataset("out", "hello\n")
	er := f.execute(f.run(f.in), 0, out)
	out.SetDataKey("")

	v := f.decide(f.run(f.in))
	assert.Equal(t, Recover, v.Decision)
	assert.Equal(t, er, v.ExecRecord)
}

func TestRecoverCorruptData(t *testing.T) {
	f := newFixture(t, pipeline.Deterministic)
	out := f.dataset("out", "hello\n")
	first := f.run(f.in)
	f.execute(first, 0, out)
	_, _, err := f.fs.Put(context.Background(), "out", strings.NewReader("goodbye\n"))
	require.NoError(t, err)

	v := f.decide(f.run(f.in))
	assert.Equal(t, Recover, v.Decision)
	assert.True(t, first.IsQuarantined())
	assert.True(t, first.Run.Quarantined)
}

func TestReusableMethodExecutesWhenDataMissing(t *testing.T) {
	f := newFixture(t, pipeline.Reusable)
	out := f.dataset("out", "hello\n")
	f.execute(f.run(f.in), 0, out)

	assert.Equal(t, Reuse, f.decide(f.run(f.in)).Decision)

	out.SetDataKey("")
	v := f.decide(f.run(f.in))
	assert.Equal(t, Execute, v.Decision)
	assert.Nil(t, v.ExecRecord)
}

func TestReusableMethodExecutesWhenDataCorrupt(t *testing.T) {
	f := newFixture(t, pipeline.Reusable)
	first := f.run(f.in)
	f.execute(first, 0, f.dataset("out", "hello\n"))
	_, _, err := f.fs.Put(context.Background(), "out", strings.NewReader("goodbye\n"))
	require.NoError(t, err)

	assert.Equal(t, Execute, f.decide(f.run(f.in)).Decision)
	assert.True(t, first.IsQuarantined())
}

func TestReuseFailed(t *testing.T) {
	f := newFixture(t, pipeline.Deterministic)
	f.execute(f.run(f.in), 1, f.dataset("out", ""))

	second := f.run(f.in)
	v := f.decide(second)
	require.Equal(t, ReuseFailed, v.Decision)
	Apply(second, v, now)
	assert.True(t, second.IsReused())
	assert.Equal(t, archive.ComponentFailed, second.State)
	assert.False(t, second.Run.IsSuccessful())
}

func TestNeverFailedPreferred(t *testing.T) {
	f := newFixture(t, pipeline.Deterministic)
	failed := f.execute(f.run(f.in), 1, f.dataset("bad", ""))
	good := f.execute(f.run(f.in), 0, f.dataset("out", "hello\n"))

	found := f.engine.FindCompatibleERs(f.method, []*archive.Dataset{f.in})
	require.Len(t, found, 2)
	assert.Equal(t, good, found[0])
	assert.Equal(t, failed, found[1])
	assert.Equal(t, Reuse, f.decide(f.run(f.in)).Decision)
}

func TestInFlightSkipped(t *testing.T) {
	f := newFixture(t, pipeline.Deterministic)
	er := f.execute(f.run(f.in), 0, f.dataset("out", "hello\n"))
	undecided := f.run(f.in)
	er.AddUser(undecided)

	assert.Equal(t, Execute, f.decide(f.run(f.in)).Decision)
	assert.Equal(t, int64(1), f.stat.Counter("reuse", stats.ReuseSkippedInFlight).Count())
}

func TestChangedDriverExecutes(t *testing.T) {
	f := newFixture(t, pipeline.Deterministic)
	f.execute(f.run(f.in), 0, f.dataset("out", "hello\n"))
	require.NoError(t, os.WriteFile(f.method.Driver, []byte("#!/bin/sh\nexit 1\n"), 0755))
	assert.Equal(t, Execute, f.decide(f.run(f.in)).Decision)
}

func TestTrivialCableReusedWithoutData(t *testing.T) {
	f := newFixture(t, pipeline.Deterministic)
	step := f.run(f.in)
	rsic := step.Step.Inputs[0]
	f.in.SetDataKey("")

	second := f.run(f.in).Step.Inputs[0]
	second.Reused, second.ExecRecord, second.Log, second.State = nil, nil, nil, archive.ComponentPending
	v, err := f.engine.Decide(context.Background(), second, []*archive.Dataset{f.in})
	require.NoError(t, err)
	assert.Equal(t, Reuse, v.Decision)
	assert.Equal(t, rsic.ExecRecord, v.ExecRecord)
}
