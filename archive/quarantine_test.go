package archive

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmacmillan/Kive-sub000/filestore"
)

// twoRuns executes a 1-step pipeline, then reuses its step in a second run.
func twoRuns(t *testing.T) (store *MemoryStore, fs *filestore.MemoryStore, first, second *Run, out *Dataset) {
	store = NewMemoryStore()
	fs = filestore.NewMemoryStore()
	p := linearPipeline(t, 1, 1)
	in := put(t, fs, store, "in", "hello\n")
	out = put(t, fs, store, "out", "hello\n")

	first = NewRun(p, []*Dataset{in}, "alice")
	store.AddRun(first)
	passThrough(store, first.Steps[0].Step.Inputs[0], in)
	er := execute(t, store, first.Steps[0], []*Dataset{in}, out)

	second = NewRun(p, []*Dataset{in}, "bob")
	store.AddRun(second)
	passThrough(store, second.Steps[0].Step.Inputs[0], in)
	reuse(second.Steps[0], er)
	return
}

func TestQuarantineReachesEveryUser(t *testing.T) {
	_, fs, first, second, out := twoRuns(t)
	ctx := context.Background()

	_, _, err := fs.Put(ctx, "out", strings.NewReader("HELLO\n"))
	require.NoError(t, err)
	icl, err := out.CheckIntegrity(ctx, fs, nil, "alice")
	require.NoError(t, err)
	require.True(t, icl.IsFail())
	assert.Equal(t, out.MD5, icl.Conflict.Expected)

	for _, r := range []*Run{first, second} {
		assert.True(t, r.Steps[0].IsQuarantined(), "%s", r)
		assert.True(t, r.Quarantined, "%s", r)
		assert.False(t, r.Steps[0].IsSuccessful())
		assert.True(t, r.Steps[0].SuccessfulExecution())
	}
	assert.False(t, out.IsOK())

	// quarantining again changes nothing
	first.Steps[0].Quarantine(true)
	assert.Equal(t, ComponentQuarantined, first.Steps[0].State)

	_, _, err = fs.Put(ctx, "out", strings.NewReader("hello\n"))
	require.NoError(t, err)
	icl, err = out.CheckIntegrity(ctx, fs, nil, "alice")
	require.NoError(t, err)
	require.False(t, icl.IsFail())

	for _, r := range []*Run{first, second} {
		assert.Equal(t, ComponentSuccessful, r.Steps[0].State)
		assert.False(t, r.Quarantined)
	}
	assert.True(t, out.IsOK())
}

func TestDecontaminateIsNoOpWithoutQuarantine(t *testing.T) {
	_, _, first, _, _ := twoRuns(t)
	first.Steps[0].Decontaminate(true)
	assert.Equal(t, ComponentSuccessful, first.Steps[0].State)
	first.AttemptDecontamination(true)
	assert.False(t, first.Quarantined)
}

func TestRunDecontaminatesOnlyWhenAllClear(t *testing.T) {
	store := NewMemoryStore()
	fs := filestore.NewMemoryStore()
	ctx := context.Background()
	p := linearPipeline(t, 1, 2)
	in := put(t, fs, store, "in", "a\n")
	mid := put(t, fs, store, "mid", "a\n")
	out := put(t, fs, store, "out", "a\n")

	r := NewRun(p, []*Dataset{in}, "alice")
	store.AddRun(r)
	passThrough(store, r.Steps[0].Step.Inputs[0], in)
	execute(t, store, r.Steps[0], []*Dataset{in}, mid)
	passThrough(store, r.Steps[1].Step.Inputs[0], mid)
	execute(t, store, r.Steps[1], []*Dataset{mid}, out)

	for _, key := range []string{"mid", "out"} {
		_, _, err := fs.Put(ctx, key, strings.NewReader("corrupt\n"))
		require.NoError(t, err)
	}
	_, err := mid.CheckIntegrity(ctx, fs, nil, "alice")
	require.NoError(t, err)
	_, err = out.CheckIntegrity(ctx, fs, nil, "alice")
	require.NoError(t, err)
	require.True(t, r.Quarantined)
	require.True(t, r.Steps[0].IsQuarantined())
	require.True(t, r.Steps[1].IsQuarantined())

	_, _, err = fs.Put(ctx, "mid", strings.NewReader("a\n"))
	require.NoError(t, err)
	_, err = mid.CheckIntegrity(ctx, fs, nil, "alice")
	require.NoError(t, err)
	assert.False(t, r.Steps[0].IsQuarantined())
	assert.True(t, r.Quarantined, "step 2 is still quarantined")
	assert.Equal(t, "quarantined", r.Status())

	_, _, err = fs.Put(ctx, "out", strings.NewReader("a\n"))
	require.NoError(t, err)
	_, err = out.CheckIntegrity(ctx, fs, nil, "alice")
	require.NoError(t, err)
	assert.False(t, r.Quarantined)
}

func TestQuarantineRecursesThroughSubRuns(t *testing.T) {
	store := NewMemoryStore()
	fs := filestore.NewMemoryStore()
	ctx := context.Background()
	r := NewRun(nestedPipeline(t, 2, 1), nil, "alice")
	in := put(t, fs, store, "in", "x\n")
	out := put(t, fs, store, "out", "x\n")
	r.Inputs = []*Dataset{in}
	passThrough(store, r.Steps[0].Step.Inputs[0], in)
	child := NewChildRun(r.Steps[0])
	store.AddRun(r)

	passThrough(store, child.Steps[0].Step.Inputs[0], in)
	execute(t, store, child.Steps[0], []*Dataset{in}, out)
	roc := child.AddOutputCable(1)
	passThrough(store, roc, out)
	child.Finish(now)
	r.Steps[0].FinishSuccessfully(now)

	_, _, err := fs.Put(ctx, "out", strings.NewReader("y\n"))
	require.NoError(t, err)
	_, err = out.CheckIntegrity(ctx, fs, nil, "alice")
	require.NoError(t, err)

	assert.True(t, child.Quarantined)
	assert.True(t, r.Steps[0].IsQuarantined())
	assert.True(t, r.Quarantined)
}

func TestFailurePropagatesUpward(t *testing.T) {
	r := NewRun(nestedPipeline(t, 3, 1), nil, "alice")
	expand(r)
	inner := r.Steps[0].Step.ChildRun.Steps[0].Step.ChildRun
	inner.Steps[0].Begin(now)
	assert.Equal(t, RunRunning, r.State)

	inner.Steps[0].FinishFailure(now)
	for _, run := range r.AllRuns() {
		assert.Equal(t, RunFailing, run.State, "%s", run)
		assert.False(t, run.IsSuccessful())
	}
	assert.Equal(t, RunFailed, inner.Finish(now))
}

func TestRunFinish(t *testing.T) {
	store := NewMemoryStore()
	fs := filestore.NewMemoryStore()
	p := linearPipeline(t, 1, 1)
	in := put(t, fs, store, "in", "x\n")
	out := put(t, fs, store, "out", "x\n")
	r := NewRun(p, []*Dataset{in}, "alice")
	store.AddRun(r)
	assert.False(t, r.IsComplete())
	assert.True(t, r.IsSuccessful(), "pending runs are provisionally successful")

	passThrough(store, r.Steps[0].Step.Inputs[0], in)
	execute(t, store, r.Steps[0], []*Dataset{in}, out)
	assert.False(t, r.IsComplete(), "output cable missing")
	passThrough(store, r.AddOutputCable(1), out)
	assert.True(t, r.IsComplete())
	assert.Equal(t, RunSuccessful, r.Finish(now))
	assert.Equal(t, "successful", r.Status())
	assert.Equal(t, r.Steps[0], r.FirstGeneratorOf(out))
	assert.Nil(t, r.FirstGeneratorOf(in))

	cancelled := NewRun(p, []*Dataset{in}, "alice")
	cancelled.Steps[0].Begin(now)
	cancelled.MarkCancelling("bob")
	cancelled.Steps[0].Cancel(now)
	assert.Equal(t, RunCancelled, cancelled.Finish(now))
	assert.Equal(t, "bob", cancelled.StoppedBy)
}
