package fleet

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmacmillan/Kive-sub000/archive"
	"github.com/dmacmillan/Kive-sub000/sandbox"
)

func TestCheckOutputReportsRejectedChecks(t *testing.T) {
	h := newHarness(t)
	r := archive.NewRun(h.lib.Pipelines["chain"], nil, "alice")
	step := r.Steps[0]
	now := time.Now()
	e := &execution{comp: step, invoker: step, log: archive.NewExecLog(step, step, now)}
	res := &sandbox.OutputResult{Index: 1, Present: true, MD5: "abc", Content: &sandbox.ContentResult{NumRows: 2}}

	d := &archive.Dataset{Name: "out", MD5: "abc"}
	require.NoError(t, h.m.checkOutput(e, d, res, now))
	assert.True(t, d.IsOK())

	// The same log checking the same dataset again is refused.
	err := h.m.checkOutput(e, d, res, now)
	require.Error(t, err)
	var ve *archive.ValidationError
	require.True(t, errors.As(err, &ve), "%v", err)
	assert.Equal(t, archive.DuplicateCheck, ve.Kind)
	assert.Contains(t, err.Error(), "recording integrity")

	other := &archive.Dataset{Name: "other", MD5: "abc"}
	require.NoError(t, other.AddContentCheck(&archive.ContentCheckLog{ExecLog: e.log, User: "alice"}))
	err = h.m.checkOutput(e, other, res, now)
	require.True(t, errors.As(err, &ve), "%v", err)
	assert.Equal(t, archive.DuplicateCheck, ve.Kind)
	assert.Contains(t, err.Error(), "recording content check")
}
