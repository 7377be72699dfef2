package slurm

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeParams struct {
	Version int    `json:"version"`
	Step    string `json:"step"`
}

func TestSubmitStepBookkeeping(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	sched := NewMockJobScheduler(mockCtrl)

	root := t.TempDir()
	workDir := filepath.Join(root, "step1")
	driver := JobHandle{JobID: "17"}
	cfg := HelperConfig{
		WorkerCommand: []string{"/opt/fleet/fleetworker", "--log_level=debug"},
		Env:           map[string]string{"FLEET_SANDBOX": "it's here"},
	}

	sched.EXPECT().SubmitJob(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req JobRequest) (JobHandle, error) {
			assert.Equal(t, root, req.WorkDir)
			assert.Equal(t, filepath.Join(root, "step1_bookkeeping.sh"), req.Program)
			assert.Equal(t, []string{filepath.Join(root, "step1_bookkeeping.json")}, req.Args)
			assert.Equal(t, []JobHandle{driver}, req.AfterAny)
			assert.Empty(t, req.AfterOkay)
			assert.Equal(t, 1, req.NumCPUs)
			assert.Equal(t, "run1_step1_bookkeeping", req.Name)
			assert.Equal(t, filepath.Join(root, "step1_bookkeeping.err"), req.StderrPath)
			return JobHandle{JobID: "18", Name: req.Name}, nil
		})

	job, err := SubmitStepBookkeeping(context.Background(), sched, cfg, HelperRequest{
		WorkDir:  workDir,
		Name:     "run1_step1_bookkeeping",
		Params:   fakeParams{Version: 1, Step: "step1"},
		Priority: 1,
		AfterAny: []JobHandle{driver},
	})
	require.NoError(t, err)
	assert.Equal(t, "18", job.Handle.JobID)

	info, err := os.Stat(workDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	var params fakeParams
	data, err := os.ReadFile(job.ParamPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &params))
	assert.Equal(t, fakeParams{Version: 1, Step: "step1"}, params)

	script, err := os.ReadFile(job.ScriptPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(script), "#!/bin/bash\n"))
	assert.Contains(t, string(script), `export FLEET_SANDBOX='it'\''s here'`)
	assert.Contains(t, string(script), `exec '/opt/fleet/fleetworker' '--log_level=debug' 'step-helper' '--bookkeeping' "$1"`)
}

// The wrapper passes the param file as the worker's only positional
// argument and exports the configured environment.
func TestWrapperScriptRuns(t *testing.T) {
	dir := t.TempDir()
	worker := filepath.Join(dir, "worker.sh")
	require.NoError(t, os.WriteFile(worker, []byte("#!/bin/bash\necho \"$FOO|$#|$1|$2\"\n"), 0755))
	wrapper := filepath.Join(dir, "wrapper.sh")
	require.NoError(t, os.WriteFile(wrapper, []byte(wrapperScript([]string{worker, CableHelperCommand}, map[string]string{"FOO": "a b"})), 0755))

	out, err := exec.Command(wrapper, "/tmp/params.json").Output()
	require.NoError(t, err)
	assert.Equal(t, "a b|2|cable-helper|/tmp/params.json\n", string(out))
}

func TestSubmitHelperNeedsWorker(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	_, err := SubmitCableHelper(context.Background(), NewMockJobScheduler(mockCtrl), HelperConfig{},
		HelperRequest{WorkDir: t.TempDir(), Params: fakeParams{}})
	assert.Error(t, err)
}

func TestHelpersWithDummy(t *testing.T) {
	d := newDummy(t)
	root := t.TempDir()
	worker := filepath.Join(root, "worker.sh")
	// The param file comes last, after the helper's subcommand and flags.
	script := "#!/bin/bash\nparams=\"${@: -1}\"\n{ echo \"$1\"; cat \"$params\"; } > \"$params.seen\"\n"
	require.NoError(t, os.WriteFile(worker, []byte(script), 0755))
	cfg := HelperConfig{WorkerCommand: []string{worker}}

	setup, err := SubmitStepSetup(context.Background(), d, cfg, HelperRequest{
		WorkDir: filepath.Join(root, "step1"), Name: "setup", Params: fakeParams{Version: 1, Step: "setup"},
	})
	require.NoError(t, err)
	assert.Equal(t, Completed, waitTerminal(t, d, setup.Handle).State)

	seen, err := os.ReadFile(setup.ParamPath + ".seen")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(seen), StepHelperCommand+"\n"), string(seen))
	assert.Contains(t, string(seen), `"step": "setup"`)
}
