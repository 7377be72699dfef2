package fleetconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmacmillan/Kive-sub000/common/stats"
	"github.com/dmacmillan/Kive-sub000/filestore"
	"github.com/dmacmillan/Kive-sub000/slurm"
)

const slurmConfig = `
scheduler:
  type: slurm
  slurm:
    partitions: [low, high]
    num_retries: 5
    retry_delay: 3s
file_store:
  type: minio
  minio:
    endpoint: "minio:9000"
    access_key: fleet
    secret_key: hunter2
    bucket: datasets
journal:
  type: postgres
  postgres:
    url: "postgres://fleet@db/fleet"
fleet:
  poll_interval: 10s
  sandbox_root: /scratch/sandboxes
  worker_command: [/usr/local/bin/fleetworker]
  worker_env: {FLEET_LOG_LEVEL: debug}
  priority: 1
`

func TestDefaults(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, DummyScheduler, c.Scheduler.Type)
	assert.Equal(t, MemoryJournal, c.Journal.Type)
	assert.Equal(t, filestore.LocalType, c.FileStore.Type)

	sched := c.NewScheduler(stats.NilStatsReceiver())
	defer sched.Shutdown()
	assert.Equal(t, "Dummy Slurm", sched.Ident())

	j, db, err := c.NewJournal(context.Background())
	require.NoError(t, err)
	assert.Nil(t, db)
	assert.NotNil(t, j)
}

func TestParseSlurm(t *testing.T) {
	c, err := Parse([]byte(slurmConfig))
	require.NoError(t, err)

	sc := c.SlurmConfig()
	assert.Equal(t, []string{"low", "high"}, sc.Partitions)
	assert.Equal(t, 5, sc.NumRetries)
	assert.Equal(t, 3*time.Second, sc.RetryDelay)
	assert.Equal(t, slurm.DefaultPriorityKeyword, sc.PriorityKeyword)
	assert.Equal(t, []string{"ALL"}, sc.Export)

	mc := c.ManagerConfig()
	assert.Equal(t, 10*time.Second, mc.PollInterval)
	assert.Equal(t, []string{"/usr/local/bin/fleetworker"}, mc.Helper.WorkerCommand)
	assert.Equal(t, "debug", mc.Helper.Env["FLEET_LOG_LEVEL"])
	assert.Equal(t, filestore.MinioType, mc.FileStore.Type)
	assert.Equal(t, 1, mc.Priority)

	printed := c.String()
	assert.NotContains(t, printed, "hunter2")
	assert.Contains(t, printed, "minio:9000")
	assert.Equal(t, "hunter2", c.FileStore.Minio.SecretKey)
}

func TestParseRejects(t *testing.T) {
	for name, text := range map[string]string{
		"scheduler":    "scheduler: {type: pbs}",
		"journal":      "journal: {type: kafka}",
		"file journal": "journal: {type: file}",
		"postgres":     "journal: {type: postgres}",
		"store":        "file_store: {type: s3}",
		"worker":       "fleet: {worker_command: []}",
		"yaml":         "fleet: [",
	} {
		if _, err := Parse([]byte(text)); err == nil {
			t.Fatalf("%s: expected %q to be rejected", name, text)
		}
	}
}

func TestGetConfigText(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte("journal: {type: file, dir: /var/fleet}\n"), 0644))

	text, err := GetConfigText(path)
	require.NoError(t, err)
	c, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, FileJournal, c.Journal.Type)

	literal, err := GetConfigText("scheduler: {type: slurm}")
	require.NoError(t, err)
	assert.Equal(t, "scheduler: {type: slurm}", string(literal))

	_, err = GetConfigText(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)
}
