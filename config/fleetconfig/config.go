// Package fleetconfig reads the YAML configuration of the fleet binary and
// builds the scheduler, file store, journal and manager settings it names.
//
// Each section that has alternatives carries a Type selecting one of them:
//
//	scheduler:
//	  type: slurm
//	  slurm:
//	    partitions: [low, medium, high]
//	file_store:
//	  type: minio
//	  minio: {endpoint: "minio:9000", bucket: datasets}
//	journal:
//	  type: postgres
//	  postgres: {url: "postgres://fleet@db/fleet"}
//	fleet:
//	  sandbox_root: /scratch/sandboxes
//	  worker_command: [/usr/local/bin/fleetworker]
//
// Sections left out fall back to DefaultConfig.
package fleetconfig

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/dmacmillan/Kive-sub000/common/os/exec"
	"github.com/dmacmillan/Kive-sub000/common/stats"
	"github.com/dmacmillan/Kive-sub000/filestore"
	"github.com/dmacmillan/Kive-sub000/fleet"
	"github.com/dmacmillan/Kive-sub000/journal"
	osexecer "github.com/dmacmillan/Kive-sub000/runner/execer/os"
	"github.com/dmacmillan/Kive-sub000/slurm"
)

const (
	SlurmScheduler = "slurm"
	DummyScheduler = "dummy"

	MemoryJournal   = "memory"
	FileJournal     = "file"
	PostgresJournal = "postgres"
)

type Config struct {
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	FileStore filestore.Config `yaml:"file_store"`
	Journal   JournalConfig    `yaml:"journal"`
	Fleet     FleetConfig      `yaml:"fleet"`
}

type SchedulerConfig struct {
	Type string `yaml:"type"`
	// Tick is how often the dummy scheduler advances its jobs.
	Tick  time.Duration `yaml:"tick"`
	Slurm SlurmConfig   `yaml:"slurm"`
}

type SlurmConfig struct {
	Partitions        []string      `yaml:"partitions"`
	PriorityKeyword   string        `yaml:"priority_keyword"`
	NumRetries        int           `yaml:"num_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	MaxCallsPerSecond float64       `yaml:"max_calls_per_second"`
	Export            []string      `yaml:"export"`
}

type JournalConfig struct {
	Type string `yaml:"type"`
	// Dir holds one file per run for the file journal.
	Dir      string                 `yaml:"dir"`
	Postgres journal.PostgresConfig `yaml:"postgres"`
	// GCExpiration drops memory journal entries of runs idle this long.
	GCExpiration time.Duration `yaml:"gc_expiration"`
}

type FleetConfig struct {
	PollInterval   time.Duration     `yaml:"poll_interval"`
	SandboxRoot    string            `yaml:"sandbox_root"`
	WorkerCommand  []string          `yaml:"worker_command"`
	WorkerEnv      map[string]string `yaml:"worker_env"`
	Priority       int               `yaml:"priority"`
	KeepSandbox    bool              `yaml:"keep_sandbox"`
	RetainFinished int               `yaml:"retain_finished"`
}

// DefaultConfig runs everything in-process: a dummy scheduler, a local file
// store and a memory journal under /tmp.
func DefaultConfig() Config {
	sc := slurm.DefaultConfig()
	return Config{
		Scheduler: SchedulerConfig{
			Type: DummyScheduler,
			Tick: time.Second,
			Slurm: SlurmConfig{
				PriorityKeyword:   sc.PriorityKeyword,
				NumRetries:        sc.NumRetries,
				RetryDelay:        sc.RetryDelay,
				CommandTimeout:    sc.CommandTimeout,
				MaxCallsPerSecond: sc.MaxCallsPerSecond,
				Export:            sc.Export,
			},
		},
		FileStore: filestore.Config{Type: filestore.LocalType, Root: "/tmp/fleet/datasets"},
		Journal:   JournalConfig{Type: MemoryJournal},
		Fleet: FleetConfig{
			PollInterval:   fleet.DefaultPollInterval,
			SandboxRoot:    "/tmp/fleet/sandboxes",
			WorkerCommand:  []string{"fleetworker"},
			RetainFinished: fleet.DefaultRetainFinished,
		},
	}
}

// Parse overlays text on DefaultConfig. Empty text yields the defaults.
func Parse(text []byte) (*Config, error) {
	c := DefaultConfig()
	if err := yaml.Unmarshal(text, &c); err != nil {
		return nil, errors.Wrap(err, "couldn't parse fleet config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

var fileLike = regexp.MustCompile(`^[[:alnum:]_./-]*\.ya?ml$`)

// GetConfigText returns the file named by configFlag when it looks like a
// YAML file name, otherwise configFlag itself as literal YAML.
func GetConfigText(configFlag string) ([]byte, error) {
	if fileLike.MatchString(configFlag) {
		log.Infof("reading config file %s", configFlag)
		text, err := os.ReadFile(configFlag)
		if err != nil {
			return nil, errors.Wrapf(err, "loading config file %s", configFlag)
		}
		return text, nil
	}
	log.Info("using --config as literal YAML")
	return []byte(configFlag), nil
}

func (c *Config) Validate() error {
	switch c.Scheduler.Type {
	case SlurmScheduler, DummyScheduler:
	default:
		return fmt.Errorf("unknown scheduler type %q", c.Scheduler.Type)
	}
	if err := c.FileStore.Validate(); err != nil {
		return err
	}
	switch c.Journal.Type {
	case MemoryJournal:
		if c.Journal.GCExpiration < 0 {
			return fmt.Errorf("negative journal gc_expiration %s", c.Journal.GCExpiration)
		}
	case FileJournal:
		if c.Journal.Dir == "" {
			return fmt.Errorf("file journal needs a dir")
		}
	case PostgresJournal:
		if err := c.Journal.Postgres.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown journal type %q", c.Journal.Type)
	}
	return c.ManagerConfig().Validate()
}

func (c *Config) String() string {
	out, err := yaml.Marshal(c.redacted())
	if err != nil {
		return fmt.Sprintf("%+v", *c)
	}
	return string(out)
}

func (c *Config) redacted() Config {
	r := *c
	if r.FileStore.Minio.SecretKey != "" {
		r.FileStore.Minio.SecretKey = "********"
	}
	return r
}

// SlurmConfig converts the slurm section.
func (c *Config) SlurmConfig() slurm.Config {
	sc := slurm.DefaultConfig()
	s := c.Scheduler.Slurm
	sc.Partitions = s.Partitions
	if s.PriorityKeyword != "" {
		sc.PriorityKeyword = s.PriorityKeyword
	}
	sc.NumRetries = s.NumRetries
	sc.RetryDelay = s.RetryDelay
	sc.CommandTimeout = s.CommandTimeout
	sc.MaxCallsPerSecond = s.MaxCallsPerSecond
	if len(s.Export) > 0 {
		sc.Export = s.Export
	}
	return sc
}

// NewScheduler builds the configured scheduler. The caller shuts it down.
func (c *Config) NewScheduler(stat stats.StatsReceiver) slurm.JobScheduler {
	if c.Scheduler.Type == SlurmScheduler {
		return slurm.NewSlurmScheduler(exec.NewOsExec(), c.SlurmConfig(), stat)
	}
	return slurm.NewDummyScheduler(osexecer.NewExecer(), c.Scheduler.Tick, stat)
}

func (c *Config) NewFileStore(ctx context.Context) (filestore.FileStore, error) {
	return filestore.Open(ctx, c.FileStore)
}

// NewJournal opens the configured journal. db is non-nil for the postgres
// journal and must be closed by the caller.
func (c *Config) NewJournal(ctx context.Context) (j journal.Journal, db *sql.DB, err error) {
	switch c.Journal.Type {
	case FileJournal:
		j, err = journal.NewFileJournal(c.Journal.Dir)
		return j, nil, err
	case PostgresJournal:
		return journal.NewPostgresJournal(ctx, c.Journal.Postgres)
	}
	interval := c.Journal.GCExpiration / 4
	if interval < time.Second {
		interval = time.Second
	}
	return journal.NewMemoryJournal(c.Journal.GCExpiration, interval), nil, nil
}

func (c *Config) ManagerConfig() fleet.Config {
	f := c.Fleet
	return fleet.Config{
		PollInterval:   f.PollInterval,
		SandboxRoot:    f.SandboxRoot,
		Helper:         slurm.HelperConfig{WorkerCommand: f.WorkerCommand, Env: f.WorkerEnv},
		FileStore:      c.FileStore,
		Priority:       f.Priority,
		KeepSandbox:    f.KeepSandbox,
		RetainFinished: f.RetainFinished,
	}
}
