package fleet

import (
	"fmt"
	"time"

	"github.com/dmacmillan/Kive-sub000/filestore"
	"github.com/dmacmillan/Kive-sub000/slurm"
)

const (
	DefaultPollInterval   = 5 * time.Second
	DefaultRetainFinished = 1000
)

// Config tunes a Manager.
type Config struct {
	// PollInterval is the time between ticks in Loop and Wait.
	PollInterval time.Duration
	// SandboxRoot holds one directory per top-level run.
	SandboxRoot string
	// Helper says how helper jobs invoke the worker binary.
	Helper slurm.HelperConfig
	// FileStore is handed to the workers; it must reach the same store the
	// Manager was given.
	FileStore filestore.Config
	// Priority is the initial priority of new runs.
	Priority int
	// KeepSandbox leaves sandboxes in place after a run finishes.
	KeepSandbox bool
	// RetainFinished is how many finished runs keep their failure messages
	// and validation errors.
	RetainFinished int
}

func (c Config) String() string {
	return fmt.Sprintf("poll=%s sandboxes=%s worker=%v store=%s priority=%d keep=%t retain=%d",
		c.PollInterval, c.SandboxRoot, c.Helper.WorkerCommand, c.FileStore.Type, c.Priority, c.KeepSandbox, c.RetainFinished)
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RetainFinished <= 0 {
		c.RetainFinished = DefaultRetainFinished
	}
	return c
}

func (c Config) Validate() error {
	if c.SandboxRoot == "" {
		return fmt.Errorf("no sandbox root configured")
	}
	if len(c.Helper.WorkerCommand) == 0 {
		return fmt.Errorf("no worker command configured")
	}
	if c.Priority < 0 {
		return fmt.Errorf("negative run priority %d", c.Priority)
	}
	return c.FileStore.Validate()
}
