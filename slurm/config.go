package slurm

import (
	"fmt"
	"strings"
	"time"
)

// Partition is one Slurm partition used as a priority class.
type Partition struct {
	Name     string
	Priority int
}

// SchedulerConfig is the partition layout discovered by SlurmIsAlive,
// lowest priority first. It is immutable once built.
type SchedulerConfig struct {
	Partitions []Partition
	byName     map[string]int
}

func newSchedulerConfig(parts []Partition) *SchedulerConfig {
	c := &SchedulerConfig{Partitions: parts, byName: make(map[string]int, len(parts))}
	for i, p := range parts {
		c.byName[p.Name] = i
	}
	return c
}

// MaxPriority is the index of the highest priority partition.
func (c *SchedulerConfig) MaxPriority() int {
	return len(c.Partitions) - 1
}

// PartitionFor clamps priority and returns the matching partition name.
func (c *SchedulerConfig) PartitionFor(priority int) string {
	return c.Partitions[clampPriority(priority, c.MaxPriority())].Name
}

// PriorityOf is the priority level of a partition, false for partitions we
// do not manage.
func (c *SchedulerConfig) PriorityOf(partition string) (int, bool) {
	p, ok := c.byName[partition]
	return p, ok
}

func (c *SchedulerConfig) PartitionNames() []string {
	names := make([]string, len(c.Partitions))
	for i, p := range c.Partitions {
		names[i] = p.Name
	}
	return names
}

func (c *SchedulerConfig) String() string {
	parts := make([]string, len(c.Partitions))
	for i, p := range c.Partitions {
		parts[i] = fmt.Sprintf("%d:%s", i, p.Name)
	}
	return strings.Join(parts, ", ")
}

// Config tunes SlurmScheduler.
type Config struct {
	// Partitions, lowest priority first. Empty means every 'up' partition,
	// ordered by the priority sinfo reports.
	Partitions []string
	// PriorityKeyword is the sinfo -O field holding partition priority.
	PriorityKeyword string

	// NumRetries and RetryDelay govern CLI calls that ran but failed.
	NumRetries int
	RetryDelay time.Duration
	// CommandTimeout bounds a single CLI call, 0 for none.
	CommandTimeout time.Duration
	// MaxCallsPerSecond rate limits CLI calls, 0 for no limit.
	MaxCallsPerSecond float64

	// Location of the datetimes sacct and squeue print.
	Location *time.Location

	// Export is passed to sbatch --export.
	Export []string
}

const (
	DefaultPriorityKeyword = "priorityjobfactor"
	DefaultNumRetries      = 3
	DefaultRetryDelay      = 2 * time.Second
	DefaultCommandTimeout  = 60 * time.Second
)

// DefaultConfig uses every 'up' partition.
func DefaultConfig() Config {
	return Config{
		PriorityKeyword:   DefaultPriorityKeyword,
		NumRetries:        DefaultNumRetries,
		RetryDelay:        DefaultRetryDelay,
		CommandTimeout:    DefaultCommandTimeout,
		MaxCallsPerSecond: 10,
		Location:          time.Local,
		Export:            []string{"ALL"},
	}
}

func (c Config) withDefaults() Config {
	if c.PriorityKeyword == "" {
		c.PriorityKeyword = DefaultPriorityKeyword
	}
	if c.NumRetries < 0 {
		c.NumRetries = 0
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}
