package client

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dmacmillan/Kive-sub000/common/stats"
	"github.com/dmacmillan/Kive-sub000/config/fleetconfig"
)

// Client interface that includes CLI handling
type CLIClient interface {
	Exec() error
}

// SimpleClient holds the flags every fleet command shares and what Init
// builds from them.
type SimpleClient struct {
	RootCmd    *cobra.Command
	ConfigFlag string
	LogLevel   string
	PrintStats bool

	Config *fleetconfig.Config
	Stat   stats.StatsReceiver
}

// Command interface used to run client commands
type Cmd interface {
	RegisterFlags() *cobra.Command
	Run(cl *SimpleClient, cmd *cobra.Command, args []string) error
}

// RegisterGlobalFlags adds the shared flags to the root command.
func (c *SimpleClient) RegisterGlobalFlags() {
	flags := c.RootCmd.PersistentFlags()
	flags.StringVar(&c.ConfigFlag, "config", "", "YAML config, or the name of a .yaml file holding it")
	flags.StringVar(&c.LogLevel, "log_level", "info", "Log everything at this level and above (error|info|debug)")
	flags.BoolVar(&c.PrintStats, "print_stats", false, "Print collected stats as JSON when the command ends")
}

// Init applies the log level and parses the config. Can only be called from
// a cobra command run or hook.
func (c *SimpleClient) Init(cmd *cobra.Command, args []string) error {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	text, err := fleetconfig.GetConfigText(c.ConfigFlag)
	if err != nil {
		return err
	}
	if c.Config, err = fleetconfig.Parse(text); err != nil {
		return err
	}
	log.Debugf("configuration:\n%s", c.Config)
	c.Stat = stats.DefaultStatsReceiver()
	return nil
}

// Close prints the stats when asked to.
func (c *SimpleClient) Close(cmd *cobra.Command, args []string) error {
	if c.PrintStats && c.Stat != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", c.Stat.Render(true))
	}
	return nil
}

func (c *SimpleClient) AddCmd(cmd Cmd) {
	cobraCmd := cmd.RegisterFlags()
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.Run(c, innerCmd, args)
	}
	c.RootCmd.AddCommand(cobraCmd)
}
