package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dmacmillan/Kive-sub000/archive"
	commoncli "github.com/dmacmillan/Kive-sub000/common/client"
	"github.com/dmacmillan/Kive-sub000/common/endpoints"
	"github.com/dmacmillan/Kive-sub000/fleet"
	"github.com/dmacmillan/Kive-sub000/pipeline"
)

type runCmd struct {
	defs     string
	pipeline string
	user     string
	priority int
	httpAddr string
}

func (c *runCmd) RegisterFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "run [flags] input...",
		Short: "Upload the input files and run a pipeline on them until it finishes",
		Long: "Upload the input files, one per pipeline input in order, and run the pipeline.\n" +
			"An interrupt stops the run; a second one exits without waiting.",
	}
	r.Flags().StringVar(&c.defs, "defs", "", "YAML file of datatypes, methods and pipelines")
	r.Flags().StringVar(&c.pipeline, "pipeline", "", "name of the pipeline to run")
	r.Flags().StringVar(&c.user, "user", os.Getenv("USER"), "user the run belongs to")
	r.Flags().IntVar(&c.priority, "priority", -1, "run priority, clamped to the scheduler's levels; -1 keeps the configured one")
	r.Flags().StringVar(&c.httpAddr, "http_addr", "", "serve health, stats and run status on this address while running")
	return r
}

type outputSummary struct {
	Name    string `json:"name"`
	Dataset string `json:"dataset"`
	MD5     string `json:"md5,omitempty"`
	Key     string `json:"key,omitempty"`
}

type runSummary struct {
	Run             int64           `json:"run"`
	Pipeline        string          `json:"pipeline"`
	Status          string          `json:"status"`
	StoppedBy       string          `json:"stopped_by,omitempty"`
	Outputs         []outputSummary `json:"outputs,omitempty"`
	Failures        []fleet.Failure `json:"failures,omitempty"`
	ValidationError string          `json:"validation_error,omitempty"`
}

func (c *runCmd) Run(cl *commoncli.SimpleClient, cmd *cobra.Command, args []string) error {
	if c.defs == "" || c.pipeline == "" {
		return errors.New("--defs and --pipeline are required")
	}
	lib, err := pipeline.LoadFile(c.defs)
	if err != nil {
		return err
	}
	p, ok := lib.Pipelines[c.pipeline]
	if !ok {
		return fmt.Errorf("%s defines no pipeline %q", c.defs, c.pipeline)
	}
	if len(args) != len(p.Inputs) {
		return fmt.Errorf("%s takes %d inputs, got %d", p, len(p.Inputs), len(args))
	}

	ctx := context.Background()
	cfg := cl.Config
	sched := cfg.NewScheduler(cl.Stat)
	defer sched.Shutdown()
	files, err := cfg.NewFileStore(ctx)
	if err != nil {
		return err
	}
	j, db, err := cfg.NewJournal(ctx)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}
	m, err := fleet.NewManager(ctx, cfg.ManagerConfig(), archive.NewMemoryStore(), files, sched, j, cl.Stat)
	if err != nil {
		return err
	}

	if c.httpAddr != "" {
		server := endpoints.NewStatusServer(c.httpAddr, cl.Stat, func() interface{} { return m.Statuses() })
		go func() {
			if err := server.Serve(); err != nil {
				log.Errorf("status server: %v", err)
			}
		}()
		defer server.Shutdown(ctx)
	}

	var inputs []*archive.Dataset
	for i, path := range args {
		var cdt *pipeline.CompoundDatatype
		if s := p.Inputs[i].Structure; s != nil {
			cdt = s.Datatype
		}
		d, err := m.Upload(ctx, filepath.Base(path), path, cdt, c.user)
		if err != nil {
			return err
		}
		inputs = append(inputs, d)
	}
	r, err := m.StartRun(ctx, p, inputs, c.user)
	if err != nil {
		return err
	}
	if c.priority >= 0 {
		if err := m.SetRunPriority(ctx, r, c.priority); err != nil {
			return err
		}
	}

	waitCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := m.Wait(waitCtx, r); err != nil {
		stop()
		log.Warnf("interrupted, stopping run %d", r.ID)
		if err := m.CancelRun(ctx, r, c.user); err != nil {
			log.Warn(err)
		}
		exitCtx, exitStop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer exitStop()
		if err := m.Wait(exitCtx, r); err != nil {
			return err
		}
	}

	summary := summarize(m, p, r)
	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", out)
	if r.State != archive.RunSuccessful {
		return fmt.Errorf("run %d %s", r.ID, r.Status())
	}
	return nil
}

func summarize(m *fleet.Manager, p *pipeline.Pipeline, r *archive.Run) runSummary {
	s := runSummary{Run: r.ID, Pipeline: p.String(), Status: r.Status(), StoppedBy: r.StoppedBy, Failures: m.Failures(r)}
	if err := m.RunError(r); err != nil {
		s.ValidationError = err.Error()
	}
	for i, oc := range r.OutputCables {
		d := oc.OutputDataset(1)
		if d == nil {
			continue
		}
		s.Outputs = append(s.Outputs, outputSummary{Name: p.Outputs[i].Name, Dataset: d.Name, MD5: d.MD5, Key: d.DataKey()})
	}
	return s
}
