// Package reuse decides, for each step or cable about to run, whether an
// earlier execution of the same transformation on the same inputs can stand
// in for it.
package reuse

import (
	"context"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dmacmillan/Kive-sub000/archive"
	"github.com/dmacmillan/Kive-sub000/common/stats"
	"github.com/dmacmillan/Kive-sub000/filestore"
	"github.com/dmacmillan/Kive-sub000/pipeline"
)

type Decision int

const (
	// Execute runs the transformation afresh, producing a new ExecRecord.
	Execute Decision = iota
	// Reuse takes the ExecRecord's outputs as they are.
	Reuse
	// Recover reuses the ExecRecord although some of its output bytes are
	// missing or damaged. They are regenerated when something needs them.
	Recover
	// ReuseFailed reuses an ExecRecord whose execution failed, failing the
	// component without running anything.
	ReuseFailed
)

func (d Decision) String() string {
	switch d {
	case Execute:
		return "execute"
	case Reuse:
		return "reuse"
	case Recover:
		return "recover"
	case ReuseFailed:
		return "reuse_failed"
	}
	return fmt.Sprintf("Decision(%d)", int(d))
}

// Verdict is a decision and, except for Execute, the ExecRecord it uses.
type Verdict struct {
	Decision   Decision
	ExecRecord *archive.ExecRecord
}

// Engine looks up ExecRecords in Store and checks their outputs in Files.
type Engine struct {
	store archive.Store
	files filestore.FileStore
	stat  stats.StatsReceiver
}

func NewEngine(store archive.Store, files filestore.FileStore, stat stats.StatsReceiver) *Engine {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Engine{store: store, files: files, stat: stat.Scope("reuse")}
}

// FindCompatibleERs returns the ExecRecords of t whose inputs are exactly
// inputs, never-failed records first. Records with a user that has not yet
// decided on reuse are still being worked on and are skipped. Nothing is
// returned for non-reusable transformations.
func (e *Engine) FindCompatibleERs(t pipeline.Transformation, inputs []*archive.Dataset) []*archive.ExecRecord {
	if !t.IsReusable() {
		return nil
	}
	var found []*archive.ExecRecord
	for _, er := range e.store.ExecRecordsFor(t.TransformationKey()) {
		e.stat.Counter(stats.ReuseCandidatesCounter).Inc(1)
		if !er.InputsMatch(inputs) {
			continue
		}
		if inFlight(er) {
			e.stat.Counter(stats.ReuseSkippedInFlight).Inc(1)
			log.WithFields(log.Fields{"execrecord": er.ID}).Debug("skipping ExecRecord still in flight")
			continue
		}
		found = append(found, er)
	}
	sort.SliceStable(found, func(i, j int) bool {
		return !found[i].HasEverFailed() && found[j].HasEverFailed()
	})
	return found
}

func inFlight(er *archive.ExecRecord) bool {
	for _, c := range er.UsedBy() {
		if !c.ReuseDecided() {
			return true
		}
	}
	return er.Generator != nil && !er.Generator.IsComplete()
}

// Decide picks how component c, about to run on inputs, proceeds. Output
// bytes of a candidate record are digested again, and a mismatch is
// recorded, quarantining the record's users. Missing or damaged outputs lead
// to Recover for deterministic transformations and to Execute otherwise.
func (e *Engine) Decide(ctx context.Context, c *archive.Component, inputs []*archive.Dataset) (Verdict, error) {
	if c.IsSubPipeline() {
		return Verdict{}, fmt.Errorf("%s is a sub-pipeline and is never reused", c)
	}
	v, err := e.decide(ctx, c, inputs)
	if err != nil {
		return v, err
	}
	e.stat.Counter(stats.ReuseDecisionCounter, v.Decision.String()).Inc(1)
	fields := log.Fields{"component": c.String(), "decision": v.Decision.String()}
	if v.ExecRecord != nil {
		fields["execrecord"] = v.ExecRecord.ID
	}
	log.WithFields(fields).Info("reuse decision")
	return v, nil
}

func (e *Engine) decide(ctx context.Context, c *archive.Component, inputs []*archive.Dataset) (Verdict, error) {
	t := c.Transformation()
	if m, ok := t.(*pipeline.Method); ok && !driverIntact(m) {
		log.WithFields(log.Fields{"method": m.String(), "driver": m.Driver}).
			Warn("driver no longer matches its recorded checksum, not reusing")
		return Verdict{Decision: Execute}, nil
	}
	candidates := e.FindCompatibleERs(t, inputs)
	if len(candidates) == 0 {
		return Verdict{Decision: Execute}, nil
	}
	er := candidates[0]
	if er.HasEverFailed() {
		return Verdict{Decision: ReuseFailed, ExecRecord: er}, nil
	}
	if cable := c.PipelineCable(); cable != nil && cable.IsTrivial() {
		return Verdict{Decision: Reuse, ExecRecord: er}, nil
	}
	intact := true
	for _, out := range er.Outputs() {
		if !out.Dataset.HasData() {
			intact = false
			continue
		}
		icl, err := out.Dataset.CheckIntegrity(ctx, e.files, nil, c.Run.User)
		if err != nil {
			return Verdict{}, err
		}
		if icl != nil && icl.IsFail() {
			intact = false
		}
	}
	if !intact {
		// Only a deterministic driver regenerates the recorded bytes.
		if m, ok := t.(*pipeline.Method); ok && m.Reusable != pipeline.Deterministic {
			return Verdict{Decision: Execute}, nil
		}
		return Verdict{Decision: Recover, ExecRecord: er}, nil
	}
	return Verdict{Decision: Reuse, ExecRecord: er}, nil
}

// driverIntact is false when the driver is gone or has changed since the
// method was registered.
func driverIntact(m *pipeline.Method) bool {
	sum, err := filestore.MD5File(m.Driver)
	return err == nil && sum == m.DriverMD5
}

// Apply records a non-Execute verdict on c: c is marked reused, attached to
// the record and finished, failed for ReuseFailed. Execute verdicts only
// record the decision.
func Apply(c *archive.Component, v Verdict, now time.Time) {
	if v.Decision == Execute {
		c.SetReused(false)
		return
	}
	c.SetReused(true)
	c.ExecRecord = v.ExecRecord
	v.ExecRecord.AddUser(c)
	if v.Decision == ReuseFailed {
		c.FinishFailure(now)
		return
	}
	c.FinishSuccessfully(now)
}
