package archive

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/dmacmillan/Kive-sub000/filestore"
)

// ErrorKind names the invariant a ValidationError reports.
type ErrorKind string

const (
	PrecededByUnquenchedInputs    ErrorKind = "PrecededByUnquenchedInputs"
	UndecidedReuseWithSideEffects ErrorKind = "UndecidedReuseWithSideEffects"
	ReusedWithSideEffects         ErrorKind = "ReusedWithSideEffects"
	SubpipelineWithSideEffects    ErrorKind = "SubpipelineWithSideEffects"
	FileIntegrityLost             ErrorKind = "FileIntegrityLost"
	InvokedLogsIncomplete         ErrorKind = "InvokedLogsIncomplete"
	InvokedLogsFailedChecks       ErrorKind = "InvokedLogsFailedChecks"
	DuplicateCheck                ErrorKind = "DuplicateCheck"
	InvokedBeforeOwner            ErrorKind = "InvokedBeforeOwner"
	ExecRecordMismatch            ErrorKind = "ExecRecordMismatch"
	OutputMismatch                ErrorKind = "OutputMismatch"
	Incomplete                    ErrorKind = "Incomplete"
	BadNumbering                  ErrorKind = "BadNumbering"
	BadTimes                      ErrorKind = "BadTimes"
)

// ValidationError reports a violated invariant on a run, component or log.
// It means the orchestrator has a bug or the state was tampered with.
type ValidationError struct {
	Kind    ErrorKind
	Entity  string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", e.Kind, e.Entity, e.Message)
}

func newValidationError(kind ErrorKind, entity fmt.Stringer, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Kind: kind, Entity: entity.String(), Message: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is, or wraps, a ValidationError of
// kind.
func IsValidationError(err error, kind ErrorKind) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Kind == kind
}

// Validator checks the invariants of runs and their components. Files is
// used to confirm that generated datasets still match their checksums.
type Validator struct {
	Files filestore.FileStore
}

// Clean checks c's invariants as they stand, complete or not.
func (v Validator) Clean(ctx context.Context, c *Component) error {
	hasSideEffects := c.Reused != nil || c.ExecRecord != nil || c.Log != nil
	if c.Kind == KindStep && c.Step.ChildRun != nil {
		hasSideEffects = true
	}
	if hasSideEffects && !c.InputsQuenched() {
		return newValidationError(PrecededByUnquenchedInputs, c,
			"has progressed but its inputs are not all available")
	}

	if c.IsSubPipeline() {
		if c.Reused != nil || c.ExecRecord != nil || c.Log != nil || len(c.InvokedLogs) > 0 {
			return newValidationError(SubpipelineWithSideEffects, c,
				"represents a sub-pipeline so it cannot have a reuse decision, ExecRecord or logs")
		}
		if c.Step.ChildRun != nil {
			return v.CleanRun(ctx, c.Step.ChildRun)
		}
		return nil
	}

	if c.Reused == nil {
		if c.Log != nil || c.ExecRecord != nil || len(c.Outputs) > 0 || len(c.InvokedLogs) > 0 {
			return newValidationError(UndecidedReuseWithSideEffects, c,
				"has not decided whether to reuse an ExecRecord but already has a log, ExecRecord, outputs or invoked logs")
		}
		return nil
	}
	if *c.Reused && (c.Log != nil || len(c.Outputs) > 0) {
		return newValidationError(ReusedWithSideEffects, c,
			"reused an ExecRecord and should not have generated any data or a log")
	}

	for _, l := range c.InvokedLogs {
		if l.InvokingRecord != c {
			return newValidationError(InvokedBeforeOwner, l, "is listed as invoked by %s but names %s", c, l.InvokingRecord)
		}
		if err := v.CleanExecLog(l); err != nil {
			return err
		}
	}

	if c.Log != nil {
		for _, l := range c.InvokedLogs {
			if !l.IsComplete() {
				return newValidationError(InvokedLogsIncomplete, c,
					"has a log but its invoked %s is not complete", l)
			}
			if !l.AllChecksPassed() {
				return newValidationError(InvokedLogsFailedChecks, c,
					"has a log but its invoked %s failed its checks", l)
			}
		}
		if c.Log.Record != c {
			return newValidationError(ExecRecordMismatch, c, "owns %s which belongs to %s", c.Log, c.Log.Record)
		}
		if err := v.CleanExecLog(c.Log); err != nil {
			return err
		}
	}

	if c.ExecRecord != nil {
		if c.ExecRecord.Key() != c.Transformation().TransformationKey() {
			return newValidationError(ExecRecordMismatch, c, "executes %s but its ExecRecord represents %s",
				c.Transformation(), c.ExecRecord.Transformation)
		}
	}

	if !*c.Reused {
		return v.cleanOutputs(ctx, c)
	}
	return nil
}

// cleanOutputs checks that a component that did its own work generated
// exactly the datasets its ExecRecord lists, each still intact.
func (v Validator) cleanOutputs(ctx context.Context, c *Component) error {
	if c.ExecRecord == nil {
		if len(c.Outputs) > 0 {
			return newValidationError(OutputMismatch, c, "has outputs but no ExecRecord")
		}
		return nil
	}
	generated := map[*Dataset]bool{}
	for _, d := range c.Outputs {
		generated[d] = true
	}
	trivial := false
	if cable := c.PipelineCable(); cable != nil {
		trivial = cable.IsTrivial()
	}
	failed := c.Log != nil && c.Log.IsComplete() && !c.Log.IsSuccessful()
	for _, o := range c.ExecRecord.Outputs() {
		if trivial {
			break
		}
		if !generated[o.Dataset] && !failed {
			return newValidationError(OutputMismatch, c, "should have generated output %d (%s)", o.Index, o.Dataset)
		}
		delete(generated, o.Dataset)
	}
	for d := range generated {
		return newValidationError(OutputMismatch, c, "generated %s which its ExecRecord does not list", d)
	}
	if v.Files == nil {
		return nil
	}
	for _, d := range c.Outputs {
		key := d.DataKey()
		if key == "" {
			continue
		}
		sum, err := v.Files.Digest(ctx, key)
		if err != nil {
			if errors.Is(err, filestore.ErrNotFound) {
				continue
			}
			return errors.Wrapf(err, "checking %s", d)
		}
		if sum != d.MD5 {
			return newValidationError(FileIntegrityLost, c, "output %s has MD5 %s but %s was recorded", d, sum, d.MD5)
		}
	}
	return nil
}

// CompleteClean is Clean plus a check that c has finished.
func (v Validator) CompleteClean(ctx context.Context, c *Component) error {
	if err := v.Clean(ctx, c); err != nil {
		return err
	}
	if !c.IsComplete() {
		return newValidationError(Incomplete, c, "is not complete")
	}
	return nil
}

// CleanExecLog checks a log's times, checks and invoking order.
func (v Validator) CleanExecLog(l *ExecLog) error {
	if !l.End.IsZero() && l.End.Before(l.Start) {
		return newValidationError(BadTimes, l, "ends at %s before it starts at %s", l.End, l.Start)
	}
	if l.Record != nil && l.InvokingRecord != nil {
		if l.InvokingRecord.Coordinates().Precedes(l.Record.Coordinates()) {
			return newValidationError(InvokedBeforeOwner, l, "is invoked by %s which comes before its record %s",
				l.InvokingRecord, l.Record)
		}
		if l.Record.Kind == KindStep && l.InvokingRecord.Kind == KindInputCable &&
			l.InvokingRecord.Cable.DestStep == l.Record {
			return newValidationError(InvokedBeforeOwner, l, "is invoked by an input cable of its own step")
		}
	}
	seenIntegrity := map[*Dataset]bool{}
	for _, c := range l.IntegrityChecks {
		if seenIntegrity[c.Dataset] {
			return newValidationError(DuplicateCheck, l, "has more than one integrity check for %s", c.Dataset)
		}
		seenIntegrity[c.Dataset] = true
	}
	seenContent := map[*Dataset]bool{}
	for _, c := range l.ContentChecks {
		if seenContent[c.Dataset] {
			return newValidationError(DuplicateCheck, l, "has more than one content check for %s", c.Dataset)
		}
		seenContent[c.Dataset] = true
	}
	return nil
}

// CleanRun checks the run's numbering and every component in it, nested
// runs included.
func (v Validator) CleanRun(ctx context.Context, r *Run) error {
	for i, s := range r.Steps {
		if s.Step.PipelineStep.Num != i+1 {
			return newValidationError(BadNumbering, r, "has steps not numbered consecutively starting from 1")
		}
		for j, in := range s.Step.Inputs {
			if in.Cable.InputCable.DestIdx != j+1 {
				return newValidationError(BadNumbering, r, "step %d has input cables out of order", i+1)
			}
		}
	}
	for i, c := range r.OutputCables {
		if c.Cable.OutputCable.OutputIdx != i+1 {
			return newValidationError(BadNumbering, r, "has output cables not numbered consecutively starting from 1")
		}
	}
	for _, c := range r.Components() {
		if err := v.Clean(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// CompleteCleanRun is CleanRun plus a check that the run has finished.
func (v Validator) CompleteCleanRun(ctx context.Context, r *Run) error {
	if err := v.CleanRun(ctx, r); err != nil {
		return err
	}
	if !r.IsComplete() {
		return newValidationError(Incomplete, r, "is not complete")
	}
	return nil
}
