package archive

import (
	"fmt"
	"time"
)

// ExecLog is one execution attempt. Record is the component the execution
// belongs to. InvokingRecord triggered it and differs from Record for
// recoveries.
type ExecLog struct {
	ID             int64
	Record         *Component
	InvokingRecord *Component
	Start          time.Time
	End            time.Time
	// MethodOutput is set for method steps once the driver finished.
	MethodOutput *MethodOutput

	IntegrityChecks []*IntegrityCheckLog
	ContentChecks   []*ContentCheckLog
}

// MethodOutput captures a driver run.
type MethodOutput struct {
	// ReturnCode is nil until the driver has finished.
	ReturnCode *int
	Stdout     string
	Stderr     string
	// ChecksumsOK is false when the driver or an input failed verification
	// before the driver could run.
	ChecksumsOK bool
}

// NewExecLog starts a log. invoking is record for ordinary executions.
func NewExecLog(record, invoking *Component, now time.Time) *ExecLog {
	return &ExecLog{Record: record, InvokingRecord: invoking, Start: now}
}

func (l *ExecLog) String() string {
	return fmt.Sprintf("ExecLog %d for %s", l.ID, l.Record)
}

// IsRecovery is true when another component invoked this log.
func (l *ExecLog) IsRecovery() bool { return l.InvokingRecord != l.Record }

func (l *ExecLog) needsMethodOutput() bool {
	return l.Record != nil && l.Record.Kind == KindStep && !l.Record.IsSubPipeline()
}

// IsComplete is true once the log has an end time and, for method steps, a
// return code.
func (l *ExecLog) IsComplete() bool {
	if l.End.IsZero() {
		return false
	}
	if l.needsMethodOutput() {
		return l.MethodOutput != nil && l.MethodOutput.ReturnCode != nil
	}
	return true
}

// AllChecksPassed is true when no recorded integrity or content check failed.
func (l *ExecLog) AllChecksPassed() bool {
	for _, c := range l.IntegrityChecks {
		if c.IsFail() {
			return false
		}
	}
	for _, c := range l.ContentChecks {
		if c.IsFail() {
			return false
		}
	}
	return true
}

// IsSuccessful is true when the execution ran cleanly: the driver exited 0
// after verifying its checksums, and every check passed.
func (l *ExecLog) IsSuccessful() bool {
	if mo := l.MethodOutput; mo != nil {
		if !mo.ChecksumsOK || mo.ReturnCode == nil || *mo.ReturnCode != 0 {
			return false
		}
	} else if l.needsMethodOutput() && !l.End.IsZero() {
		return false
	}
	return l.AllChecksPassed()
}

// Finish stamps the end time and, for method steps, the driver's output.
func (l *ExecLog) Finish(now time.Time, mo *MethodOutput) {
	l.End = now
	if mo != nil {
		l.MethodOutput = mo
	}
}
