package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/dmacmillan/Kive-sub000/filestore"
	"github.com/dmacmillan/Kive-sub000/pipeline"
)

// DatasetStructure describes a CSV dataset.
type DatasetStructure struct {
	Datatype *pipeline.CompoundDatatype
	NumRows  int
}

// Dataset is a checksummed blob. Its bytes live in the file store under
// DataKey; an empty DataKey means the bytes were never kept or were removed.
type Dataset struct {
	ID        int64
	Name      string
	User      string
	MD5       string
	Size      int64
	Structure *DatasetStructure
	// FileSource produced the dataset; nil for uploaded pipeline inputs.
	FileSource *Component
	Created    time.Time

	mu              sync.Mutex
	dataKey         string
	integrityChecks []*IntegrityCheckLog
	contentChecks   []*ContentCheckLog
	// outputOf are the ExecRecords listing this dataset as an output.
	outputOf []*ExecRecord
}

func (d *Dataset) String() string {
	return fmt.Sprintf("Dataset %d %q", d.ID, d.Name)
}

func (d *Dataset) IsRaw() bool { return d.Structure == nil }

// DataKey is the file store key of the bytes, "" without data.
func (d *Dataset) DataKey() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dataKey
}

func (d *Dataset) HasData() bool { return d.DataKey() != "" }

// SetDataKey records where the bytes now live; "" records their removal.
func (d *Dataset) SetDataKey(key string) {
	d.mu.Lock()
	d.dataKey = key
	d.mu.Unlock()
}

func (d *Dataset) IntegrityChecks() []*IntegrityCheckLog {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*IntegrityCheckLog(nil), d.integrityChecks...)
}

func (d *Dataset) ContentChecks() []*ContentCheckLog {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*ContentCheckLog(nil), d.contentChecks...)
}

// OutputOf lists ExecRecords that have this dataset as an output.
func (d *Dataset) OutputOf() []*ExecRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*ExecRecord(nil), d.outputOf...)
}

func (d *Dataset) addOutputOf(er *ExecRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.outputOf {
		if e == er {
			return
		}
	}
	d.outputOf = append(d.outputOf, er)
}

// IsOK is true when the most recent integrity check and the most recent
// content check, if any, both passed.
func (d *Dataset) IsOK() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := len(d.integrityChecks); n > 0 && d.integrityChecks[n-1].IsFail() {
		return false
	}
	if n := len(d.contentChecks); n > 0 && d.contentChecks[n-1].IsFail() {
		return false
	}
	return true
}

// InitiallyOK is true when the dataset's first content check passed. Raw
// datasets and never-checked datasets are initially OK.
func (d *Dataset) InitiallyOK() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Structure == nil || len(d.contentChecks) == 0 {
		return true
	}
	return !d.contentChecks[0].IsFail()
}

// AddContentCheck records a content check. A dataset gets at most one
// content check per ExecLog.
func (d *Dataset) AddContentCheck(ccl *ContentCheckLog) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ccl.ExecLog != nil {
		for _, c := range d.contentChecks {
			if c.ExecLog == ccl.ExecLog {
				return newValidationError(DuplicateCheck, ccl.ExecLog,
					"already has a content check for %s", d)
			}
		}
		ccl.ExecLog.ContentChecks = append(ccl.ExecLog.ContentChecks, ccl)
	}
	ccl.Dataset = d
	d.contentChecks = append(d.contentChecks, ccl)
	return nil
}

// RecordIntegrity records that the dataset's bytes were observed to have
// checksum observed. A mismatch quarantines every component whose
// ExecRecord lists the dataset as an output; a match after an earlier
// failure attempts to decontaminate them.
func (d *Dataset) RecordIntegrity(execLog *ExecLog, user, observed string, now time.Time) (*IntegrityCheckLog, error) {
	icl := &IntegrityCheckLog{ExecLog: execLog, User: user, Start: now, End: now}
	if observed != d.MD5 {
		icl.Conflict = &MD5Conflict{Expected: d.MD5, Observed: observed}
	}
	return icl, d.addIntegrityCheck(icl)
}

// RecordReadFailure records that the dataset's bytes could not be read.
func (d *Dataset) RecordReadFailure(execLog *ExecLog, user string, now time.Time) (*IntegrityCheckLog, error) {
	icl := &IntegrityCheckLog{ExecLog: execLog, User: user, Start: now, End: now, ReadFailed: true}
	return icl, d.addIntegrityCheck(icl)
}

func (d *Dataset) addIntegrityCheck(icl *IntegrityCheckLog) error {
	d.mu.Lock()
	wasOK := len(d.integrityChecks) == 0 || !d.integrityChecks[len(d.integrityChecks)-1].IsFail()
	if icl.ExecLog != nil {
		for _, c := range d.integrityChecks {
			if c.ExecLog == icl.ExecLog {
				d.mu.Unlock()
				return newValidationError(DuplicateCheck, icl.ExecLog,
					"already has an integrity check for %s", d)
			}
		}
		icl.ExecLog.IntegrityChecks = append(icl.ExecLog.IntegrityChecks, icl)
	}
	icl.Dataset = d
	d.integrityChecks = append(d.integrityChecks, icl)
	producers := append([]*ExecRecord(nil), d.outputOf...)
	d.mu.Unlock()

	switch {
	case icl.IsFail():
		log.WithFields(log.Fields{"dataset": d.ID, "conflict": icl.Conflict, "readFailed": icl.ReadFailed}).
			Warn("integrity check failed, quarantining")
		for _, er := range producers {
			er.QuarantineRunComponents()
		}
	case !wasOK:
		for _, er := range producers {
			er.AttemptDecontamination()
		}
	}
	return nil
}

// CheckIntegrity digests the stored bytes and records the result. Datasets
// without data are left alone and return a nil log.
func (d *Dataset) CheckIntegrity(ctx context.Context, fs filestore.FileStore, execLog *ExecLog, user string) (*IntegrityCheckLog, error) {
	key := d.DataKey()
	if key == "" {
		return nil, nil
	}
	sum, err := fs.Digest(ctx, key)
	if errors.Is(err, filestore.ErrNotFound) {
		return d.RecordReadFailure(execLog, user, time.Now())
	}
	if err != nil {
		return nil, errors.Wrapf(err, "checking %s", d)
	}
	return d.RecordIntegrity(execLog, user, sum, time.Now())
}

// IntegrityCheckLog is one comparison of a dataset's bytes to its MD5.
type IntegrityCheckLog struct {
	Dataset *Dataset
	// ExecLog is nil for checks outside of any execution, e.g. input
	// re-validation.
	ExecLog    *ExecLog
	User       string
	Start      time.Time
	End        time.Time
	ReadFailed bool
	Conflict   *MD5Conflict
}

func (l *IntegrityCheckLog) IsFail() bool { return l.ReadFailed || l.Conflict != nil }

type MD5Conflict struct {
	Expected string
	Observed string
}

func (c *MD5Conflict) String() string {
	return fmt.Sprintf("expected MD5 %s, found %s", c.Expected, c.Observed)
}

// ContentCheckLog is one validation of a dataset's content against its
// declared structure.
type ContentCheckLog struct {
	Dataset    *Dataset
	ExecLog    *ExecLog
	User       string
	Start      time.Time
	End        time.Time
	ReadFailed bool
	BadData    *BadData
}

func (l *ContentCheckLog) IsFail() bool { return l.ReadFailed || l.BadData != nil }

type BadData struct {
	MissingOutput bool
	BadHeader     bool
	BadNumRows    bool
	CellErrors    []string
}

// NewBadData turns a failed content report into BadData; nil when the
// report is clean.
func NewBadData(r pipeline.ContentReport) *BadData {
	if r.OK() {
		return nil
	}
	return &BadData{BadHeader: r.BadHeader, BadNumRows: r.BadRowCount, CellErrors: r.CellErrors}
}
