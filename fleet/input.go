package fleet

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"

	"github.com/dmacmillan/Kive-sub000/archive"
	"github.com/dmacmillan/Kive-sub000/filestore"
	"github.com/dmacmillan/Kive-sub000/pipeline"
)

// InputError rejects a run because of one of its inputs. No run is created.
type InputError struct {
	Index   int
	Message string
}

func (e *InputError) Error() string { return e.Message }

func inputErrorf(idx int, format string, args ...interface{}) *InputError {
	return &InputError{Index: idx, Message: fmt.Sprintf(format, args...)}
}

// validateInputs checks that inputs fit p. Inputs whose latest content check
// failed are rejected. Inputs whose latest integrity check failed, or that
// were never checked, are checked against the file store again.
func (m *Manager) validateInputs(ctx context.Context, p *pipeline.Pipeline, inputs []*archive.Dataset, user string) error {
	if len(inputs) != len(p.Inputs) {
		return inputErrorf(0, "Pipeline %q expects %d inputs but %d were given", p.Name, len(p.Inputs), len(inputs))
	}
	for i, d := range inputs {
		idx := i + 1
		want := p.Inputs[i]
		if d == nil {
			return inputErrorf(idx, "no dataset passed as input %d to Pipeline %q", idx, p.Name)
		}
		if !d.InitiallyOK() {
			return inputErrorf(idx, "Dataset %q passed as input %d to Pipeline %q was not initially OK", d.Name, idx, p.Name)
		}
		if want.IsRaw() != d.IsRaw() {
			if want.IsRaw() {
				return inputErrorf(idx, "Dataset %q passed as input %d to Pipeline %q is not raw", d.Name, idx, p.Name)
			}
			return inputErrorf(idx, "Dataset %q passed as input %d to Pipeline %q is raw", d.Name, idx, p.Name)
		}
		if !want.IsRaw() {
			if !m.checker.Compatible(d.Structure.Datatype, want.Structure.Datatype) {
				return inputErrorf(idx, "Dataset %q passed as input %d to Pipeline %q is %s, not compatible with %s",
					d.Name, idx, p.Name, d.Structure.Datatype, want.Structure.Datatype)
			}
			rows := d.Structure.NumRows
			if want.Structure.MinRow > 0 && rows < want.Structure.MinRow {
				return inputErrorf(idx, "Dataset %q passed as input %d to Pipeline %q has %d rows, fewer than %d",
					d.Name, idx, p.Name, rows, want.Structure.MinRow)
			}
			if want.Structure.MaxRow > 0 && rows > want.Structure.MaxRow {
				return inputErrorf(idx, "Dataset %q passed as input %d to Pipeline %q has %d rows, more than %d",
					d.Name, idx, p.Name, rows, want.Structure.MaxRow)
			}
		}
		if !d.HasData() {
			return inputErrorf(idx, "Dataset %q passed as input %d to Pipeline %q has no data", d.Name, idx, p.Name)
		}
		if ccs := d.ContentChecks(); len(ccs) > 0 && ccs[len(ccs)-1].IsFail() {
			return inputErrorf(idx, "Dataset %q passed as input %d to Pipeline %q failed its latest content check", d.Name, idx, p.Name)
		}
		if d.IsOK() && len(d.IntegrityChecks()) > 0 {
			continue
		}
		icl, err := d.CheckIntegrity(ctx, m.files, nil, user)
		if err != nil {
			return errors.Wrapf(err, "re-validating input %d", idx)
		}
		if icl != nil && icl.IsFail() {
			return inputErrorf(idx, "Dataset %q passed as input %d to Pipeline %q failed its integrity check", d.Name, idx, p.Name)
		}
	}
	return nil
}

// Upload stores the file at localPath as a new dataset. A structured
// dataset is checked against cdt; the result is recorded as its first
// content check.
func (m *Manager) Upload(ctx context.Context, name, localPath string, cdt *pipeline.CompoundDatatype, user string) (*archive.Dataset, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	key := path.Join("uploads", id.String(), filepath.Base(localPath))
	size, sum, err := filestore.PutFile(ctx, m.files, key, localPath)
	if err != nil {
		return nil, errors.Wrapf(err, "uploading %s", localPath)
	}
	now := m.now()
	d := &archive.Dataset{Name: name, User: user, MD5: sum, Size: size, Created: now}
	d.SetDataKey(key)
	if cdt != nil {
		f, err := os.Open(localPath)
		if err != nil {
			return nil, err
		}
		report, err := m.checker.CheckContent(f, cdt, 0, 0)
		f.Close()
		if err != nil {
			return nil, errors.Wrapf(err, "checking %s", localPath)
		}
		d.Structure = &archive.DatasetStructure{Datatype: cdt, NumRows: report.NumRows}
		if err := d.AddContentCheck(&archive.ContentCheckLog{User: user, Start: now, End: now, BadData: archive.NewBadData(report)}); err != nil {
			return nil, err
		}
	}
	m.store.AddDataset(d)
	if _, err := d.RecordIntegrity(nil, user, sum, now); err != nil {
		return nil, err
	}
	return d, nil
}
