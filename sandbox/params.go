// Package sandbox is the worker side of a run. The manager writes a JSON
// parameter file for each helper job; the worker reads it, prepares or
// checks a step's private directory, or executes a cable, and writes a JSON
// result file next to the parameters for the manager to pick up.
package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/dmacmillan/Kive-sub000/filestore"
	"github.com/dmacmillan/Kive-sub000/pipeline"
)

// ParamVersion is bumped whenever a field changes meaning.
const ParamVersion = 1

// Sandbox subdirectories.
const (
	InputDir  = "input_data"
	OutputDir = "output_data"
	LogDir    = "logs"
)

// DatasetRef locates dataset bytes: in the file store under Key, or, for
// outputs that were not kept, in another sandbox at Path.
type DatasetRef struct {
	Name string `json:"name"`
	Key  string `json:"key,omitempty"`
	Path string `json:"path,omitempty"`
	MD5  string `json:"md5"`
}

// ColumnSpec is one column of a structured dataset.
type ColumnSpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// OutputSpec says where an output goes and how to check it.
type OutputSpec struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	// Key receives the bytes if Keep is set.
	Key  string `json:"key,omitempty"`
	Keep bool   `json:"keep"`
	// Columns is empty for raw outputs.
	Columns []ColumnSpec `json:"columns,omitempty"`
	MinRow  int          `json:"min_row,omitempty"`
	MaxRow  int          `json:"max_row,omitempty"`
}

func (o OutputSpec) IsRaw() bool { return len(o.Columns) == 0 }

// Datatype rebuilds the compound datatype the output is checked against.
func (o OutputSpec) Datatype() *pipeline.CompoundDatatype {
	if o.IsRaw() {
		return nil
	}
	cdt := &pipeline.CompoundDatatype{Name: o.Name}
	for i, c := range o.Columns {
		cdt.Columns = append(cdt.Columns, pipeline.Column{Index: i + 1, Name: c.Name, Type: c.Type})
	}
	return cdt
}

// ColumnsOf converts a datatype for an OutputSpec; nil stays empty.
func ColumnsOf(cdt *pipeline.CompoundDatatype) []ColumnSpec {
	if cdt == nil {
		return nil
	}
	cols := make([]ColumnSpec, len(cdt.Columns))
	for i, c := range cdt.Columns {
		cols[i] = ColumnSpec{Name: c.Name, Type: c.Type}
	}
	return cols
}

// StepExecuteInfo parameterizes step setup and step bookkeeping.
type StepExecuteInfo struct {
	Version     int    `json:"version"`
	RunID       int64  `json:"run_id"`
	Coordinates string `json:"coordinates"`
	StepName    string `json:"step_name"`
	SandboxPath string `json:"sandbox_path"`
	Driver      string `json:"driver"`
	DriverMD5   string `json:"driver_md5"`
	Threads     int    `json:"threads"`
	// StopPath, if it exists when setup starts, cancels the step.
	StopPath string `json:"stop_path,omitempty"`
	// SetupResult is read by bookkeeping; a failed setup means there is
	// nothing to check.
	SetupResult string           `json:"setup_result,omitempty"`
	Inputs      []DatasetRef     `json:"inputs"`
	Outputs     []OutputSpec     `json:"outputs"`
	FileStore   filestore.Config `json:"file_store"`
}

// CableExecuteInfo parameterizes the cable helper.
type CableExecuteInfo struct {
	Version     int              `json:"version"`
	RunID       int64            `json:"run_id"`
	Coordinates string           `json:"coordinates"`
	SandboxPath string           `json:"sandbox_path"`
	Input       DatasetRef       `json:"input"`
	Wires       []WireSpec       `json:"wires"`
	Output      OutputSpec       `json:"output"`
	FileStore   filestore.Config `json:"file_store"`
}

type WireSpec struct {
	SourceIdx int `json:"source_idx"`
	DestIdx   int `json:"dest_idx"`
}

// SetupResult is written by step setup.
type SetupResult struct {
	Version     int      `json:"version"`
	ExitCode    int      `json:"exit_code"`
	ChecksumsOK bool     `json:"checksums_ok"`
	DriverMD5   string   `json:"driver_md5,omitempty"`
	InputMD5s   []string `json:"input_md5s,omitempty"`
	Message     string   `json:"message,omitempty"`
}

// OutputResult describes one output after a driver or cable ran.
type OutputResult struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Present bool   `json:"present"`
	Path    string `json:"path"`
	MD5     string `json:"md5,omitempty"`
	Size    int64  `json:"size"`
	// Stored is set once the bytes are in the file store under Key.
	Key    string `json:"key,omitempty"`
	Stored bool   `json:"stored"`
	// Content check of structured outputs; nil for raw ones.
	Content *ContentResult `json:"content,omitempty"`
}

type ContentResult struct {
	NumRows     int      `json:"num_rows"`
	BadHeader   bool     `json:"bad_header"`
	BadRowCount bool     `json:"bad_row_count"`
	CellErrors  []string `json:"cell_errors,omitempty"`
}

func (c *ContentResult) OK() bool {
	return c == nil || (!c.BadHeader && !c.BadRowCount && len(c.CellErrors) == 0)
}

// Report converts back to the checker's report type.
func (c *ContentResult) Report() pipeline.ContentReport {
	return pipeline.ContentReport{NumRows: c.NumRows, BadHeader: c.BadHeader, BadRowCount: c.BadRowCount, CellErrors: c.CellErrors}
}

// BookkeepingResult is written by step bookkeeping.
type BookkeepingResult struct {
	Version int `json:"version"`
	// Skipped is set when setup did not succeed.
	Skipped bool           `json:"skipped"`
	Outputs []OutputResult `json:"outputs"`
	Message string         `json:"message,omitempty"`
}

// CableResult is written by the cable helper.
type CableResult struct {
	Version   int          `json:"version"`
	Succeeded bool         `json:"succeeded"`
	InputMD5  string       `json:"input_md5,omitempty"`
	Output    OutputResult `json:"output"`
	Message   string       `json:"message,omitempty"`
}

// ResultPath is where the result for a parameter file is written.
func ResultPath(paramPath string) string {
	return strings.TrimSuffix(paramPath, ".json") + "_result.json"
}

// InputPath is where input idx (1-based) is staged.
func InputPath(sandbox string, idx int, name string) string {
	return filepath.Join(sandbox, InputDir, fmt.Sprintf("%d_%s", idx, name))
}

// OutputPath is where the driver writes output idx (1-based).
func OutputPath(sandbox string, idx int, name string) string {
	return filepath.Join(sandbox, OutputDir, fmt.Sprintf("%d_%s", idx, name))
}

// DriverArgs are the arguments a driver is run with: its inputs, then its
// outputs.
func (info *StepExecuteInfo) DriverArgs() []string {
	var args []string
	for i, in := range info.Inputs {
		args = append(args, InputPath(info.SandboxPath, i+1, in.Name))
	}
	for _, out := range info.Outputs {
		args = append(args, OutputPath(info.SandboxPath, out.Index, out.Name))
	}
	return args
}

// ReadJSON decodes the file at path into v and checks its version field.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "decoding %s", path)
	}
	var versioned struct {
		Version int `json:"version"`
	}
	json.Unmarshal(data, &versioned)
	if versioned.Version != ParamVersion {
		return fmt.Errorf("%s has version %d, expected %d", path, versioned.Version, ParamVersion)
	}
	return nil
}

// WriteJSON writes v to path atomically.
func WriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
