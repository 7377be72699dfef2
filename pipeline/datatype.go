package pipeline

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Column types understood by CSVTypeChecker.
const (
	StringType  = "string"
	IntegerType = "integer"
	FloatType   = "float"
	BoolType    = "boolean"
)

// CompoundDatatype describes the columns of a CSV dataset.
type CompoundDatatype struct {
	ID      int64
	Name    string
	Columns []Column
}

// Column is 1-based.
type Column struct {
	Index int
	Name  string
	Type  string
}

func (c *CompoundDatatype) String() string {
	return fmt.Sprintf("CompoundDatatype %s(%s)", c.Name, strings.Join(c.ColumnNames(), ", "))
}

func (c *CompoundDatatype) ColumnNames() []string {
	names := make([]string, len(c.Columns))
	for i, col := range c.Columns {
		names[i] = col.Name
	}
	return names
}

// ContentReport is the result of checking a file against a datatype.
type ContentReport struct {
	NumRows int
	// BadHeader is set when the header does not name the expected columns.
	BadHeader bool
	// CellErrors lists row:column positions of badly typed cells, capped.
	CellErrors []string
	// BadRowCount is set when the row count is outside the given bounds.
	BadRowCount bool
}

func (r ContentReport) OK() bool {
	return !r.BadHeader && !r.BadRowCount && len(r.CellErrors) == 0
}

// TypeChecker decides column-level compatibility and checks file content.
type TypeChecker interface {
	// Compatible reports whether data of datatype have may feed an input
	// that wants datatype want.
	Compatible(have, want *CompoundDatatype) bool

	// CheckContent reads r as CSV data of datatype cdt. minRow and maxRow
	// bound the row count when positive.
	CheckContent(r io.Reader, cdt *CompoundDatatype, minRow, maxRow int) (ContentReport, error)
}

const maxCellErrors = 10

// CSVTypeChecker checks comma separated files with a header row.
type CSVTypeChecker struct{}

var _ TypeChecker = CSVTypeChecker{}

// Compatible holds for the same datatype, or for datatypes with the same
// column names where every wanted column accepts the offered column's type.
func (CSVTypeChecker) Compatible(have, want *CompoundDatatype) bool {
	if have == nil || want == nil {
		return have == want
	}
	if have.ID != 0 && have.ID == want.ID {
		return true
	}
	if len(have.Columns) != len(want.Columns) {
		return false
	}
	for i, w := range want.Columns {
		h := have.Columns[i]
		if h.Name != w.Name {
			return false
		}
		if !typeAccepts(w.Type, h.Type) {
			return false
		}
	}
	return true
}

func typeAccepts(want, have string) bool {
	switch want {
	case "", StringType:
		return true
	case FloatType:
		return have == FloatType || have == IntegerType
	}
	return want == have
}

func (CSVTypeChecker) CheckContent(r io.Reader, cdt *CompoundDatatype, minRow, maxRow int) (ContentReport, error) {
	var report ContentReport
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err == io.EOF {
		report.BadHeader = true
		return report, nil
	}
	if err != nil {
		return report, err
	}
	names := cdt.ColumnNames()
	if len(header) != len(names) {
		report.BadHeader = true
	} else {
		for i := range header {
			if strings.TrimSpace(header[i]) != names[i] {
				report.BadHeader = true
			}
		}
	}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return report, err
		}
		report.NumRows++
		if report.BadHeader {
			continue
		}
		for i, col := range cdt.Columns {
			if i >= len(row) {
				report.addCellError(report.NumRows, col.Index, "missing")
				continue
			}
			if !cellMatches(col.Type, row[i]) {
				report.addCellError(report.NumRows, col.Index, row[i])
			}
		}
	}
	if (minRow > 0 && report.NumRows < minRow) || (maxRow > 0 && report.NumRows > maxRow) {
		report.BadRowCount = true
	}
	return report, nil
}

func (r *ContentReport) addCellError(row, col int, value string) {
	if len(r.CellErrors) < maxCellErrors {
		r.CellErrors = append(r.CellErrors, fmt.Sprintf("%d:%d %q", row, col, value))
	}
}

func cellMatches(colType, value string) bool {
	switch colType {
	case IntegerType:
		_, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		return err == nil
	case FloatType:
		_, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		return err == nil
	case BoolType:
		_, err := strconv.ParseBool(strings.TrimSpace(value))
		return err == nil
	}
	return true
}

// Remap copies CSV data from r to w through the wires of a non-trivial
// cable, writing destHeader as the new header row. It returns the number of
// data rows written.
func Remap(r io.Reader, w io.Writer, wires []Wire, destHeader []string) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	writer := csv.NewWriter(w)
	if _, err := reader.Read(); err != nil {
		if err == io.EOF {
			return 0, fmt.Errorf("source has no header row")
		}
		return 0, err
	}
	if err := writer.Write(destHeader); err != nil {
		return 0, err
	}
	rows := 0
	out := make([]string, len(destHeader))
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return rows, err
		}
		for _, wire := range wires {
			if wire.SourceIdx > len(row) {
				return rows, fmt.Errorf("row %d has no column %d", rows+1, wire.SourceIdx)
			}
			out[wire.DestIdx-1] = row[wire.SourceIdx-1]
		}
		if err := writer.Write(out); err != nil {
			return rows, err
		}
		rows++
	}
	writer.Flush()
	return rows, writer.Error()
}
