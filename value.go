package main

import "fmt"

// DateValue is the Date variant of the value lattice: an Excel-epoch serial
// day count, distinct from a plain float64 so arithmetic and formatting can
// tell a date apart from a number. NOW/TODAY keep returning a bare float64
// (their existing, already-tested contract); DATE and date-aware functions
// produce and consume DateValue.
type DateValue float64

func (d DateValue) String() string {
	return fmt.Sprintf("%v", float64(d))
}

// ArrayValue is the one-dimensional Array variant: a flat row of values, as
// produced by an array literal `{1,2,3}` or row-flattened `{1,2;3,4}`.
type ArrayValue []Primitive

// Array2Value is the two-dimensional Array2 variant, kept distinct from
// ArrayValue so functions can tell a flattened literal from a resolved
// rectangular range when that distinction matters (e.g. INDEX row/col
// addressing).
type Array2Value [][]Primitive

// RangeValue is the Range variant: a reference that has not been forced
// into a value. OFFSET and INDEX are reference-preserving (4.5/4.9) and
// receive/produce this type instead of an ensured scalar or array, so the
// recalc driver can inspect the target cell's dirty bit before a value is
// committed.
type RangeValue struct {
	Sheet  *string // nil = current sheet at the time the reference was built
	Addr   RangeAddress
	Cached Primitive // resolved value, populated lazily by Resolve
}

// IsSingleCell reports whether the range addresses exactly one cell.
func (rv *RangeValue) IsSingleCell() bool {
	return rv.Addr.StartRow == rv.Addr.EndRow && rv.Addr.StartColumn == rv.Addr.EndColumn
}

// Resolve materializes the range's value against the workbook, caching the
// result. Single cells resolve to their scalar value; multi-cell ranges
// resolve to an Array2Value padded with Empty past the worksheet's current
// extent, matching the Workbook.resolve contract in 4.7.
func (rv *RangeValue) Resolve(s *Spreadsheet) (Primitive, error) {
	if rv.Cached != nil {
		return rv.Cached, nil
	}

	worksheet, exists := s.storage.worksheets.GetWorksheet(rv.Addr.WorksheetID)
	if !exists {
		return nil, NewSpreadsheetError(ErrorCodeRef, "Worksheet not found")
	}

	if rv.IsSingleCell() {
		cell := worksheet.GetCell(rv.Addr.StartRow, rv.Addr.StartColumn)
		if cell == nil {
			rv.Cached = nil
			return nil, nil
		}
		rv.Cached = cell.Value
		return cell.Value, nil
	}

	rows := make(Array2Value, 0, rv.Addr.EndRow-rv.Addr.StartRow+1)
	for row := rv.Addr.StartRow; row <= rv.Addr.EndRow; row++ {
		line := make([]Primitive, 0, rv.Addr.EndColumn-rv.Addr.StartColumn+1)
		for col := rv.Addr.StartColumn; col <= rv.Addr.EndColumn; col++ {
			cell := worksheet.GetCell(row, col)
			if cell == nil {
				line = append(line, nil)
				continue
			}
			line = append(line, cell.Value)
		}
		rows = append(rows, line)
	}
	rv.Cached = rows
	return rows, nil
}

// ToCellRange converts the range to the lazy iteration type the rest of the
// function registry already understands (SUM, AVERAGE, ...).
func (rv *RangeValue) ToCellRange(s *Spreadsheet) (*CellRange, error) {
	worksheet, exists := s.storage.worksheets.GetWorksheet(rv.Addr.WorksheetID)
	if !exists {
		return nil, NewSpreadsheetError(ErrorCodeRef, "Worksheet not found")
	}
	return &CellRange{
		worksheetID: rv.Addr.WorksheetID,
		startRow:    rv.Addr.StartRow,
		startCol:    rv.Addr.StartColumn,
		endRow:      rv.Addr.EndRow,
		endCol:      rv.Addr.EndColumn,
		worksheet:   worksheet,
		storage:     s.storage,
	}, nil
}

// volatileSignal is the internal control type raised when a
// reference-preserving function's computed target is still dirty (4.10).
// It is never returned to a caller: calculateCell catches it, installs the
// new dependency edge, and retries the cell on the next pass. It
// deliberately does not implement the SpreadsheetError in-band error
// channel, so callers comparing against *SpreadsheetError never mistake it
// for a spreadsheet-visible error.
type volatileSignal struct {
	origin CellAddress
	target CellAddress
}

func (v *volatileSignal) Error() string {
	return fmt.Sprintf("volatile: %v awaits %v", v.origin, v.target)
}

// asVolatileSignal unwraps err into a *volatileSignal, if it is one.
func asVolatileSignal(err error) (*volatileSignal, bool) {
	vs, ok := err.(*volatileSignal)
	return vs, ok
}
