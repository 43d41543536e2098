package workbook

import (
	"sort"
)

type cellKey struct{ row, col int }

// MemorySheet is an in-memory Sheet used for fixtures and sheet writers.
type MemorySheet struct {
	name    string
	cells   map[cellKey]any
	colours map[cellKey]Colour
	rows    int
	cols    int
}

// NewMemorySheet returns an empty sheet.
func NewMemorySheet(name string) *MemorySheet {
	return &MemorySheet{name: name, cells: make(map[cellKey]any), colours: make(map[cellKey]Colour)}
}

// Name implements Sheet.
func (s *MemorySheet) Name() string { return s.name }

// NumRows implements Sheet.
func (s *MemorySheet) NumRows() int { return s.rows }

// NumCols implements Sheet.
func (s *MemorySheet) NumCols() int { return s.cols }

// Raw implements Sheet.
func (s *MemorySheet) Raw(row, col int) any { return s.cells[cellKey{row, col}] }

// Colour implements Sheet.
func (s *MemorySheet) Colour(row, col int) Colour {
	if c, ok := s.colours[cellKey{row, col}]; ok {
		return c
	}
	return NoColour
}

// Set stores a value; nil clears the cell.
func (s *MemorySheet) Set(row, col int, v any) *MemorySheet {
	if v == nil {
		delete(s.cells, cellKey{row, col})
		return s
	}
	s.cells[cellKey{row, col}] = v
	if row+1 > s.rows {
		s.rows = row + 1
	}
	if col+1 > s.cols {
		s.cols = col + 1
	}
	return s
}

// SetRow stores values starting at column start.
func (s *MemorySheet) SetRow(row, start int, values ...any) *MemorySheet {
	for i, v := range values {
		s.Set(row, start+i, v)
	}
	return s
}

// SetColour colours a cell.
func (s *MemorySheet) SetColour(row, col int, c Colour) *MemorySheet {
	s.colours[cellKey{row, col}] = c
	return s
}

// MemoryWorkbook is an in-memory Workbook.
type MemoryWorkbook struct {
	order  []string
	sheets map[string]Sheet
}

// NewMemoryWorkbook collects sheets; a later sheet replaces an earlier one
// with the same name.
func NewMemoryWorkbook(sheets ...Sheet) *MemoryWorkbook {
	wb := &MemoryWorkbook{sheets: make(map[string]Sheet)}
	for _, s := range sheets {
		wb.Add(s)
	}
	return wb
}

// Add stores the sheet under its name.
func (wb *MemoryWorkbook) Add(s Sheet) {
	if _, ok := wb.sheets[s.Name()]; !ok {
		wb.order = append(wb.order, s.Name())
	}
	wb.sheets[s.Name()] = s
}

// SheetNames implements Workbook in insertion order.
func (wb *MemoryWorkbook) SheetNames() []string { return append([]string(nil), wb.order...) }

// Sheet implements Workbook.
func (wb *MemoryWorkbook) Sheet(name string) (Sheet, bool) {
	s, ok := wb.sheets[name]
	return s, ok
}

// Dump returns the non-empty cells of a sheet as sorted "<cell>=<text>" lines.
func Dump(s Sheet) []string {
	var out []string
	for r := 0; r < s.NumRows(); r++ {
		for c := 0; c < s.NumCols(); c++ {
			if v := s.Raw(r, c); v != nil {
				out = append(out, CellName(r, c)+"="+Text(v))
			}
		}
	}
	sort.Strings(out)
	return out
}
