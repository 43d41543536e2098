// Package workbook normalises access to user-authored Excel workbooks.
// Parsers read cells only through Reader, which coerces values, resolves
// sheet names case-insensitively and records problems on an event recorder.
package workbook

import (
	"math"
	"strconv"
	"strings"

	"screencore/internal/events"
)

// Sheet is a rectangular grid of raw cell values. Raw values are nil,
// float64, int or string.
type Sheet interface {
	Name() string
	NumRows() int
	NumCols() int
	Raw(row, col int) any
	Colour(row, col int) Colour
}

// Workbook yields sheets by exact name.
type Workbook interface {
	SheetNames() []string
	Sheet(name string) (Sheet, bool)
}

// Colour is the (pattern colour, background colour) pair of a cell.
type Colour struct {
	Pattern    int
	Background int
}

// Palette indices written by Excel for cells without fill.
const (
	PatternColourNone    = 64
	BackgroundColourNone = 65
)

// NoColour is the empty palette.
var NoColour = Colour{Pattern: PatternColourNone, Background: BackgroundColourNone}

// IsWithoutColour recognises the empty palette. The zero Colour counts as
// empty because backends that expose no fill information report it.
func IsWithoutColour(c Colour) bool {
	return c == NoColour || c == Colour{}
}

// Reader reads cells of a workbook and records problems on rec.
type Reader struct {
	wb  Workbook
	rec *events.Recorder
}

// NewReader wraps an already opened workbook.
func NewReader(wb Workbook, rec *events.Recorder) *Reader {
	return &Reader{wb: wb, rec: rec}
}

// Recorder returns the recorder problems are written to.
func (r *Reader) Recorder() *events.Recorder { return r.rec }

// Workbook returns the wrapped workbook.
func (r *Reader) Workbook() Workbook { return r.wb }

// SheetByName tries the exact, lower-case and upper-case forms of name. When
// required is set a missing sheet is recorded as an error.
func (r *Reader) SheetByName(name string, required bool) Sheet {
	for _, candidate := range []string{name, strings.ToLower(name), strings.ToUpper(name)} {
		if s, ok := r.wb.Sheet(candidate); ok {
			return s
		}
	}
	if required {
		r.rec.AddError("There is no sheet called %q in the workbook.", name)
	}
	return nil
}

// CellValue returns nil for empty cells, an int when a number is whole,
// otherwise a float64 or the trimmed string. Non-ASCII strings are recorded
// as errors and yield nil.
func (r *Reader) CellValue(s Sheet, row, col int) any {
	if s == nil || row < 0 || col < 0 || row >= s.NumRows() || col >= s.NumCols() {
		return nil
	}
	switch v := s.Raw(row, col).(type) {
	case nil:
		return nil
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return wholeOrFloat(v)
	case float32:
		return wholeOrFloat(float64(v))
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}
		if !isASCII(trimmed) {
			r.rec.AddError("unknown character in cell %s (sheet %s)", CellName(row, col), s.Name())
			return nil
		}
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil && looksNumeric(trimmed) {
			return wholeOrFloat(f)
		}
		return trimmed
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		r.rec.AddError("unknown cell type %T in cell %s (sheet %s)", v, CellName(row, col), s.Name())
		return nil
	}
}

// CellString returns the cell value rendered as text; empty cells yield "".
func (r *Reader) CellString(s Sheet, row, col int) string {
	return Text(r.CellValue(s, row, col))
}

// CellColour returns the colour pair of the cell.
func (r *Reader) CellColour(s Sheet, row, col int) Colour {
	if s == nil || row < 0 || col < 0 || row >= s.NumRows() || col >= s.NumCols() {
		return NoColour
	}
	return s.Colour(row, col)
}

// Text renders a coerced cell value.
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// AsFloat converts a coerced numeric cell value.
func AsFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// AsInt converts a whole numeric cell value.
func AsInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case float64:
		if t == math.Trunc(t) {
			return int(t), true
		}
		return 0, false
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

// CellName derives the Excel label (A1, AA10) from 0-based indices.
func CellName(row, col int) string {
	var b []byte
	for n := col + 1; n > 0; n = (n - 1) / 26 {
		b = append([]byte{byte('A' + (n-1)%26)}, b...)
	}
	return string(b) + strconv.Itoa(row+1)
}

func wholeOrFloat(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int(f)
	}
	return f
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

// ParseFloat accepts "Inf" and "NaN"; cells holding those words stay text.
func looksNumeric(s string) bool {
	for _, ch := range s {
		if (ch < '0' || ch > '9') && ch != '.' && ch != '-' && ch != '+' && ch != 'e' && ch != 'E' {
			return false
		}
	}
	return true
}
