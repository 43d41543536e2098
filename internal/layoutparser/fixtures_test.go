package layoutparser

import (
	"strings"
	"testing"

	"screencore/internal/events"
	"screencore/internal/workbook"
	"screencore/pkg/domain"
)

// putLayout writes a layout block with its origin at (r, c); codes are keyed
// by position label.
func putLayout(s *workbook.MemorySheet, r, c int, shape domain.RackShape, codes map[string]string) {
	for j := 1; j <= shape.Columns; j++ {
		s.Set(r, c+j, j)
	}
	for i := 0; i < shape.Rows; i++ {
		s.Set(r+1+i, c, domain.RowLetters(i))
	}
	for label, code := range codes {
		pos, err := domain.ParseRackPosition(label)
		if err != nil {
			panic(err)
		}
		s.Set(r+1+pos.Row, c+1+pos.Column, code)
	}
}

func newTestParser(opts Options, sheets ...workbook.Sheet) (*Parser, *events.Recorder) {
	rec := events.NewRecorder("layout parser", nil)
	return New(workbook.NewReader(workbook.NewMemoryWorkbook(sheets...), rec), opts), rec
}

func mustPos(t *testing.T, label string) domain.RackPosition {
	t.Helper()
	p, err := domain.ParseRackPosition(label)
	if err != nil {
		t.Fatalf("parse %s: %v", label, err)
	}
	return p
}

func hasMessage(rec *events.Recorder, level events.Level, fragment string) bool {
	for _, m := range rec.Messages(level) {
		if strings.Contains(m, fragment) {
			return true
		}
	}
	return false
}
