package workbook

import (
	"strings"
	"testing"

	"screencore/internal/events"
)

func TestCellValueCoercion(t *testing.T) {
	sheet := NewMemorySheet("ISO").
		SetRow(0, 0, 3.0, 2.5, "  text ", "", "12", "1.25", "NaN", 7)
	rec := events.NewRecorder("workbook", nil)
	r := NewReader(NewMemoryWorkbook(sheet), rec)
	cases := []struct {
		col  int
		want any
	}{
		{0, 3},
		{1, 2.5},
		{2, "text"},
		{3, nil},
		{4, 12},
		{5, 1.25},
		{6, "NaN"},
		{7, 7},
		{20, nil},
	}
	for _, tc := range cases {
		if got := r.CellValue(sheet, 0, tc.col); got != tc.want {
			t.Fatalf("col %d: got %#v want %#v", tc.col, got, tc.want)
		}
	}
	if rec.HasErrors() {
		t.Fatalf("unexpected errors %v", rec.Messages(events.LevelError))
	}
}

func TestCellValueRejectsNonASCII(t *testing.T) {
	sheet := NewMemorySheet("SEEDING").Set(1, 1, "µl")
	rec := events.NewRecorder("workbook", nil)
	r := NewReader(NewMemoryWorkbook(sheet), rec)
	if v := r.CellValue(sheet, 1, 1); v != nil {
		t.Fatalf("expected nil, got %v", v)
	}
	msgs := rec.Messages(events.LevelError)
	if len(msgs) != 1 || !strings.Contains(msgs[0], "unknown character in cell B2") {
		t.Fatalf("unexpected messages %v", msgs)
	}
}

func TestSheetByNameCaseForms(t *testing.T) {
	rec := events.NewRecorder("workbook", nil)
	r := NewReader(NewMemoryWorkbook(NewMemorySheet("seeding"), NewMemorySheet("ISO")), rec)
	if r.SheetByName("SEEDING", false) == nil {
		t.Fatalf("expected lower-case match")
	}
	if r.SheetByName("iso", false) == nil {
		t.Fatalf("expected upper-case match")
	}
	if r.SheetByName("Assay", false) != nil || rec.HasErrors() {
		t.Fatalf("optional lookup must not record errors")
	}
	if r.SheetByName("Assay", true) != nil || !rec.HasErrors() {
		t.Fatalf("required lookup must record an error")
	}
}

func TestCellName(t *testing.T) {
	for _, tc := range []struct {
		row, col int
		want     string
	}{
		{0, 0, "A1"},
		{1, 1, "B2"},
		{9, 25, "Z10"},
		{0, 26, "AA1"},
		{4, 27, "AB5"},
	} {
		if got := CellName(tc.row, tc.col); got != tc.want {
			t.Fatalf("CellName(%d,%d) = %s, want %s", tc.row, tc.col, got, tc.want)
		}
	}
}

func TestColourPalette(t *testing.T) {
	sheet := NewMemorySheet("ISO").Set(0, 0, "x").SetColour(0, 0, Colour{Pattern: 10, Background: 65})
	r := NewReader(NewMemoryWorkbook(sheet), events.NewRecorder("workbook", nil))
	if IsWithoutColour(r.CellColour(sheet, 0, 0)) {
		t.Fatalf("coloured cell reported as empty palette")
	}
	if !IsWithoutColour(r.CellColour(sheet, 3, 3)) {
		t.Fatalf("uncoloured cell must report the empty palette")
	}
}

func TestOpenRejectsUnreadableStream(t *testing.T) {
	rec := events.NewRecorder("workbook", nil)
	if r := Open([]byte("definitely not an excel file"), rec); r != nil {
		t.Fatalf("expected nil reader")
	}
	if len(rec.Messages(events.LevelCritical)) != 1 {
		t.Fatalf("expected a critical event, got %v", rec.Events())
	}
}

func TestDump(t *testing.T) {
	sheet := NewMemorySheet("s").Set(0, 1, 1).Set(1, 0, "A")
	got := Dump(sheet)
	if len(got) != 2 || got[0] != "A2=A" || got[1] != "B1=1" {
		t.Fatalf("unexpected dump %v", got)
	}
}
