package isorequest

import (
	"context"
	"strings"
	"testing"
	"time"

	"screencore/internal/catalog"
	"screencore/internal/events"
	"screencore/internal/transfection"
	"screencore/internal/workbook"
	"screencore/pkg/domain"
)

func putLayout(s *workbook.MemorySheet, r, c int, shape domain.RackShape, codes map[string]any) {
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

func fixedNow() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

func pool(t *testing.T, id int, molType domain.MoleculeType) domain.MoleculeDesignPool {
	t.Helper()
	p, err := domain.NewMoleculeDesignPool(id, []domain.MoleculeDesign{{ID: id * 10, MoleculeType: molType}}, 0)
	if err != nil {
		t.Fatalf("pool %d: %v", id, err)
	}
	return p
}

func testCatalog(t *testing.T) *catalog.Memory {
	t.Helper()
	ctx := context.Background()
	c := catalog.NewMemory(1)
	for _, id := range []int{205200, 205201, 205202} {
		if err := c.RegisterPool(ctx, pool(t, id, domain.MoleculeTypeSIRNA)); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.RegisterPool(ctx, pool(t, 180005, domain.MoleculeTypeMIRNAMimic)); err != nil {
		t.Fatal(err)
	}
	var lib []int
	for id := 300001; id <= 300012; id++ {
		if err := c.RegisterPool(ctx, pool(t, id, domain.MoleculeTypeSIRNA)); err != nil {
			t.Fatal(err)
		}
		lib = append(lib, id)
	}
	if err := c.RegisterLibrary(ctx, "screenlib", lib); err != nil {
		t.Fatal(err)
	}
	return c
}

// screenSheet holds three fixed pools and five "sample" cells.
func screenSheet() *workbook.MemorySheet {
	s := workbook.NewMemorySheet("ISO").
		SetRow(0, 0, "PLATE SET LABEL", "testset").
		SetRow(1, 0, "ISO VOLUME", 10).
		SetRow(2, 0, "ISO CONCENTRATION", 50).
		SetRow(3, 0, "REAGENT NAME", "RNAiMax").
		SetRow(4, 0, "REAGENT DILUTION FACTOR", 1400).
		SetRow(5, 0, "DELIVERY DATE", "dd.mm.yyyy").
		SetRow(6, 0, "COMMENT", "optional").
		SetRow(8, 0, "FACTOR", "CODE", "Molecule design pool ID").
		SetRow(9, 0, "LEVEL", 1, 205200).
		SetRow(10, 1, 2, 205201).
		SetRow(11, 1, 3, 205202).
		SetRow(12, 1, 4, "sample")
	putLayout(s, 14, 0, domain.Shape96, map[string]any{
		"A1": 1, "A2": 2, "A3": 3,
		"B1": 4, "B2": 4, "B3": 4, "B4": 4, "B5": 4,
	})
	return s
}

func parse(t *testing.T, opts Options, sheet *workbook.MemorySheet) (*Result, error, *events.Recorder) {
	t.Helper()
	rec := events.NewRecorder(StageName, nil)
	if opts.Now == nil {
		opts.Now = fixedNow
	}
	res, err := NewHandler(rec, testCatalog(t), opts).Parse(context.Background(), workbook.NewMemoryWorkbook(sheet))
	return res, err, rec
}

func hasError(rec *events.Recorder, fragment string) bool {
	for _, m := range rec.Messages(events.LevelError) {
		if strings.Contains(m, fragment) {
			return true
		}
	}
	return false
}

func TestParseScreenWithFloatings(t *testing.T) {
	res, err, _ := parse(t, Options{
		ExperimentType: domain.ExperimentTypeScreen,
		Label:          "screen1",
		TicketNumber:   123,
	}, screenSheet().SetRow(7, 0, "MOLECULE DESIGN LIBRARY", "screenlib"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	req := res.IsoRequest
	if req.Kind != domain.IsoRequestKindLab || req.PlateSetLabel != "testset" || req.NumberAliquots != 1 {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Lab.DeliveryDate.Valid || req.Lab.Comment.Valid {
		t.Fatalf("placeholder values must be ignored: %+v", req.Lab)
	}
	if req.ExpectedNumberIsos != 3 {
		t.Fatalf("12 floating pools over 5 placeholders need 3 ISOs, got %d", req.ExpectedNumberIsos)
	}
	if res.MoleculeType != domain.MoleculeTypeSIRNA || res.FloatingPoolSet == nil || res.FloatingPoolSet.Len() != 12 {
		t.Fatalf("unexpected pool set %+v", res.FloatingPoolSet)
	}

	fixed := res.Layout.PositionsOfType(transfection.PositionFixed)
	if len(fixed) != 3 || fixed[0].PoolID != 205200 || fixed[0].Pool == nil {
		t.Fatalf("unexpected fixed positions %+v", fixed)
	}
	markers := res.Layout.FloatingMarkers()
	want := []string{"md_001", "md_002", "md_003", "md_004", "md_005"}
	if strings.Join(markers, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected markers %v", markers)
	}
	b1, _ := res.Layout.Get(domain.RackPosition{Row: 1, Column: 0})
	if b1.Placeholder != "md_001" || b1.IsoVolume.Float64 != 10 || b1.IsoConcentration.Float64 != 50 || b1.ReagentName.String != "RNAiMax" {
		t.Fatalf("defaults not applied: %+v", b1)
	}

	back, err := transfection.FromRackLayout(req.IsoLayout)
	if err != nil {
		t.Fatalf("iso layout does not convert back: %v", err)
	}
	if back.Len() != 8 || len(back.FloatingMarkers()) != 5 {
		t.Fatalf("unexpected stored layout: %d positions", back.Len())
	}
}

func TestParseFloatingsWithoutPoolSetWarns(t *testing.T) {
	res, err, rec := parse(t, Options{ExperimentType: domain.ExperimentTypeScreen}, screenSheet())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.IsoRequest.ExpectedNumberIsos != 1 {
		t.Fatalf("expected one ISO without pool set, got %d", res.IsoRequest.ExpectedNumberIsos)
	}
	if len(rec.Warnings()) == 0 {
		t.Fatalf("expected a warning about the missing pool set")
	}
}

func TestParseDerivesIsoConcentration(t *testing.T) {
	s := workbook.NewMemorySheet("ISO").
		SetRow(0, 0, "PLATE SET LABEL", "opti").
		SetRow(1, 0, "ISO VOLUME", 5).
		SetRow(2, 0, "FINAL CONCENTRATION", 10).
		SetRow(3, 0, "REAGENT NAME", "RNAiMax").
		SetRow(4, 0, "REAGENT DILUTION FACTOR", 1400).
		SetRow(5, 0, "DELIVERY DATE", 45371).
		SetRow(7, 0, "FACTOR", "CODE", "pool").
		SetRow(8, 0, "LEVEL", "a", 205200).
		SetRow(9, 1, "b", "mock").
		SetRow(10, 1, "c", "untreated")
	putLayout(s, 12, 0, domain.Shape96, map[string]any{"A1": "a", "A2": "b", "A3": "c"})
	res, err, _ := parse(t, Options{ExperimentType: domain.ExperimentTypeOpti}, s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	a1, _ := res.Layout.Get(domain.RackPosition{Row: 0, Column: 0})
	if a1.IsoConcentration.Float64 != 420 {
		t.Fatalf("expected 10 nM * 42 = 420 nM, got %v", a1.IsoConcentration)
	}
	mock, _ := res.Layout.Get(domain.RackPosition{Row: 0, Column: 1})
	if mock.Type != transfection.PositionMock || mock.IsoConcentration.Valid || mock.FinalConcentration.Valid || !mock.IsoVolume.Valid {
		t.Fatalf("unexpected mock position %+v", mock)
	}
	untreated, _ := res.Layout.Get(domain.RackPosition{Row: 0, Column: 2})
	if untreated.Type != transfection.PositionUntreated || untreated.IsoVolume.Valid {
		t.Fatalf("unexpected untreated position %+v", untreated)
	}
	want := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	if !res.IsoRequest.Lab.DeliveryDate.Time.Equal(want) {
		t.Fatalf("expected Excel serial date %v, got %v", want, res.IsoRequest.Lab.DeliveryDate.Time)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name  string
		opts  Options
		sheet func() *workbook.MemorySheet
		want  string
	}{
		{
			name: "default and layout",
			opts: Options{ExperimentType: domain.ExperimentTypeScreen},
			sheet: func() *workbook.MemorySheet {
				s := screenSheet()
				s.Set(8, 3, "iso volume").Set(9, 3, 5)
				return s
			},
			want: `The parameter "iso volume" is specified as metadata default and as layout`,
		},
		{
			name: "unknown pool",
			opts: Options{ExperimentType: domain.ExperimentTypeScreen},
			sheet: func() *workbook.MemorySheet {
				return screenSheet().Set(11, 2, 999999)
			},
			want: "The following molecule design pool IDs are unknown: 999999.",
		},
		{
			name: "missing plate set label",
			opts: Options{ExperimentType: domain.ExperimentTypeScreen},
			sheet: func() *workbook.MemorySheet {
				return screenSheet().Set(0, 1, "optional")
			},
			want: `The metadata specifier "PLATE SET LABEL" is required`,
		},
		{
			name:  "floatings in manual",
			opts:  Options{ExperimentType: domain.ExperimentTypeManual},
			sheet: func() *workbook.MemorySheet { return manualSheet().SetRow(7, 1, 2, "sample").Set(10, 3, 2) },
			want:  "Floating positions are not allowed for MANUAL experiments",
		},
		{
			name:  "key not allowed",
			opts:  Options{ExperimentType: domain.ExperimentTypeManual},
			sheet: func() *workbook.MemorySheet { return manualSheet().SetRow(3, 0, "REAGENT NAME", "RNAiMax") },
			want:  `The metadata specifier "REAGENT NAME" is not allowed for MANUAL experiments.`,
		},
		{
			name:  "unknown key",
			opts:  Options{ExperimentType: domain.ExperimentTypeManual},
			sheet: func() *workbook.MemorySheet { return manualSheet().SetRow(3, 0, "PLATE COLOUR", "red") },
			want:  `Unknown metadata specifier "PLATE COLOUR" in cell A4`,
		},
		{
			name: "mixed molecule types",
			opts: Options{ExperimentType: domain.ExperimentTypeScreen},
			sheet: func() *workbook.MemorySheet {
				return screenSheet().Set(11, 2, 180005)
			},
			want: "All molecule design pools must have the same molecule type. Found: MIRNA_MIMI, SIRNA.",
		},
		{
			name: "bad delivery date",
			opts: Options{ExperimentType: domain.ExperimentTypeScreen},
			sheet: func() *workbook.MemorySheet {
				return screenSheet().Set(5, 1, "2024-03-20")
			},
			want: "must have the format dd.mm.yyyy",
		},
		{
			name:  "missing concentration",
			opts:  Options{ExperimentType: domain.ExperimentTypeManual},
			sheet: func() *workbook.MemorySheet { return manualSheet().Set(2, 1, "") },
			want:  "The following positions lack a iso concentration: A1, A2.",
		},
		{
			name: "parameter without pool",
			opts: Options{ExperimentType: domain.ExperimentTypeManual},
			sheet: func() *workbook.MemorySheet {
				s := manualSheet().Set(1, 1, "")
				s.Set(5, 3, "volume").Set(6, 3, 4).Set(7, 1, 2).Set(7, 3, 4)
				putLayout(s, 9, 0, domain.Shape96, map[string]any{"A1": 1, "A2": 1, "H12": 2})
				return s
			},
			want: "Some positions have parameter values but no molecule design pool: H12.",
		},
		{
			name:  "no iso request for iso-less",
			opts:  Options{ExperimentType: domain.ExperimentTypeIsoLess},
			sheet: manualSheet,
			want:  "Experiments of type ISO-LESS do not have an ISO request.",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err, rec := parse(t, tc.opts, tc.sheet())
			if err == nil {
				t.Fatalf("expected an error")
			}
			if !hasError(rec, tc.want) {
				t.Fatalf("missing %q in %v", tc.want, rec.Messages(events.LevelError))
			}
		})
	}
}

func manualSheet() *workbook.MemorySheet {
	s := workbook.NewMemorySheet("ISO").
		SetRow(0, 0, "PLATE SET LABEL", "manual").
		SetRow(1, 0, "ISO VOLUME", 5).
		SetRow(2, 0, "ISO CONCENTRATION", 1000).
		SetRow(5, 0, "FACTOR", "CODE", "pool id").
		SetRow(6, 0, "LEVEL", 1, 205200)
	putLayout(s, 9, 0, domain.Shape96, map[string]any{"A1": 1, "A2": 1})
	return s
}

func TestParseManual(t *testing.T) {
	res, err, _ := parse(t, Options{ExperimentType: domain.ExperimentTypeManual}, manualSheet().SetRow(3, 0, "NUMBER OF ALIQUOTS", 2))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.IsoRequest.NumberAliquots != 2 || res.Layout.Len() != 2 || res.IsoRequest.ExpectedNumberIsos != 1 {
		t.Fatalf("unexpected result %+v", res.IsoRequest)
	}
}
