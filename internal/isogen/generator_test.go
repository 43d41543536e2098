package isogen

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"gopkg.in/guregu/null.v3"

	"screencore/internal/catalog"
	"screencore/internal/events"
	"screencore/internal/transfection"
	"screencore/pkg/domain"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func mustPos(t *testing.T, label string) domain.RackPosition {
	t.Helper()
	p, err := domain.ParseRackPosition(label)
	if err != nil {
		t.Fatalf("parse %s: %v", label, err)
	}
	return p
}

func sirnaPool(t *testing.T, id int) domain.MoleculeDesignPool {
	t.Helper()
	pool, err := domain.NewMoleculeDesignPool(id, []domain.MoleculeDesign{{ID: id * 10, MoleculeType: domain.MoleculeTypeSIRNA}}, 50000)
	if err != nil {
		t.Fatalf("pool %d: %v", id, err)
	}
	return pool
}

// testStock holds two fixed pools, seven floating pools and their tubes.
func testStock(t *testing.T) (*catalog.Memory, domain.MoleculeDesignPoolSet) {
	t.Helper()
	ctx := context.Background()
	cat := catalog.NewMemory(1)
	var floating []domain.MoleculeDesignPool
	for _, id := range []int{205200, 205201, 300001, 300002, 300003, 300004, 300005, 300006, 300007} {
		pool := sirnaPool(t, id)
		if err := cat.RegisterPool(ctx, pool); err != nil {
			t.Fatalf("register: %v", err)
		}
		if id >= 300000 {
			floating = append(floating, pool)
		}
	}
	tubes := []catalog.StockTube{
		{Barcode: "1000000001", RackBarcode: "02490001", Position: "A1", PoolID: 205200, Concentration: 50000, Volume: 30},
		{Barcode: "1000000002", RackBarcode: "02490002", Position: "A1", PoolID: 205200, Concentration: 50000, Volume: 50},
		{Barcode: "1000000003", RackBarcode: "02490001", Position: "B1", PoolID: 205201, Concentration: 50000, Volume: 40},
	}
	for i, pool := range floating {
		tubes = append(tubes, catalog.StockTube{
			Barcode:       fmt.Sprintf("20000000%02d", i+1),
			RackBarcode:   "02490003",
			Position:      domain.RackPosition{Row: i, Column: 0}.Label(),
			PoolID:        pool.ID,
			Concentration: 50000,
			Volume:        20,
		})
	}
	if err := cat.RegisterStockTubes(ctx, tubes...); err != nil {
		t.Fatalf("register tubes: %v", err)
	}
	set, err := domain.NewMoleculeDesignPoolSet(domain.MoleculeTypeSIRNA, floating...)
	if err != nil {
		t.Fatalf("pool set: %v", err)
	}
	return cat, set
}

func screenRequest(t *testing.T, set domain.MoleculeDesignPoolSet) *domain.IsoRequest {
	t.Helper()
	layout := transfection.NewLayout(domain.Shape96)
	add := func(label string, typ transfection.PositionType, pool int, marker string) {
		p := &transfection.Position{Position: mustPos(t, label), Type: typ, PoolID: pool, Placeholder: marker, IsoVolume: null.FloatFrom(5)}
		if typ != transfection.PositionMock {
			p.IsoConcentration = null.FloatFrom(5000)
		}
		if err := layout.Add(p); err != nil {
			t.Fatalf("add %s: %v", label, err)
		}
	}
	add("A1", transfection.PositionFixed, 205200, "")
	add("A2", transfection.PositionFixed, 205200, "")
	add("B1", transfection.PositionFixed, 205201, "")
	add("C1", transfection.PositionMock, 0, "")
	add("D1", transfection.PositionFloating, 0, "md_001")
	add("D2", transfection.PositionFloating, 0, "md_002")
	add("D3", transfection.PositionFloating, 0, "md_003")
	rl, err := layout.ToRackLayout("tester", testNow)
	if err != nil {
		t.Fatalf("rack layout: %v", err)
	}
	return &domain.IsoRequest{
		ID:                 "req-1",
		Kind:               domain.IsoRequestKindLab,
		Label:              "screen",
		PlateSetLabel:      "screenset",
		ExpectedNumberIsos: 3,
		NumberAliquots:     2,
		TicketNumber:       4711,
		IsoLayout:          rl,
		PoolSet:            &set,
		Lab:                &domain.LabIsoDetails{ExperimentType: domain.ExperimentTypeScreen},
	}
}

func newTestGenerator(cat StockSource) (*Generator, *events.Recorder) {
	rec := events.NewRecorder(StageName, nil)
	return NewGenerator(rec, cat, &SequenceBarcodes{Last: 2000000}, Options{User: "tester", Now: func() time.Time { return testNow }}), rec
}

func hasMessage(rec *events.Recorder, level events.Level, fragment string) bool {
	for _, m := range rec.Messages(level) {
		if strings.Contains(m, fragment) {
			return true
		}
	}
	return false
}

func TestGenerateBatchesFloatingPools(t *testing.T) {
	cat, set := testStock(t)
	req := screenRequest(t, set)
	gen, rec := newTestGenerator(cat)
	res, err := gen.Generate(context.Background(), Request{IsoRequest: req, Count: 2, RequestedTubes: []string{"1000000001"}})
	if err != nil {
		t.Fatalf("generate: %v (%v)", err, rec.Messages(events.LevelError))
	}
	if len(res.Isos) != 2 {
		t.Fatalf("expected 2 ISOs, got %d", len(res.Isos))
	}
	if res.Isos[0].Label != "4711_iso1" || res.Isos[1].Label != "4711_iso2" {
		t.Fatalf("unexpected labels %s %s", res.Isos[0].Label, res.Isos[1].Label)
	}
	want := [][]int{{300001, 300002, 300003}, {300004, 300005, 300006}}
	for i, iso := range res.Isos {
		got := iso.PoolSet.IDs()
		if fmt.Sprint(got) != fmt.Sprint(want[i]) {
			t.Fatalf("iso %d pools %v, want %v", i, got, want[i])
		}
		if iso.PreparationPlate == nil || iso.PreparationPlate.SpecsName != "STANDARD_96" {
			t.Fatalf("unexpected preparation plate %+v", iso.PreparationPlate)
		}
		if iso.PreparationPlate.Label != iso.Label+"_prep" {
			t.Fatalf("unexpected preparation label %s", iso.PreparationPlate.Label)
		}
		if len(iso.AliquotPlates) != 2 {
			t.Fatalf("expected 2 aliquot plates, got %d", len(iso.AliquotPlates))
		}
		if !domain.IsRackBarcode(iso.PreparationPlate.Barcode) {
			t.Fatalf("invalid barcode %s", iso.PreparationPlate.Barcode)
		}
	}
	if !hasMessage(rec, events.LevelWarning, "1 floating molecule design pools remain unused: 300007") {
		t.Fatalf("expected unused pool warning, got %v", rec.Messages(events.LevelWarning))
	}

	prep, err := PrepLayoutFromRackLayout(res.Isos[1].PreparationLayout)
	if err != nil {
		t.Fatalf("prep layout: %v", err)
	}
	a1, _ := prep.Get(mustPos(t, "A1"))
	if a1.TubeBarcode != "1000000001" {
		t.Fatalf("requested tube must replace the first candidate, got %s", a1.TubeBarcode)
	}
	if a1.Volume != 20 || a1.StockVolume != 2 {
		t.Fatalf("unexpected volumes %+v", a1)
	}
	d2, _ := prep.Get(mustPos(t, "D2"))
	if d2.PoolID != 300005 || d2.Placeholder != "md_002" || d2.TubeBarcode != "2000000005" {
		t.Fatalf("unexpected floating position %+v", d2)
	}

	buffer, ok := res.Series.Get(BufferWorklistIndex)
	if !ok || len(buffer.Transfers) != 7 {
		t.Fatalf("unexpected buffer worklist %+v", buffer)
	}
	stock, _ := res.Series.Get(StockTransferWorklistIndex)
	if len(stock.Transfers) != 6 {
		t.Fatalf("expected 6 stock transfers, got %d", len(stock.Transfers))
	}
	aliquot, ok := res.Series.Get(AliquotWorklistIndex)
	if !ok || aliquot.Type != domain.TransferRackSampleTransfer || aliquot.TotalVolume() != 5 {
		t.Fatalf("unexpected aliquot worklist %+v", aliquot)
	}
	if req.Series != res.Series {
		t.Fatalf("series must be stored on the request")
	}
	if len(res.TubeMoves) != 2+2*3 {
		t.Fatalf("expected 8 tube moves, got %d", len(res.TubeMoves))
	}
	if len(res.StockRacks) != 3 {
		t.Fatalf("expected one fixed and two floating stock racks, got %d", len(res.StockRacks))
	}
}

func TestGenerateSkipsConsumedPools(t *testing.T) {
	cat, set := testStock(t)
	req := screenRequest(t, set)
	used, _ := domain.NewMoleculeDesignPoolSet(domain.MoleculeTypeSIRNA, sirnaPool(t, 300001), sirnaPool(t, 300002), sirnaPool(t, 300003))
	cancelled, _ := domain.NewMoleculeDesignPoolSet(domain.MoleculeTypeSIRNA, sirnaPool(t, 300004))
	existing := []domain.Iso{
		{Label: "4711_iso1", Status: domain.IsoStatusDone, PoolSet: &used},
		{Label: "4711_iso2", Status: domain.IsoStatusCancelled, PoolSet: &cancelled},
	}
	gen, rec := newTestGenerator(cat)
	res, err := gen.Generate(context.Background(), Request{IsoRequest: req, Count: 2, ExistingIsos: existing})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(res.Isos) != 2 || res.Isos[0].Label != "4711_iso3" {
		t.Fatalf("unexpected isos %d %s", len(res.Isos), res.Isos[0].Label)
	}
	if got := fmt.Sprint(res.Isos[1].PoolSet.IDs()); got != "[300007]" {
		t.Fatalf("unexpected partial batch %s", got)
	}
	if !hasMessage(rec, events.LevelWarning, "only partially filled") {
		t.Fatalf("expected partial warning, got %v", rec.Messages(events.LevelWarning))
	}
	prep, _ := PrepLayoutFromRackLayout(res.Isos[1].PreparationLayout)
	if _, ok := prep.Get(mustPos(t, "D2")); ok {
		t.Fatalf("unfilled floating position must be removed")
	}
}

func TestRescheduleKeepsPoolSets(t *testing.T) {
	cat, set := testStock(t)
	req := screenRequest(t, set)
	gen, _ := newTestGenerator(cat)
	res, err := gen.Generate(context.Background(), Request{IsoRequest: req, Count: 2})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	copies := []domain.Iso{*res.Isos[0], *res.Isos[1]}
	gen, rec := newTestGenerator(cat)
	again, err := gen.Reschedule(context.Background(), RescheduleRequest{IsoRequest: req, Copies: copies})
	if err != nil {
		t.Fatalf("reschedule: %v (%v)", err, rec.Messages(events.LevelError))
	}
	if len(again.Isos) != 2 {
		t.Fatalf("expected 2 copies, got %d", len(again.Isos))
	}
	for i, iso := range again.Isos {
		if iso.Label != copies[i].Label+"_copy" {
			t.Fatalf("unexpected label %s", iso.Label)
		}
		if fmt.Sprint(iso.PoolSet.IDs()) != fmt.Sprint(copies[i].PoolSet.IDs()) {
			t.Fatalf("pool set changed: %v vs %v", iso.PoolSet.IDs(), copies[i].PoolSet.IDs())
		}
	}

	other := *copies[1].PreparationPlate
	other.SpecsName = domain.PlateSpecsDeep96.Name
	copies[1].PreparationPlate = &other
	gen, rec = newTestGenerator(cat)
	if _, err := gen.Reschedule(context.Background(), RescheduleRequest{IsoRequest: req, Copies: copies}); err == nil {
		t.Fatalf("expected specs mismatch error")
	}
	if !hasMessage(rec, events.LevelError, "different preparation plate specs") {
		t.Fatalf("unexpected errors %v", rec.Messages(events.LevelError))
	}
}

func TestRescheduleKeepsPlaceholdersInCallerOrder(t *testing.T) {
	tests := []struct {
		name  string
		order []int
	}{
		{name: "ascending", order: []int{0, 1}},
		{name: "descending", order: []int{1, 0}},
		{name: "single second", order: []int{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, set := testStock(t)
			req := screenRequest(t, set)
			gen, _ := newTestGenerator(cat)
			res, err := gen.Generate(context.Background(), Request{IsoRequest: req, Count: 2})
			if err != nil {
				t.Fatalf("generate: %v", err)
			}
			var copies []domain.Iso
			for _, i := range tt.order {
				copies = append(copies, *res.Isos[i])
			}
			gen, rec := newTestGenerator(cat)
			again, err := gen.Reschedule(context.Background(), RescheduleRequest{IsoRequest: req, Copies: copies})
			if err != nil {
				t.Fatalf("reschedule: %v (%v)", err, rec.Messages(events.LevelError))
			}
			if len(again.Isos) != len(copies) {
				t.Fatalf("expected %d copies, got %d", len(copies), len(again.Isos))
			}
			for i, iso := range again.Isos {
				if iso.Label != copies[i].Label+"_copy" {
					t.Fatalf("copy %d: unexpected label %s", i, iso.Label)
				}
				if fmt.Sprint(iso.PoolSet.IDs()) != fmt.Sprint(copies[i].PoolSet.IDs()) {
					t.Fatalf("copy %s pools %v, original %v", iso.Label, iso.PoolSet.IDs(), copies[i].PoolSet.IDs())
				}
				orig, err := PrepLayoutFromRackLayout(copies[i].PreparationLayout)
				if err != nil {
					t.Fatalf("original prep: %v", err)
				}
				copied, err := PrepLayoutFromRackLayout(iso.PreparationLayout)
				if err != nil {
					t.Fatalf("copy prep: %v", err)
				}
				for _, label := range []string{"D1", "D2", "D3"} {
					a, _ := orig.Get(mustPos(t, label))
					b, ok := copied.Get(mustPos(t, label))
					if !ok || a.PoolID != b.PoolID || a.Placeholder != b.Placeholder {
						t.Fatalf("copy %s %s: got %+v, original %+v", iso.Label, label, b, a)
					}
				}
			}
		})
	}
}

func TestRescheduleRejectsDuplicateCopies(t *testing.T) {
	cat, set := testStock(t)
	req := screenRequest(t, set)
	gen, _ := newTestGenerator(cat)
	res, err := gen.Generate(context.Background(), Request{IsoRequest: req, Count: 1})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	gen, rec := newTestGenerator(cat)
	copies := []domain.Iso{*res.Isos[0], *res.Isos[0]}
	if _, err := gen.Reschedule(context.Background(), RescheduleRequest{IsoRequest: req, Copies: copies}); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if !hasMessage(rec, events.LevelError, "listed twice") {
		t.Fatalf("unexpected errors %v", rec.Messages(events.LevelError))
	}
}

func TestStockTransfersReadTheirPool(t *testing.T) {
	tests := []struct {
		name     string
		count    int
		existing []int
	}{
		{name: "two full ISOs", count: 2},
		{name: "partial ISO", count: 2, existing: []int{300001, 300002, 300003, 300004, 300005}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, set := testStock(t)
			req := screenRequest(t, set)
			var existing []domain.Iso
			if len(tt.existing) > 0 {
				var pools []domain.MoleculeDesignPool
				for _, id := range tt.existing {
					pools = append(pools, sirnaPool(t, id))
				}
				used, _ := domain.NewMoleculeDesignPoolSet(domain.MoleculeTypeSIRNA, pools...)
				existing = []domain.Iso{{Label: "4711_iso1", Status: domain.IsoStatusDone, PoolSet: &used}}
			}
			gen, rec := newTestGenerator(cat)
			res, err := gen.Generate(context.Background(), Request{IsoRequest: req, Count: tt.count, ExistingIsos: existing})
			if err != nil {
				t.Fatalf("generate: %v (%v)", err, rec.Messages(events.LevelError))
			}
			racks := make(map[string]*domain.Rack)
			for _, rack := range res.StockRacks {
				racks[rack.Barcode] = rack
			}
			type slot struct{ rack, position string }
			held := make(map[slot]int)
			for _, m := range res.TubeMoves {
				held[slot{m.TargetRack, m.TargetPosition}] = m.PoolID
			}
			stock, ok := res.Series.Get(StockTransferWorklistIndex)
			if !ok {
				t.Fatalf("missing stock transfer worklist")
			}
			for _, iso := range res.Isos {
				prep, err := PrepLayoutFromRackLayout(iso.PreparationLayout)
				if err != nil {
					t.Fatalf("prep: %v", err)
				}
				for _, transfer := range stock.Transfers {
					st, ok := transfer.(domain.SampleTransfer)
					if !ok {
						t.Fatalf("unexpected transfer %T", transfer)
					}
					target, ok := prep.Get(st.Target)
					if !ok {
						continue
					}
					var found []int
					for _, barcode := range iso.StockRacks {
						rack, ok := racks[barcode]
						if !ok {
							continue
						}
						if _, ok := rack.ContainerAt(st.Source); ok {
							found = append(found, held[slot{barcode, st.Source.Label()}])
						}
					}
					if len(found) != 1 || found[0] != target.PoolID {
						t.Fatalf("%s transfer %s->%s: stock racks hold pools %v, target needs %d", iso.Label, st.Source.Label(), st.Target.Label(), found, target.PoolID)
					}
				}
			}
		})
	}
}

func TestTubesMoveOnce(t *testing.T) {
	tests := []struct {
		name       string
		count      int
		reschedule bool
	}{
		{name: "one ISO", count: 1},
		{name: "two ISOs", count: 2},
		{name: "rescheduled copies", count: 2, reschedule: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, set := testStock(t)
			req := screenRequest(t, set)
			gen, rec := newTestGenerator(cat)
			res, err := gen.Generate(context.Background(), Request{IsoRequest: req, Count: tt.count})
			if err != nil {
				t.Fatalf("generate: %v (%v)", err, rec.Messages(events.LevelError))
			}
			if tt.reschedule {
				copies := []domain.Iso{*res.Isos[1], *res.Isos[0]}
				gen, rec = newTestGenerator(cat)
				if res, err = gen.Reschedule(context.Background(), RescheduleRequest{IsoRequest: req, Copies: copies}); err != nil {
					t.Fatalf("reschedule: %v (%v)", err, rec.Messages(events.LevelError))
				}
			}
			tubes := make(map[string]string)
			slots := make(map[string]string)
			for _, m := range res.TubeMoves {
				at := m.TargetRack + ":" + m.TargetPosition
				if prev, ok := tubes[m.TubeBarcode]; ok {
					t.Fatalf("tube %s moved to %s and %s", m.TubeBarcode, prev, at)
				}
				tubes[m.TubeBarcode] = at
				if prev, ok := slots[at]; ok {
					t.Fatalf("slot %s receives tubes %s and %s", at, prev, m.TubeBarcode)
				}
				slots[at] = m.TubeBarcode
			}
			fixed := 0
			for _, m := range res.TubeMoves {
				if m.PoolID == 205200 {
					fixed++
					if m.IsoLabel != "4711" || m.Volume != 2*2*float64(tt.count) {
						t.Fatalf("unexpected fixed tube move %+v", m)
					}
				}
			}
			if fixed != 1 {
				t.Fatalf("expected one tube of the fixed pool, got %d", fixed)
			}
		})
	}
}

func TestGenerateManualWithoutFloatings(t *testing.T) {
	cat, _ := testStock(t)
	layout := transfection.NewLayout(domain.Shape96)
	for _, label := range []string{"A1", "B1"} {
		p := &transfection.Position{Position: mustPos(t, label), Type: transfection.PositionFixed, PoolID: 205201, IsoVolume: null.FloatFrom(10), IsoConcentration: null.FloatFrom(5000)}
		if err := layout.Add(p); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	rl, err := layout.ToRackLayout("tester", testNow)
	if err != nil {
		t.Fatalf("rack layout: %v", err)
	}
	req := &domain.IsoRequest{
		Label:          "manual",
		PlateSetLabel:  "manualset",
		NumberAliquots: 1,
		IsoLayout:      rl,
		Lab:            &domain.LabIsoDetails{ExperimentType: domain.ExperimentTypeManual},
	}
	gen, rec := newTestGenerator(cat)
	res, err := gen.Generate(context.Background(), Request{IsoRequest: req, Count: 3})
	if err != nil {
		t.Fatalf("generate: %v (%v)", err, rec.Messages(events.LevelError))
	}
	if len(res.Isos) != 1 || res.Isos[0].Label != "manual_iso1" {
		t.Fatalf("expected one ISO, got %d", len(res.Isos))
	}
	if !hasMessage(rec, events.LevelWarning, "no floating positions") {
		t.Fatalf("expected clamp warning")
	}
	iso := res.Isos[0]
	if iso.PreparationPlate.Label != "manualset" || len(iso.AliquotPlates) != 0 || iso.PoolSet != nil {
		t.Fatalf("unexpected manual ISO %+v", iso)
	}
	if res.Series.Len() != 2 {
		t.Fatalf("manual series must not carry an aliquot worklist")
	}
	w, _ := res.Series.Get(StockTransferWorklistIndex)
	if w.Specs != domain.PipettingSpecsManual {
		t.Fatalf("unexpected pipetting specs %v", w.Specs)
	}
}

func TestGenerateMissingFixedTube(t *testing.T) {
	cat, set := testStock(t)
	req := screenRequest(t, set)
	gen, rec := newTestGenerator(cat)
	_, err := gen.Generate(context.Background(), Request{IsoRequest: req, Count: 1, ExcludedRacks: []string{"02490001"}})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !hasMessage(rec, events.LevelError, "fixed molecule design pools: 205201") {
		t.Fatalf("unexpected errors %v", rec.Messages(events.LevelError))
	}
}

func TestGenerateRejectsNonPositiveCount(t *testing.T) {
	cat, set := testStock(t)
	gen, _ := newTestGenerator(cat)
	if _, err := gen.Generate(context.Background(), Request{IsoRequest: screenRequest(t, set), Count: 0}); err == nil {
		t.Fatalf("expected error")
	}
}
