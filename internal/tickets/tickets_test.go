package tickets

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"gopkg.in/guregu/null.v3"

	"screencore/internal/blob"
	"screencore/internal/events"
	"screencore/internal/isogen"
	"screencore/internal/transfection"
	"screencore/pkg/domain"
)

func testRequest(t *testing.T) domain.IsoRequest {
	t.Helper()
	layout := transfection.NewLayout(domain.Shape96)
	add := func(label string, typ transfection.PositionType, pool int, marker string) {
		pos, err := domain.ParseRackPosition(label)
		if err != nil {
			t.Fatalf("parse %s: %v", label, err)
		}
		p := &transfection.Position{Position: pos, Type: typ, PoolID: pool, Placeholder: marker, IsoVolume: null.FloatFrom(5)}
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
	rl, err := layout.ToRackLayout("tester", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("rack layout: %v", err)
	}
	return domain.IsoRequest{
		Label:              "screen",
		PlateSetLabel:      "screenset",
		ExpectedNumberIsos: 3,
		NumberAliquots:     2,
		IsoLayout:          rl,
		Lab: &domain.LabIsoDetails{
			ExperimentType: domain.ExperimentTypeScreen,
			DeliveryDate:   null.TimeFrom(time.Date(2024, 4, 2, 0, 0, 0, 0, time.UTC)),
			Comment:        null.StringFrom("urgent"),
		},
	}
}

func testPools() map[int]domain.MoleculeDesignPool {
	return map[int]domain.MoleculeDesignPool{
		205200: {ID: 205200, MoleculeType: domain.MoleculeTypeSIRNA, DefaultStockConcentration: 50000},
		205201: {ID: 205201, MoleculeType: domain.MoleculeTypeSIRNA, DefaultStockConcentration: 10000},
	}
}

func TestRequiredStockVolumes(t *testing.T) {
	volumes, err := RequiredStockVolumes(testRequest(t), testPools())
	if err != nil {
		t.Fatalf("volumes: %v", err)
	}
	want := []StockVolume{
		{Pool: "205200", Positions: 2, Concentration: 50000, VolumePerIso: 2, TotalVolume: 6},
		{Pool: "205201", Positions: 1, Concentration: 10000, VolumePerIso: 5, TotalVolume: 15},
		{Pool: "md_001", Positions: 1, Concentration: 50000, VolumePerIso: 1, TotalVolume: 1},
	}
	if len(volumes) != len(want) {
		t.Fatalf("unexpected volumes %+v", volumes)
	}
	for i := range want {
		if volumes[i] != want[i] {
			t.Fatalf("volume %d: got %+v, want %+v", i, volumes[i], want[i])
		}
	}
	summary, err := SummariseVolumes(volumes)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Total != 22 || summary.Largest != 15 || summary.Mean != 7.3 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if empty, err := SummariseVolumes(nil); err != nil || empty.Total != 0 {
		t.Fatalf("empty summary %+v %v", empty, err)
	}
}

func TestBuildDescription(t *testing.T) {
	req := testRequest(t)
	md := domain.ExperimentMetadata{Label: "screen", Type: domain.ExperimentTypeScreen, Subproject: "kinases", NumberReplicates: 2}
	text, err := BuildDescription(DescriptionInput{Metadata: md, Request: &req, Pools: testPools()})
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	for _, fragment := range []string{
		"Experiment metadata: screen",
		"Subproject: kinases",
		"Number of ISOs: 3",
		"Delivery date: 02.04.2024",
		"Comment: urgent",
		"ISO plate layout (8x12): 3 fixed, 1 floating, 1 mock",
		"205201: 15.0 µl (1 positions, 5.0 µl per ISO)",
		"Total: 22.0 µl, largest: 15.0 µl, mean: 7.3 µl",
	} {
		if !strings.Contains(text, fragment) {
			t.Fatalf("description lacks %q:\n%s", fragment, text)
		}
	}

	isoLess, err := BuildDescription(DescriptionInput{Metadata: domain.ExperimentMetadata{Label: "x", Type: domain.ExperimentTypeIsoLess}})
	if err != nil || strings.Contains(isoLess, "ISO request") {
		t.Fatalf("unexpected iso-less description %q (%v)", isoLess, err)
	}
}

func TestMemoryTrackerTransitions(t *testing.T) {
	ctx := context.Background()
	tr := NewMemoryTracker(100)
	n, err := tr.Open(ctx, Ticket{Summary: "screen", Reporter: "it"})
	if err != nil || n != 100 {
		t.Fatalf("open: %d %v", n, err)
	}
	steps := []struct {
		name string
		op   func() error
		want Status
		fail bool
	}{
		{"accept", func() error { return tr.Accept(ctx, n, "stockmanagement") }, StatusAccepted, false},
		{"reassign", func() error { return tr.Reassign(ctx, n, "it") }, StatusAssigned, false},
		{"reopen open ticket", func() error { return tr.Reopen(ctx, n, "") }, StatusAssigned, true},
		{"close", func() error { return tr.Close(ctx, n, "fixed") }, StatusClosed, false},
		{"close twice", func() error { return tr.Close(ctx, n, "fixed") }, StatusClosed, true},
		{"accept closed", func() error { return tr.Accept(ctx, n, "x") }, StatusClosed, true},
		{"reopen", func() error { return tr.Reopen(ctx, n, "new upload") }, StatusReopened, false},
	}
	for _, st := range steps {
		err := st.op()
		var te TransitionError
		if st.fail != errors.As(err, &te) {
			t.Fatalf("%s: unexpected error %v", st.name, err)
		}
		got, _ := tr.Get(ctx, n)
		if got.Status != st.want {
			t.Fatalf("%s: status %s, want %s", st.name, got.Status, st.want)
		}
	}
	if c := tr.Comments(n); len(c) != 1 || c[0] != "new upload" {
		t.Fatalf("unexpected comments %v", c)
	}
	if err := tr.Update(ctx, 999, Update{Summary: "x"}); !errors.As(err, new(ErrNotFound)) {
		t.Fatalf("expected not found, got %v", err)
	}
	assigned, _ := tr.Open(ctx, Ticket{Summary: "owned", Owner: "it"})
	if got, _ := tr.Get(ctx, assigned); got.Status != StatusAssigned {
		t.Fatalf("ticket with owner must start assigned, got %s", got.Status)
	}
}

func TestUploaderStoresAndAttachesReports(t *testing.T) {
	ctx := context.Background()
	store, err := blob.Open(ctx, blob.Config{Driver: blob.DriverMemory})
	if err != nil {
		t.Fatalf("blob: %v", err)
	}
	tr := NewMemoryTracker(1)
	n, _ := tr.Open(ctx, Ticket{Summary: "screen"})

	rec := events.NewRecorder("iso request", nil)
	rec.AddInfo("parsed")
	rec.AddWarning("The ISO layout has no floating positions.")
	moves := []isogen.TubeMove{{IsoLabel: "4711_iso1", TubeBarcode: "1000000001", PoolID: 205200, SourceRack: "02490001", SourcePosition: "A1", TargetRack: "02000001", TargetPosition: "A1", Volume: 2.5}}
	reports, err := UploadReport("screen", rec.Events(), []StockVolume{{Pool: "205200", Positions: 2, TotalVolume: 6}}, moves)
	if err != nil {
		t.Fatalf("reports: %v", err)
	}
	if len(reports) != 4 {
		t.Fatalf("expected 4 reports, got %d", len(reports))
	}
	if text := string(reports[1].Data); strings.Contains(text, "parsed") || !strings.Contains(text, "WARNING iso request: The ISO layout") {
		t.Fatalf("unexpected text log %q", text)
	}

	up := NewUploader(store, tr)
	atts, err := up.Upload(ctx, n, reports...)
	if err != nil || len(atts) != 4 {
		t.Fatalf("upload: %v %v", atts, err)
	}
	if _, err := up.Upload(ctx, n, reports[0]); err != nil {
		t.Fatalf("re-upload: %v", err)
	}
	got, _ := tr.Get(ctx, n)
	if len(got.Attachments) != 4 {
		t.Fatalf("re-upload must replace the attachment, got %d", len(got.Attachments))
	}

	_, rc, err := store.Get(ctx, AttachmentKey(n, "screen_stock_transfer.csv"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	back, err := ParseStockTransferCSV(data)
	if err != nil || len(back) != 1 || back[0] != moves[0] {
		t.Fatalf("stock transfer round trip: %+v %v", back, err)
	}
	if _, err := up.Upload(ctx, 0, reports[0]); err == nil {
		t.Fatalf("expected invalid ticket error")
	}
}

func TestEventLogCSV(t *testing.T) {
	rec := events.NewRecorder("layout parser", nil)
	rec.AddDebug("noise")
	rec.AddError(`Unknown code "x" in sheet ISO`)
	data, err := EventLogCSV(rec.Events(), events.LevelInfo)
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 || lines[0] != "level,stage,message" || !strings.HasPrefix(lines[1], "ERROR,layout parser,") {
		t.Fatalf("unexpected csv %q", data)
	}
}
