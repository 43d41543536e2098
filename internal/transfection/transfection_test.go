package transfection

import (
	"math"
	"testing"
	"time"

	"gopkg.in/guregu/null.v3"

	"screencore/pkg/domain"
)

func pos(t *testing.T, label string) domain.RackPosition {
	t.Helper()
	p, err := domain.ParseRackPosition(label)
	if err != nil {
		t.Fatalf("parse %s: %v", label, err)
	}
	return p
}

func TestClassifyPoolValue(t *testing.T) {
	cases := []struct {
		value string
		want  PositionType
		id    int
	}{
		{"", PositionEmpty, 0},
		{"Mock", PositionMock, 0},
		{"library", PositionLibrary, 0},
		{"untreated", PositionUntreated, 0},
		{"None", PositionUntreated, 0},
		{"untransfected", PositionUntransfected, 0},
		{"md_004", PositionFloating, 0},
		{"205200", PositionFixed, 205200},
	}
	for _, tc := range cases {
		got, id, err := ClassifyPoolValue(tc.value, "md_")
		if err != nil || got != tc.want || id != tc.id {
			t.Fatalf("%q: got %v %d %v", tc.value, got, id, err)
		}
	}
	if _, _, err := ClassifyPoolValue("abc", "md_"); err == nil {
		t.Fatalf("expected error for unknown value")
	}
}

func TestLayoutRackLayoutRoundTrip(t *testing.T) {
	layout := NewLayout(domain.Shape96)
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	must(layout.Add(&Position{Position: pos(t, "A1"), Type: PositionFixed, PoolID: 205200, IsoVolume: null.FloatFrom(10), IsoConcentration: null.FloatFrom(50), Supplier: null.StringFrom("Ambion")}))
	must(layout.Add(&Position{Position: pos(t, "A2"), Type: PositionFloating, Placeholder: "md_001", IsoVolume: null.FloatFrom(10), IsoConcentration: null.FloatFrom(50)}))
	must(layout.Add(&Position{Position: pos(t, "B1"), Type: PositionMock, IsoVolume: null.FloatFrom(10), ReagentName: null.StringFrom("RNAiMax")}))
	if err := layout.Add(&Position{Position: pos(t, "A1"), Type: PositionMock}); err == nil {
		t.Fatalf("expected duplicate position error")
	}
	rl, err := layout.ToRackLayout("tester", time.Now())
	if err != nil {
		t.Fatalf("to rack layout: %v", err)
	}
	back, err := FromRackLayout(rl)
	if err != nil {
		t.Fatalf("from rack layout: %v", err)
	}
	if back.Len() != 3 {
		t.Fatalf("expected 3 positions, got %d", back.Len())
	}
	fixed, _ := back.Get(pos(t, "A1"))
	if fixed.Type != PositionFixed || fixed.PoolID != 205200 || fixed.IsoConcentration.Float64 != 50 || fixed.Supplier.String != "Ambion" {
		t.Fatalf("fixed position lost data: %+v", fixed)
	}
	floating, _ := back.Get(pos(t, "A2"))
	if floating.Placeholder != "md_001" {
		t.Fatalf("floating marker lost: %+v", floating)
	}
	mock, _ := back.Get(pos(t, "B1"))
	if mock.IsoConcentration.Valid || mock.ReagentName.String != "RNAiMax" {
		t.Fatalf("mock position mismatch: %+v", mock)
	}
	if ids := back.FixedPoolIDs(); len(ids) != 1 || ids[0] != 205200 {
		t.Fatalf("unexpected fixed ids %v", ids)
	}
	if markers := back.FloatingMarkers(); len(markers) != 1 || markers[0] != "md_001" {
		t.Fatalf("unexpected markers %v", markers)
	}
}

func TestFromRackLayoutRejectsInconsistentLayouts(t *testing.T) {
	rl := domain.NewRackLayout(domain.Shape96)
	set := domain.NewRackPositionSet(pos(t, "A1"))
	_ = rl.AddTagged([]domain.Tag{domain.NewTag(TagDomain, string(ParamPool), "205200")}, set, "u", time.Now())
	if _, err := FromRackLayout(rl); err == nil {
		t.Fatalf("expected missing position type error")
	}
	_ = rl.AddTagged([]domain.Tag{domain.NewTag(TagDomain, "position type", "fixed"), domain.NewTag(TagDomain, string(ParamIsoVolume), "ten")}, set, "u", time.Now())
	if _, err := FromRackLayout(rl); err == nil {
		t.Fatalf("expected invalid volume error")
	}
}

func TestAttachPools(t *testing.T) {
	layout := NewLayout(domain.Shape96)
	_ = layout.Add(&Position{Position: pos(t, "A1"), Type: PositionFixed, PoolID: 1})
	_ = layout.Add(&Position{Position: pos(t, "A2"), Type: PositionFixed, PoolID: 2})
	missing := layout.AttachPools(map[int]domain.MoleculeDesignPool{1: {ID: 1, MoleculeType: domain.MoleculeTypeSIRNA}})
	if len(missing) != 1 || missing[0] != 2 {
		t.Fatalf("unexpected missing ids %v", missing)
	}
	p, _ := layout.Get(pos(t, "A1"))
	if p.Pool == nil || p.Pool.ID != 1 {
		t.Fatalf("pool not attached")
	}
}

func TestDilutionArithmetic(t *testing.T) {
	if got := IsoConcentration(10, domain.MoleculeTypeSIRNA); got != 420 {
		t.Fatalf("siRNA iso concentration: got %v want 420", got)
	}
	if got := IsoConcentration(10, domain.MoleculeTypeMIRNAInhib); got != 560 {
		t.Fatalf("miRNA iso concentration: got %v want 560", got)
	}
	if got := FinalConcentration(420, domain.MoleculeTypeSIRNA); math.Abs(got-10) > 1e-9 {
		t.Fatalf("final concentration: got %v", got)
	}
}

func TestParameterForPredicate(t *testing.T) {
	if p, ok := ParameterForPredicate("Pool ID"); !ok || p != ParamPool {
		t.Fatalf("alias not resolved: %v %v", p, ok)
	}
	if _, ok := ParameterForPredicate("cell line"); ok {
		t.Fatalf("unexpected parameter")
	}
}

func TestAssignedFloatingRoundTrip(t *testing.T) {
	layout := NewLayout(domain.Shape96)
	if err := layout.Add(&Position{Position: pos(t, "C3"), Type: PositionFloating, Placeholder: "md_002", PoolID: 330001, IsoVolume: null.FloatFrom(4)}); err != nil {
		t.Fatal(err)
	}
	rl, err := layout.ToRackLayout("tester", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	back, err := FromRackLayout(rl)
	if err != nil {
		t.Fatal(err)
	}
	p, _ := back.Get(pos(t, "C3"))
	if p.Type != PositionFloating || p.Placeholder != "md_002" || p.PoolID != 330001 {
		t.Fatalf("assigned floating position lost data: %+v", p)
	}
	if missing := back.AttachPools(map[int]domain.MoleculeDesignPool{330001: {ID: 330001, MoleculeType: domain.MoleculeTypeSIRNA}}); len(missing) != 0 || p.Pool == nil {
		t.Fatalf("expected the assigned pool to attach, missing %v", missing)
	}
}
