package domain

import (
	"encoding/json"
	"testing"
)

func TestRackPositionLabels(t *testing.T) {
	cases := map[string]RackPosition{
		"A1":   {Row: 0, Column: 0},
		"H12":  {Row: 7, Column: 11},
		"P24":  {Row: 15, Column: 23},
		"AF48": {Row: 31, Column: 47},
	}
	for label, want := range cases {
		got, err := ParseRackPosition(label)
		if err != nil {
			t.Fatalf("parse %s: %v", label, err)
		}
		if got != want {
			t.Fatalf("parse %s: got %+v want %+v", label, got, want)
		}
		if got.Label() != label {
			t.Fatalf("label round trip: %s -> %s", label, got.Label())
		}
	}
	for _, bad := range []string{"", "1A", "A0", "ABC1"} {
		if _, err := ParseRackPosition(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
	if RowLetters(25) != "Z" || RowLetters(26) != "AA" {
		t.Fatalf("unexpected row letters %s %s", RowLetters(25), RowLetters(26))
	}
}

func TestRackShapeParse(t *testing.T) {
	shape, err := ParseRackShape("16x24")
	if err != nil || shape != Shape384 {
		t.Fatalf("expected 384 shape, got %v %v", shape, err)
	}
	if shape.Size() != 384 {
		t.Fatalf("unexpected size %d", shape.Size())
	}
	if _, err := ParseRackShape("8by12"); err == nil {
		t.Fatalf("expected parse error")
	}
	if Shape96.Contains(RackPosition{Row: 8, Column: 0}) {
		t.Fatalf("row 8 is outside a 96 well plate")
	}
}

func TestRackPositionSetHashRoundTrip(t *testing.T) {
	a := mustPos(t, "A1")
	b := mustPos(t, "C5")
	c := mustPos(t, "H12")
	set := NewRackPositionSet(c, a, b, a)
	if set.Len() != 3 {
		t.Fatalf("duplicates must collapse, got %d", set.Len())
	}
	if got := set.Positions(); got[0] != a || got[2] != c {
		t.Fatalf("positions must be row-major, got %v", got)
	}
	if !set.Equal(NewRackPositionSet(a, b, c)) {
		t.Fatalf("equal sets must share a hash")
	}
	decoded, err := DecodeRackPositionSet(set.Hash())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Equal(set) || !decoded.Contains(b) || decoded.Contains(mustPos(t, "B2")) {
		t.Fatalf("decoded set mismatch: %v", decoded.Positions())
	}
	raw, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back RackPositionSet
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(set) {
		t.Fatalf("json round trip mismatch")
	}
	empty := NewRackPositionSet()
	if empty.Hash() != "_0_0" {
		t.Fatalf("unexpected empty hash %q", empty.Hash())
	}
	if _, err := DecodeRackPositionSet("zz_1_1"); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestIsRackBarcode(t *testing.T) {
	if !IsRackBarcode("02481966") {
		t.Fatalf("expected valid barcode")
	}
	for _, bad := range []string{"2481966", "00481966", "0248196a", "024819660"} {
		if IsRackBarcode(bad) {
			t.Fatalf("expected %q to be invalid", bad)
		}
	}
}

func TestTubeRackMoves(t *testing.T) {
	src, err := NewTubeRack("02000001", "src", Shape96)
	if err != nil {
		t.Fatalf("rack: %v", err)
	}
	dst, err := NewTubeRack("02000002", "dst", Shape96)
	if err != nil {
		t.Fatalf("rack: %v", err)
	}
	a1, b1 := mustPos(t, "A1"), mustPos(t, "B1")
	if err := src.AddTube(NewTube("1000"), a1); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := src.AddTube(NewTube("1001"), a1); err == nil {
		t.Fatalf("expected occupied error")
	}
	if err := src.AddTube(NewTube("1002"), RackPosition{Row: 8}); err == nil {
		t.Fatalf("expected out of range error")
	}
	if err := src.MoveTube(b1, dst, a1); err == nil {
		t.Fatalf("expected empty source error")
	}
	if err := src.MoveTube(a1, dst, b1); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, ok := src.ContainerAt(a1); ok {
		t.Fatalf("source must be empty after move")
	}
	if tube, ok := dst.ContainerAt(b1); !ok || tube.Barcode != "1000" {
		t.Fatalf("tube not at target")
	}
	plate, err := NewPlate("02000003", "prep", PlateSpecsStandard96)
	if err != nil {
		t.Fatalf("plate: %v", err)
	}
	if len(plate.Positions()) != 96 {
		t.Fatalf("plate must own 96 wells")
	}
	if err := plate.AddTube(NewTube("1003"), a1); err == nil {
		t.Fatalf("plates must reject tubes")
	}
	if _, err := NewPlate("123", "bad", PlateSpecsStandard96); err == nil {
		t.Fatalf("expected barcode error")
	}
}

func TestRackJSONRoundTrip(t *testing.T) {
	rack, _ := NewTubeRack("02000010", "stock", Shape96)
	tube := NewTube("1000")
	pool, _ := NewMoleculeDesignPool(205200, []MoleculeDesign{{ID: 1, MoleculeType: MoleculeTypeSIRNA}, {ID: 2, MoleculeType: MoleculeTypeSIRNA}}, 0)
	sample := NewStockSample(50, pool, "Ambion", 10000)
	tube.Sample = &sample
	if err := rack.AddTube(tube, mustPos(t, "C3")); err != nil {
		t.Fatalf("add: %v", err)
	}
	raw, err := json.Marshal(rack)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Rack
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, ok := back.ContainerAt(mustPos(t, "C3"))
	if !ok || got.Sample == nil || got.Sample.Stock.PoolID != 205200 {
		t.Fatalf("container lost in round trip: %s", raw)
	}
	if len(got.Sample.Components) != 2 || got.Sample.Components[0].Concentration != 5000 {
		t.Fatalf("stock concentration must be split across members: %+v", got.Sample.Components)
	}
}

func mustPos(t *testing.T, label string) RackPosition {
	t.Helper()
	p, err := ParseRackPosition(label)
	if err != nil {
		t.Fatalf("parse %s: %v", label, err)
	}
	return p
}
