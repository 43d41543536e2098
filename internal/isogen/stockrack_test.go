package isogen

import (
	"strings"
	"testing"

	"screencore/internal/transfection"
	"screencore/pkg/domain"
)

func TestStockSlots(t *testing.T) {
	prep := NewPrepLayout(domain.Shape96)
	for _, p := range []*PrepPosition{
		{Position: mustPos(t, "A1"), Type: transfection.PositionFixed, PoolID: 205200},
		{Position: mustPos(t, "A2"), Type: transfection.PositionFixed, PoolID: 205200},
		{Position: mustPos(t, "B1"), Type: transfection.PositionFixed, PoolID: 205201},
		{Position: mustPos(t, "C1"), Type: transfection.PositionMock},
		{Position: mustPos(t, "D1"), Type: transfection.PositionFloating, Placeholder: "md_001"},
		{Position: mustPos(t, "D2"), Type: transfection.PositionFloating, Placeholder: "md_002"},
		{Position: mustPos(t, "E1"), Type: transfection.PositionFloating, Placeholder: "md_001"},
	} {
		if err := prep.Add(p); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	slots, err := StockSlots(prep)
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	tests := []struct {
		position string
		slot     string
	}{
		{"A1", "A1"},
		{"A2", "A1"},
		{"B1", "A2"},
		{"D1", "A3"},
		{"D2", "A4"},
		{"E1", "A3"},
	}
	for _, tt := range tests {
		got, ok := slots[mustPos(t, tt.position)]
		if !ok || got.Label() != tt.slot {
			t.Fatalf("%s: slot %s (%v), want %s", tt.position, got.Label(), ok, tt.slot)
		}
	}
	if _, ok := slots[mustPos(t, "C1")]; ok {
		t.Fatalf("mock positions draw no stock")
	}
}

func TestStockSlotsRejectsMoreTubesThanRackSlots(t *testing.T) {
	prep := NewPrepLayout(domain.Shape384)
	for i, pos := range domain.Shape384.Positions()[:97] {
		if err := prep.Add(&PrepPosition{Position: pos, Type: transfection.PositionFixed, PoolID: 1000 + i}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if _, err := StockSlots(prep); err == nil || !strings.Contains(err.Error(), "more than 96 stock tubes") {
		t.Fatalf("expected capacity error, got %v", err)
	}
}
