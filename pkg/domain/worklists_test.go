package domain

import (
	"encoding/json"
	"testing"
)

func TestPlannedWorklistTypeAndJSON(t *testing.T) {
	wl := NewPlannedWorklist("buffer", TransferSampleDilution, PipettingSpecsBiomek)
	if err := wl.Add(SampleDilution{Target: mustPos(t, "A1"), Volume: 2.5, Diluent: "annealing buffer"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := wl.Add(SampleTransfer{Source: mustPos(t, "A1"), Target: mustPos(t, "A1"), Volume: 1}); err == nil {
		t.Fatalf("expected transfer type mismatch")
	}
	raw, err := json.Marshal(wl)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back PlannedWorklist
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(back.Transfers) != 1 || back.Transfers[0].Hash() != wl.Transfers[0].Hash() {
		t.Fatalf("transfer lost in round trip: %s", raw)
	}
	if back.TotalVolume() != 2.5 {
		t.Fatalf("unexpected total %v", back.TotalVolume())
	}
}

func TestWorklistSeriesOrdering(t *testing.T) {
	var series WorklistSeries
	second := NewPlannedWorklist("stock", TransferSampleTransfer, PipettingSpecsBiomek)
	first := NewPlannedWorklist("buffer", TransferSampleDilution, PipettingSpecsBiomek)
	if err := series.Add(1, second); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := series.Add(0, first); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := series.Add(1, first); err == nil {
		t.Fatalf("expected duplicate index error")
	}
	wls := series.Worklists()
	if len(wls) != 2 || wls[0].Label != "buffer" {
		t.Fatalf("series not ordered by index")
	}
	if got, ok := series.Get(1); !ok || got != second {
		t.Fatalf("get by index failed")
	}
}

func TestTransferHashUsesSemanticFields(t *testing.T) {
	a := SampleTransfer{Source: mustPos(t, "A1"), Target: mustPos(t, "B1"), Volume: 1.0}
	b := SampleTransfer{Source: mustPos(t, "A1"), Target: mustPos(t, "B1"), Volume: 1.0000001}
	c := SampleTransfer{Source: mustPos(t, "A1"), Target: mustPos(t, "B2"), Volume: 1.0}
	if a.Hash() != b.Hash() {
		t.Fatalf("float noise must not change the hash")
	}
	if a.Hash() == c.Hash() {
		t.Fatalf("different targets must change the hash")
	}
}
