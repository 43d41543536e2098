package domain

import "testing"

func TestParseExperimentType(t *testing.T) {
	for in, want := range map[string]ExperimentType{
		"opti":       ExperimentTypeOpti,
		"ISO_LESS":   ExperimentTypeIsoLess,
		"order-only": ExperimentTypeOrderOnly,
	} {
		got, err := ParseExperimentType(in)
		if err != nil || got != want {
			t.Fatalf("parse %q: got %v %v", in, got, err)
		}
	}
	if _, err := ParseExperimentType("bogus"); err == nil {
		t.Fatalf("expected error")
	}
	if ExperimentTypeManual.HasExperimentDesign() || !ExperimentTypeManual.HasIsoRequest() {
		t.Fatalf("manual experiments have an ISO sheet only")
	}
	if ExperimentTypeIsoLess.HasIsoRequest() || !ExperimentTypeIsoLess.HasExperimentDesign() {
		t.Fatalf("iso-less experiments have a design only")
	}
}

func TestIsoActive(t *testing.T) {
	if (Iso{Status: IsoStatusCancelled}).Active() {
		t.Fatalf("cancelled ISOs are not active")
	}
	if !(Iso{Status: IsoStatusQueued}).Active() {
		t.Fatalf("queued ISOs are active")
	}
}
