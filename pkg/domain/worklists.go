package domain

import (
	"crypto/md5" //nolint:gosec // identity hash, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// TransferType enumerates planned liquid transfer kinds.
type TransferType string

// Transfer kinds.
const (
	TransferSampleDilution     TransferType = "SAMPLE_DILUTION"
	TransferSampleTransfer     TransferType = "SAMPLE_TRANSFER"
	TransferRackSampleTransfer TransferType = "RACK_SAMPLE_TRANSFER"
)

// PlannedLiquidTransfer is one of SampleDilution, SampleTransfer or
// RackSampleTransfer. Callers switch on the concrete type.
type PlannedLiquidTransfer interface {
	Type() TransferType
	TransferVolume() float64
	Hash() string
	plannedTransfer()
}

// SampleDilution adds diluent to a target position.
type SampleDilution struct {
	Target  RackPosition `json:"target"`
	Volume  float64      `json:"volume"`
	Diluent string       `json:"diluent_info"`
}

// SampleTransfer moves liquid between positions of two racks.
type SampleTransfer struct {
	Source RackPosition `json:"source"`
	Target RackPosition `json:"target"`
	Volume float64      `json:"volume"`
}

// RackSampleTransfer moves liquid between rack sectors.
type RackSampleTransfer struct {
	SourceSector int     `json:"source_sector"`
	TargetSector int     `json:"target_sector"`
	SectorCount  int     `json:"sector_count"`
	Volume       float64 `json:"volume"`
}

func (SampleDilution) plannedTransfer()     {}
func (SampleTransfer) plannedTransfer()     {}
func (RackSampleTransfer) plannedTransfer() {}

// Type implements PlannedLiquidTransfer.
func (SampleDilution) Type() TransferType { return TransferSampleDilution }

// Type implements PlannedLiquidTransfer.
func (SampleTransfer) Type() TransferType { return TransferSampleTransfer }

// Type implements PlannedLiquidTransfer.
func (RackSampleTransfer) Type() TransferType { return TransferRackSampleTransfer }

// TransferVolume implements PlannedLiquidTransfer.
func (d SampleDilution) TransferVolume() float64 { return d.Volume }

// TransferVolume implements PlannedLiquidTransfer.
func (t SampleTransfer) TransferVolume() float64 { return t.Volume }

// TransferVolume implements PlannedLiquidTransfer.
func (t RackSampleTransfer) TransferVolume() float64 { return t.Volume }

// Volumes are hashed in nanolitres to keep float noise out of identities.
func volumeKey(v float64) string {
	return strconv.FormatInt(int64(v*1000+0.5), 10)
}

func transferHash(parts ...string) string {
	h := md5.New() //nolint:gosec
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Hash identifies the dilution by its semantic fields.
func (d SampleDilution) Hash() string {
	return transferHash(string(TransferSampleDilution), d.Target.Label(), volumeKey(d.Volume), d.Diluent)
}

// Hash identifies the transfer by its semantic fields.
func (t SampleTransfer) Hash() string {
	return transferHash(string(TransferSampleTransfer), t.Source.Label(), t.Target.Label(), volumeKey(t.Volume))
}

// Hash identifies the rack transfer by its semantic fields.
func (t RackSampleTransfer) Hash() string {
	return transferHash(string(TransferRackSampleTransfer), strconv.Itoa(t.SourceSector), strconv.Itoa(t.TargetSector), strconv.Itoa(t.SectorCount), volumeKey(t.Volume))
}

// PipettingSpecs describe the liquid handler executing a worklist.
type PipettingSpecs struct {
	Name              string  `json:"name"`
	MinTransferVolume float64 `json:"min_transfer_volume"`
	MaxTransferVolume float64 `json:"max_transfer_volume"`
}

// Known pipetting specs.
var (
	PipettingSpecsBiomek = PipettingSpecs{Name: "BioMek", MinTransferVolume: 1, MaxTransferVolume: 250}
	PipettingSpecsCybio  = PipettingSpecs{Name: "CyBio", MinTransferVolume: 1, MaxTransferVolume: 50}
	PipettingSpecsManual = PipettingSpecs{Name: "manual", MinTransferVolume: 1, MaxTransferVolume: 2000}
)

// PlannedWorklist is an ordered list of transfers of a single type.
type PlannedWorklist struct {
	Label     string                  `json:"label"`
	Type      TransferType            `json:"transfer_type"`
	Specs     PipettingSpecs          `json:"pipetting_specs"`
	Transfers []PlannedLiquidTransfer `json:"-"`
}

// NewPlannedWorklist returns an empty worklist.
func NewPlannedWorklist(label string, transferType TransferType, specs PipettingSpecs) *PlannedWorklist {
	return &PlannedWorklist{Label: label, Type: transferType, Specs: specs}
}

// Add appends a transfer; the transfer type must match the worklist type.
func (w *PlannedWorklist) Add(t PlannedLiquidTransfer) error {
	if t == nil {
		return fmt.Errorf("nil transfer")
	}
	if t.Type() != w.Type {
		return fmt.Errorf("worklist %s holds %s transfers, got %s", w.Label, w.Type, t.Type())
	}
	w.Transfers = append(w.Transfers, t)
	return nil
}

// TotalVolume sums the transfer volumes.
func (w *PlannedWorklist) TotalVolume() float64 {
	total := 0.0
	for _, t := range w.Transfers {
		total += t.TransferVolume()
	}
	return total
}

type worklistAlias PlannedWorklist

type transferEnvelope struct {
	Type    TransferType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON writes transfers as typed envelopes.
func (w PlannedWorklist) MarshalJSON() ([]byte, error) {
	type payload struct {
		worklistAlias
		Transfers []transferEnvelope `json:"transfers"`
	}
	envs := make([]transferEnvelope, 0, len(w.Transfers))
	for _, t := range w.Transfers {
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		envs = append(envs, transferEnvelope{Type: t.Type(), Payload: raw})
	}
	return json.Marshal(payload{worklistAlias: worklistAlias(w), Transfers: envs})
}

// UnmarshalJSON restores typed transfers.
func (w *PlannedWorklist) UnmarshalJSON(data []byte) error {
	type payload struct {
		worklistAlias
		Transfers []transferEnvelope `json:"transfers"`
	}
	var aux payload
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*w = PlannedWorklist(aux.worklistAlias)
	w.Transfers = nil
	for _, env := range aux.Transfers {
		var t PlannedLiquidTransfer
		switch env.Type {
		case TransferSampleDilution:
			var d SampleDilution
			if err := json.Unmarshal(env.Payload, &d); err != nil {
				return err
			}
			t = d
		case TransferSampleTransfer:
			var st SampleTransfer
			if err := json.Unmarshal(env.Payload, &st); err != nil {
				return err
			}
			t = st
		case TransferRackSampleTransfer:
			var rt RackSampleTransfer
			if err := json.Unmarshal(env.Payload, &rt); err != nil {
				return err
			}
			t = rt
		default:
			return fmt.Errorf("unknown transfer type %q", env.Type)
		}
		w.Transfers = append(w.Transfers, t)
	}
	return nil
}

// WorklistSeriesMember places a worklist at an index of a series.
type WorklistSeriesMember struct {
	Index    int              `json:"index"`
	Worklist *PlannedWorklist `json:"worklist"`
}

// WorklistSeries is an ordered sequence of worklists.
type WorklistSeries struct {
	Members []WorklistSeriesMember `json:"members"`
}

// Add places the worklist at the index; indices are unique.
func (s *WorklistSeries) Add(index int, w *PlannedWorklist) error {
	if w == nil {
		return fmt.Errorf("nil worklist")
	}
	for _, m := range s.Members {
		if m.Index == index {
			return fmt.Errorf("worklist series already has a worklist at index %d", index)
		}
	}
	s.Members = append(s.Members, WorklistSeriesMember{Index: index, Worklist: w})
	sort.Slice(s.Members, func(i, j int) bool { return s.Members[i].Index < s.Members[j].Index })
	return nil
}

// Get returns the worklist at the index.
func (s *WorklistSeries) Get(index int) (*PlannedWorklist, bool) {
	for _, m := range s.Members {
		if m.Index == index {
			return m.Worklist, true
		}
	}
	return nil, false
}

// Len returns the number of worklists.
func (s *WorklistSeries) Len() int { return len(s.Members) }

// Worklists returns the worklists in index order.
func (s *WorklistSeries) Worklists() []*PlannedWorklist {
	out := make([]*PlannedWorklist, len(s.Members))
	for i, m := range s.Members {
		out[i] = m.Worklist
	}
	return out
}
