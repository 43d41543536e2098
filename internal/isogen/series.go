package isogen

import (
	"fmt"
	"math"

	"screencore/internal/poolcreation"
	"screencore/internal/transfection"
	"screencore/pkg/domain"
)

// Worklist series indices of an ISO series.
const (
	BufferWorklistIndex        = 0
	StockTransferWorklistIndex = 1
	AliquotWorklistIndex       = 2
)

// BuildSeries plans the worklists of a preparation plate: buffer into the
// preparation wells, stock from the stock rack slots of the tubes and, when
// aliquots exist, the preparation plate into every aliquot plate.
func BuildSeries(label string, prep *PrepLayout, pipetting domain.PipettingSpecs, aliquots bool) (*domain.WorklistSeries, error) {
	slots, err := StockSlots(prep)
	if err != nil {
		return nil, err
	}
	buffer := domain.NewPlannedWorklist(label+"_buffer", domain.TransferSampleDilution, pipetting)
	stock := domain.NewPlannedWorklist(label+"_stock_transfer", domain.TransferSampleTransfer, pipetting)
	for _, p := range prep.Positions() {
		if v := p.BufferVolume(); v > volumeTolerance {
			if err := buffer.Add(domain.SampleDilution{Target: p.Position, Volume: round(v), Diluent: poolcreation.BufferDiluent}); err != nil {
				return nil, err
			}
		}
		if p.Type == transfection.PositionMock || p.StockVolume <= 0 {
			continue
		}
		if err := stock.Add(domain.SampleTransfer{Source: slots[p.Position], Target: p.Position, Volume: round(p.StockVolume)}); err != nil {
			return nil, err
		}
	}
	series := &domain.WorklistSeries{}
	if len(buffer.Transfers) > 0 {
		if err := series.Add(BufferWorklistIndex, buffer); err != nil {
			return nil, err
		}
	}
	if err := series.Add(StockTransferWorklistIndex, stock); err != nil {
		return nil, err
	}
	if !aliquots {
		return series, nil
	}
	aliquot, err := aliquotWorklist(label+"_aliquot", prep, pipetting)
	if err != nil {
		return nil, err
	}
	if err := series.Add(AliquotWorklistIndex, aliquot); err != nil {
		return nil, err
	}
	return series, nil
}

// aliquotWorklist uses one rack transfer when every well passes the same
// volume and single transfers otherwise.
func aliquotWorklist(label string, prep *PrepLayout, pipetting domain.PipettingSpecs) (*domain.PlannedWorklist, error) {
	positions := prep.Positions()
	if len(positions) == 0 {
		return nil, fmt.Errorf("preparation layout %s is empty", label)
	}
	uniform := true
	for _, p := range positions[1:] {
		if math.Abs(p.IsoVolume-positions[0].IsoVolume) > volumeTolerance {
			uniform = false
			break
		}
	}
	if uniform {
		w := domain.NewPlannedWorklist(label, domain.TransferRackSampleTransfer, pipetting)
		err := w.Add(domain.RackSampleTransfer{SourceSector: 0, TargetSector: 0, SectorCount: 1, Volume: round(positions[0].IsoVolume)})
		return w, err
	}
	w := domain.NewPlannedWorklist(label, domain.TransferSampleTransfer, pipetting)
	for _, p := range positions {
		if err := w.Add(domain.SampleTransfer{Source: p.Position, Target: p.Position, Volume: round(p.IsoVolume)}); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// volumeTolerance absorbs floating point noise in µL.
const volumeTolerance = 0.01

func round(v float64) float64 { return math.Round(v*10) / 10 }
