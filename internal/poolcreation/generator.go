// Package poolcreation plans the buffer worklist of a pool stock sample
// creation request: how much of each single-design stock and how much
// annealing buffer go into every pool well.
package poolcreation

import (
	"fmt"
	"math"

	"screencore/internal/events"
	"screencore/pkg/domain"
)

// StageName labels the events of this stage.
const StageName = "pool creation"

// BufferWorklistIndex is the series index of the buffer worklist.
const BufferWorklistIndex = 0

// BufferDiluent is the diluent of the buffer dilutions.
const BufferDiluent = "annealing buffer"

// DefaultMinTransferVolume is the smallest volume (µL) a transfer may move.
const DefaultMinTransferVolume = 1.0

// volumeTolerance absorbs floating point noise in µL.
const volumeTolerance = 0.01

// Request describes the pools to create. Volumes are in µL and
// concentrations in nM.
type Request struct {
	Label               string
	TargetVolume        float64
	TargetConcentration float64
	StockConcentration  float64
	NumberDesigns       int
	MinTransferVolume   float64
	Specs               domain.PipettingSpecs
	Shape               domain.RackShape
}

// Plan is the outcome of Generate.
type Plan struct {
	StockVolume  float64
	BufferVolume float64
	Series       *domain.WorklistSeries
}

// Generator computes pool creation plans.
type Generator struct {
	rec *events.Recorder
}

// NewGenerator returns a generator recording on rec.
func NewGenerator(rec *events.Recorder) *Generator { return &Generator{rec: rec} }

// Generate validates the request volumes and emits the buffer worklist.
func (g *Generator) Generate(req Request) (*Plan, error) {
	if req.MinTransferVolume <= 0 {
		req.MinTransferVolume = DefaultMinTransferVolume
	}
	if req.Specs.Name == "" {
		req.Specs = domain.PipettingSpecsBiomek
	}
	if req.Shape == (domain.RackShape{}) {
		req.Shape = domain.Shape96
	}
	switch {
	case req.NumberDesigns < 1:
		g.rec.AddError("The number of designs must be a positive integer (obtained: %d).", req.NumberDesigns)
	case req.TargetVolume <= 0 || req.TargetConcentration <= 0 || req.StockConcentration <= 0:
		g.rec.AddError("Target volume, target concentration and stock concentration must be positive numbers.")
	}
	if g.rec.HasErrors() {
		return nil, g.rec.Err()
	}
	n := float64(req.NumberDesigns)
	if req.TargetConcentration > n*req.StockConcentration {
		g.rec.AddError("The target concentration %g nM is not achievable with %d designs at a stock concentration of %g nM (concentration not achievable).",
			req.TargetConcentration, req.NumberDesigns, req.StockConcentration)
		return nil, g.rec.Err()
	}

	stockVolume := StockVolume(req.TargetVolume, req.TargetConcentration, req.StockConcentration, req.NumberDesigns)
	if stockVolume < req.MinTransferVolume-volumeTolerance {
		minVolume := MinimumTargetVolume(req.TargetConcentration, req.StockConcentration, req.NumberDesigns, req.MinTransferVolume)
		g.rec.AddError("The stock volume of each design would be %s µl, below the minimum transfer volume of %s µl. The target volume must be at least %s µl.",
			formatVolume(stockVolume), formatVolume(req.MinTransferVolume), formatVolume(minVolume))
		return nil, g.rec.Err()
	}
	buffer := req.TargetVolume - n*stockVolume
	if math.Abs(buffer) < volumeTolerance {
		buffer = 0
	}
	if buffer < 0 {
		g.rec.AddError("The target concentration %g nM is not achievable: the %d stock transfers already exceed the target volume (concentration not achievable).",
			req.TargetConcentration, req.NumberDesigns)
		return nil, g.rec.Err()
	}
	if buffer > 0 && buffer < req.MinTransferVolume-volumeTolerance {
		g.rec.AddError("The buffer volume would be %s µl, below the minimum transfer volume of %s µl. Adjust the target volume or concentration.",
			formatVolume(buffer), formatVolume(req.MinTransferVolume))
		return nil, g.rec.Err()
	}

	series := &domain.WorklistSeries{}
	if buffer > 0 {
		wl := domain.NewPlannedWorklist(fmt.Sprintf("%s_buffer", req.Label), domain.TransferSampleDilution, req.Specs)
		for _, pos := range req.Shape.Positions() {
			if err := wl.Add(domain.SampleDilution{Target: pos, Volume: buffer, Diluent: BufferDiluent}); err != nil {
				g.rec.AddError("%v", err)
				return nil, g.rec.Err()
			}
		}
		if err := series.Add(BufferWorklistIndex, wl); err != nil {
			g.rec.AddError("%v", err)
			return nil, g.rec.Err()
		}
	} else {
		g.rec.AddInfo("No buffer is needed for %s: the stock volumes fill the target volume.", req.Label)
	}
	return &Plan{StockVolume: stockVolume, BufferVolume: buffer, Series: series}, nil
}

// StockVolume is the volume of each design stock: V·C / (n·C₀).
func StockVolume(targetVolume, targetConcentration, stockConcentration float64, numberDesigns int) float64 {
	return targetVolume * targetConcentration / (float64(numberDesigns) * stockConcentration)
}

// MinimumTargetVolume is the smallest target volume whose design stock
// volumes reach the minimum transfer volume.
func MinimumTargetVolume(targetConcentration, stockConcentration float64, numberDesigns int, minTransfer float64) float64 {
	v := minTransfer * float64(numberDesigns) * stockConcentration / targetConcentration
	return math.Ceil(v*10) / 10
}

func formatVolume(v float64) string {
	return fmt.Sprintf("%.1f", v)
}
