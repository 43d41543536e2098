package isogen

import (
	"fmt"
	"math"

	"screencore/internal/transfection"
	"screencore/pkg/domain"
)

// concentrationTolerance is the relative difference accepted between
// concentrations.
const concentrationTolerance = 0.01

// FinderParams drive a preparation layout finder.
type FinderParams struct {
	ExperimentType domain.ExperimentType
	NumberAliquots int
	// FloatingStockConcentration is the stock concentration assumed for
	// floating positions (nM).
	FloatingStockConcentration float64
	MinTransferVolume          float64
	// ForcedSpecs pins the preparation plate specs.
	ForcedSpecs *domain.PlateSpecs
}

// Finder derives the preparation layout of an ISO layout.
type Finder interface {
	Find(layout *transfection.Layout, params FinderParams) (*PrepLayout, domain.PlateSpecs, error)
	// Pipetting returns the specs of the robot serving the plate shape.
	Pipetting() domain.PipettingSpecs
	// AliquotSpecs returns the plate specs of aliquot plates.
	AliquotSpecs() domain.PlateSpecs
}

type finder struct {
	// candidates in order of preference; larger plates later.
	candidates []domain.PlateSpecs
	pipetting  domain.PipettingSpecs
	aliquot    domain.PlateSpecs
}

// FinderFor returns the finder of the rack shape.
func FinderFor(shape domain.RackShape) (Finder, error) {
	switch shape {
	case domain.Shape96:
		return &finder{
			candidates: []domain.PlateSpecs{domain.PlateSpecsStandard96, domain.PlateSpecsDeep96},
			pipetting:  domain.PipettingSpecsBiomek,
			aliquot:    domain.PlateSpecsStandard96,
		}, nil
	case domain.Shape384:
		return &finder{
			candidates: []domain.PlateSpecs{domain.PlateSpecsStandard384},
			pipetting:  domain.PipettingSpecsCybio,
			aliquot:    domain.PlateSpecsStandard384,
		}, nil
	default:
		return nil, fmt.Errorf("there is no preparation layout finder for rack shape %s", shape.Name())
	}
}

// WithPlateSpecs replaces the plate specs of a finder by the overrides of the
// same name.
func WithPlateSpecs(f Finder, overrides map[string]domain.PlateSpecs) Finder {
	base, ok := f.(*finder)
	if !ok || len(overrides) == 0 {
		return f
	}
	pick := func(s domain.PlateSpecs) domain.PlateSpecs {
		if o, ok := overrides[s.Name]; ok {
			o.Name, o.Shape = s.Name, s.Shape
			return o
		}
		return s
	}
	out := &finder{pipetting: base.pipetting, aliquot: pick(base.aliquot)}
	for _, c := range base.candidates {
		out.candidates = append(out.candidates, pick(c))
	}
	return out
}

func (f *finder) Pipetting() domain.PipettingSpecs { return f.pipetting }

func (f *finder) AliquotSpecs() domain.PlateSpecs { return f.aliquot }

// Find computes the preparation layout with the smallest fitting plate specs.
// Manual experiments always use the first candidate.
func (f *finder) Find(layout *transfection.Layout, params FinderParams) (*PrepLayout, domain.PlateSpecs, error) {
	candidates := f.candidates
	switch {
	case params.ForcedSpecs != nil:
		candidates = []domain.PlateSpecs{*params.ForcedSpecs}
	case params.ExperimentType == domain.ExperimentTypeManual:
		candidates = candidates[:1]
	}
	var (
		prep *PrepLayout
		err  error
	)
	for _, specs := range candidates {
		prep, err = f.compute(layout, params, specs)
		if err != nil {
			return nil, domain.PlateSpecs{}, err
		}
		if prep.MaxVolume() <= specs.MaxVolume+1e-9 {
			return prep, specs, nil
		}
	}
	last := candidates[len(candidates)-1]
	return nil, domain.PlateSpecs{}, fmt.Errorf("the preparation volume of %.1f µl exceeds the maximum volume of %s plates (%.0f µl)", prep.MaxVolume(), last.Name, last.MaxVolume)
}

func (f *finder) compute(layout *transfection.Layout, params FinderParams, specs domain.PlateSpecs) (*PrepLayout, error) {
	aliquots := params.NumberAliquots
	if aliquots < 1 {
		aliquots = 1
	}
	minTransfer := params.MinTransferVolume
	if minTransfer <= 0 {
		minTransfer = f.pipetting.MinTransferVolume
	}
	prep := NewPrepLayout(layout.Shape)
	for _, p := range layout.Positions() {
		switch p.Type {
		case transfection.PositionFixed, transfection.PositionFloating, transfection.PositionMock:
		default:
			continue
		}
		if !p.IsoVolume.Valid {
			return nil, fmt.Errorf("position %s has no ISO volume", p.Position.Label())
		}
		pp := &PrepPosition{
			Position:    p.Position,
			Type:        p.Type,
			PoolID:      p.PoolID,
			Placeholder: p.Placeholder,
			Pool:        p.Pool,
			IsoVolume:   p.IsoVolume.Float64,
			Volume:      p.IsoVolume.Float64*float64(aliquots) + specs.DeadVolume,
			Supplier:    p.Supplier.String,
		}
		if p.Type != transfection.PositionMock {
			if !p.IsoConcentration.Valid {
				return nil, fmt.Errorf("position %s has no ISO concentration", p.Position.Label())
			}
			pp.Concentration = p.IsoConcentration.Float64
			pp.StockConcentration = params.FloatingStockConcentration
			if p.Pool != nil {
				pp.StockConcentration = p.Pool.DefaultStockConcentration
			}
			if pp.StockConcentration <= 0 {
				pp.StockConcentration = domain.MoleculeTypeSIRNA.DefaultStockConcentration()
			}
			if pp.Concentration > pp.StockConcentration*(1+concentrationTolerance) {
				return nil, fmt.Errorf("the ISO concentration at %s (%g nM) exceeds the stock concentration (%g nM)", p.Position.Label(), pp.Concentration, pp.StockConcentration)
			}
			if math.Abs(pp.Concentration-pp.StockConcentration) <= pp.StockConcentration*concentrationTolerance {
				pp.StockVolume = pp.Volume
			} else {
				pp.StockVolume = pp.Volume * pp.Concentration / pp.StockConcentration
				if pp.StockVolume < minTransfer {
					pp.StockVolume = minTransfer
					pp.Volume = minTransfer * pp.StockConcentration / pp.Concentration
				}
			}
		}
		if err := prep.Add(pp); err != nil {
			return nil, err
		}
	}
	if prep.Len() == 0 {
		return nil, fmt.Errorf("the ISO layout has no positions to prepare")
	}
	return prep, nil
}
