package poolcreation

import (
	"fmt"

	"screencore/pkg/domain"
)

// NewIsoRequest wraps a plan into a stock sample creation ISO request.
func NewIsoRequest(req Request, plan *Plan, expectedIsos int) (*domain.IsoRequest, error) {
	if plan == nil {
		return nil, fmt.Errorf("pool creation request %s has no plan", req.Label)
	}
	if expectedIsos < 1 {
		expectedIsos = 1
	}
	specs := req.Specs.Name
	if specs == "" {
		specs = domain.PipettingSpecsBiomek.Name
	}
	return &domain.IsoRequest{
		Kind:               domain.IsoRequestKindStockSampleCreation,
		Label:              req.Label,
		PlateSetLabel:      req.Label,
		ExpectedNumberIsos: expectedIsos,
		NumberAliquots:     0,
		Series:             plan.Series,
		Creation: &domain.StockSampleCreationDetails{
			StockVolume:        req.TargetVolume,
			StockConcentration: req.TargetConcentration,
			NumberDesigns:      req.NumberDesigns,
			PreparationSpecs:   specs,
		},
	}, nil
}
