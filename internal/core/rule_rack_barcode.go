package core

import (
	"context"
	"fmt"
	"strings"

	"screencore/pkg/domain"
)

// NewRackBarcodeRule blocks ISOs carrying malformed rack barcodes.
func NewRackBarcodeRule() domain.Rule {
	return rackBarcodeRule{}
}

type rackBarcodeRule struct{}

func (rackBarcodeRule) Name() string { return "rack_barcode" }

func (r rackBarcodeRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityIso || change.Action == domain.ActionDelete {
			continue
		}
		iso, ok := change.After.(domain.Iso)
		if !ok {
			continue
		}
		var bad []string
		if iso.PreparationPlate != nil && !domain.IsRackBarcode(iso.PreparationPlate.Barcode) {
			bad = append(bad, iso.PreparationPlate.Barcode)
		}
		for _, plate := range iso.AliquotPlates {
			if plate != nil && !domain.IsRackBarcode(plate.Barcode) {
				bad = append(bad, plate.Barcode)
			}
		}
		for _, barcode := range iso.StockRacks {
			if !domain.IsRackBarcode(barcode) {
				bad = append(bad, barcode)
			}
		}
		if len(bad) == 0 {
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     r.Name(),
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("iso %s has malformed rack barcodes: %s", iso.Label, strings.Join(bad, ", ")),
			Entity:   domain.EntityIso,
			EntityID: iso.ID,
		})
	}
	return res, nil
}
