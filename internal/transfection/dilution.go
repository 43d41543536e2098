package transfection

import "screencore/pkg/domain"

// Dilution steps between the ISO plate and the cell plate.
const (
	ReagentMixDilutionFactor = 2.0
	CellDilutionFactor       = 7.0
)

// TotalDilutionFactor is the factor between ISO and final concentration.
func TotalDilutionFactor(molType domain.MoleculeType) float64 {
	return ReagentMixDilutionFactor * molType.OptimemDilutionFactor() * CellDilutionFactor
}

// IsoConcentration derives the ISO concentration (nM) from the final one.
func IsoConcentration(final float64, molType domain.MoleculeType) float64 {
	return final * TotalDilutionFactor(molType)
}

// FinalConcentration derives the final concentration (nM) from the ISO one.
func FinalConcentration(iso float64, molType domain.MoleculeType) float64 {
	return iso / TotalDilutionFactor(molType)
}
