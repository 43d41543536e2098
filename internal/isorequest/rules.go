package isorequest

import (
	"screencore/internal/transfection"
	"screencore/pkg/domain"
)

// Metadata keys of the ISO sheet.
const (
	KeyIsoConcentration        = "ISO CONCENTRATION"
	KeyIsoVolume               = "ISO VOLUME"
	KeyDeliveryDate            = "DELIVERY DATE"
	KeyPlateSetLabel           = "PLATE SET LABEL"
	KeyComment                 = "COMMENT"
	KeyReagentName             = "REAGENT NAME"
	KeyReagentVolume           = "REAGENT VOLUME"
	KeyReagentDilutionFactor   = "REAGENT DILUTION FACTOR"
	KeyNumberOfAliquots        = "NUMBER OF ALIQUOTS"
	KeyFinalConcentration      = "FINAL CONCENTRATION"
	KeyLibrary                 = "LIBRARY"
	KeyMoleculeDesignLibrary   = "MOLECULE DESIGN LIBRARY"
	deliveryDateLayout         = "02.01.2006"
	excelEpochSerialOffsetDays = 25569
)

// AllKeys lists every metadata key the sheet may carry.
var AllKeys = []string{
	KeyIsoConcentration, KeyIsoVolume, KeyDeliveryDate, KeyPlateSetLabel, KeyComment,
	KeyReagentName, KeyReagentVolume, KeyReagentDilutionFactor, KeyNumberOfAliquots,
	KeyFinalConcentration, KeyLibrary, KeyMoleculeDesignLibrary,
}

// keyParameters are metadata keys that set a per-position default.
var keyParameters = map[string]transfection.Parameter{
	KeyIsoVolume:             transfection.ParamIsoVolume,
	KeyIsoConcentration:      transfection.ParamIsoConcentration,
	KeyReagentName:           transfection.ParamReagentName,
	KeyReagentDilutionFactor: transfection.ParamReagentDilutionFactor,
	KeyFinalConcentration:    transfection.ParamFinalConcentration,
}

// ignoredValues are placeholders users leave in template cells.
var ignoredValues = map[string]struct{}{"optional": {}, "dd.mm.yyyy": {}, "": {}}

type typeRules struct {
	keys []string
	// requiredKeys must be present in the metadata region.
	requiredKeys []string
	// required parameters for positions with molecules.
	params []transfection.Parameter
	// eitherConcentration accepts ISO or final concentration.
	eitherConcentration bool
	floatings           bool
	libraryPositions    bool
	singleMoleculeType  bool
}

var commonKeys = []string{KeyPlateSetLabel, KeyDeliveryDate, KeyComment, KeyNumberOfAliquots}

func withCommon(keys ...string) []string {
	return append(append([]string(nil), commonKeys...), keys...)
}

var rulesByType = map[domain.ExperimentType]typeRules{
	domain.ExperimentTypeOpti: {
		keys:                withCommon(KeyIsoVolume, KeyIsoConcentration, KeyFinalConcentration, KeyReagentName, KeyReagentDilutionFactor, KeyReagentVolume),
		requiredKeys:        []string{KeyPlateSetLabel},
		params:              []transfection.Parameter{transfection.ParamIsoVolume, transfection.ParamReagentName, transfection.ParamReagentDilutionFactor},
		eitherConcentration: true,
	},
	domain.ExperimentTypeScreen: {
		keys:                withCommon(KeyIsoVolume, KeyIsoConcentration, KeyFinalConcentration, KeyReagentName, KeyReagentDilutionFactor, KeyReagentVolume, KeyMoleculeDesignLibrary),
		requiredKeys:        []string{KeyPlateSetLabel},
		params:              []transfection.Parameter{transfection.ParamIsoVolume, transfection.ParamReagentName, transfection.ParamReagentDilutionFactor},
		eitherConcentration: true,
		floatings:           true,
		singleMoleculeType:  true,
	},
	domain.ExperimentTypeManual: {
		keys:         withCommon(KeyIsoVolume, KeyIsoConcentration),
		requiredKeys: []string{KeyPlateSetLabel},
		params:       []transfection.Parameter{transfection.ParamIsoVolume, transfection.ParamIsoConcentration},
	},
	domain.ExperimentTypeOrderOnly: {
		keys:         withCommon(KeyIsoVolume, KeyIsoConcentration),
		requiredKeys: []string{KeyPlateSetLabel},
		params:       []transfection.Parameter{transfection.ParamIsoVolume, transfection.ParamIsoConcentration},
	},
	domain.ExperimentTypeLibrary: {
		keys:               withCommon(KeyLibrary, KeyReagentName, KeyReagentDilutionFactor, KeyFinalConcentration, KeyReagentVolume),
		requiredKeys:       []string{KeyPlateSetLabel, KeyLibrary},
		params:             []transfection.Parameter{transfection.ParamReagentName, transfection.ParamReagentDilutionFactor, transfection.ParamFinalConcentration},
		libraryPositions:   true,
		singleMoleculeType: true,
	},
}

// rulesFor resolves the rules of the experiment type. RTPCR experiments
// follow the OPTI rules when rtpcrAsOpti is set.
func rulesFor(t domain.ExperimentType, rtpcrAsOpti bool) (typeRules, bool) {
	if t == domain.ExperimentTypeRTPCR && rtpcrAsOpti {
		t = domain.ExperimentTypeOpti
	}
	r, ok := rulesByType[t]
	return r, ok
}

func (r typeRules) allows(key string) bool {
	for _, k := range r.keys {
		if k == key {
			return true
		}
	}
	return false
}
