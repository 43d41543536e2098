package domain

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/guregu/null.v3"
)

// ExperimentType selects the workflow an experiment metadata record follows.
type ExperimentType string

// Experiment metadata types.
const (
	ExperimentTypeOpti      ExperimentType = "OPTI"
	ExperimentTypeScreen    ExperimentType = "SCREEN"
	ExperimentTypeManual    ExperimentType = "MANUAL"
	ExperimentTypeIsoLess   ExperimentType = "ISO-LESS"
	ExperimentTypeLibrary   ExperimentType = "LIBRARY"
	ExperimentTypeRTPCR     ExperimentType = "RTPCR"
	ExperimentTypeOrderOnly ExperimentType = "ORDER-ONLY"
)

// ExperimentTypes lists every supported type.
var ExperimentTypes = []ExperimentType{
	ExperimentTypeOpti, ExperimentTypeScreen, ExperimentTypeManual, ExperimentTypeIsoLess,
	ExperimentTypeLibrary, ExperimentTypeRTPCR, ExperimentTypeOrderOnly,
}

// ParseExperimentType normalises a type name (case-insensitive, "_" accepted for "-").
func ParseExperimentType(name string) (ExperimentType, error) {
	norm := strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(name)), "_", "-")
	for _, t := range ExperimentTypes {
		if string(t) == norm {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown experiment type %q", name)
}

// HasExperimentDesign reports whether the type expects design sheets.
func (t ExperimentType) HasExperimentDesign() bool {
	switch t {
	case ExperimentTypeManual, ExperimentTypeOrderOnly:
		return false
	default:
		return true
	}
}

// HasIsoRequest reports whether the type expects an ISO sheet.
func (t ExperimentType) HasIsoRequest() bool {
	switch t {
	case ExperimentTypeIsoLess, ExperimentTypeRTPCR:
		return false
	default:
		return true
	}
}

// ExperimentMetadata is the root of an uploaded experiment description.
type ExperimentMetadata struct {
	ID               string                 `json:"id"`
	Label            string                 `json:"label"`
	Subproject       string                 `json:"subproject"`
	NumberReplicates int                    `json:"number_replicates"`
	CreatedAt        time.Time              `json:"created_at"`
	TicketNumber     int                    `json:"ticket_number"`
	Type             ExperimentType         `json:"type"`
	Design           *ExperimentDesign      `json:"design,omitempty"`
	IsoRequestID     string                 `json:"iso_request_id,omitempty"`
	PoolSet          *MoleculeDesignPoolSet `json:"pool_set,omitempty"`

	// IsoRequest is the exclusively owned request; persistence stores it
	// separately and links it through IsoRequestID.
	IsoRequest *IsoRequest `json:"-"`
}

// ExperimentDesign holds the per-rack layouts of an experiment.
type ExperimentDesign struct {
	Shape  RackShape              `json:"shape"`
	Racks  []ExperimentDesignRack `json:"racks"`
	Series *WorklistSeries        `json:"series,omitempty"`
}

// Rack returns the design rack with the label.
func (d *ExperimentDesign) Rack(label string) (ExperimentDesignRack, bool) {
	for _, r := range d.Racks {
		if r.Label == label {
			return r, true
		}
	}
	return ExperimentDesignRack{}, false
}

// ExperimentDesignRack is a labelled rack layout.
type ExperimentDesignRack struct {
	Label  string          `json:"label"`
	Layout RackLayout      `json:"layout"`
	Series *WorklistSeries `json:"series,omitempty"`
}

// IsoRequestKind distinguishes lab ISO requests from stock sample creation requests.
type IsoRequestKind string

// ISO request kinds.
const (
	IsoRequestKindLab                 IsoRequestKind = "lab"
	IsoRequestKindStockSampleCreation IsoRequestKind = "stock_sample_creation"
)

// LabIsoDetails are the fields specific to lab ISO requests.
type LabIsoDetails struct {
	Requester       string         `json:"requester"`
	DeliveryDate    null.Time      `json:"delivery_date"`
	Comment         null.String    `json:"comment"`
	ReagentVolume   null.Float     `json:"reagent_volume"`
	LibraryName     null.String    `json:"library_name"`
	ExperimentType  ExperimentType `json:"experiment_type"`
	ProcessJobFirst bool           `json:"process_job_first"`
}

// StockSampleCreationDetails are the fields of pool stock sample creation requests.
type StockSampleCreationDetails struct {
	StockVolume        float64 `json:"stock_volume"`
	StockConcentration float64 `json:"stock_concentration"`
	NumberDesigns      int     `json:"number_designs"`
	PreparationSpecs   string  `json:"preparation_specs"`
}

// IsoRequest describes a batch of internal sample orders.
type IsoRequest struct {
	ID                 string                      `json:"id"`
	Kind               IsoRequestKind              `json:"kind"`
	Label              string                      `json:"label"`
	PlateSetLabel      string                      `json:"plate_set_label"`
	ExpectedNumberIsos int                         `json:"expected_number_isos"`
	NumberAliquots     int                         `json:"number_aliquots"`
	Owner              string                      `json:"owner"`
	IsoLayout          RackLayout                  `json:"iso_layout"`
	Series             *WorklistSeries             `json:"series,omitempty"`
	MetadataID         string                      `json:"metadata_id,omitempty"`
	TicketNumber       int                         `json:"ticket_number"`
	PoolSet            *MoleculeDesignPoolSet      `json:"pool_set,omitempty"`
	Lab                *LabIsoDetails              `json:"lab,omitempty"`
	Creation           *StockSampleCreationDetails `json:"creation,omitempty"`
}

// IsoStatus is the processing state of an ISO.
type IsoStatus string

// ISO statuses.
const (
	IsoStatusQueued     IsoStatus = "QUEUED"
	IsoStatusInProgress IsoStatus = "IN-PROGRESS"
	IsoStatusCancelled  IsoStatus = "CANCELLED"
	IsoStatusDone       IsoStatus = "DONE"
)

// Iso is one internal sample order.
type Iso struct {
	ID                string                 `json:"id"`
	Label             string                 `json:"label"`
	Status            IsoStatus              `json:"status"`
	IsoRequestID      string                 `json:"iso_request_id"`
	Layout            RackLayout             `json:"layout"`
	PoolSet           *MoleculeDesignPoolSet `json:"pool_set,omitempty"`
	PreparationPlate  *Rack                  `json:"preparation_plate,omitempty"`
	PreparationLayout RackLayout             `json:"preparation_layout"`
	StockRacks        []string               `json:"stock_racks,omitempty"`
	AliquotPlates     []*Rack                `json:"aliquot_plates,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

// Active reports whether the ISO still consumes its pools.
func (i Iso) Active() bool { return i.Status != IsoStatusCancelled }
