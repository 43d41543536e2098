// Package experimentdesign turns the SEEDING, TRANSFECTION, TREATMENT and
// ASSAY sheets of an experiment workbook into an ExperimentDesign, and writes
// designs back into sheets.
package experimentdesign

import (
	"strings"
	"time"

	"screencore/internal/events"
	"screencore/internal/layoutparser"
	"screencore/internal/transfection"
	"screencore/internal/workbook"
	"screencore/pkg/domain"
)

// StageName labels the events of this stage.
const StageName = "experiment design"

// SheetNames are the design sheets in processing order.
var SheetNames = []string{"SEEDING", "TRANSFECTION", "TREATMENT", "ASSAY"}

// Options configure a parse.
type Options struct {
	AllowedShapes     []domain.RackShape
	FloatingIndicator string
	// MixedShapes accepts layouts of different shapes; the design shape is
	// then the one of the first layout.
	MixedShapes bool
	User        string
	Now         func() time.Time
}

// Handler parses experiment design sheets.
type Handler struct {
	opts Options
	rec  *events.Recorder
}

// NewHandler returns a handler recording on rec.
func NewHandler(rec *events.Recorder, opts Options) *Handler {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Handler{opts: opts, rec: rec}
}

type rackTags struct {
	label  string
	shape  domain.RackShape
	tags   map[domain.Tag][]domain.RackPosition
	values map[rackValueKey]string
}

type rackValueKey struct {
	tagDomain string
	predicate string
	pos       domain.RackPosition
}

// Parse reads the design sheets of wb. It returns nil and an
// *events.AbortError when errors were recorded.
func (h *Handler) Parse(wb workbook.Workbook) (*domain.ExperimentDesign, error) {
	reader := workbook.NewReader(wb, h.rec)
	parser := layoutparser.NewPoolAware(reader, layoutparser.Options{
		AllowedShapes:  h.opts.AllowedShapes,
		RackSpecifiers: true,
	}, transfection.Aliases[transfection.ParamPool], h.opts.FloatingIndicator)

	type parsed struct {
		tagDomain string
		result    *layoutparser.SheetResult
	}
	var sheets []parsed
	predicateSheets := make(map[string]string)
	for _, name := range SheetNames {
		sheet := reader.SheetByName(name, false)
		if sheet == nil {
			continue
		}
		res := parser.ParseSheet(sheet)
		for _, def := range res.Definitions {
			if other, dup := predicateSheets[def.Predicate]; dup {
				h.rec.AddError("The tag predicate %q is defined in sheet %s and in sheet %s.", def.Predicate, other, sheet.Name())
				continue
			}
			predicateSheets[def.Predicate] = sheet.Name()
		}
		sheets = append(sheets, parsed{tagDomain: strings.ToLower(name), result: res})
	}
	if len(sheets) == 0 {
		h.rec.AddError("The workbook does not contain any experiment design sheet (%s).", strings.Join(SheetNames, ", "))
		return nil, h.rec.Err()
	}
	parser.Finish()

	var (
		shape    domain.RackShape
		hasShape bool
		racks    []*rackTags
		byLabel  = make(map[string]*rackTags)
	)
	for _, s := range sheets {
		for _, layout := range s.result.Layouts {
			if !hasShape {
				shape, hasShape = layout.Shape, true
			} else if layout.Shape != shape && !h.opts.MixedShapes {
				h.rec.AddError("All layouts must have the same rack shape. The layout at %s has shape %s, expected %s.", layout.Key(), layout.Shape.Name(), shape.Name())
				continue
			}
			for _, label := range layout.RackLabels {
				rack, ok := byLabel[label]
				if !ok {
					rack = &rackTags{
						label:  label,
						shape:  layout.Shape,
						tags:   make(map[domain.Tag][]domain.RackPosition),
						values: make(map[rackValueKey]string),
					}
					byLabel[label] = rack
					racks = append(racks, rack)
				} else if rack.shape != layout.Shape {
					h.rec.AddError("Rack %s is used by layouts of different shapes (%s and %s).", label, rack.shape.Name(), layout.Shape.Name())
					continue
				}
				h.mergeLayout(rack, s.tagDomain, layout)
			}
		}
	}
	if len(racks) == 0 {
		h.rec.AddError("Could not find any rack layouts in the experiment design sheets.")
	}
	if h.rec.HasErrors() {
		return nil, h.rec.Err()
	}

	design := &domain.ExperimentDesign{Shape: shape}
	now := h.opts.Now()
	for _, rack := range racks {
		layout, err := domain.RackLayoutFromTagMap(rack.shape, rack.tags, h.opts.User, now)
		if err != nil {
			h.rec.AddError("Could not build the layout of rack %s: %v", rack.label, err)
			continue
		}
		design.Racks = append(design.Racks, domain.ExperimentDesignRack{Label: rack.label, Layout: layout})
	}
	if h.rec.HasErrors() {
		return nil, h.rec.Err()
	}
	h.rec.AddInfo("Parsed %d design racks (shape %s).", len(design.Racks), shape.Name())
	return design, nil
}

func (h *Handler) mergeLayout(rack *rackTags, tagDomain string, layout *layoutparser.LayoutContainer) {
	for _, key := range layout.Keys() {
		tag := key.Tag(tagDomain)
		for _, pos := range layout.TagData[key] {
			vk := rackValueKey{tagDomain: tagDomain, predicate: key.Predicate, pos: pos}
			if prev, ok := rack.values[vk]; ok {
				if prev != key.Value {
					h.rec.AddError("Rack %s position %s has conflicting values for %q (%s and %s).", rack.label, pos.Label(), key.Predicate, prev, key.Value)
				}
				continue
			}
			rack.values[vk] = key.Value
			rack.tags[tag] = append(rack.tags[tag], pos)
		}
	}
}
