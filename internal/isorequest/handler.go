// Package isorequest parses the ISO sheet of an experiment workbook into a
// lab IsoRequest and its transfection layout.
package isorequest

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/guregu/null.v3"

	"screencore/internal/events"
	"screencore/internal/layoutparser"
	"screencore/internal/transfection"
	"screencore/internal/workbook"
	"screencore/pkg/domain"
)

// StageName labels the events of this stage.
const StageName = "iso request"

// SheetName is the sheet holding the request.
const SheetName = "ISO"

// DefaultRackLabel names the single ISO plate.
const DefaultRackLabel = "ISO plate"

// PoolSource resolves pool IDs and library names.
type PoolSource interface {
	PoolsByID(ctx context.Context, ids []int) (map[int]domain.MoleculeDesignPool, error)
	LibraryPools(ctx context.Context, name string) (domain.MoleculeDesignPoolSet, error)
}

// Options configure a parse.
type Options struct {
	ExperimentType domain.ExperimentType
	// RTPCRAsOpti applies the OPTI rules to RTPCR experiments.
	RTPCRAsOpti       bool
	Label             string
	Requester         string
	TicketNumber      int
	AllowedShapes     []domain.RackShape
	FloatingIndicator string
	// FloatingPoolSet supplies the floating pools when the sheet names no
	// molecule design library.
	FloatingPoolSet *domain.MoleculeDesignPoolSet
	User            string
	Now             func() time.Time
}

// Result is the outcome of a successful parse.
type Result struct {
	IsoRequest      *domain.IsoRequest
	Layout          *transfection.Layout
	FloatingPoolSet *domain.MoleculeDesignPoolSet
	MoleculeType    domain.MoleculeType
}

// Handler parses ISO sheets.
type Handler struct {
	opts  Options
	rec   *events.Recorder
	pools PoolSource
}

// NewHandler returns a handler recording on rec and resolving pools through pools.
func NewHandler(rec *events.Recorder, pools PoolSource, opts Options) *Handler {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.FloatingIndicator == "" {
		opts.FloatingIndicator = layoutparser.DefaultFloatingIndicator
	}
	return &Handler{opts: opts, rec: rec, pools: pools}
}

type metadataValue struct {
	raw  any
	cell string
}

// Parse reads the ISO sheet of wb.
func (h *Handler) Parse(ctx context.Context, wb workbook.Workbook) (*Result, error) {
	rules, ok := rulesFor(h.opts.ExperimentType, h.opts.RTPCRAsOpti)
	if !ok {
		h.rec.AddError("Experiments of type %s do not have an ISO request.", h.opts.ExperimentType)
		return nil, h.rec.Err()
	}
	reader := workbook.NewReader(wb, h.rec)
	sheet := reader.SheetByName(SheetName, true)
	if sheet == nil {
		return nil, h.rec.Err()
	}

	meta := h.readMetadata(reader, sheet, rules)
	parser := layoutparser.NewPoolAware(reader, layoutparser.Options{
		AllowedShapes:    h.opts.AllowedShapes,
		DefaultRackLabel: DefaultRackLabel,
	}, transfection.Aliases[transfection.ParamPool], h.opts.FloatingIndicator)
	res := parser.ParseSheet(sheet)
	parser.Finish()
	if h.rec.HasErrors() {
		return nil, h.rec.Err()
	}

	req := &domain.IsoRequest{
		Kind:           domain.IsoRequestKindLab,
		Label:          h.opts.Label,
		TicketNumber:   h.opts.TicketNumber,
		NumberAliquots: 1,
		Lab: &domain.LabIsoDetails{
			Requester:      h.opts.Requester,
			ExperimentType: h.opts.ExperimentType,
		},
	}
	defaults := h.applyMetadata(meta, rules, req)

	layout := h.buildLayout(res, rules, defaults)
	if h.rec.HasErrors() {
		return nil, h.rec.Err()
	}

	out := &Result{IsoRequest: req, Layout: layout}
	h.resolvePools(ctx, out, rules, meta)
	if h.rec.HasErrors() {
		return nil, h.rec.Err()
	}
	h.deriveConcentrations(out)
	h.checkRequired(layout, rules)
	if h.rec.HasErrors() {
		return nil, h.rec.Err()
	}

	req.ExpectedNumberIsos = expectedNumberIsos(len(layout.FloatingMarkers()), out.FloatingPoolSet)
	req.PoolSet = out.FloatingPoolSet
	rl, err := layout.ToRackLayout(h.opts.User, h.opts.Now())
	if err != nil {
		h.rec.AddError("Could not store the ISO layout: %v", err)
		return nil, h.rec.Err()
	}
	req.IsoLayout = rl
	h.rec.AddInfo("Parsed ISO request %q: %d positions, %d floating placeholders, %d expected ISOs.",
		req.PlateSetLabel, layout.Len(), len(layout.FloatingMarkers()), req.ExpectedNumberIsos)
	return out, nil
}

// readMetadata collects the key/value rows above the first tag block.
func (h *Handler) readMetadata(reader *workbook.Reader, sheet workbook.Sheet, rules typeRules) map[string]metadataValue {
	out := make(map[string]metadataValue)
	known := make(map[string]struct{}, len(AllKeys))
	for _, k := range AllKeys {
		known[k] = struct{}{}
	}
	for r := 0; r < sheet.NumRows(); r++ {
		key := normaliseKey(reader.CellString(sheet, r, 0))
		if key == "" {
			continue
		}
		if key == layoutparser.MarkerFactor || key == layoutparser.MarkerTag || key == layoutparser.MarkerEnd {
			break
		}
		if _, ok := known[key]; !ok {
			if isLayoutRowLabel(key) {
				continue
			}
			h.rec.AddError("Unknown metadata specifier %q in cell %s (sheet %s).", key, workbook.CellName(r, 0), sheet.Name())
			continue
		}
		if !rules.allows(key) {
			h.rec.AddError("The metadata specifier %q is not allowed for %s experiments.", key, h.opts.ExperimentType)
			continue
		}
		if _, dup := out[key]; dup {
			h.rec.AddError("The metadata specifier %q is given more than once.", key)
			continue
		}
		raw := reader.CellValue(sheet, r, 1)
		if _, ignored := ignoredValues[strings.ToLower(workbook.Text(raw))]; ignored {
			continue
		}
		out[key] = metadataValue{raw: raw, cell: workbook.CellName(r, 1)}
	}
	for _, key := range rules.requiredKeys {
		if _, ok := out[key]; !ok {
			h.rec.AddError("The metadata specifier %q is required for %s experiments.", key, h.opts.ExperimentType)
		}
	}
	return out
}

func normaliseKey(s string) string {
	s = strings.TrimSuffix(strings.TrimSpace(s), ":")
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}

// isLayoutRowLabel matches the row letters of a layout block in column A.
func isLayoutRowLabel(s string) bool {
	if len(s) > 2 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// applyMetadata fills the request fields and returns the per-position defaults.
func (h *Handler) applyMetadata(meta map[string]metadataValue, rules typeRules, req *domain.IsoRequest) map[transfection.Parameter]string {
	defaults := make(map[transfection.Parameter]string)
	for key, v := range meta {
		text := workbook.Text(v.raw)
		switch key {
		case KeyPlateSetLabel:
			req.PlateSetLabel = text
		case KeyComment:
			req.Lab.Comment = null.StringFrom(text)
		case KeyDeliveryDate:
			date, err := parseDeliveryDate(v.raw)
			if err != nil {
				h.rec.AddError("The delivery date %q in cell %s must have the format dd.mm.yyyy.", text, v.cell)
				continue
			}
			if date.Before(h.opts.Now().Truncate(24 * time.Hour)) {
				h.rec.AddWarning("The delivery date %s lies in the past.", date.Format(deliveryDateLayout))
			}
			req.Lab.DeliveryDate = null.TimeFrom(date)
		case KeyNumberOfAliquots:
			n, ok := workbook.AsInt(v.raw)
			if !ok || n < 1 {
				h.rec.AddError("The number of aliquots must be a positive integer (obtained: %s).", text)
				continue
			}
			req.NumberAliquots = n
		case KeyReagentVolume:
			f, ok := workbook.AsFloat(v.raw)
			if !ok || f <= 0 {
				h.rec.AddError("The reagent volume must be a positive number (obtained: %s).", text)
				continue
			}
			req.Lab.ReagentVolume = null.FloatFrom(f)
		case KeyLibrary:
			req.Lab.LibraryName = null.StringFrom(text)
		case KeyMoleculeDesignLibrary:
			req.Lab.LibraryName = null.StringFrom(text)
		default:
			if param, ok := keyParameters[key]; ok {
				defaults[param] = text
			}
		}
	}
	return defaults
}

// parseDeliveryDate accepts dd.mm.yyyy text and Excel date serials.
func parseDeliveryDate(raw any) (time.Time, error) {
	if serial, ok := raw.(int); ok && serial > 0 {
		return time.Unix(int64(serial-excelEpochSerialOffsetDays)*86400, 0).UTC(), nil
	}
	return time.Parse(deliveryDateLayout, workbook.Text(raw))
}

// buildLayout merges layout values with metadata defaults into a transfection layout.
func (h *Handler) buildLayout(res *layoutparser.SheetResult, rules typeRules, defaults map[transfection.Parameter]string) *transfection.Layout {
	paramPredicate := make(map[transfection.Parameter]string)
	for _, def := range res.Definitions {
		param, ok := transfection.ParameterForPredicate(def.Predicate)
		if !ok {
			h.rec.AddWarning("Unknown parameter %q in row %d (sheet %s) will be ignored.", def.Predicate, def.Row+1, def.Sheet)
			continue
		}
		if prev, dup := paramPredicate[param]; dup {
			h.rec.AddError("The parameter %q is specified twice (as %q and %q).", param, prev, def.Predicate)
			continue
		}
		paramPredicate[param] = def.Predicate
		if _, both := defaults[param]; both && def.Levels.Active() {
			h.rec.AddError("The parameter %q is specified as metadata default and as layout. Use one of both.", param)
		}
	}
	if _, ok := paramPredicate[transfection.ParamPool]; !ok {
		h.rec.AddError("Could not find a molecule design pool layout on sheet %s.", SheetName)
	}

	var (
		shape    domain.RackShape
		hasShape bool
	)
	values := make(map[transfection.Parameter]map[domain.RackPosition]string)
	for _, lc := range res.Layouts {
		if !hasShape {
			shape, hasShape = lc.Shape, true
		} else if lc.Shape != shape {
			h.rec.AddError("All ISO layouts must have the same rack shape. The layout at %s has shape %s, expected %s.", lc.Key(), lc.Shape.Name(), shape.Name())
			continue
		}
		for key, positions := range lc.TagData {
			param, ok := transfection.ParameterForPredicate(key.Predicate)
			if !ok {
				continue
			}
			byPos, ok := values[param]
			if !ok {
				byPos = make(map[domain.RackPosition]string)
				values[param] = byPos
			}
			for _, pos := range positions {
				if prev, dup := byPos[pos]; dup && prev != key.Value {
					h.rec.AddError("Position %s has conflicting values for %s (%s and %s).", pos.Label(), param, prev, key.Value)
					continue
				}
				byPos[pos] = key.Value
			}
		}
	}
	if !hasShape {
		h.rec.AddError("Could not find an ISO layout on sheet %s.", SheetName)
	}
	if h.rec.HasErrors() {
		return nil
	}

	all := make(map[domain.RackPosition]struct{})
	for _, byPos := range values {
		for pos := range byPos {
			all[pos] = struct{}{}
		}
	}
	positions := make([]domain.RackPosition, 0, len(all))
	for pos := range all {
		positions = append(positions, pos)
	}
	domain.SortPositions(positions)

	layout := transfection.NewLayout(shape)
	var withoutPool, invalidPool []string
	for _, pos := range positions {
		poolValue := values[transfection.ParamPool][pos]
		ptype, poolID, err := transfection.ClassifyPoolValue(poolValue, h.opts.FloatingIndicator)
		if err != nil {
			invalidPool = append(invalidPool, pos.Label()+" ("+poolValue+")")
			continue
		}
		if ptype == transfection.PositionEmpty {
			withoutPool = append(withoutPool, pos.Label())
			continue
		}
		if ptype == transfection.PositionFloating && !rules.floatings {
			h.rec.AddError("Floating positions are not allowed for %s experiments (position %s).", h.opts.ExperimentType, pos.Label())
			continue
		}
		if ptype == transfection.PositionLibrary && !rules.libraryPositions {
			h.rec.AddError("Library positions are only allowed for library experiments (position %s).", pos.Label())
			continue
		}
		p := &transfection.Position{Position: pos, Type: ptype, PoolID: poolID}
		if ptype == transfection.PositionFloating {
			p.Placeholder = strings.ToLower(strings.TrimSpace(poolValue))
		}
		get := func(param transfection.Parameter) string {
			if v, ok := values[param][pos]; ok {
				return v
			}
			return defaults[param]
		}
		p.IsoVolume = h.positiveFloat(transfection.ParamIsoVolume, get(transfection.ParamIsoVolume), pos)
		p.IsoConcentration = h.positiveFloat(transfection.ParamIsoConcentration, get(transfection.ParamIsoConcentration), pos)
		p.ReagentDilutionFactor = h.positiveFloat(transfection.ParamReagentDilutionFactor, get(transfection.ParamReagentDilutionFactor), pos)
		p.FinalConcentration = h.positiveFloat(transfection.ParamFinalConcentration, get(transfection.ParamFinalConcentration), pos)
		if v := get(transfection.ParamReagentName); v != "" {
			p.ReagentName = null.StringFrom(v)
		}
		if v := get(transfection.ParamSupplier); v != "" && ptype == transfection.PositionFixed {
			p.Supplier = null.StringFrom(v)
		}
		switch ptype {
		case transfection.PositionMock, transfection.PositionUntreated, transfection.PositionUntransfected:
			p.IsoConcentration = null.Float{}
			p.FinalConcentration = null.Float{}
		}
		if ptype == transfection.PositionUntreated || ptype == transfection.PositionUntransfected {
			p.IsoVolume = null.Float{}
		}
		if err := layout.Add(p); err != nil {
			h.rec.AddError("%v", err)
		}
	}
	if len(invalidPool) > 0 {
		h.rec.AddError("Invalid molecule design pool values: %s.", strings.Join(invalidPool, ", "))
	}
	if len(withoutPool) > 0 {
		h.rec.AddError("Some positions have parameter values but no molecule design pool: %s.", strings.Join(withoutPool, ", "))
	}
	if layout.Len() == 0 && !h.rec.HasErrors() {
		h.rec.AddError("The ISO layout does not contain any position.")
	}
	return layout
}

func (h *Handler) positiveFloat(param transfection.Parameter, value string, pos domain.RackPosition) null.Float {
	if value == "" {
		return null.Float{}
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || f <= 0 {
		h.rec.AddError("Invalid %s %q at position %s: expected a positive number.", param, value, pos.Label())
		return null.Float{}
	}
	return null.FloatFrom(f)
}

// resolvePools attaches catalog pools, loads the floating pool set and
// checks molecule type consistency.
func (h *Handler) resolvePools(ctx context.Context, out *Result, rules typeRules, meta map[string]metadataValue) {
	layout := out.Layout
	ids := layout.FixedPoolIDs()
	if len(ids) > 0 {
		var pools map[int]domain.MoleculeDesignPool
		if !h.rec.Try("fetch molecule design pools", func() error {
			var err error
			pools, err = h.pools.PoolsByID(ctx, ids)
			return err
		}) {
			return
		}
		if missing := layout.AttachPools(pools); len(missing) > 0 {
			h.rec.AddError("The following molecule design pool IDs are unknown: %s.", joinInts(missing))
			return
		}
	}

	library := ""
	if v, ok := meta[KeyLibrary]; ok {
		library = workbook.Text(v.raw)
	} else if v, ok := meta[KeyMoleculeDesignLibrary]; ok {
		library = workbook.Text(v.raw)
	}
	if library != "" {
		var set domain.MoleculeDesignPoolSet
		if !h.rec.Try("fetch library "+library, func() error {
			var err error
			set, err = h.pools.LibraryPools(ctx, library)
			return err
		}) {
			return
		}
		out.FloatingPoolSet = &set
	} else if h.opts.FloatingPoolSet != nil {
		set := *h.opts.FloatingPoolSet
		out.FloatingPoolSet = &set
	}
	if len(layout.FloatingMarkers()) > 0 && out.FloatingPoolSet == nil {
		h.rec.AddWarning("There is no molecule design pool set for the %d floating positions yet. ISOs can only be generated once one is attached.", len(layout.FloatingMarkers()))
	}

	types := make(map[domain.MoleculeType]struct{})
	for _, p := range layout.PositionsOfType(transfection.PositionFixed) {
		types[p.Pool.MoleculeType] = struct{}{}
	}
	if out.FloatingPoolSet != nil && out.FloatingPoolSet.MoleculeType != "" {
		types[out.FloatingPoolSet.MoleculeType] = struct{}{}
	}
	names := make([]string, 0, len(types))
	for t := range types {
		names = append(names, string(t))
	}
	sort.Strings(names)
	if rules.singleMoleculeType && len(names) > 1 {
		h.rec.AddError("All molecule design pools must have the same molecule type. Found: %s.", strings.Join(names, ", "))
		return
	}
	if len(names) > 0 {
		out.MoleculeType = domain.MoleculeType(names[0])
	}
}

// deriveConcentrations fills ISO concentrations from final concentrations.
func (h *Handler) deriveConcentrations(out *Result) {
	for _, p := range out.Layout.Positions() {
		if !p.HasMolecules() || !p.FinalConcentration.Valid {
			continue
		}
		molType := out.MoleculeType
		if p.Pool != nil {
			molType = p.Pool.MoleculeType
		}
		if molType == "" {
			molType = domain.MoleculeTypeSIRNA
		}
		derived := transfection.IsoConcentration(p.FinalConcentration.Float64, molType)
		if !p.IsoConcentration.Valid {
			p.IsoConcentration = null.FloatFrom(derived)
			continue
		}
		if math.Abs(p.IsoConcentration.Float64-derived) > 0.01*derived {
			h.rec.AddWarning("The ISO concentration at %s (%g nM) does not match the final concentration %g nM (expected ISO concentration %g nM).",
				p.Position.Label(), p.IsoConcentration.Float64, p.FinalConcentration.Float64, derived)
		}
	}
}

// checkRequired reports positions lacking a mandatory parameter.
func (h *Handler) checkRequired(layout *transfection.Layout, rules typeRules) {
	missing := make(map[transfection.Parameter][]string)
	var order []transfection.Parameter
	note := func(param transfection.Parameter, pos domain.RackPosition) {
		if _, ok := missing[param]; !ok {
			order = append(order, param)
		}
		missing[param] = append(missing[param], pos.Label())
	}
	for _, p := range layout.Positions() {
		switch {
		case p.HasMolecules():
			for _, param := range rules.params {
				if !hasParam(p, param) {
					note(param, p.Position)
				}
			}
			if rules.eitherConcentration && !p.IsoConcentration.Valid {
				note(transfection.ParamIsoConcentration, p.Position)
			}
		case p.Type == transfection.PositionMock:
			for _, param := range rules.params {
				if param == transfection.ParamIsoConcentration || param == transfection.ParamFinalConcentration {
					continue
				}
				if !hasParam(p, param) {
					note(param, p.Position)
				}
			}
		}
	}
	for _, param := range order {
		h.rec.AddError("The following positions lack a %s: %s.", param, strings.Join(missing[param], ", "))
	}
}

func hasParam(p *transfection.Position, param transfection.Parameter) bool {
	switch param {
	case transfection.ParamIsoVolume:
		return p.IsoVolume.Valid
	case transfection.ParamIsoConcentration:
		return p.IsoConcentration.Valid
	case transfection.ParamReagentName:
		return p.ReagentName.Valid
	case transfection.ParamReagentDilutionFactor:
		return p.ReagentDilutionFactor.Valid
	case transfection.ParamFinalConcentration:
		return p.FinalConcentration.Valid
	case transfection.ParamSupplier:
		return p.Supplier.Valid
	default:
		return true
	}
}

// expectedNumberIsos is the number of ISOs needed to place every floating
// pool once; 1 without floatings.
func expectedNumberIsos(floatings int, set *domain.MoleculeDesignPoolSet) int {
	if floatings == 0 || set == nil || set.Len() == 0 {
		return 1
	}
	return (set.Len() + floatings - 1) / floatings
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ", ")
}
