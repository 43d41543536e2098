// Package transfection models ISO plate layouts: per-position pools, position
// types and transfection parameters, their conversion to and from tagged
// rack layouts, and the transfection dilution arithmetic.
package transfection

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/guregu/null.v3"

	"screencore/pkg/domain"
)

// TagDomain is the domain of every tag written by ToRackLayout.
const TagDomain = "transfection"

// PositionType classifies an ISO plate position.
type PositionType string

// Position types.
const (
	PositionEmpty         PositionType = "empty"
	PositionMock          PositionType = "mock"
	PositionFixed         PositionType = "fixed"
	PositionFloating      PositionType = "floating"
	PositionLibrary       PositionType = "library"
	PositionUntreated     PositionType = "untreated"
	PositionUntransfected PositionType = "untransfected"
)

// Reserved pool values.
const (
	MockValue          = "mock"
	LibraryValue       = "library"
	UntreatedValue     = "untreated"
	UntransfectedValue = "untransfected"
	noneValue          = "none"
)

// Parameter is a per-position ISO parameter.
type Parameter string

// Parameters.
const (
	ParamPool                  Parameter = "molecule design pool id"
	ParamIsoVolume             Parameter = "iso volume"
	ParamIsoConcentration      Parameter = "iso concentration"
	ParamReagentName           Parameter = "reagent name"
	ParamReagentDilutionFactor Parameter = "reagent dilution factor"
	ParamFinalConcentration    Parameter = "final concentration"
	ParamSupplier              Parameter = "supplier"
	paramPositionType          Parameter = "position type"
	paramPlaceholder           Parameter = "floating placeholder"
)

// Parameters lists the parameters in display order.
var Parameters = []Parameter{
	ParamPool, ParamIsoVolume, ParamIsoConcentration, ParamReagentName,
	ParamReagentDilutionFactor, ParamFinalConcentration, ParamSupplier,
}

// Aliases are the predicates users may write for each parameter.
var Aliases = map[Parameter][]string{
	ParamPool:                  {"molecule design pool id", "molecule design pool", "pool id", "md pool", "pool", "molecule design set", "molecule design id"},
	ParamIsoVolume:             {"iso volume", "volume"},
	ParamIsoConcentration:      {"iso concentration", "concentration", "iso conc"},
	ParamReagentName:           {"reagent name", "rnai reagent", "transfection reagent"},
	ParamReagentDilutionFactor: {"reagent dilution factor", "reagent dil factor", "dilution factor"},
	ParamFinalConcentration:    {"final concentration", "final conc"},
	ParamSupplier:              {"supplier"},
}

// ParameterForPredicate resolves a (lower-case) predicate to its parameter.
func ParameterForPredicate(predicate string) (Parameter, bool) {
	predicate = strings.ToLower(strings.TrimSpace(predicate))
	for _, param := range Parameters {
		for _, alias := range Aliases[param] {
			if alias == predicate {
				return param, true
			}
		}
	}
	return "", false
}

// Position is one position of an ISO plate layout.
type Position struct {
	Position              domain.RackPosition
	Type                  PositionType
	PoolID                int
	Placeholder           string
	Pool                  *domain.MoleculeDesignPool
	IsoVolume             null.Float
	IsoConcentration      null.Float
	ReagentName           null.String
	ReagentDilutionFactor null.Float
	FinalConcentration    null.Float
	Supplier              null.String
}

// PoolValue renders the pool column: the pool ID, the floating marker or a
// reserved keyword.
func (p *Position) PoolValue() string {
	switch p.Type {
	case PositionFixed:
		return strconv.Itoa(p.PoolID)
	case PositionFloating:
		if p.PoolID > 0 {
			return strconv.Itoa(p.PoolID)
		}
		return p.Placeholder
	case PositionMock:
		return MockValue
	case PositionLibrary:
		return LibraryValue
	case PositionUntreated:
		return UntreatedValue
	case PositionUntransfected:
		return UntransfectedValue
	default:
		return ""
	}
}

// HasMolecules reports whether the position receives molecule designs.
func (p *Position) HasMolecules() bool {
	return p.Type == PositionFixed || p.Type == PositionFloating || p.Type == PositionLibrary
}

// Clone returns a copy sharing the pool record.
func (p *Position) Clone() *Position {
	c := *p
	return &c
}

// ClassifyPoolValue derives the position type from a raw pool value.
// Floating markers are recognised by their indicator prefix.
func ClassifyPoolValue(value string, floatingIndicator string) (PositionType, int, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	switch {
	case v == "":
		return PositionEmpty, 0, nil
	case v == MockValue:
		return PositionMock, 0, nil
	case v == LibraryValue:
		return PositionLibrary, 0, nil
	case v == UntreatedValue || v == noneValue:
		return PositionUntreated, 0, nil
	case v == UntransfectedValue:
		return PositionUntransfected, 0, nil
	case floatingIndicator != "" && strings.HasPrefix(v, strings.ToLower(floatingIndicator)):
		return PositionFloating, 0, nil
	}
	id, err := strconv.Atoi(v)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("unknown molecule design pool value %q", value)
	}
	return PositionFixed, id, nil
}

// Layout is an ISO plate layout.
type Layout struct {
	Shape     domain.RackShape
	positions map[domain.RackPosition]*Position
}

// NewLayout returns an empty layout.
func NewLayout(shape domain.RackShape) *Layout {
	return &Layout{Shape: shape, positions: make(map[domain.RackPosition]*Position)}
}

// Add stores a position; one entry per rack position.
func (l *Layout) Add(p *Position) error {
	if !l.Shape.Contains(p.Position) {
		return fmt.Errorf("position %s is out of range for rack shape %s", p.Position.Label(), l.Shape.Name())
	}
	if _, dup := l.positions[p.Position]; dup {
		return fmt.Errorf("duplicate layout position %s", p.Position.Label())
	}
	l.positions[p.Position] = p
	return nil
}

// Remove drops the position at pos.
func (l *Layout) Remove(pos domain.RackPosition) { delete(l.positions, pos) }

// Get returns the position at pos.
func (l *Layout) Get(pos domain.RackPosition) (*Position, bool) {
	p, ok := l.positions[pos]
	return p, ok
}

// Len returns the number of positions.
func (l *Layout) Len() int { return len(l.positions) }

// Positions returns every position row-major.
func (l *Layout) Positions() []*Position {
	out := make([]*Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position.Less(out[j].Position) })
	return out
}

// PositionsOfType filters Positions by type.
func (l *Layout) PositionsOfType(t PositionType) []*Position {
	var out []*Position
	for _, p := range l.Positions() {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

// FixedPoolIDs returns the distinct fixed pool IDs, ascending.
func (l *Layout) FixedPoolIDs() []int {
	seen := make(map[int]struct{})
	var out []int
	for _, p := range l.positions {
		if p.Type != PositionFixed {
			continue
		}
		if _, ok := seen[p.PoolID]; !ok {
			seen[p.PoolID] = struct{}{}
			out = append(out, p.PoolID)
		}
	}
	sort.Ints(out)
	return out
}

// FloatingMarkers returns the distinct floating markers, sorted.
func (l *Layout) FloatingMarkers() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range l.positions {
		if p.Type != PositionFloating {
			continue
		}
		if _, ok := seen[p.Placeholder]; !ok {
			seen[p.Placeholder] = struct{}{}
			out = append(out, p.Placeholder)
		}
	}
	sort.Strings(out)
	return out
}

// Clone deep-copies the layout.
func (l *Layout) Clone() *Layout {
	out := NewLayout(l.Shape)
	for pos, p := range l.positions {
		out.positions[pos] = p.Clone()
	}
	return out
}

// ToRackLayout stores every (position, parameter) binding as a tag.
func (l *Layout) ToRackLayout(user string, at time.Time) (domain.RackLayout, error) {
	tagPositions := make(map[domain.Tag][]domain.RackPosition)
	add := func(param Parameter, value string, pos domain.RackPosition) {
		if value == "" {
			return
		}
		tag := domain.NewTag(TagDomain, string(param), value)
		tagPositions[tag] = append(tagPositions[tag], pos)
	}
	for _, p := range l.Positions() {
		pos := p.Position
		add(paramPositionType, string(p.Type), pos)
		add(ParamPool, p.PoolValue(), pos)
		if p.Type == PositionFloating && p.PoolID > 0 {
			add(paramPlaceholder, p.Placeholder, pos)
		}
		add(ParamIsoVolume, formatFloat(p.IsoVolume), pos)
		add(ParamIsoConcentration, formatFloat(p.IsoConcentration), pos)
		add(ParamReagentName, p.ReagentName.String, pos)
		add(ParamReagentDilutionFactor, formatFloat(p.ReagentDilutionFactor), pos)
		add(ParamFinalConcentration, formatFloat(p.FinalConcentration), pos)
		add(ParamSupplier, p.Supplier.String, pos)
	}
	return domain.RackLayoutFromTagMap(l.Shape, tagPositions, user, at)
}

// FromRackLayout rebuilds a layout written by ToRackLayout. Pools are not
// resolved; callers attach them from the request's pool records.
func FromRackLayout(rl domain.RackLayout) (*Layout, error) {
	out := NewLayout(rl.Shape)
	for _, pos := range rl.Positions() {
		values := make(map[Parameter]string)
		for _, tag := range rl.TagsForPosition(pos) {
			if tag.Domain != TagDomain {
				continue
			}
			param := Parameter(tag.Predicate)
			if prev, dup := values[param]; dup && prev != tag.Value {
				return nil, fmt.Errorf("position %s has conflicting values for %s (%s, %s)", pos.Label(), param, prev, tag.Value)
			}
			values[param] = tag.Value
		}
		typeValue, ok := values[paramPositionType]
		if !ok {
			return nil, fmt.Errorf("position %s has no position type", pos.Label())
		}
		p := &Position{Position: pos, Type: PositionType(typeValue)}
		switch p.Type {
		case PositionFixed:
			id, err := strconv.Atoi(values[ParamPool])
			if err != nil {
				return nil, fmt.Errorf("position %s: invalid pool ID %q", pos.Label(), values[ParamPool])
			}
			p.PoolID = id
		case PositionFloating:
			p.Placeholder = values[ParamPool]
			if assigned, ok := values[paramPlaceholder]; ok {
				id, err := strconv.Atoi(values[ParamPool])
				if err != nil {
					return nil, fmt.Errorf("position %s: invalid pool ID %q", pos.Label(), values[ParamPool])
				}
				p.Placeholder, p.PoolID = assigned, id
			}
			if p.Placeholder == "" {
				return nil, fmt.Errorf("position %s: floating position without placeholder", pos.Label())
			}
		case PositionEmpty, PositionMock, PositionLibrary, PositionUntreated, PositionUntransfected:
		default:
			return nil, fmt.Errorf("position %s: unknown position type %q", pos.Label(), typeValue)
		}
		var err error
		if p.IsoVolume, err = parseFloat(values[ParamIsoVolume]); err != nil {
			return nil, fmt.Errorf("position %s: iso volume: %w", pos.Label(), err)
		}
		if p.IsoConcentration, err = parseFloat(values[ParamIsoConcentration]); err != nil {
			return nil, fmt.Errorf("position %s: iso concentration: %w", pos.Label(), err)
		}
		if p.ReagentDilutionFactor, err = parseFloat(values[ParamReagentDilutionFactor]); err != nil {
			return nil, fmt.Errorf("position %s: reagent dilution factor: %w", pos.Label(), err)
		}
		if p.FinalConcentration, err = parseFloat(values[ParamFinalConcentration]); err != nil {
			return nil, fmt.Errorf("position %s: final concentration: %w", pos.Label(), err)
		}
		p.ReagentName = nullString(values[ParamReagentName])
		p.Supplier = nullString(values[ParamSupplier])
		if err := out.Add(p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AttachPools resolves the pool records of fixed positions and of floating
// positions with an assigned pool. It returns the missing fixed pool IDs.
func (l *Layout) AttachPools(pools map[int]domain.MoleculeDesignPool) []int {
	var missing []int
	for _, id := range l.FixedPoolIDs() {
		if _, ok := pools[id]; !ok {
			missing = append(missing, id)
		}
	}
	for _, p := range l.positions {
		if p.PoolID == 0 {
			continue
		}
		if pool, ok := pools[p.PoolID]; ok {
			pc := pool
			p.Pool = &pc
		}
	}
	return missing
}

func formatFloat(v null.Float) string {
	if !v.Valid {
		return ""
	}
	return strconv.FormatFloat(v.Float64, 'f', -1, 64)
}

func parseFloat(s string) (null.Float, error) {
	if s == "" {
		return null.Float{}, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return null.Float{}, err
	}
	return null.FloatFrom(f), nil
}

func nullString(s string) null.String {
	if s == "" {
		return null.String{}
	}
	return null.StringFrom(s)
}
