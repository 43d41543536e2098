package isogen

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"screencore/internal/transfection"
	"screencore/pkg/domain"
)

// PrepTagDomain is the tag domain of stored preparation layouts.
const PrepTagDomain = "iso preparation"

// Preparation layout predicates.
const (
	predPositionType       = "position type"
	predPool               = "molecule design pool id"
	predPlaceholder        = "floating placeholder"
	predConcentration      = "concentration"
	predVolume             = "volume"
	predIsoVolume          = "iso volume"
	predStockConcentration = "stock concentration"
	predStockVolume        = "stock volume"
	predSupplier           = "supplier"
	predTubeBarcode        = "stock tube barcode"
	predStockRack          = "stock rack barcode"
	predTubePosition       = "stock tube position"
)

// PrepPosition is one well of a preparation plate. Volumes are in µL and
// concentrations in nM.
type PrepPosition struct {
	Position           domain.RackPosition
	Type               transfection.PositionType
	PoolID             int
	Placeholder        string
	Pool               *domain.MoleculeDesignPool
	Concentration      float64
	Volume             float64
	IsoVolume          float64
	StockConcentration float64
	StockVolume        float64
	Supplier           string
	TubeBarcode        string
	StockRackBarcode   string
	TubePosition       string
}

// BufferVolume is the diluent volume of the well.
func (p *PrepPosition) BufferVolume() float64 { return p.Volume - p.StockVolume }

// PrepLayout is the layout of a preparation plate.
type PrepLayout struct {
	Shape     domain.RackShape
	positions map[domain.RackPosition]*PrepPosition
}

// NewPrepLayout returns an empty preparation layout.
func NewPrepLayout(shape domain.RackShape) *PrepLayout {
	return &PrepLayout{Shape: shape, positions: make(map[domain.RackPosition]*PrepPosition)}
}

// Add stores a position.
func (l *PrepLayout) Add(p *PrepPosition) error {
	if !l.Shape.Contains(p.Position) {
		return fmt.Errorf("position %s is out of range for rack shape %s", p.Position.Label(), l.Shape.Name())
	}
	if _, dup := l.positions[p.Position]; dup {
		return fmt.Errorf("duplicate preparation position %s", p.Position.Label())
	}
	l.positions[p.Position] = p
	return nil
}

// Get returns the position at pos.
func (l *PrepLayout) Get(pos domain.RackPosition) (*PrepPosition, bool) {
	p, ok := l.positions[pos]
	return p, ok
}

// Remove drops the position at pos.
func (l *PrepLayout) Remove(pos domain.RackPosition) { delete(l.positions, pos) }

// Len returns the number of positions.
func (l *PrepLayout) Len() int { return len(l.positions) }

// Positions returns every position row-major.
func (l *PrepLayout) Positions() []*PrepPosition {
	out := make([]*PrepPosition, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position.Less(out[j].Position) })
	return out
}

// Clone deep-copies the layout.
func (l *PrepLayout) Clone() *PrepLayout {
	out := NewPrepLayout(l.Shape)
	for pos, p := range l.positions {
		c := *p
		out.positions[pos] = &c
	}
	return out
}

// MaxVolume is the largest well volume.
func (l *PrepLayout) MaxVolume() float64 {
	largest := 0.0
	for _, p := range l.positions {
		if p.Volume > largest {
			largest = p.Volume
		}
	}
	return largest
}

// StockRacks returns the distinct stock rack barcodes, sorted.
func (l *PrepLayout) StockRacks() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range l.positions {
		if p.StockRackBarcode == "" {
			continue
		}
		if _, ok := seen[p.StockRackBarcode]; !ok {
			seen[p.StockRackBarcode] = struct{}{}
			out = append(out, p.StockRackBarcode)
		}
	}
	sort.Strings(out)
	return out
}

// ToRackLayout stores the layout as tags.
func (l *PrepLayout) ToRackLayout(user string, at time.Time) (domain.RackLayout, error) {
	tagPositions := make(map[domain.Tag][]domain.RackPosition)
	add := func(predicate, value string, pos domain.RackPosition) {
		if value == "" {
			return
		}
		tag := domain.NewTag(PrepTagDomain, predicate, value)
		tagPositions[tag] = append(tagPositions[tag], pos)
	}
	num := func(v float64) string {
		if v == 0 {
			return ""
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	for _, p := range l.Positions() {
		pos := p.Position
		add(predPositionType, string(p.Type), pos)
		if p.PoolID > 0 {
			add(predPool, strconv.Itoa(p.PoolID), pos)
		}
		add(predPlaceholder, p.Placeholder, pos)
		add(predConcentration, num(p.Concentration), pos)
		add(predVolume, num(p.Volume), pos)
		add(predIsoVolume, num(p.IsoVolume), pos)
		add(predStockConcentration, num(p.StockConcentration), pos)
		add(predStockVolume, num(p.StockVolume), pos)
		add(predSupplier, p.Supplier, pos)
		add(predTubeBarcode, p.TubeBarcode, pos)
		add(predStockRack, p.StockRackBarcode, pos)
		add(predTubePosition, p.TubePosition, pos)
	}
	return domain.RackLayoutFromTagMap(l.Shape, tagPositions, user, at)
}

// PrepLayoutFromRackLayout rebuilds a layout written by ToRackLayout.
func PrepLayoutFromRackLayout(rl domain.RackLayout) (*PrepLayout, error) {
	out := NewPrepLayout(rl.Shape)
	for _, pos := range rl.Positions() {
		values := make(map[string]string)
		for _, tag := range rl.TagsForPosition(pos) {
			if tag.Domain == PrepTagDomain {
				values[tag.Predicate] = tag.Value
			}
		}
		typeValue, ok := values[predPositionType]
		if !ok {
			continue
		}
		p := &PrepPosition{
			Position:         pos,
			Type:             transfection.PositionType(typeValue),
			Placeholder:      values[predPlaceholder],
			Supplier:         values[predSupplier],
			TubeBarcode:      values[predTubeBarcode],
			StockRackBarcode: values[predStockRack],
			TubePosition:     values[predTubePosition],
		}
		var err error
		if v := values[predPool]; v != "" {
			if p.PoolID, err = strconv.Atoi(v); err != nil {
				return nil, fmt.Errorf("position %s: invalid pool ID %q", pos.Label(), v)
			}
		}
		for pred, dst := range map[string]*float64{
			predConcentration:      &p.Concentration,
			predVolume:             &p.Volume,
			predIsoVolume:          &p.IsoVolume,
			predStockConcentration: &p.StockConcentration,
			predStockVolume:        &p.StockVolume,
		} {
			v := values[pred]
			if v == "" {
				continue
			}
			if *dst, err = strconv.ParseFloat(v, 64); err != nil {
				return nil, fmt.Errorf("position %s: invalid %s %q", pos.Label(), pred, v)
			}
		}
		if err := out.Add(p); err != nil {
			return nil, err
		}
	}
	return out, nil
}
