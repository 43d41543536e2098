package domain

import (
	"encoding/json"
	"fmt"
	"sort"
)

// RackKind distinguishes plates from tube racks.
type RackKind string

// Rack kinds.
const (
	RackKindPlate    RackKind = "plate"
	RackKindTubeRack RackKind = "tube_rack"
)

// ContainerKind distinguishes wells from tubes.
type ContainerKind string

// Container kinds.
const (
	ContainerKindWell ContainerKind = "well"
	ContainerKindTube ContainerKind = "tube"
)

// ItemStatus is the management status of a rack.
type ItemStatus string

// Rack statuses.
const (
	ItemStatusManaged   ItemStatus = "managed"
	ItemStatusFuture    ItemStatus = "future"
	ItemStatusUnmanaged ItemStatus = "unmanaged"
	ItemStatusDestroyed ItemStatus = "destroyed"
)

// PlateSpecs describe a plate type and the well volume limits (µL).
type PlateSpecs struct {
	Name       string    `json:"name"`
	Shape      RackShape `json:"shape"`
	MaxVolume  float64   `json:"max_volume"`
	DeadVolume float64   `json:"dead_volume"`
}

// Standard plate specs.
var (
	PlateSpecsStandard96  = PlateSpecs{Name: "STANDARD_96", Shape: Shape96, MaxVolume: 250, DeadVolume: 10}
	PlateSpecsDeep96      = PlateSpecs{Name: "DEEP_96", Shape: Shape96, MaxVolume: 1500, DeadVolume: 30}
	PlateSpecsStandard384 = PlateSpecs{Name: "STANDARD_384", Shape: Shape384, MaxVolume: 100, DeadVolume: 5}
)

// PlateSpecsByName resolves one of the standard plate specs.
func PlateSpecsByName(name string) (PlateSpecs, bool) {
	for _, s := range []PlateSpecs{PlateSpecsStandard96, PlateSpecsDeep96, PlateSpecsStandard384} {
		if s.Name == name {
			return s, true
		}
	}
	return PlateSpecs{}, false
}

// StockTubeDeadVolume is the volume (µL) that cannot be aspirated from a stock tube.
const StockTubeDeadVolume = 5.0

// SampleComponent is one molecule and its concentration (nM) within a sample.
type SampleComponent struct {
	MoleculeDesignID int     `json:"molecule_design_id"`
	Concentration    float64 `json:"concentration"`
}

// StockInfo pins the stock identity of a stock sample.
type StockInfo struct {
	Supplier      string       `json:"supplier"`
	PoolID        int          `json:"pool_id"`
	MoleculeType  MoleculeType `json:"molecule_type"`
	Concentration float64      `json:"concentration"`
}

// Sample is the liquid held by a container. Stock samples carry StockInfo.
type Sample struct {
	Volume     float64           `json:"volume"`
	Components []SampleComponent `json:"components,omitempty"`
	Stock      *StockInfo        `json:"stock,omitempty"`
}

// NewStockSample builds a stock sample for the pool; the stock concentration is
// split evenly across the member designs.
func NewStockSample(volume float64, pool MoleculeDesignPool, supplier string, concentration float64) Sample {
	s := Sample{
		Volume: volume,
		Stock: &StockInfo{
			Supplier:      supplier,
			PoolID:        pool.ID,
			MoleculeType:  pool.MoleculeType,
			Concentration: concentration,
		},
	}
	per := concentration
	if n := pool.Size(); n > 0 {
		per = concentration / float64(n)
	}
	for _, id := range pool.MemberIDs {
		s.Components = append(s.Components, SampleComponent{MoleculeDesignID: id, Concentration: per})
	}
	return s
}

// Container is a well or a tube. A container holds at most one sample.
type Container struct {
	Kind    ContainerKind `json:"kind"`
	Barcode string        `json:"barcode,omitempty"`
	Sample  *Sample       `json:"sample,omitempty"`
}

// NewTube returns an empty tube.
func NewTube(barcode string) *Container {
	return &Container{Kind: ContainerKindTube, Barcode: barcode}
}

// Rack is a plate (fixed wells) or a tube rack (movable barcoded tubes).
type Rack struct {
	Barcode    string     `json:"barcode"`
	Label      string     `json:"label"`
	Status     ItemStatus `json:"status"`
	Kind       RackKind   `json:"kind"`
	Shape      RackShape  `json:"shape"`
	SpecsName  string     `json:"specs"`
	Location   *string    `json:"location,omitempty"`
	containers map[RackPosition]*Container
}

// NewPlate creates a plate and its wells. The plate owns the wells for life.
func NewPlate(barcode, label string, specs PlateSpecs) (*Rack, error) {
	if !IsRackBarcode(barcode) {
		return nil, fmt.Errorf("invalid rack barcode %q", barcode)
	}
	r := &Rack{
		Barcode:    barcode,
		Label:      label,
		Status:     ItemStatusFuture,
		Kind:       RackKindPlate,
		Shape:      specs.Shape,
		SpecsName:  specs.Name,
		containers: make(map[RackPosition]*Container, specs.Shape.Size()),
	}
	for _, pos := range specs.Shape.Positions() {
		r.containers[pos] = &Container{Kind: ContainerKindWell}
	}
	return r, nil
}

// NewTubeRack creates an empty tube rack.
func NewTubeRack(barcode, label string, shape RackShape) (*Rack, error) {
	if !IsRackBarcode(barcode) {
		return nil, fmt.Errorf("invalid rack barcode %q", barcode)
	}
	return &Rack{
		Barcode:    barcode,
		Label:      label,
		Status:     ItemStatusManaged,
		Kind:       RackKindTubeRack,
		Shape:      shape,
		containers: make(map[RackPosition]*Container),
	}, nil
}

// ContainerAt returns the container at the position, if any.
func (r *Rack) ContainerAt(pos RackPosition) (*Container, bool) {
	c, ok := r.containers[pos]
	return c, ok
}

// Positions returns the occupied positions in row-major order.
func (r *Rack) Positions() []RackPosition {
	out := make([]RackPosition, 0, len(r.containers))
	for pos := range r.containers {
		out = append(out, pos)
	}
	SortPositions(out)
	return out
}

// AddTube places a tube at an empty in-shape position.
func (r *Rack) AddTube(tube *Container, pos RackPosition) error {
	if r.Kind != RackKindTubeRack {
		return fmt.Errorf("rack %s is not a tube rack", r.Barcode)
	}
	if tube == nil || tube.Kind != ContainerKindTube {
		return fmt.Errorf("only tubes can be added to tube rack %s", r.Barcode)
	}
	if !r.Shape.Contains(pos) {
		return fmt.Errorf("position %s is out of range for rack %s (%s)", pos.Label(), r.Barcode, r.Shape.Name())
	}
	if _, occupied := r.containers[pos]; occupied {
		return fmt.Errorf("position %s of rack %s is occupied", pos.Label(), r.Barcode)
	}
	r.containers[pos] = tube
	return nil
}

// RemoveTube takes the tube out of the position.
func (r *Rack) RemoveTube(pos RackPosition) (*Container, error) {
	if r.Kind != RackKindTubeRack {
		return nil, fmt.Errorf("rack %s is not a tube rack", r.Barcode)
	}
	tube, ok := r.containers[pos]
	if !ok {
		return nil, fmt.Errorf("position %s of rack %s is empty", pos.Label(), r.Barcode)
	}
	delete(r.containers, pos)
	return tube, nil
}

// MoveTube moves a tube from a non-empty source position to an empty target
// position on the target rack (which may be r itself).
func (r *Rack) MoveTube(from RackPosition, target *Rack, to RackPosition) error {
	if target == nil {
		return fmt.Errorf("target rack required")
	}
	if target.Kind != RackKindTubeRack {
		return fmt.Errorf("rack %s is not a tube rack", target.Barcode)
	}
	if !target.Shape.Contains(to) {
		return fmt.Errorf("position %s is out of range for rack %s (%s)", to.Label(), target.Barcode, target.Shape.Name())
	}
	if _, occupied := target.containers[to]; occupied {
		return fmt.Errorf("position %s of rack %s is occupied", to.Label(), target.Barcode)
	}
	tube, err := r.RemoveTube(from)
	if err != nil {
		return err
	}
	target.containers[to] = tube
	return nil
}

type rackAlias Rack

type rackSlot struct {
	Position  RackPosition `json:"position"`
	Container *Container   `json:"container"`
}

// MarshalJSON serialises the containers as an ordered slot list.
func (r Rack) MarshalJSON() ([]byte, error) {
	type payload struct {
		rackAlias
		Containers []rackSlot `json:"containers"`
	}
	slots := make([]rackSlot, 0, len(r.containers))
	for pos, c := range r.containers {
		slots = append(slots, rackSlot{Position: pos, Container: c})
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i].Position.Less(slots[j].Position) })
	return json.Marshal(payload{rackAlias: rackAlias(r), Containers: slots})
}

// UnmarshalJSON restores containers from the slot list.
func (r *Rack) UnmarshalJSON(data []byte) error {
	type payload struct {
		rackAlias
		Containers []rackSlot `json:"containers"`
	}
	var aux payload
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Rack(aux.rackAlias)
	r.containers = make(map[RackPosition]*Container, len(aux.Containers))
	for _, slot := range aux.Containers {
		r.containers[slot.Position] = slot.Container
	}
	return nil
}
