package isogen

import (
	"context"
	"fmt"
	"strconv"

	"screencore/internal/transfection"
	"screencore/pkg/domain"
)

// BarcodeSource issues rack barcodes for new plates and racks.
type BarcodeSource interface {
	NextRackBarcode(ctx context.Context) (string, error)
}

// SequenceBarcodes issues consecutive barcodes starting after Last.
type SequenceBarcodes struct {
	Last int
}

// NextRackBarcode implements BarcodeSource.
func (s *SequenceBarcodes) NextRackBarcode(context.Context) (string, error) {
	s.Last++
	barcode := fmt.Sprintf("%08d", s.Last)
	if !domain.IsRackBarcode(barcode) {
		return "", fmt.Errorf("barcode sequence exhausted at %s", barcode)
	}
	return barcode, nil
}

// TubeMove records one tube moved from its storage rack into a stock rack.
// Tubes of fixed pools serve every ISO of a run and carry the ISO request
// label instead of an ISO label.
type TubeMove struct {
	IsoLabel       string  `csv:"iso"`
	TubeBarcode    string  `csv:"tube_barcode"`
	PoolID         int     `csv:"pool_id"`
	SourceRack     string  `csv:"source_rack"`
	SourcePosition string  `csv:"source_position"`
	TargetRack     string  `csv:"target_rack"`
	TargetPosition string  `csv:"target_position"`
	Volume         float64 `csv:"transfer_volume"`
}

// stockKey identifies the stock tube a preparation position draws from:
// one tube per fixed pool and one per floating placeholder.
func stockKey(p *PrepPosition) (string, bool) {
	switch p.Type {
	case transfection.PositionFixed:
		return "pool " + strconv.Itoa(p.PoolID), true
	case transfection.PositionFloating:
		return "placeholder " + p.Placeholder, true
	}
	return "", false
}

// StockSlots maps every preparation position drawing stock to the slot of
// its tube in the stock racks. Tubes take the slots of a 96 tube rack in
// order of their first preparation position. The fixed and floating racks
// of a run share the numbering, so every slot label is unique across them.
func StockSlots(prep *PrepLayout) (map[domain.RackPosition]domain.RackPosition, error) {
	slots := domain.Shape96.Positions()
	byKey := make(map[string]domain.RackPosition)
	out := make(map[domain.RackPosition]domain.RackPosition)
	for _, p := range prep.Positions() {
		key, ok := stockKey(p)
		if !ok {
			continue
		}
		slot, seen := byKey[key]
		if !seen {
			if len(byKey) == len(slots) {
				return nil, fmt.Errorf("the preparation layout needs more than %d stock tubes", len(slots))
			}
			slot = slots[len(byKey)]
			byKey[key] = slot
		}
		out[p.Position] = slot
	}
	return out, nil
}

// stockArranger moves the stock tubes of one generation run into their stock
// racks. A tube is moved once; positions sharing it add to its volume.
type stockArranger struct {
	barcodes BarcodeSource
	slots    map[domain.RackPosition]domain.RackPosition
	sources  map[string]*domain.Rack
	placed   map[string]int
	racks    []*domain.Rack
	moves    []TubeMove
}

func newStockArranger(prep *PrepLayout, barcodes BarcodeSource) (*stockArranger, error) {
	slots, err := StockSlots(prep)
	if err != nil {
		return nil, err
	}
	return &stockArranger{
		barcodes: barcodes,
		slots:    slots,
		sources:  make(map[string]*domain.Rack),
		placed:   make(map[string]int),
	}, nil
}

// newRack issues an empty stock rack.
func (a *stockArranger) newRack(ctx context.Context, label string) (*domain.Rack, error) {
	barcode, err := a.barcodes.NextRackBarcode(ctx)
	if err != nil {
		return nil, err
	}
	rack, err := domain.NewTubeRack(barcode, label, domain.Shape96)
	if err != nil {
		return nil, err
	}
	a.racks = append(a.racks, rack)
	return rack, nil
}

// arrange moves the tubes of the positions of type typ into target.
func (a *stockArranger) arrange(isoLabel string, prep *PrepLayout, typ transfection.PositionType, target *domain.Rack) error {
	for _, p := range prep.Positions() {
		if p.Type != typ || p.TubeBarcode == "" {
			continue
		}
		if i, ok := a.placed[p.TubeBarcode]; ok {
			if a.moves[i].TargetRack != target.Barcode {
				return fmt.Errorf("tube %s is already placed in stock rack %s", p.TubeBarcode, a.moves[i].TargetRack)
			}
			a.moves[i].Volume += p.StockVolume
			continue
		}
		to, ok := a.slots[p.Position]
		if !ok {
			return fmt.Errorf("position %s has no stock slot", p.Position.Label())
		}
		from, err := domain.ParseRackPosition(p.TubePosition)
		if err != nil {
			return fmt.Errorf("tube %s: %w", p.TubeBarcode, err)
		}
		source, ok := a.sources[p.StockRackBarcode]
		if !ok {
			if source, err = domain.NewTubeRack(p.StockRackBarcode, "", domain.Shape96); err != nil {
				return err
			}
			a.sources[p.StockRackBarcode] = source
		}
		tube := domain.NewTube(p.TubeBarcode)
		if p.Pool != nil {
			sample := domain.NewStockSample(p.StockVolume, *p.Pool, p.Supplier, p.StockConcentration)
			tube.Sample = &sample
		}
		if err := source.AddTube(tube, from); err != nil {
			return err
		}
		if err := source.MoveTube(from, target, to); err != nil {
			return err
		}
		a.placed[p.TubeBarcode] = len(a.moves)
		a.moves = append(a.moves, TubeMove{
			IsoLabel:       isoLabel,
			TubeBarcode:    p.TubeBarcode,
			PoolID:         p.PoolID,
			SourceRack:     p.StockRackBarcode,
			SourcePosition: from.Label(),
			TargetRack:     target.Barcode,
			TargetPosition: to.Label(),
			Volume:         p.StockVolume,
		})
	}
	return nil
}
