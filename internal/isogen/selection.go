package isogen

import (
	"context"
	"fmt"
	"math"
	"sort"

	"screencore/internal/catalog"
	"screencore/internal/transfection"
	"screencore/pkg/domain"
)

// StockSource resolves pools and stock tube candidates.
type StockSource interface {
	PoolsByID(ctx context.Context, ids []int) (map[int]domain.MoleculeDesignPool, error)
	StockCandidates(ctx context.Context, query catalog.CandidateQuery) ([]catalog.StockTube, error)
}

// stockNeeds are the stock requirements of one ISO batch generation.
type stockNeeds struct {
	// fixed maps a pool to the volume (µL) its tube must hold, dead volume
	// included.
	fixed     map[int]float64
	fixedConc map[int]float64
	// floating is the volume a floating pool tube must hold.
	floating     float64
	floatingConc float64
}

func computeNeeds(prep *PrepLayout, count int) stockNeeds {
	needs := stockNeeds{fixed: make(map[int]float64), fixedConc: make(map[int]float64)}
	perMarker := make(map[string]float64)
	for _, p := range prep.Positions() {
		switch p.Type {
		case transfection.PositionFixed:
			needs.fixed[p.PoolID] += p.StockVolume
			needs.fixedConc[p.PoolID] = p.StockConcentration
		case transfection.PositionFloating:
			perMarker[p.Placeholder] += p.StockVolume
			needs.floatingConc = p.StockConcentration
		}
	}
	for id, v := range needs.fixed {
		needs.fixed[id] = v*float64(count) + domain.StockTubeDeadVolume
	}
	for _, v := range perMarker {
		if v > needs.floating {
			needs.floating = v
		}
	}
	if len(perMarker) > 0 {
		needs.floating += domain.StockTubeDeadVolume
	}
	return needs
}

func (n stockNeeds) minVolume() float64 {
	lowest := math.Inf(1)
	for _, v := range n.fixed {
		lowest = math.Min(lowest, v)
	}
	if n.floating > 0 {
		lowest = math.Min(lowest, n.floating)
	}
	if math.IsInf(lowest, 1) {
		return 0
	}
	return lowest
}

func concentrationMatches(have, want float64) bool {
	if want <= 0 {
		return true
	}
	return math.Abs(have-want) <= want*concentrationTolerance
}

// queryCandidates runs one combined query for 96-well layouts and separate
// fixed and floating queries for 384-well layouts.
func queryCandidates(ctx context.Context, src StockSource, shape domain.RackShape, needs stockNeeds, fixedIDs, floatingIDs []int, excluded []string) ([]catalog.StockTube, error) {
	run := func(ids []int, minVolume float64) ([]catalog.StockTube, error) {
		if len(ids) == 0 {
			return nil, nil
		}
		tubes, err := src.StockCandidates(ctx, catalog.CandidateQuery{PoolIDs: ids, MinVolume: minVolume, ExcludedRacks: excluded})
		if err != nil {
			return nil, fmt.Errorf("query stock candidates: %w", err)
		}
		return catalog.FilterExcluded(tubes, excluded), nil
	}
	if shape == domain.Shape384 {
		fixedTubes, err := run(fixedIDs, (stockNeeds{fixed: needs.fixed}).minVolume())
		if err != nil {
			return nil, err
		}
		floatingTubes, err := run(floatingIDs, needs.floating)
		if err != nil {
			return nil, err
		}
		return append(fixedTubes, floatingTubes...), nil
	}
	all := append(append([]int(nil), fixedIDs...), floatingIDs...)
	return run(all, needs.minVolume())
}

// pickTubes keeps one accepted candidate per pool: the first one, replaced
// by a later one that was explicitly requested.
func pickTubes(candidates []catalog.StockTube, accept func(catalog.StockTube) bool, requested map[string]struct{}) map[int]catalog.StockTube {
	picked := make(map[int]catalog.StockTube)
	for _, c := range candidates {
		if !accept(c) {
			continue
		}
		if _, have := picked[c.PoolID]; !have {
			picked[c.PoolID] = c
			continue
		}
		if _, want := requested[c.Barcode]; want {
			picked[c.PoolID] = c
		}
	}
	return picked
}

// selectFixed picks one tube per fixed pool.
func selectFixed(candidates []catalog.StockTube, needs stockNeeds, requested map[string]struct{}) (map[int]catalog.StockTube, []int) {
	picked := pickTubes(candidates, func(c catalog.StockTube) bool {
		need, ok := needs.fixed[c.PoolID]
		return ok && c.Volume >= need && concentrationMatches(c.Concentration, needs.fixedConc[c.PoolID])
	}, requested)
	var missing []int
	for id := range needs.fixed {
		if _, ok := picked[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Ints(missing)
	return picked, missing
}

// floatingPick is a floating pool with its placeholder and stock tube.
type floatingPick struct {
	Marker string
	Pool   domain.MoleculeDesignPool
	Tube   catalog.StockTube
}

// isoBatch is the floating content of one ISO to create.
type isoBatch struct {
	Label string
	Picks []floatingPick
}

// floatingBatches are the ISO batches of one generation run.
type floatingBatches struct {
	Batches []isoBatch
	Missing []int
	Unused  []int
	// Partial lists the ISOs with unfilled floating placeholders.
	Partial  []string
	Complete bool
}

func acceptFloating(pools func(int) bool, needs stockNeeds) func(catalog.StockTube) bool {
	return func(c catalog.StockTube) bool {
		return pools(c.PoolID) && c.Volume >= needs.floating && concentrationMatches(c.Concentration, needs.floatingConc)
	}
}

// selectFloating fills the markers of one ISO per label with the queued
// pools that have an acceptable tube, in queue order.
func selectFloating(candidates []catalog.StockTube, queue domain.MoleculeDesignPoolSet, needs stockNeeds, requested map[string]struct{}, markers, labels []string) floatingBatches {
	tubes := pickTubes(candidates, acceptFloating(queue.Contains, needs), requested)
	var (
		out     floatingBatches
		current []floatingPick
	)
	flush := func() {
		label := labels[len(out.Batches)]
		out.Batches = append(out.Batches, isoBatch{Label: label, Picks: current})
		if len(current) < len(markers) {
			out.Partial = append(out.Partial, label)
		}
		current = nil
	}
	for _, pool := range queue.Pools {
		tube, ok := tubes[pool.ID]
		if !ok {
			out.Missing = append(out.Missing, pool.ID)
			continue
		}
		if len(out.Batches) == len(labels) {
			out.Unused = append(out.Unused, pool.ID)
			continue
		}
		current = append(current, floatingPick{Marker: markers[len(current)], Pool: pool, Tube: tube})
		if len(current) == len(markers) {
			flush()
		}
	}
	if len(current) > 0 {
		flush()
	}
	out.Complete = len(out.Batches) == len(labels)
	return out
}

// selectCopies gives every copy a fresh tube for each of its pools. The
// pools stay at their placeholders; pools without a tube leave their
// placeholder empty and a copy without any pool left is dropped.
func selectCopies(candidates []catalog.StockTube, copies []isoBatch, needs stockNeeds, requested map[string]struct{}) floatingBatches {
	wanted := make(map[int]struct{})
	for _, c := range copies {
		for _, pick := range c.Picks {
			wanted[pick.Pool.ID] = struct{}{}
		}
	}
	tubes := pickTubes(candidates, acceptFloating(func(id int) bool {
		_, ok := wanted[id]
		return ok
	}, needs), requested)
	var out floatingBatches
	for _, c := range copies {
		batch := isoBatch{Label: c.Label}
		for _, pick := range c.Picks {
			tube, ok := tubes[pick.Pool.ID]
			if !ok {
				out.Missing = append(out.Missing, pick.Pool.ID)
				continue
			}
			pick.Tube = tube
			batch.Picks = append(batch.Picks, pick)
		}
		if len(batch.Picks) == 0 {
			continue
		}
		if len(batch.Picks) < len(c.Picks) {
			out.Partial = append(out.Partial, c.Label)
		}
		out.Batches = append(out.Batches, batch)
	}
	sort.Ints(out.Missing)
	out.Complete = len(out.Batches) == len(copies)
	return out
}
