// Package catalog is the molecule-design catalog consulted by the handlers
// and the ISO generator: molecule designs, pools, named libraries and the
// stock tubes that hold pool samples.
package catalog

import (
	"context"
	"fmt"
	"sort"

	"screencore/pkg/domain"
)

// PoolStockRackConcentration is the stock concentration (nM) of newly
// created library pools.
const PoolStockRackConcentration = 10000

// Catalog is the read/write surface used by the pipeline.
type Catalog interface {
	PoolsByID(ctx context.Context, ids []int) (map[int]domain.MoleculeDesignPool, error)
	DesignsByID(ctx context.Context, ids []int) (map[int]domain.MoleculeDesign, error)
	PoolForDesigns(ctx context.Context, designIDs []int) (domain.MoleculeDesignPool, bool, error)
	CreatePool(ctx context.Context, designs []domain.MoleculeDesign, stockConcentration float64) (domain.MoleculeDesignPool, error)
	LibraryPools(ctx context.Context, name string) (domain.MoleculeDesignPoolSet, error)
	StockCandidates(ctx context.Context, query CandidateQuery) ([]StockTube, error)
}

// Registry seeds a catalog.
type Registry interface {
	RegisterDesigns(ctx context.Context, designs ...domain.MoleculeDesign) error
	RegisterPool(ctx context.Context, pool domain.MoleculeDesignPool) error
	RegisterLibrary(ctx context.Context, name string, poolIDs []int) error
	RegisterStockTubes(ctx context.Context, tubes ...StockTube) error
}

// StockTube is a tube holding a pool stock sample. Volume is in µL and
// Concentration in nM.
type StockTube struct {
	Barcode       string  `db:"barcode" yaml:"barcode" csv:"tube_barcode"`
	RackBarcode   string  `db:"rack_barcode" yaml:"rack" csv:"rack_barcode"`
	Position      string  `db:"position" yaml:"position" csv:"position"`
	PoolID        int     `db:"pool_id" yaml:"pool" csv:"pool_id"`
	Concentration float64 `db:"concentration" yaml:"concentration" csv:"concentration"`
	Volume        float64 `db:"volume" yaml:"volume" csv:"volume"`
}

// CandidateQuery selects stock tubes for a set of pools.
type CandidateQuery struct {
	PoolIDs []int
	// MinVolume is the smallest acceptable tube volume (µL) including the
	// tube dead volume.
	MinVolume     float64
	ExcludedRacks []string
}

// ErrNotFound reports a missing catalog record.
type ErrNotFound struct {
	Entity string
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// FilterExcluded drops tubes located in the excluded racks.
func FilterExcluded(tubes []StockTube, excluded []string) []StockTube {
	if len(excluded) == 0 {
		return tubes
	}
	skip := make(map[string]struct{}, len(excluded))
	for _, b := range excluded {
		skip[b] = struct{}{}
	}
	out := tubes[:0:0]
	for _, t := range tubes {
		if _, ok := skip[t.RackBarcode]; !ok {
			out = append(out, t)
		}
	}
	return out
}

// sortCandidates orders tubes by pool, fuller tubes first, then barcode.
func sortCandidates(tubes []StockTube) {
	sort.SliceStable(tubes, func(i, j int) bool {
		a, b := tubes[i], tubes[j]
		if a.PoolID != b.PoolID {
			return a.PoolID < b.PoolID
		}
		if a.Volume != b.Volume {
			return a.Volume > b.Volume
		}
		return a.Barcode < b.Barcode
	})
}
