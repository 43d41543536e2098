package library

import (
	"fmt"

	"screencore/pkg/domain"
)

// Library combines a base layout with its member pools.
type Library struct {
	Name          string
	BaseLayout    domain.RackLayout
	PoolSet       domain.MoleculeDesignPoolSet
	NumberLayouts int
}

// Build derives the number of library plate layouts needed to place every
// pool once on the library positions of the base layout.
func Build(name string, base domain.RackLayout, pools domain.MoleculeDesignPoolSet) (Library, error) {
	slots := len(LibraryPositions(base))
	if slots == 0 {
		return Library{}, fmt.Errorf("library %s: base layout has no library positions", name)
	}
	if pools.Len() == 0 {
		return Library{}, fmt.Errorf("library %s: no member pools", name)
	}
	return Library{
		Name:          name,
		BaseLayout:    base,
		PoolSet:       pools,
		NumberLayouts: (pools.Len() + slots - 1) / slots,
	}, nil
}
