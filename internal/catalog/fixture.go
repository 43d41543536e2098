package catalog

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"screencore/pkg/domain"
)

// Fixture is the YAML seed format of a catalog.
type Fixture struct {
	Pools []struct {
		ID                 int     `yaml:"id"`
		MoleculeType       string  `yaml:"molecule_type"`
		Designs            []int   `yaml:"designs"`
		StockConcentration float64 `yaml:"stock_concentration"`
	} `yaml:"pools"`
	Libraries map[string][]int `yaml:"libraries"`
	Tubes     []StockTube      `yaml:"tubes"`
}

// LoadFixture decodes a YAML fixture and registers its records.
func LoadFixture(ctx context.Context, reg Registry, r io.Reader) error {
	var fx Fixture
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fx); err != nil && err != io.EOF {
		return fmt.Errorf("decode catalog fixture: %w", err)
	}
	for _, p := range fx.Pools {
		molType, err := domain.ParseMoleculeType(p.MoleculeType)
		if err != nil {
			return fmt.Errorf("pool %d: %w", p.ID, err)
		}
		designs := make([]domain.MoleculeDesign, len(p.Designs))
		for i, id := range p.Designs {
			designs[i] = domain.MoleculeDesign{ID: id, MoleculeType: molType}
		}
		if err := reg.RegisterDesigns(ctx, designs...); err != nil {
			return err
		}
		pool, err := domain.NewMoleculeDesignPool(p.ID, designs, p.StockConcentration)
		if err != nil {
			return fmt.Errorf("pool %d: %w", p.ID, err)
		}
		if err := reg.RegisterPool(ctx, pool); err != nil {
			return err
		}
	}
	for name, ids := range fx.Libraries {
		if err := reg.RegisterLibrary(ctx, name, ids); err != nil {
			return fmt.Errorf("library %s: %w", name, err)
		}
	}
	if len(fx.Tubes) > 0 {
		if err := reg.RegisterStockTubes(ctx, fx.Tubes...); err != nil {
			return err
		}
	}
	return nil
}
