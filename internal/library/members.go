package library

import (
	"context"
	"strconv"
	"strings"

	"screencore/internal/events"
	"screencore/internal/workbook"
	"screencore/pkg/domain"
)

// Catalog is the catalog surface used to resolve library members.
type Catalog interface {
	DesignsByID(ctx context.Context, ids []int) (map[int]domain.MoleculeDesign, error)
	PoolForDesigns(ctx context.Context, designIDs []int) (domain.MoleculeDesignPool, bool, error)
	CreatePool(ctx context.Context, designs []domain.MoleculeDesign, stockConcentration float64) (domain.MoleculeDesignPool, error)
}

// MembersOptions configure ParseMembers.
type MembersOptions struct {
	NumberDesigns int
	MoleculeType  domain.MoleculeType
	// StockConcentration of pools created for new member combinations (nM).
	StockConcentration float64
	// CreateMissingPools registers pools for member combinations the catalog
	// does not know yet. Without it such rows are errors.
	CreateMissingPools bool
}

// ParseMembers reads the molecule design sheet and resolves each row to a
// pool. Rows are comma-separated design IDs; the list ends at the first
// empty cell.
func ParseMembers(ctx context.Context, wb workbook.Workbook, rec *events.Recorder, cat Catalog, opts MembersOptions) (domain.MoleculeDesignPoolSet, error) {
	reader := workbook.NewReader(wb, rec)
	sheet := reader.SheetByName(MembersSheet, true)
	if sheet == nil {
		return domain.MoleculeDesignPoolSet{}, rec.Err()
	}
	headerRow, col := -1, -1
	for r := 0; r < sheet.NumRows() && headerRow < 0; r++ {
		for c := 0; c < sheet.NumCols(); c++ {
			if strings.EqualFold(reader.CellString(sheet, r, c), MembersHeader) {
				headerRow, col = r, c
				break
			}
		}
	}
	if headerRow < 0 {
		rec.AddError("Unable to find column %q on sheet %s.", MembersHeader, MembersSheet)
		return domain.MoleculeDesignPoolSet{}, rec.Err()
	}

	var (
		rows      [][]int
		wrongSize []string
		invalid   []string
		allIDs    []int
	)
	for r := headerRow + 1; r < sheet.NumRows(); r++ {
		raw := reader.CellValue(sheet, r, col)
		if raw == nil {
			break
		}
		ids, ok := splitIDs(workbook.Text(raw))
		if !ok {
			invalid = append(invalid, workbook.CellName(r, col))
			continue
		}
		if len(ids) != opts.NumberDesigns {
			wrongSize = append(wrongSize, strconv.Itoa(r+1))
			continue
		}
		rows = append(rows, ids)
		allIDs = append(allIDs, ids...)
	}
	if len(invalid) > 0 {
		rec.AddError("Some cells contain invalid molecule design IDs: %s.", strings.Join(invalid, ", "))
	}
	if len(wrongSize) > 0 {
		rec.AddError("some molecule design pool stated in the file do not have the expected number of molecule designs (%d): rows %s.", opts.NumberDesigns, strings.Join(wrongSize, ", "))
	}
	if len(rows) == 0 && !rec.HasErrors() {
		rec.AddError("There are no molecule design IDs on sheet %s.", MembersSheet)
	}
	if rec.HasErrors() {
		return domain.MoleculeDesignPoolSet{}, rec.Err()
	}

	var designs map[int]domain.MoleculeDesign
	if !rec.Try("fetch molecule designs", func() error {
		var err error
		designs, err = cat.DesignsByID(ctx, allIDs)
		return err
	}) {
		return domain.MoleculeDesignPoolSet{}, rec.Err()
	}
	var unknown, wrongType []string
	seen := make(map[int]struct{})
	for _, id := range allIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		d, ok := designs[id]
		switch {
		case !ok:
			unknown = append(unknown, strconv.Itoa(id))
		case d.MoleculeType != opts.MoleculeType:
			wrongType = append(wrongType, strconv.Itoa(id)+" ("+string(d.MoleculeType)+")")
		}
	}
	if len(unknown) > 0 {
		rec.AddError("The following molecule designs are unknown: %s.", strings.Join(unknown, ", "))
	}
	if len(wrongType) > 0 {
		rec.AddError("The following molecule designs do not have the expected molecule type %s: %s.", opts.MoleculeType, strings.Join(wrongType, ", "))
	}
	if rec.HasErrors() {
		return domain.MoleculeDesignPoolSet{}, rec.Err()
	}

	pools := make([]domain.MoleculeDesignPool, 0, len(rows))
	seenPools := make(map[int]struct{}, len(rows))
	var missing []string
	for _, ids := range rows {
		pool, found, err := cat.PoolForDesigns(ctx, ids)
		if err != nil {
			rec.AddError("lookup pool for designs %s: %v", joinInts(ids), err)
			continue
		}
		if !found {
			if !opts.CreateMissingPools {
				missing = append(missing, joinInts(ids))
				continue
			}
			members := make([]domain.MoleculeDesign, len(ids))
			for i, id := range ids {
				members[i] = designs[id]
			}
			if pool, err = cat.CreatePool(ctx, members, opts.StockConcentration); err != nil {
				rec.AddError("create pool for designs %s: %v", joinInts(ids), err)
				continue
			}
			rec.AddInfo("Created molecule design pool %d for designs %s.", pool.ID, joinInts(ids))
		}
		if _, dup := seenPools[pool.ID]; dup {
			rec.AddWarning("Molecule design pool %d (designs %s) is listed more than once.", pool.ID, joinInts(ids))
			continue
		}
		seenPools[pool.ID] = struct{}{}
		pools = append(pools, pool)
	}
	if len(missing) > 0 {
		rec.AddError("There are no pools for the following molecule design combinations: %s.", strings.Join(missing, "; "))
	}
	if rec.HasErrors() {
		return domain.MoleculeDesignPoolSet{}, rec.Err()
	}
	set, err := domain.NewMoleculeDesignPoolSet(opts.MoleculeType, pools...)
	if err != nil {
		rec.AddError("%v", err)
		return domain.MoleculeDesignPoolSet{}, rec.Err()
	}
	return set, nil
}

func splitIDs(s string) ([]int, bool) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.Atoi(p)
		if err != nil || id <= 0 {
			return nil, false
		}
		out = append(out, id)
	}
	return out, len(out) > 0
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, "-")
}
