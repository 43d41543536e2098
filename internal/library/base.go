// Package library parses the sheets that define a screening library: the
// base layout marking library positions and the member list of pools.
package library

import (
	"strconv"
	"strings"
	"time"

	"screencore/internal/events"
	"screencore/internal/workbook"
	"screencore/pkg/domain"
)

// Stage names.
const (
	BaseLayoutStage = "library base layout"
	MembersStage    = "library members"
)

// Sheet names.
const (
	BaseLayoutSheet = "Base Layout"
	MembersSheet    = "Molecule Designs"
	MembersHeader   = "Molecule Design IDs"
)

// Tag identity of library positions.
const (
	TagDomain         = "library"
	PositionPredicate = "sample position"
)

// BaseLayoutShapes are the shapes accepted for base layouts by default.
var BaseLayoutShapes = []domain.RackShape{domain.Shape384}

// PositionTag returns the tag marking positive (true) or negative positions.
func PositionTag(positive bool) domain.Tag {
	return domain.NewTag(TagDomain, PositionPredicate, strconv.FormatBool(positive))
}

// BaseLayoutOptions configure ParseBaseLayout.
type BaseLayoutOptions struct {
	AllowedShapes []domain.RackShape
	User          string
	Now           func() time.Time
}

// ParseBaseLayout reads the base layout sheet. The header row starts at B1
// and the row letters at A2; every non-empty interior cell is a library
// position.
func ParseBaseLayout(wb workbook.Workbook, rec *events.Recorder, opts BaseLayoutOptions) (domain.RackLayout, error) {
	if len(opts.AllowedShapes) == 0 {
		opts.AllowedShapes = BaseLayoutShapes
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	reader := workbook.NewReader(wb, rec)
	sheet := reader.SheetByName(BaseLayoutSheet, true)
	if sheet == nil {
		return domain.RackLayout{}, rec.Err()
	}

	cols := 0
	for c := 1; c < sheet.NumCols(); c++ {
		n, ok := workbook.AsInt(reader.CellValue(sheet, 0, c))
		if !ok || n != c {
			break
		}
		cols = c
	}
	rows := 0
	for r := 1; r < sheet.NumRows(); r++ {
		if !strings.EqualFold(reader.CellString(sheet, r, 0), domain.RowLetters(r-1)) {
			break
		}
		rows = r
	}
	shape := domain.RackShape{Rows: rows, Columns: cols}
	allowed := false
	names := make([]string, len(opts.AllowedShapes))
	for i, s := range opts.AllowedShapes {
		names[i] = s.Name()
		if s == shape {
			allowed = true
		}
	}
	if !allowed {
		rec.AddError("Invalid shape of the base layout (%s). Allowed shapes: %s.", shape.Name(), strings.Join(names, ", "))
		return domain.RackLayout{}, rec.Err()
	}

	var positive, negative []domain.RackPosition
	for _, pos := range shape.Positions() {
		if reader.CellValue(sheet, pos.Row+1, pos.Column+1) != nil {
			positive = append(positive, pos)
		} else {
			negative = append(negative, pos)
		}
	}
	if rec.HasErrors() {
		return domain.RackLayout{}, rec.Err()
	}
	if len(positive) == 0 {
		rec.AddError("The base layout does not contain any library position.")
		return domain.RackLayout{}, rec.Err()
	}
	layout := domain.NewRackLayout(shape)
	now := opts.Now()
	if err := layout.AddTagged([]domain.Tag{PositionTag(true)}, domain.NewRackPositionSet(positive...), opts.User, now); err != nil {
		rec.AddError("Could not store the base layout: %v", err)
		return domain.RackLayout{}, rec.Err()
	}
	if len(negative) > 0 {
		if err := layout.AddTagged([]domain.Tag{PositionTag(false)}, domain.NewRackPositionSet(negative...), opts.User, now); err != nil {
			rec.AddError("Could not store the base layout: %v", err)
			return domain.RackLayout{}, rec.Err()
		}
	}
	rec.AddInfo("Base layout %s with %d library positions.", shape.Name(), len(positive))
	return layout, nil
}

// LibraryPositions returns the positive positions of a base layout.
func LibraryPositions(base domain.RackLayout) []domain.RackPosition {
	return base.PositionsForTag(PositionTag(true))
}
