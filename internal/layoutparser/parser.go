// Package layoutparser discovers tag-definition blocks and rack-layout blocks
// on free-form sheets and decodes them into parsing containers.
//
// Column A markers (case-insensitive): FACTOR or TAG opens a tag block, CODE
// sits right of it, LEVEL below it, END stops the scan. A layout origin is an
// empty cell with 1 to its right and A below.
package layoutparser

import (
	"regexp"
	"strconv"
	"strings"

	"screencore/internal/events"
	"screencore/internal/workbook"
	"screencore/pkg/domain"
)

// Markers recognised in column A.
const (
	MarkerFactor = "FACTOR"
	MarkerTag    = "TAG"
	MarkerCode   = "CODE"
	MarkerLevel  = "LEVEL"
	MarkerEnd    = "END"
)

// DefaultShapes are the rack shapes accepted unless configured otherwise.
var DefaultShapes = []domain.RackShape{domain.Shape96, domain.Shape384, domain.Shape1536}

// Options tune a Parser.
type Options struct {
	// AllowedShapes restricts layout dimensions; DefaultShapes when empty.
	AllowedShapes []domain.RackShape
	// RackSpecifiers requires a "Plate(s) ..." cell above every layout.
	RackSpecifiers bool
	// DefaultRackLabel names the rack of layouts without specifiers.
	DefaultRackLabel string
}

// blockHook lets extensions post-process a tag block before layouts use it.
type blockHook interface {
	visitBlock(block *TagBlock)
}

// Parser walks sheets. One Parser serves one parse+handle run.
type Parser struct {
	reader *workbook.Reader
	rec    *events.Recorder
	opts   Options
	hook   blockHook

	sheet workbook.Sheet
	grid  [][]any
}

// New returns a parser reading cells through reader.
func New(reader *workbook.Reader, opts Options) *Parser {
	if len(opts.AllowedShapes) == 0 {
		opts.AllowedShapes = DefaultShapes
	}
	return &Parser{reader: reader, rec: reader.Recorder(), opts: opts}
}

// Recorder returns the recorder events are written to.
func (p *Parser) Recorder() *events.Recorder { return p.rec }

// ParseSheet parses every tag block and layout of the sheet. The result is
// returned even when errors were recorded; callers check HasErrors.
func (p *Parser) ParseSheet(sheet workbook.Sheet) *SheetResult {
	p.load(sheet)
	res := &SheetResult{Sheet: sheet.Name(), EndRow: len(p.grid)}
	seenPredicates := make(map[string]int)
	consumed := make(map[[2]int]struct{})
	var current *TagBlock

	for r := 0; r < len(p.grid); r++ {
		switch strings.ToUpper(p.text(r, 0)) {
		case MarkerEnd:
			res.EndRow = r
			return res
		case MarkerFactor, MarkerTag:
			block := p.parseBlock(r)
			if block == nil {
				continue
			}
			for _, def := range block.Definitions {
				if row, dup := seenPredicates[def.Predicate]; dup {
					p.rec.AddError("Duplicate tag predicate %q in rows %d and %d (sheet %s).", def.Predicate, row+1, def.Row+1, res.Sheet)
					continue
				}
				seenPredicates[def.Predicate] = def.Row
			}
			if p.hook != nil {
				p.hook.visitBlock(block)
			}
			res.Blocks = append(res.Blocks, block)
			res.Definitions = append(res.Definitions, block.Definitions...)
			current = block
			r = block.LastRow
			continue
		}
		for c := 0; c < len(p.grid[r]); c++ {
			if _, ok := consumed[[2]int{r, c}]; ok {
				continue
			}
			if !p.isOrigin(r, c) {
				continue
			}
			layout := p.parseLayout(r, c, current)
			if layout == nil {
				continue
			}
			for i := 0; i <= layout.Shape.Rows; i++ {
				for j := 0; j <= layout.Shape.Columns; j++ {
					consumed[[2]int{r + i, c + j}] = struct{}{}
				}
			}
			res.Layouts = append(res.Layouts, layout)
			for _, label := range layout.RackLabels {
				res.addRackLayout(label, layout)
			}
		}
	}
	return res
}

// load reads every cell once so coercion errors are reported once per cell.
func (p *Parser) load(sheet workbook.Sheet) {
	p.sheet = sheet
	p.grid = make([][]any, sheet.NumRows())
	for r := range p.grid {
		p.grid[r] = make([]any, sheet.NumCols())
		for c := range p.grid[r] {
			p.grid[r][c] = p.reader.CellValue(sheet, r, c)
		}
	}
}

func (p *Parser) value(r, c int) any {
	if r < 0 || r >= len(p.grid) || c < 0 || c >= len(p.grid[r]) {
		return nil
	}
	return p.grid[r][c]
}

func (p *Parser) text(r, c int) string { return workbook.Text(p.value(r, c)) }

func (p *Parser) parseBlock(r int) *TagBlock {
	sheet := p.sheet.Name()
	if strings.ToUpper(p.text(r, 1)) != MarkerCode {
		p.rec.AddError("Could not find the %s marker next to the %s marker in row %d (sheet %s).", MarkerCode, MarkerFactor, r+1, sheet)
		return nil
	}
	if strings.ToUpper(p.text(r+1, 0)) != MarkerLevel {
		p.rec.AddError("Could not find the %s marker below the %s marker in row %d (sheet %s).", MarkerLevel, MarkerFactor, r+1, sheet)
		return nil
	}
	block := &TagBlock{Sheet: sheet, Row: r, LastRow: r + 1}
	for c := 2; c < len(p.grid[r]); c++ {
		predicate := strings.ToLower(p.text(r, c))
		if predicate == "" {
			break
		}
		block.Definitions = append(block.Definitions, &TagDefinition{Sheet: sheet, Row: r, Column: c, Predicate: predicate})
	}
	if len(block.Definitions) == 0 {
		p.rec.AddError("The tag definition in row %d (sheet %s) has no predicate (cell %s).", r+1, sheet, workbook.CellName(r, 2))
		return nil
	}
	levels := make([]ActiveLevels, len(block.Definitions))
	for i := range levels {
		levels[i] = ActiveLevels{}
	}
	// A column goes inactive at its first empty level; later codes get no
	// value for it.
	stopped := make([]bool, len(block.Definitions))
	seenCodes := make(map[string]struct{})
	for row := r + 1; ; row++ {
		if row > r+1 && p.startsRegion(row) {
			break
		}
		code := p.text(row, 1)
		values := make([]string, len(block.Definitions))
		hasValue := false
		for i, def := range block.Definitions {
			values[i] = p.text(row, def.Column)
			if values[i] != "" {
				hasValue = true
			}
		}
		if code == "" {
			if hasValue {
				p.rec.AddError("There are levels without a code in row %d (sheet %s).", row+1, sheet)
				block.LastRow = row
			}
			break
		}
		block.LastRow = row
		if _, dup := seenCodes[code]; dup {
			p.rec.AddError("Duplicate code %q in the tag definition for %q (cell %s, sheet %s).", code, block.Main().Predicate, workbook.CellName(row, 1), sheet)
			continue
		}
		seenCodes[code] = struct{}{}
		block.Codes = append(block.Codes, code)
		if !hasValue {
			p.rec.AddError("Code %q has no level in any column (cell %s, sheet %s).", code, workbook.CellName(row, 1), sheet)
			continue
		}
		for i, v := range values {
			def := block.Definitions[i]
			switch {
			case v == "" && !stopped[i]:
				stopped[i] = true
				p.rec.AddDebug("Tag %q has no level for code %q (cell %s, sheet %s) and is inactive for the following codes.", def.Predicate, code, workbook.CellName(row, def.Column), sheet)
			case v != "" && stopped[i]:
				p.rec.AddWarning("The level %q of tag %q is ignored because the tag is inactive after an empty level (cell %s, sheet %s).", v, def.Predicate, workbook.CellName(row, def.Column), sheet)
			case v != "":
				levels[i][code] = v
			}
		}
	}
	for i, def := range block.Definitions {
		if len(levels[i]) == 0 {
			def.Levels = InactiveLevels{}
			p.rec.AddDebug("Tag %q in row %d (sheet %s) has no levels and is inactive.", def.Predicate, r+1, sheet)
			continue
		}
		def.Levels = levels[i]
	}
	return block
}

// startsRegion reports whether the row opens a new block, a layout or the end
// of the sheet.
func (p *Parser) startsRegion(r int) bool {
	switch strings.ToUpper(p.text(r, 0)) {
	case MarkerFactor, MarkerTag, MarkerEnd:
		return true
	}
	if r >= len(p.grid) {
		return false
	}
	for c := range p.grid[r] {
		if p.isOrigin(r, c) {
			return true
		}
	}
	return false
}

func (p *Parser) isOrigin(r, c int) bool {
	if p.value(r, c) != nil {
		return false
	}
	if n, ok := p.value(r, c+1).(int); !ok || n != 1 {
		return false
	}
	return strings.ToUpper(p.text(r+1, c)) == "A"
}

func (p *Parser) parseLayout(r, c int, block *TagBlock) *LayoutContainer {
	sheet := p.sheet.Name()
	rows := 0
	for strings.ToUpper(p.text(r+rows+1, c)) == domain.RowLetters(rows) {
		rows++
	}
	cols := 0
	for {
		n, ok := p.value(r, c+cols+1).(int)
		if !ok || n != cols+1 {
			break
		}
		cols++
	}
	shape := domain.RackShape{Rows: rows, Columns: cols}
	if !p.shapeAllowed(shape) {
		p.rec.AddError("Invalid layout block shape (%s) for the layout starting at cell %s (sheet %s). Allowed shapes: %s.", shape.Name(), workbook.CellName(r, c), sheet, shapeNames(p.opts.AllowedShapes))
		return nil
	}
	if block == nil {
		p.rec.AddError("The layout in row %d (sheet %s) is not preceded by a tag definition.", r+1, sheet)
		return nil
	}
	layout := &LayoutContainer{Sheet: sheet, Shape: shape, OriginRow: r, OriginCol: c, Block: block}
	if p.opts.RackSpecifiers {
		labels, ok := p.parseRackSpecifier(r-1, c)
		if !ok {
			return nil
		}
		layout.RackLabels = labels
	} else if p.opts.DefaultRackLabel != "" {
		layout.RackLabels = []string{p.opts.DefaultRackLabel}
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			cr, cc := r+1+i, c+1+j
			code := p.text(cr, cc)
			if code == "" {
				continue
			}
			if !block.HasCode(code) {
				p.rec.AddError("Unknown code %q in cell %s (sheet %s).", code, workbook.CellName(cr, cc), sheet)
				continue
			}
			pos := domain.RackPosition{Row: i, Column: j}
			for _, def := range block.Definitions {
				if v, ok := def.Levels.Lookup(code); ok {
					layout.add(TagKey{Predicate: def.Predicate, Value: v}, pos)
				}
			}
		}
	}
	return layout
}

func (p *Parser) shapeAllowed(shape domain.RackShape) bool {
	for _, s := range p.opts.AllowedShapes {
		if s == shape {
			return true
		}
	}
	return false
}

var (
	specifierPattern = regexp.MustCompile(`(?i)^plates?\s+(.+)$`)
	intTokenPattern  = regexp.MustCompile(`^[0-9]+$`)
)

func (p *Parser) parseRackSpecifier(r, c int) ([]string, bool) {
	cell := workbook.CellName(r, c)
	sheet := p.sheet.Name()
	raw := p.text(r, c)
	labels, err := ParseRackSpecifier(raw)
	if err != nil {
		p.rec.AddError("%s (cell %s, sheet %s).", err.Error(), cell, sheet)
		return nil, false
	}
	return labels, true
}

// SpecifierError describes a malformed rack specifier.
type SpecifierError struct {
	Reason string
	Token  string
}

func (e *SpecifierError) Error() string {
	if e.Token == "" {
		return e.Reason
	}
	return e.Reason + " \"" + e.Token + "\""
}

// ParseRackSpecifier expands "Plate(s) token, token, ..." into rack labels.
// Barcodes stay literal, integers are stringified and m-n ranges expand.
func ParseRackSpecifier(raw string) ([]string, error) {
	m := specifierPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return nil, &SpecifierError{Reason: "Invalid rack specifier", Token: raw}
	}
	var labels []string
	seen := make(map[string]struct{})
	add := func(label string) {
		if _, ok := seen[label]; !ok {
			seen[label] = struct{}{}
			labels = append(labels, label)
		}
	}
	for _, token := range strings.Split(m[1], ",") {
		token = strings.TrimSpace(token)
		switch {
		case token == "":
			return nil, &SpecifierError{Reason: "Empty rack token in specifier", Token: raw}
		case domain.IsRackBarcode(token):
			add(token)
		case intTokenPattern.MatchString(token):
			n, err := strconv.Atoi(token)
			if err != nil || n < 1 {
				return nil, &SpecifierError{Reason: "Invalid rack number", Token: token}
			}
			add(strconv.Itoa(n))
		case strings.Contains(token, "-"):
			parts := strings.SplitN(token, "-", 2)
			lo, hi := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
			if domain.IsRackBarcode(lo) || domain.IsRackBarcode(hi) || !intTokenPattern.MatchString(lo) || !intTokenPattern.MatchString(hi) {
				return nil, &SpecifierError{Reason: "Invalid range", Token: token}
			}
			start, err1 := strconv.Atoi(lo)
			end, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil || start < 1 || end < start {
				return nil, &SpecifierError{Reason: "Invalid range", Token: token}
			}
			for n := start; n <= end; n++ {
				add(strconv.Itoa(n))
			}
		default:
			return nil, &SpecifierError{Reason: "Invalid rack token", Token: token}
		}
	}
	return labels, nil
}

func shapeNames(shapes []domain.RackShape) string {
	names := make([]string, len(shapes))
	for i, s := range shapes {
		names[i] = s.Name()
	}
	return strings.Join(names, ", ")
}

func cellLabel(r, c int) string { return workbook.CellName(r, c) }
