package layoutparser

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"screencore/internal/workbook"
	"screencore/pkg/domain"
)

// DefaultFloatingIndicator prefixes generated floating markers.
const DefaultFloatingIndicator = "md_"

const floatingToken = "sample"

// PoolAwareParser recognises the molecule-design-pool tag definition and
// replaces floating placeholders ("sample" values) with generated markers.
type PoolAwareParser struct {
	*Parser

	aliases   map[string]struct{}
	indicator string

	poolDef  *TagDefinition
	counter  int
	markers  []string
	byCode   map[string]string
	results  []*SheetResult
	finished bool
}

// NewPoolAware returns a pool-aware parser. aliases are the predicates that
// name the pool parameter; indicator defaults to DefaultFloatingIndicator.
func NewPoolAware(reader *workbook.Reader, opts Options, aliases []string, indicator string) *PoolAwareParser {
	if indicator == "" {
		indicator = DefaultFloatingIndicator
	}
	p := &PoolAwareParser{
		Parser:    New(reader, opts),
		aliases:   make(map[string]struct{}, len(aliases)),
		indicator: indicator,
		byCode:    make(map[string]string),
	}
	for _, a := range aliases {
		p.aliases[strings.ToLower(strings.TrimSpace(a))] = struct{}{}
	}
	p.hook = p
	return p
}

// ParseSheet parses the sheet and remembers the result for Finish.
func (p *PoolAwareParser) ParseSheet(sheet workbook.Sheet) *SheetResult {
	res := p.Parser.ParseSheet(sheet)
	p.results = append(p.results, res)
	return res
}

// PoolDefinition returns the recognised pool tag definition, if any.
func (p *PoolAwareParser) PoolDefinition() *TagDefinition { return p.poolDef }

// PoolPredicate returns the predicate of the pool definition or "".
func (p *PoolAwareParser) PoolPredicate() string {
	if p.poolDef == nil {
		return ""
	}
	return p.poolDef.Predicate
}

// Indicator returns the floating marker prefix.
func (p *PoolAwareParser) Indicator() string { return p.indicator }

// FloatingMarkers returns the markers in use, in generation order.
func (p *PoolAwareParser) FloatingMarkers() []string { return append([]string(nil), p.markers...) }

func (p *PoolAwareParser) visitBlock(block *TagBlock) {
	for _, def := range block.Definitions {
		if _, ok := p.aliases[def.Predicate]; !ok {
			continue
		}
		if p.poolDef != nil {
			p.rec.AddError("There is more than one molecule design pool tag definition (rows %d and %d, sheet %s).", p.poolDef.Row+1, def.Row+1, def.Sheet)
			continue
		}
		p.poolDef = def
		levels, ok := def.Levels.(ActiveLevels)
		if !ok {
			continue
		}
		for _, code := range block.Codes {
			v, ok := levels[code]
			if !ok || !strings.Contains(strings.ToLower(v), floatingToken) {
				continue
			}
			marker, seen := p.byCode[code]
			if !seen {
				marker = p.nextMarker()
				p.byCode[code] = marker
			}
			levels[code] = marker
		}
	}
}

func (p *PoolAwareParser) nextMarker() string {
	p.counter++
	m := fmt.Sprintf("%s%03d", p.indicator, p.counter)
	p.markers = append(p.markers, m)
	return m
}

// Finish applies the single-placeholder rule: when exactly one distinct
// floating marker exists, every floating position gets its own marker. It
// must run once, after all sheets were parsed.
func (p *PoolAwareParser) Finish() {
	if p.finished {
		return
	}
	p.finished = true
	if p.poolDef == nil || len(p.markers) != 1 {
		return
	}
	single := TagKey{Predicate: p.poolDef.Predicate, Value: p.markers[0]}
	var positions []domain.RackPosition
	seen := make(map[domain.RackPosition]struct{})
	for _, res := range p.results {
		for _, layout := range res.Layouts {
			for _, pos := range layout.TagData[single] {
				if _, ok := seen[pos]; !ok {
					seen[pos] = struct{}{}
					positions = append(positions, pos)
				}
			}
		}
	}
	if len(positions) <= 1 {
		return
	}
	domain.SortPositions(positions)
	p.counter = 0
	p.markers = nil
	assigned := make(map[domain.RackPosition]string, len(positions))
	for _, pos := range positions {
		assigned[pos] = p.nextMarker()
	}
	for _, res := range p.results {
		for _, layout := range res.Layouts {
			old, ok := layout.TagData[single]
			if !ok {
				continue
			}
			delete(layout.TagData, single)
			for _, pos := range old {
				layout.add(TagKey{Predicate: single.Predicate, Value: assigned[pos]}, pos)
			}
		}
	}
	p.rec.AddDebug("Assigned %d unique floating placeholders.", len(positions))
}

// IsFloatingMarker reports whether the value is a generated floating marker.
func IsFloatingMarker(value, indicator string) bool {
	if indicator == "" {
		indicator = DefaultFloatingIndicator
	}
	return floatingMarkerPattern(indicator).MatchString(value)
}

// markerPatterns caches the compiled marker pattern per indicator.
var markerPatterns sync.Map

func floatingMarkerPattern(indicator string) *regexp.Regexp {
	if re, ok := markerPatterns.Load(indicator); ok {
		return re.(*regexp.Regexp)
	}
	re, _ := markerPatterns.LoadOrStore(indicator, regexp.MustCompile("^"+regexp.QuoteMeta(indicator)+"[0-9]{3,}$"))
	return re.(*regexp.Regexp)
}
