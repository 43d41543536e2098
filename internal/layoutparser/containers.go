package layoutparser

import (
	"sort"

	"screencore/pkg/domain"
)

// TagLevels holds the code -> value mapping of one tag definition.
// Implementations are ActiveLevels and InactiveLevels.
type TagLevels interface {
	Lookup(code string) (string, bool)
	Active() bool
}

// ActiveLevels maps codes to level values. Codes without a value are absent.
type ActiveLevels map[string]string

// Lookup implements TagLevels.
func (l ActiveLevels) Lookup(code string) (string, bool) {
	v, ok := l[code]
	return v, ok
}

// Active implements TagLevels.
func (ActiveLevels) Active() bool { return true }

// InactiveLevels marks a definition whose column holds no level at all.
// Layouts never yield tags for it.
type InactiveLevels struct{}

// Lookup implements TagLevels.
func (InactiveLevels) Lookup(string) (string, bool) { return "", false }

// Active implements TagLevels.
func (InactiveLevels) Active() bool { return false }

// TagDefinition is one predicate of a tag block with its levels.
type TagDefinition struct {
	Sheet     string
	Row       int
	Column    int
	Predicate string
	Levels    TagLevels
}

// Values returns the distinct level values in code order.
func (d *TagDefinition) Values(codes []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, code := range codes {
		if v, ok := d.Levels.Lookup(code); ok {
			if _, dup := seen[v]; !dup {
				seen[v] = struct{}{}
				out = append(out, v)
			}
		}
	}
	return out
}

// TagBlock is a FACTOR/TAG block: a main definition plus associated
// definitions sharing one code column.
type TagBlock struct {
	Sheet       string
	Row         int
	LastRow     int
	Codes       []string
	Definitions []*TagDefinition
}

// Main returns the main definition of the block.
func (b *TagBlock) Main() *TagDefinition {
	if len(b.Definitions) == 0 {
		return nil
	}
	return b.Definitions[0]
}

// HasCode reports whether the block declares the code.
func (b *TagBlock) HasCode(code string) bool {
	for _, c := range b.Codes {
		if c == code {
			return true
		}
	}
	return false
}

// TagKey is a parsed (predicate, value) pair without a domain.
type TagKey struct {
	Predicate string
	Value     string
}

// Tag attaches a domain.
func (k TagKey) Tag(tagDomain string) domain.Tag {
	return domain.NewTag(tagDomain, k.Predicate, k.Value)
}

// LayoutContainer is one decoded rack-layout block.
type LayoutContainer struct {
	Sheet      string
	Shape      domain.RackShape
	OriginRow  int
	OriginCol  int
	Block      *TagBlock
	RackLabels []string
	TagData    map[TagKey][]domain.RackPosition
}

// Key identifies the layout within a parse run.
func (l *LayoutContainer) Key() string {
	return l.Sheet + "!" + cellLabel(l.OriginRow, l.OriginCol)
}

// Keys returns the tag keys in sorted order.
func (l *LayoutContainer) Keys() []TagKey {
	out := make([]TagKey, 0, len(l.TagData))
	for k := range l.TagData {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Predicate != out[j].Predicate {
			return out[i].Predicate < out[j].Predicate
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// Positions returns every position carrying at least one tag.
func (l *LayoutContainer) Positions() []domain.RackPosition {
	seen := make(map[domain.RackPosition]struct{})
	var out []domain.RackPosition
	for _, positions := range l.TagData {
		for _, p := range positions {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				out = append(out, p)
			}
		}
	}
	domain.SortPositions(out)
	return out
}

// ValueAt returns the value the predicate takes at the position.
func (l *LayoutContainer) ValueAt(predicate string, pos domain.RackPosition) (string, bool) {
	for k, positions := range l.TagData {
		if k.Predicate != predicate {
			continue
		}
		for _, p := range positions {
			if p == pos {
				return k.Value, true
			}
		}
	}
	return "", false
}

// Predicates returns the distinct predicates present in the layout.
func (l *LayoutContainer) Predicates() []string {
	seen := make(map[string]struct{})
	var out []string
	for k := range l.TagData {
		if _, ok := seen[k.Predicate]; !ok {
			seen[k.Predicate] = struct{}{}
			out = append(out, k.Predicate)
		}
	}
	sort.Strings(out)
	return out
}

func (l *LayoutContainer) add(key TagKey, pos domain.RackPosition) {
	if l.TagData == nil {
		l.TagData = make(map[TagKey][]domain.RackPosition)
	}
	l.TagData[key] = append(l.TagData[key], pos)
}

// RackContainer collects the layouts naming one rack label.
type RackContainer struct {
	Label   string
	Layouts []*LayoutContainer
}

// SheetResult is the parse tree of one sheet.
type SheetResult struct {
	Sheet       string
	Blocks      []*TagBlock
	Definitions []*TagDefinition
	Layouts     []*LayoutContainer
	Racks       []*RackContainer
	EndRow      int
}

// Rack returns the rack container with the label.
func (r *SheetResult) Rack(label string) (*RackContainer, bool) {
	for _, rack := range r.Racks {
		if rack.Label == label {
			return rack, true
		}
	}
	return nil, false
}

// Definition returns the definition with the predicate.
func (r *SheetResult) Definition(predicate string) (*TagDefinition, bool) {
	for _, d := range r.Definitions {
		if d.Predicate == predicate {
			return d, true
		}
	}
	return nil, false
}

func (r *SheetResult) addRackLayout(label string, layout *LayoutContainer) {
	if rack, ok := r.Rack(label); ok {
		rack.Layouts = append(rack.Layouts, layout)
		return
	}
	r.Racks = append(r.Racks, &RackContainer{Label: label, Layouts: []*LayoutContainer{layout}})
}
