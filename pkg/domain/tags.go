package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Tag is a (domain, predicate, value) annotation.
type Tag struct {
	Domain    string `json:"domain"`
	Predicate string `json:"predicate"`
	Value     string `json:"value"`
}

// NewTag builds a tag.
func NewTag(domain, predicate, value string) Tag {
	return Tag{Domain: domain, Predicate: predicate, Value: value}
}

// Key identifies the tag within its domain.
func (t Tag) Key() string { return t.Domain + ":" + t.Predicate + "=" + t.Value }

// Similar compares predicate and value, ignoring the domain.
func (t Tag) Similar(other Tag) bool {
	return t.Predicate == other.Predicate && t.Value == other.Value
}

func (t Tag) String() string { return t.Key() }

// SortTags orders tags by domain, predicate and value.
func SortTags(tags []Tag) {
	sort.Slice(tags, func(i, j int) bool { return tags[i].Key() < tags[j].Key() })
}

// TaggedRackPositionSet associates tags with a set of positions.
type TaggedRackPositionSet struct {
	Tags      []Tag           `json:"tags"`
	Positions RackPositionSet `json:"positions"`
	User      string          `json:"user"`
	CreatedAt time.Time       `json:"created_at"`
}

// HasTag reports whether the set carries the tag.
func (t TaggedRackPositionSet) HasTag(tag Tag) bool {
	for _, own := range t.Tags {
		if own == tag {
			return true
		}
	}
	return false
}

// RackLayout is a rack shape plus tagged position sets. The layout owns its sets.
type RackLayout struct {
	Shape      RackShape               `json:"shape"`
	TaggedSets []TaggedRackPositionSet `json:"tagged_sets"`
}

// NewRackLayout returns an empty layout.
func NewRackLayout(shape RackShape) RackLayout {
	return RackLayout{Shape: shape}
}

// AddTagged attaches the tags to the position set. Tags for an already known
// position set are merged into the existing entry.
func (l *RackLayout) AddTagged(tags []Tag, positions RackPositionSet, user string, at time.Time) error {
	for _, p := range positions.Positions() {
		if !l.Shape.Contains(p) {
			return fmt.Errorf("position %s is out of range for rack shape %s", p.Label(), l.Shape.Name())
		}
	}
	for i := range l.TaggedSets {
		if l.TaggedSets[i].Positions.Equal(positions) {
			for _, tag := range tags {
				if !l.TaggedSets[i].HasTag(tag) {
					l.TaggedSets[i].Tags = append(l.TaggedSets[i].Tags, tag)
				}
			}
			SortTags(l.TaggedSets[i].Tags)
			return nil
		}
	}
	own := append([]Tag(nil), tags...)
	SortTags(own)
	l.TaggedSets = append(l.TaggedSets, TaggedRackPositionSet{Tags: own, Positions: positions, User: user, CreatedAt: at})
	return nil
}

// TagsForPosition returns every tag attached to the position.
func (l RackLayout) TagsForPosition(pos RackPosition) []Tag {
	var out []Tag
	for _, ts := range l.TaggedSets {
		if ts.Positions.Contains(pos) {
			out = append(out, ts.Tags...)
		}
	}
	SortTags(out)
	return out
}

// PositionsForTag returns the positions carrying the tag, row-major.
func (l RackLayout) PositionsForTag(tag Tag) []RackPosition {
	seen := make(map[RackPosition]struct{})
	var out []RackPosition
	for _, ts := range l.TaggedSets {
		if !ts.HasTag(tag) {
			continue
		}
		for _, p := range ts.Positions.Positions() {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				out = append(out, p)
			}
		}
	}
	SortPositions(out)
	return out
}

// Tags returns the distinct tags of the layout.
func (l RackLayout) Tags() []Tag {
	seen := make(map[Tag]struct{})
	var out []Tag
	for _, ts := range l.TaggedSets {
		for _, t := range ts.Tags {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				out = append(out, t)
			}
		}
	}
	SortTags(out)
	return out
}

// Positions returns every tagged position.
func (l RackLayout) Positions() []RackPosition {
	seen := make(map[RackPosition]struct{})
	var out []RackPosition
	for _, ts := range l.TaggedSets {
		for _, p := range ts.Positions.Positions() {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				out = append(out, p)
			}
		}
	}
	SortPositions(out)
	return out
}

// Equivalent compares layouts by shape and tagged sets, ignoring order,
// users and timestamps.
func (l RackLayout) Equivalent(other RackLayout) bool {
	if l.Shape != other.Shape {
		return false
	}
	return layoutSignature(l) == layoutSignature(other)
}

func layoutSignature(l RackLayout) string {
	entries := make([]string, 0, len(l.TaggedSets))
	for _, ts := range l.TaggedSets {
		keys := make([]string, len(ts.Tags))
		for i, t := range ts.Tags {
			keys[i] = t.Key()
		}
		sort.Strings(keys)
		entries = append(entries, ts.Positions.Hash()+"|"+strings.Join(keys, ","))
	}
	sort.Strings(entries)
	return strings.Join(entries, ";")
}

// RackLayoutFromTagMap groups tags by identical position sets, producing one
// tagged set per distinct set of positions.
func RackLayoutFromTagMap(shape RackShape, tagPositions map[Tag][]RackPosition, user string, at time.Time) (RackLayout, error) {
	layout := NewRackLayout(shape)
	type group struct {
		positions RackPositionSet
		tags      []Tag
	}
	groups := make(map[string]*group)
	var order []string
	for tag, positions := range tagPositions {
		if len(positions) == 0 {
			continue
		}
		set := NewRackPositionSet(positions...)
		g, ok := groups[set.Hash()]
		if !ok {
			g = &group{positions: set}
			groups[set.Hash()] = g
			order = append(order, set.Hash())
		}
		g.tags = append(g.tags, tag)
	}
	sort.Strings(order)
	for _, hash := range order {
		g := groups[hash]
		if err := layout.AddTagged(g.tags, g.positions, user, at); err != nil {
			return RackLayout{}, err
		}
	}
	return layout, nil
}
