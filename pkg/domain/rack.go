package domain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	rle "github.com/tj/go-rle"
)

// RackShape describes the dimensions of a plate or tube rack.
type RackShape struct {
	Rows    int `json:"rows"`
	Columns int `json:"columns"`
}

// Standard rack shapes.
var (
	Shape96   = RackShape{Rows: 8, Columns: 12}
	Shape384  = RackShape{Rows: 16, Columns: 24}
	Shape1536 = RackShape{Rows: 32, Columns: 48}
)

// NewRackShape validates the dimensions and returns the shape.
func NewRackShape(rows, columns int) (RackShape, error) {
	if rows <= 0 || columns <= 0 {
		return RackShape{}, fmt.Errorf("invalid rack shape %dx%d", rows, columns)
	}
	return RackShape{Rows: rows, Columns: columns}, nil
}

// ParseRackShape reads a shape name of the form "8x12".
func ParseRackShape(name string) (RackShape, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(name)), "x")
	if len(parts) != 2 {
		return RackShape{}, fmt.Errorf("invalid rack shape name %q", name)
	}
	rows, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return RackShape{}, fmt.Errorf("invalid rack shape name %q", name)
	}
	cols, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return RackShape{}, fmt.Errorf("invalid rack shape name %q", name)
	}
	return NewRackShape(rows, cols)
}

// Size returns the number of positions.
func (s RackShape) Size() int { return s.Rows * s.Columns }

// Name renders the shape as "<rows>x<columns>".
func (s RackShape) Name() string { return fmt.Sprintf("%dx%d", s.Rows, s.Columns) }

func (s RackShape) String() string { return s.Name() }

// Contains reports whether the position lies within the shape.
func (s RackShape) Contains(pos RackPosition) bool {
	return pos.Row >= 0 && pos.Column >= 0 && pos.Row < s.Rows && pos.Column < s.Columns
}

// Positions returns every position of the shape in row-major order.
func (s RackShape) Positions() []RackPosition {
	out := make([]RackPosition, 0, s.Size())
	for r := 0; r < s.Rows; r++ {
		for c := 0; c < s.Columns; c++ {
			out = append(out, RackPosition{Row: r, Column: c})
		}
	}
	return out
}

// RackPosition is a zero-based (row, column) coordinate on a rack.
type RackPosition struct {
	Row    int
	Column int
}

var positionLabelPattern = regexp.MustCompile(`^([A-Za-z]{1,2})([0-9]{1,2})$`)

// NewRackPosition returns the position for the zero-based indices.
func NewRackPosition(row, column int) (RackPosition, error) {
	if row < 0 || column < 0 {
		return RackPosition{}, fmt.Errorf("invalid rack position indices (%d, %d)", row, column)
	}
	return RackPosition{Row: row, Column: column}, nil
}

// ParseRackPosition reads a label such as "A1" or "AF47".
func ParseRackPosition(label string) (RackPosition, error) {
	m := positionLabelPattern.FindStringSubmatch(strings.TrimSpace(label))
	if m == nil {
		return RackPosition{}, fmt.Errorf("invalid rack position label %q", label)
	}
	row, err := RowIndex(m[1])
	if err != nil {
		return RackPosition{}, err
	}
	col, err := strconv.Atoi(m[2])
	if err != nil || col < 1 {
		return RackPosition{}, fmt.Errorf("invalid rack position label %q", label)
	}
	return RackPosition{Row: row, Column: col - 1}, nil
}

// RowLetters converts a zero-based row index into its base-26 letter form
// (0 -> A, 25 -> Z, 26 -> AA).
func RowLetters(row int) string {
	if row < 0 {
		return ""
	}
	var b []byte
	for n := row + 1; n > 0; n = (n - 1) / 26 {
		b = append([]byte{byte('A' + (n-1)%26)}, b...)
	}
	return string(b)
}

// RowIndex is the inverse of RowLetters.
func RowIndex(letters string) (int, error) {
	letters = strings.ToUpper(strings.TrimSpace(letters))
	if letters == "" {
		return 0, fmt.Errorf("empty row label")
	}
	n := 0
	for _, ch := range letters {
		if ch < 'A' || ch > 'Z' {
			return 0, fmt.Errorf("invalid row label %q", letters)
		}
		n = n*26 + int(ch-'A'+1)
	}
	return n - 1, nil
}

// Label renders the position as "<row letters><1-based column>".
func (p RackPosition) Label() string {
	return RowLetters(p.Row) + strconv.Itoa(p.Column+1)
}

func (p RackPosition) String() string { return p.Label() }

// Less orders positions row-major.
func (p RackPosition) Less(other RackPosition) bool {
	if p.Row != other.Row {
		return p.Row < other.Row
	}
	return p.Column < other.Column
}

// MarshalText renders the position as its label, so positions serialise as
// JSON strings and map keys.
func (p RackPosition) MarshalText() ([]byte, error) {
	return []byte(p.Label()), nil
}

// UnmarshalText parses a position label.
func (p *RackPosition) UnmarshalText(text []byte) error {
	pos, err := ParseRackPosition(string(text))
	if err != nil {
		return err
	}
	*p = pos
	return nil
}

// SortPositions sorts in place, row-major.
func SortPositions(positions []RackPosition) {
	sort.Slice(positions, func(i, j int) bool { return positions[i].Less(positions[j]) })
}

// RackPositionSet is an immutable set of positions identified by a
// run-length encoded hash of its bitmap.
type RackPositionSet struct {
	positions []RackPosition
	hash      string
}

// NewRackPositionSet builds a canonical set from the positions (duplicates collapse).
func NewRackPositionSet(positions ...RackPosition) RackPositionSet {
	seen := make(map[RackPosition]struct{}, len(positions))
	unique := make([]RackPosition, 0, len(positions))
	for _, p := range positions {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		unique = append(unique, p)
	}
	SortPositions(unique)
	return RackPositionSet{positions: unique, hash: encodePositionHash(unique)}
}

// Positions returns a copy of the members in row-major order.
func (s RackPositionSet) Positions() []RackPosition {
	return append([]RackPosition(nil), s.positions...)
}

// Len returns the number of members.
func (s RackPositionSet) Len() int { return len(s.positions) }

// Contains reports membership.
func (s RackPositionSet) Contains(pos RackPosition) bool {
	i := sort.Search(len(s.positions), func(i int) bool { return !s.positions[i].Less(pos) })
	return i < len(s.positions) && s.positions[i] == pos
}

// Hash returns the identity string of the set.
func (s RackPositionSet) Hash() string {
	if s.hash == "" {
		return encodePositionHash(s.positions)
	}
	return s.hash
}

// Equal compares identity hashes.
func (s RackPositionSet) Equal(other RackPositionSet) bool { return s.Hash() == other.Hash() }

// MarshalJSON stores the set as its hash.
func (s RackPositionSet) MarshalJSON() ([]byte, error) { return json.Marshal(s.Hash()) }

// UnmarshalJSON restores the set from its hash.
func (s *RackPositionSet) UnmarshalJSON(data []byte) error {
	var hash string
	if err := json.Unmarshal(data, &hash); err != nil {
		return err
	}
	decoded, err := DecodeRackPositionSet(hash)
	if err != nil {
		return err
	}
	*s = decoded
	return nil
}

// The bitmap spans the bounding box of the set; its dimensions are appended
// as "_<columns>_<rows>" so the hash can be decoded without a rack shape.
func encodePositionHash(positions []RackPosition) string {
	rows, cols := 0, 0
	for _, p := range positions {
		if p.Row+1 > rows {
			rows = p.Row + 1
		}
		if p.Column+1 > cols {
			cols = p.Column + 1
		}
	}
	bits := make([]int64, rows*cols)
	for _, p := range positions {
		bits[p.Row*cols+p.Column] = 1
	}
	encoded := ""
	if len(bits) > 0 {
		encoded = hex.EncodeToString(rle.EncodeInt64(bits))
	}
	return fmt.Sprintf("%s_%d_%d", encoded, cols, rows)
}

// DecodeRackPositionSet reverses the hash produced by RackPositionSet.Hash.
func DecodeRackPositionSet(hash string) (RackPositionSet, error) {
	parts := strings.Split(hash, "_")
	if len(parts) != 3 {
		return RackPositionSet{}, fmt.Errorf("invalid rack position set hash %q", hash)
	}
	cols, err := strconv.Atoi(parts[1])
	if err != nil || cols < 0 {
		return RackPositionSet{}, fmt.Errorf("invalid rack position set hash %q", hash)
	}
	rows, err := strconv.Atoi(parts[2])
	if err != nil || rows < 0 {
		return RackPositionSet{}, fmt.Errorf("invalid rack position set hash %q", hash)
	}
	if parts[0] == "" {
		if rows*cols != 0 {
			return RackPositionSet{}, fmt.Errorf("invalid rack position set hash %q", hash)
		}
		return NewRackPositionSet(), nil
	}
	raw, err := hex.DecodeString(parts[0])
	if err != nil {
		return RackPositionSet{}, fmt.Errorf("decode rack position set hash: %w", err)
	}
	bits, err := rle.DecodeInt64(raw)
	if err != nil {
		return RackPositionSet{}, fmt.Errorf("decode rack position set hash: %w", err)
	}
	if len(bits) != rows*cols {
		return RackPositionSet{}, fmt.Errorf("rack position set hash %q has %d cells, expected %d", hash, len(bits), rows*cols)
	}
	positions := make([]RackPosition, 0)
	for i, bit := range bits {
		if bit == 1 {
			positions = append(positions, RackPosition{Row: i / cols, Column: i % cols})
		}
	}
	return NewRackPositionSet(positions...), nil
}

var rackBarcodePattern = regexp.MustCompile(`^0[1-9][0-9]{6}$`)

// IsRackBarcode reports whether the value is a valid 8-digit rack barcode.
func IsRackBarcode(value string) bool { return rackBarcodePattern.MatchString(value) }
