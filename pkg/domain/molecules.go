package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// MoleculeType classifies molecule designs.
type MoleculeType string

// Supported molecule types.
const (
	MoleculeTypeSIRNA      MoleculeType = "SIRNA"
	MoleculeTypeMIRNAInhib MoleculeType = "MIRNA_INHI"
	MoleculeTypeMIRNAMimic MoleculeType = "MIRNA_MIMI"
	MoleculeTypeESIRNA     MoleculeType = "ESI_RNA"
	MoleculeTypeLongDSRNA  MoleculeType = "LONG_DSRNA"
	MoleculeTypeAmplicon   MoleculeType = "AMPLICON"
	MoleculeTypeSSDNA      MoleculeType = "SSDNA"
	MoleculeTypeCompound   MoleculeType = "COMPOUND"
)

// Default stock concentrations in nM.
var defaultStockConcentrations = map[MoleculeType]float64{
	MoleculeTypeSIRNA:      50000,
	MoleculeTypeMIRNAInhib: 10000,
	MoleculeTypeMIRNAMimic: 10000,
	MoleculeTypeESIRNA:     3800,
	MoleculeTypeLongDSRNA:  2000,
	MoleculeTypeAmplicon:   2000,
	MoleculeTypeSSDNA:      100000,
	MoleculeTypeCompound:   5000000,
}

// DefaultStockConcentration returns the single-design stock concentration (nM).
func (t MoleculeType) DefaultStockConcentration() float64 {
	if c, ok := defaultStockConcentrations[t]; ok {
		return c
	}
	return defaultStockConcentrations[MoleculeTypeSIRNA]
}

// OptimemDilutionFactor is the Opti-MEM dilution applied during transfection.
func (t MoleculeType) OptimemDilutionFactor() float64 {
	switch t {
	case MoleculeTypeMIRNAInhib, MoleculeTypeMIRNAMimic:
		return 4
	default:
		return 3
	}
}

// ParseMoleculeType normalises a molecule type name.
func ParseMoleculeType(name string) (MoleculeType, error) {
	t := MoleculeType(strings.ToUpper(strings.TrimSpace(name)))
	if _, ok := defaultStockConcentrations[t]; !ok {
		return "", fmt.Errorf("unknown molecule type %q", name)
	}
	return t, nil
}

// MoleculeDesign is an identified chemical or nucleic-acid structure.
type MoleculeDesign struct {
	ID           int          `json:"id"`
	MoleculeType MoleculeType `json:"molecule_type"`
}

// MoleculeDesignPool is an unordered set of designs of one molecule type.
type MoleculeDesignPool struct {
	ID                        int          `json:"id"`
	MoleculeType              MoleculeType `json:"molecule_type"`
	MemberIDs                 []int        `json:"member_ids"`
	MemberHash                string       `json:"member_hash"`
	DefaultStockConcentration float64      `json:"default_stock_concentration"`
}

// NewMoleculeDesignPool builds a pool from its member designs. All members
// must share one molecule type.
func NewMoleculeDesignPool(id int, designs []MoleculeDesign, stockConcentration float64) (MoleculeDesignPool, error) {
	if len(designs) == 0 {
		return MoleculeDesignPool{}, fmt.Errorf("molecule design pool requires at least one design")
	}
	molType := designs[0].MoleculeType
	ids := make([]int, 0, len(designs))
	for _, d := range designs {
		if d.MoleculeType != molType {
			return MoleculeDesignPool{}, fmt.Errorf("molecule designs of a pool must share one molecule type (found %s and %s)", molType, d.MoleculeType)
		}
		ids = append(ids, d.ID)
	}
	if stockConcentration <= 0 {
		stockConcentration = molType.DefaultStockConcentration()
	}
	return MoleculeDesignPool{
		ID:                        id,
		MoleculeType:              molType,
		MemberIDs:                 sortedInts(ids),
		MemberHash:                PoolMemberHash(ids),
		DefaultStockConcentration: stockConcentration,
	}, nil
}

// Size returns the number of member designs.
func (p MoleculeDesignPool) Size() int { return len(p.MemberIDs) }

// PoolMemberHash identifies a pool by its member design IDs regardless of order.
func PoolMemberHash(designIDs []int) string {
	ids := sortedInts(designIDs)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ";")))
	return hex.EncodeToString(sum[:16])
}

func sortedInts(in []int) []int {
	out := append([]int(nil), in...)
	sort.Ints(out)
	return out
}

// MoleculeDesignPoolSet is a set of pools sharing a molecule type.
type MoleculeDesignPoolSet struct {
	MoleculeType MoleculeType         `json:"molecule_type"`
	Pools        []MoleculeDesignPool `json:"pools"`
}

// NewMoleculeDesignPoolSet builds a set ordered by pool ID; duplicate IDs collapse.
func NewMoleculeDesignPoolSet(molType MoleculeType, pools ...MoleculeDesignPool) (MoleculeDesignPoolSet, error) {
	set := MoleculeDesignPoolSet{MoleculeType: molType}
	seen := make(map[int]struct{}, len(pools))
	for _, p := range pools {
		if molType != "" && p.MoleculeType != molType {
			return MoleculeDesignPoolSet{}, fmt.Errorf("pool %d has molecule type %s, expected %s", p.ID, p.MoleculeType, molType)
		}
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		set.Pools = append(set.Pools, p)
	}
	sort.Slice(set.Pools, func(i, j int) bool { return set.Pools[i].ID < set.Pools[j].ID })
	return set, nil
}

// Len returns the number of pools.
func (s MoleculeDesignPoolSet) Len() int { return len(s.Pools) }

// IDs returns the pool IDs in ascending order.
func (s MoleculeDesignPoolSet) IDs() []int {
	out := make([]int, len(s.Pools))
	for i, p := range s.Pools {
		out[i] = p.ID
	}
	return out
}

// Contains reports whether the pool ID is a member.
func (s MoleculeDesignPoolSet) Contains(id int) bool {
	i := sort.Search(len(s.Pools), func(i int) bool { return s.Pools[i].ID >= id })
	return i < len(s.Pools) && s.Pools[i].ID == id
}

// Find returns the pool with the given ID.
func (s MoleculeDesignPoolSet) Find(id int) (MoleculeDesignPool, bool) {
	i := sort.Search(len(s.Pools), func(i int) bool { return s.Pools[i].ID >= id })
	if i < len(s.Pools) && s.Pools[i].ID == id {
		return s.Pools[i], true
	}
	return MoleculeDesignPool{}, false
}

// Minus returns the pools of s whose IDs are not in exclude.
func (s MoleculeDesignPoolSet) Minus(exclude map[int]struct{}) MoleculeDesignPoolSet {
	out := MoleculeDesignPoolSet{MoleculeType: s.MoleculeType}
	for _, p := range s.Pools {
		if _, skip := exclude[p.ID]; !skip {
			out.Pools = append(out.Pools, p)
		}
	}
	return out
}

// Union merges two sets of the same molecule type.
func (s MoleculeDesignPoolSet) Union(other MoleculeDesignPoolSet) (MoleculeDesignPoolSet, error) {
	molType := s.MoleculeType
	if molType == "" {
		molType = other.MoleculeType
	}
	all := append(append([]MoleculeDesignPool(nil), s.Pools...), other.Pools...)
	return NewMoleculeDesignPoolSet(molType, all...)
}
