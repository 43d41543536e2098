package catalog

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"screencore/pkg/domain"
)

// Memory is an in-process catalog.
type Memory struct {
	mu        sync.RWMutex
	designs   map[int]domain.MoleculeDesign
	pools     map[int]domain.MoleculeDesignPool
	byHash    map[string]int
	libraries map[string][]int
	tubes     []StockTube
	nextPool  int
}

// NewMemory returns an empty catalog. Created pools are numbered from
// firstPoolID upwards unless a registered pool already uses higher IDs.
func NewMemory(firstPoolID int) *Memory {
	if firstPoolID <= 0 {
		firstPoolID = 1
	}
	return &Memory{
		designs:   make(map[int]domain.MoleculeDesign),
		pools:     make(map[int]domain.MoleculeDesignPool),
		byHash:    make(map[string]int),
		libraries: make(map[string][]int),
		nextPool:  firstPoolID,
	}
}

var (
	_ Catalog  = (*Memory)(nil)
	_ Registry = (*Memory)(nil)
)

// RegisterDesigns stores designs.
func (m *Memory) RegisterDesigns(_ context.Context, designs ...domain.MoleculeDesign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range designs {
		if d.ID <= 0 {
			return fmt.Errorf("invalid molecule design ID %d", d.ID)
		}
		m.designs[d.ID] = d
	}
	return nil
}

// RegisterPool stores a pool and its member designs.
func (m *Memory) RegisterPool(_ context.Context, pool domain.MoleculeDesignPool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pool.ID <= 0 {
		return fmt.Errorf("invalid molecule design pool ID %d", pool.ID)
	}
	if pool.MemberHash == "" {
		pool.MemberHash = domain.PoolMemberHash(pool.MemberIDs)
	}
	for _, id := range pool.MemberIDs {
		if _, ok := m.designs[id]; !ok {
			m.designs[id] = domain.MoleculeDesign{ID: id, MoleculeType: pool.MoleculeType}
		}
	}
	m.pools[pool.ID] = pool
	m.byHash[pool.MemberHash] = pool.ID
	if pool.ID >= m.nextPool {
		m.nextPool = pool.ID + 1
	}
	return nil
}

// RegisterLibrary names a set of registered pools.
func (m *Memory) RegisterLibrary(_ context.Context, name string, poolIDs []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range poolIDs {
		if _, ok := m.pools[id]; !ok {
			return ErrNotFound{Entity: "molecule design pool", ID: strconv.Itoa(id)}
		}
	}
	m.libraries[name] = append([]int(nil), poolIDs...)
	return nil
}

// RegisterStockTubes stores stock tubes; a barcode registered twice is replaced.
func (m *Memory) RegisterStockTubes(_ context.Context, tubes ...StockTube) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tubes {
		replaced := false
		for i := range m.tubes {
			if m.tubes[i].Barcode == t.Barcode {
				m.tubes[i] = t
				replaced = true
				break
			}
		}
		if !replaced {
			m.tubes = append(m.tubes, t)
		}
	}
	return nil
}

// PoolsByID returns the known pools; unknown IDs are absent from the map.
func (m *Memory) PoolsByID(_ context.Context, ids []int) (map[int]domain.MoleculeDesignPool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]domain.MoleculeDesignPool, len(ids))
	for _, id := range ids {
		if p, ok := m.pools[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

// DesignsByID returns the known designs; unknown IDs are absent from the map.
func (m *Memory) DesignsByID(_ context.Context, ids []int) (map[int]domain.MoleculeDesign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]domain.MoleculeDesign, len(ids))
	for _, id := range ids {
		if d, ok := m.designs[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

// PoolForDesigns finds the pool with exactly the given members.
func (m *Memory) PoolForDesigns(_ context.Context, designIDs []int) (domain.MoleculeDesignPool, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byHash[domain.PoolMemberHash(designIDs)]
	if !ok {
		return domain.MoleculeDesignPool{}, false, nil
	}
	return m.pools[id], true, nil
}

// CreatePool returns the existing pool with the same members or stores a new one.
func (m *Memory) CreatePool(_ context.Context, designs []domain.MoleculeDesign, stockConcentration float64) (domain.MoleculeDesignPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int, len(designs))
	for i, d := range designs {
		ids[i] = d.ID
	}
	if id, ok := m.byHash[domain.PoolMemberHash(ids)]; ok {
		return m.pools[id], nil
	}
	pool, err := domain.NewMoleculeDesignPool(m.nextPool, designs, stockConcentration)
	if err != nil {
		return domain.MoleculeDesignPool{}, err
	}
	for _, d := range designs {
		m.designs[d.ID] = d
	}
	m.pools[pool.ID] = pool
	m.byHash[pool.MemberHash] = pool.ID
	m.nextPool++
	return pool, nil
}

// LibraryPools returns the pool set of a named library.
func (m *Memory) LibraryPools(_ context.Context, name string) (domain.MoleculeDesignPoolSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids, ok := m.libraries[name]
	if !ok {
		return domain.MoleculeDesignPoolSet{}, ErrNotFound{Entity: "library", ID: name}
	}
	pools := make([]domain.MoleculeDesignPool, 0, len(ids))
	for _, id := range ids {
		pools = append(pools, m.pools[id])
	}
	var molType domain.MoleculeType
	if len(pools) > 0 {
		molType = pools[0].MoleculeType
	}
	return domain.NewMoleculeDesignPoolSet(molType, pools...)
}

// StockCandidates returns the tubes of the requested pools holding at least
// MinVolume, outside the excluded racks.
func (m *Memory) StockCandidates(_ context.Context, q CandidateQuery) ([]StockTube, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := make(map[int]struct{}, len(q.PoolIDs))
	for _, id := range q.PoolIDs {
		wanted[id] = struct{}{}
	}
	var out []StockTube
	for _, t := range m.tubes {
		if _, ok := wanted[t.PoolID]; !ok || t.Volume < q.MinVolume {
			continue
		}
		out = append(out, t)
	}
	out = FilterExcluded(out, q.ExcludedRacks)
	sortCandidates(out)
	return out, nil
}
