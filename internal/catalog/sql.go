package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"screencore/pkg/domain"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS molecule_designs (
		id INTEGER PRIMARY KEY,
		molecule_type TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS molecule_design_pools (
		id INTEGER PRIMARY KEY,
		molecule_type TEXT NOT NULL,
		member_hash TEXT NOT NULL UNIQUE,
		default_stock_concentration DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS molecule_design_pool_members (
		pool_id INTEGER NOT NULL,
		design_id INTEGER NOT NULL,
		PRIMARY KEY (pool_id, design_id)
	)`,
	`CREATE TABLE IF NOT EXISTS library_pools (
		library TEXT NOT NULL,
		pool_id INTEGER NOT NULL,
		PRIMARY KEY (library, pool_id)
	)`,
	`CREATE TABLE IF NOT EXISTS stock_tubes (
		barcode TEXT PRIMARY KEY,
		rack_barcode TEXT NOT NULL,
		position TEXT NOT NULL,
		pool_id INTEGER NOT NULL,
		concentration DOUBLE PRECISION NOT NULL,
		volume DOUBLE PRECISION NOT NULL
	)`,
}

// SQL is a catalog over a relational database (driver "sqlite" or "pgx").
type SQL struct {
	db *sqlx.DB
}

var (
	_ Catalog  = (*SQL)(nil)
	_ Registry = (*SQL)(nil)
)

// OpenSQL connects and applies the schema.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQL, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s catalog: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s catalog: %w", driver, err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply catalog schema: %w", err)
		}
	}
	return &SQL{db: db}, nil
}

// Close releases the connection pool.
func (s *SQL) Close() error { return s.db.Close() }

type poolRow struct {
	ID                 int     `db:"id"`
	MoleculeType       string  `db:"molecule_type"`
	MemberHash         string  `db:"member_hash"`
	StockConcentration float64 `db:"default_stock_concentration"`
}

type memberRow struct {
	PoolID   int `db:"pool_id"`
	DesignID int `db:"design_id"`
}

type designRow struct {
	ID           int    `db:"id"`
	MoleculeType string `db:"molecule_type"`
}

func (s *SQL) in(query string, args ...any) (string, []any, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return s.db.Rebind(q), a, nil
}

// RegisterDesigns upserts designs.
func (s *SQL) RegisterDesigns(ctx context.Context, designs ...domain.MoleculeDesign) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, d := range designs {
		if err := upsertDesign(ctx, tx, d); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func upsertDesign(ctx context.Context, tx *sqlx.Tx, d domain.MoleculeDesign) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO molecule_designs(id, molecule_type) VALUES(?, ?)
		ON CONFLICT(id) DO UPDATE SET molecule_type = excluded.molecule_type`), d.ID, string(d.MoleculeType))
	if err != nil {
		return fmt.Errorf("upsert molecule design %d: %w", d.ID, err)
	}
	return nil
}

// RegisterPool stores a pool with its members.
func (s *SQL) RegisterPool(ctx context.Context, pool domain.MoleculeDesignPool) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := insertPool(ctx, tx, pool); err != nil {
		return err
	}
	return tx.Commit()
}

func insertPool(ctx context.Context, tx *sqlx.Tx, pool domain.MoleculeDesignPool) error {
	if pool.MemberHash == "" {
		pool.MemberHash = domain.PoolMemberHash(pool.MemberIDs)
	}
	for _, id := range pool.MemberIDs {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO molecule_designs(id, molecule_type) VALUES(?, ?) ON CONFLICT(id) DO NOTHING`), id, string(pool.MoleculeType)); err != nil {
			return fmt.Errorf("insert member design %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO molecule_design_pool_members(pool_id, design_id) VALUES(?, ?) ON CONFLICT(pool_id, design_id) DO NOTHING`), pool.ID, id); err != nil {
			return fmt.Errorf("insert pool member %d/%d: %w", pool.ID, id, err)
		}
	}
	_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO molecule_design_pools(id, molecule_type, member_hash, default_stock_concentration) VALUES(?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET molecule_type = excluded.molecule_type, member_hash = excluded.member_hash, default_stock_concentration = excluded.default_stock_concentration`),
		pool.ID, string(pool.MoleculeType), pool.MemberHash, pool.DefaultStockConcentration)
	if err != nil {
		return fmt.Errorf("insert molecule design pool %d: %w", pool.ID, err)
	}
	return nil
}

// RegisterLibrary replaces the pool list of a library.
func (s *SQL) RegisterLibrary(ctx context.Context, name string, poolIDs []int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM library_pools WHERE library = ?`), name); err != nil {
		return fmt.Errorf("clear library %s: %w", name, err)
	}
	for _, id := range poolIDs {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO library_pools(library, pool_id) VALUES(?, ?)`), name, id); err != nil {
			return fmt.Errorf("add pool %d to library %s: %w", id, name, err)
		}
	}
	return tx.Commit()
}

// RegisterStockTubes upserts stock tubes.
func (s *SQL) RegisterStockTubes(ctx context.Context, tubes ...StockTube) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, t := range tubes {
		_, err := tx.NamedExecContext(ctx, `INSERT INTO stock_tubes(barcode, rack_barcode, position, pool_id, concentration, volume)
			VALUES(:barcode, :rack_barcode, :position, :pool_id, :concentration, :volume)
			ON CONFLICT(barcode) DO UPDATE SET rack_barcode = excluded.rack_barcode, position = excluded.position,
				pool_id = excluded.pool_id, concentration = excluded.concentration, volume = excluded.volume`, t)
		if err != nil {
			return fmt.Errorf("upsert stock tube %s: %w", t.Barcode, err)
		}
	}
	return tx.Commit()
}

// PoolsByID loads pools with their members; unknown IDs are absent.
func (s *SQL) PoolsByID(ctx context.Context, ids []int) (map[int]domain.MoleculeDesignPool, error) {
	out := make(map[int]domain.MoleculeDesignPool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	q, args, err := s.in(`SELECT id, molecule_type, member_hash, default_stock_concentration FROM molecule_design_pools WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []poolRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("select pools: %w", err)
	}
	if len(rows) == 0 {
		return out, nil
	}
	members, err := s.members(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.ID] = domain.MoleculeDesignPool{
			ID:                        r.ID,
			MoleculeType:              domain.MoleculeType(r.MoleculeType),
			MemberIDs:                 members[r.ID],
			MemberHash:                r.MemberHash,
			DefaultStockConcentration: r.StockConcentration,
		}
	}
	return out, nil
}

func (s *SQL) members(ctx context.Context, poolIDs []int) (map[int][]int, error) {
	q, args, err := s.in(`SELECT pool_id, design_id FROM molecule_design_pool_members WHERE pool_id IN (?) ORDER BY pool_id, design_id`, poolIDs)
	if err != nil {
		return nil, err
	}
	var rows []memberRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("select pool members: %w", err)
	}
	out := make(map[int][]int)
	for _, r := range rows {
		out[r.PoolID] = append(out[r.PoolID], r.DesignID)
	}
	return out, nil
}

// DesignsByID loads designs; unknown IDs are absent.
func (s *SQL) DesignsByID(ctx context.Context, ids []int) (map[int]domain.MoleculeDesign, error) {
	out := make(map[int]domain.MoleculeDesign, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	q, args, err := s.in(`SELECT id, molecule_type FROM molecule_designs WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []designRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("select molecule designs: %w", err)
	}
	for _, r := range rows {
		out[r.ID] = domain.MoleculeDesign{ID: r.ID, MoleculeType: domain.MoleculeType(r.MoleculeType)}
	}
	return out, nil
}

// PoolForDesigns finds the pool with exactly the given members.
func (s *SQL) PoolForDesigns(ctx context.Context, designIDs []int) (domain.MoleculeDesignPool, bool, error) {
	var id int
	err := s.db.GetContext(ctx, &id, s.db.Rebind(`SELECT id FROM molecule_design_pools WHERE member_hash = ?`), domain.PoolMemberHash(designIDs))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.MoleculeDesignPool{}, false, nil
	}
	if err != nil {
		return domain.MoleculeDesignPool{}, false, fmt.Errorf("lookup pool by members: %w", err)
	}
	pools, err := s.PoolsByID(ctx, []int{id})
	if err != nil {
		return domain.MoleculeDesignPool{}, false, err
	}
	p, ok := pools[id]
	return p, ok, nil
}

// CreatePool returns the existing pool with the same members or inserts a new one.
func (s *SQL) CreatePool(ctx context.Context, designs []domain.MoleculeDesign, stockConcentration float64) (domain.MoleculeDesignPool, error) {
	ids := make([]int, len(designs))
	for i, d := range designs {
		ids[i] = d.ID
	}
	if existing, ok, err := s.PoolForDesigns(ctx, ids); err != nil || ok {
		return existing, err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.MoleculeDesignPool{}, err
	}
	defer func() { _ = tx.Rollback() }()
	var next int
	if err := tx.GetContext(ctx, &next, `SELECT COALESCE(MAX(id), 0) + 1 FROM molecule_design_pools`); err != nil {
		return domain.MoleculeDesignPool{}, fmt.Errorf("next pool id: %w", err)
	}
	pool, err := domain.NewMoleculeDesignPool(next, designs, stockConcentration)
	if err != nil {
		return domain.MoleculeDesignPool{}, err
	}
	for _, d := range designs {
		if err := upsertDesign(ctx, tx, d); err != nil {
			return domain.MoleculeDesignPool{}, err
		}
	}
	if err := insertPool(ctx, tx, pool); err != nil {
		return domain.MoleculeDesignPool{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MoleculeDesignPool{}, err
	}
	return pool, nil
}

// LibraryPools returns the pool set of a named library.
func (s *SQL) LibraryPools(ctx context.Context, name string) (domain.MoleculeDesignPoolSet, error) {
	var ids []int
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(`SELECT pool_id FROM library_pools WHERE library = ? ORDER BY pool_id`), name); err != nil {
		return domain.MoleculeDesignPoolSet{}, fmt.Errorf("select library %s: %w", name, err)
	}
	if len(ids) == 0 {
		return domain.MoleculeDesignPoolSet{}, ErrNotFound{Entity: "library", ID: name}
	}
	pools, err := s.PoolsByID(ctx, ids)
	if err != nil {
		return domain.MoleculeDesignPoolSet{}, err
	}
	list := make([]domain.MoleculeDesignPool, 0, len(ids))
	for _, id := range ids {
		p, ok := pools[id]
		if !ok {
			return domain.MoleculeDesignPoolSet{}, ErrNotFound{Entity: "molecule design pool", ID: strconv.Itoa(id)}
		}
		list = append(list, p)
	}
	return domain.NewMoleculeDesignPoolSet(list[0].MoleculeType, list...)
}

// StockCandidates returns the tubes of the requested pools holding at least
// MinVolume, outside the excluded racks.
func (s *SQL) StockCandidates(ctx context.Context, query CandidateQuery) ([]StockTube, error) {
	if len(query.PoolIDs) == 0 {
		return nil, nil
	}
	q, args, err := s.in(`SELECT barcode, rack_barcode, position, pool_id, concentration, volume
		FROM stock_tubes WHERE pool_id IN (?) AND volume >= ?
		ORDER BY pool_id, volume DESC, barcode`, query.PoolIDs, query.MinVolume)
	if err != nil {
		return nil, err
	}
	var tubes []StockTube
	if err := s.db.SelectContext(ctx, &tubes, q, args...); err != nil {
		return nil, fmt.Errorf("select stock candidates: %w", err)
	}
	tubes = FilterExcluded(tubes, query.ExcludedRacks)
	sortCandidates(tubes)
	return tubes, nil
}
