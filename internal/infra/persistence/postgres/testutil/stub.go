// Package testutil provides a fake database/sql driver for the postgres
// snapshot store. It understands the three statements the store issues: the
// state table DDL, the bucket select and the bucket upsert.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"
)

var driverSeq atomic.Uint64

// SnapshotConn keeps the state rows in memory. The Fail* switches inject
// errors into the matching driver calls.
type SnapshotConn struct {
	Statements []string
	Buckets    map[string][]byte
	FailPing   bool
	FailBegin  bool
	FailCommit bool
	RowsErr    error

	tx *snapshotTx
}

// NewSnapshotDB registers a uniquely named driver and opens a sql.DB on it.
func NewSnapshotDB() (*sql.DB, *SnapshotConn) {
	conn := &SnapshotConn{Buckets: make(map[string][]byte)}
	name := fmt.Sprintf("screencore-pgstub-%d", driverSeq.Add(1))
	sql.Register(name, snapshotDriver{conn: conn})
	db, err := sql.Open(name, "")
	if err != nil {
		panic(err)
	}
	return db, conn
}

type snapshotDriver struct{ conn *SnapshotConn }

func (d snapshotDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// Prepare is unsupported; the store only uses the context variants.
func (c *SnapshotConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

// Close implements driver.Conn.
func (c *SnapshotConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *SnapshotConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *SnapshotConn) Ping(context.Context) error {
	if c.FailPing {
		return errors.New("ping refused")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx. Upserts issued while the
// transaction is open are staged until commit.
func (c *SnapshotConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, errors.New("begin refused")
	}
	c.tx = &snapshotTx{conn: c, pending: make(map[string][]byte)}
	return c.tx, nil
}

func kind(query string) string {
	q := strings.ToUpper(strings.Join(strings.Fields(query), " "))
	switch {
	case strings.HasPrefix(q, "CREATE TABLE IF NOT EXISTS STATE"):
		return "ddl"
	case strings.HasPrefix(q, "INSERT INTO STATE(BUCKET,PAYLOAD)") && strings.Contains(q, "ON CONFLICT(BUCKET)"):
		return "upsert"
	case strings.HasPrefix(q, "SELECT BUCKET, PAYLOAD FROM STATE"):
		return "select"
	}
	return ""
}

func upsertArgs(args []driver.NamedValue) (string, []byte, error) {
	if len(args) != 2 {
		return "", nil, fmt.Errorf("upsert expects 2 arguments, got %d", len(args))
	}
	bucket, ok := args[0].Value.(string)
	if !ok {
		return "", nil, fmt.Errorf("bucket must be a string, got %T", args[0].Value)
	}
	payload, ok := args[1].Value.([]byte)
	if !ok {
		return "", nil, fmt.Errorf("payload must be bytes, got %T", args[1].Value)
	}
	return bucket, append([]byte(nil), payload...), nil
}

// ExecContext implements driver.ExecerContext for statements outside a
// transaction.
func (c *SnapshotConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.Statements = append(c.Statements, query)
	switch kind(query) {
	case "ddl":
		return driver.RowsAffected(0), nil
	case "upsert":
		bucket, payload, err := upsertArgs(args)
		if err != nil {
			return nil, err
		}
		if c.tx != nil {
			c.tx.pending[bucket] = payload
		} else {
			c.Buckets[bucket] = payload
		}
		return driver.RowsAffected(1), nil
	}
	return nil, fmt.Errorf("unsupported statement: %s", query)
}

// QueryContext implements driver.QueryerContext; rows come back ordered by
// bucket name.
func (c *SnapshotConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.Statements = append(c.Statements, query)
	if kind(query) != "select" {
		return nil, fmt.Errorf("unsupported query: %s", query)
	}
	names := make([]string, 0, len(c.Buckets))
	for name := range c.Buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := &snapshotRows{err: c.RowsErr}
	for _, name := range names {
		rows.rows = append(rows.rows, []driver.Value{name, c.Buckets[name]})
	}
	return rows, nil
}

type snapshotTx struct {
	conn    *SnapshotConn
	pending map[string][]byte
}

// Commit applies the upserts staged while the transaction was open.
func (t *snapshotTx) Commit() error {
	t.conn.tx = nil
	if t.conn.FailCommit {
		return errors.New("commit refused")
	}
	for bucket, payload := range t.pending {
		t.conn.Buckets[bucket] = payload
	}
	return nil
}

func (t *snapshotTx) Rollback() error {
	t.conn.tx = nil
	clear(t.pending)
	return nil
}

type snapshotRows struct {
	rows [][]driver.Value
	idx  int
	err  error
}

func (r *snapshotRows) Columns() []string { return []string{"bucket", "payload"} }
func (r *snapshotRows) Close() error      { return nil }

func (r *snapshotRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		if r.err != nil {
			return r.err
		}
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}
