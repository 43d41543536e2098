package testutil

import (
	"context"
	"testing"
)

const upsert = `INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`

func TestSnapshotDBStagesUpsertsUntilCommit(t *testing.T) {
	ctx := context.Background()
	db, conn := NewSnapshotDB()

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS state (bucket TEXT PRIMARY KEY, payload JSONB NOT NULL)"); err != nil {
		t.Fatalf("ddl: %v", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.ExecContext(ctx, upsert, "isos", []byte(`[{"id":"x"}]`)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(conn.Buckets) != 0 {
		t.Fatalf("upsert visible before commit: %v", conn.Buckets)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx, _ = db.BeginTx(ctx, nil)
	_, _ = tx.ExecContext(ctx, upsert, "isos", []byte(`[]`))
	_ = tx.Rollback()

	var bucket string
	var payload []byte
	if err := db.QueryRowContext(ctx, "SELECT bucket, payload FROM state").Scan(&bucket, &payload); err != nil {
		t.Fatalf("select: %v", err)
	}
	if bucket != "isos" || string(payload) != `[{"id":"x"}]` {
		t.Fatalf("unexpected row %s %s", bucket, payload)
	}
	if _, err := db.ExecContext(ctx, "DELETE FROM state"); err == nil {
		t.Fatalf("expected unsupported statement error")
	}
}
