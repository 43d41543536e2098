package postgres

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	"screencore/internal/infra/persistence/memory"
	"screencore/internal/infra/persistence/postgres/testutil"
	"screencore/pkg/domain"
)

func TestNewStoreSnapshotsAndReloads(t *testing.T) {
	ctx := context.Background()
	db, conn := testutil.NewSnapshotDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()

	store, err := NewStore(ctx, "", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	var sawDDL bool
	for _, stmt := range conn.Statements {
		if strings.Contains(strings.ToUpper(stmt), "CREATE TABLE IF NOT EXISTS STATE") {
			sawDDL = true
		}
	}
	if !sawDDL {
		t.Fatalf("expected state table DDL, got %v", conn.Statements)
	}

	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateIsoRequest(domain.IsoRequest{Label: "screen"})
		return err
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if len(conn.Buckets) != len(memory.SnapshotBuckets) {
		t.Fatalf("expected %d state rows, got %v", len(memory.SnapshotBuckets), conn.Buckets)
	}

	reloaded, err := NewStore(ctx, "postgres://stub", nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	reqs := reloaded.ListIsoRequests()
	if len(reqs) != 1 || reqs[0].Label != "screen" {
		t.Fatalf("unexpected reloaded requests %+v", reqs)
	}
}

func TestNewStorePingFailure(t *testing.T) {
	db, conn := testutil.NewSnapshotDB()
	conn.FailPing = true
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore(context.Background(), "", nil); err == nil {
		t.Fatalf("expected ping failure")
	}
}

func TestRunInTransactionCommitFailure(t *testing.T) {
	ctx := context.Background()
	db, conn := testutil.NewSnapshotDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	store, err := NewStore(ctx, "", nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	conn.FailCommit = true
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateIsoRequest(domain.IsoRequest{Label: "screen"})
		return err
	})
	if err == nil || !strings.Contains(err.Error(), "commit") {
		t.Fatalf("expected commit failure, got %v", err)
	}
}
