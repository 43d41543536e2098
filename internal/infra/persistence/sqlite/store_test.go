package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"screencore/internal/infra/persistence/memory"
	"screencore/pkg/domain"
)

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "screen.db")
	store, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if store.Path() != path {
		t.Fatalf("unexpected path %s", store.Path())
	}
	var reqID string
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		req, err := tx.CreateIsoRequest(domain.IsoRequest{Label: "opti", IsoLayout: domain.NewRackLayout(domain.Shape96)})
		if err != nil {
			return err
		}
		reqID = req.ID
		_, err = tx.CreateIso(domain.Iso{Label: "opti_iso1", IsoRequestID: req.ID})
		return err
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	var buckets int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM state`).Scan(&buckets); err != nil || buckets != len(memory.SnapshotBuckets) {
		t.Fatalf("expected %d buckets, got %d (%v)", len(memory.SnapshotBuckets), buckets, err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewStore(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	if _, ok := reopened.GetIsoRequest(reqID); !ok {
		t.Fatalf("request not restored")
	}
	isos := reopened.IsosForRequest(reqID)
	if len(isos) != 1 || isos[0].Label != "opti_iso1" {
		t.Fatalf("unexpected isos %+v", isos)
	}
}

func TestStoreDoesNotPersistFailedTransactions(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "screen.db"), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateIso(domain.Iso{Label: "orphan", IsoRequestID: "missing"})
		return err
	})
	if err == nil {
		t.Fatalf("expected orphan iso to fail")
	}
	var rows int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM state`).Scan(&rows); err != nil || rows != 0 {
		t.Fatalf("expected no snapshot rows, got %d (%v)", rows, err)
	}
}
