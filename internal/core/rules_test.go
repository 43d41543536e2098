package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"screencore/internal/infra/persistence/memory"
	"screencore/pkg/domain"
)

func poolSet(t *testing.T, ids ...int) *domain.MoleculeDesignPoolSet {
	t.Helper()
	pools := make([]domain.MoleculeDesignPool, len(ids))
	for i, id := range ids {
		p, err := domain.NewMoleculeDesignPool(id, []domain.MoleculeDesign{{ID: id * 10, MoleculeType: domain.MoleculeTypeSIRNA}}, 0)
		if err != nil {
			t.Fatalf("pool %d: %v", id, err)
		}
		pools[i] = p
	}
	set, err := domain.NewMoleculeDesignPoolSet(domain.MoleculeTypeSIRNA, pools...)
	if err != nil {
		t.Fatalf("pool set: %v", err)
	}
	return &set
}

func plate(t *testing.T, barcode string) *domain.Rack {
	t.Helper()
	// Plates are built directly so malformed barcodes reach the rules.
	return &domain.Rack{Barcode: barcode, Kind: domain.RackKindPlate, Shape: domain.Shape96, SpecsName: domain.PlateSpecsStandard96.Name}
}

func TestDefaultRules(t *testing.T) {
	cases := []struct {
		name string
		isos func(t *testing.T, reqID string) []domain.Iso
		rule string
	}{
		{
			name: "valid isos",
			isos: func(t *testing.T, reqID string) []domain.Iso {
				return []domain.Iso{
					{Label: "1_iso1", IsoRequestID: reqID, PoolSet: poolSet(t, 1, 2), PreparationPlate: plate(t, "02000001"), StockRacks: []string{"02490001"}},
					{Label: "1_iso2", IsoRequestID: reqID, PoolSet: poolSet(t, 3, 4)},
				}
			},
		},
		{
			name: "copy shares pools",
			isos: func(t *testing.T, reqID string) []domain.Iso {
				return []domain.Iso{
					{Label: "1_iso1", IsoRequestID: reqID, PoolSet: poolSet(t, 1, 2)},
					{Label: "1_iso1_copy", IsoRequestID: reqID, PoolSet: poolSet(t, 1, 2)},
				}
			},
		},
		{
			name: "cancelled iso releases pools",
			isos: func(t *testing.T, reqID string) []domain.Iso {
				return []domain.Iso{
					{Label: "1_iso1", IsoRequestID: reqID, PoolSet: poolSet(t, 1, 2), Status: domain.IsoStatusCancelled},
					{Label: "1_iso2", IsoRequestID: reqID, PoolSet: poolSet(t, 1, 2)},
				}
			},
		},
		{
			name: "duplicate floating pool",
			isos: func(t *testing.T, reqID string) []domain.Iso {
				return []domain.Iso{
					{Label: "1_iso1", IsoRequestID: reqID, PoolSet: poolSet(t, 1, 2)},
					{Label: "1_iso2", IsoRequestID: reqID, PoolSet: poolSet(t, 2, 3)},
				}
			},
			rule: "unique_floating_pool",
		},
		{
			name: "malformed plate barcode",
			isos: func(t *testing.T, reqID string) []domain.Iso {
				return []domain.Iso{{Label: "1_iso1", IsoRequestID: reqID, PreparationPlate: plate(t, "2000001")}}
			},
			rule: "rack_barcode",
		},
		{
			name: "malformed stock rack barcode",
			isos: func(t *testing.T, reqID string) []domain.Iso {
				return []domain.Iso{{Label: "1_iso1", IsoRequestID: reqID, StockRacks: []string{"00490001"}}}
			},
			rule: "rack_barcode",
		},
		{
			name: "foreign floating pool",
			isos: func(t *testing.T, reqID string) []domain.Iso {
				return []domain.Iso{{Label: "1_iso1", IsoRequestID: reqID, PoolSet: poolSet(t, 1, 99)}}
			},
			rule: "floating_pool_set",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := memory.NewStore(NewDefaultRulesEngine())
			var reqID string
			if _, err := store.RunInTransaction(ctx, func(tx Transaction) error {
				req, err := tx.CreateIsoRequest(IsoRequest{Label: "1", PoolSet: poolSet(t, 1, 2, 3, 4)})
				reqID = req.ID
				return err
			}); err != nil {
				t.Fatalf("create request: %v", err)
			}
			res, err := store.RunInTransaction(ctx, func(tx Transaction) error {
				for _, iso := range tc.isos(t, reqID) {
					if _, err := tx.CreateIso(iso); err != nil {
						return err
					}
				}
				return nil
			})
			if tc.rule == "" {
				if err != nil {
					t.Fatalf("unexpected error %v (%+v)", err, res.Violations)
				}
				return
			}
			var rv RuleViolationError
			if !errors.As(err, &rv) {
				t.Fatalf("expected rule violation, got %v", err)
			}
			found := false
			for _, v := range rv.Result.Violations {
				if v.Rule == tc.rule && v.Severity == SeverityBlock && v.Entity == EntityIso {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected %s violation, got %+v", tc.rule, rv.Result.Violations)
			}
			if len(store.IsosForRequest(reqID)) != 0 {
				t.Fatalf("blocked isos must not be stored")
			}
		})
	}
}

func TestLabelRoot(t *testing.T) {
	for in, want := range map[string]string{"1_iso1": "1_iso1", "1_iso1_copy": "1_iso1", "1_iso1_copy_copy": "1_iso1"} {
		if got := labelRoot(in); got != want {
			t.Fatalf("labelRoot(%q) = %q, want %q", in, got, want)
		}
	}
	if !strings.HasSuffix("x"+copySuffix, "_copy") {
		t.Fatalf("unexpected copy suffix %q", copySuffix)
	}
}
