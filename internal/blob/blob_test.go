package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func exercise(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.Put(ctx, "tickets/12/log.csv", strings.NewReader("a,b\n"), PutOptions{ContentType: "text/csv", Metadata: map[string]string{"stage": "upload"}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	info, err := store.Put(ctx, "tickets/12/log.csv", strings.NewReader("a,b\n1,2\n"), PutOptions{ContentType: "text/csv"})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if info.Size != 8 {
		t.Fatalf("unexpected size %d", info.Size)
	}
	if _, err := store.Put(ctx, "tickets/13/info.txt", strings.NewReader("x"), PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, rc, err := store.Get(ctx, "tickets/12/log.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "a,b\n1,2\n" {
		t.Fatalf("unexpected body %q", body)
	}
	list, err := store.List(ctx, "tickets/12/")
	if err != nil || len(list) != 1 || list[0].Key != "tickets/12/log.csv" {
		t.Fatalf("unexpected list %v %v", list, err)
	}
	if _, _, err := store.Get(ctx, "tickets/99/none.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if ok, err := store.Delete(ctx, "tickets/13/info.txt"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if list, _ := store.List(ctx, ""); len(list) != 1 {
		t.Fatalf("expected one attachment left, got %v", list)
	}
}

func TestDrivers(t *testing.T) {
	for _, cfg := range []Config{
		{Driver: DriverMemory},
		{Driver: DriverFilesystem, FSRoot: t.TempDir()},
	} {
		t.Run(string(cfg.Driver), func(t *testing.T) {
			store, err := Open(context.Background(), cfg)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if store.Driver() != cfg.Driver {
				t.Fatalf("driver %s", store.Driver())
			}
			exercise(t, store)
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "ftp"}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Open(context.Background(), Config{Driver: DriverS3}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
}

func TestFilesystemRejectsTraversal(t *testing.T) {
	store, err := Open(context.Background(), Config{FSRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, key := range []string{"../x", "/abs", " "} {
		if _, err := store.Put(context.Background(), key, strings.NewReader("x"), PutOptions{}); err == nil {
			t.Fatalf("expected error for %q", key)
		}
	}
}
