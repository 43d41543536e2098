package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"screencore/internal/blob"
	"screencore/pkg/domain"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "screencore.yaml")
	data := []byte(`
storage:
  driver: memory
catalog:
  driver: sqlite
  dsn: catalog.db
blob:
  driver: s3
  s3:
    bucket: reports
    region: eu-central-1
pipeline:
  rtpcr_as_opti: true
  plate_specs:
    standard_96:
      max_volume: 200
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SCREENCORE_STORAGE_DRIVER", "sqlite")
	t.Setenv("SCREENCORE_SQLITE_PATH", "/tmp/screen.db")
	t.Setenv("SCREENCORE_BLOB_S3_PATH_STYLE", "true")
	t.Setenv("SCREENCORE_METRICS", "prometheus")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.SQLitePath != "/tmp/screen.db" {
		t.Fatalf("env overrides not applied: %+v", cfg.Storage)
	}
	if cfg.Blob.Driver != blob.DriverS3 || cfg.Blob.S3.Bucket != "reports" || !cfg.Blob.S3.PathStyle {
		t.Fatalf("unexpected blob config %+v", cfg.Blob)
	}
	if !cfg.Pipeline.RTPCRAsOpti || cfg.Pipeline.FloatingIndicator != "md_" || cfg.Metrics != "prometheus" {
		t.Fatalf("unexpected pipeline config %+v", cfg.Pipeline)
	}
	specs, err := cfg.Pipeline.Specs()
	if err != nil {
		t.Fatalf("specs: %v", err)
	}
	if got := specs["STANDARD_96"]; got.MaxVolume != 200 || got.DeadVolume != 10 {
		t.Fatalf("unexpected override %+v", got)
	}
	shapes, err := cfg.Pipeline.Shapes()
	if err != nil || len(shapes) != 3 || shapes[1] != domain.Shape384 {
		t.Fatalf("unexpected shapes %v (%v)", shapes, err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"storage driver", func(c *Config) { c.Storage.Driver = "mongo" }},
		{"catalog without dsn", func(c *Config) { c.Catalog.Driver = "postgres" }},
		{"blob driver", func(c *Config) { c.Blob.Driver = "ftp" }},
		{"metrics", func(c *Config) { c.Metrics = "statsd" }},
		{"shape", func(c *Config) { c.Pipeline.AllowedShapes = []string{"8by12"} }},
		{"plate specs name", func(c *Config) { c.Pipeline.PlateSpecs = map[string]PlateSpecVolumes{"TINY": {MaxVolume: 1}} }},
		{"dead above max", func(c *Config) {
			c.Pipeline.PlateSpecs = map[string]PlateSpecVolumes{"STANDARD_384": {DeadVolume: 150}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestApplyEnvRejectsMalformedValues(t *testing.T) {
	for _, key := range []string{"SCREENCORE_RTPCR_AS_OPTI", "SCREENCORE_MIN_TRANSFER_VOLUME", "SCREENCORE_BLOB_S3_PATH_STYLE"} {
		cfg := Default()
		if err := cfg.ApplyEnv(envMap(map[string]string{key: "maybe"})); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", key, err)
		}
	}
	cfg := Default()
	if err := cfg.ApplyEnv(envMap(map[string]string{"SCREENCORE_ALLOWED_SHAPES": "8x12"})); err != nil || len(cfg.Pipeline.AllowedShapes) != 1 {
		t.Fatalf("shape override: %v %v", cfg.Pipeline.AllowedShapes, err)
	}
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	cfg := Default()
	if err := Decode([]byte("storag:\n  driver: memory\n"), &cfg); err == nil {
		t.Fatalf("expected unknown key error")
	}
}
