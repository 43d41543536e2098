// Package config loads the screencore configuration: an optional YAML file
// overridden by SCREENCORE_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	yaml "gopkg.in/yaml.v3"

	"screencore/internal/blob"
	"screencore/pkg/domain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SCREENCORE_"

// ErrInvalid wraps validation failures.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete process configuration.
type Config struct {
	Storage  Storage     `yaml:"storage"`
	Catalog  Catalog     `yaml:"catalog"`
	Blob     blob.Config `yaml:"blob"`
	Tickets  Tickets     `yaml:"tickets"`
	Metrics  string      `yaml:"metrics"`
	Pipeline Pipeline    `yaml:"pipeline"`
}

// Storage selects the persistence backend.
type Storage struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Catalog selects the molecule design catalog backend.
type Catalog struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// Fixture is a YAML file loaded into the catalog on start.
	Fixture     string `yaml:"fixture"`
	FirstPoolID int    `yaml:"first_pool_id"`
}

// Tickets configures the in-process ticket tracker.
type Tickets struct {
	FirstNumber int `yaml:"first_number"`
}

// PlateSpecVolumes overrides the volumes (µL) of a standard plate spec.
type PlateSpecVolumes struct {
	MaxVolume  float64 `yaml:"max_volume"`
	DeadVolume float64 `yaml:"dead_volume"`
}

// Pipeline holds the tunables of the parsing and generation stages.
type Pipeline struct {
	AllowedShapes     []string                    `yaml:"allowed_shapes"`
	MinTransferVolume float64                     `yaml:"min_transfer_volume"`
	FloatingIndicator string                      `yaml:"floating_indicator"`
	RTPCRAsOpti       bool                        `yaml:"rtpcr_as_opti"`
	PlateSpecs        map[string]PlateSpecVolumes `yaml:"plate_specs"`
	LastRackBarcode   int                         `yaml:"last_rack_barcode"`
	User              string                      `yaml:"user"`
}

// Default returns the configuration used when nothing is configured.
func Default() Config {
	return Config{
		Storage: Storage{Driver: "sqlite", SQLitePath: "screencore.db"},
		Catalog: Catalog{Driver: "memory", FirstPoolID: 1},
		Blob:    blob.Config{Driver: blob.DriverFilesystem, FSRoot: "./attachments"},
		Tickets: Tickets{FirstNumber: 1},
		Metrics: "expvar",
		Pipeline: Pipeline{
			AllowedShapes:     []string{"8x12", "16x24", "32x48"},
			MinTransferVolume: 1,
			FloatingIndicator: "md_",
			LastRackBarcode:   2000000,
			User:              "screencore",
		},
	}
}

// Load reads path (if not empty) over the defaults, then applies the
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Decode(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode merges YAML into cfg; unknown keys are rejected.
func Decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("SQLITE_PATH", &c.Storage.SQLitePath)
	str("POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("CATALOG_DRIVER", &c.Catalog.Driver)
	str("CATALOG_DSN", &c.Catalog.DSN)
	str("CATALOG_FIXTURE", &c.Catalog.Fixture)
	var blobDriver string
	str("BLOB_DRIVER", &blobDriver)
	if blobDriver != "" {
		c.Blob.Driver = blob.Driver(blobDriver)
	}
	str("BLOB_FS_ROOT", &c.Blob.FSRoot)
	str("BLOB_S3_BUCKET", &c.Blob.S3.Bucket)
	str("BLOB_S3_REGION", &c.Blob.S3.Region)
	str("BLOB_S3_ENDPOINT", &c.Blob.S3.Endpoint)
	str("BLOB_S3_ACCESS_KEY_ID", &c.Blob.S3.AccessKeyID)
	str("BLOB_S3_SECRET_ACCESS_KEY", &c.Blob.S3.SecretAccessKey)
	str("METRICS", &c.Metrics)
	str("FLOATING_INDICATOR", &c.Pipeline.FloatingIndicator)

	if v, ok := lookup(EnvPrefix + "BLOB_S3_PATH_STYLE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %sBLOB_S3_PATH_STYLE: %v", ErrInvalid, EnvPrefix, err)
		}
		c.Blob.S3.PathStyle = b
	}
	if v, ok := lookup(EnvPrefix + "RTPCR_AS_OPTI"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %sRTPCR_AS_OPTI: %v", ErrInvalid, EnvPrefix, err)
		}
		c.Pipeline.RTPCRAsOpti = b
	}
	if v, ok := lookup(EnvPrefix + "MIN_TRANSFER_VOLUME"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: %sMIN_TRANSFER_VOLUME: %v", ErrInvalid, EnvPrefix, err)
		}
		c.Pipeline.MinTransferVolume = f
	}
	if v, ok := lookup(EnvPrefix + "ALLOWED_SHAPES"); ok && v != "" {
		c.Pipeline.AllowedShapes = strings.Split(v, ",")
	}
	return nil
}

// Validate checks driver names and tunables.
func (c Config) Validate() error {
	if !oneOf(c.Storage.Driver, "memory", "sqlite", "postgres") {
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalid, c.Storage.Driver)
	}
	if !oneOf(c.Catalog.Driver, "memory", "sqlite", "postgres") {
		return fmt.Errorf("%w: unknown catalog driver %q", ErrInvalid, c.Catalog.Driver)
	}
	if c.Catalog.Driver != "memory" && c.Catalog.DSN == "" {
		return fmt.Errorf("%w: catalog driver %s needs a dsn", ErrInvalid, c.Catalog.Driver)
	}
	if !oneOf(string(c.Blob.Driver), "", string(blob.DriverFilesystem), string(blob.DriverS3), string(blob.DriverMemory)) {
		return fmt.Errorf("%w: unknown blob driver %q", ErrInvalid, c.Blob.Driver)
	}
	if !oneOf(c.Metrics, "", "expvar", "prometheus", "none") {
		return fmt.Errorf("%w: unknown metrics exporter %q", ErrInvalid, c.Metrics)
	}
	if c.Pipeline.MinTransferVolume < 0 {
		return fmt.Errorf("%w: negative minimum transfer volume", ErrInvalid)
	}
	if _, err := c.Pipeline.Shapes(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := c.Pipeline.Specs(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Shapes parses the allowed rack shapes.
func (p Pipeline) Shapes() ([]domain.RackShape, error) {
	out := make([]domain.RackShape, 0, len(p.AllowedShapes))
	for _, name := range p.AllowedShapes {
		shape, err := domain.ParseRackShape(name)
		if err != nil {
			return nil, err
		}
		out = append(out, shape)
	}
	return out, nil
}

// Specs resolves the plate spec overrides against the standard specs.
func (p Pipeline) Specs() (map[string]domain.PlateSpecs, error) {
	if len(p.PlateSpecs) == 0 {
		return nil, nil
	}
	out := make(map[string]domain.PlateSpecs, len(p.PlateSpecs))
	for name, v := range p.PlateSpecs {
		std, ok := domain.PlateSpecsByName(strings.ToUpper(name))
		if !ok {
			return nil, fmt.Errorf("unknown plate specs %q", name)
		}
		if v.MaxVolume > 0 {
			std.MaxVolume = v.MaxVolume
		}
		if v.DeadVolume > 0 {
			std.DeadVolume = v.DeadVolume
		}
		if std.DeadVolume >= std.MaxVolume {
			return nil, fmt.Errorf("plate specs %s: dead volume %.1f must be below the maximum volume %.1f", std.Name, std.DeadVolume, std.MaxVolume)
		}
		out[std.Name] = std
	}
	return out, nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
