// Package core orchestrates the screening pipeline: it runs the parsing and
// generation stages, commits their entities through the persistent store
// under the commit rules and hands reports to the ticket collaborators.
package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"screencore/internal/blob"
	"screencore/internal/catalog"
	"screencore/internal/config"
	"screencore/internal/events"
	"screencore/internal/infra/persistence/memory"
	"screencore/internal/isogen"
	"screencore/internal/tickets"
	"screencore/pkg/domain"
)

// Settings are the pipeline tunables.
type Settings struct {
	AllowedShapes     []domain.RackShape
	FloatingIndicator string
	MinTransferVolume float64
	RTPCRAsOpti       bool
	PlateSpecs        map[string]domain.PlateSpecs
	User              string
}

// SettingsFromConfig resolves the configured pipeline tunables.
func SettingsFromConfig(p config.Pipeline) (Settings, error) {
	shapes, err := p.Shapes()
	if err != nil {
		return Settings{}, err
	}
	specs, err := p.Specs()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		AllowedShapes:     shapes,
		FloatingIndicator: p.FloatingIndicator,
		MinTransferVolume: p.MinTransferVolume,
		RTPCRAsOpti:       p.RTPCRAsOpti,
		PlateSpecs:        specs,
		User:              p.User,
	}, nil
}

// DefaultSettings are the settings of the default configuration.
func DefaultSettings() Settings {
	s, err := SettingsFromConfig(config.Default().Pipeline)
	if err != nil {
		panic(err)
	}
	return s
}

// Service runs the pipeline operations against a persistent store.
type Service struct {
	store    PersistentStore
	catalog  catalog.Catalog
	tickets  tickets.Client
	uploader *tickets.Uploader
	reports  blob.Store
	barcodes isogen.BarcodeSource
	settings Settings
	logger   Logger
	metrics  MetricsRecorder
	tracer   Tracer
	audit    AuditRecorder
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger; stage events are forwarded to it.
func WithLogger(l Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetricsRecorder sets the metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithAuditRecorder sets the audit recorder.
func WithAuditRecorder(a AuditRecorder) Option {
	return func(s *Service) {
		if a != nil {
			s.audit = a
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickets connects the ticket tracker. Reports are attached to tickets
// only when a report store is configured as well.
func WithTickets(client tickets.Client) Option {
	return func(s *Service) { s.tickets = client }
}

// WithReportStore sets the blob store receiving report attachments.
func WithReportStore(store blob.Store) Option {
	return func(s *Service) { s.reports = store }
}

// WithBarcodes sets the source of new rack barcodes.
func WithBarcodes(b isogen.BarcodeSource) Option {
	return func(s *Service) {
		if b != nil {
			s.barcodes = b
		}
	}
}

// WithSettings replaces the pipeline tunables.
func WithSettings(settings Settings) Option {
	return func(s *Service) { s.settings = settings }
}

// NewService constructs a service backed by store and resolving molecule
// designs, pools and stock tubes through cat.
func NewService(store PersistentStore, cat catalog.Catalog, opts ...Option) *Service {
	s := &Service{
		store:    store,
		catalog:  cat,
		barcodes: &isogen.SequenceBarcodes{Last: 2000000},
		settings: DefaultSettings(),
		logger:   noopLogger{},
		metrics:  noopMetrics{},
		tracer:   noopTracer{},
		audit:    noopAudit{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tickets != nil && s.reports != nil {
		s.uploader = tickets.NewUploader(s.reports, s.tickets)
	}
	return s
}

// NewInMemoryService creates a service over a fresh memory store.
func NewInMemoryService(engine *RulesEngine, cat catalog.Catalog, opts ...Option) *Service {
	return NewService(memory.NewStore(engine), cat, opts...)
}

// Store returns the underlying persistent store.
func (s *Service) Store() PersistentStore { return s.store }

// ErrNotFound is returned when a referenced record does not exist.
type ErrNotFound struct {
	Entity EntityType
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// run wraps an operation with tracing, metrics, audit and logging.
func (s *Service) run(ctx context.Context, op string, entity EntityType, fn func(context.Context) (string, error)) error {
	started := s.now()
	ctx, span := s.tracer.Start(ctx, op)
	id, err := fn(ctx)
	duration := s.now().Sub(started)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, duration)
	entry := AuditEntry{
		Operation: op,
		Status:    AuditStatusSuccess,
		Entity:    entity,
		EntityID:  id,
		StartedAt: started,
		Duration:  duration,
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
		var abort *events.AbortError
		if errors.As(err, &abort) {
			s.logger.Warn("operation aborted", "operation", op, "stage", abort.Stage, "errors", len(abort.ErrorMessages()))
		} else {
			s.logger.Error("operation failed", "operation", op, "error", err)
		}
	} else {
		s.logger.Info("operation completed", "operation", op, "entity_id", id, "duration", duration)
	}
	s.audit.Record(ctx, entry)
	return err
}

func (s *Service) recorder(stage string) *events.Recorder {
	return events.NewRecorder(stage, s.logger)
}

// GetExperimentMetadata returns the metadata with its ISO request attached.
func (s *Service) GetExperimentMetadata(id string) (ExperimentMetadata, bool) {
	md, ok := s.store.GetExperimentMetadata(id)
	if !ok {
		return ExperimentMetadata{}, false
	}
	if md.IsoRequestID != "" {
		if req, ok := s.store.GetIsoRequest(md.IsoRequestID); ok {
			md.IsoRequest = &req
		}
	}
	return md, true
}

// FindExperimentMetadata looks the metadata up by label.
func (s *Service) FindExperimentMetadata(label string) (ExperimentMetadata, bool) {
	for _, md := range s.store.ListExperimentMetadata() {
		if md.Label == label {
			return s.GetExperimentMetadata(md.ID)
		}
	}
	return ExperimentMetadata{}, false
}

// ListExperimentMetadata returns all metadata records.
func (s *Service) ListExperimentMetadata() []ExperimentMetadata {
	return s.store.ListExperimentMetadata()
}

// GetIsoRequest returns the ISO request.
func (s *Service) GetIsoRequest(id string) (IsoRequest, bool) {
	return s.store.GetIsoRequest(id)
}

// ListIsoRequests returns all ISO requests.
func (s *Service) ListIsoRequests() []IsoRequest {
	return s.store.ListIsoRequests()
}

// ListIsos returns the ISOs of a request ordered by label.
func (s *Service) ListIsos(requestID string) []Iso {
	return s.store.IsosForRequest(requestID)
}

// DeleteExperimentMetadata removes the metadata, its ISO request and ISOs.
func (s *Service) DeleteExperimentMetadata(ctx context.Context, id string) (Result, error) {
	var res Result
	err := s.run(ctx, "delete_experiment_metadata", EntityExperimentMetadata, func(ctx context.Context) (string, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
			return tx.DeleteExperimentMetadata(id)
		})
		return id, err
	})
	return res, err
}

// SetIsoStatus moves an ISO to a new status. Cancelled ISOs release their
// floating pools; they cannot be reactivated.
func (s *Service) SetIsoStatus(ctx context.Context, id string, status domain.IsoStatus) (Iso, Result, error) {
	var (
		updated Iso
		res     Result
	)
	err := s.run(ctx, "set_iso_status", EntityIso, func(ctx context.Context) (string, error) {
		var err error
		res, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
			updated, err = tx.UpdateIso(id, func(iso *Iso) error {
				if iso.Status == domain.IsoStatusCancelled && status != domain.IsoStatusCancelled {
					return fmt.Errorf("iso %s is cancelled", iso.Label)
				}
				iso.Status = status
				return nil
			})
			return err
		})
		return id, err
	})
	return updated, res, err
}

func ceilDiv(n, d int) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(float64(n) / float64(d)))
}
