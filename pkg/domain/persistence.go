package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	CreateExperimentMetadata(ExperimentMetadata) (ExperimentMetadata, error)
	UpdateExperimentMetadata(id string, mutator func(*ExperimentMetadata) error) (ExperimentMetadata, error)
	DeleteExperimentMetadata(id string) error
	CreateIsoRequest(IsoRequest) (IsoRequest, error)
	UpdateIsoRequest(id string, mutator func(*IsoRequest) error) (IsoRequest, error)
	DeleteIsoRequest(id string) error
	CreateIso(Iso) (Iso, error)
	UpdateIso(id string, mutator func(*Iso) error) (Iso, error)
	DeleteIso(id string) error
	FindIsoRequest(id string) (IsoRequest, bool)
}

// TransactionView provides read-only access to snapshot data for rules.
type TransactionView = RuleView

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetExperimentMetadata(id string) (ExperimentMetadata, bool)
	ListExperimentMetadata() []ExperimentMetadata
	GetIsoRequest(id string) (IsoRequest, bool)
	ListIsoRequests() []IsoRequest
	GetIso(id string) (Iso, bool)
	ListIsos() []Iso
	IsosForRequest(requestID string) []Iso
}
