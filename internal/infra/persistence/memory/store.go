// Package memory provides the in-memory transactional store that the durable
// backends wrap. Every transaction works on a cloned state; rules run over the
// recorded changes before the clone replaces the committed state.
package memory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"screencore/pkg/domain"
)

type (
	// ExperimentMetadata aliases the domain record.
	ExperimentMetadata = domain.ExperimentMetadata
	// IsoRequest aliases the domain record.
	IsoRequest = domain.IsoRequest
	// Iso aliases the domain record.
	Iso = domain.Iso
	// Transaction aliases the domain transaction contract.
	Transaction = domain.Transaction
	// TransactionView aliases the read-only rule view.
	TransactionView = domain.TransactionView
	// RulesEngine aliases the domain rules engine.
	RulesEngine = domain.RulesEngine
	// Result aliases the rule evaluation result.
	Result = domain.Result
	// Change aliases a recorded mutation.
	Change = domain.Change
)

var _ domain.PersistentStore = (*Store)(nil)

// Snapshot is the serialisable form of the store state, one slice per bucket.
type Snapshot struct {
	ExperimentMetadata []ExperimentMetadata `json:"experiment_metadata"`
	IsoRequests        []IsoRequest         `json:"iso_requests"`
	Isos               []Iso                `json:"isos"`
}

// SnapshotBuckets names the snapshot buckets in persistence order.
var SnapshotBuckets = []string{"experiment_metadata", "iso_requests", "isos"}

func (s *Snapshot) bucket(name string) any {
	switch name {
	case "experiment_metadata":
		return &s.ExperimentMetadata
	case "iso_requests":
		return &s.IsoRequests
	case "isos":
		return &s.Isos
	}
	return nil
}

// EncodeBucket returns the JSON payload of one bucket.
func (s *Snapshot) EncodeBucket(name string) ([]byte, error) {
	target := s.bucket(name)
	if target == nil {
		return nil, fmt.Errorf("unknown snapshot bucket %q", name)
	}
	data, err := json.Marshal(target)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return data, nil
}

// DecodeBucket fills one bucket from its payload. Unknown buckets and empty
// payloads are skipped and reported as false.
func (s *Snapshot) DecodeBucket(name string, payload []byte) (bool, error) {
	target := s.bucket(name)
	if target == nil || len(payload) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

type memoryState struct {
	metadata map[string]ExperimentMetadata
	requests map[string]IsoRequest
	isos     map[string]Iso
}

func newMemoryState() memoryState {
	return memoryState{
		metadata: make(map[string]ExperimentMetadata),
		requests: make(map[string]IsoRequest),
		isos:     make(map[string]Iso),
	}
}

// deepClone copies a record through its JSON form so layouts, racks and
// worklist series never share memory between transactions.
func deepClone[T any](v T) T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("memory: clone %T: %w", v, err))
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Errorf("memory: clone %T: %w", v, err))
	}
	return out
}

func (s memoryState) clone() memoryState {
	cp := newMemoryState()
	for k, v := range s.metadata {
		cp.metadata[k] = deepClone(v)
	}
	for k, v := range s.requests {
		cp.requests[k] = deepClone(v)
	}
	for k, v := range s.isos {
		cp.isos[k] = deepClone(v)
	}
	return cp
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	return Snapshot{
		ExperimentMetadata: sortedValues(state.metadata, func(m ExperimentMetadata) string { return m.ID }),
		IsoRequests:        sortedValues(state.requests, func(r IsoRequest) string { return r.ID }),
		Isos:               sortedValues(state.isos, func(i Iso) string { return i.ID }),
	}
}

func memoryStateFromSnapshot(snapshot Snapshot) memoryState {
	state := newMemoryState()
	for _, m := range snapshot.ExperimentMetadata {
		state.metadata[m.ID] = deepClone(m)
	}
	for _, r := range snapshot.IsoRequests {
		state.requests[r.ID] = deepClone(r)
	}
	for _, i := range snapshot.Isos {
		state.isos[i.ID] = deepClone(i)
	}
	return state
}

func sortedValues[T any](m map[string]T, id func(T) string) []T {
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, deepClone(v))
	}
	sort.Slice(out, func(i, j int) bool { return id(out[i]) < id(out[j]) })
	return out
}

// Store provides an in-memory transactional store for the screening domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the configured engine so callers can register rules.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// SetNowFunc overrides the clock stamped onto created records.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

type transactionView struct {
	state *memoryState
}

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}
	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, transactionView{state: &tx.state}, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}
	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(transactionView{state: &snapshot})
}

func (v transactionView) ListExperimentMetadata() []ExperimentMetadata {
	return sortedValues(v.state.metadata, func(m ExperimentMetadata) string { return m.ID })
}

func (v transactionView) ListIsoRequests() []IsoRequest {
	return sortedValues(v.state.requests, func(r IsoRequest) string { return r.ID })
}

func (v transactionView) ListIsos() []Iso {
	return sortedIsos(v.state.isos)
}

func (v transactionView) FindExperimentMetadata(id string) (ExperimentMetadata, bool) {
	m, ok := v.state.metadata[id]
	if !ok {
		return ExperimentMetadata{}, false
	}
	return deepClone(m), true
}

func (v transactionView) FindIsoRequest(id string) (IsoRequest, bool) {
	r, ok := v.state.requests[id]
	if !ok {
		return IsoRequest{}, false
	}
	return deepClone(r), true
}

func (v transactionView) FindIso(id string) (Iso, bool) {
	i, ok := v.state.isos[id]
	if !ok {
		return Iso{}, false
	}
	return deepClone(i), true
}

func (v transactionView) IsosForRequest(requestID string) []Iso {
	return isosForRequest(v.state.isos, requestID)
}

// sortedIsos orders ISOs by label so ISO numbering reads naturally.
func sortedIsos(isos map[string]Iso) []Iso {
	out := make([]Iso, 0, len(isos))
	for _, i := range isos {
		out = append(out, deepClone(i))
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Label != out[b].Label {
			return out[a].Label < out[b].Label
		}
		return out[a].ID < out[b].ID
	})
	return out
}

func isosForRequest(isos map[string]Iso, requestID string) []Iso {
	matching := make(map[string]Iso)
	for id, i := range isos {
		if i.IsoRequestID == requestID {
			matching[id] = i
		}
	}
	return sortedIsos(matching)
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return transactionView{state: &tx.state}
}

func (tx *transaction) CreateExperimentMetadata(m ExperimentMetadata) (ExperimentMetadata, error) {
	if m.ID == "" {
		m.ID = tx.store.newID()
	}
	if _, exists := tx.state.metadata[m.ID]; exists {
		return ExperimentMetadata{}, fmt.Errorf("experiment metadata %q already exists", m.ID)
	}
	for _, existing := range tx.state.metadata {
		if existing.Label == m.Label {
			return ExperimentMetadata{}, fmt.Errorf("experiment metadata label %q is already in use", m.Label)
		}
	}
	if m.IsoRequestID != "" {
		if _, ok := tx.state.requests[m.IsoRequestID]; !ok {
			return ExperimentMetadata{}, fmt.Errorf("iso request %q not found", m.IsoRequestID)
		}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = tx.now
	}
	m.IsoRequest = nil
	tx.state.metadata[m.ID] = deepClone(m)
	tx.recordChange(Change{Entity: domain.EntityExperimentMetadata, Action: domain.ActionCreate, After: deepClone(m)})
	return deepClone(m), nil
}

func (tx *transaction) UpdateExperimentMetadata(id string, mutator func(*ExperimentMetadata) error) (ExperimentMetadata, error) {
	current, ok := tx.state.metadata[id]
	if !ok {
		return ExperimentMetadata{}, fmt.Errorf("experiment metadata %q not found", id)
	}
	before := deepClone(current)
	current = deepClone(current)
	if err := mutator(&current); err != nil {
		return ExperimentMetadata{}, err
	}
	current.ID = id
	current.IsoRequest = nil
	tx.state.metadata[id] = deepClone(current)
	tx.recordChange(Change{Entity: domain.EntityExperimentMetadata, Action: domain.ActionUpdate, Before: before, After: deepClone(current)})
	return deepClone(current), nil
}

// DeleteExperimentMetadata removes the record together with its ISO request
// and that request's ISOs.
func (tx *transaction) DeleteExperimentMetadata(id string) error {
	current, ok := tx.state.metadata[id]
	if !ok {
		return fmt.Errorf("experiment metadata %q not found", id)
	}
	if current.IsoRequestID != "" {
		if _, ok := tx.state.requests[current.IsoRequestID]; ok {
			if err := tx.deleteIsoRequest(current.IsoRequestID, true); err != nil {
				return err
			}
		}
	}
	delete(tx.state.metadata, id)
	tx.recordChange(Change{Entity: domain.EntityExperimentMetadata, Action: domain.ActionDelete, Before: deepClone(current)})
	return nil
}

func (tx *transaction) CreateIsoRequest(r IsoRequest) (IsoRequest, error) {
	if r.ID == "" {
		r.ID = tx.store.newID()
	}
	if _, exists := tx.state.requests[r.ID]; exists {
		return IsoRequest{}, fmt.Errorf("iso request %q already exists", r.ID)
	}
	if r.Kind == "" {
		r.Kind = domain.IsoRequestKindLab
	}
	tx.state.requests[r.ID] = deepClone(r)
	tx.recordChange(Change{Entity: domain.EntityIsoRequest, Action: domain.ActionCreate, After: deepClone(r)})
	return deepClone(r), nil
}

func (tx *transaction) UpdateIsoRequest(id string, mutator func(*IsoRequest) error) (IsoRequest, error) {
	current, ok := tx.state.requests[id]
	if !ok {
		return IsoRequest{}, fmt.Errorf("iso request %q not found", id)
	}
	before := deepClone(current)
	current = deepClone(current)
	if err := mutator(&current); err != nil {
		return IsoRequest{}, err
	}
	current.ID = id
	tx.state.requests[id] = deepClone(current)
	tx.recordChange(Change{Entity: domain.EntityIsoRequest, Action: domain.ActionUpdate, Before: before, After: deepClone(current)})
	return deepClone(current), nil
}

func (tx *transaction) DeleteIsoRequest(id string) error {
	return tx.deleteIsoRequest(id, false)
}

func (tx *transaction) deleteIsoRequest(id string, cascade bool) error {
	current, ok := tx.state.requests[id]
	if !ok {
		return fmt.Errorf("iso request %q not found", id)
	}
	for isoID, iso := range tx.state.isos {
		if iso.IsoRequestID != id {
			continue
		}
		if !cascade {
			return fmt.Errorf("iso request %q still referenced by iso %q", id, iso.Label)
		}
		delete(tx.state.isos, isoID)
		tx.recordChange(Change{Entity: domain.EntityIso, Action: domain.ActionDelete, Before: deepClone(iso)})
	}
	for _, m := range tx.state.metadata {
		if !cascade && m.IsoRequestID == id {
			return fmt.Errorf("iso request %q still referenced by experiment metadata %q", id, m.Label)
		}
	}
	delete(tx.state.requests, id)
	tx.recordChange(Change{Entity: domain.EntityIsoRequest, Action: domain.ActionDelete, Before: deepClone(current)})
	return nil
}

func (tx *transaction) FindIsoRequest(id string) (IsoRequest, bool) {
	return tx.Snapshot().FindIsoRequest(id)
}

func (tx *transaction) CreateIso(i Iso) (Iso, error) {
	if i.ID == "" {
		i.ID = tx.store.newID()
	}
	if _, exists := tx.state.isos[i.ID]; exists {
		return Iso{}, fmt.Errorf("iso %q already exists", i.ID)
	}
	if _, ok := tx.state.requests[i.IsoRequestID]; !ok {
		return Iso{}, fmt.Errorf("iso %q references unknown iso request %q", i.Label, i.IsoRequestID)
	}
	for _, existing := range tx.state.isos {
		if existing.Label == i.Label {
			return Iso{}, fmt.Errorf("iso label %q is already in use", i.Label)
		}
	}
	if i.Status == "" {
		i.Status = domain.IsoStatusQueued
	}
	if i.CreatedAt.IsZero() {
		i.CreatedAt = tx.now
	}
	tx.state.isos[i.ID] = deepClone(i)
	tx.recordChange(Change{Entity: domain.EntityIso, Action: domain.ActionCreate, After: deepClone(i)})
	return deepClone(i), nil
}

func (tx *transaction) UpdateIso(id string, mutator func(*Iso) error) (Iso, error) {
	current, ok := tx.state.isos[id]
	if !ok {
		return Iso{}, fmt.Errorf("iso %q not found", id)
	}
	before := deepClone(current)
	current = deepClone(current)
	if err := mutator(&current); err != nil {
		return Iso{}, err
	}
	current.ID = id
	tx.state.isos[id] = deepClone(current)
	tx.recordChange(Change{Entity: domain.EntityIso, Action: domain.ActionUpdate, Before: before, After: deepClone(current)})
	return deepClone(current), nil
}

func (tx *transaction) DeleteIso(id string) error {
	current, ok := tx.state.isos[id]
	if !ok {
		return fmt.Errorf("iso %q not found", id)
	}
	delete(tx.state.isos, id)
	tx.recordChange(Change{Entity: domain.EntityIso, Action: domain.ActionDelete, Before: deepClone(current)})
	return nil
}

// GetExperimentMetadata returns the committed record.
func (s *Store) GetExperimentMetadata(id string) (ExperimentMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transactionView{state: &s.state}.FindExperimentMetadata(id)
}

// ListExperimentMetadata returns every committed record ordered by ID.
func (s *Store) ListExperimentMetadata() []ExperimentMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transactionView{state: &s.state}.ListExperimentMetadata()
}

// GetIsoRequest returns the committed ISO request.
func (s *Store) GetIsoRequest(id string) (IsoRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transactionView{state: &s.state}.FindIsoRequest(id)
}

// ListIsoRequests returns every committed ISO request ordered by ID.
func (s *Store) ListIsoRequests() []IsoRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transactionView{state: &s.state}.ListIsoRequests()
}

// GetIso returns the committed ISO.
func (s *Store) GetIso(id string) (Iso, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transactionView{state: &s.state}.FindIso(id)
}

// ListIsos returns every committed ISO ordered by label.
func (s *Store) ListIsos() []Iso {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transactionView{state: &s.state}.ListIsos()
}

// IsosForRequest returns the committed ISOs of one request ordered by label.
func (s *Store) IsosForRequest(requestID string) []Iso {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return isosForRequest(s.state.isos, requestID)
}
