// Package store provides storage backends for DocPipe.
//
// The Store interface covers the durable collections of the request pipeline:
// groups, authorizations, administrators, the identifier registry, the
// append-only request ledger, and delivery counters. Implementations exist
// for PostgreSQL, SQLite, and in-memory (tests).
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/DocPipe/internal/models"
)

// Store is the durable storage abstraction for the request pipeline.
//
// Mutations are short, individually-committed operations; no call spans
// multiple collections transactionally. Callers rely on idempotence
// (delete-if-exists, update-if-matching) to keep crash windows safe.
type Store interface {
	// Group registry
	SaveGroup(g models.Group) error
	GetGroup(id string) (*models.Group, error)
	ListGroups() ([]models.Group, error)

	// Authorizations
	IsAuthorized(subjectID string) (bool, error)
	Authorize(subjectID string, kind models.SubjectKind, authorizedBy string) (bool, error)
	Deauthorize(subjectID string) (bool, error)
	ListAuthorized() ([]models.Authorization, error)
	GetSubjectConfig(subjectID string) (models.SubjectConfig, error)
	SetSubjectConfig(subjectID string, cfg models.SubjectConfig) error

	// Administrators
	IsAdministrator(subjectID string) (bool, error)
	ListAdministrators() ([]models.Administrator, error)
	AddAdministrator(admin models.Administrator) error
	RemoveAdministrator(subjectID string) error

	// Identifier registry (pending requests awaiting a rendered file)
	UpsertPendingRequest(req models.PendingRequest) error
	GetPendingRequest(identifier string) (*models.PendingRequest, error)
	DeletePendingRequest(identifier string) error
	IncrementAllAttempts() (int, error)
	EvictExpired(ttl time.Duration, maxAttempts int) (int, error)
	CountPendingRequests() (int, error)
	ListPendingRequests() ([]models.PendingRequest, error)

	// Request ledger (append-only audit trail)
	AppendRequest(entry models.LedgerEntry) error
	MarkCompleted(identifier, subjectID string) (bool, error)
	CountRequests() (int, error)

	// Delivery counters
	IncrementCounter(subjectID, displayName string) error
	ResetCounters() (int, error)
	ListCounters() ([]models.CounterEntry, error)

	Close() error
}

// InMemoryStore is a mutex-guarded in-memory Store used by tests.
type InMemoryStore struct {
	mu           sync.Mutex
	groups       map[string]models.Group
	auths        map[string]models.Authorization
	admins       map[string]models.Administrator
	pending      map[string]models.PendingRequest
	ledger       []models.LedgerEntry
	nextLedgerID int64
	counters     map[string]models.CounterEntry
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		groups:       make(map[string]models.Group),
		auths:        make(map[string]models.Authorization),
		admins:       make(map[string]models.Administrator),
		pending:      make(map[string]models.PendingRequest),
		counters:     make(map[string]models.CounterEntry),
		nextLedgerID: 1,
	}
}

func (s *InMemoryStore) SaveGroup(g models.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.groups[g.ID]; ok && g.RegisteredAt.IsZero() {
		g.RegisteredAt = existing.RegisteredAt
	} else if g.RegisteredAt.IsZero() {
		g.RegisteredAt = time.Now()
	}
	s.groups[g.ID] = g
	return nil
}

func (s *InMemoryStore) GetGroup(id string) (*models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[id]; ok {
		return &g, nil
	}
	return nil, nil
}

func (s *InMemoryStore) ListGroups() ([]models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	groups := make([]models.Group, 0, len(s.groups))
	for _, g := range s.groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups, nil
}

func (s *InMemoryStore) IsAuthorized(subjectID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auths[subjectID]
	return ok && a.Authorized, nil
}

func (s *InMemoryStore) Authorize(subjectID string, kind models.SubjectKind, authorizedBy string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.auths[subjectID]; ok && existing.Authorized {
		return false, nil
	}
	s.auths[subjectID] = models.Authorization{
		SubjectID:    subjectID,
		SubjectKind:  kind,
		Authorized:   true,
		AuthorizedBy: authorizedBy,
		AuthorizedAt: time.Now(),
	}
	return true, nil
}

func (s *InMemoryStore) Deauthorize(subjectID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auths[subjectID]
	if !ok || !a.Authorized {
		return false, nil
	}
	a.Authorized = false
	s.auths[subjectID] = a
	return true, nil
}

func (s *InMemoryStore) ListAuthorized() ([]models.Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var auths []models.Authorization
	for _, a := range s.auths {
		if !a.Authorized {
			continue
		}
		if g, ok := s.groups[a.SubjectID]; ok {
			a.GroupName = g.Name
		}
		auths = append(auths, a)
	}
	sort.Slice(auths, func(i, j int) bool { return auths[i].SubjectID < auths[j].SubjectID })
	return auths, nil
}

func (s *InMemoryStore) GetSubjectConfig(subjectID string) (models.SubjectConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.auths[subjectID]; ok && a.Authorized {
		return a.Config, nil
	}
	return models.SubjectConfig{}, nil
}

func (s *InMemoryStore) SetSubjectConfig(subjectID string, cfg models.SubjectConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auths[subjectID]
	if !ok || !a.Authorized {
		return models.ErrNotAuthorized
	}
	if cfg.ConfiguredAt.IsZero() {
		cfg.ConfiguredAt = time.Now()
	}
	a.Config = cfg
	s.auths[subjectID] = a
	return nil
}

func (s *InMemoryStore) IsAdministrator(subjectID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.admins[subjectID]
	return ok && a.Active, nil
}

func (s *InMemoryStore) ListAdministrators() ([]models.Administrator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var admins []models.Administrator
	for _, a := range s.admins {
		if a.Active {
			admins = append(admins, a)
		}
	}
	sort.Slice(admins, func(i, j int) bool { return admins[i].CreatedAt.Before(admins[j].CreatedAt) })
	return admins, nil
}

func (s *InMemoryStore) AddAdministrator(admin models.Administrator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.admins[admin.SubjectID]; ok && existing.Active {
		return models.ErrAlreadyAdmin
	}
	if admin.CreatedAt.IsZero() {
		admin.CreatedAt = time.Now()
	}
	admin.Active = true
	s.admins[admin.SubjectID] = admin
	// Administrators are implicitly authorized; drop any plain authorization row.
	delete(s.auths, admin.SubjectID)
	return nil
}

func (s *InMemoryStore) RemoveAdministrator(subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.admins[subjectID]
	if !ok || !a.Active {
		return models.ErrAdminNotFound
	}
	a.Active = false
	s.admins[subjectID] = a
	return nil
}

func (s *InMemoryStore) UpsertPendingRequest(req models.PendingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	req.AttemptCount = 0
	s.pending[req.Identifier] = req
	return nil
}

func (s *InMemoryStore) GetPendingRequest(identifier string) (*models.PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.pending[identifier]; ok {
		return &req, nil
	}
	return nil, nil
}

func (s *InMemoryStore) DeletePendingRequest(identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, identifier)
	return nil
}

func (s *InMemoryStore) IncrementAllAttempts() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, req := range s.pending {
		req.AttemptCount++
		req.LastAttemptAt = now
		s.pending[id] = req
	}
	return len(s.pending), nil
}

func (s *InMemoryStore) EvictExpired(ttl time.Duration, maxAttempts int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-ttl)
	evicted := 0
	for id, req := range s.pending {
		if req.CreatedAt.Before(cutoff) || req.AttemptCount > maxAttempts {
			delete(s.pending, id)
			evicted++
		}
	}
	return evicted, nil
}

func (s *InMemoryStore) CountPendingRequests() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), nil
}

func (s *InMemoryStore) ListPendingRequests() ([]models.PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reqs := make([]models.PendingRequest, 0, len(s.pending))
	for _, req := range s.pending {
		reqs = append(reqs, req)
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].CreatedAt.Before(reqs[j].CreatedAt) })
	return reqs, nil
}

func (s *InMemoryStore) AppendRequest(entry models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = s.nextLedgerID
	s.nextLedgerID++
	if entry.SubmittedAt.IsZero() {
		entry.SubmittedAt = time.Now()
	}
	if entry.Status == "" {
		entry.Status = models.LedgerStatusPending
		if !entry.Authorized {
			entry.Status = models.LedgerStatusRejected
		}
	}
	s.ledger = append(s.ledger, entry)
	return nil
}

func (s *InMemoryStore) MarkCompleted(identifier, subjectID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Newest matching non-terminal row only; older history is untouched.
	for i := len(s.ledger) - 1; i >= 0; i-- {
		e := s.ledger[i]
		if e.Identifier != identifier || e.SubjectID != subjectID {
			continue
		}
		if e.Status != models.LedgerStatusPending && e.Status != models.LedgerStatusProcessing {
			continue
		}
		now := time.Now()
		s.ledger[i].Status = models.LedgerStatusCompleted
		s.ledger[i].CompletedAt = &now
		return true, nil
	}
	return false, nil
}

func (s *InMemoryStore) CountRequests() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ledger), nil
}

// LedgerEntries returns a copy of all ledger rows, oldest first (for tests).
func (s *InMemoryStore) LedgerEntries() []models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]models.LedgerEntry, len(s.ledger))
	copy(entries, s.ledger)
	return entries
}

func (s *InMemoryStore) IncrementCounter(subjectID, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	c, ok := s.counters[subjectID]
	if !ok {
		c = models.CounterEntry{SubjectID: subjectID, FirstAt: now}
	}
	c.DisplayName = displayName
	c.TotalDocuments++
	c.LastAt = now
	s.counters[subjectID] = c
	return nil
}

func (s *InMemoryStore) ResetCounters() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.counters)
	s.counters = make(map[string]models.CounterEntry)
	return n, nil
}

func (s *InMemoryStore) ListCounters() ([]models.CounterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counters := make([]models.CounterEntry, 0, len(s.counters))
	for _, c := range s.counters {
		counters = append(counters, c)
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i].TotalDocuments > counters[j].TotalDocuments })
	return counters, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}
