// Package memory provides an in-memory Store implementation with the
// same transactional and merge semantics as the postgres store. It
// backs unit tests and local development; nothing in it survives the
// process.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/revlens/syncengine/pkg/errors"
	"github.com/revlens/syncengine/pkg/models"
	"github.com/revlens/syncengine/pkg/store"
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	records     map[string]*models.NormalizedRecord // tenant|source|source_id
	connections map[string]*models.Connection       // tenant|connector
	snapshots   map[string]*models.SchemaSnapshot   // tenant|connector
	findings    []*models.Finding
	syncLog     []syncLogEntry

	// FailUpsert, when set, is consulted before every upsert so tests
	// can simulate constraint violations mid-transaction.
	FailUpsert func(rec *models.NormalizedRecord) error

	now func() time.Time
}

type syncLogEntry struct {
	TenantID  string
	Connector string
	Result    models.SyncResult
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		records:     make(map[string]*models.NormalizedRecord),
		connections: make(map[string]*models.Connection),
		snapshots:   make(map[string]*models.SchemaSnapshot),
		now:         time.Now,
	}
}

// SetClock overrides the wall clock. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func recordKey(tenantID, source, sourceID string) string {
	return tenantID + "|" + source + "|" + sourceID
}

// tx buffers writes until commit so a failed transaction leaves the
// committed state untouched.
type tx struct {
	store  *Store
	staged map[string]*models.NormalizedRecord
}

// UpsertRecord stages one record write.
func (t *tx) UpsertRecord(ctx context.Context, rec *models.NormalizedRecord) error {
	if rec.TenantID == "" || rec.Source == "" || rec.SourceID == "" {
		return errors.New(errors.ErrorTypePersistence, "record missing tenant_id, source, or source_id")
	}
	if t.store.FailUpsert != nil {
		if err := t.store.FailUpsert(rec); err != nil {
			return errors.Wrap(err, errors.ErrorTypePersistence, "upsert rejected")
		}
	}

	key := recordKey(rec.TenantID, rec.Source, rec.SourceID)

	// Merge against staged-then-committed state so later writes in the
	// same transaction see earlier ones.
	current := t.staged[key]
	if current == nil {
		current = t.store.records[key]
	}

	merged := mergeRecord(current, rec, t.store.now().UTC())
	t.staged[key] = merged
	return nil
}

// mergeRecord applies upsert semantics: insert when no current row,
// otherwise overwrite all mutable fields except preserve-if-empty ones.
func mergeRecord(current, incoming *models.NormalizedRecord, now time.Time) *models.NormalizedRecord {
	out := *incoming

	if current == nil {
		if out.ID == "" {
			out.ID = uuid.NewString()
		}
		out.CreatedAt = now
		out.UpdatedAt = now
		return &out
	}

	out.ID = current.ID
	out.CreatedAt = current.CreatedAt
	out.UpdatedAt = now

	// Derived text survives incremental syncs that do not re-fetch it.
	if out.Transcript == "" {
		out.Transcript = current.Transcript
	}
	if out.Summary == "" {
		out.Summary = current.Summary
	}

	return &out
}

// RunInTransaction executes fn against a write buffer and commits it
// atomically. Any error discards the buffer.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx store.Tx) error) error {
	t := &tx{store: s, staged: make(map[string]*models.NormalizedRecord)}

	if err := fn(t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeCanceled, "transaction canceled before commit")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, rec := range t.staged {
		s.records[key] = rec
	}
	return nil
}

// ListByEntityType returns copies of all matching rows.
func (s *Store) ListByEntityType(ctx context.Context, tenantID, source string, entityType models.EntityType) ([]*models.NormalizedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.NormalizedRecord
	for _, rec := range s.records {
		if rec.TenantID == tenantID && rec.Source == source && rec.EntityType == entityType {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

// CustomFieldNames enumerates distinct custom field names per source
// and object type.
func (s *Store) CustomFieldNames(ctx context.Context, tenantID, source string, objectType models.EntityType) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, rec := range s.records {
		if rec.TenantID != tenantID || rec.Source != source || rec.EntityType != objectType {
			continue
		}
		for name := range rec.CustomFields {
			seen[name] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// FieldFillRate returns the fraction of rows where the field is
// populated.
func (s *Store) FieldFillRate(ctx context.Context, tenantID, source string, objectType models.EntityType, field string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	filled := 0
	for _, rec := range s.records {
		if rec.TenantID != tenantID || rec.Source != source || rec.EntityType != objectType {
			continue
		}
		total++
		if v, ok := rec.CustomFields[field]; ok && v != nil && fmt.Sprintf("%v", v) != "" {
			filled++
		}
	}

	if total == 0 {
		return 0, nil
	}
	return float64(filled) / float64(total), nil
}

// CountByTenant returns total rows for a tenant.
func (s *Store) CountByTenant(ctx context.Context, tenantID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, rec := range s.records {
		if rec.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

// CreateConnection stores a new connection.
func (s *Store) CreateConnection(ctx context.Context, conn *models.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := conn.TenantID + "|" + conn.ConnectorName
	if _, exists := s.connections[key]; exists {
		return errors.Newf(errors.ErrorTypePersistence, "connection already exists for %s/%s", conn.TenantID, conn.ConnectorName)
	}
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	now := s.now().UTC()
	conn.CreatedAt = now
	conn.UpdatedAt = now

	cp := *conn
	s.connections[key] = &cp
	return nil
}

// GetConnection returns a copy of the stored connection.
func (s *Store) GetConnection(ctx context.Context, tenantID, connectorName string) (*models.Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, ok := s.connections[tenantID+"|"+connectorName]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "connection not found for %s/%s", tenantID, connectorName)
	}
	cp := *conn
	return &cp, nil
}

// UpdateConnection overwrites the stored connection.
func (s *Store) UpdateConnection(ctx context.Context, conn *models.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := conn.TenantID + "|" + conn.ConnectorName
	if _, ok := s.connections[key]; !ok {
		return errors.Newf(errors.ErrorTypeNotFound, "connection not found for %s/%s", conn.TenantID, conn.ConnectorName)
	}
	conn.UpdatedAt = s.now().UTC()
	cp := *conn
	s.connections[key] = &cp
	return nil
}

// GetSnapshot returns the stored snapshot or nil when none exists.
func (s *Store) GetSnapshot(ctx context.Context, tenantID, connector string) (*models.SchemaSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[tenantID+"|"+connector]
	if !ok {
		return nil, nil
	}
	cp := *snap
	return &cp, nil
}

// PutSnapshot replaces the stored snapshot wholesale.
func (s *Store) PutSnapshot(ctx context.Context, snap *models.SchemaSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *snap
	s.snapshots[snap.TenantID+"|"+snap.Connector] = &cp
	return nil
}

// FindOpenFinding returns the open finding within the window, or nil.
func (s *Store) FindOpenFinding(ctx context.Context, tenantID, category, connector string, since time.Time) (*models.Finding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range s.findings {
		if f.TenantID == tenantID && f.Category == category && f.Connector == connector &&
			f.Open && !f.CreatedAt.Before(since) {
			cp := *f
			return &cp, nil
		}
	}
	return nil, nil
}

// InsertFinding stores a new finding.
func (s *Store) InsertFinding(ctx context.Context, f *models.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := s.now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now
	f.Open = true

	cp := *f
	s.findings = append(s.findings, &cp)
	return nil
}

// UpdateFinding updates a stored finding in place.
func (s *Store) UpdateFinding(ctx context.Context, f *models.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.findings {
		if existing.ID == f.ID {
			f.UpdatedAt = s.now().UTC()
			cp := *f
			s.findings[i] = &cp
			return nil
		}
	}
	return errors.Newf(errors.ErrorTypeNotFound, "finding %s not found", f.ID)
}

// Findings returns a copy of all findings. Tests only.
func (s *Store) Findings() []*models.Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Finding, 0, len(s.findings))
	for _, f := range s.findings {
		cp := *f
		out = append(out, &cp)
	}
	return out
}

// AppendSyncResult appends one result to the audit log.
func (s *Store) AppendSyncResult(ctx context.Context, tenantID, connector string, res *models.SyncResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncLog = append(s.syncLog, syncLogEntry{TenantID: tenantID, Connector: connector, Result: *res})
	return nil
}

// SyncLogLen returns the number of logged results. Tests only.
func (s *Store) SyncLogLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.syncLog)
}

var _ store.Store = (*Store)(nil)
