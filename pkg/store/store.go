// Package store defines the persistence interfaces of the sync engine
// and their shared write semantics. Implementations live in the
// postgres and memory subpackages.
//
// Write semantics every implementation must honor:
//
//   - Upserts are keyed on (tenant_id, source, source_id) and update
//     all mutable fields on conflict.
//   - A transaction is all-or-nothing; partial writes within one
//     transaction are never observable to readers.
//   - Preserve-if-empty fields (Transcript, Summary): an incoming
//     empty value never overwrites a stored non-empty value, so
//     derived content survives incremental syncs that do not re-fetch
//     it. All other fields are unconditionally overwritten.
package store

import (
	"context"
	"time"

	"github.com/revlens/syncengine/pkg/models"
)

// PreserveIfEmptyFields lists the normalized fields covered by the
// preserve-if-empty merge rule.
var PreserveIfEmptyFields = []string{"transcript", "summary"}

// Tx is the record-write surface available inside one transaction.
type Tx interface {
	// UpsertRecord inserts or updates one normalized record keyed on
	// (tenant_id, source, source_id).
	UpsertRecord(ctx context.Context, rec *models.NormalizedRecord) error
}

// RecordStore persists normalized records and answers the queries the
// dedup resolver and drift detector need.
type RecordStore interface {
	// RunInTransaction executes fn inside one transaction. Any error
	// from fn rolls the whole transaction back.
	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error

	// ListByEntityType returns all rows for one tenant, source, and
	// entity type. Used to build the dedup index.
	ListByEntityType(ctx context.Context, tenantID, source string, entityType models.EntityType) ([]*models.NormalizedRecord, error)

	// CustomFieldNames enumerates the distinct custom-field names
	// present on stored rows of one source and object type. Scoping by
	// source keeps one connector's fields out of another's snapshot.
	CustomFieldNames(ctx context.Context, tenantID, source string, objectType models.EntityType) ([]string, error)

	// FieldFillRate returns the fraction of rows of one source and
	// object type in which the custom field is non-null and non-empty.
	FieldFillRate(ctx context.Context, tenantID, source string, objectType models.EntityType, field string) (float64, error)

	// CountByTenant returns the total stored rows for a tenant.
	CountByTenant(ctx context.Context, tenantID string) (int64, error)
}

// ConnectionStore persists connector connections.
type ConnectionStore interface {
	CreateConnection(ctx context.Context, conn *models.Connection) error
	GetConnection(ctx context.Context, tenantID, connectorName string) (*models.Connection, error)
	UpdateConnection(ctx context.Context, conn *models.Connection) error
}

// SnapshotStore persists per (tenant, connector) schema snapshots.
// Snapshots are replaced wholesale, never merged.
type SnapshotStore interface {
	GetSnapshot(ctx context.Context, tenantID, connector string) (*models.SchemaSnapshot, error)
	PutSnapshot(ctx context.Context, snap *models.SchemaSnapshot) error
}

// FindingStore persists drift findings with open-within-window dedup.
type FindingStore interface {
	// FindOpenFinding returns the open finding of the given category
	// and connector created or updated since the cutoff, or nil.
	FindOpenFinding(ctx context.Context, tenantID, category, connector string, since time.Time) (*models.Finding, error)
	InsertFinding(ctx context.Context, f *models.Finding) error
	UpdateFinding(ctx context.Context, f *models.Finding) error
}

// SyncLogStore appends sync results for audit.
type SyncLogStore interface {
	AppendSyncResult(ctx context.Context, tenantID, connector string, res *models.SyncResult) error
}

// Store aggregates every persistence surface the engine needs.
type Store interface {
	RecordStore
	ConnectionStore
	SnapshotStore
	FindingStore
	SyncLogStore
}
