// Package models defines the data model shared by every component of
// the sync engine: connections, raw and normalized records, dedup
// configuration, schema snapshots, findings, and sync results.
package models

import (
	"time"
)

// ConnectionStatus represents the health of a connector connection.
type ConnectionStatus string

const (
	ConnectionStatusHealthy      ConnectionStatus = "healthy"
	ConnectionStatusDegraded     ConnectionStatus = "degraded"
	ConnectionStatusError        ConnectionStatus = "error"
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
)

// Connection tracks one tenant's connection to a source system.
// Status transitions to disconnected only via explicit disconnect,
// which is terminal.
type Connection struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	ConnectorName string `json:"connector_name"`
	// CredentialHandle is an opaque reference into the credential
	// store; the engine never sees secrets.
	CredentialHandle string                 `json:"credential_handle"`
	Status           ConnectionStatus       `json:"status"`
	LastSyncAt       *time.Time             `json:"last_sync_at,omitempty"`
	SyncCursor       map[string]interface{} `json:"sync_cursor,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// EntityType enumerates the normalized entity types.
type EntityType string

const (
	EntityTypeDeal         EntityType = "deal"
	EntityTypeContact      EntityType = "contact"
	EntityTypeAccount      EntityType = "account"
	EntityTypeConversation EntityType = "conversation"
	EntityTypeTask         EntityType = "task"
	EntityTypeDocument     EntityType = "document"
)

// RawRecord is a source-native payload for one entity. It is valid
// only during one sync run; only an audit copy is persisted alongside
// the normalized row.
type RawRecord struct {
	SourceID string                 `json:"source_id,omitempty"`
	Payload  map[string]interface{} `json:"payload"`
}

// NormalizedRecord is a tenant-scoped entity in the normalized schema.
// Primary identity is (tenant_id, source, source_id) when SourceID is
// set; otherwise identity comes from a computed dedup composite key.
// Rows are never deleted by the engine; closure or loss is a field
// value, not a row deletion.
type NormalizedRecord struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Source     string     `json:"source"`
	SourceID   string     `json:"source_id"`
	EntityType EntityType `json:"entity_type"`

	// Typed core fields. Vendor-specific attributes that have no core
	// slot flow into CustomFields instead of being dropped.
	Name       string     `json:"name,omitempty"`
	Email      string     `json:"email,omitempty"`
	Domain     string     `json:"domain,omitempty"`
	Amount     *float64   `json:"amount,omitempty"`
	Stage      string     `json:"stage,omitempty"`
	CloseDate  *time.Time `json:"close_date,omitempty"`
	OwnerID    string     `json:"owner_id,omitempty"`
	Transcript string     `json:"transcript,omitempty"`
	Summary    string     `json:"summary,omitempty"`

	CustomFields map[string]interface{} `json:"custom_fields,omitempty"`

	// RawPayload is the audit copy of the source payload.
	RawPayload []byte `json:"raw_payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DedupStrategy identifies how incoming records are matched to
// existing rows when no stable vendor ID exists.
type DedupStrategy string

const (
	DedupStrategyExternalID DedupStrategy = "external_id"
	DedupStrategyComposite  DedupStrategy = "composite"
	DedupStrategyNone       DedupStrategy = "none"
)

// DedupConfig is computed once per (tenant, entity type, field
// mapping) and stable until the mapping changes.
type DedupConfig struct {
	Strategy   DedupStrategy `json:"strategy"`
	KeyFields  []string      `json:"key_fields,omitempty"`
	Confidence float64       `json:"confidence"`
	Warning    string        `json:"warning,omitempty"`
}

// DedupMatch reports that an incoming record collides with an existing
// row. Confidence is fixed per strategy, not a per-match similarity.
type DedupMatch struct {
	IncomingIndex int           `json:"incoming_index"`
	ExistingID    string        `json:"existing_id"`
	Strategy      DedupStrategy `json:"strategy"`
	Confidence    float64       `json:"confidence"`
}

// FieldMapping maps vendor field names to normalized field names for
// one entity type. Keys are normalized field names, values the vendor
// field they are sourced from.
type FieldMapping map[string]string

// SchemaSnapshot holds the set of observed custom field names per
// object type for one tenant as of the last sync. It is replaced
// wholesale each sync, never incrementally merged.
type SchemaSnapshot struct {
	TenantID   string              `json:"tenant_id"`
	Connector  string              `json:"connector"`
	Fields     map[string][]string `json:"fields"` // object type -> field names
	CapturedAt time.Time           `json:"captured_at"`
}

// NewField describes a newly observed custom field and how populated
// it is.
type NewField struct {
	ObjectType string  `json:"object_type"`
	Name       string  `json:"name"`
	FillRate   float64 `json:"fill_rate"`
}

// FindingCategorySchemaDrift labels drift alerts in the findings table.
const FindingCategorySchemaDrift = "schema_drift"

// Finding is a persisted alert, deduplicated by (tenant, category,
// connector) while an open finding is less than seven days old.
type Finding struct {
	ID        string                 `json:"id"`
	TenantID  string                 `json:"tenant_id"`
	Category  string                 `json:"category"`
	Connector string                 `json:"connector"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Open      bool                   `json:"open"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// SyncResult is the immutable value returned by every sync invocation
// and appended to the persisted sync log.
type SyncResult struct {
	RecordsFetched int           `json:"records_fetched"`
	RecordsStored  int           `json:"records_stored"`
	Errors         []string      `json:"errors"`
	Duration       time.Duration `json:"duration"`
	StartedAt      time.Time     `json:"started_at"`
}

// Failed reports whether the run stored nothing and collected errors.
func (r *SyncResult) Failed() bool {
	return r.RecordsStored == 0 && len(r.Errors) > 0
}

// HealthReport is the connector health surface returned to callers.
type HealthReport struct {
	Status          ConnectionStatus       `json:"status"`
	LastSync        *time.Time             `json:"last_sync,omitempty"`
	RecordsSynced   int64                  `json:"records_synced"`
	Errors          []string               `json:"errors"`
	RateLimitStatus map[string]interface{} `json:"rate_limit_status,omitempty"`
}
