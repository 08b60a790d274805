// Package postgres implements the store interfaces on PostgreSQL via
// pgx. One batch of upserts runs inside one database transaction, so
// a failed chunk rolls back without touching committed chunks.
package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/revlens/syncengine/pkg/errors"
	"github.com/revlens/syncengine/pkg/jsonx"
	"github.com/revlens/syncengine/pkg/models"
	"github.com/revlens/syncengine/pkg/store"
)

// Store is the PostgreSQL-backed implementation of store.Store.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New connects a store to an existing pool.
func New(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{
		pool:   pool,
		logger: logger.With(zap.String("component", "postgres_store")),
	}
}

// Connect parses the connection string and builds a pool.
func Connect(ctx context.Context, connString string, logger *zap.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid postgres connection string")
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "connecting to postgres")
	}

	return New(pool, logger), nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the engine tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrorTypePersistence, "applying schema")
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		connector_name TEXT NOT NULL,
		credential_handle TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		last_sync_at TIMESTAMPTZ,
		sync_cursor JSONB NOT NULL DEFAULT '{}',
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (tenant_id, connector_name)
	)`,
	`CREATE TABLE IF NOT EXISTS normalized_records (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		source TEXT NOT NULL,
		source_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		domain TEXT NOT NULL DEFAULT '',
		amount DOUBLE PRECISION,
		stage TEXT NOT NULL DEFAULT '',
		close_date TIMESTAMPTZ,
		owner_id TEXT NOT NULL DEFAULT '',
		transcript TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		custom_fields JSONB NOT NULL DEFAULT '{}',
		raw_payload BYTEA,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (tenant_id, source, source_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_records_tenant_entity
		ON normalized_records (tenant_id, entity_type)`,
	`CREATE TABLE IF NOT EXISTS schema_snapshots (
		tenant_id TEXT NOT NULL,
		connector TEXT NOT NULL,
		fields JSONB NOT NULL DEFAULT '{}',
		captured_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, connector)
	)`,
	`CREATE TABLE IF NOT EXISTS findings (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		category TEXT NOT NULL,
		connector TEXT NOT NULL,
		message TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		open BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sync_log (
		id BIGSERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		connector TEXT NOT NULL,
		records_fetched INT NOT NULL,
		records_stored INT NOT NULL,
		errors JSONB NOT NULL DEFAULT '[]',
		duration_ms BIGINT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL
	)`,
}

// pgTx adapts a pgx transaction to store.Tx.
type pgTx struct {
	tx pgx.Tx
}

const upsertRecordSQL = `
INSERT INTO normalized_records (
	id, tenant_id, source, source_id, entity_type,
	name, email, domain, amount, stage, close_date, owner_id,
	transcript, summary, custom_fields, raw_payload, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,now(),now())
ON CONFLICT (tenant_id, source, source_id) DO UPDATE SET
	entity_type = EXCLUDED.entity_type,
	name = EXCLUDED.name,
	email = EXCLUDED.email,
	domain = EXCLUDED.domain,
	amount = EXCLUDED.amount,
	stage = EXCLUDED.stage,
	close_date = EXCLUDED.close_date,
	owner_id = EXCLUDED.owner_id,
	transcript = COALESCE(NULLIF(EXCLUDED.transcript, ''), normalized_records.transcript),
	summary = COALESCE(NULLIF(EXCLUDED.summary, ''), normalized_records.summary),
	custom_fields = EXCLUDED.custom_fields,
	raw_payload = EXCLUDED.raw_payload,
	updated_at = now()`

// UpsertRecord writes one record inside the transaction.
func (t *pgTx) UpsertRecord(ctx context.Context, rec *models.NormalizedRecord) error {
	if rec.TenantID == "" || rec.Source == "" || rec.SourceID == "" {
		return errors.New(errors.ErrorTypePersistence, "record missing tenant_id, source, or source_id")
	}
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}

	customFields, err := jsonx.Marshal(rec.CustomFields)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "encoding custom fields")
	}

	_, err = t.tx.Exec(ctx, upsertRecordSQL,
		id, rec.TenantID, rec.Source, rec.SourceID, rec.EntityType,
		rec.Name, rec.Email, rec.Domain, rec.Amount, rec.Stage, rec.CloseDate, rec.OwnerID,
		rec.Transcript, rec.Summary, customFields, rec.RawPayload)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "upserting record").
			WithDetail("source_id", rec.SourceID)
	}
	return nil
}

// RunInTransaction runs fn inside one database transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "beginning transaction")
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "committing transaction")
	}
	return nil
}

const selectRecordCols = `
	id, tenant_id, source, source_id, entity_type,
	name, email, domain, amount, stage, close_date, owner_id,
	transcript, summary, custom_fields, raw_payload, created_at, updated_at`

// ListByEntityType returns all rows for a tenant, source, and entity type.
func (s *Store) ListByEntityType(ctx context.Context, tenantID, source string, entityType models.EntityType) ([]*models.NormalizedRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+selectRecordCols+`
		FROM normalized_records
		WHERE tenant_id = $1 AND source = $2 AND entity_type = $3
		ORDER BY source_id`, tenantID, source, entityType)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "listing records")
	}
	defer rows.Close()

	var out []*models.NormalizedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "iterating records")
	}
	return out, nil
}

func scanRecord(rows pgx.Rows) (*models.NormalizedRecord, error) {
	var rec models.NormalizedRecord
	var customFields []byte

	err := rows.Scan(
		&rec.ID, &rec.TenantID, &rec.Source, &rec.SourceID, &rec.EntityType,
		&rec.Name, &rec.Email, &rec.Domain, &rec.Amount, &rec.Stage, &rec.CloseDate, &rec.OwnerID,
		&rec.Transcript, &rec.Summary, &customFields, &rec.RawPayload, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "scanning record")
	}

	if len(customFields) > 0 {
		if err := jsonx.Unmarshal(customFields, &rec.CustomFields); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypePersistence, "decoding custom fields")
		}
	}
	return &rec, nil
}

// CustomFieldNames enumerates distinct custom-field names per source
// and object type.
func (s *Store) CustomFieldNames(ctx context.Context, tenantID, source string, objectType models.EntityType) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT jsonb_object_keys(custom_fields)
		FROM normalized_records
		WHERE tenant_id = $1 AND source = $2 AND entity_type = $3
		ORDER BY 1`, tenantID, source, objectType)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "listing custom field names")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypePersistence, "scanning field name")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// FieldFillRate returns the populated fraction for one custom field.
func (s *Store) FieldFillRate(ctx context.Context, tenantID, source string, objectType models.EntityType, field string) (float64, error) {
	var rate float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(
			count(*) FILTER (WHERE custom_fields->>$4 IS NOT NULL AND custom_fields->>$4 <> '')::float
			/ NULLIF(count(*), 0), 0)
		FROM normalized_records
		WHERE tenant_id = $1 AND source = $2 AND entity_type = $3`, tenantID, source, objectType, field).Scan(&rate)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypePersistence, "computing fill rate")
	}
	return rate, nil
}

// CountByTenant returns total rows for a tenant.
func (s *Store) CountByTenant(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM normalized_records WHERE tenant_id = $1`, tenantID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypePersistence, "counting records")
	}
	return n, nil
}

// CreateConnection inserts a new connection row.
func (s *Store) CreateConnection(ctx context.Context, conn *models.Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	cursor, err := jsonx.Marshal(conn.SyncCursor)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "encoding sync cursor")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO connections (id, tenant_id, connector_name, credential_handle, status, last_sync_at, sync_cursor, error_message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		conn.ID, conn.TenantID, conn.ConnectorName, conn.CredentialHandle,
		conn.Status, conn.LastSyncAt, cursor, conn.ErrorMessage)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "creating connection")
	}
	return nil
}

// GetConnection loads one connection.
func (s *Store) GetConnection(ctx context.Context, tenantID, connectorName string) (*models.Connection, error) {
	var conn models.Connection
	var cursor []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, connector_name, credential_handle, status, last_sync_at, sync_cursor, error_message, created_at, updated_at
		FROM connections WHERE tenant_id = $1 AND connector_name = $2`,
		tenantID, connectorName).Scan(
		&conn.ID, &conn.TenantID, &conn.ConnectorName, &conn.CredentialHandle,
		&conn.Status, &conn.LastSyncAt, &cursor, &conn.ErrorMessage, &conn.CreatedAt, &conn.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "connection not found for %s/%s", tenantID, connectorName)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "loading connection")
	}

	if len(cursor) > 0 {
		if err := jsonx.Unmarshal(cursor, &conn.SyncCursor); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypePersistence, "decoding sync cursor")
		}
	}
	return &conn, nil
}

// UpdateConnection overwrites the mutable connection fields.
func (s *Store) UpdateConnection(ctx context.Context, conn *models.Connection) error {
	cursor, err := jsonx.Marshal(conn.SyncCursor)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "encoding sync cursor")
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE connections
		SET status = $3, last_sync_at = $4, sync_cursor = $5, error_message = $6, updated_at = now()
		WHERE tenant_id = $1 AND connector_name = $2`,
		conn.TenantID, conn.ConnectorName, conn.Status, conn.LastSyncAt, cursor, conn.ErrorMessage)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "updating connection")
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.ErrorTypeNotFound, "connection not found for %s/%s", conn.TenantID, conn.ConnectorName)
	}
	return nil
}

// GetSnapshot loads the stored snapshot or nil when none exists.
func (s *Store) GetSnapshot(ctx context.Context, tenantID, connector string) (*models.SchemaSnapshot, error) {
	var snap models.SchemaSnapshot
	var fields []byte

	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, connector, fields, captured_at
		FROM schema_snapshots WHERE tenant_id = $1 AND connector = $2`,
		tenantID, connector).Scan(&snap.TenantID, &snap.Connector, &fields, &snap.CapturedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "loading snapshot")
	}

	if err := jsonx.Unmarshal(fields, &snap.Fields); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "decoding snapshot")
	}
	return &snap, nil
}

// PutSnapshot replaces the snapshot wholesale.
func (s *Store) PutSnapshot(ctx context.Context, snap *models.SchemaSnapshot) error {
	fields, err := jsonx.Marshal(snap.Fields)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "encoding snapshot")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO schema_snapshots (tenant_id, connector, fields, captured_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (tenant_id, connector) DO UPDATE SET
			fields = EXCLUDED.fields,
			captured_at = EXCLUDED.captured_at`,
		snap.TenantID, snap.Connector, fields, snap.CapturedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "storing snapshot")
	}
	return nil
}

// FindOpenFinding returns the open finding within the window, or nil.
func (s *Store) FindOpenFinding(ctx context.Context, tenantID, category, connector string, since time.Time) (*models.Finding, error) {
	var f models.Finding
	var metadata []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, category, connector, message, metadata, open, created_at, updated_at
		FROM findings
		WHERE tenant_id = $1 AND category = $2 AND connector = $3 AND open AND created_at >= $4
		ORDER BY created_at DESC LIMIT 1`,
		tenantID, category, connector, since).Scan(
		&f.ID, &f.TenantID, &f.Category, &f.Connector, &f.Message, &metadata, &f.Open, &f.CreatedAt, &f.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "loading finding")
	}

	if len(metadata) > 0 {
		if err := jsonx.Unmarshal(metadata, &f.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypePersistence, "decoding finding metadata")
		}
	}
	return &f, nil
}

// InsertFinding stores a new open finding.
func (s *Store) InsertFinding(ctx context.Context, f *models.Finding) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	metadata, err := jsonx.Marshal(f.Metadata)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "encoding finding metadata")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO findings (id, tenant_id, category, connector, message, metadata, open)
		VALUES ($1,$2,$3,$4,$5,$6,TRUE)`,
		f.ID, f.TenantID, f.Category, f.Connector, f.Message, metadata)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "inserting finding")
	}
	return nil
}

// UpdateFinding updates message, metadata, and timestamp in place.
func (s *Store) UpdateFinding(ctx context.Context, f *models.Finding) error {
	metadata, err := jsonx.Marshal(f.Metadata)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "encoding finding metadata")
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE findings SET message = $2, metadata = $3, updated_at = now()
		WHERE id = $1`, f.ID, f.Message, metadata)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "updating finding")
	}
	if tag.RowsAffected() == 0 {
		return errors.Newf(errors.ErrorTypeNotFound, "finding %s not found", f.ID)
	}
	return nil
}

// AppendSyncResult appends one result to the audit log.
func (s *Store) AppendSyncResult(ctx context.Context, tenantID, connector string, res *models.SyncResult) error {
	errorsJSON, err := jsonx.Marshal(res.Errors)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "encoding sync errors")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_log (tenant_id, connector, records_fetched, records_stored, errors, duration_ms, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		tenantID, connector, res.RecordsFetched, res.RecordsStored, errorsJSON,
		res.Duration.Milliseconds(), res.StartedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "appending sync result")
	}
	return nil
}

var _ store.Store = (*Store)(nil)
