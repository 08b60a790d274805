// Package engine drives the sync pipeline for one connector: collect
// pages, transform records, resolve duplicates, upsert in chunks,
// advance the cursor, and check for schema drift. The engine is the
// generic half of every connector; vendor specifics live behind the
// connector.Source interface.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/revlens/syncengine/pkg/cache"
	"github.com/revlens/syncengine/pkg/clients"
	"github.com/revlens/syncengine/pkg/connector"
	"github.com/revlens/syncengine/pkg/cursor"
	"github.com/revlens/syncengine/pkg/dedup"
	"github.com/revlens/syncengine/pkg/drift"
	"github.com/revlens/syncengine/pkg/errors"
	"github.com/revlens/syncengine/pkg/logger"
	"github.com/revlens/syncengine/pkg/metrics"
	"github.com/revlens/syncengine/pkg/models"
	"github.com/revlens/syncengine/pkg/observability"
	"github.com/revlens/syncengine/pkg/paginate"
	"github.com/revlens/syncengine/pkg/store"
	"github.com/revlens/syncengine/pkg/transform"
	"github.com/revlens/syncengine/pkg/upsert"
)

// Mode distinguishes full imports from incremental syncs.
type Mode string

const (
	ModeInitial     Mode = "initial"
	ModeIncremental Mode = "incremental"
)

// Observer receives progress callbacks during a sync run. All methods
// may be called from the syncing goroutine; implementations must not
// block.
type Observer interface {
	// OnProgress reports cumulative fetched records for one entity
	// stream as pages arrive.
	OnProgress(entityType models.EntityType, fetched int)
	// OnEntityComplete reports one finished entity stream.
	OnEntityComplete(entityType models.EntityType, stored, failed int)
}

// Config bounds one engine instance.
type Config struct {
	Paginate paginate.Config
	Upsert   upsert.Config
	// DedupCacheTTL bounds how long a detected dedup strategy is reused
	// before the field mapping is consulted again.
	DedupCacheTTL time.Duration
}

// DefaultConfig returns engine defaults.
func DefaultConfig() Config {
	return Config{
		Paginate:      paginate.DefaultConfig(),
		Upsert:        upsert.DefaultConfig(),
		DedupCacheTTL: 15 * time.Minute,
	}
}

// Engine implements connector.Connector for one source.
type Engine struct {
	source   connector.Source
	store    store.Store
	cfg      Config
	limiter  *clients.SlidingWindowLimiter
	observer Observer

	collector *paginate.Collector
	upserter  *upsert.Upserter
	resolver  *dedup.Resolver
	detector  *drift.Detector
	tracker   *cursor.Tracker
	dedupCfgs *cache.Cache[models.DedupConfig]

	logger *zap.Logger
	now    func() time.Time
}

// New creates an engine for one source.
func New(source connector.Source, st store.Store, cfg Config, log *zap.Logger) *Engine {
	if cfg.DedupCacheTTL <= 0 {
		cfg.DedupCacheTTL = 15 * time.Minute
	}
	log = log.With(
		zap.String("component", "engine"),
		zap.String("connector", source.Name()))

	return &Engine{
		source:    source,
		store:     st,
		cfg:       cfg,
		limiter:   clients.NewSlidingWindowLimiter(source.RateLimit()),
		collector: paginate.NewCollector(log),
		upserter:  upsert.New(cfg.Upsert, st, log),
		resolver:  dedup.NewResolver(log),
		detector:  drift.New(st, st, st, source.EntityTypes(), log),
		tracker:   cursor.New(st, st, log),
		dedupCfgs: cache.New[models.DedupConfig](cfg.DedupCacheTTL),
		logger:    log,
		now:       time.Now,
	}
}

// SetObserver installs a progress observer. Must be called before any
// sync starts.
func (e *Engine) SetObserver(obs Observer) {
	e.observer = obs
}

// Limiter exposes the engine's rate limiter, shared with callers that
// make side requests against the same vendor quota.
func (e *Engine) Limiter() *clients.SlidingWindowLimiter {
	return e.limiter
}

// Connect validates the credential and creates the connection record.
func (e *Engine) Connect(ctx context.Context, tenantID, credentialHandle string) (*models.Connection, error) {
	if err := e.source.Validate(ctx, credentialHandle); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "credential validation failed")
	}

	conn := &models.Connection{
		TenantID:         tenantID,
		ConnectorName:    e.source.Name(),
		CredentialHandle: credentialHandle,
		Status:           models.ConnectionStatusHealthy,
	}
	if err := e.store.CreateConnection(ctx, conn); err != nil {
		return nil, err
	}

	e.logger.Info("connection established", zap.String("tenant_id", tenantID))
	return conn, nil
}

// InitialSync performs a full historical import.
func (e *Engine) InitialSync(ctx context.Context, tenantID string) (*models.SyncResult, error) {
	return e.run(ctx, tenantID, ModeInitial)
}

// IncrementalSync imports changes since the stored cursor.
func (e *Engine) IncrementalSync(ctx context.Context, tenantID string) (*models.SyncResult, error) {
	return e.run(ctx, tenantID, ModeIncremental)
}

// run executes the full pipeline. It always returns a SyncResult; the
// error return is reserved for preconditions (unknown connection,
// disconnected state), never mid-pipeline failures, which degrade the
// result instead.
func (e *Engine) run(ctx context.Context, tenantID string, mode Mode) (*models.SyncResult, error) {
	ctx = logger.WithTenant(ctx, tenantID)
	ctx, span := observability.Tracer().Start(ctx, "engine.sync",
		trace.WithAttributes(
			attribute.String("connector", e.source.Name()),
			attribute.String("tenant_id", tenantID),
			attribute.String("mode", string(mode))))
	defer span.End()

	conn, err := e.store.GetConnection(ctx, tenantID, e.source.Name())
	if err != nil {
		return nil, err
	}
	if conn.Status == models.ConnectionStatusDisconnected {
		return nil, errors.Newf(errors.ErrorTypePermanent,
			"connection %s/%s is disconnected", tenantID, e.source.Name())
	}
	ctx = connector.WithCredentialHandle(ctx, conn.CredentialHandle)

	var since *time.Time
	if mode == ModeIncremental && conn.LastSyncAt != nil {
		since = conn.LastSyncAt
	}

	started := e.now().UTC()
	res := &models.SyncResult{StartedAt: started, Errors: []string{}}
	runCursor := make(map[string]interface{})

	for _, entityType := range e.source.EntityTypes() {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: sync canceled", entityType))
			break
		}
		e.syncEntity(ctx, tenantID, entityType, since, res, runCursor)
	}

	res.Duration = e.now().UTC().Sub(started)
	metrics.SyncDuration.WithLabelValues(e.source.Name(), string(mode)).
		Observe(res.Duration.Seconds())

	if err := e.tracker.RecordAttempt(ctx, tenantID, e.source.Name(), runCursor, res); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("cursor update failed: %v", err))
	}

	if newFields, err := e.detector.Run(ctx, tenantID, e.source.Name()); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("drift detection failed: %v", err))
	} else if len(newFields) > 0 {
		metrics.DriftFindings.WithLabelValues(e.source.Name()).Inc()
	}

	e.logger.Info("sync finished",
		zap.String("tenant_id", tenantID),
		zap.String("mode", string(mode)),
		zap.Int("fetched", res.RecordsFetched),
		zap.Int("stored", res.RecordsStored),
		zap.Int("errors", len(res.Errors)),
		zap.Duration("duration", res.Duration))

	return res, nil
}

// syncEntity runs collect, transform, dedup, and upsert for one entity
// stream, folding its outcome into the run result.
func (e *Engine) syncEntity(ctx context.Context, tenantID string, entityType models.EntityType, since *time.Time, res *models.SyncResult, runCursor map[string]interface{}) {
	name := e.source.Name()

	pageCfg := e.cfg.Paginate
	pageCfg.OnProgress = func(fetched int) {
		if e.observer != nil {
			e.observer.OnProgress(entityType, fetched)
		}
	}

	fetchPage := func(ctx context.Context, pageIndex int, pageCursor string) (*paginate.Page, error) {
		waitStart := e.now()
		if err := e.limiter.Acquire(ctx); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeCanceled, "rate limiter wait canceled")
		}
		if waited := e.now().Sub(waitStart); waited > 0 {
			metrics.RateLimitWaits.WithLabelValues(name).Observe(waited.Seconds())
		}
		return e.source.FetchPage(ctx, entityType, pageIndex, pageCursor, since)
	}

	collected := e.collector.Collect(ctx, fetchPage, pageCfg)
	res.RecordsFetched += len(collected.Records)
	metrics.RecordsFetched.WithLabelValues(name, string(entityType)).
		Add(float64(len(collected.Records)))
	if collected.Err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", entityType, collected.Err))
	}
	if len(collected.Records) == 0 {
		if e.observer != nil {
			e.observer.OnEntityComplete(entityType, 0, 0)
		}
		return
	}

	mapper := transform.NewMapper(tenantID, name)
	mapping := e.source.Mapping(entityType)

	outcome := transform.WithCapture(collected.Records,
		func(raw models.RawRecord) (*models.NormalizedRecord, error) {
			return mapper.Map(entityType, mapping, raw)
		},
		string(entityType),
		func(raw models.RawRecord) string { return raw.SourceID },
		e.logger)

	if len(outcome.Failed) > 0 {
		res.Errors = append(res.Errors, outcome.ErrorStrings()...)
		metrics.RecordsFailed.WithLabelValues(name, string(entityType), "transform").
			Add(float64(len(outcome.Failed)))
	}
	if len(outcome.Succeeded) == 0 {
		if e.observer != nil {
			e.observer.OnEntityComplete(entityType, 0, len(outcome.Failed))
		}
		return
	}

	records := outcome.Succeeded
	if err := e.resolveDuplicates(ctx, tenantID, entityType, mapping, records); err != nil {
		// Dedup failure means records without source IDs may duplicate;
		// records with source IDs still upsert correctly.
		res.Errors = append(res.Errors, fmt.Sprintf("%s: dedup: %v", entityType, err))
	}

	// Records the source could not identify and dedup did not match get
	// a synthesized identity so the upsert key is always populated.
	for _, rec := range records {
		if rec.SourceID == "" {
			rec.SourceID = uuid.NewString()
		}
	}

	// UpsertAll returns a partial result on cancellation; chunks already
	// committed stay committed and must be reflected either way.
	upserted, err := e.upserter.UpsertAll(ctx, records)
	res.RecordsStored += upserted.Inserted
	metrics.RecordsStored.WithLabelValues(name, string(entityType)).
		Add(float64(upserted.Inserted))
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", entityType, err))
	}
	for _, failure := range upserted.Failures {
		res.Errors = append(res.Errors, fmt.Sprintf("%s: chunk %d (%d records): %v",
			entityType, failure.Index, failure.Records, failure.Err))
		metrics.RecordsFailed.WithLabelValues(name, string(entityType), "persistence").
			Add(float64(failure.Records))
	}

	if collected.LastCursor != "" {
		runCursor[string(entityType)] = collected.LastCursor
	}

	if e.observer != nil {
		e.observer.OnEntityComplete(entityType, upserted.Inserted, len(outcome.Failed)+upserted.Failed)
	}
}

// resolveDuplicates assigns existing row IDs to incoming records whose
// composite keys collide with stored rows, so the upsert updates the
// matched row instead of creating a duplicate.
func (e *Engine) resolveDuplicates(ctx context.Context, tenantID string, entityType models.EntityType, mapping models.FieldMapping, records []*models.NormalizedRecord) error {
	cfg := e.dedupConfig(tenantID, entityType, mapping)
	if cfg.Strategy != models.DedupStrategyComposite {
		// external_id identity is the upsert key itself; none means
		// nothing to match on.
		return nil
	}

	existing, err := e.store.ListByEntityType(ctx, tenantID, e.source.Name(), entityType)
	if err != nil {
		return err
	}

	matches := e.resolver.FindDuplicates(tenantID, entityType, cfg, records, existing)
	for _, m := range matches {
		rec := records[m.IncomingIndex]
		if rec.SourceID == "" {
			rec.ID = m.ExistingID
			// Adopt the matched row's natural key so the upsert hits it.
			for _, ex := range existing {
				if ex.ID == m.ExistingID {
					rec.SourceID = ex.SourceID
					break
				}
			}
		}
	}
	return nil
}

// dedupConfig returns the cached strategy for one entity type,
// detecting it on miss.
func (e *Engine) dedupConfig(tenantID string, entityType models.EntityType, mapping models.FieldMapping) models.DedupConfig {
	key := string(entityType)
	if cfg, ok := e.dedupCfgs.Get(tenantID, key); ok {
		return cfg
	}

	cfg := e.resolver.DetectStrategy(entityType, mapping)
	if cfg.Warning != "" {
		e.logger.Warn("dedup strategy warning",
			zap.String("tenant_id", tenantID),
			zap.String("entity_type", key),
			zap.String("strategy", string(cfg.Strategy)),
			zap.String("warning", cfg.Warning))
	}
	e.dedupCfgs.Set(tenantID, key, cfg)
	return cfg
}

// Health reports the connection's standing.
func (e *Engine) Health(ctx context.Context, tenantID string) (*models.HealthReport, error) {
	conn, err := e.store.GetConnection(ctx, tenantID, e.source.Name())
	if err != nil {
		return nil, err
	}

	count, err := e.store.CountByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	report := &models.HealthReport{
		Status:        conn.Status,
		LastSync:      conn.LastSyncAt,
		RecordsSynced: count,
		Errors:        []string{},
	}
	if conn.ErrorMessage != "" {
		report.Errors = append(report.Errors, conn.ErrorMessage)
	}

	stats := e.limiter.Stats()
	report.RateLimitStatus = map[string]interface{}{
		"max_requests":    stats.MaxRequests,
		"window":          stats.Window.String(),
		"in_window":       stats.InWindow,
		"total_calls":     stats.TotalCalls,
		"total_wait_time": stats.TotalWaitTime.String(),
	}

	return report, nil
}

// Disconnect marks the connection terminally disconnected. Synced data
// is retained; only future syncs are refused.
func (e *Engine) Disconnect(ctx context.Context, tenantID string) error {
	conn, err := e.store.GetConnection(ctx, tenantID, e.source.Name())
	if err != nil {
		return err
	}
	conn.Status = models.ConnectionStatusDisconnected
	conn.ErrorMessage = ""
	return e.store.UpdateConnection(ctx, conn)
}

var _ connector.Connector = (*Engine)(nil)
