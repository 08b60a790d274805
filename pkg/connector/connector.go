// Package connector defines the surface every source integration
// exposes to the platform, the source abstraction the generic engine
// drives, and the registry connectors self-register into.
package connector

import (
	"context"
	"time"

	"github.com/revlens/syncengine/pkg/clients"
	"github.com/revlens/syncengine/pkg/models"
	"github.com/revlens/syncengine/pkg/paginate"
)

// Connector is the operation surface of one source integration.
type Connector interface {
	// Connect validates credentials and creates the connection record.
	// It fails fast on bad credentials rather than failing the first
	// sync later.
	Connect(ctx context.Context, tenantID, credentialHandle string) (*models.Connection, error)

	// InitialSync performs a full historical import.
	InitialSync(ctx context.Context, tenantID string) (*models.SyncResult, error)

	// IncrementalSync imports changes since the stored cursor.
	IncrementalSync(ctx context.Context, tenantID string) (*models.SyncResult, error)

	// Health reports connection status, last sync, synced record count,
	// recent errors, and rate limit standing.
	Health(ctx context.Context, tenantID string) (*models.HealthReport, error)
}

// Source is the vendor-specific half of a connector: how to reach the
// API and how its payloads map onto the normalized schema. The generic
// engine supplies everything else.
type Source interface {
	// Name is the stable connector name, used as the registry key and
	// the Source value on normalized records.
	Name() string

	// EntityTypes lists the entity streams this source syncs, in the
	// order they should run.
	EntityTypes() []models.EntityType

	// Mapping returns the vendor-to-normalized field mapping for one
	// entity type.
	Mapping(entityType models.EntityType) models.FieldMapping

	// RateLimit returns the vendor's call-rate profile.
	RateLimit() clients.RateLimiterConfig

	// Validate checks the credential against the live API, typically
	// with a cheap authenticated call.
	Validate(ctx context.Context, credentialHandle string) error

	// FetchPage fetches one page of one entity stream. since is nil for
	// a full import and the last cursor time for incremental syncs. The
	// credential handle is available via HandleFromContext.
	FetchPage(ctx context.Context, entityType models.EntityType, pageIndex int, cursor string, since *time.Time) (*paginate.Page, error)
}

type handleKey struct{}

// WithCredentialHandle stores the connection's credential handle on
// the context for the duration of a sync run.
func WithCredentialHandle(ctx context.Context, handle string) context.Context {
	return context.WithValue(ctx, handleKey{}, handle)
}

// HandleFromContext reads the credential handle set by
// WithCredentialHandle.
func HandleFromContext(ctx context.Context) (string, bool) {
	h, ok := ctx.Value(handleKey{}).(string)
	return h, ok
}
