package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/revlens/syncengine/pkg/clients"
	"github.com/revlens/syncengine/pkg/connector"
	"github.com/revlens/syncengine/pkg/errors"
	"github.com/revlens/syncengine/pkg/models"
	"github.com/revlens/syncengine/pkg/paginate"
	"github.com/revlens/syncengine/pkg/store/memory"
	"github.com/revlens/syncengine/pkg/testutil"
)

// fakeSource serves canned pages per entity type and records the
// since values it was asked for.
type fakeSource struct {
	mu          sync.Mutex
	pages       map[models.EntityType][][]models.RawRecord
	validateErr error
	fetchErr    map[models.EntityType]error
	sinceSeen   []*time.Time
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages:    make(map[models.EntityType][][]models.RawRecord),
		fetchErr: make(map[models.EntityType]error),
	}
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) EntityTypes() []models.EntityType {
	return []models.EntityType{models.EntityTypeDeal, models.EntityTypeContact}
}

func (f *fakeSource) Mapping(entityType models.EntityType) models.FieldMapping {
	switch entityType {
	case models.EntityTypeDeal:
		return models.FieldMapping{
			"name":       "deal_name",
			"amount":     "amount",
			"close_date": "close_date",
		}
	case models.EntityTypeContact:
		return models.FieldMapping{"name": "full_name", "email": "email"}
	}
	return nil
}

func (f *fakeSource) RateLimit() clients.RateLimiterConfig {
	return clients.RateLimiterConfig{MaxRequests: 10000, Window: time.Second}
}

func (f *fakeSource) Validate(ctx context.Context, credentialHandle string) error {
	return f.validateErr
}

func (f *fakeSource) FetchPage(ctx context.Context, entityType models.EntityType, pageIndex int, cursor string, since *time.Time) (*paginate.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := connector.HandleFromContext(ctx); !ok {
		return nil, errors.New(errors.ErrorTypeAuthentication, "no credential handle on context")
	}
	if err := f.fetchErr[entityType]; err != nil {
		return nil, err
	}
	if pageIndex == 0 {
		f.sinceSeen = append(f.sinceSeen, since)
	}

	pages := f.pages[entityType]
	if pageIndex >= len(pages) {
		return &paginate.Page{}, nil
	}
	p := &paginate.Page{Records: pages[pageIndex]}
	if pageIndex < len(pages)-1 {
		p.NextCursor = fmt.Sprintf("%s-cursor-%d", entityType, pageIndex+1)
		p.HasMore = true
	}
	return p, nil
}

func dealRecords(start, n int) []models.RawRecord {
	out := make([]models.RawRecord, n)
	for i := range out {
		out[i] = models.RawRecord{
			SourceID: fmt.Sprintf("deal-%03d", start+i),
			Payload: map[string]interface{}{
				"deal_name":  fmt.Sprintf("Deal %d", start+i),
				"amount":     float64(1000 + start + i),
				"close_date": "2026-09-30",
				"region":     "emea",
			},
		}
	}
	return out
}

func contactRecords(n int) []models.RawRecord {
	out := make([]models.RawRecord, n)
	for i := range out {
		out[i] = models.RawRecord{
			SourceID: fmt.Sprintf("contact-%03d", i),
			Payload: map[string]interface{}{
				"full_name": fmt.Sprintf("Person %d", i),
				"email":     fmt.Sprintf("person%d@example.com", i),
			},
		}
	}
	return out
}

func newTestEngine(t *testing.T, src *fakeSource) (*Engine, *memory.Store) {
	t.Helper()
	st := memory.New()
	eng := New(src, st, DefaultConfig(), zaptest.NewLogger(t))
	return eng, st
}

func connect(t *testing.T, eng *Engine) {
	t.Helper()
	_, err := eng.Connect(testutil.Context(t), "t1", "cred-1")
	require.NoError(t, err)
}

func TestFullSyncAcrossPages(t *testing.T) {
	src := newFakeSource()
	src.pages[models.EntityTypeDeal] = [][]models.RawRecord{
		dealRecords(0, 50),
		dealRecords(50, 50),
		dealRecords(100, 20),
	}
	src.pages[models.EntityTypeContact] = [][]models.RawRecord{contactRecords(30)}

	eng, st := newTestEngine(t, src)
	connect(t, eng)

	res, err := eng.InitialSync(testutil.Context(t), "t1")
	require.NoError(t, err)

	assert.Equal(t, 150, res.RecordsFetched)
	assert.Equal(t, 150, res.RecordsStored)
	assert.Empty(t, res.Errors)
	assert.False(t, res.Failed())

	count, err := st.CountByTenant(testutil.Context(t), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), count)

	// Deals carry the unmapped vendor field as a custom field.
	deals, err := st.ListByEntityType(testutil.Context(t), "t1", "fake", models.EntityTypeDeal)
	require.NoError(t, err)
	require.Len(t, deals, 120)
	assert.Equal(t, "emea", deals[0].CustomFields["region"])
}

func TestSyncIsIdempotent(t *testing.T) {
	src := newFakeSource()
	src.pages[models.EntityTypeDeal] = [][]models.RawRecord{dealRecords(0, 40)}

	eng, st := newTestEngine(t, src)
	connect(t, eng)
	ctx := testutil.Context(t)

	first, err := eng.InitialSync(ctx, "t1")
	require.NoError(t, err)
	second, err := eng.InitialSync(ctx, "t1")
	require.NoError(t, err)

	assert.Equal(t, first.RecordsStored, second.RecordsStored)

	count, err := st.CountByTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), count, "running the same sync twice must not duplicate rows")
}

func TestIncrementalSyncPassesSince(t *testing.T) {
	src := newFakeSource()
	src.pages[models.EntityTypeDeal] = [][]models.RawRecord{dealRecords(0, 5)}

	eng, _ := newTestEngine(t, src)
	connect(t, eng)
	ctx := testutil.Context(t)

	_, err := eng.InitialSync(ctx, "t1")
	require.NoError(t, err)
	_, err = eng.IncrementalSync(ctx, "t1")
	require.NoError(t, err)

	src.mu.Lock()
	defer src.mu.Unlock()
	// Initial run: nil since for both entity types. Incremental run:
	// non-nil since from the recorded LastSyncAt.
	require.Len(t, src.sinceSeen, 4)
	assert.Nil(t, src.sinceSeen[0])
	assert.Nil(t, src.sinceSeen[1])
	assert.NotNil(t, src.sinceSeen[2])
	assert.NotNil(t, src.sinceSeen[3])
}

func TestSyncCapturesTransformFailuresAndContinues(t *testing.T) {
	src := newFakeSource()
	records := dealRecords(0, 10)
	// One record has a malformed amount; only it should fail.
	records[3].Payload["amount"] = "not-a-number"
	src.pages[models.EntityTypeDeal] = [][]models.RawRecord{records}

	eng, st := newTestEngine(t, src)
	connect(t, eng)
	ctx := testutil.Context(t)

	res, err := eng.InitialSync(ctx, "t1")
	require.NoError(t, err)

	assert.Equal(t, 10, res.RecordsFetched)
	assert.Equal(t, 9, res.RecordsStored)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "deal-003")

	conn, err := st.GetConnection(ctx, "t1", "fake")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionStatusDegraded, conn.Status)
}

func TestSyncEntityStreamFailureDegradesRun(t *testing.T) {
	src := newFakeSource()
	src.pages[models.EntityTypeContact] = [][]models.RawRecord{contactRecords(10)}
	src.fetchErr[models.EntityTypeDeal] = errors.New(errors.ErrorTypeTransient, "vendor outage")

	eng, _ := newTestEngine(t, src)
	connect(t, eng)

	res, err := eng.InitialSync(testutil.Context(t), "t1")
	require.NoError(t, err, "stream failures degrade the result, not the call")

	assert.Equal(t, 10, res.RecordsStored)
	assert.NotEmpty(t, res.Errors)
}

func TestCancellationKeepsCommittedChunks(t *testing.T) {
	src := newFakeSource()
	src.pages[models.EntityTypeDeal] = [][]models.RawRecord{dealRecords(0, 30)}

	st := memory.New()
	cfg := DefaultConfig()
	cfg.Upsert.ChunkSize = 10
	eng := New(src, st, cfg, zaptest.NewLogger(t))
	connect(t, eng)

	ctx, cancel := context.WithCancel(testutil.Context(t))
	defer cancel()

	// Cancel mid-way through the second chunk; the first chunk has
	// committed, the second must roll back, the third never starts.
	var upserts int
	st.FailUpsert = func(rec *models.NormalizedRecord) error {
		upserts++
		if upserts == 15 {
			cancel()
		}
		return nil
	}

	res, err := eng.InitialSync(ctx, "t1")
	require.NoError(t, err)

	assert.Equal(t, 10, res.RecordsStored, "result reflects only committed chunks")
	assert.True(t, res.Failed())

	count, err := st.CountByTenant(testutil.Context(t), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), count, "committed chunk stays visible, in-flight chunk rolls back")

	conn, err := st.GetConnection(testutil.Context(t), "t1", "fake")
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionStatusDegraded, conn.Status)
}

func TestConnectRejectsBadCredential(t *testing.T) {
	src := newFakeSource()
	src.validateErr = errors.New(errors.ErrorTypeAuthentication, "invalid token")

	eng, _ := newTestEngine(t, src)
	_, err := eng.Connect(testutil.Context(t), "t1", "bad-cred")

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestSyncRefusedWhenDisconnected(t *testing.T) {
	src := newFakeSource()
	eng, _ := newTestEngine(t, src)
	connect(t, eng)
	ctx := testutil.Context(t)

	require.NoError(t, eng.Disconnect(ctx, "t1"))

	_, err := eng.InitialSync(ctx, "t1")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePermanent))
}

func TestSyncUnknownConnection(t *testing.T) {
	eng, _ := newTestEngine(t, newFakeSource())
	_, err := eng.InitialSync(testutil.Context(t), "t-nobody")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestHealthReport(t *testing.T) {
	src := newFakeSource()
	src.pages[models.EntityTypeDeal] = [][]models.RawRecord{dealRecords(0, 25)}

	eng, _ := newTestEngine(t, src)
	connect(t, eng)
	ctx := testutil.Context(t)

	_, err := eng.InitialSync(ctx, "t1")
	require.NoError(t, err)

	report, err := eng.Health(ctx, "t1")
	require.NoError(t, err)

	assert.Equal(t, models.ConnectionStatusHealthy, report.Status)
	assert.NotNil(t, report.LastSync)
	assert.Equal(t, int64(25), report.RecordsSynced)
	assert.Empty(t, report.Errors)
	assert.NotEmpty(t, report.RateLimitStatus)
	assert.Equal(t, 10000, report.RateLimitStatus["max_requests"])
}

type recordingObserver struct {
	mu       sync.Mutex
	progress map[models.EntityType][]int
	complete map[models.EntityType][2]int
}

func (o *recordingObserver) OnProgress(entityType models.EntityType, fetched int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress[entityType] = append(o.progress[entityType], fetched)
}

func (o *recordingObserver) OnEntityComplete(entityType models.EntityType, stored, failed int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.complete[entityType] = [2]int{stored, failed}
}

func TestObserverReceivesProgress(t *testing.T) {
	src := newFakeSource()
	src.pages[models.EntityTypeDeal] = [][]models.RawRecord{
		dealRecords(0, 50),
		dealRecords(50, 50),
		dealRecords(100, 20),
	}

	obs := &recordingObserver{
		progress: make(map[models.EntityType][]int),
		complete: make(map[models.EntityType][2]int),
	}
	eng, _ := newTestEngine(t, src)
	eng.SetObserver(obs)
	connect(t, eng)

	_, err := eng.InitialSync(testutil.Context(t), "t1")
	require.NoError(t, err)

	assert.Equal(t, []int{50, 100, 120}, obs.progress[models.EntityTypeDeal])
	assert.Equal(t, [2]int{120, 0}, obs.complete[models.EntityTypeDeal])
}

func TestCompositeDedupAdoptsExistingRow(t *testing.T) {
	// CSV-style source: no vendor IDs, deals matched by composite key.
	src := newFakeSource()
	noID := func(name string, amount float64) models.RawRecord {
		return models.RawRecord{Payload: map[string]interface{}{
			"deal_name":  name,
			"amount":     amount,
			"close_date": "2026-09-30",
		}}
	}
	src.pages[models.EntityTypeDeal] = [][]models.RawRecord{{
		noID("Acme Renewal", 1500),
	}}

	eng, st := newTestEngine(t, src)
	connect(t, eng)
	ctx := testutil.Context(t)

	_, err := eng.InitialSync(ctx, "t1")
	require.NoError(t, err)

	// Re-import the same deal with cosmetic differences in the key
	// fields; the composite match must update the existing row.
	src.mu.Lock()
	src.pages[models.EntityTypeDeal] = [][]models.RawRecord{{
		noID("  acme  RENEWAL ", 1500.00),
	}}
	src.mu.Unlock()

	_, err = eng.InitialSync(ctx, "t1")
	require.NoError(t, err)

	deals, err := st.ListByEntityType(ctx, "t1", "fake", models.EntityTypeDeal)
	require.NoError(t, err)
	assert.Len(t, deals, 1, "composite dedup must prevent a duplicate row")
}
