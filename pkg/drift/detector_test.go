package drift

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/revlens/syncengine/pkg/models"
	"github.com/revlens/syncengine/pkg/store"
	"github.com/revlens/syncengine/pkg/store/memory"
	"github.com/revlens/syncengine/pkg/testutil"
)

var crmObjectTypes = []models.EntityType{
	models.EntityTypeDeal,
	models.EntityTypeContact,
	models.EntityTypeAccount,
}

func setup(t *testing.T) (*Detector, *memory.Store, *testutil.FakeClock) {
	t.Helper()
	st := memory.New()
	d := New(st, st, st, crmObjectTypes, zaptest.NewLogger(t))
	clock := testutil.NewFakeClock()
	d.SetClock(clock.Now)
	st.SetClock(clock.Now)
	return d, st, clock
}

// seedRecords writes n rows for one source and entity type, withField
// of which carry the named custom field.
func seedRecords(t *testing.T, st *memory.Store, source string, entityType models.EntityType, field string, n, withField int) {
	t.Helper()
	ctx := testutil.Context(t)
	err := st.RunInTransaction(ctx, func(tx store.Tx) error {
		for i := 0; i < n; i++ {
			rec := &models.NormalizedRecord{
				TenantID:   "t1",
				Source:     source,
				SourceID:   fmt.Sprintf("%s-%s-%d", source, field, i),
				EntityType: entityType,
				Name:       "Record",
			}
			if field != "" && i < withField {
				rec.CustomFields = map[string]interface{}{field: "value"}
			}
			if err := tx.UpsertRecord(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func seedDeals(t *testing.T, st *memory.Store, field string, n, withField int) {
	t.Helper()
	seedRecords(t, st, "hubspot", models.EntityTypeDeal, field, n, withField)
}

func TestFirstSyncEstablishesBaselineSilently(t *testing.T) {
	d, st, _ := setup(t)
	ctx := testutil.Context(t)

	seedDeals(t, st, "region", 10, 10)

	newFields, err := d.DetectNewFields(ctx, "t1", "hubspot")
	require.NoError(t, err)
	assert.Empty(t, newFields, "first sync must not report drift")

	snap, err := st.GetSnapshot(ctx, "t1", "hubspot")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, []string{"region"}, snap.Fields["deal"])
}

func TestSecondSyncDetectsNewPopulatedField(t *testing.T) {
	d, st, _ := setup(t)
	ctx := testutil.Context(t)

	seedDeals(t, st, "region", 10, 10)
	_, err := d.DetectNewFields(ctx, "t1", "hubspot")
	require.NoError(t, err)

	// A new field appears on half the rows.
	seedDeals(t, st, "deal_source", 10, 5)

	newFields, err := d.DetectNewFields(ctx, "t1", "hubspot")
	require.NoError(t, err)
	require.Len(t, newFields, 1)
	assert.Equal(t, "deal_source", newFields[0].Name)
	assert.Equal(t, "deal", newFields[0].ObjectType)
	assert.InDelta(t, 0.25, newFields[0].FillRate, 0.001)
}

func TestSparseFieldIsFilteredButSnapshotStillAdvances(t *testing.T) {
	d, st, _ := setup(t)
	ctx := testutil.Context(t)

	seedDeals(t, st, "region", 20, 20)
	_, err := d.DetectNewFields(ctx, "t1", "hubspot")
	require.NoError(t, err)

	// One row out of 21 carries the new field: under the 10% floor.
	seedDeals(t, st, "rarely_used", 1, 1)

	newFields, err := d.DetectNewFields(ctx, "t1", "hubspot")
	require.NoError(t, err)
	assert.Empty(t, newFields)

	// The snapshot includes it anyway, so it is never reported later
	// either: seen once is seen forever.
	snap, err := st.GetSnapshot(ctx, "t1", "hubspot")
	require.NoError(t, err)
	assert.Contains(t, snap.Fields["deal"], "rarely_used")

	again, err := d.DetectNewFields(ctx, "t1", "hubspot")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRaiseFindingCreatesThenUpdatesWithinWindow(t *testing.T) {
	d, st, clock := setup(t)
	ctx := testutil.Context(t)

	fields := []models.NewField{{ObjectType: "deal", Name: "deal_source", FillRate: 0.5}}
	require.NoError(t, d.RaiseFinding(ctx, "t1", "hubspot", fields))
	require.Len(t, st.Findings(), 1)

	// Three days later more drift arrives: same finding, updated.
	clock.Advance(3 * 24 * time.Hour)
	more := []models.NewField{{ObjectType: "contact", Name: "persona", FillRate: 0.8}}
	require.NoError(t, d.RaiseFinding(ctx, "t1", "hubspot", more))

	findings := st.Findings()
	require.Len(t, findings, 1, "within 7 days the finding is updated in place")
	assert.Contains(t, findings[0].Message, "persona")
}

func TestRaiseFindingNewAlertAfterWindow(t *testing.T) {
	d, st, clock := setup(t)
	ctx := testutil.Context(t)

	fields := []models.NewField{{ObjectType: "deal", Name: "a", FillRate: 0.5}}
	require.NoError(t, d.RaiseFinding(ctx, "t1", "hubspot", fields))

	clock.Advance(8 * 24 * time.Hour)
	require.NoError(t, d.RaiseFinding(ctx, "t1", "hubspot", fields))

	assert.Len(t, st.Findings(), 2, "an aged-out finding no longer absorbs new drift")
}

func TestRaiseFindingNoFieldsNoFinding(t *testing.T) {
	d, st, _ := setup(t)
	require.NoError(t, d.RaiseFinding(testutil.Context(t), "t1", "hubspot", nil))
	assert.Empty(t, st.Findings())
}

func TestDriftAttributedToOwningConnectorOnly(t *testing.T) {
	dHub, st, clock := setup(t)
	dGong := New(st, st, st, []models.EntityType{models.EntityTypeConversation}, zaptest.NewLogger(t))
	dGong.SetClock(clock.Now)
	ctx := testutil.Context(t)

	seedDeals(t, st, "region", 10, 10)
	_, err := dHub.Run(ctx, "t1", "hubspot")
	require.NoError(t, err)
	_, err = dGong.Run(ctx, "t1", "gong")
	require.NoError(t, err)

	// A new field lands on hubspot's rows only.
	seedDeals(t, st, "deal_risk", 10, 10)

	gongFields, err := dGong.Run(ctx, "t1", "gong")
	require.NoError(t, err)
	assert.Empty(t, gongFields, "gong must not see hubspot's fields")
	assert.Empty(t, st.Findings())

	hubFields, err := dHub.Run(ctx, "t1", "hubspot")
	require.NoError(t, err)
	require.Len(t, hubFields, 1)
	assert.Equal(t, "deal_risk", hubFields[0].Name)

	findings := st.Findings()
	require.Len(t, findings, 1)
	assert.Equal(t, "hubspot", findings[0].Connector)
}

func TestConversationStreamIsSnapshotted(t *testing.T) {
	st := memory.New()
	d := New(st, st, st, []models.EntityType{models.EntityTypeConversation}, zaptest.NewLogger(t))
	clock := testutil.NewFakeClock()
	d.SetClock(clock.Now)
	st.SetClock(clock.Now)
	ctx := testutil.Context(t)

	seedRecords(t, st, "gong", models.EntityTypeConversation, "call_outcome", 10, 10)
	first, err := d.DetectNewFields(ctx, "t1", "gong")
	require.NoError(t, err)
	assert.Empty(t, first)

	snap, err := st.GetSnapshot(ctx, "t1", "gong")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, []string{"call_outcome"}, snap.Fields["conversation"])

	seedRecords(t, st, "gong", models.EntityTypeConversation, "talk_ratio", 10, 10)
	second, err := d.DetectNewFields(ctx, "t1", "gong")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "talk_ratio", second[0].Name)
	assert.Equal(t, "conversation", second[0].ObjectType)
}

func TestFindingsAreScopedPerConnector(t *testing.T) {
	d, st, _ := setup(t)
	ctx := testutil.Context(t)

	fields := []models.NewField{{ObjectType: "deal", Name: "x", FillRate: 0.5}}
	require.NoError(t, d.RaiseFinding(ctx, "t1", "hubspot", fields))
	require.NoError(t, d.RaiseFinding(ctx, "t1", "gong", fields))

	assert.Len(t, st.Findings(), 2)
}
