package gong

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revlens/syncengine/pkg/connector"
	"github.com/revlens/syncengine/pkg/errors"
	"github.com/revlens/syncengine/pkg/models"
	"github.com/revlens/syncengine/pkg/testutil"
)

func newTestSource(t *testing.T, handler http.Handler) (*Source, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	creds := connector.NewStaticCredentials()
	creds.Put("cred-1", &connector.Credential{
		AccessToken: "token-abc",
		Expiry:      time.Now().Add(time.Hour),
	})
	return New(creds, srv.URL, srv.Client()), srv
}

func TestFetchPageParsesCallsEnvelope(t *testing.T) {
	var gotPath, gotAuth, gotCursor string
	src, _ := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotCursor = r.URL.Query().Get("cursor")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"calls": [
				{"id": "call-1", "metaData": {"title": "Kickoff", "primaryUserId": "u-9"}},
				{"id": "call-2", "metaData": {"title": "Renewal review"}}
			],
			"records": {"cursor": "cursor-2"}
		}`))
	}))

	ctx := connector.WithCredentialHandle(testutil.Context(t), "cred-1")
	page, err := src.FetchPage(ctx, models.EntityTypeConversation, 1, "cursor-1", nil)
	require.NoError(t, err)

	assert.Equal(t, "/v2/calls", gotPath)
	assert.Equal(t, "Bearer token-abc", gotAuth)
	assert.Equal(t, "cursor-1", gotCursor)

	require.Len(t, page.Records, 2)
	assert.Equal(t, "call-1", page.Records[0].SourceID)
	assert.Equal(t, "Kickoff", page.Records[0].Payload["title"])
	assert.True(t, page.HasMore)
	assert.Equal(t, "cursor-2", page.NextCursor)
}

func TestFetchPageLastPage(t *testing.T) {
	src, _ := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"calls": [{"id": "call-1", "metaData": {}}], "records": {}}`))
	}))

	ctx := connector.WithCredentialHandle(testutil.Context(t), "cred-1")
	page, err := src.FetchPage(ctx, models.EntityTypeConversation, 0, "", nil)
	require.NoError(t, err)

	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)
}

func TestFetchPageRequiresHandle(t *testing.T) {
	src, _ := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	_, err := src.FetchPage(testutil.Context(t), models.EntityTypeConversation, 0, "", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestFetchPageUnsupportedEntity(t *testing.T) {
	src, _ := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	ctx := connector.WithCredentialHandle(testutil.Context(t), "cred-1")
	_, err := src.FetchPage(ctx, models.EntityTypeDeal, 0, "", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypePermanent))
}

func TestValidateMapsPermanentToAuthentication(t *testing.T) {
	src, _ := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	err := src.Validate(testutil.Context(t), "cred-1")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestIncrementalFilterIncludesSince(t *testing.T) {
	var gotFrom string
	src, _ := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFrom = r.URL.Query().Get("fromDateTime")
		_, _ = w.Write([]byte(`{"calls": [], "records": {}}`))
	}))

	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	ctx := connector.WithCredentialHandle(testutil.Context(t), "cred-1")
	_, err := src.FetchPage(ctx, models.EntityTypeConversation, 0, "", &since)
	require.NoError(t, err)

	assert.Equal(t, "2026-08-01T00:00:00Z", gotFrom)
}

func TestMappingsCoverAllEntityTypes(t *testing.T) {
	creds := connector.NewStaticCredentials()
	src := New(creds, defaultBaseURL, http.DefaultClient)

	for _, et := range src.EntityTypes() {
		assert.NotEmpty(t, src.Mapping(et), "entity type %s has no mapping", et)
	}
}
