package hubspot

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

func TestFetchPageParsesListResponse(t *testing.T) {
	var gotPath, gotAuth, gotAfter string
	src, _ := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotAfter = r.URL.Query().Get("after")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"results": [
				{"id": "101", "properties": {"dealname": "Acme Renewal", "amount": "1500"}},
				{"id": "102", "properties": {"dealname": "Beta Expansion"}}
			],
			"paging": {"next": {"after": "cursor-2"}}
		}`))
	}))

	ctx := connector.WithCredentialHandle(testutil.Context(t), "cred-1")
	page, err := src.FetchPage(ctx, models.EntityTypeDeal, 1, "cursor-1", nil)
	require.NoError(t, err)

	assert.Equal(t, "/crm/v3/objects/deals", gotPath)
	assert.Equal(t, "Bearer token-abc", gotAuth)
	assert.Equal(t, "cursor-1", gotAfter)

	require.Len(t, page.Records, 2)
	assert.Equal(t, "101", page.Records[0].SourceID)
	assert.Equal(t, "Acme Renewal", page.Records[0].Payload["dealname"])
	assert.True(t, page.HasMore)
	assert.Equal(t, "cursor-2", page.NextCursor)
}

func TestFetchPageLastPage(t *testing.T) {
	src, _ := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results": [{"id": "1", "properties": {}}]}`))
	}))

	ctx := connector.WithCredentialHandle(testutil.Context(t), "cred-1")
	page, err := src.FetchPage(ctx, models.EntityTypeContact, 0, "", nil)
	require.NoError(t, err)

	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)
}

func TestFetchPageRequiresHandle(t *testing.T) {
	src, _ := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	_, err := src.FetchPage(testutil.Context(t), models.EntityTypeDeal, 0, "", nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestFetchPageUnsupportedEntity(t *testing.T) {
	src, _ := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	ctx := connector.WithCredentialHandle(testutil.Context(t), "cred-1")
	_, err := src.FetchPage(ctx, models.EntityTypeConversation, 0, "", nil)
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
	var gotFilter string
	src, _ := newTestSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFilter = r.URL.Query().Get("filter")
		_, _ = w.Write([]byte(`{"results": []}`))
	}))

	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	ctx := connector.WithCredentialHandle(testutil.Context(t), "cred-1")
	_, err := src.FetchPage(ctx, models.EntityTypeDeal, 0, "", &since)
	require.NoError(t, err)

	assert.Contains(t, gotFilter, "hs_lastmodifieddate>=")
}

func TestMappingsCoverAllEntityTypes(t *testing.T) {
	creds := connector.NewStaticCredentials()
	src := New(creds, defaultBaseURL, http.DefaultClient)

	for _, et := range src.EntityTypes() {
		assert.NotEmpty(t, src.Mapping(et), "entity type %s has no mapping", et)
	}
}
