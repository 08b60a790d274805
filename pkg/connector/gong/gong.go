// Package gong implements the conversation source for Gong's calls
// API. Transcripts arrive from a separate endpoint on a delay, so
// calls frequently sync before their transcript exists; the store's
// preserve-if-empty rule keeps earlier transcripts when later syncs
// carry none.
package gong

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/revlens/syncengine/pkg/clients"
	"github.com/revlens/syncengine/pkg/connector"
	"github.com/revlens/syncengine/pkg/errors"
	"github.com/revlens/syncengine/pkg/jsonx"
	"github.com/revlens/syncengine/pkg/models"
	"github.com/revlens/syncengine/pkg/paginate"
)

// Name is the registry key for this connector.
const Name = "gong"

const (
	defaultBaseURL = "https://api.gong.io"
	pageSize       = 100
)

func init() {
	connector.Register(Name, func(creds connector.CredentialResolver) (connector.Source, error) {
		return New(creds, defaultBaseURL, nil), nil
	})
}

var conversationMapping = models.FieldMapping{
	"name":       "title",
	"owner_id":   "primaryUserId",
	"transcript": "transcript",
	"summary":    "brief",
}

// Source is the Gong connector source.
type Source struct {
	creds   connector.CredentialResolver
	baseURL string
	fetcher *clients.Fetcher
	policy  clients.RetryPolicy
	logger  *zap.Logger
}

// New creates a source. client may be nil to use the default pooled
// HTTP client.
func New(creds connector.CredentialResolver, baseURL string, client clients.Doer) *Source {
	log := zap.L().With(zap.String("connector", Name))
	if client == nil {
		client = clients.NewHTTPClient(nil, log)
	}
	return &Source{
		creds:   creds,
		baseURL: baseURL,
		fetcher: clients.NewFetcher(client, nil, log),
		policy:  clients.DefaultRetryPolicy(),
		logger:  log,
	}
}

func (s *Source) Name() string { return Name }

func (s *Source) EntityTypes() []models.EntityType {
	return []models.EntityType{models.EntityTypeConversation}
}

func (s *Source) Mapping(entityType models.EntityType) models.FieldMapping {
	if entityType == models.EntityTypeConversation {
		return conversationMapping
	}
	return nil
}

func (s *Source) RateLimit() clients.RateLimiterConfig {
	return clients.GongAPILimits
}

// Validate issues a cheap authenticated call to verify the credential.
func (s *Source) Validate(ctx context.Context, credentialHandle string) error {
	headers, err := s.authHeaders(ctx, credentialHandle)
	if err != nil {
		return err
	}

	_, err = s.fetcher.Fetch(ctx, s.baseURL+"/v2/users?limit=1",
		clients.RequestOptions{Headers: headers}, s.policy)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypePermanent) {
			return errors.Wrap(err, errors.ErrorTypeAuthentication, "credential rejected")
		}
		return err
	}
	return nil
}

type callsResponse struct {
	Calls []struct {
		ID   string                 `json:"id"`
		Meta map[string]interface{} `json:"metaData"`
	} `json:"calls"`
	Records struct {
		Cursor string `json:"cursor"`
	} `json:"records"`
}

// FetchPage fetches one page of calls.
func (s *Source) FetchPage(ctx context.Context, entityType models.EntityType, pageIndex int, cursor string, since *time.Time) (*paginate.Page, error) {
	if entityType != models.EntityTypeConversation {
		return nil, errors.Newf(errors.ErrorTypePermanent, "unsupported entity type %q", entityType)
	}

	handle, ok := connector.HandleFromContext(ctx)
	if !ok {
		return nil, errors.New(errors.ErrorTypeAuthentication, "no credential handle on context")
	}
	headers, err := s.authHeaders(ctx, handle)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if since != nil {
		q.Set("fromDateTime", since.UTC().Format(time.RFC3339))
	}

	resp, err := s.fetcher.Fetch(ctx,
		fmt.Sprintf("%s/v2/calls?%s", s.baseURL, q.Encode()),
		clients.RequestOptions{Headers: headers}, s.policy)
	if err != nil {
		return nil, err
	}

	var calls callsResponse
	if err := jsonx.Unmarshal(resp.Body, &calls); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransform, "decoding calls response")
	}

	page := &paginate.Page{
		Records: make([]models.RawRecord, 0, len(calls.Calls)),
	}
	for _, call := range calls.Calls {
		page.Records = append(page.Records, models.RawRecord{
			SourceID: call.ID,
			Payload:  call.Meta,
		})
	}
	if calls.Records.Cursor != "" {
		page.NextCursor = calls.Records.Cursor
		page.HasMore = true
	}

	return page, nil
}

func (s *Source) authHeaders(ctx context.Context, credentialHandle string) (map[string]string, error) {
	ts, err := connector.TokenSource(ctx, s.creds, credentialHandle)
	if err != nil {
		return nil, err
	}
	token, err := ts.Token()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "obtaining access token")
	}
	return map[string]string{
		"Authorization": token.TokenType + " " + token.AccessToken,
		"Content-Type":  "application/json",
	}, nil
}

var _ connector.Source = (*Source)(nil)
