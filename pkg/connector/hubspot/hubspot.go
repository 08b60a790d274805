// Package hubspot implements the CRM source for HubSpot's v3 objects
// API: deals, contacts, and companies, with cursor pagination and
// modified-since filtering for incremental syncs.
package hubspot

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
const Name = "hubspot"

const (
	defaultBaseURL = "https://api.hubapi.com"
	pageSize       = 100
)

func init() {
	connector.Register(Name, func(creds connector.CredentialResolver) (connector.Source, error) {
		return New(creds, defaultBaseURL, nil), nil
	})
}

// objectPaths maps entity types to API object collections.
var objectPaths = map[models.EntityType]string{
	models.EntityTypeDeal:    "deals",
	models.EntityTypeContact: "contacts",
	models.EntityTypeAccount: "companies",
}

// mappings are the vendor-to-normalized field mappings per entity type.
var mappings = map[models.EntityType]models.FieldMapping{
	models.EntityTypeDeal: {
		"name":       "dealname",
		"amount":     "amount",
		"stage":      "dealstage",
		"close_date": "closedate",
		"owner_id":   "hubspot_owner_id",
	},
	models.EntityTypeContact: {
		"name":     "fullname",
		"email":    "email",
		"owner_id": "hubspot_owner_id",
	},
	models.EntityTypeAccount: {
		"name":   "name",
		"domain": "domain",
	},
}

// Source is the HubSpot connector source.
type Source struct {
	creds   connector.CredentialResolver
	baseURL string
	fetcher *clients.Fetcher
	policy  clients.RetryPolicy
	logger  *zap.Logger
}

// New creates a source. client may be nil to use the default pooled
// HTTP client. The engine owns rate limiting, so the fetcher carries
// no limiter of its own.
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
	return []models.EntityType{
		models.EntityTypeAccount,
		models.EntityTypeContact,
		models.EntityTypeDeal,
	}
}

func (s *Source) Mapping(entityType models.EntityType) models.FieldMapping {
	return mappings[entityType]
}

func (s *Source) RateLimit() clients.RateLimiterConfig {
	return clients.HubSpotRESTLimits
}

// Validate issues a cheap authenticated call to verify the credential.
func (s *Source) Validate(ctx context.Context, credentialHandle string) error {
	headers, err := s.authHeaders(ctx, credentialHandle)
	if err != nil {
		return err
	}

	_, err = s.fetcher.Fetch(ctx, s.baseURL+"/crm/v3/objects/contacts?limit=1",
		clients.RequestOptions{Headers: headers}, s.policy)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypePermanent) {
			return errors.Wrap(err, errors.ErrorTypeAuthentication, "credential rejected")
		}
		return err
	}
	return nil
}

// listResponse is the v3 objects list envelope.
type listResponse struct {
	Results []struct {
		ID         string                 `json:"id"`
		Properties map[string]interface{} `json:"properties"`
	} `json:"results"`
	Paging *struct {
		Next *struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

// FetchPage fetches one page of one object collection.
func (s *Source) FetchPage(ctx context.Context, entityType models.EntityType, pageIndex int, cursor string, since *time.Time) (*paginate.Page, error) {
	path, ok := objectPaths[entityType]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypePermanent, "unsupported entity type %q", entityType)
	}

	// The credential handle rides on the context; the engine sets it
	// once per run.
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
		q.Set("after", cursor)
	}
	if since != nil {
		q.Set("filter", fmt.Sprintf("hs_lastmodifieddate>=%d", since.UnixMilli()))
	}

	resp, err := s.fetcher.Fetch(ctx,
		fmt.Sprintf("%s/crm/v3/objects/%s?%s", s.baseURL, path, q.Encode()),
		clients.RequestOptions{Headers: headers}, s.policy)
	if err != nil {
		return nil, err
	}

	var list listResponse
	if err := jsonx.Unmarshal(resp.Body, &list); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransform, "decoding list response")
	}

	page := &paginate.Page{
		Records: make([]models.RawRecord, 0, len(list.Results)),
	}
	for _, result := range list.Results {
		page.Records = append(page.Records, models.RawRecord{
			SourceID: result.ID,
			Payload:  result.Properties,
		})
	}
	if list.Paging != nil && list.Paging.Next != nil && list.Paging.Next.After != "" {
		page.NextCursor = list.Paging.Next.After
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
