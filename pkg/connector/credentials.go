package connector

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/revlens/syncengine/pkg/errors"
)

// Credential is the secret material a handle resolves to. Records and
// logs only ever carry the opaque handle.
type Credential struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
}

// CredentialResolver exchanges an opaque credential handle for usable
// secret material. The platform's credential store implements this;
// tests use StaticCredentials.
type CredentialResolver interface {
	Resolve(ctx context.Context, handle string) (*Credential, error)
}

// TokenSource adapts a resolved credential handle to oauth2 so vendor
// SDK calls and plain HTTP requests share refresh behavior.
func TokenSource(ctx context.Context, resolver CredentialResolver, handle string) (oauth2.TokenSource, error) {
	cred, err := resolver.Resolve(ctx, handle)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "resolving credential handle")
	}

	tokenType := cred.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	token := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    tokenType,
		Expiry:       cred.Expiry,
	}
	return oauth2.ReuseTokenSource(token, &resolverTokenSource{
		ctx:      ctx,
		resolver: resolver,
		handle:   handle,
	}), nil
}

// resolverTokenSource re-resolves the handle when the cached token
// expires; the credential store performs the actual refresh.
type resolverTokenSource struct {
	ctx      context.Context
	resolver CredentialResolver
	handle   string
}

func (s *resolverTokenSource) Token() (*oauth2.Token, error) {
	cred, err := s.resolver.Resolve(s.ctx, s.handle)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "refreshing credential")
	}
	tokenType := cred.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		TokenType:    tokenType,
		Expiry:       cred.Expiry,
	}, nil
}

// StaticCredentials is an in-memory resolver for tests and local use.
type StaticCredentials struct {
	mu    sync.RWMutex
	creds map[string]*Credential
}

// NewStaticCredentials creates an empty resolver.
func NewStaticCredentials() *StaticCredentials {
	return &StaticCredentials{creds: make(map[string]*Credential)}
}

// Put stores a credential under a handle.
func (s *StaticCredentials) Put(handle string, cred *Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[handle] = cred
}

// Resolve implements CredentialResolver.
func (s *StaticCredentials) Resolve(ctx context.Context, handle string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.creds[handle]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeAuthentication, "unknown credential handle %q", handle)
	}
	cp := *cred
	return &cp, nil
}
