package token

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"oauthrelay/internal/config"
)

// ErrNoToken is returned when a session needs a token before the web
// authorization flow has ever completed for that server.
var ErrNoToken = errors.New("no token available yet; complete the authorization flow at /start first")

// ExchangeObserver is notified after every token endpoint exchange.
// grant is the OAuth2 grant type, result "success" or "failure".
type ExchangeObserver func(grant, result string, duration time.Duration)

// Store holds at most one TokenSet for a single server identity, shared
// by reference between all proxy sessions and the authorization web
// endpoint. The mutex guards only the TokenSet pointer; refresh
// exchanges run outside it, coalesced through a singleflight group so
// at most one is in flight per store.
type Store struct {
	issuer   *Issuer
	observer ExchangeObserver

	mu     sync.Mutex
	tokens *TokenSet

	flight singleflight.Group
}

// NewStore creates an empty Store backed by the given issuer.
func NewStore(issuer *Issuer) *Store {
	return &Store{issuer: issuer}
}

// SetObserver installs the exchange observer. Must be called before the
// store is shared; the field is not guarded by the mutex.
func (s *Store) SetObserver(obs ExchangeObserver) {
	s.observer = obs
}

func (s *Store) observe(grant string, start time.Time, err error) {
	if s.observer == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	s.observer(grant, result, time.Since(start))
}

// Issuer exposes the issuer for authorize-URL construction.
func (s *Store) Issuer() *Issuer { return s.issuer }

// Authorize exchanges an authorization code and installs the resulting
// TokenSet, replacing any prior value.
func (s *Store) Authorize(ctx context.Context, code string) (*TokenSet, error) {
	start := time.Now()
	ts, err := s.issuer.Exchange(ctx, code)
	s.observe("authorization_code", start, err)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.tokens = ts
	s.mu.Unlock()
	return ts, nil
}

// HasToken reports whether the store has ever been seeded.
func (s *Store) HasToken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens != nil
}

// EncodedAccessToken returns the XOAUTH2 blob for identity, backed by
// an access token that is valid now. An expired token triggers exactly
// one refresh exchange before returning; concurrent callers share that
// exchange. The prior TokenSet is retained when the refresh fails.
func (s *Store) EncodedAccessToken(ctx context.Context, identity string) (string, error) {
	s.mu.Lock()
	cur := s.tokens
	if cur == nil {
		s.mu.Unlock()
		return "", ErrNoToken
	}
	if !cur.Expired(time.Now()) {
		access := cur.AccessToken
		s.mu.Unlock()
		return EncodeXOAUTH2(identity, access), nil
	}
	s.mu.Unlock()

	access, err := s.refresh(ctx)
	if err != nil {
		return "", err
	}
	return EncodeXOAUTH2(identity, access), nil
}

// refresh obtains a currently-valid access token, performing the
// refresh-token grant if nobody else already has. Callers that pile up
// behind an in-flight refresh all receive its result.
func (s *Store) refresh(ctx context.Context) (string, error) {
	v, err, _ := s.flight.Do("refresh", func() (interface{}, error) {
		// A concurrent flight may have installed a valid token
		// between our expiry check and this call.
		s.mu.Lock()
		cur := s.tokens
		if cur == nil {
			s.mu.Unlock()
			return nil, ErrNoToken
		}
		if !cur.Expired(time.Now()) {
			access := cur.AccessToken
			s.mu.Unlock()
			return access, nil
		}
		refreshToken := cur.RefreshToken
		s.mu.Unlock()

		start := time.Now()
		ts, err := s.issuer.Refresh(ctx, refreshToken)
		s.observe("refresh_token", start, err)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.tokens = ts
		s.mu.Unlock()
		return ts.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Registry holds one Store per configured server, built once at
// startup. Stores are never added or removed afterwards, so lookups
// need no locking.
type Registry struct {
	stores map[string]*Store
}

// NewRegistry builds a Store for every server in the configuration.
func NewRegistry(cfg *config.Config) *Registry {
	stores := make(map[string]*Store, len(cfg.Servers))
	for name, srv := range cfg.Servers {
		stores[name] = NewStore(NewIssuer(srv, cfg.RedirectURI()))
	}
	return &Registry{stores: stores}
}

// Get returns the store for a server name.
func (r *Registry) Get(name string) (*Store, bool) {
	s, ok := r.stores[name]
	return s, ok
}

// Names returns the configured server names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Sole returns the only store when exactly one server is configured.
func (r *Registry) Sole() (string, *Store, bool) {
	if len(r.stores) != 1 {
		return "", nil, false
	}
	for name, s := range r.stores {
		return name, s, true
	}
	return "", nil, false
}
