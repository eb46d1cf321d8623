package token

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

func seededStore(t *testing.T, endpoint *tokenEndpoint, tokens *TokenSet) *Store {
	t.Helper()
	s := NewStore(newTestIssuer(t, endpoint))
	s.tokens = tokens
	return s
}

func TestEncodedAccessTokenEmptyStore(t *testing.T) {
	s := NewStore(newTestIssuer(t, &tokenEndpoint{}))

	_, err := s.EncodedAccessToken(context.Background(), "user@example.com")
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("EncodedAccessToken() error = %v, want ErrNoToken", err)
	}
	if s.HasToken() {
		t.Error("store should still be empty after failed read")
	}
}

func TestAuthorizeInstallsTokenSet(t *testing.T) {
	endpoint := &tokenEndpoint{accessToken: "ACCESS", refreshToken: "REFRESH", expiresIn: 3600}
	s := NewStore(newTestIssuer(t, endpoint))

	ts, err := s.Authorize(context.Background(), "the-code")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if ts.AccessToken != "ACCESS" {
		t.Errorf("Authorize() access token = %q", ts.AccessToken)
	}
	if !s.HasToken() {
		t.Error("store empty after successful Authorize")
	}

	blob, err := s.EncodedAccessToken(context.Background(), "user@example.com")
	if err != nil {
		t.Fatalf("EncodedAccessToken() error = %v", err)
	}
	if blob != EncodeXOAUTH2("user@example.com", "ACCESS") {
		t.Errorf("EncodedAccessToken() = %q", blob)
	}
}

func TestAuthorizeFailureLeavesStoreUntouched(t *testing.T) {
	endpoint := &tokenEndpoint{failStatus: http.StatusBadRequest, failBody: "nope"}
	prior := &TokenSet{AccessToken: "OLD", RefreshToken: "OLDR", Expiry: time.Now().Add(time.Hour)}
	s := seededStore(t, endpoint, prior)

	if _, err := s.Authorize(context.Background(), "bad"); err == nil {
		t.Fatal("Authorize() should fail")
	}

	blob, err := s.EncodedAccessToken(context.Background(), "u")
	if err != nil {
		t.Fatalf("EncodedAccessToken() error = %v", err)
	}
	if blob != EncodeXOAUTH2("u", "OLD") {
		t.Error("prior TokenSet was not retained after failed authorize")
	}
}

func TestEncodedAccessTokenValidTokenNoNetwork(t *testing.T) {
	endpoint := &tokenEndpoint{}
	s := seededStore(t, endpoint, &TokenSet{
		AccessToken:  "ACCESS",
		RefreshToken: "REFRESH",
		Expiry:       time.Now().Add(time.Hour),
	})

	for i := 0; i < 2; i++ {
		if _, err := s.EncodedAccessToken(context.Background(), "u"); err != nil {
			t.Fatalf("EncodedAccessToken() error = %v", err)
		}
	}
	if n := endpoint.requests.Load(); n != 0 {
		t.Errorf("valid token caused %d network calls, want 0", n)
	}
}

func TestEncodedAccessTokenRefreshesExpired(t *testing.T) {
	endpoint := &tokenEndpoint{accessToken: "NEW", refreshToken: "NEWR", expiresIn: 3600}
	s := seededStore(t, endpoint, &TokenSet{
		AccessToken:  "OLD",
		RefreshToken: "OLDR",
		Expiry:       time.Now().Add(-time.Minute),
	})

	blob, err := s.EncodedAccessToken(context.Background(), "u")
	if err != nil {
		t.Fatalf("EncodedAccessToken() error = %v", err)
	}
	if blob != EncodeXOAUTH2("u", "NEW") {
		t.Error("expired token was returned instead of the refreshed one")
	}
	if n := endpoint.requests.Load(); n != 1 {
		t.Errorf("refresh performed %d exchanges, want exactly 1", n)
	}

	form := *endpoint.lastForm.Load()
	if got := form.Get("code"); got != "OLDR" {
		t.Errorf("refresh sent code=%q, want the prior refresh token", got)
	}

	// The refreshed token is now valid; no further exchanges.
	if _, err := s.EncodedAccessToken(context.Background(), "u"); err != nil {
		t.Fatal(err)
	}
	if n := endpoint.requests.Load(); n != 1 {
		t.Errorf("second read performed %d extra exchanges, want 0", n-1)
	}
}

func TestRefreshFailureRetainsPriorTokenSet(t *testing.T) {
	endpoint := &tokenEndpoint{failStatus: http.StatusUnauthorized, failBody: "revoked"}
	s := seededStore(t, endpoint, &TokenSet{
		AccessToken:  "OLD",
		RefreshToken: "OLDR",
		Expiry:       time.Now().Add(-time.Minute),
	})

	_, err := s.EncodedAccessToken(context.Background(), "u")
	var xerr *ExchangeError
	if !errors.As(err, &xerr) {
		t.Fatalf("EncodedAccessToken() error = %v, want ExchangeError", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens == nil || s.tokens.AccessToken != "OLD" {
		t.Error("failed refresh replaced the prior TokenSet")
	}
}

func TestConcurrentRefreshCoalesces(t *testing.T) {
	endpoint := &tokenEndpoint{accessToken: "NEW", refreshToken: "NEWR", expiresIn: 3600}
	s := seededStore(t, endpoint, &TokenSet{
		AccessToken:  "OLD",
		RefreshToken: "OLDR",
		Expiry:       time.Now().Add(-time.Minute),
	})

	const goroutines = 16
	var wg sync.WaitGroup
	errs := make([]error, goroutines)
	blobs := make([]string, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			blobs[i], errs[i] = s.EncodedAccessToken(context.Background(), "u")
		}(i)
	}
	wg.Wait()

	want := EncodeXOAUTH2("u", "NEW")
	for i := 0; i < goroutines; i++ {
		if errs[i] != nil {
			t.Fatalf("goroutine %d: %v", i, errs[i])
		}
		if blobs[i] != want {
			t.Errorf("goroutine %d got a stale blob", i)
		}
	}

	// Coalesced: far fewer exchanges than callers. With all callers
	// racing one expired token this is one flight, but allow for a
	// caller arriving after the first flight resolved.
	if n := endpoint.requests.Load(); n > 2 {
		t.Errorf("%d goroutines caused %d exchanges, want coalescing", goroutines, n)
	}
}

func TestRegistry(t *testing.T) {
	issuer := newTestIssuer(t, &tokenEndpoint{})
	r := &Registry{stores: map[string]*Store{"outlook": NewStore(issuer)}}

	if _, ok := r.Get("nope"); ok {
		t.Error("Get() found an unconfigured server")
	}
	if _, ok := r.Get("outlook"); !ok {
		t.Error("Get() missed a configured server")
	}

	name, s, ok := r.Sole()
	if !ok || name != "outlook" || s == nil {
		t.Errorf("Sole() = %q, %v, %v", name, s, ok)
	}

	r.stores["gmail"] = NewStore(issuer)
	if _, _, ok := r.Sole(); ok {
		t.Error("Sole() should fail with two servers")
	}
	names := r.Names()
	if len(names) != 2 || names[0] != "gmail" || names[1] != "outlook" {
		t.Errorf("Names() = %v", names)
	}
}
