package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"oauthrelay/internal/config"
)

// defaultHTTPTimeout bounds both token-endpoint exchanges so a hung
// provider cannot wedge the sessions waiting on a refresh.
const defaultHTTPTimeout = 30 * time.Second

// ExchangeError is a non-success response from the provider's token
// endpoint. The provider's response body is preserved as context.
type ExchangeError struct {
	Grant  string // "authorization_code" or "refresh_token"
	Status int    // HTTP status, 0 when the request itself failed
	Body   string
	Err    error
}

func (e *ExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s exchange failed: status %d: %s", e.Grant, e.Status, e.Body)
	}
	return fmt.Sprintf("%s exchange failed: %v", e.Grant, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// Issuer performs the two OAuth2 grant exchanges against one provider's
// token endpoint. It is stateless and safe for concurrent use.
type Issuer struct {
	conf   *oauth2.Config
	client *http.Client
}

// NewIssuer builds an Issuer for one configured server. redirectURI is
// the process-wide callback URI of the authorization web endpoint.
func NewIssuer(srv config.Server, redirectURI string) *Issuer {
	return &Issuer{
		conf: &oauth2.Config{
			ClientID:     srv.ClientID,
			ClientSecret: srv.ClientSecret,
			RedirectURL:  redirectURI,
			Scopes:       strings.Fields(srv.Scopes),
			Endpoint: oauth2.Endpoint{
				AuthURL:  srv.AuthorizeEndpoint,
				TokenURL: srv.TokenEndpoint,
				// The provider expects client credentials in the
				// form body, not basic auth.
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// AuthCodeURL returns the provider authorize URL for the consent
// redirect, with response_type=code and the configured scopes.
func (i *Issuer) AuthCodeURL(state string) string {
	return i.conf.AuthCodeURL(state)
}

// Exchange performs the authorization-code grant and returns a fresh
// TokenSet.
func (i *Issuer) Exchange(ctx context.Context, code string) (*TokenSet, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, i.client)
	tok, err := i.conf.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return nil, &ExchangeError{
				Grant:  "authorization_code",
				Status: re.Response.StatusCode,
				Body:   string(re.Body),
				Err:    err,
			}
		}
		return nil, &ExchangeError{Grant: "authorization_code", Err: err}
	}
	return &TokenSet{
		CreatedAt:    time.Now(),
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}, nil
}

// tokenResponse is the JSON body of a successful token-endpoint reply.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Refresh performs the refresh-token grant and returns the replacement
// TokenSet. The provider expects the refresh token in the "code" form
// field rather than the standard "refresh_token" one, which is why this
// request is built by hand instead of going through oauth2.TokenSource.
func (i *Issuer) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {i.conf.ClientID},
		"client_secret": {i.conf.ClientSecret},
		"code":          {refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.conf.Endpoint.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &ExchangeError{Grant: "refresh_token", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, &ExchangeError{Grant: "refresh_token", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &ExchangeError{Grant: "refresh_token", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ExchangeError{
			Grant:  "refresh_token",
			Status: resp.StatusCode,
			Body:   string(body),
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &ExchangeError{Grant: "refresh_token", Err: fmt.Errorf("decoding token response: %w", err)}
	}

	now := time.Now()
	return &TokenSet{
		CreatedAt:    now,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		Expiry:       now.Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}
