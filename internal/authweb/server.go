// Package authweb serves the human side of the OAuth2
// authorization-code grant: /start redirects the operator to the
// provider's consent page and /callback exchanges the returned code,
// seeding the server's token store.
package authweb

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"oauthrelay/internal/logging"
	"oauthrelay/internal/token"
)

const (
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 60 * time.Second
)

// Server is the authorization web endpoint, one per process.
type Server struct {
	registry   *token.Registry
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates the endpoint listening on the given port.
func New(port int, registry *token.Registry) *Server {
	s := &Server{
		registry: registry,
		logger:   slog.With(slog.String("component", "authweb")),
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}
	return s
}

// Handler returns the endpoint's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/callback", s.handleCallback)
	return mux
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("authorization endpoint listening", slog.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// resolve picks the token store a request refers to. The server name
// travels in the given query parameter; with exactly one configured
// server it may be omitted.
func (s *Server) resolve(r *http.Request, param string) (string, *token.Store, error) {
	name := r.URL.Query().Get(param)
	if name == "" {
		if soleName, store, ok := s.registry.Sole(); ok {
			return soleName, store, nil
		}
		return "", nil, fmt.Errorf("multiple servers configured; pass ?%s=<name> (one of %v)", param, s.registry.Names())
	}
	store, ok := s.registry.Get(name)
	if !ok {
		return "", nil, fmt.Errorf("unknown server %q", name)
	}
	return name, store, nil
}

// handleStart redirects the operator to the provider's consent page.
// The server name rides along in the OAuth2 state parameter so the
// callback can find the right store again.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name, store, err := s.resolve(r, "server")
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Redirect(w, r, store.Issuer().AuthCodeURL(name), http.StatusSeeOther)
}

// handleCallback receives the provider redirect and exchanges the code.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "couldn't find code parameter", http.StatusBadRequest)
		return
	}

	name, store, err := s.resolve(r, "state")
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	if _, err := store.Authorize(r.Context(), code); err != nil {
		s.logger.Error("authorization-code exchange failed", logging.Server(name), logging.Err(err))
		http.Error(w, "failed to authorize from code, see logs", http.StatusBadGateway)
		return
	}

	s.logger.Info("token store seeded", logging.Server(name))
	fmt.Fprintln(w, "successfully authorized")
}
