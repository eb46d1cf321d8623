package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"oauthrelay/internal/config"
	"oauthrelay/internal/instrumentation"
	"oauthrelay/internal/logging"
	"oauthrelay/internal/token"
)

// Listener accepts client connections for one configured server and
// hands each to an independently failing Session. An accept error is
// fatal to this listener only.
type Listener struct {
	name    string
	server  config.Server
	store   *token.Store
	metrics *instrumentation.Metrics
	logger  *slog.Logger

	ln      net.Listener
	wg      sync.WaitGroup
	closing atomic.Bool
}

// NewListener builds a listener for one server configuration. The
// server value is cloned into every session; the store is shared.
func NewListener(name string, server config.Server, store *token.Store, metrics *instrumentation.Metrics) *Listener {
	return &Listener{
		name:    name,
		server:  server,
		store:   store,
		metrics: metrics,
		logger:  slog.With(logging.Server(name)),
	}
}

// Listen binds the local SMTP port.
func (l *Listener) Listen() error {
	addr := fmt.Sprintf(":%d", l.server.LocalSMTPPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	l.ln = ln
	l.logger.Info("SMTP proxy listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("upstream", net.JoinHostPort(l.server.RemoteSMTPHost, fmt.Sprintf("%d", l.server.RemoteSMTPPort))))
	return nil
}

// Addr returns the bound address. Valid after Listen.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve accepts connections until Close is called or the bind socket
// fails.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.closing.Load() {
				break
			}
			return fmt.Errorf("accept on %s failed: %w", l.ln.Addr(), err)
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			sess := NewSession(l.name, l.server, l.store, l.metrics)
			if err := sess.Run(ctx, conn); err != nil {
				sess.logger.Error("session ended with error", logging.Err(err))
			}
		}()
	}

	l.wg.Wait()
	return nil
}

// ListenAndServe binds the local SMTP port and serves until Close.
func (l *Listener) ListenAndServe(ctx context.Context) error {
	if err := l.Listen(); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// Close stops accepting by closing the bind socket. Serve then drains
// its in-flight sessions before returning.
func (l *Listener) Close() error {
	l.closing.Store(true)
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}
