// Package proxy implements the per-connection SMTP session state
// machine and the listeners that spawn one session per inbound
// connection. A session intercepts the client's AUTH LOGIN handshake,
// verifies it locally, authenticates upstream with an XOAUTH2 bearer
// token, and then relays bytes in both directions untouched.
package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"oauthrelay/internal/auth"
	"oauthrelay/internal/config"
	"oauthrelay/internal/instrumentation"
	"oauthrelay/internal/logging"
	"oauthrelay/internal/token"
)

const (
	// Fixed AUTH LOGIN continuation prompts, Base64 for "Username:"
	// and "Password:".
	promptUsername = "334 VXNlcm5hbWU6\r\n"
	promptPassword = "334 UGFzc3dvcmQ6\r\n"

	replyUnrecognizedAuth = "504 5.7.4 Unrecognized authentication type\r\n"
	replyAuthFailed       = "535 5.7.8 Authentication credentials invalid\r\n"

	dialTimeout = 30 * time.Second
)

// StartTLSFunc upgrades an established connection to TLS, validating
// the certificate against serverName. Injectable for tests.
type StartTLSFunc func(conn net.Conn, serverName string) (net.Conn, error)

// DialFunc opens the outbound connection to the upstream server.
type DialFunc func(addr string) (net.Conn, error)

func defaultStartTLS(conn net.Conn, serverName string) (net.Conn, error) {
	tlsConn := tls.Client(conn, &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	})
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("TLS handshake with %s failed: %w", serverName, err)
	}
	return tlsConn, nil
}

func defaultDial(addr string) (net.Conn, error) {
	return (&net.Dialer{Timeout: dialTimeout}).Dial("tcp", addr)
}

// Session proxies one client connection. Each inbound connection gets
// its own Session; a Session failing never affects any other.
type Session struct {
	id       string
	name     string
	server   config.Server
	store    *token.Store
	metrics  *instrumentation.Metrics
	logger   *slog.Logger
	startTLS StartTLSFunc
	dial     DialFunc
}

// NewSession builds a session for one accepted connection. server is a
// cloned view of the listener's configuration; store is shared.
func NewSession(name string, server config.Server, store *token.Store, metrics *instrumentation.Metrics) *Session {
	id := uuid.NewString()
	return &Session{
		id:       id,
		name:     name,
		server:   server,
		store:    store,
		metrics:  metrics,
		logger:   slog.With(logging.Session(id), logging.Server(name)),
		startTLS: defaultStartTLS,
		dial:     defaultDial,
	}
}

// Run drives the session to completion and closes both connections.
// The returned error is for the caller's log line; it has already been
// handled as far as the client is concerned.
func (s *Session) Run(ctx context.Context, clientConn net.Conn) error {
	defer clientConn.Close()

	s.metrics.SessionOpened(ctx)
	defer s.metrics.SessionClosed(ctx)

	err := s.run(ctx, clientConn)
	result := instrumentation.ResultSuccess
	if err != nil {
		result = instrumentation.ResultFailure
	}
	s.metrics.RecordSession(ctx, s.name, result)
	return err
}

func (s *Session) run(ctx context.Context, clientConn net.Conn) error {
	addr := net.JoinHostPort(s.server.RemoteSMTPHost, fmt.Sprintf("%d", s.server.RemoteSMTPPort))
	upstreamConn, err := s.dial(addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer func() { upstreamConn.Close() }()

	clientR := bufio.NewReader(clientConn)
	upstreamR := bufio.NewReader(upstreamConn)

	// Relay the upstream greeting in full.
	greeting, err := readReply(upstreamR)
	if err != nil {
		return fmt.Errorf("reading upstream greeting: %w", err)
	}
	if err := send(clientConn, greeting); err != nil {
		return err
	}

	// Forward the client's hello verbatim.
	hello, err := readLine(clientR)
	if err != nil {
		return fmt.Errorf("reading client hello: %w", err)
	}
	if err := send(upstreamConn, hello); err != nil {
		return err
	}

	if s.server.RemoteSMTPStartTLS {
		// The pre-upgrade capability list is stale; discard it and
		// replace it with the post-TLS one below.
		if _, err := readReply(upstreamR); err != nil {
			return fmt.Errorf("reading pre-TLS hello reply: %w", err)
		}
		if err := send(upstreamConn, "STARTTLS\r\n"); err != nil {
			return err
		}
		if _, err := readReply(upstreamR); err != nil {
			return fmt.Errorf("reading STARTTLS reply: %w", err)
		}

		tlsConn, err := s.startTLS(upstreamConn, s.server.RemoteSMTPHost)
		if err != nil {
			return fmt.Errorf("upgrading upstream connection: %w", err)
		}
		upstreamConn = tlsConn
		defer upstreamConn.Close()
		upstreamR = bufio.NewReader(upstreamConn)
		s.logger.Debug("upstream connection upgraded to TLS")

		// Resend the hello over the secured channel.
		if err := send(upstreamConn, hello); err != nil {
			return err
		}
	}

	// Relay the real capability reply to the client.
	caps, err := readReply(upstreamR)
	if err != nil {
		return fmt.Errorf("reading hello reply: %w", err)
	}
	if err := send(clientConn, caps); err != nil {
		return err
	}

	// The next client command must be the one legacy mechanism.
	authCmd, err := readLine(clientR)
	if err != nil {
		return fmt.Errorf("reading client auth command: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(authCmd), "AUTH LOGIN") {
		s.logger.Warn("unsupported auth mechanism requested", logging.State("AwaitClientAuth"))
		_ = send(clientConn, replyUnrecognizedAuth)
		return &ProtocolError{State: "AwaitClientAuth", Line: strings.TrimSpace(authCmd)}
	}

	username, err := s.challenge(clientConn, clientR, promptUsername)
	if err != nil {
		return err
	}
	password, err := s.challenge(clientConn, clientR, promptPassword)
	if err != nil {
		return err
	}

	account, ok := s.server.Accounts[username]
	verified := false
	if ok {
		verified, err = auth.Verify(account.PSKArgon2id, password)
		if err != nil {
			s.logger.Warn("credential verification errored", logging.Account(username), logging.Err(err))
		}
	}
	if !verified {
		s.metrics.RecordAuthAttempt(ctx, s.name, instrumentation.ResultFailure)
		_ = send(clientConn, replyAuthFailed)
		return fmt.Errorf("account %q: %w", username, ErrAuthFailed)
	}
	s.metrics.RecordAuthAttempt(ctx, s.name, instrumentation.ResultSuccess)
	s.logger.Info("client authenticated", logging.Account(username))

	// Substitute the bearer token for the client's credentials.
	blob, err := s.store.EncodedAccessToken(ctx, account.Username)
	if err != nil {
		return fmt.Errorf("obtaining access token: %w", err)
	}
	s.logger.Debug("access token obtained", slog.String("token", logging.SanitizeToken(blob)))
	if err := send(upstreamConn, "AUTH XOAUTH2 "+blob+"\r\n"); err != nil {
		return err
	}

	// The client interprets the upstream's verdict, not the proxy.
	verdict, err := readReply(upstreamR)
	if err != nil {
		return fmt.Errorf("reading upstream auth reply: %w", err)
	}
	if err := send(clientConn, verdict); err != nil {
		return err
	}
	s.logger.Debug("entering relay", slog.String("upstream_reply", strings.TrimSpace(verdict)))

	return relay(clientConn, upstreamConn, clientR, upstreamR)
}

// challenge sends one AUTH LOGIN continuation prompt and decodes the
// client's Base64 response.
func (s *Session) challenge(clientConn net.Conn, clientR *bufio.Reader, prompt string) (string, error) {
	if err := send(clientConn, prompt); err != nil {
		return "", err
	}
	line, err := readLine(clientR)
	if err != nil {
		return "", fmt.Errorf("reading auth response: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line))
	if err != nil {
		return "", &ProtocolError{State: "Challenge", Line: strings.TrimSpace(line)}
	}
	return string(decoded), nil
}
