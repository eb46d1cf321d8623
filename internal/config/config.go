package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration, loaded once at process start.
type Config struct {
	// HTTPPort is the listen port for the authorization web endpoint.
	HTTPPort int `toml:"http_port"`

	// BaseRedirectURI is the externally reachable base of the web
	// endpoint; the OAuth2 redirect URI is BaseRedirectURI + "/callback".
	BaseRedirectURI string `toml:"base_redirect_uri"`

	Metrics MetricsConfig `toml:"metrics"`

	// Servers maps a server name to its upstream provider binding.
	Servers map[string]Server `toml:"servers"`
}

// MetricsConfig configures the optional metrics server.
type MetricsConfig struct {
	// Addr is the metrics listen address (e.g. ":9090").
	// Empty disables the metrics server.
	Addr string `toml:"addr"`
}

// Server is one upstream mail provider binding. Immutable after load.
//
// The IMAP fields are accepted so existing configurations keep loading,
// but no IMAP listener exists; only the SMTP ports are served.
type Server struct {
	AuthorizeEndpoint string `toml:"authorize_endpoint"`
	TokenEndpoint     string `toml:"token_endpoint"`
	ClientID          string `toml:"client_id"`
	ClientSecret      string `toml:"client_secret"`

	// Scopes is the space-separated OAuth2 scope list.
	Scopes string `toml:"scopes"`

	LocalSMTPPort int `toml:"local_smtp_port"`
	LocalIMAPPort int `toml:"local_imap_port"`

	RemoteSMTPHost string `toml:"remote_smtp_host"`
	RemoteSMTPPort int    `toml:"remote_smtp_port"`
	RemoteIMAPHost string `toml:"remote_imap_host"`
	RemoteIMAPPort int    `toml:"remote_imap_port"`

	// RemoteSMTPStartTLS selects the in-band TLS upgrade before
	// authenticating upstream. When false the upstream connection is
	// used as dialed.
	RemoteSMTPStartTLS bool `toml:"remote_smtp_starttls"`
	RemoteIMAPStartTLS bool `toml:"remote_imap_starttls"`

	// Accounts maps the local account name to its credentials.
	Accounts map[string]Account `toml:"accounts"`
}

// Account is one local login. The plaintext password is never stored;
// PSKArgon2id holds an argon2id PHC hash of it.
type Account struct {
	// Username is the upstream mailbox identity placed into the
	// XOAUTH2 blob for this account.
	Username string `toml:"username"`

	PSKArgon2id string `toml:"psk_argon2id"`

	// Renewal-reminder policy, reserved for future use.
	ReminderDays int `toml:"reminder_days"`
	NagTimerDays int `toml:"nag_timer_days"`
}

// Load reads and validates a TOML configuration file.
func Load(path string) (*Config, error) {
	var cfg Config
	cfg.HTTPPort = 8000

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the invariants the rest of the program relies on.
func (c *Config) Validate() error {
	if c.BaseRedirectURI == "" {
		return fmt.Errorf("base_redirect_uri is required")
	}
	if len(c.Servers) == 0 {
		return fmt.Errorf("at least one server must be configured")
	}
	for name, srv := range c.Servers {
		if srv.AuthorizeEndpoint == "" || srv.TokenEndpoint == "" {
			return fmt.Errorf("server %q: authorize_endpoint and token_endpoint are required", name)
		}
		if srv.ClientID == "" {
			return fmt.Errorf("server %q: client_id is required", name)
		}
		if srv.LocalSMTPPort <= 0 {
			return fmt.Errorf("server %q: local_smtp_port is required", name)
		}
		if srv.RemoteSMTPHost == "" || srv.RemoteSMTPPort <= 0 {
			return fmt.Errorf("server %q: remote_smtp_host and remote_smtp_port are required", name)
		}
		for account, acc := range srv.Accounts {
			if acc.Username == "" {
				return fmt.Errorf("server %q account %q: username is required", name, account)
			}
			if acc.PSKArgon2id == "" {
				return fmt.Errorf("server %q account %q: psk_argon2id is required", name, account)
			}
		}
	}
	return nil
}

// RedirectURI returns the OAuth2 redirect URI shared by all servers.
func (c *Config) RedirectURI() string {
	return c.BaseRedirectURI + "/callback"
}
