package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the oauthrelay application
var rootCmd = &cobra.Command{
	Use:   "oauthrelay",
	Short: "Bridges legacy mail clients to XOAUTH2-only mail servers",
	Long: `oauthrelay is a local SMTP proxy for mail clients that only speak
username/password authentication. It accepts the client's AUTH LOGIN
handshake, verifies it against locally stored argon2id hashes, and
authenticates to the real server with an OAuth2 bearer token (XOAUTH2),
relaying everything after that untouched.

Tokens are obtained interactively: visit /start on the authorization
endpoint once per server to complete the provider's consent flow.`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "oauthrelay version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newHashPSKCmd())
	rootCmd.AddCommand(newVersionCmd())
}
