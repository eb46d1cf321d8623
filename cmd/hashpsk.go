package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"oauthrelay/internal/auth"
)

func newHashPSKCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-psk",
		Short: "Generate an argon2id hash for the psk_argon2id config field",
		Long: `hash-psk reads a password from standard input and prints its argon2id
hash, ready to paste into an account's psk_argon2id field.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(os.Stderr, "Password: ")
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			password := strings.TrimRight(line, "\r\n")
			if password == "" {
				return fmt.Errorf("refusing to hash an empty password")
			}

			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
