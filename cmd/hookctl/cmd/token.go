package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/eventhook/internal/auth"
)

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an HS256 admin token",
	Long: `Mint a token the admin API accepts when it is configured with a shared
HMAC secret.

Example:
  export HOOKCTL_TOKEN=$(hookctl token --secret "$AUTH_HMAC_SECRET" --subject ops)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		issuer, _ := cmd.Flags().GetString("issuer")
		audience, _ := cmd.Flags().GetString("audience")
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		tok, err := auth.IssueToken(secret, issuer, audience, subject, ttl)
		if err != nil {
			return fmt.Errorf("failed to issue token: %w", err)
		}
		if outputJSON {
			printJSON(cmd.OutOrStdout(), map[string]any{
				"token":     tok,
				"subject":   subject,
				"expiresAt": time.Now().Add(ttl).UTC().Format(time.RFC3339),
			})
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("secret", "", "HMAC secret shared with the server")
	tokenCmd.Flags().String("issuer", "", "iss claim")
	tokenCmd.Flags().String("audience", "", "aud claim")
	tokenCmd.Flags().String("subject", "hookctl", "sub claim")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("secret")

	rootCmd.AddCommand(tokenCmd)
}
