package command

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"sharedws/internal/broker"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a client token for a broker running with JWT_SECRET",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		subject, _ := cmd.Flags().GetString("subject")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		if secret == "" {
			secret = os.Getenv("JWT_SECRET")
		}
		if secret == "" {
			return fmt.Errorf("--secret or JWT_SECRET is required")
		}

		signed, err := broker.NewTokenValidator(secret).IssueToken(subject, ttl)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}
		fmt.Println(signed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("secret", "", "broker JWT secret (defaults to $JWT_SECRET)")
	tokenCmd.Flags().StringP("subject", "s", "cli", "subject stored in the token")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
}
