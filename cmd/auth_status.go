package cmd

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var statusUser string

func newAuthStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show stored credentials for a user",
		Long: `status lists the credentials stored for a user, one per provider,
with expiry and refreshability. Token values are never printed.`,
		RunE: runAuthStatus,
	}

	cmd.Flags().StringVar(&statusUser, "user", "", "user identifier to inspect")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, cleanup, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	creds, err := store.List(ctx, statusUser)
	if err != nil {
		return fmt.Errorf("failed to list credentials: %w", err)
	}

	if len(creds) == 0 {
		fmt.Printf("No credentials stored for %s.\n", statusUser)
		return nil
	}

	fmt.Printf("Credentials for %s:\n\n", statusUser)
	now := time.Now()
	for _, cred := range creds {
		fmt.Printf("Provider: %s\n", cred.Provider)
		fmt.Printf("  Status:    %s\n", formatCredentialStatus(cred.ExpiresAt, now))
		if cred.Refreshable() {
			fmt.Printf("  Refresh:   %s\n", text.FgGreen.Sprint("Available"))
		} else {
			fmt.Printf("  Refresh:   %s\n", text.FgYellow.Sprint("Not available (re-auth required on expiry)"))
		}
		if cred.Scope != "" {
			fmt.Printf("  Scope:     %s\n", cred.Scope)
		}
		fmt.Println()
	}

	return nil
}

// formatCredentialStatus renders the expiry state of a credential.
func formatCredentialStatus(expiresAt, now time.Time) string {
	if expiresAt.IsZero() {
		return text.FgGreen.Sprint("Authenticated (no expiry)")
	}
	if expiresAt.Before(now) {
		return text.FgYellow.Sprintf("Expired %s ago", formatDuration(now.Sub(expiresAt)))
	}
	return text.FgGreen.Sprintf("Authenticated (expires in %s)", formatDuration(expiresAt.Sub(now)))
}

// formatDuration renders a duration in the largest useful unit.
func formatDuration(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd", int(d.Hours())/24)
	case d >= time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	case d >= time.Minute:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
}
