package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var (
	revokeUser     string
	revokeProvider string
)

func newAuthRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Remove a stored credential",
		Long:  `revoke deletes the stored credential for a user and provider.`,
		RunE:  runAuthRevoke,
	}

	cmd.Flags().StringVar(&revokeUser, "user", "", "user identifier owning the credential")
	cmd.Flags().StringVar(&revokeProvider, "provider", "", "provider name the credential belongs to")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("provider")

	return cmd
}

func runAuthRevoke(cmd *cobra.Command, args []string) error {
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

	cred, err := store.Get(ctx, revokeUser, revokeProvider)
	if err != nil {
		return fmt.Errorf("failed to look up credential: %w", err)
	}
	if cred == nil {
		return &AuthRequiredError{UserID: revokeUser, Provider: revokeProvider}
	}

	engine := buildEngine(cfg, store)
	defer engine.Stop()

	if err := engine.Revoke(ctx, revokeUser, revokeProvider); err != nil {
		return fmt.Errorf("failed to revoke credential: %w", err)
	}

	fmt.Printf("%s Revoked %s credential for %s.\n", text.FgGreen.Sprint("✓"), revokeProvider, revokeUser)
	return nil
}
