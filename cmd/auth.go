package cmd

import (
	"github.com/spf13/cobra"
)

func newAuthCmd() *cobra.Command {
	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage stored credentials",
		Long: `auth drives OAuth flows against the configured providers and
manages the resulting stored credentials.`,
	}

	authCmd.AddCommand(newAuthLoginCmd())
	authCmd.AddCommand(newAuthStatusCmd())
	authCmd.AddCommand(newAuthRevokeCmd())

	return authCmd
}
