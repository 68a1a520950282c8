package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates authentication is required but not available.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed indicates the OAuth flow failed or was denied.
	ExitCodeAuthFailed = 3
)

// AuthRequiredError signals that no credential exists for the requested
// user/provider. Maps to ExitCodeAuthRequired.
type AuthRequiredError struct {
	UserID   string
	Provider string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authentication required for user %s (provider %s)", e.UserID, e.Provider)
}

// AuthFailedError signals that an OAuth flow terminally failed.
// Maps to ExitCodeAuthFailed.
type AuthFailedError struct {
	Reason string
}

func (e *AuthFailedError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

var rootCmd = &cobra.Command{
	Use:   "authrelay",
	Short: "Resolve and propagate authentication contexts",
	Long: `authrelay resolves inbound request authentication (bearer tokens or
stored sessions) into a normalized auth context and propagates it to remote
delegates and external tool connectors. It also drives the OAuth flows that
establish the stored sessions.`,
	SilenceUsage: true,
}

// configPath is the global --config flag.
var configPath string

// SetVersion sets the version for the root command, injected at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI and exits with a semantic exit code.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "authrelay version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

func getExitCode(err error) int {
	var authRequired *AuthRequiredError
	if errors.As(err, &authRequired) {
		return ExitCodeAuthRequired
	}
	var authFailed *AuthFailedError
	if errors.As(err, &authFailed) {
		return ExitCodeAuthFailed
	}
	return ExitCodeError
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(),
		"path to the configuration file")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newAuthCmd())
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return home + "/.config/authrelay/config.yaml"
}
