package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"authrelay/internal/flow"
)

var (
	loginUser     string
	loginProvider string
)

func newAuthLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate a user against a configured provider",
		Long: `login runs the provider's OAuth flow and stores the resulting
credential.

Device flows print a verification URL and user code, then poll until the
user approves. Client-credentials flows complete immediately.
Authorization-code flows print the consent URL; the redirect must be
completed against a running serve instance.

Examples:
  authrelay auth login --user alice --provider github
  authrelay auth login --user svc --provider internal-idp`,
		RunE: runAuthLogin,
	}

	cmd.Flags().StringVar(&loginUser, "user", "", "user identifier to store the credential under")
	cmd.Flags().StringVar(&loginProvider, "provider", "", "provider name from the configuration")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("provider")

	return cmd
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
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

	engine := buildEngine(cfg, store)
	defer engine.Stop()

	initiation, err := engine.Initiate(ctx, loginUser, loginProvider)
	if err != nil {
		return err
	}

	if initiation.Status == flow.StatusCompleted {
		fmt.Printf("%s Authenticated %s with %s.\n", text.FgGreen.Sprint("✓"), loginUser, loginProvider)
		return nil
	}

	if initiation.AuthorizationURL != "" {
		fmt.Println("Open this URL in your browser to authorize:")
		fmt.Printf("  %s\n\n", initiation.AuthorizationURL)
		fmt.Println("The provider will redirect to the configured callback; complete the")
		fmt.Printf("flow via POST /auth/complete with session_id %s.\n", initiation.SessionID)
		return nil
	}

	fmt.Println("Open this URL in your browser and enter the code:")
	fmt.Printf("  %s\n", initiation.VerificationURL)
	fmt.Printf("  Code: %s\n\n", text.FgHiWhite.Sprint(initiation.UserCode))
	fmt.Printf("Waiting for approval (expires in %ds)...\n", initiation.ExpiresIn)

	return pollDeviceFlow(ctx, engine, initiation)
}

// pollDeviceFlow polls Complete at the provider's interval until the flow
// leaves the pending state. slow_down responses widen the interval.
func pollDeviceFlow(ctx context.Context, engine *flow.Engine, initiation *flow.Initiation) error {
	interval := initiation.Interval
	if interval <= 0 {
		interval = 5
	}

	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		completion, err := engine.Complete(ctx, initiation.SessionID, "")
		if err != nil {
			return &AuthFailedError{Reason: err.Error()}
		}

		switch completion.Status {
		case flow.StatusCompleted:
			fmt.Printf("%s Authenticated %s with %s.\n", text.FgGreen.Sprint("✓"), loginUser, loginProvider)
			return nil
		case flow.StatusFailed:
			reason := "provider rejected the flow"
			if completion.Err != nil {
				reason = completion.Err.Error()
			}
			return &AuthFailedError{Reason: reason}
		case flow.StatusPending:
			if completion.Interval > interval {
				interval = completion.Interval
				ticker.Reset(time.Duration(interval) * time.Second)
			}
		}
	}
}
