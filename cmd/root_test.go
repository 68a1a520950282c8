package cmd

import (
	"errors"
	"fmt"
	"testing"
)

func TestSetVersion(t *testing.T) {
	testVersion := "1.2.3-test"
	SetVersion(testVersion)

	if rootCmd.Version != testVersion {
		t.Errorf("Expected version to be %s, got %s", testVersion, rootCmd.Version)
	}
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "authrelay" {
		t.Errorf("Expected Use to be 'authrelay', got %s", rootCmd.Use)
	}

	if rootCmd.Short == "" {
		t.Error("Expected Short description to be set")
	}

	if !rootCmd.SilenceUsage {
		t.Error("Expected SilenceUsage to be true")
	}
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{
			name:     "generic error",
			err:      errors.New("boom"),
			expected: ExitCodeError,
		},
		{
			name:     "auth required",
			err:      &AuthRequiredError{UserID: "alice", Provider: "github"},
			expected: ExitCodeAuthRequired,
		},
		{
			name:     "auth failed",
			err:      &AuthFailedError{Reason: "access_denied"},
			expected: ExitCodeAuthFailed,
		},
		{
			name:     "wrapped auth required",
			err:      fmt.Errorf("command failed: %w", &AuthRequiredError{UserID: "bob", Provider: "gitlab"}),
			expected: ExitCodeAuthRequired,
		},
		{
			name:     "wrapped auth failed",
			err:      fmt.Errorf("command failed: %w", &AuthFailedError{Reason: "expired_token"}),
			expected: ExitCodeAuthFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getExitCode(tt.err); got != tt.expected {
				t.Errorf("getExitCode() = %d, expected %d", got, tt.expected)
			}
		})
	}
}

func TestAuthErrorMessages(t *testing.T) {
	required := &AuthRequiredError{UserID: "alice", Provider: "github"}
	if required.Error() != "authentication required for user alice (provider github)" {
		t.Errorf("unexpected message: %s", required.Error())
	}

	failed := &AuthFailedError{Reason: "access_denied"}
	if failed.Error() != "authentication failed: access_denied" {
		t.Errorf("unexpected message: %s", failed.Error())
	}
}
