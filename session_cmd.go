package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// sessionInfo is the printable view of the current session. It never
// carries the credential.
type sessionInfo struct {
	BaseURL     string    `json:"base_url"`
	Principal   string    `json:"principal"`
	Strategy    string    `json:"strategy"`
	RefreshedAt time.Time `json:"refreshed_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Open or reuse a session and show its expiry",
		Long: `Ensure a usable backend session exists, authenticating if the cached one
is missing or stale, and print who it belongs to and when it expires.
The session credential itself is never printed.`,
		Args: cobra.NoArgs,
		RunE: runSession,
	}

	cmd.Flags().Bool("reset", false, "drop the cached session and authenticate again")

	return cmd
}

func runSession(cmd *cobra.Command, _ []string) error {
	reset, err := cmd.Flags().GetBool("reset")
	if err != nil {
		return err
	}

	return withRuntime(cmd, func(ctx context.Context, rt *apiRuntime) error {
		if reset {
			if err := rt.manager.Invalidate(ctx); err != nil {
				return fmt.Errorf("resetting session: %w", err)
			}

			statusf(flagQuiet, "Cached session dropped.\n")
		}

		if _, err := rt.manager.EnsureValid(ctx); err != nil {
			return err
		}

		rec, err := rt.manager.Cached(ctx)
		if err != nil {
			return fmt.Errorf("reading session: %w", err)
		}

		id := rt.manager.Identity()
		info := sessionInfo{
			BaseURL:   id.BaseURL,
			Principal: id.Principal,
			Strategy:  rt.manager.StrategyName(),
		}

		if rec != nil {
			info.RefreshedAt = rec.RefreshedAt
			info.ExpiresAt = rec.ExpiresAt
		}

		return printSession(cmd.OutOrStdout(), info, flagJSON)
	})
}

func printSession(w io.Writer, info sessionInfo, asJSON bool) error {
	if asJSON {
		return writeJSON(w, info)
	}

	printTable(w, []string{"FIELD", "VALUE"}, [][]string{
		{"base url", info.BaseURL},
		{"principal", info.Principal},
		{"strategy", info.Strategy},
		{"refreshed", formatTime(info.RefreshedAt)},
		{"expires", formatTime(info.ExpiresAt)},
	})

	return nil
}
