package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "hollowpeer",
		Short:         "Peer-to-peer friends node for Hollow World",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := resolveLogLevel(cmd)
			return err
		},
	}
	cmd.PersistentFlags().String("dir", "", "Data directory (default: $HOLLOWPEER_DATA_DIR or the per-user config dir)")
	cmd.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error (default: config log_level)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newIDCmd())
	cmd.AddCommand(newInviteCmd())
	return cmd
}

// resolveLogLevel returns the --log-level flag value, or ok=false when unset.
func resolveLogLevel(cmd *cobra.Command) (bool, error) {
	raw, _ := cmd.Flags().GetString("log-level")
	if strings.TrimSpace(raw) == "" {
		return false, nil
	}
	if _, err := parseLogLevel(raw); err != nil {
		return false, fmt.Errorf("invalid --log-level: %w", err)
	}
	return true, nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level %q", raw)
	}
}

// newLogger prefers the flag over the configured level.
func newLogger(cmd *cobra.Command, configured string) *slog.Logger {
	raw, _ := cmd.Flags().GetString("log-level")
	if strings.TrimSpace(raw) == "" {
		raw = configured
	}
	level, err := parseLogLevel(raw)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}
