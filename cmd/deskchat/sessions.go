package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"deskchat/internal/channel"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List and manage stored conversations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list [query]",
		Short: "List your sessions, optionally filtered by title or id",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			sessions, err := a.conv.ListSessions(ctx, query)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
			}
			for _, s := range sessions {
				fmt.Fprintln(cmd.OutOrStdout(), channel.FormatSession(s))
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show [id]",
		Short: "Print the history of a session",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			if err := a.conv.LoadSession(ctx, args[0]); err != nil {
				return err
			}
			snap := a.conv.Snapshot()
			for _, m := range snap.Messages {
				fmt.Fprintln(cmd.OutOrStdout(), channel.FormatMessage(m))
			}
			if !snap.Active {
				fmt.Fprintln(cmd.OutOrStdout(), "(closed)")
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rename [id] [title]",
		Short: "Rename a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			title := strings.Join(args[1:], " ")
			if err := a.conv.RenameSession(ctx, args[0], title); err != nil {
				return err
			}
			logger.Info("session renamed", "session", args[0], "title", title)
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a session and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			if err := a.conv.DeleteSession(ctx, args[0]); err != nil {
				return err
			}
			logger.Info("session deleted", "session", args[0])
			return nil
		}),
	})

	return cmd
}

// withApp loads the config and wires an app around a one-shot command.
func withApp(fn func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, closeLog, err := loadConfig()
		if err != nil {
			return err
		}
		defer closeLog()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := newApp(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer a.close()
		return fn(ctx, cmd, a, args)
	}
}
