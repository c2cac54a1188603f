package main

import (
	"context"
	"fmt"
	"time"

	"imchat/cmd/internal/app"

	"github.com/spf13/cobra"
)

func (c *cli) idemCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "idem",
		Short: "Inspect and maintain message idempotency records",
	}

	var olderThan time.Duration
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete idempotency records older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a *app.App) error {
				var (
					n   int64
					err error
				)
				if olderThan > 0 {
					n, err = a.Idempotency().CleanExpiredRecords(ctx, time.Now().UTC().Add(-olderThan))
				} else {
					n, err = a.Idempotency().RunRetentionOnce(ctx)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d\n", n)
				return nil
			})
		},
	}
	cleanup.Flags().DurationVar(&olderThan, "older-than", 0, "override IMCHAT_IDEM_RETENTION for this run")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "check <conversation-id> <client-msg-id>",
			Short: "Print the recorded server message id, if any",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.run(cmd, func(ctx context.Context, a *app.App) error {
					id, ok, err := a.Idempotency().CheckMessageExists(ctx, args[0], args[1])
					if err != nil {
						return err
					}
					if !ok {
						fmt.Fprintln(cmd.OutOrStdout(), "absent")
						return nil
					}
					fmt.Fprintln(cmd.OutOrStdout(), id)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "remove <conversation-id> <client-msg-id>",
			Short: "Delete one idempotency record and its cache entry",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.run(cmd, func(ctx context.Context, a *app.App) error {
					ok, err := a.Idempotency().Remove(ctx, args[0], args[1])
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "removed=%t\n", ok)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "count <conversation-id>",
			Short: "Count idempotency records for a conversation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.run(cmd, func(ctx context.Context, a *app.App) error {
					n, err := a.Idempotency().CountRecords(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), n)
					return nil
				})
			},
		},
		cleanup,
	)
	return cmd
}
