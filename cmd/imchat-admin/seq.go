package main

import (
	"context"
	"fmt"
	"strconv"

	"imchat/cmd/internal/app"

	"github.com/spf13/cobra"
)

func (c *cli) seqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seq",
		Short: "Inspect and repair conversation sequence counters",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "next <conversation-id>",
			Short: "Allocate the next sequence number",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.run(cmd, func(ctx context.Context, a *app.App) error {
					n, err := a.Sequences().NextSequence(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), n)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "current <conversation-id>",
			Short: "Print the last allocated sequence number without allocating",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.run(cmd, func(ctx context.Context, a *app.App) error {
					n, err := a.Sequences().CurrentSequence(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), n)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "reset <conversation-id> <value>",
			Short: "Set the sequence so the next allocation returns value+1",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				value, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return fmt.Errorf("value: %w", err)
				}
				return c.run(cmd, func(ctx context.Context, a *app.App) error {
					if err := a.Sequences().ResetSequence(ctx, args[0], value); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s reset to %d\n", args[0], value)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "preload <conversation-id>...",
			Short: "Seed remote counters from the durable store",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.run(cmd, func(ctx context.Context, a *app.App) error {
					n, err := a.Sequences().Preload(ctx, args...)
					fmt.Fprintf(cmd.OutOrStdout(), "seeded %d of %d\n", n, len(args))
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "clear <conversation-id>",
			Short: "Drop the remote counter; it is rebuilt on the next allocation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.run(cmd, func(ctx context.Context, a *app.App) error {
					a.Sequences().ClearCache(ctx, args[0])
					fmt.Fprintf(cmd.OutOrStdout(), "%s cleared\n", args[0])
					return nil
				})
			},
		},
	)
	return cmd
}
