package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"imchat/cmd/internal/app"

	"github.com/spf13/cobra"
)

func (c *cli) cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Evict cache entries across instances",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "evict <key>",
			Short: "Delete a key from the remote tier and broadcast the invalidation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.run(cmd, func(ctx context.Context, a *app.App) error {
					if err := a.Cache().Evict(ctx, args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "evicted %s\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "evict-pattern <glob>",
			Short: "Delete every remote key matching a glob and broadcast the invalidation",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.run(cmd, func(ctx context.Context, a *app.App) error {
					n, err := a.Cache().EvictByPattern(ctx, args[0])
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "evicted %d remote keys\n", n)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Print this process's cache statistics after the command's own traffic",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.run(cmd, func(_ context.Context, a *app.App) error {
					s := a.Cache().Stats()
					tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
					fmt.Fprintf(tw, "instance\t%s\n", a.Cache().InstanceID())
					fmt.Fprintf(tw, "hits\t%d\n", s.Hits)
					fmt.Fprintf(tw, "misses\t%d\n", s.Misses)
					fmt.Fprintf(tw, "loads\t%d\n", s.Loads)
					fmt.Fprintf(tw, "remote_errors\t%d\n", s.RemoteErrors)
					fmt.Fprintf(tw, "local_size\t%d\n", s.LocalSize)
					fmt.Fprintf(tw, "hit_rate\t%.3f\n", s.HitRate)
					return tw.Flush()
				})
			},
		},
	)
	return cmd
}
