package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"imchat/cmd/internal/app"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// opener builds the runtime the commands operate on.
type opener func(ctx context.Context, envFile string, verbose bool) (*app.App, error)

func openApp(ctx context.Context, envFile string, verbose bool) (*app.App, error) {
	if err := app.LoadDotEnv(envFile); err != nil {
		return nil, err
	}
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, err
	}
	level := "warn"
	if verbose {
		level = "debug"
	}
	return app.New(ctx, cfg, app.NewLogger(level, "text"))
}

type cli struct {
	open    opener
	envFile string
	verbose bool
	timeout time.Duration
	app     *app.App
}

func newRootCmd(open opener) *cobra.Command {
	c := &cli{open: open}

	root := &cobra.Command{
		Use:           "imchat-admin",
		Short:         "Administrative tool for imchat sequences, idempotency records and caches",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "dotenv file loaded before reading IMCHAT_* variables")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "overall deadline for the command")

	root.AddCommand(
		c.seqCmd(),
		c.idemCmd(),
		c.cacheCmd(),
		c.acceptCmd(),
		c.migrateCmd(),
	)
	return root
}

// run opens the runtime, runs fn under the command deadline and closes the runtime.
func (c *cli) run(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
	defer cancel()

	a, err := c.open(ctx, c.envFile, c.verbose)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	runErr := fn(ctx, a)
	closeErr := a.Close(context.WithoutCancel(ctx))
	return errors.Join(runErr, closeErr)
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded Postgres schema (IMCHAT_DATABASE_URL, IMCHAT_DB_SCHEMA)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.run(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
				return nil
			})
		},
	}
}

func (c *cli) acceptCmd() *cobra.Command {
	var sender string
	cmd := &cobra.Command{
		Use:   "accept <conversation-id> <client-msg-id>",
		Short: "Run one submission through the acceptance pipeline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Acceptor().Accept(ctx, args[0], args[1], sender)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seq=%d server_msg_id=%s shard=%d duplicate=%t\n",
					res.Seq, res.ServerMsgID, res.Shard, res.Duplicate)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sender, "sender", "admin", "sender id recorded with the idempotency entry")
	return cmd
}
