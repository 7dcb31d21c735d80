package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"appbuilder/pkg/storage"
	"appbuilder/services/orchestrator"
)

func (c *cli) newArtifactsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifacts",
		Short: "Inspect packages in the configured storage backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(c.newArtifactsListCommand())
	cmd.AddCommand(c.newArtifactsURLCommand())
	cmd.AddCommand(c.newArtifactsRemoveCommand())
	return cmd
}

func (c *cli) withStorage(ctx context.Context, fn func(ctx context.Context, p storage.Provider) error) error {
	cfg, err := c.config(ctx)
	if err != nil {
		return err
	}
	provider, err := storage.New(ctx, orchestrator.StorageConfig(cfg.Storage))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return fn(ctx, provider)
}

func (c *cli) newArtifactsListCommand() *cobra.Command {
	var app string

	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List stored packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStorage(contextOf(cmd), func(ctx context.Context, p storage.Provider) error {
				artifacts, err := p.List(ctx, storage.AppPrefix(app))
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(artifacts))
				for _, a := range artifacts {
					rows = append(rows, table.Row{a.Key, a.Size, a.LastModified.Local().Format(time.DateTime)})
				}
				return c.show(artifacts, table.Row{"Key", "Size", "Modified"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&app, "app", "", "Only list packages of this app")
	return cmd
}

func (c *cli) newArtifactsURLCommand() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "url <key>",
		Short: "Print a time-limited download URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStorage(contextOf(cmd), func(ctx context.Context, p storage.Provider) error {
				if local, ok := p.(*storage.Local); ok && local.EphemeralSecret() {
					return errors.New("LOCAL_STORAGE_SECRET must be set to issue URLs the API can verify")
				}
				url, err := p.SignedURL(ctx, args[0], ttl)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(c.out, url)
				return err
			})
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", storage.DefaultSignedURLTTL, "URL lifetime")
	return cmd
}

func (c *cli) newArtifactsRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <key>",
		Aliases: []string{"delete"},
		Short:   "Delete a stored object",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStorage(contextOf(cmd), func(ctx context.Context, p storage.Provider) error {
				if err := p.Delete(ctx, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(c.out, "deleted %s\n", args[0])
				return err
			})
		},
	}
}
