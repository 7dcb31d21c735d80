package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"appbuilder/services/orchestrator"
	"appbuilder/services/platform"
)

func (c *cli) newPlatformCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "platform",
		Short: "Query the hosting platform directly",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(c.newPlatformAppsCommand())
	cmd.AddCommand(c.newPlatformSiteCommand())
	cmd.AddCommand(c.newPlatformJobCommand())
	return cmd
}

func (c *cli) withPlatform(ctx context.Context, fn func(ctx context.Context, client *platform.Client) error) error {
	cfg, err := c.config(ctx)
	if err != nil {
		return err
	}
	logger, err := c.logger(cfg)
	if err != nil {
		return err
	}
	client, err := orchestrator.NewPlatform(cfg.Frappe, logger)
	if err != nil {
		return err
	}
	if client == nil {
		return errors.New("platform is not configured: set FRAPPE_CLOUD_URL, FRAPPE_CLOUD_API_KEY and FRAPPE_CLOUD_API_SECRET")
	}
	return fn(ctx, client)
}

func (c *cli) newPlatformAppsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "apps",
		Short: "List marketplace apps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withPlatform(contextOf(cmd), func(ctx context.Context, client *platform.Client) error {
				apps, err := client.ListApps(ctx)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(apps))
				for _, a := range apps {
					rows = append(rows, table.Row{a.Name, a.Title})
				}
				return c.show(apps, table.Row{"Name", "Title"}, rows)
			})
		},
	}
}

func (c *cli) newPlatformSiteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "site <name>",
		Short: "Show a site and its status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withPlatform(contextOf(cmd), func(ctx context.Context, client *platform.Client) error {
				site, err := client.GetSiteInfo(ctx, args[0])
				if err != nil {
					return err
				}
				return c.show(site, table.Row{"Site", "Status"}, []table.Row{{site.Name, site.Status}})
			})
		},
	}
}

func (c *cli) newPlatformJobCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "job <id>",
		Short: "Show the status of a platform background job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withPlatform(contextOf(cmd), func(ctx context.Context, client *platform.Client) error {
				status, err := client.GetJobStatus(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(c.out, status)
				return err
			})
		},
	}
}
