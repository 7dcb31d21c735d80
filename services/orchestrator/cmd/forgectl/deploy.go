package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"appbuilder/services/orchestrator"
	"appbuilder/services/synth"
)

func (c *cli) newDeployCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Submit and operate deployments in the shared store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(c.newDeploySubmitCommand())
	cmd.AddCommand(c.newDeployStatusCommand())
	cmd.AddCommand(c.newDeployWatchCommand())
	cmd.AddCommand(c.newDeployListCommand())
	cmd.AddCommand(c.newDeployCancelCommand())
	cmd.AddCommand(c.newDeployRetryCommand())
	cmd.AddCommand(c.newDeployCleanupCommand())
	return cmd
}

func (c *cli) newDeploySubmitCommand() *cobra.Command {
	var (
		prdFile  string
		app      synth.AppConfig
		dep      orchestrator.DeploymentConfig
		noFrappe bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue the generate, deploy and optional create-site stages",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := os.ReadFile(prdFile)
			if err != nil {
				return fmt.Errorf("read prd: %w", err)
			}
			if noFrappe {
				upload := false
				dep.UploadToFrappe = &upload
			}
			return c.withRuntime(contextOf(cmd), func(ctx context.Context, rt *orchestrator.Runtime) error {
				sub, err := rt.Orchestrator.GenerateAndDeployApp(ctx, string(text), app, dep)
				if err != nil {
					return err
				}
				rows := []table.Row{
					{orchestrator.JobGenerate, sub.Jobs.Generate},
					{orchestrator.JobDeploy, sub.Jobs.Deploy},
				}
				if sub.Jobs.CreateSite != "" {
					rows = append(rows, table.Row{orchestrator.JobCreateSite, sub.Jobs.CreateSite})
				}
				if !c.jsonOutput() {
					fmt.Fprintf(c.out, "deployment %s %s\n", sub.DeploymentID, sub.Status)
				}
				return c.show(sub, table.Row{"Stage", "Job"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&prdFile, "prd", "", "Path to the requirement document")
	cmd.Flags().StringVar(&app.Name, "name", "", "App name (a valid Python identifier)")
	cmd.Flags().StringVar(&app.Title, "title", "", "App title")
	cmd.Flags().StringVar(&app.Publisher, "publisher", "", "Publisher name")
	cmd.Flags().StringVar(&app.Version, "version", "", "App version")
	cmd.Flags().BoolVar(&dep.CreateSite, "create-site", false, "Create a site and install the app after deploying")
	cmd.Flags().StringVar(&dep.SiteName, "site-name", "", "Site name (defaults to the app name)")
	cmd.Flags().StringVar(&dep.Plan, "plan", "", "Site plan (defaults to FRAPPE_SITE_PLAN)")
	cmd.Flags().BoolVar(&noFrappe, "no-frappe", false, "Skip pushing the app to the hosting platform")
	_ = cmd.MarkFlagRequired("prd")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func (c *cli) newDeployStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <deployment-id>",
		Short: "Show the aggregated status of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(contextOf(cmd), func(ctx context.Context, rt *orchestrator.Runtime) error {
				status, err := rt.Orchestrator.GetDeploymentStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if !c.jsonOutput() {
					fmt.Fprintf(c.out, "deployment %s %s %.0f%%\n", status.DeploymentID, status.OverallStatus, status.Progress)
					for _, e := range status.Errors {
						fmt.Fprintf(c.out, "  error: %s\n", e)
					}
				}
				return c.show(status, table.Row{"Job", "Stage", "State", "Progress", "Attempts", "Retried By"}, jobRows(status.Jobs))
			})
		},
	}
}

func jobRows(jobs []orchestrator.JobStatus) []table.Row {
	rows := make([]table.Row, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, table.Row{
			j.ID,
			j.Name,
			j.Status,
			fmt.Sprintf("%d%%", j.Progress),
			fmt.Sprintf("%d/%d", j.AttemptsMade, j.Attempts),
			j.RetriedBy,
		})
	}
	return rows
}

func (c *cli) newDeployWatchCommand() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch <deployment-id>",
		Short: "Follow a deployment until it completes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(contextOf(cmd), func(ctx context.Context, rt *orchestrator.Runtime) error {
				return watch(ctx, rt.Orchestrator, args[0], interval)
			})
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Polling interval")
	return cmd
}

type statusSource interface {
	GetDeploymentStatus(ctx context.Context, deploymentID string) (*orchestrator.DeploymentStatus, error)
}

func watch(ctx context.Context, src statusSource, id string, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("["+id+"] queued"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := src.GetDeploymentStatus(ctx, id)
		if err != nil {
			return err
		}
		bar.Describe(fmt.Sprintf("[%s] %s", id, status.OverallStatus))
		_ = bar.Set(int(status.Progress))

		switch status.OverallStatus {
		case orchestrator.StatusCompleted:
			return bar.Finish()
		case orchestrator.StatusFailed:
			_ = bar.Exit()
			return fmt.Errorf("deployment %s failed: %s", id, strings.Join(status.Errors, "; "))
		}

		select {
		case <-ctx.Done():
			_ = bar.Exit()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *cli) newDeployListCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(contextOf(cmd), func(ctx context.Context, rt *orchestrator.Runtime) error {
				deployments, err := rt.Orchestrator.ListDeployments(ctx, limit, offset)
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(deployments))
				for _, d := range deployments {
					rows = append(rows, table.Row{
						d.DeploymentID,
						d.AppName,
						d.Status,
						fmt.Sprintf("%.0f%%", d.Progress),
						d.JobCount,
						d.CreatedAt.Local().Format(time.DateTime),
						d.UpdatedAt.Local().Format(time.DateTime),
					})
				}
				return c.show(deployments, table.Row{"Deployment", "App", "Status", "Progress", "Jobs", "Created", "Updated"}, rows)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum deployments to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "Deployments to skip")
	return cmd
}

func (c *cli) newDeployCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <deployment-id>",
		Short: "Remove pending jobs and the working directory of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(contextOf(cmd), func(ctx context.Context, rt *orchestrator.Runtime) error {
				res, err := rt.Orchestrator.CancelDeployment(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(c.out, res)
			})
		},
	}
}

func (c *cli) newDeployRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <deployment-id>",
		Short: "Re-enqueue the failed jobs of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(contextOf(cmd), func(ctx context.Context, rt *orchestrator.Runtime) error {
				res, err := rt.Orchestrator.RetryDeployment(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(c.out, res)
			})
		},
	}
}

func (c *cli) newDeployCleanupCommand() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove finished jobs and stale working directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(contextOf(cmd), func(ctx context.Context, rt *orchestrator.Runtime) error {
				res, err := rt.Orchestrator.CleanupOldDeployments(ctx, days)
				if err != nil {
					return err
				}
				return printJSON(c.out, res)
			})
		},
	}

	cmd.Flags().IntVar(&days, "older-than-days", 30, "Age threshold in days")
	return cmd
}

func (c *cli) newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the pipeline workers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(contextOf(cmd), func(ctx context.Context, rt *orchestrator.Runtime) error {
				if err := rt.Queue.Start(ctx); err != nil {
					return fmt.Errorf("start workers: %w", err)
				}
				fmt.Fprintf(os.Stderr, "workers running (storage %s), press Ctrl+C to stop\n", rt.Storage.Name())
				<-ctx.Done()
				return nil
			})
		},
	}
}
