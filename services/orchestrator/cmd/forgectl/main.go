package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"appbuilder/pkg/config"
	"appbuilder/pkg/db"
	"appbuilder/pkg/telemetry"
	"appbuilder/services/orchestrator"
)

const envPrefix = "APPBUILDER"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the settings shared by every subcommand.
type cli struct {
	v   *viper.Viper
	out io.Writer
}

func newRootCommand(out io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), out: out}
	c.v.SetEnvPrefix(envPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "forgectl",
		Short:         "Generate, package and deploy Frappe apps from requirement documents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)

	flags := cmd.PersistentFlags()
	flags.String("dsn", "", "database DSN (overrides DATABASE_DSN)")
	flags.String("work-dir", "", "working directory root (overrides WORK_DIR)")
	flags.String("nats-url", "", "NATS server for worker wake-ups (overrides NATS_URL)")
	flags.String("storage-provider", "", "artifact backend: local, s3, gcs or azure")
	flags.String("log-level", "", "log level (overrides LOG_LEVEL)")
	flags.Bool("json", false, "print JSON instead of tables")
	for _, name := range []string{"dsn", "work-dir", "nats-url", "storage-provider", "log-level", "json"} {
		_ = c.v.BindPFlag(name, flags.Lookup(name))
	}

	cmd.AddCommand(c.newPRDCommand())
	cmd.AddCommand(c.newAppCommand())
	cmd.AddCommand(c.newDeployCommand())
	cmd.AddCommand(c.newWorkerCommand())
	cmd.AddCommand(c.newArtifactsCommand())
	cmd.AddCommand(c.newPlatformCommand())
	return cmd
}

// config resolves environment configuration, then applies flag and
// APPBUILDER_* overrides.
func (c *cli) config(ctx context.Context) (config.Config, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	overrides := map[string]*string{
		"dsn":              &cfg.DatabaseDSN,
		"work-dir":         &cfg.WorkDir,
		"nats-url":         &cfg.NATSURL,
		"storage-provider": &cfg.Storage.Provider,
		"log-level":        &cfg.LogLevel,
	}
	for key, dest := range overrides {
		if v := c.v.GetString(key); c.v.IsSet(key) && v != "" {
			*dest = v
		}
	}
	return cfg, nil
}

func (c *cli) logger(cfg config.Config) (zerolog.Logger, error) {
	return telemetry.NewLogger(os.Stderr, cfg.LogLevel, "console", "forgectl")
}

func (c *cli) jsonOutput() bool {
	return c.v.GetBool("json")
}

// withRuntime opens the shared store and builds the pipeline runtime without
// starting workers.
func (c *cli) withRuntime(ctx context.Context, fn func(ctx context.Context, rt *orchestrator.Runtime) error) error {
	cfg, err := c.config(ctx)
	if err != nil {
		return err
	}
	logger, err := c.logger(cfg)
	if err != nil {
		return err
	}

	orm, err := db.Open(ctx, cfg.DatabaseDSN, db.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close(orm)

	if err := db.Migrate(ctx, orm); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	rt, err := orchestrator.NewRuntime(ctx, cfg, orm, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	return fn(ctx, rt)
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
