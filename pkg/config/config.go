package config

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration shared by the API server, workers and CLI.
type Config struct {
	Addr           string   `env:"ADDR,default=:8080"`
	DatabaseDSN    string   `env:"DATABASE_DSN,default=appbuilder.db"`
	NATSURL        string   `env:"NATS_URL"`
	WorkDir        string   `env:"WORK_DIR,default=temp"`
	OTLPEndpoint   string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel       string   `env:"LOG_LEVEL,default=info"`
	LogFormat      string   `env:"LOG_FORMAT,default=json"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=*"`
	// RunWorkers starts the job workers inside the API process.
	RunWorkers     bool     `env:"RUN_WORKERS,default=true"`

	Storage  Storage
	Frappe   Frappe
	Package  Package
	Pipeline Pipeline
}

// Storage selects and configures the artifact backend.
type Storage struct {
	Provider string `env:"STORAGE_PROVIDER,default=local"`

	AWSBucket      string `env:"AWS_BUCKET_NAME"`
	AWSRegion      string `env:"AWS_REGION,default=us-east-1"`
	AWSAccessKey   string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretKey   string `env:"AWS_SECRET_ACCESS_KEY"`
	S3Endpoint     string `env:"S3_ENDPOINT"`
	S3PathStyle    bool   `env:"S3_FORCE_PATH_STYLE,default=false"`
	GCPBucket      string `env:"GCP_BUCKET_NAME"`
	GCPProjectID   string `env:"GCP_PROJECT_ID"`
	GCPCredentials string `env:"GOOGLE_APPLICATION_CREDENTIALS"`
	AzureAccount   string `env:"AZURE_STORAGE_ACCOUNT"`
	AzureKey       string `env:"AZURE_STORAGE_KEY"`
	AzureContainer string `env:"AZURE_CONTAINER_NAME"`
	AzureURL       string `env:"AZURE_SERVICE_URL"`
	LocalDir       string `env:"LOCAL_STORAGE_DIR,default=artifacts"`
	LocalBaseURL   string `env:"LOCAL_STORAGE_BASE_URL,default=http://localhost:8080/v1/artifacts/download"`
	LocalSecret    string `env:"LOCAL_STORAGE_SECRET"`

	SignedURLTTL time.Duration `env:"SIGNED_URL_TTL,default=1h"`
}

// Frappe configures the remote hosting control plane.
type Frappe struct {
	URL       string `env:"FRAPPE_CLOUD_URL"`
	APIKey    string `env:"FRAPPE_CLOUD_API_KEY"`
	APISecret string `env:"FRAPPE_CLOUD_API_SECRET"`
	Region    string `env:"DEPLOYMENT_REGION,default=mumbai"`
	Plan      string `env:"FRAPPE_SITE_PLAN,default=free"`
}

// Enabled reports whether enough settings exist to build a platform client.
func (f Frappe) Enabled() bool {
	return strings.TrimSpace(f.URL) != "" && f.APIKey != "" && f.APISecret != ""
}

// Package controls archive format and manifest signing.
type Package struct {
	Format     string `env:"PACKAGE_FORMAT,default=tar.gz"`
	SigningKey string `env:"PACKAGE_SIGNING_KEY"`
}

// Pipeline tunes worker pools and polling.
type Pipeline struct {
	GenerateConcurrency   int           `env:"GENERATE_CONCURRENCY,default=3"`
	DeployConcurrency     int           `env:"DEPLOY_CONCURRENCY,default=2"`
	CreateSiteConcurrency int           `env:"CREATE_SITE_CONCURRENCY,default=1"`
	SitePollInterval      time.Duration `env:"SITE_POLL_INTERVAL,default=10s"`
	SiteReadyTimeout      time.Duration `env:"SITE_READY_TIMEOUT,default=5m"`
	QueuePollInterval     time.Duration `env:"QUEUE_POLL_INTERVAL,default=1s"`
	QueueStallTimeout     time.Duration `env:"QUEUE_STALL_TIMEOUT,default=15m"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith resolves variables through the provided lookuper.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c Config) Validate() error {
	if strings.TrimSpace(c.WorkDir) == "" {
		return errors.New("WORK_DIR must not be empty")
	}
	switch c.Package.Format {
	case "tar.gz", "tar.zst":
	default:
		return errors.New("PACKAGE_FORMAT must be tar.gz or tar.zst")
	}
	p := c.Pipeline
	if p.GenerateConcurrency < 1 || p.DeployConcurrency < 1 || p.CreateSiteConcurrency < 1 {
		return errors.New("worker concurrency must be at least 1")
	}
	if p.SitePollInterval <= 0 || p.SiteReadyTimeout <= 0 {
		return errors.New("site poll interval and ready timeout must be positive")
	}
	return nil
}
