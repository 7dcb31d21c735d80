package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"appbuilder/pkg/queue"
	"appbuilder/pkg/storage"
	"appbuilder/services/platform"
	"appbuilder/services/prd"
	"appbuilder/services/synth"
)

// Stage job names.
const (
	JobGenerate   = "generate-app"
	JobDeploy     = "deploy-app"
	JobCreateSite = "create-site"
)

const (
	tracerName              = "appbuilder/services/orchestrator"
	defaultSitePollInterval = 10 * time.Second
	defaultSiteReadyTimeout = 5 * time.Minute
	defaultListLimit        = 50
	defaultCleanupDays      = 30
	unknownAppName          = "Unknown"
)

// Platform is the subset of the remote hosting client the pipeline drives.
// *platform.Client satisfies it.
type Platform interface {
	CreateSite(ctx context.Context, name, plan string) (*platform.Site, error)
	GetSiteInfo(ctx context.Context, name string) (*platform.Site, error)
	InstallApp(ctx context.Context, site, app, version string) (string, error)
	UploadApp(ctx context.Context, appDir, appName string) (string, error)
}

// Synthesizer renders and packages apps. *synth.Generator satisfies it.
type Synthesizer interface {
	Generate(ctx context.Context, model *prd.RequirementModel, app synth.AppConfig, workDir string) (string, error)
	Setup(ctx context.Context, appPath string) error
	Package(ctx context.Context, appPath, name string) (*synth.Package, error)
	Format() string
}

// Concurrency sets the worker pool size of each stage.
type Concurrency struct {
	Generate   int
	Deploy     int
	CreateSite int
}

// Config wires an Orchestrator. Platform may be nil, in which case remote
// uploads are skipped and site creation fails.
type Config struct {
	Queue    *queue.Queue
	Synth    Synthesizer
	Storage  storage.Provider
	Platform Platform
	// WorkDir is the root holding one working directory per deployment.
	WorkDir          string
	Concurrency      Concurrency
	SitePollInterval time.Duration
	SiteReadyTimeout time.Duration
	TracerProvider   trace.TracerProvider
	Logger           zerolog.Logger
	Now              func() time.Time
}

// Orchestrator sequences the generate, deploy and create-site stages of a
// deployment through the durable queue.
type Orchestrator struct {
	queue    *queue.Queue
	synth    Synthesizer
	storage  storage.Provider
	platform Platform

	workRoot     string
	concurrency  Concurrency
	pollInterval time.Duration
	readyTimeout time.Duration
	tracer       trace.Tracer
	logger       zerolog.Logger
	now          func() time.Time
}

// New validates cfg and returns an orchestrator. Call Register before the
// queue is started.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Queue == nil {
		return nil, errors.New("queue is required")
	}
	if cfg.Synth == nil {
		return nil, errors.New("synthesizer is required")
	}
	if cfg.Storage == nil {
		return nil, errors.New("storage provider is required")
	}
	if strings.TrimSpace(cfg.WorkDir) == "" {
		return nil, errors.New("work dir is required")
	}

	o := &Orchestrator{
		queue:        cfg.Queue,
		synth:        cfg.Synth,
		storage:      cfg.Storage,
		platform:     cfg.Platform,
		workRoot:     cfg.WorkDir,
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.SitePollInterval,
		readyTimeout: cfg.SiteReadyTimeout,
		logger:       cfg.Logger.With().Str("component", "orchestrator").Logger(),
		now:          cfg.Now,
	}
	if o.pollInterval <= 0 {
		o.pollInterval = defaultSitePollInterval
	}
	if o.readyTimeout <= 0 {
		o.readyTimeout = defaultSiteReadyTimeout
	}
	if o.now == nil {
		o.now = time.Now
	}
	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	o.tracer = tp.Tracer(tracerName)
	return o, nil
}

// Register attaches the stage handlers to the queue.
func (o *Orchestrator) Register() error {
	if o == nil {
		return errors.New("nil orchestrator")
	}
	stages := []struct {
		name        string
		concurrency int
		handler     queue.Handler
	}{
		{JobGenerate, o.concurrency.Generate, o.generate},
		{JobDeploy, o.concurrency.Deploy, o.deploy},
		{JobCreateSite, o.concurrency.CreateSite, o.createSite},
	}
	for _, stage := range stages {
		if err := o.queue.Process(stage.name, stage.concurrency, stage.handler); err != nil {
			return fmt.Errorf("register %s: %w", stage.name, err)
		}
	}
	return nil
}

// DeploymentConfig controls the optional remote stages of a deployment.
type DeploymentConfig struct {
	CreateSite bool   `json:"createSite"`
	SiteName   string `json:"siteName,omitempty"`
	Plan       string `json:"plan,omitempty"`
	// UploadToFrappe defaults to true when unset.
	UploadToFrappe *bool `json:"uploadToFrappe,omitempty"`
}

// UploadEnabled reports whether the deploy stage pushes the app to the platform.
func (d DeploymentConfig) UploadEnabled() bool {
	return d.UploadToFrappe == nil || *d.UploadToFrappe
}

// Site returns the site name, defaulting to the app name in hostname form.
func (d DeploymentConfig) Site(app string) string {
	if name := strings.TrimSpace(d.SiteName); name != "" {
		return name
	}
	return strings.ReplaceAll(strings.ToLower(app), "_", "-")
}

// SubmissionJobs holds the ids of the jobs enqueued for a deployment.
type SubmissionJobs struct {
	Generate   string `json:"generate"`
	Deploy     string `json:"deploy"`
	CreateSite string `json:"createSite,omitempty"`
}

// Submission is returned by GenerateAndDeployApp.
type Submission struct {
	DeploymentID string         `json:"deploymentId"`
	Status       string         `json:"status"`
	Jobs         SubmissionJobs `json:"jobs"`
}

// payload is the data every stage job carries.
type payload struct {
	DeploymentID string           `json:"deploymentId"`
	PRDContent   string           `json:"prdContent,omitempty"`
	AppConfig    synth.AppConfig  `json:"appConfig"`
	Deployment   DeploymentConfig `json:"deploymentConfig"`
}

func generateOptions(app string) queue.Options {
	return queue.Options{
		Attempts: 3,
		Backoff:  queue.Backoff{Type: queue.BackoffExponential, Delay: 2 * time.Second},
		Label:    app,
	}
}

func deployOptions(app, dependsOn string) queue.Options {
	return queue.Options{
		Attempts:  2,
		Delay:     5 * time.Second,
		Backoff:   queue.Backoff{Type: queue.BackoffExponential, Delay: 5 * time.Second},
		DependsOn: dependsOn,
		Label:     app,
	}
}

func createSiteOptions(app, dependsOn string) queue.Options {
	return queue.Options{
		Attempts:  2,
		Delay:     10 * time.Second,
		DependsOn: dependsOn,
		Label:     app,
	}
}

// GenerateAndDeployApp enqueues the stages of a new deployment. Later stages
// depend on the job before them and are only claimed once it completed.
func (o *Orchestrator) GenerateAndDeployApp(ctx context.Context, prdContent string, app synth.AppConfig, deployment DeploymentConfig) (*Submission, error) {
	if o == nil {
		return nil, errors.New("nil orchestrator")
	}
	if err := app.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	logger := o.logger.With().Str("deployment_id", id).Str("app", app.Name).Logger()

	p := payload{DeploymentID: id, PRDContent: prdContent, AppConfig: app, Deployment: deployment}
	gen, err := o.queue.Add(ctx, JobGenerate, id, p, generateOptions(app.Name))
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", JobGenerate, err)
	}

	p.PRDContent = ""
	dep, err := o.queue.Add(ctx, JobDeploy, id, p, deployOptions(app.Name, gen.ID))
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", JobDeploy, err)
	}

	sub := &Submission{
		DeploymentID: id,
		Status:       "queued",
		Jobs:         SubmissionJobs{Generate: gen.ID, Deploy: dep.ID},
	}
	if deployment.CreateSite {
		site, err := o.queue.Add(ctx, JobCreateSite, id, p, createSiteOptions(app.Name, dep.ID))
		if err != nil {
			return nil, fmt.Errorf("enqueue %s: %w", JobCreateSite, err)
		}
		sub.Jobs.CreateSite = site.ID
	}

	logger.Info().Bool("create_site", deployment.CreateSite).Msg("deployment queued")
	return sub, nil
}

// WorkDir returns the working directory owned by a deployment.
func (o *Orchestrator) WorkDir(deploymentID string) string {
	return filepath.Join(o.workRoot, deploymentID)
}
