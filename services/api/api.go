package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"appbuilder/pkg/storage"
	"appbuilder/services/orchestrator"
	"appbuilder/services/synth"
)

const (
	defaultRequestTimeout = 60 * time.Second
	defaultRateLimit      = 100
	defaultListLimit      = 50
	maxPRDBytes           = 1 << 20
)

// Deployments is the orchestrator surface served over HTTP.
// *orchestrator.Orchestrator satisfies it.
type Deployments interface {
	GenerateAndDeployApp(ctx context.Context, prdContent string, app synth.AppConfig, deployment orchestrator.DeploymentConfig) (*orchestrator.Submission, error)
	GetDeploymentStatus(ctx context.Context, deploymentID string) (*orchestrator.DeploymentStatus, error)
	CancelDeployment(ctx context.Context, deploymentID string) (*orchestrator.CancelResult, error)
	ListDeployments(ctx context.Context, limit, offset int) ([]orchestrator.DeploymentSummary, error)
	RetryDeployment(ctx context.Context, deploymentID string) (*orchestrator.RetryResult, error)
	CleanupOldDeployments(ctx context.Context, olderThanDays int) (*orchestrator.CleanupResult, error)
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	AllowedOrigins []string
	SignedURLTTL   time.Duration
	RequestTimeout time.Duration
	// RateLimit is the number of requests allowed per client per minute.
	RateLimit int
	// Ready backs /readyz. A nil func always reports ready.
	Ready func(ctx context.Context) error
	// Middleware wraps the router, normally the telemetry handler.
	Middleware func(http.Handler) http.Handler
	Logger     zerolog.Logger
}

// API wires the orchestrator and artifact storage into HTTP handlers.
type API struct {
	deployments Deployments
	artifacts   storage.Provider
	config      Config
	logger      zerolog.Logger
}

// New initialises the API layer with defaults applied to cfg.
func New(deployments Deployments, artifacts storage.Provider, cfg Config) (*API, error) {
	if deployments == nil {
		return nil, errors.New("deployments are required")
	}
	if artifacts == nil {
		return nil, errors.New("artifact storage is required")
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = storage.DefaultSignedURLTTL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	return &API{
		deployments: deployments,
		artifacts:   artifacts,
		config:      cfg,
		logger:      cfg.Logger.With().Str("component", "api").Logger(),
	}, nil
}
