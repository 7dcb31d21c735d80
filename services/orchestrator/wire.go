package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"appbuilder/pkg/bus"
	"appbuilder/pkg/config"
	"appbuilder/pkg/queue"
	gos3 "appbuilder/pkg/s3"
	"appbuilder/pkg/storage"
	"appbuilder/services/platform"
	"appbuilder/services/synth"
)

const (
	jobStream       = "APPBUILDER_JOBS"
	jobSubjects     = "appbuilder.jobs.>"
	jobStreamMaxAge = time.Hour
)

// Runtime bundles the components built from configuration.
type Runtime struct {
	Bus          *bus.Bus
	Queue        *queue.Queue
	Storage      storage.Provider
	Synth        *synth.Generator
	Platform     *platform.Client
	Orchestrator *Orchestrator
}

// StorageConfig maps environment settings onto the storage factory.
func StorageConfig(cfg config.Storage) storage.Config {
	return storage.Config{
		Provider: cfg.Provider,
		S3: storage.S3Config{
			Bucket: cfg.AWSBucket,
			Config: gos3.Config{
				Region:         cfg.AWSRegion,
				AccessKey:      cfg.AWSAccessKey,
				SecretKey:      cfg.AWSSecretKey,
				Endpoint:       cfg.S3Endpoint,
				ForcePathStyle: cfg.S3PathStyle,
			},
		},
		GCS: storage.GCSConfig{
			Bucket:          cfg.GCPBucket,
			ProjectID:       cfg.GCPProjectID,
			CredentialsFile: cfg.GCPCredentials,
		},
		Azure: storage.AzureConfig{
			Account:    cfg.AzureAccount,
			Key:        cfg.AzureKey,
			Container:  cfg.AzureContainer,
			ServiceURL: cfg.AzureURL,
		},
		Local: storage.LocalConfig{
			Dir:     cfg.LocalDir,
			BaseURL: cfg.LocalBaseURL,
			Secret:  cfg.LocalSecret,
		},
	}
}

// NewSynth builds the generator described by the package settings.
func NewSynth(cfg config.Package, logger zerolog.Logger) (*synth.Generator, error) {
	var signer *synth.Signer
	if cfg.SigningKey != "" {
		s, err := synth.NewSigner(cfg.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("load signing key: %w", err)
		}
		signer = s
	}
	return synth.New(synth.Config{Format: cfg.Format, Signer: signer, Logger: logger})
}

// NewPlatform returns a press API client, or nil when no credentials are configured.
func NewPlatform(cfg config.Frappe, logger zerolog.Logger) (*platform.Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	return platform.New(platform.Config{
		BaseURL:   cfg.URL,
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		Region:    cfg.Region,
		Plan:      cfg.Plan,
		Logger:    logger,
	})
}

// NewRuntime connects the optional bus and builds the queue, storage,
// synthesizer, platform client and orchestrator. Handlers are registered but
// workers are not started.
func NewRuntime(ctx context.Context, cfg config.Config, orm *gorm.DB, logger zerolog.Logger) (*Runtime, error) {
	rt := &Runtime{}

	var notifier queue.Notifier
	if cfg.NATSURL != "" {
		b, err := bus.New(cfg.NATSURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		if err := b.EnsureStream(jobStream, jobStreamMaxAge, jobSubjects); err != nil {
			b.Close()
			return nil, fmt.Errorf("ensure job stream: %w", err)
		}
		rt.Bus = b
		notifier = b
	}

	q, err := queue.New(orm, queue.Config{
		PollInterval: cfg.Pipeline.QueuePollInterval,
		StallTimeout: cfg.Pipeline.QueueStallTimeout,
		Notifier:     notifier,
		Logger:       logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Queue = q

	provider, err := storage.New(ctx, StorageConfig(cfg.Storage))
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}
	rt.Storage = provider
	if local, ok := provider.(*storage.Local); ok && local.EphemeralSecret() {
		logger.Warn().Msg("LOCAL_STORAGE_SECRET is unset, signed download URLs only verify in this process")
	}

	gen, err := NewSynth(cfg.Package, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Synth = gen

	client, err := NewPlatform(cfg.Frappe, logger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("platform: %w", err)
	}
	rt.Platform = client

	ocfg := Config{
		Queue:   q,
		Synth:   gen,
		Storage: provider,
		WorkDir: cfg.WorkDir,
		Concurrency: Concurrency{
			Generate:   cfg.Pipeline.GenerateConcurrency,
			Deploy:     cfg.Pipeline.DeployConcurrency,
			CreateSite: cfg.Pipeline.CreateSiteConcurrency,
		},
		SitePollInterval: cfg.Pipeline.SitePollInterval,
		SiteReadyTimeout: cfg.Pipeline.SiteReadyTimeout,
		Logger:           logger,
	}
	if client != nil {
		ocfg.Platform = client
	}
	orch, err := New(ocfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if err := orch.Register(); err != nil {
		rt.Close()
		return nil, err
	}
	rt.Orchestrator = orch

	return rt, nil
}

// Close stops the workers and the bus connection.
func (rt *Runtime) Close() error {
	if rt == nil {
		return nil
	}
	var err error
	if rt.Queue != nil {
		err = rt.Queue.Close()
	}
	if rt.Bus != nil {
		rt.Bus.Close()
	}
	return err
}
