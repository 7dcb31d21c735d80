package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"appbuilder/pkg/queue"
	"appbuilder/pkg/storage"
	"appbuilder/services/platform"
	"appbuilder/services/prd"
	"appbuilder/services/synth"
)

func (o *Orchestrator) startSpan(ctx context.Context, name string, job *queue.Job) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("deployment.id", job.DeploymentID),
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempt", job.AttemptsMade),
	))
}

func spanError(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// checkpoint records stage progress. A failed update is only logged.
func (o *Orchestrator) checkpoint(ctx context.Context, job *queue.Job, progress queue.ProgressFunc, pct int) {
	if err := progress(ctx, pct); err != nil {
		o.logger.Warn().Err(err).Str("job_id", job.ID).Int("progress", pct).Msg("record progress")
	}
}

func decodePayload(job *queue.Job) (payload, error) {
	var p payload
	if err := job.Decode(&p); err != nil {
		return p, queue.Permanent(fmt.Errorf("decode %s payload: %w", job.Name, err))
	}
	if p.DeploymentID == "" {
		p.DeploymentID = job.DeploymentID
	}
	p.AppConfig = p.AppConfig.WithDefaults()
	return p, nil
}

func (o *Orchestrator) generate(ctx context.Context, job *queue.Job, progress queue.ProgressFunc) (map[string]any, error) {
	ctx, span := o.startSpan(ctx, "orchestrator.generate", job)
	defer span.End()

	p, err := decodePayload(job)
	if err != nil {
		return nil, spanError(span, err)
	}
	logger := o.logger.With().Str("deployment_id", p.DeploymentID).Str("app", p.AppConfig.Name).Logger()

	o.checkpoint(ctx, job, progress, 10)
	logger.Info().Msg("generating app")

	workDir := o.WorkDir(p.DeploymentID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, spanError(span, fmt.Errorf("create work dir: %w", err))
	}
	o.checkpoint(ctx, job, progress, 20)

	model := prd.Extract(p.PRDContent)
	appPath, err := o.synth.Generate(ctx, model, p.AppConfig, workDir)
	if err != nil {
		if errors.Is(err, synth.ErrInvalidAppConfig) {
			err = queue.Permanent(err)
		}
		return nil, spanError(span, err)
	}
	o.checkpoint(ctx, job, progress, 60)

	if err := o.synth.Setup(ctx, appPath); err != nil {
		return nil, spanError(span, fmt.Errorf("setup app: %w", err))
	}
	o.checkpoint(ctx, job, progress, 80)

	pkg, err := o.synth.Package(ctx, appPath, p.AppConfig.Name)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("package app: %w", err))
	}
	o.checkpoint(ctx, job, progress, 100)

	logger.Info().Str("package", pkg.Path).Str("sha256", pkg.SHA256).Msg("app generation completed")
	return map[string]any{
		"deploymentId": p.DeploymentID,
		"appPath":      appPath,
		"packagePath":  pkg.Path,
		"sha256":       pkg.SHA256,
		"status":       "generated",
	}, nil
}

func (o *Orchestrator) deploy(ctx context.Context, job *queue.Job, progress queue.ProgressFunc) (map[string]any, error) {
	ctx, span := o.startSpan(ctx, "orchestrator.deploy", job)
	defer span.End()

	p, err := decodePayload(job)
	if err != nil {
		return nil, spanError(span, err)
	}
	app := p.AppConfig
	logger := o.logger.With().Str("deployment_id", p.DeploymentID).Str("app", app.Name).Logger()

	o.checkpoint(ctx, job, progress, 10)
	logger.Info().Msg("deploying app")

	workDir := o.WorkDir(p.DeploymentID)
	format := o.synth.Format()
	packagePath := synth.ArchivePath(workDir, app.Name, format)
	if _, err := os.Stat(packagePath); err != nil {
		return nil, spanError(span, fmt.Errorf("app package not found: %s: %w", packagePath, err))
	}
	o.checkpoint(ctx, job, progress, 30)

	artifact, err := o.storage.Upload(ctx, packagePath, storage.AppKey(app.Name, app.Version, format))
	if err != nil {
		return nil, spanError(span, fmt.Errorf("upload package: %w", err))
	}
	result := map[string]any{
		"deploymentId": p.DeploymentID,
		"cloudStorage": artifact,
		"status":       "deployed",
	}

	manifestPath := synth.ManifestPath(workDir, app.Name)
	if _, err := os.Stat(manifestPath); err == nil {
		manifest, err := o.storage.Upload(ctx, manifestPath, storage.AppKey(app.Name, app.Version, "manifest.yaml"))
		if err != nil {
			return nil, spanError(span, fmt.Errorf("upload manifest: %w", err))
		}
		result["manifest"] = manifest
	}
	o.checkpoint(ctx, job, progress, 60)

	if p.Deployment.UploadEnabled() && o.platform != nil {
		remote, err := o.platform.UploadApp(ctx, synth.AppPath(workDir, app.Name), app.Name)
		if err != nil {
			return nil, spanError(span, fmt.Errorf("upload app to platform: %w", err))
		}
		result["frappeCloud"] = remote
	} else {
		logger.Debug().Msg("platform upload skipped")
	}
	o.checkpoint(ctx, job, progress, 90)

	if err := os.RemoveAll(workDir); err != nil {
		return nil, spanError(span, fmt.Errorf("remove work dir: %w", err))
	}
	o.checkpoint(ctx, job, progress, 100)

	logger.Info().Str("key", artifact.Key).Msg("app deployment completed")
	return result, nil
}

func (o *Orchestrator) createSite(ctx context.Context, job *queue.Job, progress queue.ProgressFunc) (map[string]any, error) {
	ctx, span := o.startSpan(ctx, "orchestrator.create_site", job)
	defer span.End()

	p, err := decodePayload(job)
	if err != nil {
		return nil, spanError(span, err)
	}
	if o.platform == nil {
		return nil, spanError(span, queue.Permanent(errors.New("platform client is not configured")))
	}
	if err := o.dependencyCompleted(ctx, job); err != nil {
		return nil, spanError(span, err)
	}

	siteName := p.Deployment.Site(p.AppConfig.Name)
	span.SetAttributes(attribute.String("site.name", siteName))
	logger := o.logger.With().Str("deployment_id", p.DeploymentID).Str("site", siteName).Logger()

	o.checkpoint(ctx, job, progress, 10)
	logger.Info().Msg("creating site")

	site, err := o.platform.CreateSite(ctx, siteName, p.Deployment.Plan)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("create site: %w", err))
	}
	o.checkpoint(ctx, job, progress, 50)

	ready, err := o.waitForSite(ctx, siteName)
	if err != nil {
		var timeout *ReadinessTimeoutError
		if errors.As(err, &timeout) {
			err = queue.Permanent(err)
		}
		return nil, spanError(span, err)
	}
	o.checkpoint(ctx, job, progress, 80)

	installed, err := o.platform.InstallApp(ctx, siteName, p.AppConfig.Name, "")
	if err != nil {
		return nil, spanError(span, fmt.Errorf("install app: %w", err))
	}
	o.checkpoint(ctx, job, progress, 100)

	logger.Info().Msg("site creation completed")
	return map[string]any{
		"deploymentId":  p.DeploymentID,
		"siteName":      siteName,
		"siteStatus":    ready.Status,
		"createdSite":   site.Name,
		"installResult": installed,
		"status":        "site-ready",
	}, nil
}

// dependencyCompleted re-checks the stage a job depends on. The queue only
// claims jobs whose dependency completed, so a vanished dependency is permanent.
func (o *Orchestrator) dependencyCompleted(ctx context.Context, job *queue.Job) error {
	if job.Options.DependsOn == "" {
		return nil
	}
	dep, err := o.queue.Get(ctx, job.Options.DependsOn)
	if errors.Is(err, queue.ErrJobNotFound) {
		return queue.Permanent(fmt.Errorf("dependency %s no longer exists", job.Options.DependsOn))
	}
	if err != nil {
		return fmt.Errorf("load dependency: %w", err)
	}
	if dep.State != queue.StateCompleted {
		return fmt.Errorf("dependency %s is %s", dep.ID, dep.State)
	}
	return nil
}

// waitForSite polls until the site reports active. Poll errors are logged and
// polling continues until the readiness timeout.
func (o *Orchestrator) waitForSite(ctx context.Context, name string) (*platform.Site, error) {
	pollCtx, cancel := context.WithTimeout(ctx, o.readyTimeout)
	defer cancel()

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	var last string
	for {
		site, err := o.platform.GetSiteInfo(pollCtx, name)
		switch {
		case err != nil:
			if pollCtx.Err() == nil {
				o.logger.Warn().Err(err).Str("site", name).Msg("check site status")
			}
		case site.Status == platform.SiteStatusActive:
			return site, nil
		default:
			last = site.Status
			o.logger.Info().Str("site", name).Str("status", site.Status).Msg("site not ready yet")
		}

		select {
		case <-pollCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, &ReadinessTimeoutError{Site: name, Timeout: o.readyTimeout, LastStatus: last}
		case <-ticker.C:
		}
	}
}
