package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"appbuilder/pkg/queue"
)

// Overall deployment statuses.
const (
	StatusQueued    = "queued"
	StatusWaiting   = "waiting"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// JobStatus is one stage job as reported in a deployment status.
type JobStatus struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Status       queue.State     `json:"status"`
	Progress     int             `json:"progress"`
	Attempts     int             `json:"attempts"`
	AttemptsMade int             `json:"attemptsMade"`
	DependsOn    string          `json:"dependsOn,omitempty"`
	RetriedBy    string          `json:"retriedBy,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Result       map[string]any  `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	RunAt        time.Time       `json:"runAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
}

// DeploymentStatus aggregates every job of a deployment.
type DeploymentStatus struct {
	DeploymentID  string      `json:"deploymentId"`
	OverallStatus string      `json:"overallStatus"`
	Progress      float64     `json:"progress"`
	Jobs          []JobStatus `json:"jobs"`
	Errors        []string    `json:"errors"`
}

// DeploymentSummary is one row of ListDeployments.
type DeploymentSummary struct {
	DeploymentID string    `json:"deploymentId"`
	AppName      string    `json:"appName"`
	Status       string    `json:"status"`
	Progress     float64   `json:"progress"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	JobCount     int       `json:"jobCount"`
}

// CancelResult is returned by CancelDeployment.
type CancelResult struct {
	DeploymentID  string `json:"deploymentId"`
	Status        string `json:"status"`
	CancelledJobs int64  `json:"cancelledJobs"`
}

// RetryResult is returned by RetryDeployment.
type RetryResult struct {
	DeploymentID string   `json:"deploymentId"`
	Status       string   `json:"status"`
	RetriedJobs  []string `json:"retriedJobs"`
}

// CleanupResult is returned by CleanupOldDeployments.
type CleanupResult struct {
	CleanedJobs int64     `json:"cleanedJobs"`
	CleanedDirs int       `json:"cleanedDirs"`
	Cutoff      time.Time `json:"cutoff"`
}

// Fold reduces a snapshot of a deployment's jobs to an overall status, the mean
// progress and the failure reasons. Jobs superseded by a retry are ignored.
func Fold(jobs []queue.Job, now time.Time) (string, float64, []string) {
	errs := []string{}
	var (
		counted, completed, total int
		failed, scheduled, active bool
	)
	for i := range jobs {
		job := &jobs[i]
		if job.Superseded() {
			continue
		}
		counted++
		switch job.State {
		case queue.StateCompleted:
			completed++
			total += 100
			continue
		case queue.StateFailed:
			failed = true
			errs = append(errs, job.FailedReason)
		case queue.StateActive:
			active = true
		case queue.StateWaiting:
			if job.Scheduled(now) {
				scheduled = true
			}
		}
		total += job.Progress
	}

	if counted == 0 {
		return StatusQueued, 0, errs
	}
	progress := float64(total) / float64(counted)
	switch {
	case failed:
		return StatusFailed, progress, errs
	case completed == counted:
		return StatusCompleted, progress, errs
	case scheduled:
		return StatusWaiting, progress, errs
	case active:
		return StatusActive, progress, errs
	default:
		return StatusQueued, progress, errs
	}
}

func jobStatus(job queue.Job) JobStatus {
	return JobStatus{
		ID:           job.ID,
		Name:         job.Name,
		Status:       job.State,
		Progress:     job.Progress,
		Attempts:     job.Options.Attempts,
		AttemptsMade: job.AttemptsMade,
		DependsOn:    job.Options.DependsOn,
		RetriedBy:    job.RetriedBy,
		Data:         job.Data,
		Result:       job.Result,
		Error:        job.FailedReason,
		CreatedAt:    job.CreatedAt,
		RunAt:        job.RunAt,
		ProcessedAt:  job.ProcessedAt,
		FinishedAt:   job.FinishedAt,
	}
}

// GetDeploymentStatus folds the current jobs of a deployment.
func (o *Orchestrator) GetDeploymentStatus(ctx context.Context, deploymentID string) (*DeploymentStatus, error) {
	if o == nil {
		return nil, errors.New("nil orchestrator")
	}
	jobs, err := o.queue.Jobs(ctx, queue.Filter{DeploymentID: deploymentID})
	if err != nil {
		return nil, fmt.Errorf("load deployment jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil, ErrDeploymentNotFound
	}

	overall, progress, errs := Fold(jobs, o.now().UTC())
	status := &DeploymentStatus{
		DeploymentID:  deploymentID,
		OverallStatus: overall,
		Progress:      progress,
		Jobs:          make([]JobStatus, 0, len(jobs)),
		Errors:        errs,
	}
	for _, job := range jobs {
		status.Jobs = append(status.Jobs, jobStatus(job))
	}
	return status, nil
}

// CancelDeployment removes the unfinished jobs of a deployment and its working
// directory. Finished jobs stay as history.
func (o *Orchestrator) CancelDeployment(ctx context.Context, deploymentID string) (*CancelResult, error) {
	if o == nil {
		return nil, errors.New("nil orchestrator")
	}
	jobs, err := o.queue.Jobs(ctx, queue.Filter{
		DeploymentID: deploymentID,
		States:       []queue.State{queue.StateWaiting, queue.StateActive},
	})
	if err != nil {
		return nil, fmt.Errorf("load deployment jobs: %w", err)
	}

	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}
	removed, err := o.queue.Remove(ctx, ids...)
	if err != nil {
		return nil, fmt.Errorf("remove jobs: %w", err)
	}

	if _, err := uuid.Parse(deploymentID); err == nil {
		if err := os.RemoveAll(o.WorkDir(deploymentID)); err != nil {
			return nil, fmt.Errorf("remove work dir: %w", err)
		}
	}

	o.logger.Info().Str("deployment_id", deploymentID).Int64("jobs", removed).Msg("deployment cancelled")
	return &CancelResult{DeploymentID: deploymentID, Status: "cancelled", CancelledJobs: removed}, nil
}

// ListDeployments groups every persisted job by deployment, newest first.
func (o *Orchestrator) ListDeployments(ctx context.Context, limit, offset int) ([]DeploymentSummary, error) {
	if o == nil {
		return nil, errors.New("nil orchestrator")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, err := o.queue.Jobs(ctx, queue.Filter{})
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	var order []string
	groups := make(map[string][]queue.Job)
	for _, job := range jobs {
		if _, ok := groups[job.DeploymentID]; !ok {
			order = append(order, job.DeploymentID)
		}
		groups[job.DeploymentID] = append(groups[job.DeploymentID], job)
	}

	now := o.now().UTC()
	summaries := make([]DeploymentSummary, 0, len(order))
	for _, id := range order {
		group := groups[id]
		summary := DeploymentSummary{
			DeploymentID: id,
			AppName:      unknownAppName,
			CreatedAt:    group[0].CreatedAt,
			UpdatedAt:    group[0].CreatedAt,
			JobCount:     len(group),
		}
		latest := group[0].CreatedAt
		for _, job := range group {
			if job.CreatedAt.Before(summary.CreatedAt) {
				summary.CreatedAt = job.CreatedAt
			}
			if !job.CreatedAt.Before(latest) && job.Options.Label != "" {
				latest = job.CreatedAt
				summary.AppName = job.Options.Label
			}
			updated := job.CreatedAt
			if job.ProcessedAt != nil {
				updated = *job.ProcessedAt
			}
			if updated.After(summary.UpdatedAt) {
				summary.UpdatedAt = updated
			}
		}
		summary.Status, summary.Progress, _ = Fold(group, now)
		summaries = append(summaries, summary)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})

	if offset >= len(summaries) {
		return []DeploymentSummary{}, nil
	}
	end := offset + limit
	if end > len(summaries) {
		end = len(summaries)
	}
	return summaries[offset:end], nil
}

// RetryDeployment re-enqueues the failed jobs of a deployment with their
// original options. Dependencies between retried jobs and waiting dependents
// are moved onto the new ids.
func (o *Orchestrator) RetryDeployment(ctx context.Context, deploymentID string) (*RetryResult, error) {
	if o == nil {
		return nil, errors.New("nil orchestrator")
	}
	jobs, err := o.queue.Jobs(ctx, queue.Filter{
		DeploymentID: deploymentID,
		States:       []queue.State{queue.StateFailed},
	})
	if err != nil {
		return nil, fmt.Errorf("load failed jobs: %w", err)
	}

	var failed []queue.Job
	for _, job := range jobs {
		if !job.Superseded() {
			failed = append(failed, job)
		}
	}
	if len(failed) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoFailedJobs, deploymentID)
	}

	remap := make(map[string]string, len(failed))
	retried := make([]string, 0, len(failed))
	for _, job := range failed {
		opts := queue.Options{
			Attempts:  job.Options.Attempts,
			Delay:     job.Options.Delay,
			Backoff:   job.Options.Backoff,
			DependsOn: job.Options.DependsOn,
			Label:     job.Options.Label,
		}
		if newID, ok := remap[opts.DependsOn]; ok {
			opts.DependsOn = newID
		}

		fresh, err := o.queue.Add(ctx, job.Name, deploymentID, job.Data, opts)
		if err != nil {
			return nil, fmt.Errorf("re-enqueue %s: %w", job.Name, err)
		}
		if err := o.queue.Supersede(ctx, job.ID, fresh.ID); err != nil {
			return nil, fmt.Errorf("supersede %s: %w", job.ID, err)
		}
		remap[job.ID] = fresh.ID
		retried = append(retried, fresh.ID)
	}

	o.logger.Info().Str("deployment_id", deploymentID).Strs("jobs", retried).Msg("deployment retried")
	return &RetryResult{DeploymentID: deploymentID, Status: "retried", RetriedJobs: retried}, nil
}

// CleanupOldDeployments removes finished jobs older than olderThanDays, along
// with the waiting stages that depended on them, and stale working directories.
func (o *Orchestrator) CleanupOldDeployments(ctx context.Context, olderThanDays int) (*CleanupResult, error) {
	if o == nil {
		return nil, errors.New("nil orchestrator")
	}
	if olderThanDays <= 0 {
		olderThanDays = defaultCleanupDays
	}
	cutoff := o.now().UTC().AddDate(0, 0, -olderThanDays)

	jobs, err := o.queue.Jobs(ctx, queue.Filter{States: []queue.State{queue.StateCompleted, queue.StateFailed}})
	if err != nil {
		return nil, fmt.Errorf("load finished jobs: %w", err)
	}
	var ids []string
	for _, job := range jobs {
		finished := job.CreatedAt
		if job.FinishedAt != nil {
			finished = *job.FinishedAt
		}
		if finished.Before(cutoff) {
			ids = append(ids, job.ID)
		}
	}
	removed, err := o.queue.Remove(ctx, ids...)
	if err != nil {
		return nil, fmt.Errorf("remove jobs: %w", err)
	}

	dirs, err := o.cleanupWorkDirs(cutoff)
	if err != nil {
		return nil, err
	}

	o.logger.Info().Int64("jobs", removed).Int("dirs", dirs).Time("cutoff", cutoff).Msg("old deployments cleaned up")
	return &CleanupResult{CleanedJobs: removed, CleanedDirs: dirs, Cutoff: cutoff}, nil
}

func (o *Orchestrator) cleanupWorkDirs(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(o.workRoot)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read work root: %w", err)
	}

	cleaned := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return cleaned, err
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(o.workRoot, entry.Name())); err != nil {
			return cleaned, fmt.Errorf("remove %s: %w", entry.Name(), err)
		}
		cleaned++
	}
	return cleaned, nil
}
