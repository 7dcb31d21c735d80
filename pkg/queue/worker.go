package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
)

// Process registers handler for jobs named name with a fixed pool of workers.
// It must be called before Start.
func (q *Queue) Process(name string, concurrency int, handler Handler) error {
	if q == nil {
		return errors.New("nil queue")
	}
	if name == "" {
		return errors.New("job name is required")
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	if concurrency < 1 {
		concurrency = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return errors.New("queue already started")
	}
	if _, exists := q.handlers[name]; exists {
		return fmt.Errorf("handler for %q already registered", name)
	}
	q.handlers[name] = &registration{
		handler:     handler,
		concurrency: concurrency,
		wake:        make(chan struct{}, concurrency),
	}
	return nil
}

// Start recovers stalled jobs and launches the worker pools registered with Process.
func (q *Queue) Start(ctx context.Context) error {
	if q == nil {
		return errors.New("nil queue")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	recovered, err := q.RecoverStalled(ctx)
	if err != nil {
		return fmt.Errorf("recover stalled jobs: %w", err)
	}
	if recovered > 0 {
		q.log.Info().Int("jobs", recovered).Msg("returned stalled jobs to waiting")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return errors.New("queue already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for name, reg := range q.handlers {
		if q.cfg.Notifier != nil {
			sub, err := q.cfg.Notifier.Subscribe(runCtx, q.subject(name), durableName(name), func(context.Context, []byte) error {
				reg.signal()
				return nil
			})
			if err != nil {
				q.log.Warn().Err(err).Str("job", name).Msg("subscribe wake-ups, falling back to polling")
			} else {
				q.subs = append(q.subs, sub)
			}
		}

		for i := 0; i < reg.concurrency; i++ {
			q.wg.Add(1)
			go q.work(runCtx, name, reg)
		}
		q.log.Info().Str("job", name).Int("concurrency", reg.concurrency).Msg("workers started")
	}
	return nil
}

// Close stops the workers and waits for running jobs to finish.
func (q *Queue) Close() error {
	if q == nil {
		return nil
	}

	q.mu.Lock()
	cancel := q.cancel
	subs := q.subs
	q.subs = nil
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()

	var firstErr error
	for _, sub := range subs {
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func durableName(name string) string {
	return "appbuilder-" + strings.NewReplacer(".", "-", "*", "-", ">", "-", " ", "-").Replace(name)
}

func (q *Queue) work(ctx context.Context, name string, reg *registration) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil {
			ran, err := q.ProcessNext(ctx, name)
			if err != nil {
				if ctx.Err() == nil {
					q.log.Error().Err(err).Str("job", name).Msg("process next job")
				}
				break
			}
			if !ran {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-reg.wake:
		}
	}
}

// ProcessNext claims one runnable job named name and executes it synchronously.
// It reports false when nothing was runnable.
func (q *Queue) ProcessNext(ctx context.Context, name string) (bool, error) {
	if q == nil {
		return false, errors.New("nil queue")
	}

	q.mu.Lock()
	reg := q.handlers[name]
	q.mu.Unlock()
	if reg == nil {
		return false, fmt.Errorf("no handler registered for %q", name)
	}

	model, err := q.claim(ctx, name)
	if err != nil || model == nil {
		return false, err
	}

	q.execute(ctx, reg.handler, model)
	return true, nil
}

func (q *Queue) claim(ctx context.Context, name string) (*jobModel, error) {
	now := q.now()
	for {
		var candidates []jobModel
		err := q.orm.WithContext(ctx).
			Where("name = ? AND state = ? AND run_at <= ?", name, StateWaiting, now).
			Where("(depends_on IS NULL OR depends_on = '' OR EXISTS (SELECT 1 FROM jobs d WHERE d.id = jobs.depends_on AND d.state = ?))", StateCompleted).
			Order("run_at ASC").
			Order("id ASC").
			Limit(claimBatch).
			Find(&candidates).Error
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, nil
		}

		for i := range candidates {
			candidate := &candidates[i]
			res := q.orm.WithContext(ctx).Model(&jobModel{}).
				Where("id = ? AND state = ?", candidate.ID, StateWaiting).
				Updates(map[string]any{
					"state":         StateActive,
					"processed_at":  now,
					"attempts_made": candidate.AttemptsMade + 1,
				})
			if res.Error != nil {
				return nil, res.Error
			}
			if res.RowsAffected != 1 {
				// another worker won the race
				continue
			}

			candidate.State = StateActive
			candidate.ProcessedAt = &now
			candidate.AttemptsMade++
			return candidate, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (q *Queue) execute(ctx context.Context, handler Handler, model *jobModel) {
	job := model.toAPI()
	logger := q.log.With().
		Str("job", job.Name).
		Str("job_id", job.ID).
		Str("deployment_id", job.DeploymentID).
		Int("attempt", job.AttemptsMade).
		Logger()

	progress := func(pctx context.Context, pct int) error {
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		return q.orm.WithContext(pctx).Model(&jobModel{}).
			Where("id = ? AND state = ?", job.ID, StateActive).
			Update("progress", pct).Error
	}

	start := time.Now()
	result, err := runHandler(ctx, handler, &job, progress)
	jobDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())

	// bookkeeping must land even when the worker is shutting down
	bookCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		q.complete(bookCtx, &job, result, logger)
	case ctx.Err() != nil:
		q.release(bookCtx, &job, logger)
	default:
		q.fail(bookCtx, &job, err, logger)
	}
}

func runHandler(ctx context.Context, handler Handler, job *Job, progress ProgressFunc) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job, progress)
}

func (q *Queue) complete(ctx context.Context, job *Job, result map[string]any, logger zerolog.Logger) {
	finished := q.now()
	res := q.orm.WithContext(ctx).Model(&jobModel{}).
		Where("id = ? AND state = ?", job.ID, StateActive).
		Updates(map[string]any{
			"state":         StateCompleted,
			"progress":      100,
			"result":        datatypes.JSONMap(result),
			"failed_reason": "",
			"finished_at":   finished,
		})
	if res.Error != nil {
		logger.Error().Err(res.Error).Msg("mark job completed")
		return
	}
	if res.RowsAffected == 0 {
		logger.Info().Msg("job removed while running, result discarded")
		return
	}
	jobsFinished.WithLabelValues(job.Name, string(StateCompleted)).Inc()
	logger.Info().Msg("job completed")
}

func (q *Queue) fail(ctx context.Context, job *Job, cause error, logger zerolog.Logger) {
	now := q.now()
	updates := map[string]any{"failed_reason": cause.Error()}

	retry := !IsPermanent(cause) && job.AttemptsMade < job.Options.Attempts
	if retry {
		updates["state"] = StateWaiting
		updates["run_at"] = now.Add(job.Options.Backoff.Wait(job.AttemptsMade))
	} else {
		updates["state"] = StateFailed
		updates["finished_at"] = now
	}

	res := q.orm.WithContext(ctx).Model(&jobModel{}).
		Where("id = ? AND state = ?", job.ID, StateActive).
		Updates(updates)
	if res.Error != nil {
		logger.Error().Err(res.Error).Msg("record job failure")
		return
	}
	if res.RowsAffected == 0 {
		logger.Info().Err(cause).Msg("job removed while running, failure discarded")
		return
	}

	if retry {
		logger.Warn().Err(cause).Time("run_at", updates["run_at"].(time.Time)).Msg("job attempt failed, retry scheduled")
		return
	}
	jobsFinished.WithLabelValues(job.Name, string(StateFailed)).Inc()
	logger.Error().Err(cause).Msg("job failed")
}

func (q *Queue) release(ctx context.Context, job *Job, logger zerolog.Logger) {
	attempts := job.AttemptsMade - 1
	if attempts < 0 {
		attempts = 0
	}
	err := q.orm.WithContext(ctx).Model(&jobModel{}).
		Where("id = ? AND state = ?", job.ID, StateActive).
		Updates(map[string]any{
			"state":         StateWaiting,
			"attempts_made": attempts,
		}).Error
	if err != nil {
		logger.Error().Err(err).Msg("release interrupted job")
		return
	}
	logger.Info().Msg("worker stopping, job returned to waiting")
}

// RecoverStalled returns active jobs whose worker went away back to waiting
// without charging the interrupted attempt.
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	if q == nil {
		return 0, errors.New("nil queue")
	}

	var active []jobModel
	if err := q.orm.WithContext(ctx).Where("state = ?", StateActive).Find(&active).Error; err != nil {
		return 0, err
	}

	cutoff := q.now().Add(-q.cfg.StallTimeout)
	recovered := 0
	for _, m := range active {
		if m.ProcessedAt != nil && m.ProcessedAt.After(cutoff) {
			continue
		}
		attempts := m.AttemptsMade - 1
		if attempts < 0 {
			attempts = 0
		}
		res := q.orm.WithContext(ctx).Model(&jobModel{}).
			Where("id = ? AND state = ?", m.ID, StateActive).
			Updates(map[string]any{"state": StateWaiting, "attempts_made": attempts})
		if res.Error != nil {
			return recovered, res.Error
		}
		recovered += int(res.RowsAffected)
	}
	return recovered, nil
}
