package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	defaultPollInterval  = time.Second
	defaultStallTimeout  = 15 * time.Minute
	defaultSubjectPrefix = "appbuilder.jobs"
	claimBatch           = 25
)

// ErrJobNotFound is returned by Get for unknown ids.
var ErrJobNotFound = errors.New("job not found")

// Notifier carries wake-up signals between processes sharing the store.
// *bus.Bus satisfies it.
type Notifier interface {
	Publish(ctx context.Context, subj string, v any) error
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// ProgressFunc records the completion percentage of the running job.
type ProgressFunc func(ctx context.Context, pct int) error

// Handler executes one attempt of a job. The returned map is stored as the job result.
type Handler func(ctx context.Context, job *Job, progress ProgressFunc) (map[string]any, error)

// Config tunes worker behaviour.
type Config struct {
	PollInterval  time.Duration
	StallTimeout  time.Duration
	SubjectPrefix string
	Notifier      Notifier
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Filter narrows Jobs results. Empty fields match everything.
type Filter struct {
	DeploymentID string
	Names        []string
	States       []State
}

type registration struct {
	handler     Handler
	concurrency int
	wake        chan struct{}
}

func (r *registration) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Queue is a durable job queue persisted through gorm.
type Queue struct {
	orm *gorm.DB
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	handlers map[string]*registration
	cancel   context.CancelFunc
	subs     []io.Closer
	wg       sync.WaitGroup
}

// New creates a queue bound to orm. The jobs table must already be migrated.
func New(orm *gorm.DB, cfg Config) (*Queue, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = defaultStallTimeout
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaultSubjectPrefix
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Queue{
		orm:      orm,
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "queue").Logger(),
		handlers: make(map[string]*registration),
	}, nil
}

func (q *Queue) now() time.Time {
	return q.cfg.Now().UTC()
}

func (q *Queue) subject(name string) string {
	return q.cfg.SubjectPrefix + "." + name
}

// Add persists a new waiting job and signals workers for name.
func (q *Queue) Add(ctx context.Context, name, deploymentID string, data any, opts Options) (*Job, error) {
	if q == nil {
		return nil, errors.New("nil queue")
	}
	if name == "" {
		return nil, errors.New("job name is required")
	}

	payload, err := encodeData(data)
	if err != nil {
		return nil, fmt.Errorf("encode job data: %w", err)
	}
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}

	now := q.now()
	model := jobModel{
		ID:             uuid.NewString(),
		Name:           name,
		DeploymentID:   deploymentID,
		Label:          opts.Label,
		DependsOn:      opts.DependsOn,
		Data:           payload,
		Attempts:       opts.Attempts,
		BackoffType:    string(opts.Backoff.Type),
		BackoffDelayMS: opts.Backoff.Delay.Milliseconds(),
		DelayMS:        opts.Delay.Milliseconds(),
		State:          StateWaiting,
		CreatedAt:      now,
		RunAt:          now.Add(opts.Delay),
	}
	if err := q.orm.WithContext(ctx).Create(&model).Error; err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	jobsEnqueued.WithLabelValues(name).Inc()
	q.notify(ctx, name, model.ID)

	job := model.toAPI()
	return &job, nil
}

func (q *Queue) notify(ctx context.Context, name, id string) {
	q.mu.Lock()
	reg := q.handlers[name]
	q.mu.Unlock()
	if reg != nil {
		reg.signal()
	}

	if q.cfg.Notifier == nil {
		return
	}
	if err := q.cfg.Notifier.Publish(ctx, q.subject(name), map[string]string{"id": id}); err != nil {
		q.log.Warn().Err(err).Str("job", name).Msg("publish wake-up")
	}
}

// Get returns the job with the given id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	if q == nil {
		return nil, errors.New("nil queue")
	}
	var model jobModel
	err := q.orm.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	job := model.toAPI()
	return &job, nil
}

// Jobs returns the jobs matching f ordered by enqueue time.
func (q *Queue) Jobs(ctx context.Context, f Filter) ([]Job, error) {
	if q == nil {
		return nil, errors.New("nil queue")
	}

	query := q.orm.WithContext(ctx).Model(&jobModel{})
	if f.DeploymentID != "" {
		query = query.Where("deployment_id = ?", f.DeploymentID)
	}
	if len(f.Names) > 0 {
		query = query.Where("name IN ?", f.Names)
	}
	if len(f.States) > 0 {
		query = query.Where("state IN ?", f.States)
	}

	var models []jobModel
	if err := query.Order("created_at ASC").Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(models))
	for _, m := range models {
		jobs = append(jobs, m.toAPI())
	}
	return jobs, nil
}

// Remove deletes jobs by id regardless of state, together with the waiting
// jobs that depend on them, and returns how many rows went away.
// A worker still running a removed job finishes, but its result is discarded.
func (q *Queue) Remove(ctx context.Context, ids ...string) (int64, error) {
	if q == nil {
		return 0, errors.New("nil queue")
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var removed int64
	err := q.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doomed := append([]string(nil), ids...)
		for frontier := ids; len(frontier) > 0; {
			var next []string
			if err := tx.Model(&jobModel{}).
				Where("depends_on IN ? AND state = ?", frontier, StateWaiting).
				Pluck("id", &next).Error; err != nil {
				return err
			}
			doomed = append(doomed, next...)
			frontier = next
		}

		res := tx.Where("id IN ?", doomed).Delete(&jobModel{})
		removed = res.RowsAffected
		return res.Error
	})
	return removed, err
}

// Supersede records that newID replaced the failed job oldID and moves
// waiting dependents of oldID onto newID.
func (q *Queue) Supersede(ctx context.Context, oldID, newID string) error {
	if q == nil {
		return errors.New("nil queue")
	}
	return q.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&jobModel{}).
			Where("id = ?", oldID).
			Update("retried_by", newID).Error; err != nil {
			return err
		}
		return tx.Model(&jobModel{}).
			Where("depends_on = ? AND state = ?", oldID, StateWaiting).
			Update("depends_on", newID).Error
	})
}

func encodeData(v any) (datatypes.JSON, error) {
	switch data := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return datatypes.JSON(append([]byte(nil), data...)), nil
	case []byte:
		return datatypes.JSON(append([]byte(nil), data...)), nil
	default:
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		return datatypes.JSON(raw), nil
	}
}
