package queue

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
)

// State is the lifecycle position of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no worker will touch a job in this state again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// BackoffType selects how the wait between attempts grows.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff describes the wait applied before a failed job is retried.
type Backoff struct {
	Type  BackoffType   `json:"type,omitempty"`
	Delay time.Duration `json:"delay,omitempty"`
}

// Wait returns the delay before the next attempt once attemptsMade attempts have failed.
func (b Backoff) Wait(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	switch b.Type {
	case BackoffExponential:
		n := attemptsMade - 1
		if n < 0 {
			n = 0
		}
		if n > 20 {
			n = 20
		}
		return b.Delay * time.Duration(1<<n)
	case BackoffFixed:
		return b.Delay
	default:
		return 0
	}
}

// Options control scheduling and retry of a single job.
type Options struct {
	Attempts  int           `json:"attempts"`
	Delay     time.Duration `json:"delay,omitempty"`
	Backoff   Backoff       `json:"backoff"`
	DependsOn string        `json:"dependsOn,omitempty"`
	Label     string        `json:"label,omitempty"`
}

// Job is a snapshot of a persisted unit of work.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	DeploymentID string          `json:"deploymentId"`
	Data         json.RawMessage `json:"data,omitempty"`
	Options      Options         `json:"options"`
	State        State           `json:"state"`
	Progress     int             `json:"progress"`
	AttemptsMade int             `json:"attemptsMade"`
	FailedReason string          `json:"failedReason,omitempty"`
	Result       map[string]any  `json:"result,omitempty"`
	RetriedBy    string          `json:"retriedBy,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	RunAt        time.Time       `json:"runAt"`
	ProcessedAt  *time.Time      `json:"processedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if j == nil {
		return errors.New("nil job")
	}
	if len(j.Data) == 0 {
		return errors.New("job has no payload")
	}
	return json.Unmarshal(j.Data, v)
}

// Scheduled reports whether the job is waiting on its delay or backoff at now.
func (j *Job) Scheduled(now time.Time) bool {
	return j.State == StateWaiting && j.RunAt.After(now)
}

// Superseded reports whether a retry replaced this job.
func (j *Job) Superseded() bool {
	return j.RetriedBy != ""
}

type jobModel struct {
	ID             string `gorm:"primaryKey"`
	Name           string
	DeploymentID   string
	Label          string
	DependsOn      string
	Data           datatypes.JSON
	Attempts       int
	BackoffType    string
	BackoffDelayMS int64
	DelayMS        int64
	State          State
	Progress       int
	AttemptsMade   int
	FailedReason   string
	Result         datatypes.JSONMap
	RetriedBy      string
	CreatedAt      time.Time
	RunAt          time.Time
	ProcessedAt    *time.Time
	FinishedAt     *time.Time
}

func (jobModel) TableName() string { return "jobs" }

func (m jobModel) toAPI() Job {
	job := Job{
		ID:           m.ID,
		Name:         m.Name,
		DeploymentID: m.DeploymentID,
		Options: Options{
			Attempts:  m.Attempts,
			Delay:     time.Duration(m.DelayMS) * time.Millisecond,
			Backoff:   Backoff{Type: BackoffType(m.BackoffType), Delay: time.Duration(m.BackoffDelayMS) * time.Millisecond},
			DependsOn: m.DependsOn,
			Label:     m.Label,
		},
		State:        m.State,
		Progress:     m.Progress,
		AttemptsMade: m.AttemptsMade,
		FailedReason: m.FailedReason,
		RetriedBy:    m.RetriedBy,
		CreatedAt:    m.CreatedAt,
		RunAt:        m.RunAt,
		ProcessedAt:  m.ProcessedAt,
		FinishedAt:   m.FinishedAt,
	}
	if len(m.Data) > 0 {
		job.Data = json.RawMessage(m.Data)
	}
	if len(m.Result) > 0 {
		job.Result = map[string]any(m.Result)
	}
	return job
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so the job fails immediately without using its remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
