package orchestrator

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDeploymentNotFound is returned when no job carries the deployment id.
	ErrDeploymentNotFound = errors.New("deployment not found")
	// ErrNoFailedJobs is returned by RetryDeployment when nothing failed.
	ErrNoFailedJobs = errors.New("no failed jobs found for deployment")
)

// ReadinessTimeoutError reports a remote site that never became active.
type ReadinessTimeoutError struct {
	Site    string
	Timeout time.Duration
	// LastStatus is the status seen on the final successful poll, if any.
	LastStatus string
}

func (e *ReadinessTimeoutError) Error() string {
	msg := fmt.Sprintf("site %s did not become ready within %s", e.Site, e.Timeout)
	if e.LastStatus != "" {
		msg += " (last status " + e.LastStatus + ")"
	}
	return msg
}
