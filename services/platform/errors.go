package platform

import (
	"errors"
	"fmt"
)

// APIError reports a failed press API call. Payload holds the remote response body.
type APIError struct {
	Endpoint   string
	StatusCode int
	Payload    string
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode == 0:
		return fmt.Sprintf("platform %s: %v", e.Endpoint, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("platform %s: status %d: %v", e.Endpoint, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("platform %s: status %d: %s", e.Endpoint, e.StatusCode, truncate(e.Payload, 512))
	}
}

func (e *APIError) Unwrap() error { return e.Err }

// StatusCode extracts the HTTP status from an *APIError chain, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
