package models

import (
	"fmt"
	"net/http"
)

// MissingAssetError reports a file the pipeline cannot continue without.
type MissingAssetError struct {
	Stage string
	Path  string
}

func (e *MissingAssetError) Error() string {
	return fmt.Sprintf("%s: required asset missing: %s", e.Stage, e.Path)
}

// ExternalServiceError reports a failed call to an external API or model service.
type ExternalServiceError struct {
	Service    string
	StatusCode int
	Err        error
}

func (e *ExternalServiceError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: request failed with status %d: %v", e.Service, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: request failed: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is rate-limit or server-class and
// worth another attempt. Classification is by status code, never by message
// text.
func (e *ExternalServiceError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// ModelLoadError reports a workflow session that failed to load one of its
// model roles. The session is left unset so a retry redoes the full load.
type ModelLoadError struct {
	Session string
	Role    string
	Err     error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("session %s: failed to load %s: %v", e.Session, e.Role, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}
