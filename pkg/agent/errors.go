package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error envelope codes returned by the runtime agent.
const (
	CodeVolumeNotFound   = "VOLUME_NOT_FOUND"
	CodeContainerRunning = "CONTAINER_RUNNING"
	CodeArchiveNotFound  = "ARCHIVE_NOT_FOUND"
	CodeJobFailed        = "JOB_FAILED"
	CodeVolumeInUse      = "VOLUME_IN_USE"
	CodeImagePull        = "IMAGE_PULL_FAILED"
)

// APIError is a structured failure from the runtime agent.
type APIError struct {
	Status  int    // HTTP status code
	Code    string // error envelope code
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agent error %d %s: %s", e.Status, e.Code, e.Message)
}

// TransportError wraps a network-level failure reaching the agent.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("agent unreachable: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransient classifies an error as worth retrying: 5xx, rate limiting,
// timeouts and connection-level failures.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == http.StatusTooManyRequests
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsPermanent reports whether the error should fail the operation
// immediately: any 4xx other than 429.
func IsPermanent(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 400 && apiErr.Status < 500 &&
			apiErr.Status != http.StatusTooManyRequests
	}
	return false
}

// VolumeInUse reports whether the agent rejected a volume delete because a
// job still holds it. The operation is simply retried next tick.
func VolumeInUse(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == CodeVolumeInUse
}
