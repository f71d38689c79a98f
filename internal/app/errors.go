package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"commitnews/api/internal/feed"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Feed error codes reported per repository.
const (
	CodeSourceUnavailable     = "SOURCE_UNAVAILABLE"
	CodeRepositoryUnavailable = "REPOSITORY_UNAVAILABLE"
	CodeTimeout               = "TIMEOUT"
	CodeSyncFailed            = "SYNC_FAILED"
)

// classifySyncError reports the code of a failed feed pass and whether the
// next pass can be expected to succeed.
func classifySyncError(err error) (code string, retryable bool) {
	switch {
	case errors.Is(err, feed.ErrRepositoryUnavailable):
		return CodeRepositoryUnavailable, false
	case errors.Is(err, feed.ErrSourceUnavailable):
		return CodeSourceUnavailable, true
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout, true
	default:
		return CodeSyncFailed, true
	}
}

// syncDomainError turns a failed single-repository pass into a response.
func syncDomainError(err error) *DomainError {
	code, retryable := classifySyncError(err)
	status := http.StatusBadGateway
	if retryable {
		status = http.StatusServiceUnavailable
	}
	return domainError(status, code, err.Error(), map[string]any{"retryable": retryable})
}
