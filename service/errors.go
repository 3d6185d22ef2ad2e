package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/songzhibin97/process-engine/types"
)

var (
	ErrUnsupportedServiceType = errors.New("unsupported service type")
	ErrMissingConfiguration   = errors.New("missing service configuration")
	ErrMissingEndpoint        = errors.New("service endpoint is not configured")
	ErrUnexpectedStatus       = errors.New("unexpected response status")
	ErrValidationFailed       = errors.New("validation rule failed")
	// ErrInvalidExecutionState is returned when cancelling or retrying an
	// execution whose status does not allow it.
	ErrInvalidExecutionState = errors.New("invalid execution state")
)

const bodyExcerptBytes = 256

// errorDetails describes a failed execution as "<kind>: <root cause>", plus
// the start of the response body for non-2xx answers.
func errorDetails(err error, res types.ServiceExecutionResult) string {
	var urlErr *url.Error
	kind := "error"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = "timeout"
	case errors.Is(err, context.Canceled):
		kind = "cancelled"
	case errors.Is(err, ErrUnexpectedStatus):
		kind = fmt.Sprintf("http status %d", res.HTTPStatusCode)
	case errors.As(err, &urlErr):
		kind = "transport"
	case errors.Is(err, ErrValidationFailed):
		kind = "validation"
	case errors.Is(err, ErrMissingConfiguration), errors.Is(err, ErrMissingEndpoint), errors.Is(err, ErrUnsupportedServiceType):
		kind = "configuration"
	}

	details := kind + ": " + rootCause(err).Error()
	if errors.Is(err, ErrUnexpectedStatus) && res.ResponseData != "" {
		body := res.ResponseData
		if len(body) > bodyExcerptBytes {
			body = body[:bodyExcerptBytes] + "..."
		}
		details += "; body: " + body
	}
	return details
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
