// Package fleeterrors holds the controller-side error taxonomy:
// HttpError and TransientFleetError.
package fleeterrors

import (
	"fmt"
	"net/http"
)

// HttpError carries the status code and detail message the fleet HTTP API
// returns for a request that failed. 4xx for bad input, 404 for missing
// resources, 502 for an unreachable device, 500 for anything unexpected.
type HttpError struct {
	StatusCode int
	Detail     string
}

func (e *HttpError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Detail)
}

func NewNotFound(resource string) *HttpError {
	return &HttpError{StatusCode: http.StatusNotFound, Detail: resource + " not found"}
}

func NewBadRequest(detail string) *HttpError {
	return &HttpError{StatusCode: http.StatusBadRequest, Detail: detail}
}

func NewBadGateway(client string, cause error) *HttpError {
	return &HttpError{StatusCode: http.StatusBadGateway, Detail: fmt.Sprintf("client %s unreachable: %v", client, cause)}
}

func NewInternal(cause error) *HttpError {
	return &HttpError{StatusCode: http.StatusInternalServerError, Detail: cause.Error()}
}

// TransientFleetError reports a heartbeat-sink or proxied-command failure.
// Callers log and back off; it never aborts the controller.
type TransientFleetError struct {
	ClientName string
	Cause      error
}

func (e *TransientFleetError) Error() string {
	return fmt.Sprintf("transient fleet error for %s: %v", e.ClientName, e.Cause)
}

func (e *TransientFleetError) Unwrap() error { return e.Cause }
