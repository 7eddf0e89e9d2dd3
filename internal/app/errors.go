package app

import (
	"errors"
	"fmt"
	"net/http"

	"docagent/api/internal/engine"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// statusForResult picks the HTTP status reported alongside an operation
// result. The body always carries the result itself.
func statusForResult(res engine.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Code {
	case engine.CodeNotFound:
		return http.StatusNotFound
	case engine.CodeInvalidSelection, engine.CodeInvalidArgument:
		return http.StatusUnprocessableEntity
	case engine.CodeTransformFailure:
		return http.StatusConflict
	case engine.CodeSyncTimeout:
		return http.StatusGatewayTimeout
	case engine.CodeConnectFailed:
		return http.StatusBadGateway
	case engine.CodeExportUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
