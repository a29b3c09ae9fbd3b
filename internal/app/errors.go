package app

import (
	"errors"
	"fmt"
	"net/http"

	"storymap/api/internal/gateway"
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

func mapError(err error) (int, string, string, any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		switch gwErr.Kind {
		case gateway.KindUnauthenticated:
			return http.StatusUnauthorized, "UNAUTHENTICATED", gwErr.Message, nil
		case gateway.KindValidation:
			return http.StatusUnprocessableEntity, "VALIDATION_ERROR", gwErr.Message, nil
		case gateway.KindNotFound:
			return http.StatusNotFound, "NOT_FOUND", gwErr.Message, nil
		case gateway.KindPartialBatch:
			return http.StatusInternalServerError, "PARTIAL_BATCH", gwErr.Message, map[string]any{"failedIds": gwErr.FailedIDs}
		default:
			return http.StatusInternalServerError, "SERVER_ERROR", gwErr.Message, nil
		}
	}

	return http.StatusInternalServerError, "SERVER_ERROR", "Internal server error", nil
}
