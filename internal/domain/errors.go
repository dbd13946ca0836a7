package domain

import (
	"context"
	"errors"
	"net/http"
)

var (
	ErrMissingAPIKey      = errors.New("missing API key")
	ErrInvalidAPIKey      = errors.New("invalid API key")
	ErrKeyInactive        = errors.New("API key is inactive")
	ErrBudgetExceeded     = errors.New("monthly budget exceeded")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrBackendValidation  = errors.New("backend validation error")
	ErrBackendThrottled   = errors.New("backend throttled")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrTimeout            = errors.New("request timed out")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	ErrForbidden          = errors.New("forbidden")

	ErrAPIKeyNotFound     = errors.New("API key not found")
	ErrAPIKeyExists       = errors.New("API key already exists")
	ErrAlreadyInactive    = errors.New("API key already inactive")
	ErrAggregateNotFound  = errors.New("usage aggregate not found")
	ErrConcurrentUpdate   = errors.New("concurrent aggregate update")
	ErrModelMappingAbsent = errors.New("model mapping not found")
)

// ErrorClass is the outward status, type and code for an error kind.
type ErrorClass struct {
	Status int
	Type   string
	Code   string
}

// Classify maps an error onto its outward class. Unknown errors are internal.
func Classify(err error) ErrorClass {
	switch {
	case errors.Is(err, ErrMissingAPIKey):
		return ErrorClass{http.StatusUnauthorized, "authentication_error", "missing_api_key"}
	case errors.Is(err, ErrInvalidAPIKey), errors.Is(err, ErrKeyInactive):
		return ErrorClass{http.StatusUnauthorized, "authentication_error", "invalid_api_key"}
	case errors.Is(err, ErrForbidden):
		return ErrorClass{http.StatusForbidden, "permission_error", "forbidden"}
	case errors.Is(err, ErrBudgetExceeded):
		return ErrorClass{http.StatusTooManyRequests, "insufficient_quota", "budget_exceeded"}
	case errors.Is(err, ErrRateLimitExceeded):
		return ErrorClass{http.StatusTooManyRequests, "rate_limit_error", "rate_limit_exceeded"}
	case errors.Is(err, ErrInvalidRequest):
		return ErrorClass{http.StatusBadRequest, "invalid_request_error", "invalid_request"}
	case errors.Is(err, ErrAPIKeyNotFound):
		return ErrorClass{http.StatusNotFound, "invalid_request_error", "not_found"}
	case errors.Is(err, ErrBackendValidation):
		return ErrorClass{http.StatusBadRequest, "invalid_request_error", "validation_error"}
	case errors.Is(err, ErrBackendThrottled):
		return ErrorClass{http.StatusTooManyRequests, "rate_limit_error", "rate_limit"}
	case errors.Is(err, ErrBackendUnavailable), errors.Is(err, ErrCircuitBreakerOpen):
		return ErrorClass{http.StatusServiceUnavailable, "server_error", "model_not_ready"}
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorClass{http.StatusGatewayTimeout, "server_error", "timeout"}
	default:
		return ErrorClass{http.StatusInternalServerError, "server_error", "internal_error"}
	}
}

// NewErrorBody builds the wire error for err. Internal errors hide their text.
func NewErrorBody(err error) (int, ErrorBody) {
	class := Classify(err)
	message := err.Error()
	if class.Code == "internal_error" {
		message = "internal server error"
	}
	return class.Status, ErrorBody{
		Error: ErrorDetail{
			Message: message,
			Type:    class.Type,
			Code:    class.Code,
		},
	}
}
