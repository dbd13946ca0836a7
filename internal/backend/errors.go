package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/felipepmaragno/bedrock-gateway/internal/domain"
	"github.com/felipepmaragno/bedrock-gateway/internal/metrics"
)

// classify wraps a Bedrock SDK error with the matching domain sentinel.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		metrics.RecordBackendError("timeout")
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var (
		validation  *types.ValidationException
		throttling  *types.ThrottlingException
		quota       *types.ServiceQuotaExceededException
		notReady    *types.ModelNotReadyException
		unavailable *types.ServiceUnavailableException
		modelTO     *types.ModelTimeoutException
		notFound    *types.ResourceNotFoundException
		denied      *types.AccessDeniedException
	)

	var kind error
	var label string
	switch {
	case errors.As(err, &validation):
		kind, label = domain.ErrBackendValidation, "validation"
	case errors.As(err, &notFound):
		kind, label = domain.ErrBackendValidation, "not_found"
	case errors.As(err, &throttling), errors.As(err, &quota):
		kind, label = domain.ErrBackendThrottled, "throttled"
	case errors.As(err, &notReady), errors.As(err, &unavailable):
		kind, label = domain.ErrBackendUnavailable, "unavailable"
	case errors.As(err, &modelTO):
		kind, label = domain.ErrTimeout, "timeout"
	case errors.As(err, &denied):
		kind, label = domain.ErrForbidden, "access_denied"
	default:
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			label, kind = classifyCode(apiErr.ErrorCode())
		}
	}

	if kind == nil {
		metrics.RecordBackendError("internal")
		return fmt.Errorf("bedrock: %w", err)
	}
	metrics.RecordBackendError(label)
	return fmt.Errorf("%w: %s", kind, message(err))
}

func classifyCode(code string) (string, error) {
	switch code {
	case "ValidationException":
		return "validation", domain.ErrBackendValidation
	case "ThrottlingException", "ServiceQuotaExceededException", "TooManyRequestsException":
		return "throttled", domain.ErrBackendThrottled
	case "ModelNotReadyException", "ServiceUnavailableException", "ServiceUnavailable":
		return "unavailable", domain.ErrBackendUnavailable
	}
	return "", nil
}

func message(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorMessage() != "" {
		return apiErr.ErrorMessage()
	}
	return err.Error()
}

// tripsBreaker reports whether err signals an unhealthy backend rather than
// a bad request.
func tripsBreaker(err error) bool {
	return errors.Is(err, domain.ErrBackendUnavailable) ||
		errors.Is(err, domain.ErrBackendThrottled)
}
