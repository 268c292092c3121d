package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/flowrun/pkg/schema"
)

// IsRetryableError classifies whether a failed step attempt may be retried.
// Configuration and validation problems fail the same way every time, and a
// cancelled context means the run is shutting down.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch schema.CodeOf(err) {
	case schema.ErrCodeConfiguration,
		schema.ErrCodeValidation,
		schema.ErrCodeGraphValidation,
		schema.ErrCodeSchedulingInvariant,
		schema.ErrCodeRunTimeout,
		schema.ErrCodeCancelled:
		return false
	}
	return true
}

// RetryDelay returns the linear backoff before retry number attempt+1:
// RetryDelayMs * (attempt+1).
func RetryDelay(step *schema.Step, attempt int) time.Duration {
	if step == nil || step.RetryDelayMs <= 0 {
		return 0
	}
	return time.Duration(step.RetryDelayMs) * time.Millisecond * time.Duration(attempt+1)
}

// ShouldRetry reports whether a failure on attempt (zero based) gets another try.
func ShouldRetry(step *schema.Step, attempt int, err error) bool {
	return step.ErrorPolicy() == schema.OnErrorRetry &&
		attempt < step.RetryCount &&
		IsRetryableError(err)
}
