package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/flowrun/pkg/schema"
)

func TestIsRetryableError_Nil(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
}

func TestIsRetryableError_ContextCanceled(t *testing.T) {
	assert.False(t, IsRetryableError(context.Canceled))
	assert.False(t, IsRetryableError(fmt.Errorf("wrapped: %w", context.Canceled)))
}

func TestIsRetryableError_Retryable(t *testing.T) {
	for _, err := range []error{
		errors.New("plain"),
		context.DeadlineExceeded,
		schema.NewError(schema.ErrCodeStepExecution, "agent failed"),
		schema.NewError(schema.ErrCodeStepTimeout, "step timed out"),
		schema.NewError(schema.ErrCodeStore, "database connection lost"),
	} {
		assert.True(t, IsRetryableError(err), "%v", err)
	}
}

func TestIsRetryableError_NonRetryable(t *testing.T) {
	for _, code := range []string{
		schema.ErrCodeConfiguration,
		schema.ErrCodeValidation,
		schema.ErrCodeGraphValidation,
		schema.ErrCodeSchedulingInvariant,
		schema.ErrCodeRunTimeout,
		schema.ErrCodeCancelled,
	} {
		err := fmt.Errorf("outer: %w", schema.NewError(code, "test"))
		assert.False(t, IsRetryableError(err), "expected %s to be non-retryable", code)
	}
}

func TestRetryDelay_Linear(t *testing.T) {
	s := &schema.Step{RetryDelayMs: 100}
	assert.Equal(t, 100*time.Millisecond, RetryDelay(s, 0))
	assert.Equal(t, 200*time.Millisecond, RetryDelay(s, 1))
	assert.Equal(t, 500*time.Millisecond, RetryDelay(s, 4))
	assert.Zero(t, RetryDelay(&schema.Step{}, 3))
	assert.Zero(t, RetryDelay(nil, 1))
}

func TestShouldRetry(t *testing.T) {
	boom := errors.New("boom")
	retry := &schema.Step{OnError: schema.OnErrorRetry, RetryCount: 2}

	assert.True(t, ShouldRetry(retry, 0, boom))
	assert.True(t, ShouldRetry(retry, 1, boom))
	assert.False(t, ShouldRetry(retry, 2, boom), "attempts exhausted")
	assert.False(t, ShouldRetry(retry, 0, schema.NewError(schema.ErrCodeConfiguration, "bad")))

	assert.False(t, ShouldRetry(&schema.Step{OnError: schema.OnErrorRetry}, 0, boom), "retry count 0")
	assert.False(t, ShouldRetry(&schema.Step{OnError: schema.OnErrorContinue, RetryCount: 3}, 0, boom))
	assert.False(t, ShouldRetry(&schema.Step{RetryCount: 3}, 0, boom), "default policy is FAIL")
}
