package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/opflow/pkg/schema"
)

// IsRetryableError reports whether a failed step attempt may run again.
// FlowErrors decide by code and a deadline is retryable. Cancellation and
// plain errors end the step.
func IsRetryableError(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	}
	if fe := (*schema.FlowError)(nil); errors.As(err, &fe) {
		return fe.IsRetryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ComputeBackoff returns the pause before retry attempt+1 under policy.
// A missing or unparsable delay means no pause; an unparsable max_delay is ignored.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil {
		return 0
	}
	base := parseDelay(policy.Delay)
	if base <= 0 {
		return 0
	}

	delay := base
	switch policy.Backoff {
	case "linear":
		delay = base * time.Duration(attempt+1)
	case "exponential":
		for range attempt {
			delay *= 2
			if limit := parseDelay(policy.MaxDelay); limit > 0 && delay >= limit {
				break
			}
		}
	}

	if limit := parseDelay(policy.MaxDelay); limit > 0 {
		delay = min(delay, limit)
	}
	return delay
}

func parseDelay(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// WaitForBackoff pauses for delay unless ctx ends first.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
