package resilience

import (
	"net/http"
	"strings"
)

// StatusPolicy decides which HTTP responses are worth another attempt.
type StatusPolicy interface {
	// Name identifies the policy in logs and config.
	Name() string
	// Retryable reports whether a response with this status should be retried.
	Retryable(status int) bool
	// HonorRetryAfter reports whether Retry-After headers extend the wait.
	HonorRetryAfter() bool
}

// LenientPolicy treats 202 Accepted and every non-2xx status as retryable.
type LenientPolicy struct{}

func (LenientPolicy) Name() string { return "lenient" }

func (LenientPolicy) Retryable(status int) bool {
	return status == http.StatusAccepted || status < 200 || status > 299
}

func (LenientPolicy) HonorRetryAfter() bool { return false }

// StrictPolicy retries only 202, 408, 429 and 5xx and honors Retry-After.
// Other client errors fail on the first attempt.
type StrictPolicy struct{}

func (StrictPolicy) Name() string { return "strict" }

func (StrictPolicy) Retryable(status int) bool { return IsTransientHTTPStatus(status) }

func (StrictPolicy) HonorRetryAfter() bool { return true }

// PolicyByName returns the named policy, defaulting to LenientPolicy.
func PolicyByName(name string) StatusPolicy {
	if strings.EqualFold(strings.TrimSpace(name), "strict") {
		return StrictPolicy{}
	}
	return LenientPolicy{}
}
