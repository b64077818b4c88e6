package resilience

import (
	"strings"
	"time"
)

// BackoffFromConfig builds the named backoff strategy from millisecond
// settings. Unknown names select linear.
func BackoffFromConfig(strategy string, baseMs, incrementMs, maxMs int, multiplier, jitter float64) Backoff {
	if strings.EqualFold(strings.TrimSpace(strategy), "exponential") {
		return ExponentialBackoff{
			Initial:    time.Duration(baseMs) * time.Millisecond,
			Multiplier: multiplier,
			Max:        time.Duration(maxMs) * time.Millisecond,
			Jitter:     jitter,
		}
	}
	return LinearBackoff{
		Base:      time.Duration(baseMs) * time.Millisecond,
		Increment: time.Duration(incrementMs) * time.Millisecond,
	}
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}
