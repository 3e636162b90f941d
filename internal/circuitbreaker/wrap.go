package circuitbreaker

import (
	"github.com/objectfs/objectfs/pkg/errors"
)

// ForProviderConfig returns config with IsSuccessful set so the breaker
// only counts errors.IsRetryable failures against the backend; terminal
// errors like NotFound aren't signs of backend distress and shouldn't
// trip the breaker. internal/assembly applies this to every per-profile
// Config before handing it to a Manager.
func ForProviderConfig(config Config) Config {
	config.IsSuccessful = func(err error) bool {
		return err == nil || !errors.IsRetryable(err)
	}
	return config
}

// NewForProvider returns a standalone CircuitBreaker configured via
// ForProviderConfig, for callers that don't go through a Manager.
func NewForProvider(name string, config Config) *CircuitBreaker {
	return NewCircuitBreaker(name, ForProviderConfig(config))
}
