package provider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CircuitState mirrors the closed/open/half-open machine from the teacher's
// internal/application/executor/circuit_breaker.go, narrowed here to trip
// only on ProviderTransient failures (§7): a permanent error (auth, 4xx)
// must not open the breaker, since retrying it would never help and SPEC
// says it is "not recovered" regardless of breaker state.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures trip/recovery thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreakerProvider wraps a ModelProvider, fast-failing Chat calls while
// the breaker is open.
type CircuitBreakerProvider struct {
	inner  ModelProvider
	config CircuitBreakerConfig

	mu                   sync.Mutex
	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
}

// WithCircuitBreaker wraps inner with transient-error circuit breaking.
func WithCircuitBreaker(inner ModelProvider, config CircuitBreakerConfig) *CircuitBreakerProvider {
	return &CircuitBreakerProvider{inner: inner, config: config, state: StateClosed}
}

func (cb *CircuitBreakerProvider) Chat(ctx context.Context, messages []Message, tools []ToolSpec, opts Options) (Response, error) {
	if err := cb.beforeRequest(); err != nil {
		return Response{}, err
	}
	resp, err := cb.inner.Chat(ctx, messages, tools, opts)
	cb.afterRequest(err)
	return resp, err
}

func (cb *CircuitBreakerProvider) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.consecutiveSuccesses = 0
			return nil
		}
		return NewTransientError(fmt.Sprintf("provider: circuit breaker open, retry after %s", cb.config.Timeout))
	case StateHalfOpen:
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreakerProvider) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.consecutiveFailures = 0
		if cb.state == StateHalfOpen {
			cb.consecutiveSuccesses++
			if cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
				cb.state = StateClosed
			}
		}
		return
	}

	// Only transient errors count toward tripping the breaker; permanent
	// errors are not the transport's fault in a way retrying addresses.
	if !IsTransient(err) {
		return
	}

	cb.consecutiveFailures++
	if cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = StateOpen
		cb.openedAt = time.Now()
	}
}

// State reports the current breaker state, for diagnostics/tests.
func (cb *CircuitBreakerProvider) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
