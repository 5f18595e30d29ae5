package errors

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

// RetryConfig holds configuration for retry logic. Retries are only used to
// establish store connections; a pipeline run itself is never retried.
type RetryConfig struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	Jitter         bool
	RetryableError func(error) bool
	OnRetry        func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableError: func(err error) bool {
			if IsRecoverable(err) {
				return true
			}

			switch GetErrorCode(err) {
			case ErrCodeConnectionTimeout,
				ErrCodeNetworkUnavailable,
				ErrCodeTimeout,
				ErrCodeServiceUnavailable:
				return true
			default:
				return false
			}
		},
	}
}

// RetryableFunc represents a function that can be retried
type RetryableFunc func(ctx context.Context) error

// Retry executes a function with retry logic
func Retry(ctx context.Context, config *RetryConfig, fn RetryableFunc) error {
	var lastErr error

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if config.RetryableError == nil || !config.RetryableError(err) {
			return err
		}

		if attempt == config.MaxRetries {
			break
		}

		delay := calculateDelay(attempt, config)
		if config.OnRetry != nil {
			config.OnRetry(attempt+1, err, delay)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return Wrap(lastErr, ErrCodeResourceExhausted,
		fmt.Sprintf("Operation failed after %d attempts", config.MaxRetries+1)).
		WithSeverity(SeverityError)
}

// calculateDelay calculates the delay for the next retry attempt
func calculateDelay(attempt int, config *RetryConfig) time.Duration {
	delay := float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(attempt))

	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	if config.Jitter {
		var b [8]byte
		_, _ = cryptorand.Read(b[:])
		randomFloat := float64(binary.LittleEndian.Uint64(b[:])) / float64(^uint64(0))
		delay += randomFloat * 0.3 * delay // up to 30% jitter
	}

	return time.Duration(delay)
}

// RetryWithBackoff is a convenience function for common retry scenarios
func RetryWithBackoff(ctx context.Context, fn RetryableFunc) error {
	return Retry(ctx, DefaultRetryConfig(), fn)
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	maxFailures  int
	resetTimeout time.Duration

	failures     int
	state        CircuitState
	stateChanged time.Time
}

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        StateClosed,
		stateChanged: time.Now(),
	}
}

// Execute runs a function through the circuit breaker
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.checkState(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := fn()
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) checkState() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return nil

	case StateOpen:
		if time.Since(cb.stateChanged) > cb.resetTimeout {
			cb.setState(StateHalfOpen)
			return nil
		}
		return New(ErrCodeServiceUnavailable,
			fmt.Sprintf("Circuit breaker '%s' is open", cb.name)).
			WithContext("failures", cb.failures).
			WithContext("will_retry_at", cb.stateChanged.Add(cb.resetTimeout)).
			WithSuggestions(
				"Wait for the circuit to reset",
				"Check store availability",
			).AsRecoverable()

	default:
		return New(ErrCodeInternal, "Invalid circuit breaker state")
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		if cb.state == StateHalfOpen {
			cb.failures = 0
			cb.setState(StateClosed)
		}
		return
	}

	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) setState(state CircuitState) {
	cb.state = state
	cb.stateChanged = time.Now()
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
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
