package extractor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/scrypster/feederwatch/pkg/types"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig holds the configuration for the circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures required to trip the circuit.
	// Default: 3
	MaxFailures uint32

	// Timeout is the duration the circuit stays open before transitioning to half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of consecutive successes required in half-open
	// state to close the circuit again.
	// Default: 2
	HalfOpenMaxSuccesses uint32
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:          3,
		Timeout:              30 * time.Second,
		HalfOpenMaxSuccesses: 2,
	}
}

// BreakerCounts are cumulative call counts.
type BreakerCounts struct {
	TotalRequests  uint64
	TotalSuccesses uint64
	TotalFailures  uint64

	ConsecutiveFailures uint32
}

// CircuitBreaker wraps gobreaker to stop hammering an unhealthy extractor.
//
// Rejected images (no detection, bad payload) are the caller's problem and do
// not count as failures; only transport and server errors trip the circuit.
type CircuitBreaker struct {
	breaker *gobreaker.CircuitBreaker

	mu     sync.Mutex
	counts BreakerCounts
}

// NewCircuitBreaker creates a circuit breaker. Zero config fields take the
// defaults.
func NewCircuitBreaker(cfg BreakerConfig, logger *logrus.Logger) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.HalfOpenMaxSuccesses == 0 {
		cfg.HalfOpenMaxSuccesses = def.HalfOpenMaxSuccesses
	}

	cb := &CircuitBreaker{}
	cb.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "extractor",
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Interval:    0, // don't clear counts periodically
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, types.ErrInvalidInput)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
					Warn("extractor: circuit breaker state changed")
			}
		},
	})
	return cb
}

// Execute runs fn through the breaker. An open circuit yields ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() (Extraction, error)) (Extraction, error) {
	if err := ctx.Err(); err != nil {
		cb.record(false)
		return Extraction{}, err
	}

	result, err := cb.breaker.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return fn()
	})

	if err != nil {
		cb.record(errors.Is(err, types.ErrInvalidInput))
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Extraction{}, ErrCircuitOpen
		}
		return Extraction{}, err
	}
	cb.record(true)
	return result.(Extraction), nil
}

// State returns "closed", "open" or "half-open".
func (cb *CircuitBreaker) State() string {
	switch cb.breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Counts returns the cumulative counts.
func (cb *CircuitBreaker) Counts() BreakerCounts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	c := cb.counts
	c.ConsecutiveFailures = cb.breaker.Counts().ConsecutiveFailures
	return c
}

func (cb *CircuitBreaker) record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.counts.TotalRequests++
	if ok {
		cb.counts.TotalSuccesses++
	} else {
		cb.counts.TotalFailures++
	}
}
