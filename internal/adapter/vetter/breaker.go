package vetter

import (
	"log/slog"
	"sync"
	"time"
)

// CircuitState represents the state of the provider circuit breaker.
type CircuitState int

const (
	// CircuitClosed indicates the circuit is allowing requests to pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen indicates the circuit is blocking requests due to failures.
	CircuitOpen
	// CircuitHalfOpen indicates the circuit is probing recovery with limited requests.
	CircuitHalfOpen
)

// String returns a string representation of the circuit state.
func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker guards the vet provider. While it is open, Vet fails closed
// immediately instead of burning the submit path's latency budget on a
// provider that keeps timing out.
type Breaker struct {
	mu               sync.RWMutex
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	state            CircuitState
	failureCount     int
	lastFailureTime  time.Time
}

// NewBreaker creates a breaker that opens after 3 consecutive failures and
// probes recovery after 30 seconds.
func NewBreaker(name string) *Breaker {
	return &Breaker{
		name:             name,
		failureThreshold: 3,
		recoveryTimeout:  30 * time.Second,
		state:            CircuitClosed,
	}
}

// ShouldAttempt reports whether a request may be attempted now. In the open
// state it flips to half-open once the recovery timeout has passed.
func (b *Breaker) ShouldAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(b.lastFailureTime) > b.recoveryTimeout {
			b.state = CircuitHalfOpen
			slog.Info("circuit breaker probing recovery", slog.String("name", b.name))
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess resets the failure streak and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	if b.state != CircuitClosed {
		b.state = CircuitClosed
		slog.Info("circuit breaker closed after successful recovery", slog.String("name", b.name))
	}
}

// RecordFailure counts a failure and opens the circuit at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = time.Now()
	if b.failureCount >= b.failureThreshold && b.state != CircuitOpen {
		b.state = CircuitOpen
		slog.Warn("circuit breaker opened due to consecutive failures",
			slog.String("name", b.name),
			slog.Int("failure_count", b.failureCount),
			slog.Int("threshold", b.failureThreshold))
	}
}

// State returns the current circuit state.
func (b *Breaker) State() CircuitState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}
