// Package circuit provides a circuit breaker for model calls.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State represents the current state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation
	Open                  // Failing, reject requests
	HalfOpen              // Probing whether the service recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config defines configuration for circuit breaker behavior.
type Config struct {
	FailureThreshold int           `json:"failure_threshold"` // Failures before opening
	SuccessThreshold int           `json:"success_threshold"` // Successes to close from half-open
	Timeout          time.Duration `json:"timeout"`           // Wait before probing half-open
}

// DefaultConfig provides reasonable defaults for circuit breaker behavior.
//
//nolint:gochecknoglobals // default config pattern
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 1,
	Timeout:          30 * time.Second,
}

// Error is returned when the circuit rejects a request.
type Error struct {
	State State
}

func (e *Error) Error() string {
	return fmt.Sprintf("circuit breaker is %s", e.State)
}

// Breaker tracks request outcomes and decides whether to let requests through.
type Breaker interface {
	Allow() bool
	Record(success bool)
	GetState() State
	Reset()
}

type breaker struct {
	config          Config
	now             func() time.Time
	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// New creates a new circuit breaker with the given configuration.
func New(config Config) Breaker {
	return newWithClock(config, time.Now)
}

func newWithClock(config Config, now func() time.Time) *breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	return &breaker{config: config, now: now, state: Closed}
}

// Allow checks if a request should be allowed based on current state.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if b.now().Sub(b.lastFailureTime) >= b.config.Timeout {
			b.state = HalfOpen
			b.successCount = 0
			return true
		}
		return false
	default:
		return false
	}
}

// Record records the success or failure of a request.
func (b *breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		switch b.state {
		case Closed:
			b.failureCount = 0
		case HalfOpen:
			b.successCount++
			if b.successCount >= b.config.SuccessThreshold {
				b.state = Closed
				b.failureCount = 0
				b.successCount = 0
			}
		}
		return
	}

	b.failureCount++
	b.lastFailureTime = b.now()
	switch b.state {
	case Closed:
		if b.failureCount >= b.config.FailureThreshold {
			b.state = Open
		}
	case HalfOpen:
		b.state = Open
		b.successCount = 0
	}
}

// GetState returns the current circuit breaker state.
func (b *breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset manually resets the circuit breaker to closed state.
func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
}
