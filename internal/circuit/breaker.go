// Package circuit implements a circuit breaker used by agent hosts around
// external collaborators (feed sources, model backends, platform APIs), so
// a failing dependency sheds load instead of burning every task's retry
// budget.
package circuit

import (
	"errors"
	"sync"
	"time"
)

var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
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

type Config struct {
	// FailureThreshold is the consecutive failure count that opens the
	// breaker.
	FailureThreshold int
	// SuccessThreshold is the consecutive successes needed in half-open
	// before closing again.
	SuccessThreshold int
	// ProbeBudget caps calls allowed through while half-open.
	ProbeBudget int
	// OpenFor is how long the breaker stays open before probing.
	OpenFor time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ProbeBudget:      3,
		OpenFor:          30 * time.Second,
	}
}

type Breaker struct {
	name   string
	config Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	openedAt  time.Time
}

func NewBreaker(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.ProbeBudget <= 0 {
		config.ProbeBudget = 3
	}
	if config.OpenFor <= 0 {
		config.OpenFor = 30 * time.Second
	}
	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
	}
}

// Allow reports whether a call may proceed, moving open breakers to
// half-open once the open window has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.config.OpenFor {
			b.state = StateHalfOpen
			b.probes = 1
			b.successes = 0
			return true
		}
		return false
	case StateHalfOpen:
		if b.probes < b.config.ProbeBudget {
			b.probes++
			return true
		}
		return false
	}
	return false
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		b.open()
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.failures = 0
	b.successes = 0
	b.probes = 0
}

// Execute runs fn under the breaker, returning ErrOpen without calling it
// when the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Name() string {
	return b.name
}

// Registry hands out one breaker per collaborator name.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   Config
}

func NewRegistry(config Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   config,
	}
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.config)
	r.breakers[name] = b
	return b
}

// AnyOpen reports whether any breaker is currently open, which feeds the
// host's self-reported health.
func (r *Registry) AnyOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		if b.State() == StateOpen {
			return true
		}
	}
	return false
}
