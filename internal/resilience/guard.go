// Package resilience guards worker re-construction against crash loops.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrGuardOpen is returned when respawns are suspended after repeated failures.
var ErrGuardOpen = errors.New("respawn guard is open")

// State represents the guard state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures the guard behavior.
type Settings struct {
	// MaxFailures is the consecutive failure count that opens the guard.
	MaxFailures uint32
	// Cooldown is the open period before a single probe attempt is allowed.
	Cooldown time.Duration
	// OnStateChange is called whenever the state changes.
	OnStateChange func(from State, to State)
}

// Guard suspends an operation after consecutive failures and retries it with
// a single probe after a cooldown. Used by the pool so that a worker whose
// environment construction keeps failing does not respawn in a tight loop.
type Guard struct {
	settings Settings

	mu       sync.Mutex
	state    State
	failures uint32
	openedAt time.Time
	probing  bool
}

// NewGuard creates a guard with the given settings.
func NewGuard(settings Settings) *Guard {
	if settings.MaxFailures == 0 {
		settings.MaxFailures = 3
	}
	if settings.Cooldown == 0 {
		settings.Cooldown = 10 * time.Second
	}
	return &Guard{settings: settings}
}

// Allow reports whether the operation may be attempted now.
func (g *Guard) Allow() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(g.openedAt) < g.settings.Cooldown {
			return ErrGuardOpen
		}
		g.setState(StateHalfOpen)
		g.probing = true
		return nil
	case StateHalfOpen:
		if g.probing {
			return ErrGuardOpen
		}
		g.probing = true
		return nil
	}
	return nil
}

// Success records a successful attempt and closes the guard.
func (g *Guard) Success() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures = 0
	g.probing = false
	g.setState(StateClosed)
}

// Failure records a failed attempt, opening the guard once the consecutive
// failure threshold is reached.
func (g *Guard) Failure() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.probing = false
	if g.state == StateHalfOpen {
		g.openedAt = time.Now()
		g.setState(StateOpen)
		return
	}

	g.failures++
	if g.failures >= g.settings.MaxFailures {
		g.openedAt = time.Now()
		g.setState(StateOpen)
	}
}

// State returns the current guard state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Guard) setState(state State) {
	if g.state == state {
		return
	}
	prev := g.state
	g.state = state
	if g.settings.OnStateChange != nil {
		g.settings.OnStateChange(prev, state)
	}
}
