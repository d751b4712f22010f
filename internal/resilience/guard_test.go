package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardStaysClosedOnSuccess(t *testing.T) {
	g := NewGuard(Settings{MaxFailures: 3, Cooldown: time.Minute})

	for i := 0; i < 5; i++ {
		require.NoError(t, g.Allow())
		g.Success()
	}

	assert.Equal(t, StateClosed, g.State())
}

func TestGuardOpensAfterConsecutiveFailures(t *testing.T) {
	g := NewGuard(Settings{MaxFailures: 3, Cooldown: time.Minute})

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Allow())
		g.Failure()
	}

	assert.Equal(t, StateOpen, g.State())
	assert.Equal(t, ErrGuardOpen, g.Allow())
}

func TestGuardProbeAfterCooldown(t *testing.T) {
	g := NewGuard(Settings{MaxFailures: 1, Cooldown: 10 * time.Millisecond})

	require.NoError(t, g.Allow())
	g.Failure()
	assert.Equal(t, StateOpen, g.State())

	time.Sleep(20 * time.Millisecond)

	// One probe allowed, second concurrent attempt refused
	require.NoError(t, g.Allow())
	assert.Equal(t, ErrGuardOpen, g.Allow())

	g.Success()
	assert.Equal(t, StateClosed, g.State())
	assert.NoError(t, g.Allow())
}

func TestGuardFailedProbeReopens(t *testing.T) {
	g := NewGuard(Settings{MaxFailures: 1, Cooldown: 10 * time.Millisecond})

	require.NoError(t, g.Allow())
	g.Failure()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, g.Allow())
	g.Failure()

	assert.Equal(t, StateOpen, g.State())
	assert.Equal(t, ErrGuardOpen, g.Allow())
}

func TestGuardStateChangeCallback(t *testing.T) {
	var transitions []string
	g := NewGuard(Settings{
		MaxFailures: 1,
		Cooldown:    5 * time.Millisecond,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = g.Allow()
	g.Failure()
	time.Sleep(10 * time.Millisecond)
	_ = g.Allow()
	g.Success()

	assert.Contains(t, transitions, "closed->open")
	assert.Contains(t, transitions, "open->half-open")
	assert.Contains(t, transitions, "half-open->closed")
}
