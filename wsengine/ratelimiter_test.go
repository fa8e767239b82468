package wsengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsWithinBudget(t *testing.T) {
	rl := NewRateLimiter(time.Second, 3, 1<<20)
	defer rl.Stop()

	server, _ := newClientPair(t, testConfig())
	rl.Register(server)

	assert.True(t, rl.Allow(server.ID(), 1, 10))
	assert.True(t, rl.Allow(server.ID(), 1, 10))
	assert.True(t, rl.Allow(server.ID(), 1, 10))
	assert.False(t, rl.Suspended(server.ID()))
}

func TestRateLimiterSuspendsOverFrameBudget(t *testing.T) {
	rl := NewRateLimiter(time.Second, 2, 1<<20)
	defer rl.Stop()

	server, _ := newClientPair(t, testConfig())
	rl.Register(server)

	assert.True(t, rl.Allow(server.ID(), 1, 1))
	assert.True(t, rl.Allow(server.ID(), 1, 1))
	assert.False(t, rl.Allow(server.ID(), 1, 1))
	assert.True(t, rl.Suspended(server.ID()))
	// Stays suspended even if called again before a reset.
	assert.False(t, rl.Allow(server.ID(), 1, 1))
}

func TestRateLimiterSuspendsOverByteBudget(t *testing.T) {
	rl := NewRateLimiter(time.Second, 1000, 10)
	defer rl.Stop()

	server, _ := newClientPair(t, testConfig())
	rl.Register(server)

	assert.True(t, rl.Allow(server.ID(), 1, 6))
	assert.False(t, rl.Allow(server.ID(), 1, 6))
	assert.True(t, rl.Suspended(server.ID()))
}

func TestRateLimiterResetWindowClearsSuspension(t *testing.T) {
	rl := NewRateLimiter(time.Second, 1, 1<<20)
	defer rl.Stop()

	server, _ := newClientPair(t, testConfig())
	rl.Register(server)

	rl.Allow(server.ID(), 1, 1)
	rl.Allow(server.ID(), 1, 1)
	assert.True(t, rl.Suspended(server.ID()))

	rl.resetWindow()
	assert.False(t, rl.Suspended(server.ID()))
	assert.True(t, rl.Allow(server.ID(), 1, 1))
}

func TestRateLimiterUnknownClientIsAllowed(t *testing.T) {
	rl := NewRateLimiter(time.Second, 1, 1<<20)
	defer rl.Stop()
	assert.True(t, rl.Allow(999, 1, 1))
}

func TestRateLimiterExposesSeparateLimitGetters(t *testing.T) {
	rl := NewRateLimiter(time.Second, 100, 1<<20)
	defer rl.Stop()
	assert.Equal(t, 100, rl.FramesPerSecondLimit())
	assert.Equal(t, 1<<20, rl.BytesPerSecondLimit())
}
