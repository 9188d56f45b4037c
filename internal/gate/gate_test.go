package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestOpenByDefault(t *testing.T) {
	g := New(nil)
	assert.True(t, g.Allowed(3))
	for i := 0; i < 100; i++ {
		g.RecordSend(3)
	}
	assert.True(t, g.Allowed(3), "unlimited pipe never runs out of budget")
}

func TestRateLimit(t *testing.T) {
	clk := newClock()
	g := New(clk.Now)
	g.SetPolicy(1, Policy{Rate: 2, Burst: 2})

	require.True(t, g.Allowed(1))
	assert.True(t, g.Allowed(1), "Allowed must not consume budget")

	g.RecordSend(1)
	g.RecordSend(1)
	assert.False(t, g.Allowed(1))
	assert.True(t, g.Allowed(2), "other pipes are independent")

	clk.Advance(500 * time.Millisecond)
	assert.True(t, g.Allowed(1))
}

func TestBlockAndUnblock(t *testing.T) {
	g := New(nil)
	g.RecordBlock(0, "link down")

	assert.False(t, g.Allowed(0))
	blocked, reason := g.Blocked(0)
	assert.True(t, blocked)
	assert.Equal(t, "link down", reason)

	g.Unblock(0)
	assert.True(t, g.Allowed(0))
}

func TestBlockForExpires(t *testing.T) {
	clk := newClock()
	g := New(clk.Now)
	g.BlockFor(4, "duty cycle", time.Second)

	assert.False(t, g.Allowed(4))
	clk.Advance(999 * time.Millisecond)
	assert.False(t, g.Allowed(4))
	clk.Advance(time.Millisecond)
	assert.True(t, g.Allowed(4))

	blocked, _ := g.Blocked(4)
	assert.False(t, blocked)
}

func TestBlockForIgnoresNonPositive(t *testing.T) {
	g := New(nil)
	g.BlockFor(0, "noop", 0)
	assert.True(t, g.Allowed(0))
}
