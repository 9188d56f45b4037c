// Package gate decides whether a pipe may transmit right now.
//
// Each pipe has an optional token-bucket budget and a block state. Denial is
// not an error: callers simply drop the frame.
package gate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/1ureka/dcom/internal/protocol"
	"github.com/1ureka/dcom/internal/util"
)

// Policy is the send policy of one pipe.
type Policy struct {
	Rate             float64       // frames per second, 0 = unlimited
	Burst            int           // bucket size, at least 1 when Rate > 0
	BlockOnLinkError time.Duration // cooldown applied after a driver failure, 0 = none
}

type pipeState struct {
	policy  Policy
	limiter *rate.Limiter // nil when unlimited

	blocked      bool
	blockedUntil time.Time // zero = until Unblock
	reason       string
}

// Gate tracks per-pipe send permission. It is safe for concurrent use.
type Gate struct {
	now func() time.Time

	mu    sync.Mutex
	pipes map[protocol.PipeID]*pipeState
}

// New creates a gate where every pipe is open and unlimited. A nil clock
// means time.Now.
func New(clock func() time.Time) *Gate {
	if clock == nil {
		clock = time.Now
	}
	return &Gate{
		now:   clock,
		pipes: make(map[protocol.PipeID]*pipeState),
	}
}

// SetPolicy installs the policy for pipe, resetting its budget.
func (g *Gate) SetPolicy(pipe protocol.PipeID, p Policy) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.state(pipe)
	st.policy = p
	st.limiter = nil
	if p.Rate > 0 {
		burst := p.Burst
		if burst < 1 {
			burst = 1
		}
		st.limiter = rate.NewLimiter(rate.Limit(p.Rate), burst)
	}
}

// Policy returns the policy installed for pipe.
func (g *Gate) Policy(pipe protocol.PipeID) Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state(pipe).policy
}

// Allowed reports whether pipe may send one frame now. It does not consume
// budget.
func (g *Gate) Allowed(pipe protocol.PipeID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	st := g.state(pipe)
	if g.isBlocked(st, now) {
		return false
	}
	if st.limiter == nil {
		return true
	}
	return st.limiter.TokensAt(now) >= 1
}

// RecordSend consumes one unit of the pipe's budget.
func (g *Gate) RecordSend(pipe protocol.PipeID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if st := g.state(pipe); st.limiter != nil {
		st.limiter.AllowN(g.now(), 1)
	}
}

// RecordBlock disables pipe until Unblock is called.
func (g *Gate) RecordBlock(pipe protocol.PipeID, reason string) {
	g.block(pipe, reason, time.Time{})
}

// BlockFor disables pipe for d.
func (g *Gate) BlockFor(pipe protocol.PipeID, reason string, d time.Duration) {
	if d <= 0 {
		return
	}
	g.block(pipe, reason, g.now().Add(d))
}

// Unblock re-enables pipe.
func (g *Gate) Unblock(pipe protocol.PipeID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.state(pipe)
	if st.blocked {
		util.LogDebug("pipe %d unblocked", pipe)
	}
	st.blocked = false
	st.blockedUntil = time.Time{}
	st.reason = ""
}

// Blocked returns whether pipe is blocked and why.
func (g *Gate) Blocked(pipe protocol.PipeID) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.state(pipe)
	if g.isBlocked(st, g.now()) {
		return true, st.reason
	}
	return false, ""
}

func (g *Gate) block(pipe protocol.PipeID, reason string, until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.state(pipe)
	st.blocked = true
	st.blockedUntil = until
	st.reason = reason
	if until.IsZero() {
		util.LogWarning("pipe %d blocked: %s", pipe, reason)
	} else {
		util.LogWarning("pipe %d blocked until %s: %s", pipe, until.Format(time.TimeOnly), reason)
	}
}

// isBlocked lifts an expired cooldown as a side effect. Caller holds g.mu.
func (g *Gate) isBlocked(st *pipeState, now time.Time) bool {
	if !st.blocked {
		return false
	}
	if !st.blockedUntil.IsZero() && !now.Before(st.blockedUntil) {
		st.blocked = false
		st.blockedUntil = time.Time{}
		st.reason = ""
		return false
	}
	return true
}

// state returns the entry for pipe, creating an open one. Caller holds g.mu.
func (g *Gate) state(pipe protocol.PipeID) *pipeState {
	st, ok := g.pipes[pipe]
	if !ok {
		st = &pipeState{}
		g.pipes[pipe] = st
	}
	return st
}
