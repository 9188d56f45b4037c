package correlate

import "math/rand"

// Key identifies one exchange on the wire.
type Key struct {
	RID   uint16
	Token uint16
}

// IDGen hands out (rid, token) pairs: rid counts up and wraps, token is drawn
// at random so that a restarted peer does not reuse recent keys. It is owned
// by a single goroutine.
type IDGen struct {
	rid uint16
	rng *rand.Rand
}

// NewIDGen creates a generator whose first rid is 1.
func NewIDGen(rng *rand.Rand) *IDGen {
	return &IDGen{rng: rng}
}

// Next returns the next key for which inFlight reports false. inFlight may be
// nil.
func (g *IDGen) Next(inFlight func(Key) bool) Key {
	for {
		g.rid++
		k := Key{RID: g.rid, Token: uint16(g.rng.Uint32())}
		if inFlight == nil || !inFlight(k) {
			return k
		}
	}
}
