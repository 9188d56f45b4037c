// Package reassembly rebuilds block-wise messages from their fragments.
package reassembly

import (
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/dcom/internal/metrics"
	"github.com/1ureka/dcom/internal/protocol"
	"github.com/1ureka/dcom/internal/util"
)

var (
	ErrSequence = errors.New("reassembly: fragment out of sequence")
	ErrTooLarge = errors.New("reassembly: message exceeds size bound")
)

// Key identifies one block transfer.
type Key struct {
	SrcIA uint32
	RID   uint16
	Token uint16
}

// Message is a fully reassembled block transfer.
type Message struct {
	SrcIA   uint32
	Control protocol.ControlWord // BlockFlag cleared, PayloadLen unset
	Payload []byte
}

// Frame returns the message as a plain frame for routing.
func (m *Message) Frame() *protocol.Frame {
	return &protocol.Frame{Control: m.Control, Payload: m.Payload}
}

type partial struct {
	code     uint8
	next     uint32
	buf      []byte
	lastSeen time.Time
}

// Reassembler accumulates fragments in strict index order. It is owned by a
// single goroutine and needs no locking.
type Reassembler struct {
	timeout  time.Duration
	maxBytes int
	partials map[Key]*partial
}

// New creates a reassembler. Partial transfers idle for longer than timeout
// are dropped by Expire; maxBytes <= 0 disables the size bound.
func New(timeout time.Duration, maxBytes int) *Reassembler {
	return &Reassembler{
		timeout:  timeout,
		maxBytes: maxBytes,
		partials: make(map[Key]*partial),
	}
}

// Len returns the number of transfers in progress.
func (r *Reassembler) Len() int { return len(r.partials) }

// OnBlock appends bf to its transfer. It returns the completed message when
// bf is the last fragment, nil while more are expected, and ErrSequence or
// ErrTooLarge after discarding the transfer.
func (r *Reassembler) OnBlock(srcIA uint32, bf *protocol.BlockFrame, now time.Time) (*Message, error) {
	key := Key{SrcIA: srcIA, RID: bf.Control.RID, Token: bf.Control.Token}
	p, ok := r.partials[key]
	if !ok {
		if bf.BlockIndex != 0 {
			metrics.Stats.SequenceErrors.Add(1)
			return nil, fmt.Errorf("%w: rid=%d first index %d", ErrSequence, key.RID, bf.BlockIndex)
		}
		p = &partial{code: bf.Control.Code}
		r.partials[key] = p
	}

	if bf.BlockIndex != p.next || bf.Control.Code != p.code {
		delete(r.partials, key)
		metrics.Stats.SequenceErrors.Add(1)
		return nil, fmt.Errorf("%w: rid=%d got index %d, expected %d", ErrSequence, key.RID, bf.BlockIndex, p.next)
	}

	if r.maxBytes > 0 && len(p.buf)+len(bf.Payload) > r.maxBytes {
		delete(r.partials, key)
		return nil, fmt.Errorf("%w: rid=%d over %d bytes", ErrTooLarge, key.RID, r.maxBytes)
	}

	p.buf = append(p.buf, bf.Payload...)
	p.next++
	p.lastSeen = now

	if !bf.IsLast {
		return nil, nil
	}

	delete(r.partials, key)
	cw := bf.Control
	cw.BlockFlag = false
	cw.PayloadLen = 0
	return &Message{SrcIA: srcIA, Control: cw, Payload: p.buf}, nil
}

// Expire drops transfers idle for longer than the timeout and returns how
// many were dropped. No RST is sent for them.
func (r *Reassembler) Expire(now time.Time) int {
	if r.timeout <= 0 {
		return 0
	}
	n := 0
	for key, p := range r.partials {
		if now.Sub(p.lastSeen) > r.timeout {
			delete(r.partials, key)
			n++
			util.LogDebug("block transfer %08x/%d expired at index %d", key.SrcIA, key.RID, p.next)
		}
	}
	if n > 0 {
		metrics.Stats.ExpiredPartials.Add(int64(n))
	}
	return n
}
