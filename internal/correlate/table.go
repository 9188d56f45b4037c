// Package correlate matches replies to outstanding requests and drives their
// retransmission.
//
// A Table is owned by one goroutine: every method must be called from it.
// Callers wait on the channel of the Handle they got back.
package correlate

import (
	"container/heap"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/1ureka/dcom/internal/dispatch"
	"github.com/1ureka/dcom/internal/metrics"
	"github.com/1ureka/dcom/internal/protocol"
	"github.com/1ureka/dcom/internal/util"
)

var (
	ErrTimeout    = errors.New("correlate: no reply after all attempts")
	ErrCanceled   = errors.New("correlate: exchange canceled")
	ErrTableFull  = errors.New("correlate: too many pending exchanges")
	ErrUnknownKey = errors.New("correlate: unknown exchange")
)

// RstError is the outcome of an exchange the peer answered with RST.
type RstError struct {
	Code protocol.ErrorCode
}

func (e *RstError) Error() string {
	return fmt.Sprintf("correlate: peer reset (%s)", e.Code)
}

// Sender transmits encoded frames. *dispatch.Dispatcher implements it.
type Sender interface {
	SendRaw(addr protocol.Address, cw protocol.ControlWord, b []byte) (dispatch.Outcome, error)
}

// Result is the terminal outcome of an exchange.
type Result struct {
	Payload []byte
	Err     error
}

// Handle is the caller's side of one exchange.
type Handle struct {
	Key  Key
	done chan Result
}

// Done yields exactly one Result.
func (h *Handle) Done() <-chan Result { return h.done }

// exchange is one pending request.
type exchange struct {
	key    Key
	addr   protocol.Address
	cw     protocol.ControlWord
	raw    []byte // nil for await-only exchanges
	handle *Handle

	attempts    int
	maxAttempts int
	timeout     time.Duration
	deadline    time.Time
	index       int // position in the deadline heap, -1 when not scheduled
}

// Config tunes a Table.
type Config struct {
	MaxPending int           // 0 = unbounded
	Backoff    BackoffConfig // InitialDelay is replaced by each exchange's timeout
	Rand       *rand.Rand    // nil = seeded from the clock
}

// Table tracks pending exchanges by (rid, token).
type Table struct {
	sender  Sender
	cfg     Config
	rng     *rand.Rand
	ids     *IDGen
	pending map[Key]*exchange
	timers  deadlineHeap
}

// NewTable creates an empty table that sends through s.
func NewTable(s Sender, cfg Config) *Table {
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Table{
		sender:  s,
		cfg:     cfg,
		rng:     rng,
		ids:     NewIDGen(rng),
		pending: make(map[Key]*exchange),
	}
}

// Len returns the number of pending exchanges.
func (t *Table) Len() int { return len(t.pending) }

// Pending reports whether key is in flight.
func (t *Table) Pending(key Key) bool {
	_, ok := t.pending[key]
	return ok
}

// NextDeadline returns the earliest scheduled deadline.
func (t *Table) NextDeadline() (time.Time, bool) {
	if len(t.timers) == 0 {
		return time.Time{}, false
	}
	return t.timers[0].deadline, true
}

// Begin allocates a fresh key for f, records the exchange and sends it once.
// A suppressed first send stays pending and is retried by Tick. A link error
// completes the handle at once.
func (t *Table) Begin(addr protocol.Address, f protocol.Frame, maxAttempts int, timeout time.Duration, now time.Time) (*Handle, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if t.full() {
		return nil, ErrTableFull
	}

	key := t.ids.Next(t.Pending)
	f.Control.RID = key.RID
	f.Control.Token = key.Token
	raw, err := protocol.EncodeFrame(f)
	if err != nil {
		return nil, err
	}

	ex := &exchange{
		key:         key,
		addr:        addr,
		cw:          f.Control,
		raw:         raw,
		handle:      &Handle{Key: key, done: make(chan Result, 1)},
		attempts:    1,
		maxAttempts: maxAttempts,
		timeout:     timeout,
		index:       -1,
	}
	t.pending[key] = ex

	out, err := t.sender.SendRaw(addr, ex.cw, raw)
	switch out {
	case dispatch.OutcomeSent, dispatch.OutcomeSuppressed:
		ex.deadline = now.Add(t.delay(ex))
		heap.Push(&t.timers, ex)
	default:
		t.complete(ex, Result{Err: err})
	}
	return ex.handle, nil
}

// Allocate reserves a key without sending anything. The reservation is
// turned into a waiting exchange by Await or dropped by Cancel.
func (t *Table) Allocate() (Key, error) {
	if t.full() {
		return Key{}, ErrTableFull
	}
	key := t.ids.Next(t.Pending)
	t.pending[key] = &exchange{
		key:    key,
		handle: &Handle{Key: key, done: make(chan Result, 1)},
		index:  -1,
	}
	return key, nil
}

// NextKey returns a key not currently in flight without reserving it, for
// exchanges that expect no reply.
func (t *Table) NextKey() Key {
	return t.ids.Next(t.Pending)
}

// Await waits up to wait for a reply to key without ever resending.
func (t *Table) Await(key Key, addr protocol.Address, wait time.Duration, now time.Time) (*Handle, error) {
	ex, ok := t.pending[key]
	if !ok {
		return nil, ErrUnknownKey
	}
	ex.addr = addr
	ex.attempts = 1
	ex.maxAttempts = 1
	ex.timeout = wait
	if ex.index >= 0 {
		heap.Remove(&t.timers, ex.index)
	}
	ex.deadline = now.Add(wait)
	heap.Push(&t.timers, ex)
	return ex.handle, nil
}

// OnFrame completes the exchange a Response or RST belongs to. It returns
// false when f is not a reply or matches nothing pending.
func (t *Table) OnFrame(f *protocol.Frame) bool {
	if f.Control.Code != protocol.CodeResponse && f.Control.Code != protocol.CodeRST {
		return false
	}
	key := Key{RID: f.Control.RID, Token: f.Control.Token}
	ex, ok := t.pending[key]
	if !ok {
		metrics.Stats.Stale.Add(1)
		util.LogDebug("stale %s rid=%d token=%04x", protocol.CodeName(f.Control.Code), key.RID, key.Token)
		return false
	}

	if f.Control.Code == protocol.CodeRST {
		code, err := protocol.ParseRSTPayload(f.Payload)
		if err != nil {
			code = protocol.ErrCodeReset
		}
		metrics.Stats.RSTRecv.Add(1)
		t.complete(ex, Result{Err: &RstError{Code: code}})
		return true
	}

	metrics.Stats.Completed.Add(1)
	t.complete(ex, Result{Payload: f.Payload})
	return true
}

// Tick retries or expires every exchange whose deadline is not after now.
func (t *Table) Tick(now time.Time) {
	for len(t.timers) > 0 && !t.timers[0].deadline.After(now) {
		ex := heap.Pop(&t.timers).(*exchange)

		if ex.raw == nil || ex.attempts >= ex.maxAttempts {
			metrics.Stats.Timeouts.Add(1)
			util.LogDebug("[%s] rid=%d token=%04x timed out after %d attempt(s)", ex.addr, ex.key.RID, ex.key.Token, ex.attempts)
			t.complete(ex, Result{Err: ErrTimeout})
			continue
		}

		ex.attempts++
		metrics.Stats.Retries.Add(1)
		out, err := t.sender.SendRaw(ex.addr, ex.cw, ex.raw)
		if out != dispatch.OutcomeSent && out != dispatch.OutcomeSuppressed {
			t.complete(ex, Result{Err: err})
			continue
		}
		ex.deadline = now.Add(t.delay(ex))
		heap.Push(&t.timers, ex)
	}
}

// Cancel drops key without notifying the peer. A reply arriving later is
// stale. The handle receives ErrCanceled.
func (t *Table) Cancel(key Key) bool {
	ex, ok := t.pending[key]
	if !ok {
		return false
	}
	t.complete(ex, Result{Err: ErrCanceled})
	return true
}

// CloseAll fails every pending exchange with err.
func (t *Table) CloseAll(err error) {
	for _, ex := range t.pending {
		t.complete(ex, Result{Err: err})
	}
}

func (t *Table) full() bool {
	return t.cfg.MaxPending > 0 && len(t.pending) >= t.cfg.MaxPending
}

func (t *Table) delay(ex *exchange) time.Duration {
	cfg := t.cfg.Backoff
	cfg.InitialDelay = ex.timeout
	return NextBackoffDelay(cfg, ex.attempts, t.rng)
}

// complete removes ex and delivers r. The handle channel has room for
// exactly one result.
func (t *Table) complete(ex *exchange, r Result) {
	if ex.index >= 0 {
		heap.Remove(&t.timers, ex.index)
	}
	delete(t.pending, ex.key)
	ex.handle.done <- r
}

// ---------------------------------------------------------------------------
// deadlineHeap implements a min-heap of exchanges sorted by deadline.
// ---------------------------------------------------------------------------

type deadlineHeap []*exchange

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	ex := x.(*exchange)
	ex.index = len(*h)
	*h = append(*h, ex)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	ex := old[n-1]
	old[n-1] = nil // avoid memory leak
	ex.index = -1
	*h = old[:n-1]
	return ex
}
