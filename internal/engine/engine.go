// Package engine runs the request/response protocol for one pipe.
//
// An Engine owns its correlation table, reassembler, and duplicate cache and
// touches them only from the goroutine running Run. Everything else
// (Request, Notify, Deliver, replies from handlers) is posted to that
// goroutine over channels.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/dcom/internal/correlate"
	"github.com/1ureka/dcom/internal/dispatch"
	"github.com/1ureka/dcom/internal/gate"
	"github.com/1ureka/dcom/internal/link"
	"github.com/1ureka/dcom/internal/metrics"
	"github.com/1ureka/dcom/internal/protocol"
	"github.com/1ureka/dcom/internal/reassembly"
	"github.com/1ureka/dcom/internal/util"
)

var (
	ErrClosed         = errors.New("engine: closed")
	ErrAlreadyRunning = errors.New("engine: already running")
)

// Tuning constants.
const (
	commandBufferSize = 64
	inboundBufferSize = 256
)

type command func(e *Engine)

type datagram struct {
	srcIA uint32
	data  []byte
}

// Engine is the protocol endpoint for one pipe.
type Engine struct {
	cfg     Config
	now     func() time.Time
	handler Handler

	disp  *dispatch.Dispatcher
	table *correlate.Table
	reasm *reassembly.Reassembler
	dedup *dedupCache

	cmds    chan command
	inbound chan datagram

	running   atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// New creates an engine that sends through driver. h may be nil, in which
// case inbound requests are answered with RST Unsupported.
func New(cfg Config, driver link.Driver, h Handler) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	g := gate.New(now)
	g.SetPolicy(cfg.Pipe, cfg.Gate)
	disp := dispatch.New(driver, g)

	return &Engine{
		cfg:     cfg,
		now:     now,
		handler: h,
		disp:    disp,
		table: correlate.NewTable(disp, correlate.Config{
			MaxPending: cfg.MaxPending,
			Backoff:    cfg.Backoff,
		}),
		reasm:   reassembly.New(cfg.ReassemblyTimeout, cfg.MaxMessageBytes),
		dedup:   newDedupCache(cfg.DedupTTL),
		cmds:    make(chan command, commandBufferSize),
		inbound: make(chan datagram, inboundBufferSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Pipe returns the pipe this engine serves.
func (e *Engine) Pipe() protocol.PipeID { return e.cfg.Pipe }

// Gate returns the send gate of this engine's pipe.
func (e *Engine) Gate() *gate.Gate { return e.disp.Gate() }

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Close stops Run. Pending requests fail with ErrClosed.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// ---------------------------------------------------------------------------
// Owner loop
// ---------------------------------------------------------------------------

// Run processes inbound datagrams, commands, and timers until ctx is done
// or Close is called. It may be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.shutdown()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	util.LogDebug("engine for pipe %d running as %08x", e.cfg.Pipe, e.cfg.LocalIA)
	for {
		select {
		case dg := <-e.inbound:
			e.OnWireBytes(dg.srcIA, dg.data, e.now())

		case cmd := <-e.cmds:
			cmd(e)

		case <-ticker.C:
			e.PollTimers(e.now())

		case <-e.stop:
			return nil

		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Engine) shutdown() {
	e.closeOnce.Do(func() {
		e.table.CloseAll(ErrClosed)
		close(e.done)
		util.LogDebug("engine for pipe %d stopped", e.cfg.Pipe)
	})
}

// submit posts cmd to the owner loop.
func (e *Engine) submit(ctx context.Context, cmd command) error {
	select {
	case e.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrClosed
	}
}

// Deliver hands a datagram read by a link driver to the owner loop. It is
// safe to call from any goroutine.
func (e *Engine) Deliver(srcIA uint32, b []byte) {
	select {
	case e.inbound <- datagram{srcIA: srcIA, data: b}:
	case <-e.done:
	}
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// Request sends payload to dstIA and waits for the reply payload. It fails
// with correlate.ErrTimeout, a *correlate.RstError, a dispatch.ErrLink error,
// ctx's error, or ErrClosed.
func (e *Engine) Request(ctx context.Context, dstIA uint32, payload []byte) ([]byte, error) {
	type started struct {
		h   *correlate.Handle
		err error
	}
	startCh := make(chan started, 1)

	err := e.submit(ctx, func(e *Engine) {
		h, err := e.startRequest(dstIA, payload)
		startCh <- started{h, err}
	})
	if err != nil {
		return nil, err
	}

	var s started
	select {
	case s = <-startCh:
	case <-e.done:
		return nil, ErrClosed
	}
	if s.err != nil {
		return nil, s.err
	}

	select {
	case r := <-s.h.Done():
		return r.Payload, r.Err
	case <-ctx.Done():
		key := s.h.Key
		_ = e.submit(context.Background(), func(e *Engine) { e.table.Cancel(key) })
		return nil, ctx.Err()
	}
}

func (e *Engine) startRequest(dstIA uint32, payload []byte) (*correlate.Handle, error) {
	addr := e.addr(dstIA)
	now := e.now()

	if dispatch.FitsSingle(len(payload), e.cfg.MTU) {
		return e.table.Begin(addr, protocol.Frame{
			Control: protocol.ControlWord{Code: protocol.CodeRequest},
			Payload: payload,
		}, e.cfg.MaxAttempts, e.cfg.RetryTimeout, now)
	}

	key, err := e.table.Allocate()
	if err != nil {
		return nil, err
	}
	out, err := e.disp.SendPayload(addr, protocol.CodeRequest, key.RID, key.Token, payload, e.cfg.MTU)
	switch out {
	case dispatch.OutcomeLinkError, dispatch.OutcomeInvalid:
		e.table.Cancel(key)
		return nil, err
	}
	return e.table.Await(key, addr, e.cfg.awaitWindow(), now)
}

// Notify sends payload to dstIA without expecting a reply.
func (e *Engine) Notify(ctx context.Context, dstIA uint32, payload []byte) (dispatch.Outcome, error) {
	type sent struct {
		out dispatch.Outcome
		err error
	}
	ch := make(chan sent, 1)

	err := e.submit(ctx, func(e *Engine) {
		key := e.table.NextKey()
		out, err := e.disp.SendPayload(e.addr(dstIA), protocol.CodeNotify, key.RID, key.Token, payload, e.cfg.MTU)
		ch <- sent{out, err}
	})
	if err != nil {
		return dispatch.OutcomeInvalid, err
	}
	select {
	case s := <-ch:
		return s.out, s.err
	case <-e.done:
		return dispatch.OutcomeInvalid, ErrClosed
	}
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// OnWireBytes decodes and routes one datagram. Undecodable input is counted
// and dropped. Owner goroutine only.
func (e *Engine) OnWireBytes(srcIA uint32, b []byte, now time.Time) {
	d, err := protocol.Decode(b)
	if err != nil {
		metrics.Stats.CodecErrors.Add(1)
		util.LogWarning("[pipe %d] dropping datagram from %08x: %v", e.cfg.Pipe, srcIA, err)
		return
	}
	metrics.Stats.FramesRecv.Add(1)

	if d.Block == nil {
		e.route(srcIA, d.Frame, now)
		return
	}

	bf := d.Block
	msg, err := e.reasm.OnBlock(srcIA, bf, now)
	switch {
	case errors.Is(err, reassembly.ErrSequence):
		util.LogDebug("[pipe %d] %v", e.cfg.Pipe, err)
		_, _ = e.disp.SendRST(e.addr(srcIA), protocol.ErrCodeSequence, bf.Control.RID, bf.Control.Token)
	case errors.Is(err, reassembly.ErrTooLarge):
		util.LogWarning("[pipe %d] %v", e.cfg.Pipe, err)
		_, _ = e.disp.SendRST(e.addr(srcIA), protocol.ErrCodeTooLarge, bf.Control.RID, bf.Control.Token)
	case msg != nil:
		e.route(srcIA, msg.Frame(), now)
	}
}

func (e *Engine) route(srcIA uint32, f *protocol.Frame, now time.Time) {
	util.LogDebug("[pipe %d] <- %s rid=%d token=%04x from %08x len=%d",
		e.cfg.Pipe, protocol.CodeName(f.Control.Code), f.Control.RID, f.Control.Token, srcIA, len(f.Payload))

	switch f.Control.Code {
	case protocol.CodeResponse, protocol.CodeRST:
		e.table.OnFrame(f)
	case protocol.CodeRequest:
		e.serveRequest(srcIA, f, now)
	case protocol.CodeNotify:
		if e.handler == nil {
			return
		}
		e.dispatchInbound(&Inbound{e: e, SrcIA: srcIA, Payload: f.Payload, rid: f.Control.RID, token: f.Control.Token, notify: true})
	}
}

func (e *Engine) serveRequest(srcIA uint32, f *protocol.Frame, now time.Time) {
	key := dedupKey{srcIA: srcIA, rid: f.Control.RID, token: f.Control.Token}
	if entry, ok := e.dedup.lookup(key, now); ok {
		metrics.Stats.Duplicates.Add(1)
		if entry.reply != nil {
			util.LogDebug("[pipe %d] duplicate rid=%d from %08x, re-sending reply", e.cfg.Pipe, key.rid, srcIA)
			e.sendReply(key, entry.reply)
		}
		return
	}

	if e.handler == nil {
		e.finish(key, &cachedReply{code: protocol.CodeRST, errCode: protocol.ErrCodeUnsupported}, now)
		return
	}

	e.dedup.begin(key, now)
	e.dispatchInbound(&Inbound{e: e, SrcIA: srcIA, Payload: f.Payload, rid: key.rid, token: key.token})
}

// finish sends r for key and remembers it for duplicates. Owner goroutine only.
func (e *Engine) finish(key dedupKey, r *cachedReply, now time.Time) (dispatch.Outcome, error) {
	e.dedup.complete(key, r, now)
	return e.sendReply(key, r)
}

func (e *Engine) sendReply(key dedupKey, r *cachedReply) (dispatch.Outcome, error) {
	addr := e.addr(key.srcIA)
	if r.code == protocol.CodeRST {
		return e.disp.SendRST(addr, r.errCode, key.rid, key.token)
	}
	return e.disp.SendPayload(addr, protocol.CodeResponse, key.rid, key.token, r.payload, e.cfg.MTU)
}

// ---------------------------------------------------------------------------
// Timers
// ---------------------------------------------------------------------------

// PollTimers retries or expires due exchanges and drops stale reassembly and
// duplicate-cache state. It never blocks. Owner goroutine only.
func (e *Engine) PollTimers(now time.Time) {
	e.table.Tick(now)
	e.reasm.Expire(now)
	e.dedup.expire(now)
}

func (e *Engine) addr(dstIA uint32) protocol.Address {
	return protocol.Address{Protocol: e.cfg.Protocol, Pipe: e.cfg.Pipe, DstIA: dstIA}
}

func (e *Engine) String() string {
	return fmt.Sprintf("engine(pipe=%d ia=%08x)", e.cfg.Pipe, e.cfg.LocalIA)
}
