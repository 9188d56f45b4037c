package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/1ureka/dcom/internal/dispatch"
	"github.com/1ureka/dcom/internal/protocol"
	"github.com/1ureka/dcom/internal/util"
)

var (
	ErrAlreadyAnswered = errors.New("engine: request already answered")
	ErrNotRequest      = errors.New("engine: notifications cannot be answered")
)

// Handler serves inbound requests and notifications. Serve runs on its own
// goroutine; a request must be answered with Reply or Fail. A request left
// unanswered when Serve returns is failed with ErrCodeApplication.
type Handler interface {
	Serve(in *Inbound)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(in *Inbound)

func (f HandlerFunc) Serve(in *Inbound) { f(in) }

// Inbound is one received request or notification.
type Inbound struct {
	SrcIA   uint32
	Payload []byte

	e        *Engine
	rid      uint16
	token    uint16
	notify   bool
	answered atomic.Bool
}

// IsNotify reports whether no reply is expected.
func (in *Inbound) IsNotify() bool { return in.notify }

// Reply answers the request with payload, block-wise when it exceeds the MTU.
func (in *Inbound) Reply(ctx context.Context, payload []byte) error {
	return in.answer(ctx, &cachedReply{code: protocol.CodeResponse, payload: payload})
}

// Fail answers the request with an RST carrying code.
func (in *Inbound) Fail(ctx context.Context, code protocol.ErrorCode) error {
	return in.answer(ctx, &cachedReply{code: protocol.CodeRST, errCode: code})
}

func (in *Inbound) answer(ctx context.Context, r *cachedReply) error {
	if in.notify {
		return ErrNotRequest
	}
	if !in.answered.CompareAndSwap(false, true) {
		return ErrAlreadyAnswered
	}

	type sent struct {
		out dispatch.Outcome
		err error
	}
	ch := make(chan sent, 1)
	key := dedupKey{srcIA: in.SrcIA, rid: in.rid, token: in.token}

	err := in.e.submit(ctx, func(e *Engine) {
		out, err := e.finish(key, r, e.now())
		ch <- sent{out, err}
	})
	if err != nil {
		return err
	}

	var s sent
	select {
	case s = <-ch:
	case <-in.e.done:
		return ErrClosed
	}
	if s.err != nil {
		return s.err
	}
	if s.out != dispatch.OutcomeSent {
		return fmt.Errorf("engine: reply %s", s.out)
	}
	return nil
}

// dispatchInbound runs the handler for in on a fresh goroutine.
func (e *Engine) dispatchInbound(in *Inbound) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				util.LogError("[pipe %d] handler panic for rid=%d from %08x: %v", e.cfg.Pipe, in.rid, in.SrcIA, r)
			}
			if !in.notify && !in.answered.Load() {
				_ = in.Fail(context.Background(), protocol.ErrCodeApplication)
			}
		}()
		e.handler.Serve(in)
	}()
}
