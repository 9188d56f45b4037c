package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/dcom/internal/correlate"
	"github.com/1ureka/dcom/internal/link"
	"github.com/1ureka/dcom/internal/protocol"
)

const (
	iaA uint32 = 0xA
	iaB uint32 = 0xB
)

func testConfig(ia uint32) Config {
	cfg := DefaultConfig()
	cfg.LocalIA = ia
	cfg.MTU = 64
	cfg.RetryTimeout = 100 * time.Millisecond
	cfg.TickInterval = 5 * time.Millisecond
	return cfg
}

// pair is two engines on one in-memory hub.
type pair struct {
	hub  *link.Hub
	a, b *Engine
}

func attach(t *testing.T, hub *link.Hub, cfg Config, h Handler) *Engine {
	t.Helper()
	ep, err := hub.Attach(cfg.LocalIA)
	require.NoError(t, err)
	e, err := New(cfg, ep, h)
	require.NoError(t, err)
	ep.SetReceiver(link.ReceiverFunc(func(_ protocol.PipeID, src uint32, b []byte) { e.Deliver(src, b) }))
	return e
}

func start(t *testing.T, engines ...*Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	for _, e := range engines {
		go e.Run(ctx)
	}
	t.Cleanup(func() {
		cancel()
		for _, e := range engines {
			<-e.Done()
		}
	})
}

func newPair(t *testing.T, opts link.HubOptions, h Handler) *pair {
	t.Helper()
	hub := link.NewHub(opts)
	t.Cleanup(hub.Close)
	p := &pair{
		hub: hub,
		a:   attach(t, hub, testConfig(iaA), nil),
		b:   attach(t, hub, testConfig(iaB), h),
	}
	start(t, p.a, p.b)
	return p
}

func echo(prefix string) HandlerFunc {
	return func(in *Inbound) {
		_ = in.Reply(context.Background(), append([]byte(prefix), in.Payload...))
	}
}

func requestCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// pending reads the table size from the owner goroutine.
func pending(t *testing.T, e *Engine) int {
	t.Helper()
	ch := make(chan int, 1)
	require.NoError(t, e.submit(context.Background(), func(e *Engine) { ch <- e.table.Len() }))
	return <-ch
}

func TestRequestSingleFrame(t *testing.T) {
	p := newPair(t, link.HubOptions{Latency: 5 * time.Millisecond}, echo("pong:"))

	got, err := p.a.Request(requestCtx(t), iaB, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, []byte("pong:ping"), got)
	assert.Equal(t, 0, pending(t, p.a))
}

func TestRequestBlockwiseBothWays(t *testing.T) {
	p := newPair(t, link.HubOptions{}, echo(""))

	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	got, err := p.a.Request(requestCtx(t), iaB, payload)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))

	var blocks int
	for _, d := range p.hub.Sent() {
		assert.LessOrEqual(t, len(d.Data), 64)
		dec, err := protocol.Decode(d.Data)
		require.NoError(t, err)
		if dec.Block != nil {
			blocks++
		}
	}
	assert.Greater(t, blocks, 2*(1000/64), "request and reply both travel block-wise")
}

func TestNoHandlerAnswersUnsupported(t *testing.T) {
	p := newPair(t, link.HubOptions{}, nil)

	_, err := p.a.Request(requestCtx(t), iaB, []byte("anyone?"))
	var rst *correlate.RstError
	require.True(t, errors.As(err, &rst), "got %v", err)
	assert.Equal(t, protocol.ErrCodeUnsupported, rst.Code)
}

func TestHandlerFail(t *testing.T) {
	p := newPair(t, link.HubOptions{}, HandlerFunc(func(in *Inbound) {
		assert.NoError(t, in.Fail(context.Background(), protocol.ErrCodeBusy))
		assert.ErrorIs(t, in.Reply(context.Background(), nil), ErrAlreadyAnswered)
	}))

	_, err := p.a.Request(requestCtx(t), iaB, []byte("x"))
	var rst *correlate.RstError
	require.True(t, errors.As(err, &rst))
	assert.Equal(t, protocol.ErrCodeBusy, rst.Code)
}

func TestUnansweredRequestFails(t *testing.T) {
	p := newPair(t, link.HubOptions{}, HandlerFunc(func(in *Inbound) {}))

	_, err := p.a.Request(requestCtx(t), iaB, []byte("x"))
	var rst *correlate.RstError
	require.True(t, errors.As(err, &rst))
	assert.Equal(t, protocol.ErrCodeApplication, rst.Code)
}

func TestRetriesThenTimeout(t *testing.T) {
	hub := link.NewHub(link.HubOptions{})
	t.Cleanup(hub.Close)
	_, err := hub.Attach(iaB) // silent peer
	require.NoError(t, err)

	cfg := testConfig(iaA)
	cfg.Backoff.Multiplier = 1
	a := attach(t, hub, cfg, nil)
	start(t, a)

	_, err = a.Request(requestCtx(t), iaB, []byte("hello?"))
	assert.ErrorIs(t, err, correlate.ErrTimeout)

	sent := hub.SentFrom(iaA)
	require.Len(t, sent, 3)
	for _, d := range sent[1:] {
		assert.Equal(t, sent[0].Data, d.Data, "retries reuse rid and token")
	}
}

func TestDuplicateRequestServedOnce(t *testing.T) {
	var dropped atomic.Bool
	dropFirstReply := func(d link.Datagram) bool {
		if d.SrcIA != iaB {
			return false
		}
		dec, err := protocol.Decode(d.Data)
		if err != nil || dec.Frame == nil || dec.Frame.Control.Code != protocol.CodeResponse {
			return false
		}
		return dropped.CompareAndSwap(false, true)
	}

	var calls atomic.Int32
	p := newPair(t, link.HubOptions{Drop: dropFirstReply}, HandlerFunc(func(in *Inbound) {
		calls.Add(1)
		_ = in.Reply(context.Background(), []byte("once"))
	}))

	got, err := p.a.Request(requestCtx(t), iaB, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("once"), got)
	assert.True(t, dropped.Load())
	assert.Equal(t, int32(1), calls.Load(), "retransmission must hit the reply cache")
	assert.GreaterOrEqual(t, len(p.hub.SentFrom(iaA)), 2)
}

func TestCancelRemovesExchange(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	p := newPair(t, link.HubOptions{}, HandlerFunc(func(in *Inbound) { <-release }))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := p.a.Request(ctx, iaB, []byte("slow"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Eventually(t, func() bool { return pending(t, p.a) == 0 }, time.Second, 5*time.Millisecond)
}

func TestConcurrentRequestsUseDistinctKeys(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[[2]uint16]int)
	p := newPair(t, link.HubOptions{Latency: 3 * time.Millisecond}, HandlerFunc(func(in *Inbound) {
		mu.Lock()
		seen[[2]uint16{in.rid, in.token}]++
		mu.Unlock()
		_ = in.Reply(context.Background(), in.Payload)
	}))

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := []byte(fmt.Sprintf("req-%d", i))
			got, err := p.a.Request(requestCtx(t), iaB, want)
			if err == nil && !bytes.Equal(got, want) {
				err = fmt.Errorf("reply mismatch: %q != %q", got, want)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, n)
}

func TestNotify(t *testing.T) {
	got := make(chan *Inbound, 1)
	p := newPair(t, link.HubOptions{}, HandlerFunc(func(in *Inbound) { got <- in }))

	out, err := p.a.Notify(requestCtx(t), iaB, []byte("event"))
	require.NoError(t, err)
	assert.Equal(t, "sent", out.String())

	select {
	case in := <-got:
		assert.True(t, in.IsNotify())
		assert.Equal(t, []byte("event"), in.Payload)
		assert.ErrorIs(t, in.Reply(context.Background(), nil), ErrNotRequest)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestSequenceErrorSendsOneRST(t *testing.T) {
	hub := link.NewHub(link.HubOptions{})
	t.Cleanup(hub.Close)
	_, err := hub.Attach(iaA)
	require.NoError(t, err)

	var served atomic.Bool
	b := attach(t, hub, testConfig(iaB), HandlerFunc(func(*Inbound) { served.Store(true) }))

	blk := func(idx uint32, last bool) []byte {
		raw, err := protocol.EncodeBlockFrame(protocol.BlockFrame{
			Control:    protocol.ControlWord{Code: protocol.CodeRequest, RID: 3, Token: 4},
			BlockIndex: idx,
			IsLast:     last,
			Payload:    []byte("part"),
		})
		require.NoError(t, err)
		return raw
	}

	now := time.Now()
	b.OnWireBytes(iaA, blk(0, false), now)
	b.OnWireBytes(iaA, blk(2, true), now)
	b.OnWireBytes(iaA, []byte{0xFF, 0x00}, now) // garbage is dropped silently

	sent := hub.SentFrom(iaB)
	require.Len(t, sent, 1)
	dec, err := protocol.Decode(sent[0].Data)
	require.NoError(t, err)
	require.NotNil(t, dec.Frame)
	assert.Equal(t, protocol.CodeRST, dec.Frame.Control.Code)
	assert.Equal(t, uint16(3), dec.Frame.Control.RID)
	assert.Equal(t, uint16(4), dec.Frame.Control.Token)
	code, err := protocol.ParseRSTPayload(dec.Frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.ErrCodeSequence, code)
	assert.False(t, served.Load())
}

func TestGateClosedSendsNothing(t *testing.T) {
	hub := link.NewHub(link.HubOptions{})
	t.Cleanup(hub.Close)
	_, err := hub.Attach(iaB)
	require.NoError(t, err)

	cfg := testConfig(iaA)
	cfg.MaxAttempts = 2
	a := attach(t, hub, cfg, nil)
	a.Gate().RecordBlock(cfg.Pipe, "radio off")
	start(t, a)

	_, err = a.Request(requestCtx(t), iaB, []byte("x"))
	assert.ErrorIs(t, err, correlate.ErrTimeout)
	assert.Empty(t, hub.Sent())
}

func TestLinkErrorFailsRequest(t *testing.T) {
	hub := link.NewHub(link.HubOptions{})
	t.Cleanup(hub.Close)
	a := attach(t, hub, testConfig(iaA), nil)
	start(t, a)

	_, err := a.Request(requestCtx(t), 0x99, []byte("x"))
	assert.ErrorIs(t, err, link.ErrUnreachable)
}

func TestClosedEngine(t *testing.T) {
	hub := link.NewHub(link.HubOptions{})
	t.Cleanup(hub.Close)
	a := attach(t, hub, testConfig(iaA), nil)

	go a.Run(context.Background())
	a.Close()
	<-a.Done()

	_, err := a.Request(requestCtx(t), iaB, []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, a.Run(context.Background()), ErrAlreadyRunning)
}

func TestCloseFailsPending(t *testing.T) {
	hub := link.NewHub(link.HubOptions{})
	t.Cleanup(hub.Close)
	_, err := hub.Attach(iaB)
	require.NoError(t, err)

	cfg := testConfig(iaA)
	cfg.RetryTimeout = time.Minute
	a := attach(t, hub, cfg, nil)
	go a.Run(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Request(context.Background(), iaB, []byte("x"))
		errCh <- err
	}()
	require.Eventually(t, func() bool { return len(hub.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	a.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("request not failed on close")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.MTU = protocol.BlockHeaderSize
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	bad = cfg
	bad.MaxAttempts = 0
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	_, err := New(bad, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
