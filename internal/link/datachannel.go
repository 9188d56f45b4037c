package link

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/dcom/internal/metrics"
	"github.com/1ureka/dcom/internal/protocol"
	"github.com/1ureka/dcom/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing datagram channel capacity
)

// STUN servers for ICE candidate gathering. No TURN.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// DataChannel is a point-to-point link over a WebRTC DataChannel. Frames
// carry the same Envelope as the WebSocket link.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time.
type DataChannel struct {
	localIA uint32
	pc      *webrtc.PeerConnection
	dc      *webrtc.DataChannel

	inbox       chan []byte
	drainSignal chan struct{}
	openSignal  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	recv    Receiver
	pcState webrtc.PeerConnectionState
}

// NewDataChannel creates a PeerConnection with a pre-negotiated DataChannel.
// The caller performs signaling through the exposed methods and waits on
// Ready before the link carries traffic.
func NewDataChannel(ctx context.Context, localIA uint32) (*DataChannel, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
	})
	if err != nil {
		return nil, err
	}

	// Ordered without retransmits: datagram semantics, and block fragments
	// keep their order. Negotiated ID 0 lets both sides create it.
	ordered := true
	negotiated := true
	var maxRetransmits uint16
	id := uint16(0)
	dc, err := pc.CreateDataChannel("dcom", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		Negotiated:     &negotiated,
		MaxRetransmits: &maxRetransmits,
		ID:             &id,
	})
	if err != nil {
		pc.Close()
		return nil, err
	}

	cctx, cancel := context.WithCancel(ctx)
	l := &DataChannel{
		localIA:     localIA,
		pc:          pc,
		dc:          dc,
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
		openSignal:  make(chan struct{}),
		ctx:         cctx,
		cancel:      cancel,
		pcState:     webrtc.PeerConnectionStateNew,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(l.openSignal) })
	})
	dc.OnClose(func() {
		util.LogInfo("DataChannel closed")
		cancel()
	})
	dc.OnMessage(l.onMessage)

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case l.drainSignal <- struct{}{}:
		default:
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		l.mu.Lock()
		l.pcState = state
		l.mu.Unlock()
	})

	go l.sendLoop()
	return l, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready is closed once the DataChannel is open.
func (l *DataChannel) Ready() <-chan struct{} { return l.openSignal }

// Done is closed when the link shuts down.
func (l *DataChannel) Done() <-chan struct{} { return l.ctx.Done() }

// Close shuts down the DataChannel and PeerConnection.
func (l *DataChannel) Close() error {
	l.cancel()
	return errors.Join(l.dc.Close(), l.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (l *DataChannel) ConnectionState() webrtc.PeerConnectionState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

func (l *DataChannel) CreateOffer() (webrtc.SessionDescription, error) {
	return l.pc.CreateOffer(nil)
}

func (l *DataChannel) CreateAnswer() (webrtc.SessionDescription, error) {
	return l.pc.CreateAnswer(nil)
}

func (l *DataChannel) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return l.pc.SetLocalDescription(sdp)
}

func (l *DataChannel) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback for each gathered local candidate. A
// nil candidate signals the end of gathering.
func (l *DataChannel) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	l.pc.OnICECandidate(fn)
}

func (l *DataChannel) AddICECandidate(c webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(c)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// SetReceiver registers where inbound datagrams go.
func (l *DataChannel) SetReceiver(r Receiver) {
	l.mu.Lock()
	l.recv = r
	l.mu.Unlock()
}

// SendBytes queues one datagram for the peer. It blocks only while the send
// queue is full.
func (l *DataChannel) SendBytes(pipe protocol.PipeID, dstIA uint32, b []byte) error {
	data := Envelope{Pipe: pipe, SrcIA: l.localIA, DstIA: dstIA}.Wrap(b)
	select {
	case l.inbox <- data:
		return nil
	case <-l.ctx.Done():
		return ErrClosed
	}
}

// sendLoop is the single writer. It waits for the channel to open, then
// drains the queue with backpressure.
func (l *DataChannel) sendLoop() {
	select {
	case <-l.openSignal:
	case <-l.ctx.Done():
		return
	}

	for {
		select {
		case data := <-l.inbox:
			if l.dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-l.drainSignal:
				case <-l.ctx.Done():
					return
				}
			}
			if err := l.dc.Send(data); err != nil {
				util.LogError("DataChannel send failed: %v", err)
				l.cancel()
				return
			}
		case <-l.ctx.Done():
			return
		}
	}
}

func (l *DataChannel) onMessage(msg webrtc.DataChannelMessage) {
	env, frame, err := Unwrap(msg.Data)
	if err != nil {
		util.LogWarning("dropping DataChannel message: %v", err)
		return
	}
	if env.DstIA != l.localIA {
		util.LogDebug("DataChannel datagram for %08x, local is %08x", env.DstIA, l.localIA)
		return
	}

	l.mu.RLock()
	r := l.recv
	l.mu.RUnlock()
	if r != nil {
		metrics.Stats.AddRecv(len(frame))
		r.Deliver(env.Pipe, env.SrcIA, frame)
	}
}
