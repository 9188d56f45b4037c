package link

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/dcom/internal/metrics"
	"github.com/1ureka/dcom/internal/protocol"
	"github.com/1ureka/dcom/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// WSConn is a client link to a WSHub. Every frame travels as one binary
// message prefixed with an Envelope.
type WSConn struct {
	ia   uint32
	conn *websocket.Conn

	mu   sync.RWMutex
	recv Receiver

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// DialWS connects to a WSHub at url and announces ia. Inbound datagrams are
// handed to recv until the connection closes; recv may be nil and set later
// with SetReceiver.
func DialWS(ctx context.Context, url string, ia uint32, recv Receiver) (*WSConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	c := &WSConn{
		ia:   ia,
		conn: conn,
		recv: recv,
		done: make(chan struct{}),
	}

	// An empty envelope lets the hub learn our IA before the first frame.
	if err := c.write(Envelope{SrcIA: ia}.Wrap(nil)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to announce ia %08x: %w", ia, err)
	}

	go c.readLoop()
	return c, nil
}

// SetReceiver replaces the receiver of inbound datagrams.
func (c *WSConn) SetReceiver(r Receiver) {
	c.mu.Lock()
	c.recv = r
	c.mu.Unlock()
}

// SendBytes writes one datagram to dstIA through the hub.
func (c *WSConn) SendBytes(pipe protocol.PipeID, dstIA uint32, b []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return c.write(Envelope{Pipe: pipe, SrcIA: c.ia, DstIA: dstIA}.Wrap(b))
}

// Done is closed when the connection is gone.
func (c *WSConn) Done() <-chan struct{} { return c.done }

// Close shuts the connection down. Safe to call multiple times.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *WSConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *WSConn) readLoop() {
	defer c.Close()
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				util.LogDebug("websocket read ended: %v", err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		env, frame, err := Unwrap(data)
		if err != nil {
			util.LogWarning("dropping websocket message: %v", err)
			continue
		}
		if len(frame) == 0 {
			continue
		}
		c.mu.RLock()
		r := c.recv
		c.mu.RUnlock()
		if r != nil {
			metrics.Stats.AddRecv(len(frame))
			r.Deliver(env.Pipe, env.SrcIA, frame)
		}
	}
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

type hubConn struct {
	id   uuid.UUID
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes
}

func (hc *hubConn) write(data []byte) error {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.conn.WriteMessage(websocket.BinaryMessage, data)
}

// WSHub accepts WSConn clients and routes datagrams between them by
// destination IA. It is itself reachable as localIA: datagrams for it go to
// the local receiver and SendBytes writes to connected clients.
type WSHub struct {
	localIA uint32
	recv    Receiver

	mu     sync.RWMutex
	routes map[uint32]*hubConn
	conns  map[uuid.UUID]*hubConn
}

// NewWSHub creates a hub answering as localIA. recv may be nil when the hub
// only relays.
func NewWSHub(localIA uint32, recv Receiver) *WSHub {
	return &WSHub{
		localIA: localIA,
		recv:    recv,
		routes:  make(map[uint32]*hubConn),
		conns:   make(map[uuid.UUID]*hubConn),
	}
}

// SetReceiver replaces the local receiver.
func (h *WSHub) SetReceiver(r Receiver) {
	h.mu.Lock()
	h.recv = r
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	hc := &hubConn{id: uuid.New(), conn: conn}
	h.mu.Lock()
	h.conns[hc.id] = hc
	h.mu.Unlock()
	util.LogInfo("[%s] link client connected from %s", hc.id, r.RemoteAddr)

	defer func() {
		h.drop(hc)
		conn.Close()
		util.LogInfo("[%s] link client disconnected", hc.id)
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		env, frame, err := Unwrap(data)
		if err != nil {
			util.LogWarning("[%s] dropping message: %v", hc.id, err)
			continue
		}
		h.learn(env.SrcIA, hc)
		if len(frame) == 0 {
			continue
		}
		h.route(env, frame, data)
	}
}

// SendBytes writes one datagram from the hub's own IA to dstIA.
func (h *WSHub) SendBytes(pipe protocol.PipeID, dstIA uint32, b []byte) error {
	h.mu.RLock()
	hc, ok := h.routes[dstIA]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %08x", ErrUnreachable, dstIA)
	}
	return hc.write(Envelope{Pipe: pipe, SrcIA: h.localIA, DstIA: dstIA}.Wrap(b))
}

// Peers returns the IAs currently reachable through the hub.
func (h *WSHub) Peers() []uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]uint32, 0, len(h.routes))
	for ia := range h.routes {
		out = append(out, ia)
	}
	return out
}

// Close disconnects every client.
func (h *WSHub) Close() error {
	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.conns))
	for _, hc := range h.conns {
		conns = append(conns, hc)
	}
	h.mu.Unlock()

	for _, hc := range conns {
		hc.mu.Lock()
		_ = hc.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub closing"))
		hc.mu.Unlock()
		hc.conn.Close()
	}
	return nil
}

func (h *WSHub) route(env Envelope, frame, raw []byte) {
	if env.DstIA == h.localIA {
		h.mu.RLock()
		r := h.recv
		h.mu.RUnlock()
		if r != nil {
			metrics.Stats.AddRecv(len(frame))
			r.Deliver(env.Pipe, env.SrcIA, frame)
		}
		return
	}

	h.mu.RLock()
	dst, ok := h.routes[env.DstIA]
	h.mu.RUnlock()
	if !ok {
		util.LogDebug("no route to %08x, dropping datagram from %08x", env.DstIA, env.SrcIA)
		return
	}
	if err := dst.write(raw); err != nil {
		util.LogWarning("[%s] relay to %08x failed: %v", dst.id, env.DstIA, err)
	}
}

func (h *WSHub) learn(ia uint32, hc *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.routes[ia]; !ok || cur != hc {
		h.routes[ia] = hc
		util.LogDebug("[%s] ia %08x reachable", hc.id, ia)
	}
}

func (h *WSHub) drop(hc *hubConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, hc.id)
	for ia, cur := range h.routes {
		if cur == hc {
			delete(h.routes, ia)
		}
	}
}
