package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePeer records what signaling applied to it.
type fakePeer struct {
	name string

	mu         sync.Mutex
	local      []webrtc.SessionDescription
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.name + "-offer"}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.name + "-answer"}, nil
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = append(p.local, d)
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = append(p.remote, d)
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) snapshot() (local, remote []webrtc.SessionDescription, cands []webrtc.ICECandidateInit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), p.local...),
		append([]webrtc.SessionDescription(nil), p.remote...),
		append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

// wsPair returns both ends of one WebSocket connection.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	ch := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ch <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	server = <-ch
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func TestOfferAnswerExchange(t *testing.T) {
	hostConn, joinConn := wsPair(t)
	host := &fakePeer{name: "host"}
	join := &fakePeer{name: "join"}

	hs := &sender{p: host, conn: hostConn, session: "s-1"}
	js := &sender{p: join, conn: joinConn}
	go (&receiver{p: host, conn: hostConn, sender: hs}).watch()
	go (&receiver{p: join, conn: joinConn, sender: js}).watch()

	require.NoError(t, hs.sendOffer())

	cand, err := json.Marshal(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"})
	require.NoError(t, err)
	require.NoError(t, hs.send(message{Type: msgTypeCandidate, Candidate: string(cand)}))
	require.NoError(t, hs.sendCandidate(nil), "end of gathering is not forwarded")

	require.Eventually(t, func() bool {
		_, remote, _ := host.snapshot()
		return len(remote) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, _, c := join.snapshot()
		return len(c) == 1
	}, 2*time.Second, 10*time.Millisecond)

	hl, hr, _ := host.snapshot()
	jl, jr, jc := join.snapshot()
	assert.Equal(t, "host-offer", hl[0].SDP)
	assert.Equal(t, "host-offer", jr[0].SDP)
	assert.Equal(t, webrtc.SDPTypeAnswer, jl[0].Type)
	assert.Equal(t, "join-answer", hr[0].SDP)
	assert.Equal(t, "candidate:1 1 udp 1 127.0.0.1 9 typ host", jc[0].Candidate)
	assert.Equal(t, "s-1", js.sessionID(), "answering side adopts the session id")
}

func TestServerRejectsWrongPIN(t *testing.T) {
	srv := newServer("123456")
	port, err := srv.start("127.0.0.1:0")
	require.NoError(t, err)
	defer srv.close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	base := "ws://127.0.0.1:" + strconv.Itoa(port) + "/ws?pin="
	_, err = connect(ctx, base+"000000")
	assert.Error(t, err)

	conn, err := connect(ctx, base+"123456")
	require.NoError(t, err)
	defer conn.Close()

	got, err := srv.waitForClient(ctx)
	require.NoError(t, err)
	got.Close()
}

func TestGeneratePIN(t *testing.T) {
	pin := generatePIN(PINLength)
	assert.Len(t, pin, PINLength)
	for _, c := range pin {
		assert.True(t, c >= '0' && c <= '9')
	}
}
