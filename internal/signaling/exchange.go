package signaling

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

// peer is the SDP/ICE surface of a link being negotiated.
type peer interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
}

// sender serializes outgoing signaling messages.
type sender struct {
	p       peer
	conn    *websocket.Conn
	session string
	mu      sync.Mutex
}

func (s *sender) send(msg message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.Session = s.session
	return s.conn.WriteJSON(msg)
}

// adopt takes the session id chosen by the offering side.
func (s *sender) adopt(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == "" {
		s.session = session
	}
}

func (s *sender) sessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// sendOffer creates an offer, applies it locally, and sends it.
func (s *sender) sendOffer() error {
	offer, err := s.p.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.p.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return s.send(message{Type: msgTypeOffer, SDP: offer.SDP})
}

// sendAnswer creates an answer, applies it locally, and sends it.
func (s *sender) sendAnswer() error {
	answer, err := s.p.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.p.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return s.send(message{Type: msgTypeAnswer, SDP: answer.SDP})
}

// sendCandidate forwards one local ICE candidate. Nil marks the end of
// gathering and is not sent.
func (s *sender) sendCandidate(c *webrtc.ICECandidate) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(c.ToJSON())
	if err != nil {
		return err
	}
	return s.send(message{Type: msgTypeCandidate, Candidate: string(data)})
}

// receiver applies incoming signaling messages to the peer.
type receiver struct {
	p      peer
	conn   *websocket.Conn
	sender *sender
}

// watch reads messages until the connection fails. The answering side
// learns the session id from the offer.
func (r *receiver) watch() error {
	for {
		var msg message
		if err := r.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read signaling message: %w", err)
		}

		switch msg.Type {
		case msgTypeOffer:
			r.sender.adopt(msg.Session)
			if err := r.p.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
			}); err != nil {
				return fmt.Errorf("set remote offer: %w", err)
			}
			if err := r.sender.sendAnswer(); err != nil {
				return err
			}

		case msgTypeAnswer:
			if err := r.p.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer, SDP: msg.SDP,
			}); err != nil {
				return fmt.Errorf("set remote answer: %w", err)
			}

		case msgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				return fmt.Errorf("parse ICE candidate: %w", err)
			}
			if err := r.p.AddICECandidate(init); err != nil {
				return fmt.Errorf("add ICE candidate: %w", err)
			}
		}
	}
}
