package signaling

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/1ureka/dcom/internal/link"
	"github.com/1ureka/dcom/internal/util"
)

// PINLength is the number of digits in a host PIN.
const PINLength = 6

// Host runs the offering side:
//  1. Listen on addr and print the port and PIN
//  2. Wait for one client
//  3. Create the DataChannel link and send the offer
//  4. Apply the answer and trickled candidates
//  5. Return the link once the DataChannel is open
func Host(ctx context.Context, addr string, localIA uint32) (*link.DataChannel, error) {
	pin := generatePIN(PINLength)
	srv := newServer(pin)
	port, err := srv.start(addr)
	if err != nil {
		return nil, err
	}
	defer srv.close()

	pterm.DefaultBox.WithTitle("Signaling").Println(fmt.Sprintf(
		"Port : %d\nPIN  : %s\nJoin : dcom join --url ws://<host>:%d/ws?pin=%s", port, pin, port, pin))
	util.LogInfo("waiting for a peer")

	wsConn, err := srv.waitForClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for client: %w", err)
	}
	defer wsConn.Close()

	session := uuid.NewString()
	util.LogInfo("[%s] peer connected", session)

	dc, err := link.NewDataChannel(ctx, localIA)
	if err != nil {
		return nil, fmt.Errorf("failed to create DataChannel: %w", err)
	}

	s := &sender{p: dc, conn: wsConn, session: session}
	if err := negotiate(ctx, dc, s, func() error { return s.sendOffer() }); err != nil {
		return nil, err
	}
	util.LogInfo("[%s] DataChannel established", session)
	return dc, nil
}

// Join runs the answering side against a host's signaling URL.
func Join(ctx context.Context, url string, localIA uint32) (*link.DataChannel, error) {
	wsConn, err := connect(ctx, url)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()
	util.LogInfo("signaling connected: %s", url)

	dc, err := link.NewDataChannel(ctx, localIA)
	if err != nil {
		return nil, fmt.Errorf("failed to create DataChannel: %w", err)
	}

	s := &sender{p: dc, conn: wsConn}
	if err := negotiate(ctx, dc, s, nil); err != nil {
		return nil, err
	}
	util.LogInfo("[%s] DataChannel established", s.sessionID())
	return dc, nil
}

// negotiate wires candidate trickling, runs first (if any), and waits for the
// DataChannel to open. The link is closed on failure.
func negotiate(ctx context.Context, dc *link.DataChannel, s *sender, first func() error) error {
	dc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if err := s.sendCandidate(c); err != nil {
			util.LogDebug("candidate not sent: %v", err)
		}
	})

	r := &receiver{p: dc, conn: s.conn, sender: s}
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch() // exits when the WebSocket is closed by the caller
	}()

	if first != nil {
		if err := first(); err != nil {
			dc.Close()
			return err
		}
	}

	select {
	case <-dc.Ready():
		return nil
	case err := <-errCh:
		select {
		case <-dc.Ready():
			return nil
		default:
		}
		dc.Close()
		return fmt.Errorf("signaling failed: %w", err)
	case <-ctx.Done():
		dc.Close()
		return ctx.Err()
	}
}
