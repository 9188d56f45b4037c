// Package dispatch turns frames into link sends, honoring the address gate.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/1ureka/dcom/internal/gate"
	"github.com/1ureka/dcom/internal/link"
	"github.com/1ureka/dcom/internal/metrics"
	"github.com/1ureka/dcom/internal/protocol"
	"github.com/1ureka/dcom/internal/util"
)

// ErrLink wraps every driver failure.
var ErrLink = errors.New("dispatch: link error")

// Outcome is the result of one send attempt.
type Outcome int

const (
	OutcomeSent       Outcome = iota // handed to the driver
	OutcomeSuppressed                // gate closed, driver not called
	OutcomeLinkError                 // driver returned an error
	OutcomeInvalid                   // frame could not be encoded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeLinkError:
		return "link-error"
	case OutcomeInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Dispatcher encodes frames and sends them through a link driver. It never
// retries.
type Dispatcher struct {
	driver link.Driver
	gate   *gate.Gate
}

// New creates a dispatcher. A nil gate means every pipe is always open.
func New(driver link.Driver, g *gate.Gate) *Dispatcher {
	if g == nil {
		g = gate.New(nil)
	}
	return &Dispatcher{driver: driver, gate: g}
}

// Gate returns the gate consulted before every send.
func (d *Dispatcher) Gate() *gate.Gate { return d.gate }

// Send encodes and transmits a plain frame.
func (d *Dispatcher) Send(addr protocol.Address, f protocol.Frame) (Outcome, error) {
	if !d.gate.Allowed(addr.Pipe) {
		return d.suppressed(addr, f.Control)
	}
	b, err := protocol.EncodeFrame(f)
	if err != nil {
		return OutcomeInvalid, err
	}
	return d.transmit(addr, f.Control, b)
}

// BlockSend encodes and transmits one block fragment.
func (d *Dispatcher) BlockSend(addr protocol.Address, bf protocol.BlockFrame) (Outcome, error) {
	if !d.gate.Allowed(addr.Pipe) {
		return d.suppressed(addr, bf.Control)
	}
	b, err := protocol.EncodeBlockFrame(bf)
	if err != nil {
		return OutcomeInvalid, err
	}
	return d.transmit(addr, bf.Control, b)
}

// SendRaw transmits already-encoded frame bytes, used for retransmissions.
func (d *Dispatcher) SendRaw(addr protocol.Address, cw protocol.ControlWord, b []byte) (Outcome, error) {
	if !d.gate.Allowed(addr.Pipe) {
		return d.suppressed(addr, cw)
	}
	return d.transmit(addr, cw, b)
}

// SendRST sends an RST echoing rid and token.
func (d *Dispatcher) SendRST(addr protocol.Address, code protocol.ErrorCode, rid, token uint16) (Outcome, error) {
	out, err := d.Send(addr, protocol.Frame{
		Control: protocol.ControlWord{Code: protocol.CodeRST, RID: rid, Token: token, PayloadLen: 1},
		Payload: protocol.RSTPayload(code),
	})
	if out == OutcomeSent {
		metrics.Stats.RSTSent.Add(1)
		util.LogDebug("[%s] RST %s rid=%d token=%04x", addr, code, rid, token)
	}
	return out, err
}

// SendPayload sends payload as a single frame when it fits in mtu, otherwise
// as ordered block fragments. It stops at the first fragment that is not
// sent and returns that outcome.
func (d *Dispatcher) SendPayload(addr protocol.Address, code uint8, rid, token uint16, payload []byte, mtu int) (Outcome, error) {
	cw := protocol.ControlWord{Code: code, RID: rid, Token: token}
	if FitsSingle(len(payload), mtu) {
		return d.Send(addr, protocol.Frame{Control: cw, Payload: payload})
	}

	chunks, err := Fragment(payload, mtu)
	if err != nil {
		return OutcomeInvalid, err
	}
	cw.BlockFlag = true
	for i, chunk := range chunks {
		out, err := d.BlockSend(addr, protocol.BlockFrame{
			Control:    cw,
			BlockIndex: uint32(i),
			IsLast:     i == len(chunks)-1,
			Payload:    chunk,
		})
		if out != OutcomeSent {
			return out, err
		}
	}
	return OutcomeSent, nil
}

func (d *Dispatcher) transmit(addr protocol.Address, cw protocol.ControlWord, b []byte) (Outcome, error) {
	if err := d.driver.SendBytes(addr.Pipe, addr.DstIA, b); err != nil {
		metrics.Stats.LinkErrors.Add(1)
		util.LogWarning("[%s] %s rid=%d send failed: %v", addr, protocol.CodeName(cw.Code), cw.RID, err)
		if cool := d.gate.Policy(addr.Pipe).BlockOnLinkError; cool > 0 {
			d.gate.BlockFor(addr.Pipe, "link error", cool)
		}
		return OutcomeLinkError, fmt.Errorf("%w: %w", ErrLink, err)
	}
	d.gate.RecordSend(addr.Pipe)
	metrics.Stats.AddSent(len(b))
	util.LogDebug("[%s] -> %s rid=%d token=%04x len=%d", addr, protocol.CodeName(cw.Code), cw.RID, cw.Token, len(b))
	return OutcomeSent, nil
}

func (d *Dispatcher) suppressed(addr protocol.Address, cw protocol.ControlWord) (Outcome, error) {
	metrics.Stats.Suppressed.Add(1)
	util.LogDebug("[%s] %s rid=%d suppressed by gate", addr, protocol.CodeName(cw.Code), cw.RID)
	return OutcomeSuppressed, nil
}
