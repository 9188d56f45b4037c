// Package link provides the datagram drivers the protocol engine sends
// through, and the envelope they use to carry pipe and addressing over
// stream-oriented transports.
package link

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/1ureka/dcom/internal/protocol"
)

// Driver transmits one encoded frame as one datagram.
type Driver interface {
	SendBytes(pipe protocol.PipeID, dstIA uint32, b []byte) error
}

// Receiver accepts datagrams read by a driver.
type Receiver interface {
	Deliver(pipe protocol.PipeID, srcIA uint32, b []byte)
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(pipe protocol.PipeID, srcIA uint32, b []byte)

func (f ReceiverFunc) Deliver(pipe protocol.PipeID, srcIA uint32, b []byte) { f(pipe, srcIA, b) }

var (
	ErrClosed      = errors.New("link: closed")
	ErrUnreachable = errors.New("link: destination unreachable")
	ErrShortFrame  = errors.New("link: envelope too short")
)

// EnvelopeSize is Pipe(1) + SrcIA(4) + DstIA(4).
const EnvelopeSize = 9

// Envelope is the link header in front of each frame on shared transports.
type Envelope struct {
	Pipe  protocol.PipeID
	SrcIA uint32
	DstIA uint32
}

// Wrap prepends the envelope to frame.
func (e Envelope) Wrap(frame []byte) []byte {
	buf := make([]byte, EnvelopeSize+len(frame))
	buf[0] = byte(e.Pipe)
	binary.BigEndian.PutUint32(buf[1:5], e.SrcIA)
	binary.BigEndian.PutUint32(buf[5:9], e.DstIA)
	copy(buf[EnvelopeSize:], frame)
	return buf
}

// Unwrap splits a datagram into its envelope and frame bytes. The frame
// aliases data.
func Unwrap(data []byte) (Envelope, []byte, error) {
	if len(data) < EnvelopeSize {
		return Envelope{}, nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}
	env := Envelope{
		Pipe:  protocol.PipeID(data[0]),
		SrcIA: binary.BigEndian.Uint32(data[1:5]),
		DstIA: binary.BigEndian.Uint32(data[5:9]),
	}
	return env, data[EnvelopeSize:], nil
}
