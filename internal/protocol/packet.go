// Package protocol defines the frame format, addressing and error codes of the
// dcom request/response transport, plus the codec that maps frames to bytes.
package protocol

import "fmt"

// Frame codes.
const (
	CodeRequest  uint8 = 0x01 // Expects a Response or RST with the same rid/token
	CodeResponse uint8 = 0x02 // Reply to a Request
	CodeNotify   uint8 = 0x03 // Fire-and-forget, never answered
	CodeRST      uint8 = 0x04 // Error reply carrying one error byte
)

// Header sizes: Code(1) + Flags(1) + RID(2) + Token(2) + PayloadLen(2),
// block frames add BlockIndex(4) + IsLast(1).
const (
	HeaderSize      = 8
	BlockHeaderSize = HeaderSize + 5
)

// MaxPayloadSize is the largest payload a single frame can declare.
const MaxPayloadSize = 0xFFFF

const (
	flagBlock    uint8 = 0x01
	flagReserved uint8 = 0xFE
)

// ControlWord is the fixed header in front of every frame.
type ControlWord struct {
	Code       uint8
	BlockFlag  bool
	RID        uint16
	Token      uint16
	PayloadLen uint16
}

// Frame is one wire-transmittable message.
type Frame struct {
	Control ControlWord
	Payload []byte
}

// BlockFrame is one fragment of a block-wise transfer. All fragments of a
// logical message share RID and Token; BlockIndex counts up from 0 and IsLast
// is set only on the final fragment.
type BlockFrame struct {
	Control    ControlWord
	BlockIndex uint32
	IsLast     bool
	Payload    []byte
}

// Decoded is the result of Decode: exactly one of Frame or Block is non-nil.
type Decoded struct {
	Frame *Frame
	Block *BlockFrame
}

// Control returns the control word of whichever frame kind was decoded.
func (d Decoded) Control() ControlWord {
	if d.Block != nil {
		return d.Block.Control
	}
	return d.Frame.Control
}

// PipeID names a logical channel, e.g. one radio or one serial link.
type PipeID uint8

// Address is the destination of a send. It is a plain value type.
type Address struct {
	Protocol uint8
	Pipe     PipeID
	DstIA    uint32
}

func (a Address) String() string {
	return fmt.Sprintf("%d/%d/%08x", a.Protocol, a.Pipe, a.DstIA)
}

// CodeName returns a short name for a frame code, for logs.
func CodeName(code uint8) string {
	switch code {
	case CodeRequest:
		return "REQ"
	case CodeResponse:
		return "RSP"
	case CodeNotify:
		return "NTF"
	case CodeRST:
		return "RST"
	default:
		return fmt.Sprintf("0x%02x", code)
	}
}

func validCode(code uint8) bool {
	return code >= CodeRequest && code <= CodeRST
}
