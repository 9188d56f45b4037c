package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrTruncated       = errors.New("protocol: truncated frame")
	ErrMalformed       = errors.New("protocol: malformed frame")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
)

// EncodeFrame serializes a plain frame. PayloadLen is always taken from the
// payload, whatever the caller put in the control word.
func EncodeFrame(f Frame) ([]byte, error) {
	if f.Control.BlockFlag {
		return nil, fmt.Errorf("%w: block flag set on plain frame", ErrMalformed)
	}
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, HeaderSize+len(f.Payload))
	putControl(buf, f.Control, 0, len(f.Payload))
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// EncodeBlockFrame serializes one block-wise fragment.
func EncodeBlockFrame(b BlockFrame) ([]byte, error) {
	if len(b.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, BlockHeaderSize+len(b.Payload))
	putControl(buf, b.Control, flagBlock, len(b.Payload))
	binary.BigEndian.PutUint32(buf[8:12], b.BlockIndex)
	if b.IsLast {
		buf[12] = 1
	}
	copy(buf[BlockHeaderSize:], b.Payload)
	return buf, nil
}

func putControl(buf []byte, cw ControlWord, flags uint8, payloadLen int) {
	buf[0] = cw.Code
	buf[1] = flags
	binary.BigEndian.PutUint16(buf[2:4], cw.RID)
	binary.BigEndian.PutUint16(buf[4:6], cw.Token)
	binary.BigEndian.PutUint16(buf[6:8], uint16(payloadLen))
}

// Decode parses one datagram into a Frame or a BlockFrame. It never panics on
// hostile input and the returned payload never aliases data.
func Decode(data []byte) (Decoded, error) {
	if len(data) < HeaderSize {
		return Decoded{}, fmt.Errorf("%w: %d bytes (need at least %d)", ErrTruncated, len(data), HeaderSize)
	}
	flags := data[1]
	if flags&flagReserved != 0 {
		return Decoded{}, fmt.Errorf("%w: reserved flags 0x%02x", ErrMalformed, flags)
	}
	cw := ControlWord{
		Code:       data[0],
		BlockFlag:  flags&flagBlock != 0,
		RID:        binary.BigEndian.Uint16(data[2:4]),
		Token:      binary.BigEndian.Uint16(data[4:6]),
		PayloadLen: binary.BigEndian.Uint16(data[6:8]),
	}
	if !validCode(cw.Code) {
		return Decoded{}, fmt.Errorf("%w: unknown code 0x%02x", ErrMalformed, cw.Code)
	}

	hdr := HeaderSize
	if cw.BlockFlag {
		hdr = BlockHeaderSize
		if len(data) < hdr {
			return Decoded{}, fmt.Errorf("%w: %d bytes (need at least %d)", ErrTruncated, len(data), hdr)
		}
		if data[12] > 1 {
			return Decoded{}, fmt.Errorf("%w: is_last=%d", ErrMalformed, data[12])
		}
	}

	body := data[hdr:]
	want := int(cw.PayloadLen)
	if len(body) < want {
		return Decoded{}, fmt.Errorf("%w: payload %d bytes, declared %d", ErrTruncated, len(body), want)
	}
	if len(body) > want {
		return Decoded{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(body)-want)
	}

	var payload []byte
	if want > 0 {
		payload = make([]byte, want)
		copy(payload, body)
	}

	if cw.Code == CodeRST {
		if cw.BlockFlag || want != 1 || payload[0]&0x80 == 0 {
			return Decoded{}, fmt.Errorf("%w: invalid RST payload", ErrMalformed)
		}
	}

	if cw.BlockFlag {
		return Decoded{Block: &BlockFrame{
			Control:    cw,
			BlockIndex: binary.BigEndian.Uint32(data[8:12]),
			IsLast:     data[12] == 1,
			Payload:    payload,
		}}, nil
	}
	return Decoded{Frame: &Frame{Control: cw, Payload: payload}}, nil
}
