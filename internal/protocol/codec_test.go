package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

// TestEncodeDecodeRoundTrip verifies that decoding an encoded frame yields the
// original frame for every code and a range of payload sizes.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name  string
		frame Frame
	}{
		{"request with no payload", Frame{Control: ControlWord{Code: CodeRequest, RID: 1, Token: 0xBEEF}}},
		{"response with small payload", Frame{Control: ControlWord{Code: CodeResponse, RID: 42, Token: 7}, Payload: []byte("hello world")}},
		{"notify with one byte", Frame{Control: ControlWord{Code: CodeNotify, RID: 0xFFFF, Token: 0xFFFF}, Payload: []byte{0x05}}},
		{"rst", Frame{Control: ControlWord{Code: CodeRST, RID: 9, Token: 10}, Payload: RSTPayload(ErrCodeSequence)}},
		{"request with max payload", Frame{Control: ControlWord{Code: CodeRequest, RID: 3, Token: 4}, Payload: make([]byte, MaxPayloadSize)}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := EncodeFrame(tc.frame)
			if err != nil {
				t.Fatalf("EncodeFrame failed: %v", err)
			}
			if len(encoded) != HeaderSize+len(tc.frame.Payload) {
				t.Fatalf("encoded size = %d, want %d", len(encoded), HeaderSize+len(tc.frame.Payload))
			}

			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if decoded.Block != nil || decoded.Frame == nil {
				t.Fatalf("expected a plain frame, got %+v", decoded)
			}

			got := decoded.Frame
			want := tc.frame.Control
			want.PayloadLen = uint16(len(tc.frame.Payload))
			if got.Control != want {
				t.Errorf("control mismatch: got %+v, want %+v", got.Control, want)
			}
			if !bytes.Equal(got.Payload, tc.frame.Payload) {
				t.Errorf("payload mismatch: got %d bytes, want %d", len(got.Payload), len(tc.frame.Payload))
			}
		})
	}
}

func TestEncodeOverridesPayloadLen(t *testing.T) {
	encoded, err := EncodeFrame(Frame{
		Control: ControlWord{Code: CodeRequest, PayloadLen: 999},
		Payload: []byte("abc"),
	})
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Frame.Control.PayloadLen != 3 {
		t.Errorf("PayloadLen = %d, want 3", decoded.Frame.Control.PayloadLen)
	}
}

func TestEncodeRejects(t *testing.T) {
	if _, err := EncodeFrame(Frame{Control: ControlWord{Code: CodeRequest}, Payload: make([]byte, MaxPayloadSize+1)}); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("oversized payload: got %v, want ErrPayloadTooLarge", err)
	}
	if _, err := EncodeFrame(Frame{Control: ControlWord{Code: CodeRequest, BlockFlag: true}}); !errors.Is(err, ErrMalformed) {
		t.Errorf("block flag on plain frame: got %v, want ErrMalformed", err)
	}
}

func TestBlockFrameRoundTrip(t *testing.T) {
	for _, isLast := range []bool{false, true} {
		t.Run(fmt.Sprintf("isLast=%v", isLast), func(t *testing.T) {
			in := BlockFrame{
				Control:    ControlWord{Code: CodeRequest, RID: 77, Token: 0x1234},
				BlockIndex: 0xDEADBEEF,
				IsLast:     isLast,
				Payload:    []byte("fragment"),
			}
			encoded, err := EncodeBlockFrame(in)
			if err != nil {
				t.Fatalf("EncodeBlockFrame failed: %v", err)
			}
			if encoded[1]&flagBlock == 0 {
				t.Fatalf("block flag not set on the wire")
			}

			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if decoded.Block == nil {
				t.Fatalf("expected a block frame")
			}
			got := decoded.Block
			if !got.Control.BlockFlag || got.Control.RID != 77 || got.Control.Token != 0x1234 || got.Control.PayloadLen != 8 {
				t.Errorf("control mismatch: %+v", got.Control)
			}
			if got.BlockIndex != in.BlockIndex || got.IsLast != isLast {
				t.Errorf("block fields mismatch: index=%d last=%v", got.BlockIndex, got.IsLast)
			}
			if !bytes.Equal(got.Payload, in.Payload) {
				t.Errorf("payload mismatch: %q", got.Payload)
			}
		})
	}
}

// TestDecodeTruncated covers every buffer shorter than what the header declares.
func TestDecodeTruncated(t *testing.T) {
	full, _ := EncodeFrame(Frame{Control: ControlWord{Code: CodeResponse, RID: 1, Token: 2}, Payload: []byte("0123456789")})
	for n := 0; n < len(full); n++ {
		_, err := Decode(full[:n])
		if !errors.Is(err, ErrTruncated) {
			t.Fatalf("Decode(%d of %d bytes) = %v, want ErrTruncated", n, len(full), err)
		}
	}

	block, _ := EncodeBlockFrame(BlockFrame{Control: ControlWord{Code: CodeRequest}, Payload: []byte("xyz")})
	for n := HeaderSize; n < len(block); n++ {
		_, err := Decode(block[:n])
		if !errors.Is(err, ErrTruncated) {
			t.Fatalf("Decode(block %d of %d bytes) = %v, want ErrTruncated", n, len(block), err)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid, _ := EncodeFrame(Frame{Control: ControlWord{Code: CodeRequest}, Payload: []byte("ok")})
	validBlock, _ := EncodeBlockFrame(BlockFrame{Control: ControlWord{Code: CodeRequest}, Payload: []byte("ok")})

	mutate := func(src []byte, fn func([]byte) []byte) []byte {
		b := append([]byte(nil), src...)
		return fn(b)
	}

	testCases := []struct {
		name string
		data []byte
	}{
		{"unknown code", mutate(valid, func(b []byte) []byte { b[0] = 0x7E; return b })},
		{"zero code", mutate(valid, func(b []byte) []byte { b[0] = 0; return b })},
		{"reserved flag", mutate(valid, func(b []byte) []byte { b[1] = 0x02; return b })},
		{"trailing bytes", append(append([]byte(nil), valid...), 0xAA)},
		{"is_last out of range", mutate(validBlock, func(b []byte) []byte { b[12] = 2; return b })},
		{"rst without high bit", mustEncode(t, Frame{Control: ControlWord{Code: CodeRST}, Payload: []byte{0x05}})},
		{"rst with two bytes", mustEncode(t, Frame{Control: ControlWord{Code: CodeRST}, Payload: []byte{0x85, 0x00}})},
		{"rst with no payload", mustEncode(t, Frame{Control: ControlWord{Code: CodeRST}})},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("Decode = %v, want ErrMalformed", err)
			}
		})
	}
}

// TestDecodePreservesPayload verifies that the payload is copied out of the
// input buffer.
func TestDecodePreservesPayload(t *testing.T) {
	encoded := mustEncode(t, Frame{Control: ControlWord{Code: CodeResponse}, Payload: []byte("original")})
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	encoded[HeaderSize] = 0xFF
	if !bytes.Equal(decoded.Frame.Payload, []byte("original")) {
		t.Errorf("payload was aliased: %q", decoded.Frame.Payload)
	}
}

func TestRSTPayloadMask(t *testing.T) {
	testCases := []struct {
		code ErrorCode
		wire byte
	}{
		{ErrCodeReset, 0x80},
		{ErrCodeApplication, 0x85},
		{ErrorCode(0x7F), 0xFF},
	}
	for _, tc := range testCases {
		t.Run(tc.code.String(), func(t *testing.T) {
			p := RSTPayload(tc.code)
			if len(p) != 1 || p[0] != tc.wire {
				t.Fatalf("RSTPayload(%v) = %x, want %02x", tc.code, p, tc.wire)
			}
			got, err := ParseRSTPayload(p)
			if err != nil {
				t.Fatalf("ParseRSTPayload failed: %v", err)
			}
			if got != tc.code {
				t.Errorf("ParseRSTPayload = %v, want %v", got, tc.code)
			}
		})
	}

	if got, _ := ParseRSTPayload([]byte{0x85}); got != 0x05 {
		t.Errorf("0x85 decoded to 0x%02x, want 0x05", uint8(got))
	}
}

func mustEncode(t *testing.T, f Frame) []byte {
	t.Helper()
	b, err := EncodeFrame(f)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	return b
}

// FuzzDecode checks that arbitrary datagrams never panic the decoder and that
// anything it accepts re-encodes to the same bytes.
func FuzzDecode(f *testing.F) {
	seed, _ := EncodeFrame(Frame{Control: ControlWord{Code: CodeRequest, RID: 1, Token: 2}, Payload: []byte("seed")})
	f.Add(seed)
	block, _ := EncodeBlockFrame(BlockFrame{Control: ControlWord{Code: CodeResponse}, BlockIndex: 3, IsLast: true, Payload: []byte("b")})
	f.Add(block)
	f.Add([]byte{})
	f.Add([]byte{0x04, 0x00, 0x00, 0x01, 0x00, 0x02, 0x00, 0x01, 0x85})

	f.Fuzz(func(t *testing.T, data []byte) {
		d, err := Decode(data)
		if err != nil {
			return
		}
		var out []byte
		if d.Block != nil {
			out, err = EncodeBlockFrame(*d.Block)
		} else {
			out, err = EncodeFrame(*d.Frame)
		}
		if err != nil {
			t.Fatalf("re-encode failed: %v", err)
		}
		if !bytes.Equal(out, data) {
			t.Fatalf("re-encode mismatch:\n got %x\nwant %x", out, data)
		}
	})
}
