package protocol

import "fmt"

// ErrorCode is the 7-bit error carried by an RST frame.
type ErrorCode uint8

const (
	ErrCodeReset       ErrorCode = 0x00 // Generic reset
	ErrCodeNotAllowed  ErrorCode = 0x01 // Pipe not allowed to send
	ErrCodeSequence    ErrorCode = 0x02 // Block fragment out of order
	ErrCodeUnsupported ErrorCode = 0x03 // No handler for requests
	ErrCodeTooLarge    ErrorCode = 0x04 // Reassembled message over the bound
	ErrCodeApplication ErrorCode = 0x05 // Handler reported a failure
	ErrCodeBusy        ErrorCode = 0x06 // Peer cannot take the request now
)

// errorCodeMask marks an RST payload byte; it keeps a single-byte error
// distinguishable from a one-byte normal payload.
const errorCodeMask = 0x80

var errorCodeNames = map[ErrorCode]string{
	ErrCodeReset:       "RESET",
	ErrCodeNotAllowed:  "NOT_ALLOWED",
	ErrCodeSequence:    "SEQUENCE",
	ErrCodeUnsupported: "UNSUPPORTED",
	ErrCodeTooLarge:    "TOO_LARGE",
	ErrCodeApplication: "APPLICATION",
	ErrCodeBusy:        "BUSY",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", uint8(c))
}

// RSTPayload returns the one-byte RST payload for code.
func RSTPayload(code ErrorCode) []byte {
	return []byte{(uint8(code) | errorCodeMask) & 0xFF}
}

// ParseRSTPayload recovers the error code from an RST payload.
func ParseRSTPayload(p []byte) (ErrorCode, error) {
	if len(p) != 1 || p[0]&errorCodeMask == 0 {
		return 0, fmt.Errorf("%w: invalid RST payload", ErrMalformed)
	}
	return ErrorCode(p[0] &^ errorCodeMask), nil
}
