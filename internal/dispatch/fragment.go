package dispatch

import (
	"errors"
	"fmt"

	"github.com/1ureka/dcom/internal/protocol"
)

// ErrMTU reports an MTU too small to carry any block payload.
var ErrMTU = errors.New("dispatch: mtu too small")

// FitsSingle reports whether a payload of n bytes fits in one plain frame.
func FitsSingle(n, mtu int) bool {
	return n <= protocol.MaxPayloadSize && protocol.HeaderSize+n <= mtu
}

// Fragment slices payload into block payloads that each fit in mtu together
// with the block header. The chunks alias payload.
func Fragment(payload []byte, mtu int) ([][]byte, error) {
	size := mtu - protocol.BlockHeaderSize
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrMTU, mtu)
	}
	if size > protocol.MaxPayloadSize {
		size = protocol.MaxPayloadSize
	}
	n := (len(payload) + size - 1) / size
	if n == 0 {
		n = 1
	}
	chunks := make([][]byte, 0, n)
	for off := 0; off < len(payload) || len(chunks) == 0; off += size {
		end := min(off+size, len(payload))
		chunks = append(chunks, payload[off:end])
	}
	return chunks, nil
}
