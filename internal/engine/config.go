package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/dcom/internal/correlate"
	"github.com/1ureka/dcom/internal/gate"
	"github.com/1ureka/dcom/internal/protocol"
)

// Config tunes one engine. Every field has a usable default.
type Config struct {
	Pipe     protocol.PipeID
	Protocol uint8
	LocalIA  uint32

	MTU          int           // largest datagram the link carries
	MaxAttempts  int           // sends per request, first one included
	RetryTimeout time.Duration // wait after the first send
	Backoff      correlate.BackoffConfig

	ReassemblyTimeout time.Duration
	MaxMessageBytes   int
	MaxPending        int
	DedupTTL          time.Duration // 0 disables the duplicate-request cache
	TickInterval      time.Duration

	Gate gate.Policy

	// Clock overrides time.Now.
	Clock func() time.Time
}

// DefaultConfig returns the defaults for pipe 0.
func DefaultConfig() Config {
	return Config{
		Protocol:          1,
		MTU:               256,
		MaxAttempts:       3,
		RetryTimeout:      500 * time.Millisecond,
		Backoff:           correlate.DefaultBackoff(),
		ReassemblyTimeout: 10 * time.Second,
		MaxMessageBytes:   1 << 20,
		MaxPending:        1024,
		DedupTTL:          30 * time.Second,
		TickInterval:      50 * time.Millisecond,
	}
}

var ErrInvalidConfig = errors.New("engine: invalid config")

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch {
	case c.MTU <= protocol.BlockHeaderSize:
		return fmt.Errorf("%w: mtu %d must exceed the %d-byte block header", ErrInvalidConfig, c.MTU, protocol.BlockHeaderSize)
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts must be at least 1", ErrInvalidConfig)
	case c.RetryTimeout <= 0:
		return fmt.Errorf("%w: retry_timeout must be positive", ErrInvalidConfig)
	case c.ReassemblyTimeout <= 0:
		return fmt.Errorf("%w: reassembly_timeout must be positive", ErrInvalidConfig)
	case c.TickInterval <= 0:
		return fmt.Errorf("%w: tick_interval must be positive", ErrInvalidConfig)
	case c.MaxPending < 0 || c.MaxMessageBytes < 0 || c.DedupTTL < 0:
		return fmt.Errorf("%w: negative bound", ErrInvalidConfig)
	case c.Gate.Rate < 0:
		return fmt.Errorf("%w: negative gate rate", ErrInvalidConfig)
	}
	return nil
}

// awaitWindow is how long a block-wise request waits for its reply.
func (c Config) awaitWindow() time.Duration {
	return time.Duration(c.MaxAttempts) * c.RetryTimeout
}
