// Package metrics keeps process-wide protocol counters, exports them to
// Prometheus and periodically logs a traffic summary.
package metrics

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide protocol counter set.
var Stats = &stats{}

type stats struct {
	FramesSent      atomic.Int64 // frames handed to a link driver
	FramesRecv      atomic.Int64 // datagrams that decoded cleanly
	BytesSent       atomic.Int64 // encoded bytes handed to a link driver
	BytesRecv       atomic.Int64 // raw bytes received from a link driver
	Suppressed      atomic.Int64 // sends dropped by the address gate
	LinkErrors      atomic.Int64 // driver send failures
	CodecErrors     atomic.Int64 // datagrams dropped as truncated or malformed
	Retries         atomic.Int64 // request frames re-sent after a deadline
	Timeouts        atomic.Int64 // exchanges that ran out of attempts
	Completed       atomic.Int64 // exchanges completed with a response
	RSTSent         atomic.Int64
	RSTRecv         atomic.Int64
	Stale           atomic.Int64 // replies that matched no pending exchange
	SequenceErrors  atomic.Int64 // block transfers discarded for bad ordering
	ExpiredPartials atomic.Int64 // block transfers dropped by the reassembly timeout
	Duplicates      atomic.Int64 // retransmitted requests absorbed by the reply cache
}

func (s *stats) AddSent(n int) {
	s.FramesSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	FramesSent, FramesRecv, BytesSent, BytesRecv int64
	Suppressed, LinkErrors, CodecErrors          int64
	Retries, Timeouts, Completed                 int64
	RSTSent, RSTRecv, Stale                      int64
	SequenceErrors, ExpiredPartials, Duplicates  int64
}

func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		FramesSent:      s.FramesSent.Load(),
		FramesRecv:      s.FramesRecv.Load(),
		BytesSent:       s.BytesSent.Load(),
		BytesRecv:       s.BytesRecv.Load(),
		Suppressed:      s.Suppressed.Load(),
		LinkErrors:      s.LinkErrors.Load(),
		CodecErrors:     s.CodecErrors.Load(),
		Retries:         s.Retries.Load(),
		Timeouts:        s.Timeouts.Load(),
		Completed:       s.Completed.Load(),
		RSTSent:         s.RSTSent.Load(),
		RSTRecv:         s.RSTRecv.Load(),
		Stale:           s.Stale.Load(),
		SequenceErrors:  s.SequenceErrors.Load(),
		ExpiredPartials: s.ExpiredPartials.Load(),
		Duplicates:      s.Duplicates.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartReporter launches a goroutine that logs a traffic summary every
// interval while there is activity. It stops when ctx is cancelled.
func StartReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := Stats.Snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if line, active := formatDelta(prev, cur, interval); active {
					pterm.DefaultLogger.Info(line)
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width (8 chars) string such
// as "99.0   B" or " 1.5 KiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatDelta renders the change between two snapshots. The second result is
// false when nothing moved.
func formatDelta(prev, cur Snapshot, interval time.Duration) (string, bool) {
	secs := interval.Seconds()
	out := float64(cur.BytesSent-prev.BytesSent) / secs
	in := float64(cur.BytesRecv-prev.BytesRecv) / secs
	frames := cur.FramesSent - prev.FramesSent + cur.FramesRecv - prev.FramesRecv
	retries := cur.Retries - prev.Retries
	timeouts := cur.Timeouts - prev.Timeouts
	rst := cur.RSTSent - prev.RSTSent + cur.RSTRecv - prev.RSTRecv

	if frames == 0 && retries == 0 && timeouts == 0 {
		return "", false
	}
	return fmt.Sprintf("In: %s/s | Out: %s/s | Frames: %d | Retry: %d | Timeout: %d | RST: %d",
		formatBytes(in),
		formatBytes(out),
		frames,
		retries,
		timeouts,
		rst,
	), true
}
