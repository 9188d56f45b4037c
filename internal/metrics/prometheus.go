package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registerOnce sync.Once

func counter(name, help string, v *atomic.Int64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: "dcom",
			Name:      name,
			Help:      help,
		},
		func() float64 { return float64(v.Load()) },
	)
}

// Collectors returns the Prometheus view of Stats.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		counter("frames_sent_total", "Frames handed to a link driver.", &Stats.FramesSent),
		counter("frames_received_total", "Datagrams decoded successfully.", &Stats.FramesRecv),
		counter("bytes_sent_total", "Encoded bytes handed to a link driver.", &Stats.BytesSent),
		counter("bytes_received_total", "Raw bytes received from a link driver.", &Stats.BytesRecv),
		counter("sends_suppressed_total", "Sends dropped by the address gate.", &Stats.Suppressed),
		counter("link_errors_total", "Link driver send failures.", &Stats.LinkErrors),
		counter("codec_errors_total", "Datagrams dropped as truncated or malformed.", &Stats.CodecErrors),
		counter("retries_total", "Request frames re-sent after a deadline.", &Stats.Retries),
		counter("timeouts_total", "Exchanges that ran out of attempts.", &Stats.Timeouts),
		counter("exchanges_completed_total", "Exchanges completed with a response.", &Stats.Completed),
		counter("rst_sent_total", "RST frames sent.", &Stats.RSTSent),
		counter("rst_received_total", "RST frames received for pending exchanges.", &Stats.RSTRecv),
		counter("stale_replies_total", "Replies that matched no pending exchange.", &Stats.Stale),
		counter("sequence_errors_total", "Block transfers discarded for bad ordering.", &Stats.SequenceErrors),
		counter("reassembly_expired_total", "Block transfers dropped by the reassembly timeout.", &Stats.ExpiredPartials),
		counter("duplicate_requests_total", "Retransmitted requests absorbed by the reply cache.", &Stats.Duplicates),
	}
}

// Register adds the collectors to the default registry once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
}

// Handler registers the collectors and returns the /metrics handler.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
