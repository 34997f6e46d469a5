package metrics

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ipttool/internal/ipt"
)

// CaptureMetrics contains all capture and decode statistics. It implements
// ipt.Recorder.
type CaptureMetrics struct {
	registry *prometheus.Registry

	Captures          prometheus.Counter
	BufferBytes       prometheus.Gauge
	SegmentsDecoded   prometheus.Counter
	PayloadBytes      prometheus.Counter
	DecodeErrors      *prometheus.CounterVec // kind
	FetchRetries      prometheus.Counter
	ThreadPayloadSize *prometheus.GaugeVec // thread_id
}

// New registers the capture metrics on a dedicated registry.
func New() *CaptureMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &CaptureMetrics{
		registry: reg,
		Captures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ipttool_captures_total",
			Help: "Number of trace buffers fetched and decoded successfully.",
		}),
		BufferBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ipttool_capture_buffer_bytes",
			Help: "Size of the last trace buffer returned by the service.",
		}),
		SegmentsDecoded: factory.NewCounter(prometheus.CounterOpts{
			Name: "ipttool_segments_decoded_total",
			Help: "Number of per-thread trace segments decoded.",
		}),
		PayloadBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "ipttool_segment_payload_bytes_total",
			Help: "Total payload bytes of decoded trace segments.",
		}),
		DecodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ipttool_decode_errors_total",
			Help: "Number of trace buffers that failed to decode, by error kind.",
		}, []string{"kind"}),
		FetchRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "ipttool_fetch_retries_total",
			Help: "Number of trace reads repeated because the trace grew during the read.",
		}),
		ThreadPayloadSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ipttool_thread_payload_bytes",
			Help: "Payload bytes of the last decoded segment of each thread.",
		}, []string{"thread_id"}),
	}
}

// ObserveCapture records a successfully decoded capture.
func (m *CaptureMetrics) ObserveCapture(c *ipt.Capture) {
	m.Captures.Inc()
	m.BufferBytes.Set(float64(len(c.Buffer)))
	m.ObserveSegments(c.Segments)
}

// ObserveSegments records decoded segments, e.g. from an offline dump.
func (m *CaptureMetrics) ObserveSegments(segs []ipt.Segment) {
	m.SegmentsDecoded.Add(float64(len(segs)))
	for _, s := range segs {
		m.PayloadBytes.Add(float64(len(s.Payload)))
		m.ThreadPayloadSize.WithLabelValues(strconv.FormatUint(s.ThreadID, 10)).Set(float64(len(s.Payload)))
	}
}

// ObserveDecodeError records a failed decode.
func (m *CaptureMetrics) ObserveDecodeError(err error) {
	m.DecodeErrors.WithLabelValues(ErrorKind(err)).Inc()
}

// ObserveFetchRetry records a repeated trace read.
func (m *CaptureMetrics) ObserveFetchRetry() { m.FetchRetries.Inc() }

// WriteTextfile writes the metrics in the Prometheus text format, atomically
// replacing path.
func (m *CaptureMetrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

// ErrorKind maps a decode error to a short label value.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ipt.ErrMalformedHeaderRegion):
		return "malformed_header_region"
	case errors.Is(err, ipt.ErrTruncatedSegment):
		return "truncated_segment"
	case errors.Is(err, ipt.ErrShortBuffer):
		return "short_buffer"
	default:
		return "other"
	}
}
