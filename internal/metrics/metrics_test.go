package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"ipttool/internal/ipt"
	"ipttool/internal/ipt/ipttest"
)

func TestObserveCapture(t *testing.T) {
	buf := ipttest.Buffer(
		ipttest.Thread{ID: 100, Payload: ipttest.Seq(1, 8)},
		ipttest.Thread{ID: 200, Payload: ipttest.Seq(9, 4)},
	)
	segs, err := ipt.Decode(buf)
	require.NoError(t, err)

	m := New()
	m.ObserveCapture(&ipt.Capture{Buffer: buf, Segments: segs})

	require.Equal(t, 1.0, testutil.ToFloat64(m.Captures))
	require.Equal(t, float64(len(buf)), testutil.ToFloat64(m.BufferBytes))
	require.Equal(t, 2.0, testutil.ToFloat64(m.SegmentsDecoded))
	require.Equal(t, 12.0, testutil.ToFloat64(m.PayloadBytes))
	require.Equal(t, 8.0, testutil.ToFloat64(m.ThreadPayloadSize.WithLabelValues("100")))
	require.Equal(t, 4.0, testutil.ToFloat64(m.ThreadPayloadSize.WithLabelValues("200")))
}

func TestObserveDecodeError(t *testing.T) {
	m := New()
	_, err := ipt.Decode(make([]byte, 4097))
	m.ObserveDecodeError(err)
	m.ObserveDecodeError(err)
	m.ObserveFetchRetry()

	require.Equal(t, 2.0, testutil.ToFloat64(m.DecodeErrors.WithLabelValues("malformed_header_region")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.FetchRetries))
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ipt.ErrMalformedHeaderRegion, "malformed_header_region"},
		{fmt.Errorf("wrapped: %w", ipt.ErrTruncatedSegment), "truncated_segment"},
		{ipt.ErrShortBuffer, "short_buffer"},
		{ipt.ErrBufferTooSmall, "other"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.ObserveFetchRetry()

	path := filepath.Join(t.TempDir(), "ipttool.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "ipttool_fetch_retries_total 1"))
}
