package tracefile

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"ipttool/internal/ipt"
)

// IndexSuffix is appended to a trace file name to name its index.
const IndexSuffix = ".index.toml"

// Index describes the segments of a trace file so the payload stream can be
// split back per thread.
type Index struct {
	CaptureID    string         `toml:"capture_id"`
	PID          uint32         `toml:"pid"`
	Taken        time.Time      `toml:"taken"`
	TraceVersion uint16         `toml:"trace_version"`
	ValidTrace   uint16         `toml:"valid_trace"`
	BufferSize   int            `toml:"buffer_size"`
	Format       string         `toml:"format"`
	Compression  string         `toml:"compression"`
	Partial      bool           `toml:"partial"`
	Segments     []IndexSegment `toml:"segment"`
}

// IndexSegment is one thread's entry in the index. FileOffset is where the
// payload starts in the trace file: in the concatenated payload stream for
// the payload format, or in the buffer for the raw format. With zstd
// compression the offset refers to the decompressed stream, not to the
// bytes on disk.
type IndexSegment struct {
	ThreadID            uint64 `toml:"thread_id"`
	FileOffset          int64  `toml:"file_offset"`
	Size                int    `toml:"size"`
	TimingSettings      uint32 `toml:"timing_settings"`
	MtcFrequency        uint32 `toml:"mtc_frequency"`
	FrequencyToTscRatio uint32 `toml:"frequency_to_tsc_ratio"`
	UnknownSize         uint32 `toml:"unknown_size"`
}

// NewIndex builds the index of a capture written in format ("payload" or "raw").
func NewIndex(c *ipt.Capture, format string, comp Compression, partial bool) *Index {
	idx := &Index{
		CaptureID:    c.ID.String(),
		PID:          c.PID,
		Taken:        c.Taken,
		TraceVersion: c.Header.TraceVersion,
		ValidTrace:   c.Header.ValidTrace,
		BufferSize:   len(c.Buffer),
		Format:       format,
		Compression:  string(comp),
		Partial:      partial,
		Segments:     make([]IndexSegment, 0, len(c.Segments)),
	}

	var streamOffset int64
	for _, s := range c.Segments {
		off := streamOffset
		if format == "raw" {
			off = int64(s.Offset)
		}
		idx.Segments = append(idx.Segments, IndexSegment{
			ThreadID:            s.ThreadID,
			FileOffset:          off,
			Size:                len(s.Payload),
			TimingSettings:      s.Metadata.TimingSettings,
			MtcFrequency:        s.Metadata.MtcFrequency,
			FrequencyToTscRatio: s.Metadata.FrequencyToTscRatio,
			UnknownSize:         s.Metadata.UnknownSize,
		})
		streamOffset += int64(len(s.Payload))
	}
	return idx
}

// WriteIndex encodes idx as TOML to path.
func WriteIndex(path string, idx *Index) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create index file %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(idx); err != nil {
		return fmt.Errorf("failed to encode index to TOML: %w", err)
	}
	return f.Close()
}

// ReadIndex loads an index written by WriteIndex.
func ReadIndex(path string) (*Index, error) {
	var idx Index
	if _, err := toml.DecodeFile(path, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse index file %s: %w", path, err)
	}
	return &idx, nil
}
