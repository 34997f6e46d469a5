package ipt

import (
	"encoding/binary"
	"fmt"
)

const (
	// BufferHeaderSize is the size of the IPT_TRACE_DATA header that precedes
	// the data region of every trace buffer.
	BufferHeaderSize = 8

	// TraceHeaderSize is the size of one IPT_TRACE_HEADER record.
	TraceHeaderSize = 32

	pageMask = 1<<pageShift - 1
)

// BufferHeader is the IPT_TRACE_DATA header of a trace buffer.
type BufferHeader struct {
	TraceVersion uint16
	ValidTrace   uint16
	TraceSize    uint32
}

// TraceHeader is one IPT_TRACE_HEADER record as laid out in the buffer.
type TraceHeader struct {
	ThreadID            uint64
	TimingSettings      uint32
	MtcFrequency        uint32
	FrequencyToTscRatio uint32
	UnknownSize         uint32
	TraceSize           uint32
	Reserved            uint32
}

// SegmentMetadata is the timing configuration the service recorded for a
// thread. The values are opaque here and belong to the packet decoder.
type SegmentMetadata struct {
	TimingSettings      uint32
	MtcFrequency        uint32
	FrequencyToTscRatio uint32
	UnknownSize         uint32
}

// Segment is the trace of a single thread. Payload aliases the buffer it was
// decoded from; use Clone to keep it beyond the buffer's lifetime.
type Segment struct {
	ThreadID uint64
	Metadata SegmentMetadata
	Offset   int // offset of Payload within the buffer
	Payload  []byte
}

// Clone returns a copy of s that owns its payload.
func (s Segment) Clone() Segment {
	c := s
	c.Payload = append([]byte(nil), s.Payload...)
	return c
}

// ReadBufferHeader decodes the IPT_TRACE_DATA header at the start of buf.
func ReadBufferHeader(buf []byte) (BufferHeader, error) {
	if len(buf) < BufferHeaderSize {
		return BufferHeader{}, fmt.Errorf("%w: %d bytes", ErrShortBuffer, len(buf))
	}
	return BufferHeader{
		TraceVersion: binary.LittleEndian.Uint16(buf[0:2]),
		ValidTrace:   binary.LittleEndian.Uint16(buf[2:4]),
		TraceSize:    binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

func readTraceHeader(b []byte) TraceHeader {
	_ = b[TraceHeaderSize-1]
	return TraceHeader{
		ThreadID:            binary.LittleEndian.Uint64(b[0:8]),
		TimingSettings:      binary.LittleEndian.Uint32(b[8:12]),
		MtcFrequency:        binary.LittleEndian.Uint32(b[12:16]),
		FrequencyToTscRatio: binary.LittleEndian.Uint32(b[16:20]),
		UnknownSize:         binary.LittleEndian.Uint32(b[20:24]),
		TraceSize:           binary.LittleEndian.Uint32(b[24:28]),
		Reserved:            binary.LittleEndian.Uint32(b[28:32]),
	}
}

// PutTraceHeader encodes h into the first TraceHeaderSize bytes of b.
func PutTraceHeader(b []byte, h TraceHeader) {
	_ = b[TraceHeaderSize-1]
	binary.LittleEndian.PutUint64(b[0:8], h.ThreadID)
	binary.LittleEndian.PutUint32(b[8:12], h.TimingSettings)
	binary.LittleEndian.PutUint32(b[12:16], h.MtcFrequency)
	binary.LittleEndian.PutUint32(b[16:20], h.FrequencyToTscRatio)
	binary.LittleEndian.PutUint32(b[20:24], h.UnknownSize)
	binary.LittleEndian.PutUint32(b[24:28], h.TraceSize)
	binary.LittleEndian.PutUint32(b[28:32], h.Reserved)
}

// HeaderCount returns the number of trace headers the service wrote into a
// buffer of size n. The data region never starts page aligned, so the bytes
// past the last 4KB boundary are the header table.
func HeaderCount(n int) (int, error) {
	region := n & pageMask
	if region%TraceHeaderSize != 0 {
		return 0, fmt.Errorf("%w: %d bytes", ErrMalformedHeaderRegion, region)
	}
	return region / TraceHeaderSize, nil
}

// Decode splits a trace buffer returned by the service into per-thread
// segments, in the order they appear in the buffer.
//
// The header count is only used as an iteration bound: every header is
// followed by its own payload and the next header starts right after it, so
// each step is bounds checked against the buffer. Any failure discards the
// result; the segments decoded so far are available through *DecodeError.
func Decode(buf []byte) ([]Segment, error) {
	count, err := HeaderCount(len(buf))
	if err != nil {
		return nil, &DecodeError{Err: err, Index: -1}
	}
	if count == 0 {
		return []Segment{}, nil
	}

	segments := make([]Segment, 0, count)
	cursor := BufferHeaderSize
	for i := 0; i < count; i++ {
		if len(buf)-cursor < TraceHeaderSize {
			return nil, &DecodeError{
				Err:     fmt.Errorf("%w: header needs %d bytes, %d left", ErrTruncatedSegment, TraceHeaderSize, max(len(buf)-cursor, 0)),
				Index:   i,
				Offset:  cursor,
				Decoded: segments,
			}
		}
		h := readTraceHeader(buf[cursor:])

		start := cursor + TraceHeaderSize
		if uint64(h.TraceSize) > uint64(len(buf)-start) {
			return nil, &DecodeError{
				Err:     fmt.Errorf("%w: thread %d claims %d bytes, %d left", ErrTruncatedSegment, h.ThreadID, h.TraceSize, len(buf)-start),
				Index:   i,
				Offset:  cursor,
				Decoded: segments,
			}
		}
		end := start + int(h.TraceSize)

		segments = append(segments, Segment{
			ThreadID: h.ThreadID,
			Metadata: SegmentMetadata{
				TimingSettings:      h.TimingSettings,
				MtcFrequency:        h.MtcFrequency,
				FrequencyToTscRatio: h.FrequencyToTscRatio,
				UnknownSize:         h.UnknownSize,
			},
			Offset:  start,
			Payload: buf[start:end:end],
		})
		cursor = end
	}
	return segments, nil
}

// PayloadSize returns the total payload bytes of segs.
func PayloadSize(segs []Segment) int64 {
	var n int64
	for _, s := range segs {
		n += int64(len(s.Payload))
	}
	return n
}
