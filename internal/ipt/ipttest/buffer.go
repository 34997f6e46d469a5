// Package ipttest builds synthetic trace buffers in the layout the Intel PT
// service returns, for use in tests.
package ipttest

import (
	"encoding/binary"

	"ipttool/internal/ipt"
)

const pageSize = 4096

// Thread describes one segment of a synthetic buffer.
type Thread struct {
	ID       uint64
	Metadata ipt.SegmentMetadata
	Payload  []byte
}

// Buffer packs threads into a trace buffer: the IPT_TRACE_DATA header, then
// each trace header followed by its payload. The buffer is zero padded so
// that its size is the payload area rounded up to a page plus one header
// record per thread, which is the size the decoder derives the header count
// from. The header table must stay below a page, so at most 127 threads fit.
func Buffer(threads ...Thread) []byte {
	if len(threads)*ipt.TraceHeaderSize >= pageSize {
		panic("ipttest: too many threads for one header page")
	}
	payloadArea := ipt.BufferHeaderSize
	for _, t := range threads {
		payloadArea += len(t.Payload)
	}
	total := alignUp(payloadArea, pageSize) + len(threads)*ipt.TraceHeaderSize

	buf := make([]byte, total)
	binary.LittleEndian.PutUint16(buf[0:2], ipt.TraceVersionCurrent)
	binary.LittleEndian.PutUint16(buf[2:4], 1)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(total-ipt.BufferHeaderSize))

	cursor := ipt.BufferHeaderSize
	for _, t := range threads {
		ipt.PutTraceHeader(buf[cursor:], ipt.TraceHeader{
			ThreadID:            t.ID,
			TimingSettings:      t.Metadata.TimingSettings,
			MtcFrequency:        t.Metadata.MtcFrequency,
			FrequencyToTscRatio: t.Metadata.FrequencyToTscRatio,
			UnknownSize:         t.Metadata.UnknownSize,
			TraceSize:           uint32(len(t.Payload)),
		})
		cursor += ipt.TraceHeaderSize
		cursor += copy(buf[cursor:], t.Payload)
	}
	return buf
}

// Seq returns n bytes counting up from first.
func Seq(first byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = first + byte(i)
	}
	return b
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
