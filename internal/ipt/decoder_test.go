package ipt_test

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"ipttool/internal/ipt"
	"ipttool/internal/ipt/ipttest"
)

func TestDecode_TwoThreads(t *testing.T) {
	buf := ipttest.Buffer(
		ipttest.Thread{ID: 100, Payload: ipttest.Seq(1, 8)},
		ipttest.Thread{ID: 200, Payload: ipttest.Seq(9, 4)},
	)
	require.Len(t, buf, 4096+2*ipt.TraceHeaderSize)

	segs, err := ipt.Decode(buf)
	require.NoError(t, err)
	require.Len(t, segs, 2)

	require.Equal(t, uint64(100), segs[0].ThreadID)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, segs[0].Payload)
	require.Equal(t, ipt.BufferHeaderSize+ipt.TraceHeaderSize, segs[0].Offset)

	require.Equal(t, uint64(200), segs[1].ThreadID)
	require.Equal(t, []byte{9, 10, 11, 12}, segs[1].Payload)
	require.Equal(t, ipt.BufferHeaderSize+2*ipt.TraceHeaderSize+8, segs[1].Offset)
}

func TestDecode_PageAlignedBufferIsEmpty(t *testing.T) {
	for _, n := range []int{0, 4096, 8192, 64 << 10} {
		segs, err := ipt.Decode(make([]byte, n))
		require.NoError(t, err, "size %d", n)
		require.NotNil(t, segs)
		require.Empty(t, segs, "size %d", n)
	}
}

func TestDecode_MalformedHeaderRegion(t *testing.T) {
	for _, extra := range []int{1, 31, 33, 100} {
		buf := make([]byte, 4096+extra)
		segs, err := ipt.Decode(buf)
		require.ErrorIs(t, err, ipt.ErrMalformedHeaderRegion, "extra %d", extra)
		require.Nil(t, segs)

		var de *ipt.DecodeError
		require.True(t, errors.As(err, &de))
		require.Equal(t, -1, de.Index)
		require.Empty(t, de.Decoded)
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	sizes := []int{0, 1, 7, 4096, 100, 8000, 3}
	threads := make([]ipttest.Thread, len(sizes))
	for i, n := range sizes {
		threads[i] = ipttest.Thread{
			ID: uint64(1000 + i),
			Metadata: ipt.SegmentMetadata{
				TimingSettings:      uint32(i),
				MtcFrequency:        3,
				FrequencyToTscRatio: 0x55,
				UnknownSize:         uint32(n * 2),
			},
			Payload: ipttest.Seq(byte(i*16), n),
		}
	}

	segs, err := ipt.Decode(ipttest.Buffer(threads...))
	require.NoError(t, err)
	require.Len(t, segs, len(threads))
	for i, s := range segs {
		require.Equal(t, threads[i].ID, s.ThreadID)
		require.Equal(t, threads[i].Metadata, s.Metadata)
		require.Equal(t, len(threads[i].Payload), len(s.Payload))
		if len(s.Payload) > 0 {
			require.Equal(t, threads[i].Payload, s.Payload)
		}
	}
}

func TestDecode_TruncatedSegment(t *testing.T) {
	buf := ipttest.Buffer(
		ipttest.Thread{ID: 1, Payload: ipttest.Seq(1, 16)},
		ipttest.Thread{ID: 2, Payload: ipttest.Seq(1, 16)},
		ipttest.Thread{ID: 3, Payload: ipttest.Seq(1, 16)},
	)
	// Second header claims far more than the buffer holds.
	second := ipt.BufferHeaderSize + ipt.TraceHeaderSize + 16
	binary.LittleEndian.PutUint32(buf[second+24:], 1<<20)

	segs, err := ipt.Decode(buf)
	require.ErrorIs(t, err, ipt.ErrTruncatedSegment)
	require.Nil(t, segs)

	var de *ipt.DecodeError
	require.True(t, errors.As(err, &de))
	require.Equal(t, 1, de.Index)
	require.Equal(t, second, de.Offset)

	prefix := ipt.DecodedPrefix(err)
	require.Len(t, prefix, 1)
	require.Equal(t, uint64(1), prefix[0].ThreadID)
}

func TestDecode_TruncatedHeader(t *testing.T) {
	// One header's worth of region, but the data region is too short to hold it.
	segs, err := ipt.Decode(make([]byte, ipt.TraceHeaderSize))
	require.ErrorIs(t, err, ipt.ErrTruncatedSegment)
	require.Nil(t, segs)
	require.Empty(t, ipt.DecodedPrefix(err))
}

func TestDecode_MaxTraceSizeDoesNotOverflow(t *testing.T) {
	buf := ipttest.Buffer(ipttest.Thread{ID: 7, Payload: ipttest.Seq(0, 4)})
	binary.LittleEndian.PutUint32(buf[ipt.BufferHeaderSize+24:], ^uint32(0))

	_, err := ipt.Decode(buf)
	require.ErrorIs(t, err, ipt.ErrTruncatedSegment)
}

func TestDecode_PayloadIsAView(t *testing.T) {
	buf := ipttest.Buffer(ipttest.Thread{ID: 5, Payload: []byte{0xAA, 0xBB}})
	segs, err := ipt.Decode(buf)
	require.NoError(t, err)

	clone := segs[0].Clone()
	buf[segs[0].Offset] = 0x11
	require.Equal(t, byte(0x11), segs[0].Payload[0])
	require.Equal(t, byte(0xAA), clone.Payload[0])

	// Appending to a payload must not overwrite the next header.
	_ = append(segs[0].Payload, 0xFF)
	require.Equal(t, byte(0x11), buf[segs[0].Offset])
	require.Equal(t, 2, cap(segs[0].Payload))
}

func TestDecode_ConcurrentBuffers(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			buf := ipttest.Buffer(ipttest.Thread{ID: id, Payload: ipttest.Seq(byte(id), 64)})
			segs, err := ipt.Decode(buf)
			if err != nil || len(segs) != 1 || segs[0].ThreadID != id {
				t.Errorf("decode of buffer %d: segs=%v err=%v", id, segs, err)
			}
		}(uint64(i))
	}
	wg.Wait()
}

func TestReadBufferHeader(t *testing.T) {
	buf := ipttest.Buffer(ipttest.Thread{ID: 1, Payload: []byte{1}})
	h, err := ipt.ReadBufferHeader(buf)
	require.NoError(t, err)
	require.Equal(t, ipt.TraceVersionCurrent, h.TraceVersion)
	require.Equal(t, uint16(1), h.ValidTrace)
	require.Equal(t, uint32(len(buf)-ipt.BufferHeaderSize), h.TraceSize)

	_, err = ipt.ReadBufferHeader(make([]byte, 4))
	require.ErrorIs(t, err, ipt.ErrShortBuffer)
}

func TestHeaderCount(t *testing.T) {
	n, err := ipt.HeaderCount(3*4096 + 5*ipt.TraceHeaderSize)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	_, err = ipt.HeaderCount(4096 + 10)
	require.ErrorIs(t, err, ipt.ErrMalformedHeaderRegion)
}

func TestPayloadSize(t *testing.T) {
	segs, err := ipt.Decode(ipttest.Buffer(
		ipttest.Thread{ID: 1, Payload: ipttest.Seq(0, 10)},
		ipttest.Thread{ID: 2, Payload: ipttest.Seq(0, 22)},
	))
	require.NoError(t, err)
	require.Equal(t, int64(32), ipt.PayloadSize(segs))
}
