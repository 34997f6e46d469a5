package ipt

import (
	"errors"
	"fmt"
)

// Options builder errors
var (
	ErrInvalidFlags = errors.New("invalid trace flags")
	ErrInvalidSize  = errors.New("invalid trace buffer size")
)

// Decoder errors
var (
	ErrMalformedHeaderRegion = errors.New("header region is not a whole number of trace headers")
	ErrTruncatedSegment      = errors.New("trace segment runs past the end of the buffer")
	ErrShortBuffer           = errors.New("buffer is shorter than the trace data header")
)

// Service and session errors
var (
	ErrUnsupportedBufferVersion = errors.New("ipt service speaks a buffer dialect we don't understand")
	ErrUnsupportedTraceVersion  = errors.New("ipt service returns traces we don't understand")
	ErrNotNegotiated            = errors.New("ipt service capability was not negotiated")
	ErrBufferTooSmall           = errors.New("trace buffer too small for the current trace")
)

// DecodeError is returned by Decode when the buffer cannot be fully walked.
// Decoded holds the segments that were read before the failure; the payloads
// still reference the input buffer.
type DecodeError struct {
	Err     error
	Index   int // index of the header that failed, -1 for buffer-level failures
	Offset  int // byte offset of that header in the buffer
	Decoded []Segment
}

func (e *DecodeError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("decode trace buffer: %v", e.Err)
	}
	return fmt.Sprintf("decode trace header %d at offset %#x: %v", e.Index, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodedPrefix returns the segments decoded before err occurred, if err is
// (or wraps) a *DecodeError.
func DecodedPrefix(err error) []Segment {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Decoded
	}
	return nil
}
