package ipt

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"ipttool/internal/logger"
)

// Process is a target process opened with PROCESS_VM_READ.
type Process interface {
	PID() uint32
	Handle() uintptr
}

// Controller issues trace requests for a process to the service.
type Controller interface {
	StartTrace(p Process, opts Options) error
	StopTrace(p Process) error
	// TraceSize returns the number of bytes ReadTrace needs.
	TraceSize(p Process) (uint32, error)
	// ReadTrace fills buf with the current trace. It returns ErrBufferTooSmall
	// if the trace grew past len(buf) since TraceSize was queried.
	ReadTrace(p Process, buf []byte) error
}

// Recorder receives statistics about captures.
type Recorder interface {
	ObserveCapture(c *Capture)
	ObserveDecodeError(err error)
	ObserveFetchRetry()
}

// Capture is one trace fetched from the service.
type Capture struct {
	ID       uuid.UUID
	PID      uint32
	Taken    time.Time
	Header   BufferHeader
	Buffer   []byte
	Segments []Segment
}

// PayloadSize returns the total payload bytes of all segments.
func (c *Capture) PayloadSize() int64 { return PayloadSize(c.Segments) }

// DefaultFetchAttempts is how many times Fetch reads a trace that keeps growing.
const DefaultFetchAttempts = 3

// Session runs trace operations against the service once the capability
// has been negotiated.
type Session struct {
	ctl           Controller
	capability    Capability
	recorder      Recorder
	fetchAttempts int
	log           log.Logger
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithRecorder reports capture statistics to r.
func WithRecorder(r Recorder) SessionOption {
	return func(s *Session) { s.recorder = r }
}

// WithFetchAttempts bounds how many times Fetch re-reads a growing trace.
func WithFetchAttempts(n int) SessionOption {
	return func(s *Session) {
		if n > 0 {
			s.fetchAttempts = n
		}
	}
}

// NewSession returns a session that issues requests through ctl.
func NewSession(ctl Controller, c Capability, opts ...SessionOption) (*Session, error) {
	if !c.Valid() {
		return nil, ErrNotNegotiated
	}
	s := &Session{
		ctl:           ctl,
		capability:    c,
		fetchAttempts: DefaultFetchAttempts,
		log:           logger.NewLoggerWithContext("ipt_session"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start begins tracing p with opts.
func (s *Session) Start(p Process, opts Options) error {
	if err := s.ctl.StartTrace(p, opts); err != nil {
		return fmt.Errorf("failed to start a trace for pid %d: %w", p.PID(), err)
	}
	s.log.Debug().
		Uint32("pid", p.PID()).
		Uint32("buffer_size", opts.BufferSize()).
		Str("options", fmt.Sprintf("%#x", opts.Encode())).
		Msg("Trace started")
	return nil
}

// Stop ends tracing of p.
func (s *Session) Stop(p Process) error {
	if err := s.ctl.StopTrace(p); err != nil {
		return fmt.Errorf("failed to stop the trace for pid %d: %w", p.PID(), err)
	}
	s.log.Debug().Uint32("pid", p.PID()).Msg("Trace stopped")
	return nil
}

// Fetch reads and decodes the current trace of p.
//
// If the buffer cannot be decoded the capture is still returned together
// with the error, so the raw bytes can be kept and the decoded prefix used.
func (s *Session) Fetch(p Process) (*Capture, error) {
	buf, err := s.read(p)
	if err != nil {
		return nil, err
	}

	c := &Capture{
		ID:     uuid.New(),
		PID:    p.PID(),
		Taken:  time.Now(),
		Buffer: buf,
	}
	// A short buffer has no header but may still decode as empty.
	c.Header, _ = ReadBufferHeader(buf)

	segments, err := Decode(buf)
	if err != nil {
		c.Segments = DecodedPrefix(err)
		if s.recorder != nil {
			s.recorder.ObserveDecodeError(err)
		}
		return c, fmt.Errorf("failed to parse trace for pid %d: %w", p.PID(), err)
	}
	c.Segments = segments

	if s.recorder != nil {
		s.recorder.ObserveCapture(c)
	}
	s.log.Debug().
		Str("capture_id", c.ID.String()).
		Uint32("pid", c.PID).
		Int("buffer_size", len(buf)).
		Int("segments", len(segments)).
		Int64("payload_bytes", c.PayloadSize()).
		Msg("Trace fetched")
	return c, nil
}

func (s *Session) read(p Process) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= s.fetchAttempts; attempt++ {
		size, err := s.ctl.TraceSize(p)
		if err != nil {
			return nil, fmt.Errorf("failed to query trace size for pid %d: %w", p.PID(), err)
		}

		buf := make([]byte, size)
		err = s.ctl.ReadTrace(p, buf)
		if err == nil {
			return buf, nil
		}
		if !errors.Is(err, ErrBufferTooSmall) {
			return nil, fmt.Errorf("failed to query trace for pid %d: %w", p.PID(), err)
		}

		lastErr = err
		if s.recorder != nil {
			s.recorder.ObserveFetchRetry()
		}
		s.log.Debug().
			Uint32("pid", p.PID()).
			Uint32("size", size).
			Int("attempt", attempt).
			Msg("Trace grew while reading, retrying")
	}
	return nil, fmt.Errorf("trace for pid %d kept growing after %d attempts: %w", p.PID(), s.fetchAttempts, lastErr)
}
