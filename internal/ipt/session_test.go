package ipt_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"ipttool/internal/ipt"
	"ipttool/internal/ipt/ipttest"
)

type fakeProcess struct{ pid uint32 }

func (p fakeProcess) PID() uint32     { return p.pid }
func (p fakeProcess) Handle() uintptr { return uintptr(p.pid) + 0x1000 }

type fakeService struct {
	startErr      error
	bufferVersion uint32
	traceVersion  uint16
	started       int
}

func (s *fakeService) EnsureServiceRunning() error {
	s.started++
	return s.startErr
}
func (s *fakeService) BufferProtocolVersion() (uint32, error) { return s.bufferVersion, nil }
func (s *fakeService) TraceFormatVersion() (uint16, error)    { return s.traceVersion, nil }

// fakeController serves buffers in order; each ReadTrace consumes one.
// A buffer longer than the size reported by TraceSize simulates a trace that
// grew between the two calls.
type fakeController struct {
	buffers   [][]byte
	sizes     []uint32
	reads     int
	started   []ipt.Options
	stopped   int
	startErr  error
	readErr   error
	sizeCalls int
}

func (c *fakeController) StartTrace(p ipt.Process, opts ipt.Options) error {
	c.started = append(c.started, opts)
	return c.startErr
}

func (c *fakeController) StopTrace(p ipt.Process) error {
	c.stopped++
	return nil
}

func (c *fakeController) TraceSize(p ipt.Process) (uint32, error) {
	i := min(c.sizeCalls, len(c.sizes)-1)
	c.sizeCalls++
	return c.sizes[i], nil
}

func (c *fakeController) ReadTrace(p ipt.Process, buf []byte) error {
	if c.readErr != nil {
		return c.readErr
	}
	i := min(c.reads, len(c.buffers)-1)
	c.reads++
	if len(c.buffers[i]) > len(buf) {
		return fmt.Errorf("%w: need %d", ipt.ErrBufferTooSmall, len(c.buffers[i]))
	}
	copy(buf, c.buffers[i])
	return nil
}

type fakeRecorder struct {
	captures     int
	decodeErrors []error
	retries      int
}

func (r *fakeRecorder) ObserveCapture(c *ipt.Capture) { r.captures++ }
func (r *fakeRecorder) ObserveDecodeError(err error)  { r.decodeErrors = append(r.decodeErrors, err) }
func (r *fakeRecorder) ObserveFetchRetry()            { r.retries++ }

func negotiated(t *testing.T) ipt.Capability {
	t.Helper()
	c, err := ipt.Negotiate(&fakeService{bufferVersion: 1, traceVersion: 1})
	require.NoError(t, err)
	return c
}

func TestNegotiate(t *testing.T) {
	svc := &fakeService{bufferVersion: 1, traceVersion: 1}
	c, err := ipt.Negotiate(svc)
	require.NoError(t, err)
	require.True(t, c.Valid())
	require.Equal(t, 1, svc.started)
	require.Equal(t, ipt.BufferMajorVersionCurrent, c.BufferVersion)
	require.Equal(t, ipt.TraceVersionCurrent, c.TraceVersion)
}

func TestNegotiate_Failures(t *testing.T) {
	startErr := errors.New("access denied")

	_, err := ipt.Negotiate(&fakeService{startErr: startErr, bufferVersion: 1, traceVersion: 1})
	require.ErrorIs(t, err, startErr)

	_, err = ipt.Negotiate(&fakeService{bufferVersion: 2, traceVersion: 1})
	require.ErrorIs(t, err, ipt.ErrUnsupportedBufferVersion)

	_, err = ipt.Negotiate(&fakeService{bufferVersion: 1, traceVersion: 3})
	require.ErrorIs(t, err, ipt.ErrUnsupportedTraceVersion)
}

func TestNewSession_RequiresCapability(t *testing.T) {
	_, err := ipt.NewSession(&fakeController{}, ipt.Capability{})
	require.ErrorIs(t, err, ipt.ErrNotNegotiated)
}

func TestSession_StartStop(t *testing.T) {
	ctl := &fakeController{}
	s, err := ipt.NewSession(ctl, negotiated(t))
	require.NoError(t, err)

	opts, _, err := ipt.BuildOptions(1<<16, "0")
	require.NoError(t, err)
	require.NoError(t, s.Start(fakeProcess{pid: 4}, opts))
	require.Equal(t, []ipt.Options{opts}, ctl.started)

	require.NoError(t, s.Stop(fakeProcess{pid: 4}))
	require.Equal(t, 1, ctl.stopped)

	ctl.startErr = errors.New("no such process")
	require.ErrorIs(t, s.Start(fakeProcess{pid: 4}, opts), ctl.startErr)
}

func TestSession_Fetch(t *testing.T) {
	buf := ipttest.Buffer(
		ipttest.Thread{ID: 100, Payload: ipttest.Seq(1, 8)},
		ipttest.Thread{ID: 200, Payload: ipttest.Seq(9, 4)},
	)
	ctl := &fakeController{buffers: [][]byte{buf}, sizes: []uint32{uint32(len(buf))}}
	rec := &fakeRecorder{}
	s, err := ipt.NewSession(ctl, negotiated(t), ipt.WithRecorder(rec))
	require.NoError(t, err)

	c, err := s.Fetch(fakeProcess{pid: 9})
	require.NoError(t, err)
	require.Equal(t, uint32(9), c.PID)
	require.Len(t, c.Segments, 2)
	require.Equal(t, int64(12), c.PayloadSize())
	require.Equal(t, uint16(1), c.Header.ValidTrace)
	require.Equal(t, 1, rec.captures)
	require.Zero(t, rec.retries)
}

func TestSession_FetchRetriesWhenTraceGrows(t *testing.T) {
	small := ipttest.Buffer(ipttest.Thread{ID: 1, Payload: ipttest.Seq(0, 16)})
	grown := ipttest.Buffer(ipttest.Thread{ID: 1, Payload: ipttest.Seq(0, 5000)})

	ctl := &fakeController{
		buffers: [][]byte{grown, grown},
		sizes:   []uint32{uint32(len(small)), uint32(len(grown))},
	}
	rec := &fakeRecorder{}
	s, err := ipt.NewSession(ctl, negotiated(t), ipt.WithRecorder(rec))
	require.NoError(t, err)

	c, err := s.Fetch(fakeProcess{pid: 9})
	require.NoError(t, err)
	require.Len(t, c.Segments, 1)
	require.Len(t, c.Segments[0].Payload, 5000)
	require.Equal(t, 1, rec.retries)
	require.Equal(t, 2, ctl.sizeCalls)
}

func TestSession_FetchGivesUp(t *testing.T) {
	grown := ipttest.Buffer(ipttest.Thread{ID: 1, Payload: ipttest.Seq(0, 5000)})
	ctl := &fakeController{buffers: [][]byte{grown}, sizes: []uint32{4096}}
	s, err := ipt.NewSession(ctl, negotiated(t), ipt.WithFetchAttempts(2))
	require.NoError(t, err)

	_, err = s.Fetch(fakeProcess{pid: 9})
	require.ErrorIs(t, err, ipt.ErrBufferTooSmall)
	require.Equal(t, 2, ctl.sizeCalls)
}

func TestSession_FetchReadError(t *testing.T) {
	ctl := &fakeController{sizes: []uint32{4096}, readErr: errors.New("device gone")}
	s, err := ipt.NewSession(ctl, negotiated(t))
	require.NoError(t, err)

	_, err = s.Fetch(fakeProcess{pid: 9})
	require.ErrorIs(t, err, ctl.readErr)
	require.Equal(t, 1, ctl.sizeCalls)
}

func TestSession_FetchDecodeFailureKeepsCapture(t *testing.T) {
	buf := make([]byte, 4096+5) // malformed header region
	ctl := &fakeController{buffers: [][]byte{buf}, sizes: []uint32{uint32(len(buf))}}
	rec := &fakeRecorder{}
	s, err := ipt.NewSession(ctl, negotiated(t), ipt.WithRecorder(rec))
	require.NoError(t, err)

	c, err := s.Fetch(fakeProcess{pid: 9})
	require.ErrorIs(t, err, ipt.ErrMalformedHeaderRegion)
	require.NotNil(t, c)
	require.Len(t, c.Buffer, len(buf))
	require.Empty(t, c.Segments)
	require.Len(t, rec.decodeErrors, 1)
	require.Zero(t, rec.captures)
}
