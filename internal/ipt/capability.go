package ipt

import "fmt"

// Versions of the service interface this package understands.
const (
	BufferMajorVersionCurrent uint32 = 1
	TraceVersionCurrent       uint16 = 1
)

// Service is the OS side of the Intel PT service: starting it and
// reporting which protocol it speaks.
type Service interface {
	EnsureServiceRunning() error
	BufferProtocolVersion() (uint32, error)
	TraceFormatVersion() (uint16, error)
}

// Capability proves that the service was started and speaks a dialect we
// understand. The zero value is not usable.
type Capability struct {
	BufferVersion uint32
	TraceVersion  uint16
	negotiated    bool
}

// Valid reports whether c was returned by a successful Negotiate.
func (c Capability) Valid() bool { return c.negotiated }

// Negotiate starts the service and validates its protocol versions. It is
// meant to run once per process, before any trace operation.
func Negotiate(svc Service) (Capability, error) {
	if err := svc.EnsureServiceRunning(); err != nil {
		return Capability{}, fmt.Errorf("intel PT service could not be started: %w", err)
	}

	bufferVersion, err := svc.BufferProtocolVersion()
	if err != nil {
		return Capability{}, fmt.Errorf("can't query buffer version from intel PT service: %w", err)
	}
	if bufferVersion != BufferMajorVersionCurrent {
		return Capability{}, fmt.Errorf("%w: %d", ErrUnsupportedBufferVersion, bufferVersion)
	}

	traceVersion, err := svc.TraceFormatVersion()
	if err != nil {
		return Capability{}, fmt.Errorf("can't query trace version from intel PT service: %w", err)
	}
	if traceVersion != TraceVersionCurrent {
		return Capability{}, fmt.Errorf("%w: %d", ErrUnsupportedTraceVersion, traceVersion)
	}

	return Capability{
		BufferVersion: bufferVersion,
		TraceVersion:  traceVersion,
		negotiated:    true,
	}, nil
}
