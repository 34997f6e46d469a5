//go:build !windows

package windowsapi

import (
	"errors"
	"fmt"

	"ipttool/internal/ipt"
)

// ErrNotWindows is returned by every collaborator on other platforms.
var ErrNotWindows = fmt.Errorf("intel PT service requires windows: %w", errors.ErrUnsupported)

// IptServiceName is the service that owns the \\.\IPT device.
const IptServiceName = "Ipt"

// ProcessInfo holds basic information about a running process.
type ProcessInfo struct {
	PID       uint32
	ParentPID uint32
	Threads   uint32
	ExeFile   string
}

func LookupProcess(pid uint32) (ProcessInfo, error) { return ProcessInfo{}, ErrNotWindows }

// Process is a handle to a target process opened for tracing.
type Process struct{ pid uint32 }

func OpenProcess(pid uint32) (*Process, error) { return nil, ErrNotWindows }

func (p *Process) PID() uint32     { return p.pid }
func (p *Process) Handle() uintptr { return 0 }
func (p *Process) Close() error    { return nil }

// Driver talks to the Intel PT service.
type Driver struct{}

func NewDriver() *Driver { return &Driver{} }

func (d *Driver) EnsureServiceRunning() error               { return ErrNotWindows }
func (d *Driver) BufferProtocolVersion() (uint32, error)    { return 0, ErrNotWindows }
func (d *Driver) TraceFormatVersion() (uint16, error)       { return 0, ErrNotWindows }
func (d *Driver) StartTrace(ipt.Process, ipt.Options) error { return ErrNotWindows }
func (d *Driver) StopTrace(ipt.Process) error               { return ErrNotWindows }
func (d *Driver) TraceSize(ipt.Process) (uint32, error)     { return 0, ErrNotWindows }
func (d *Driver) ReadTrace(ipt.Process, []byte) error       { return ErrNotWindows }
func (d *Driver) Close() error                              { return nil }
