//go:build windows

package windowsapi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"

	"ipttool/internal/ipt"
)

const iptDevicePath = `\\.\IPT`

// ctlCode mirrors the CTL_CODE macro.
func ctlCode(deviceType, function, method, access uint32) uint32 {
	return deviceType<<16 | access<<14 | function<<2 | method
}

const (
	fileDeviceUnknown = 0x22
	methodBuffered    = 0
	methodOutDirect   = 2
	fileAnyAccess     = 0
)

var (
	ioctlIptRequest   = ctlCode(fileDeviceUnknown, 1, methodBuffered, fileAnyAccess)
	ioctlIptReadTrace = ctlCode(fileDeviceUnknown, 2, methodOutDirect, fileAnyAccess)
)

// IPT_INPUT_TYPE
const (
	iptGetTraceVersion     uint32 = 0
	iptGetProcessTraceSize uint32 = 1
	iptGetProcessTrace     uint32 = 2
	iptStartProcessTrace   uint32 = 5
	iptStopProcessTrace    uint32 = 6
)

// IPT_INPUT_BUFFER: version, input type, then a union whose largest member
// is {HANDLE ProcessHandle; IPT_OPTIONS Options} at offset 8.
const (
	inputBufferSize  = 24
	outputBufferSize = 16
)

func newInputBuffer(inputType uint32) []byte {
	b := make([]byte, inputBufferSize)
	binary.LittleEndian.PutUint32(b[0:4], ipt.BufferMajorVersionCurrent)
	binary.LittleEndian.PutUint32(b[4:8], inputType)
	return b
}

func processInput(inputType uint32, p ipt.Process) []byte {
	b := newInputBuffer(inputType)
	binary.LittleEndian.PutUint64(b[8:16], uint64(p.Handle()))
	return b
}

// Driver talks to the Intel PT service. It implements ipt.Service and
// ipt.Controller. The device is opened on first use, after the service has
// been started.
type Driver struct {
	serviceName string

	mu     sync.Mutex
	device windows.Handle
}

// NewDriver returns a driver for the Ipt service.
func NewDriver() *Driver {
	return &Driver{serviceName: IptServiceName, device: windows.InvalidHandle}
}

// EnsureServiceRunning starts the Ipt service if it is not running yet.
// A failed state query falls through to the start attempt, which reports the
// actual error.
func (d *Driver) EnsureServiceRunning() error {
	if state, err := ServiceState(d.serviceName); err == nil && state == svc.Running {
		return nil
	}
	return StartService(d.serviceName)
}

func (d *Driver) handle() (windows.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device != windows.InvalidHandle {
		return d.device, nil
	}
	path, err := windows.UTF16PtrFromString(iptDevicePath)
	if err != nil {
		return windows.InvalidHandle, err
	}
	h, err := windows.CreateFile(path,
		windows.GENERIC_READ,
		windows.FILE_SHARE_READ,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_SEQUENTIAL_SCAN,
		0)
	if err != nil {
		return windows.InvalidHandle, fmt.Errorf("unable to open %s: %w", iptDevicePath, err)
	}
	d.device = h
	return h, nil
}

func (d *Driver) request(in []byte) ([]byte, error) {
	h, err := d.handle()
	if err != nil {
		return nil, err
	}
	out := make([]byte, outputBufferSize)
	var returned uint32
	err = windows.DeviceIoControl(h, ioctlIptRequest,
		&in[0], uint32(len(in)),
		&out[0], uint32(len(out)),
		&returned, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BufferProtocolVersion returns the buffer major version the service answers with.
func (d *Driver) BufferProtocolVersion() (uint32, error) {
	out, err := d.request(newInputBuffer(iptGetTraceVersion))
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(out[0:4]), nil
}

// TraceFormatVersion returns the trace format version the service produces.
func (d *Driver) TraceFormatVersion() (uint16, error) {
	out, err := d.request(newInputBuffer(iptGetTraceVersion))
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(out[8:10]), nil
}

// StartTrace starts tracing p.
func (d *Driver) StartTrace(p ipt.Process, opts ipt.Options) error {
	in := processInput(iptStartProcessTrace, p)
	binary.LittleEndian.PutUint64(in[16:24], opts.Encode())
	_, err := d.request(in)
	return err
}

// StopTrace stops tracing p.
func (d *Driver) StopTrace(p ipt.Process) error {
	_, err := d.request(processInput(iptStopProcessTrace, p))
	return err
}

// TraceSize returns the size of the buffer ReadTrace needs for p.
func (d *Driver) TraceSize(p ipt.Process) (uint32, error) {
	out, err := d.request(processInput(iptGetProcessTraceSize, p))
	if err != nil {
		return 0, err
	}
	size := binary.LittleEndian.Uint64(out[8:16])
	if size > 1<<32-1 {
		return 0, fmt.Errorf("trace size %d does not fit a 32-bit length", size)
	}
	return uint32(size), nil
}

// ReadTrace copies the current trace of p into buf.
func (d *Driver) ReadTrace(p ipt.Process, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	h, err := d.handle()
	if err != nil {
		return err
	}
	in := processInput(iptGetProcessTrace, p)
	var returned uint32
	err = windows.DeviceIoControl(h, ioctlIptReadTrace,
		&in[0], uint32(len(in)),
		&buf[0], uint32(len(buf)),
		&returned, nil)
	if errors.Is(err, windows.ERROR_MORE_DATA) || errors.Is(err, windows.ERROR_INSUFFICIENT_BUFFER) {
		return fmt.Errorf("%w: %v", ipt.ErrBufferTooSmall, err)
	}
	return err
}

// Close releases the device handle.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device == windows.InvalidHandle {
		return nil
	}
	err := windows.CloseHandle(d.device)
	d.device = windows.InvalidHandle
	return err
}
