//go:build windows

package windowsapi

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// Process is a handle to a target process opened for tracing.
type Process struct {
	pid    uint32
	handle windows.Handle
}

// OpenProcess opens pid with PROCESS_VM_READ, the right every trace
// operation requires.
func OpenProcess(pid uint32) (*Process, error) {
	if pid == 0 {
		return nil, fmt.Errorf("invalid pid: 0")
	}
	h, err := windows.OpenProcess(windows.PROCESS_VM_READ, false, pid)
	if err != nil {
		return nil, fmt.Errorf("unable to open pid %d: %w", pid, err)
	}
	return &Process{pid: pid, handle: h}, nil
}

func (p *Process) PID() uint32     { return p.pid }
func (p *Process) Handle() uintptr { return uintptr(p.handle) }

// Close releases the process handle.
func (p *Process) Close() error {
	return windows.CloseHandle(p.handle)
}
