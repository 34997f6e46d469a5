//go:build windows

package windowsapi

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// ProcessInfo holds basic information about a running process obtained via the Toolhelp snapshot API.
type ProcessInfo struct {
	PID       uint32
	ParentPID uint32
	Threads   uint32
	ExeFile   string
}

// GetProcessSnapshot iterates through all running processes using the CreateToolhelp32Snapshot API
// and returns a map of PID to ProcessInfo.
func GetProcessSnapshot() (map[uint32]ProcessInfo, error) {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snapshot)

	var pe32 windows.ProcessEntry32
	pe32.Size = uint32(unsafe.Sizeof(pe32))
	if err := windows.Process32First(snapshot, &pe32); err != nil {
		return nil, err
	}

	processes := make(map[uint32]ProcessInfo)
	for {
		processes[pe32.ProcessID] = ProcessInfo{
			PID:       pe32.ProcessID,
			ParentPID: pe32.ParentProcessID,
			Threads:   pe32.Threads,
			ExeFile:   windows.UTF16ToString(pe32.ExeFile[:]),
		}

		if err := windows.Process32Next(snapshot, &pe32); err != nil {
			if err == windows.ERROR_NO_MORE_FILES {
				break
			}
			return nil, err
		}
	}
	return processes, nil
}

// LookupProcess returns the snapshot entry of pid. It is used to put an image
// name next to the pid in trace logs.
func LookupProcess(pid uint32) (ProcessInfo, error) {
	procs, err := GetProcessSnapshot()
	if err != nil {
		return ProcessInfo{}, err
	}
	info, ok := procs[pid]
	if !ok {
		return ProcessInfo{}, fmt.Errorf("pid %d not found in process snapshot", pid)
	}
	return info, nil
}
