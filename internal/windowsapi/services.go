//go:build windows

package windowsapi

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

// IptServiceName is the service that owns the \\.\IPT device.
// It ships with Windows 10 1809 and later.
const IptServiceName = "Ipt"

// StartService starts the named service, treating an already running service
// as success. Only SC_MANAGER_CONNECT and SERVICE_START rights are requested,
// so this works without full SCM access.
func StartService(name string) error {
	scm, err := windows.OpenSCManager(nil, nil, windows.SC_MANAGER_CONNECT)
	if err != nil {
		return fmt.Errorf("unable to open a handle to the service control manager: %w", err)
	}
	m := &mgr.Mgr{Handle: scm}
	defer m.Disconnect()

	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return fmt.Errorf("invalid service name %q: %w", name, err)
	}
	h, err := windows.OpenService(m.Handle, namePtr, windows.SERVICE_START)
	if err != nil {
		return fmt.Errorf("unable to open service %s (are you running Windows 10 1809 or later?): %w", name, err)
	}
	s := &mgr.Service{Name: name, Handle: h}
	defer s.Close()

	if err := s.Start(); err != nil {
		if errors.Is(err, windows.ERROR_SERVICE_ALREADY_RUNNING) {
			return nil
		}
		return fmt.Errorf("unable to start service %s: %w", name, err)
	}
	return nil
}

// ServiceState returns the current state of the named service.
func ServiceState(name string) (svc.State, error) {
	scm, err := windows.OpenSCManager(nil, nil, windows.SC_MANAGER_CONNECT)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to SCM: %w", err)
	}
	m := &mgr.Mgr{Handle: scm}
	defer m.Disconnect()

	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return 0, fmt.Errorf("invalid service name %q: %w", name, err)
	}
	h, err := windows.OpenService(m.Handle, namePtr, windows.SERVICE_QUERY_STATUS)
	if err != nil {
		return 0, fmt.Errorf("unable to open service %s: %w", name, err)
	}
	s := &mgr.Service{Name: name, Handle: h}
	defer s.Close()

	status, err := s.Query()
	if err != nil {
		return 0, fmt.Errorf("unable to query service %s: %w", name, err)
	}
	return status.State, nil
}
