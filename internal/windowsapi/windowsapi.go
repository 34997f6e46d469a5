// Package windowsapi holds the Windows side of the Intel PT tool: the Ipt
// service, the \\.\IPT device and target process handles.
package windowsapi

import "ipttool/internal/ipt"

var (
	_ ipt.Service    = (*Driver)(nil)
	_ ipt.Controller = (*Driver)(nil)
	_ ipt.Process    = (*Process)(nil)
)
