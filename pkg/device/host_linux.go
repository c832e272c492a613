//go:build linux

package device

import (
	"golang.org/x/sys/unix"
)

// totalMemoryGB returns the physical memory of the host, 0 if unknown.
func totalMemoryGB() float64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0
	}
	total := uint64(info.Totalram) * uint64(info.Unit)
	return float64(total) / (1 << 30)
}
