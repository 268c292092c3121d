//go:build unix

package isolation

import (
	"os"
	"runtime"
	"syscall"
)

// PeakMemoryBytes returns the child's maximum resident set size, or 0 when unknown.
func PeakMemoryBytes(state *os.ProcessState) int64 {
	if state == nil {
		return 0
	}
	ru, ok := state.SysUsage().(*syscall.Rusage)
	if !ok || ru == nil {
		return 0
	}
	// Maxrss is bytes on darwin and kilobytes elsewhere.
	if runtime.GOOS == "darwin" {
		return int64(ru.Maxrss)
	}
	return int64(ru.Maxrss) * 1024
}
