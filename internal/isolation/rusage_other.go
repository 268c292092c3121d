//go:build !unix

package isolation

import "os"

// PeakMemoryBytes is not available on this platform.
func PeakMemoryBytes(_ *os.ProcessState) int64 {
	return 0
}
