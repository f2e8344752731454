//go:build linux

package runner

import (
	"os"
	"syscall"
)

func peakRSS(state *os.ProcessState) int64 {
	ru, ok := state.SysUsage().(*syscall.Rusage)
	if !ok || ru == nil {
		return 0
	}
	// Linux reports ru_maxrss in kilobytes.
	return ru.Maxrss * 1024
}
