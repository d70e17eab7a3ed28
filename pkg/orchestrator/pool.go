package orchestrator

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
)

// WorkerCount is the pool size used when Options.Jobs is not positive:
// the logical CPU count, falling back to runtime.NumCPU.
func WorkerCount() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}
