// Package affinity pins worker goroutines to specific CPUs and parses
// the hex bitmasks the server CLI accepts for its -W/-K/-P flags.
package affinity

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ParseMask parses a CPU bitmask string, optionally "0x"-prefixed,
// into the sorted list of CPU ids whose bit is set.
func ParseMask(mask string) ([]int, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(mask), "0x")
	v, err := strconv.ParseUint(trimmed, 16, 64)
	if err != nil {
		return nil, fmt.Errorf("affinity: invalid cpu mask %q: %w", mask, err)
	}
	var cpus []int
	for i := 0; i < 64; i++ {
		if v&(1<<uint(i)) != 0 {
			cpus = append(cpus, i)
		}
	}
	return cpus, nil
}

// Pin locks the calling goroutine to its current OS thread and
// restricts that thread to cpu. The lock is never released: pinned workers
// are expected to live for the process lifetime.
func Pin(cpu int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
