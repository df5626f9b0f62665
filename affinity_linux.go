//go:build linux

package tracemon

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// monitoredCores returns the logical cores frequency workers are pinned
// to: the calling process's allowed CPU set. On restricted affinity masks
// or unusual topologies this is legitimately smaller than the hardware
// core count.
func monitoredCores() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, err
	}
	cores := make([]int, 0, set.Count())
	// x/sys/unix does not export CPU_SETSIZE; the bit capacity of a
	// CPUSet is the same bound.
	for i := 0; i < int(unsafe.Sizeof(set))*8; i++ {
		if set.IsSet(i) {
			cores = append(cores, i)
		}
	}
	return cores, nil
}

// pinToCore restricts the calling thread to a single logical core. The
// caller must have locked the goroutine to its OS thread first.
func pinToCore(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}
