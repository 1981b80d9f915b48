//go:build linux

// Package affinity provides scoped CPU pinning for ring setup and the
// cyclic CPU assignment used to spread rings over a configured CPU list.
package affinity

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var ErrAffinity = errors.New("cpu affinity change rejected")

// Pinned runs body with the calling thread pinned to the single CPU cpu,
// restoring the thread's previous affinity mask on every exit path. The
// caller must hold runtime.LockOSThread so the mask mutation stays on
// one OS thread; sched_setaffinity with pid 0 then affects only that
// thread, never the whole process.
func Pinned(cpu int, body func() error) error {
	var prev unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prev); err != nil {
		return fmt.Errorf("%w: reading current mask: %v", ErrAffinity, err)
	}

	var target unix.CPUSet
	target.Set(cpu)
	if err := unix.SchedSetaffinity(0, &target); err != nil {
		return fmt.Errorf("%w: pinning to cpu %d: %v", ErrAffinity, cpu, err)
	}

	bodyErr := body()

	if err := unix.SchedSetaffinity(0, &prev); err != nil {
		restoreErr := fmt.Errorf("%w: restoring mask: %v", ErrAffinity, err)
		if bodyErr != nil {
			return errors.Join(bodyErr, restoreErr)
		}
		return restoreErr
	}
	return bodyErr
}

// Cycle assigns CPUs from a fixed list, wrapping when the list is shorter
// than the number of consumers. The zero list assigns CPU 0 forever.
//
// Not safe for concurrent use; each worker owns its own Cycle.
type Cycle struct {
	cpus []int
	next int
}

// NewCycle creates a Cycle over cpus. An empty or nil list defaults to
// a single entry for CPU 0.
func NewCycle(cpus []int) *Cycle {
	if len(cpus) == 0 {
		cpus = []int{0}
	}
	c := &Cycle{cpus: make([]int, len(cpus))}
	copy(c.cpus, cpus)
	return c
}

// Next returns the next CPU id, restarting from the head of the list
// after the last entry.
func (c *Cycle) Next() int {
	cpu := c.cpus[c.next]
	c.next = (c.next + 1) % len(c.cpus)
	return cpu
}
