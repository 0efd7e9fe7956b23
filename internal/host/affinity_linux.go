//go:build linux

package host

import (
	"context"
	"fmt"
	"syscall"

	"ampsched/internal/sched"
	"ampsched/internal/topology"

	"golang.org/x/sys/unix"
)

// CPU_SETSIZE of the kernel ABI
const cpuSetSize = 1024

// LinuxHost applies affinity masks and signals to real threads.
type LinuxHost struct{}

func NewLinuxHost() *LinuxHost {
	return &LinuxHost{}
}

func (h *LinuxHost) SetAffinity(_ context.Context, t *sched.Thread, cpus topology.CPUMask) error {
	if cpus.IsEmpty() {
		return fmt.Errorf("empty CPU set for thread %d", t.TID)
	}
	set := cpuSet(cpus)
	if err := unix.SchedSetaffinity(t.TID, &set); err != nil {
		return fmt.Errorf("sched_setaffinity(%d, %s): %w", t.TID, cpus, err)
	}
	return nil
}

func (h *LinuxHost) Signal(_ context.Context, t *sched.Thread, sig syscall.Signal) error {
	if err := unix.Tgkill(t.PID, t.TID, sig); err != nil {
		return fmt.Errorf("tgkill(%d, %d, %s): %w", t.PID, t.TID, sig, err)
	}
	return nil
}

// Affinity returns the CPUs tid may currently run on.
func Affinity(tid int) (topology.CPUMask, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(tid, &set); err != nil {
		return topology.CPUMask{}, fmt.Errorf("sched_getaffinity(%d): %w", tid, err)
	}
	return maskFromSet(&set), nil
}

func cpuSet(m topology.CPUMask) unix.CPUSet {
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range m.CPUs() {
		set.Set(cpu)
	}
	return set
}

func maskFromSet(set *unix.CPUSet) topology.CPUMask {
	var m topology.CPUMask
	for cpu := 0; cpu < cpuSetSize; cpu++ {
		if set.IsSet(cpu) {
			m.Set(cpu)
		}
	}
	return m
}
