//go:build !linux

package host

import (
	"context"
	"errors"
	"syscall"

	"ampsched/internal/sched"
	"ampsched/internal/topology"
)

var errUnsupported = errors.New("thread affinity is only supported on linux")

type LinuxHost struct{}

func NewLinuxHost() *LinuxHost {
	return &LinuxHost{}
}

func (h *LinuxHost) SetAffinity(context.Context, *sched.Thread, topology.CPUMask) error {
	return errUnsupported
}

func (h *LinuxHost) Signal(context.Context, *sched.Thread, syscall.Signal) error {
	return errUnsupported
}

func Affinity(int) (topology.CPUMask, error) {
	return topology.CPUMask{}, errUnsupported
}
