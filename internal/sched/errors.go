package sched

import "errors"

var (
	// ErrResourceExhausted fails thread creation when no record can be
	// allocated.
	ErrResourceExhausted = errors.New("sched: thread or application record limit reached")
	ErrInvalidConfig     = errors.New("sched: invalid configuration write")
	ErrUnknownPolicy     = errors.New("sched: unknown policy")
	ErrPolicyUnavailable = errors.New("sched: policy not applicable to this topology")
	ErrMigrationPending  = errors.New("sched: migration already pending")
	ErrSameGroup         = errors.New("sched: destination is the current group")
	ErrGroupOffline      = errors.New("sched: destination group has no online CPUs")
	ErrNotScheduled      = errors.New("sched: thread is not attached to a group")
)
