package sched

import (
	"io"

	"ampsched/internal/topology"
)

// LockMode selects what the dispatcher holds while a policy hook runs.
type LockMode int

const (
	// LockCPUGroup holds the lock of the group the event belongs to.
	LockCPUGroup LockMode = iota
	// LockGlobal additionally serializes every hook behind one global mutex.
	LockGlobal
	// LockCustom runs hooks without controller locks; the policy locks what
	// it touches.
	LockCustom
)

func (m LockMode) String() string {
	switch m {
	case LockGlobal:
		return "global"
	case LockCustom:
		return "custom"
	default:
		return "cpugroup"
	}
}

// Policy is the minimal surface every scheduling policy implements. The
// optional hook interfaces below are detected by type assertion; a missing
// hook is a no-op.
type Policy interface {
	Name() string
	Description() string
	LockMode() LockMode
}

// Prober excludes a policy that does not fit the discovered topology.
type Prober interface {
	Probe(topo *topology.Registry) bool
}

type Initializer interface {
	Init(c *Controller) error
}

type Destroyer interface {
	Destroy(c *Controller)
}

type ActiveHook interface {
	OnActive(g *Group, t *Thread)
}

type InactiveHook interface {
	OnInactive(g *Group, t *Thread)
}

// ForkHook may veto thread creation by returning an error.
type ForkHook interface {
	OnFork(t *Thread, newApp bool) error
}

type FreeHook interface {
	OnFree(t *Thread, lastThread bool)
}

type ExitHook interface {
	OnExit(g *Group, t *Thread)
}

// WorkerHook runs in the blocking context.
type WorkerHook interface {
	OnWorker(wc *WorkerContext)
}

// TimerHook runs in the non-blocking context.
type TimerHook interface {
	OnTimer(tc *TimerContext)
}

type SwitchInHook interface {
	OnSwitchIn(g *Group, t *Thread, cpu int)
}

type SwitchOutHook interface {
	OnSwitchOut(g *Group, t *Thread, cpu int)
}

type MigrateHook interface {
	OnMigrate(from, to *Group, t *Thread, prevCPU, newCPU int)
}

type TickHook interface {
	OnTick(g *Group, t *Thread, cpu int)
}

type SampleHook interface {
	OnNewSample(g *Group, t *Thread, s Sample)
}

// ConfigReader appends policy state to the control dump.
type ConfigReader interface {
	ReadConfig(w io.Writer) error
}

// ConfigWriter accepts policy-specific control lines.
type ConfigWriter interface {
	WriteConfig(line string) error
}
