package sched

import (
	"fmt"
	"sync/atomic"
	"time"

	"ampsched/internal/topology"
)

type ThreadState int

const (
	NoQueue ThreadState = iota
	StopQueue
	ActiveQueue
	StopPending
	ActivePending
	KillPending
	TaskKilled
	Reactivated
)

func (s ThreadState) String() string {
	switch s {
	case NoQueue:
		return "no_queue"
	case StopQueue:
		return "stop_queue"
	case ActiveQueue:
		return "active_queue"
	case StopPending:
		return "stop_pending"
	case ActivePending:
		return "active_pending"
	case KillPending:
		return "kill_pending"
	case TaskKilled:
		return "task_killed"
	case Reactivated:
		return "reactivated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type MigrationState int32

const (
	MigrationCompleted MigrationState = iota
	MigrationRequested
	MigrationStarted
)

func (s MigrationState) String() string {
	switch s {
	case MigrationCompleted:
		return "completed"
	case MigrationRequested:
		return "requested"
	case MigrationStarted:
		return "started"
	}
	return fmt.Sprintf("migration(%d)", int(s))
}

// Migration is the request embedded in every thread. Fields other than the
// state are written under the source group's lock.
type Migration struct {
	SrcGroup int
	SrcCPU   int
	DstGroup int
	DstCPU   int
	DstCPUs  topology.CPUMask

	state atomic.Int32
	// seq identifies the current request; bumped on every request
	seq   atomic.Uint64
	owner *Group
}

func (m *Migration) State() MigrationState {
	return MigrationState(m.state.Load())
}

func (m *Migration) setState(s MigrationState) {
	m.state.Store(int32(s))
}

// ThreadMetrics accumulates per core type.
type ThreadMetrics struct {
	Ticks        uint64
	Instructions uint64
	Cycles       uint64
	Runtime      time.Duration
}

// Sample is one performance-counter reading delta for a thread.
type Sample struct {
	Instructions uint64
	Cycles       uint64
	Elapsed      time.Duration
}

// Thread is the scheduling state of one host thread. Mutable fields are
// guarded by the lock of the thread's current group.
type Thread struct {
	TID int
	PID int

	app    *ProcessApp
	policy Policy

	state      ThreadState
	signalSent bool
	runnable   bool
	active     bool
	stopped    bool
	cpu        int
	curGroup   *Group

	migration Migration
	metrics   [topology.NumCoreTypes]ThreadMetrics

	// Data is owned by the policy that forked the thread.
	Data any

	refs      atomic.Int32
	released  atomic.Bool
	onRelease func(*Thread)
}

func newThread(tid, pid int, app *ProcessApp, p Policy) *Thread {
	t := &Thread{TID: tid, PID: pid, app: app, policy: p, cpu: -1}
	t.refs.Store(1)
	return t
}

func (t *Thread) String() string {
	return fmt.Sprintf("%d/%d", t.PID, t.TID)
}

func (t *Thread) App() *ProcessApp {
	return t.app
}

// Group returns the thread's current group. Caller holds that group's lock or
// accepts a racy read.
func (t *Thread) Group() *Group {
	return t.curGroup
}

func (t *Thread) State() ThreadState {
	return t.state
}

func (t *Thread) CPU() int {
	return t.cpu
}

func (t *Thread) Active() bool {
	return t.active
}

func (t *Thread) Migration() *Migration {
	return &t.migration
}

func (t *Thread) MigrationState() MigrationState {
	return t.migration.State()
}

func (t *Thread) Metrics(ct topology.CoreType) ThreadMetrics {
	return t.metrics[ct]
}

// Pin takes a reference that keeps the record alive while it is used
// outside any group lock.
func (t *Thread) Pin() {
	if t.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("sched: pin of released thread %s", t))
	}
}

// Unpin drops a reference taken by Pin. The last reference releases the
// record.
func (t *Thread) Unpin() {
	switch n := t.refs.Add(-1); {
	case n == 0:
		t.released.Store(true)
		if t.onRelease != nil {
			t.onRelease(t)
		}
	case n < 0:
		panic(fmt.Sprintf("sched: unbalanced unpin of thread %s", t))
	}
}

// Released reports whether the record has been reclaimed. Any use of a
// released thread is a bug.
func (t *Thread) Released() bool {
	return t.released.Load()
}

func (t *Thread) Refs() int {
	return int(t.refs.Load())
}
