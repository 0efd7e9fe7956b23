package sched

import (
	"context"
	"time"

	"ampsched/internal/topology"
)

// TimerContext is handed to TimerHook. It only offers operations that never
// block: remote groups are reachable through TryLock, and migrations can be
// requested but not executed.
type TimerContext struct {
	c    *Controller
	g    *Group
	slot int
	// whether the dispatcher holds g's lock for the hook
	ownLocked bool
}

func (tc *TimerContext) Group() *Group {
	return tc.g
}

func (tc *TimerContext) Groups() []*Group {
	return tc.c.groups
}

func (tc *TimerContext) Topology() *topology.Registry {
	return tc.c.topo
}

// TryLock attempts g's lock without waiting. A failure is counted as
// contention; the caller should skip its work for this period.
func (tc *TimerContext) TryLock(g *Group) bool {
	if g == tc.g && tc.ownLocked {
		return true
	}
	if g.TryLock() {
		return true
	}
	tc.c.observer.RemoteLockContended(g.ID)
	tc.c.logger.WithField("group", g.ID).Trace("Remote group busy, skipping")
	return false
}

func (tc *TimerContext) Unlock(g *Group) {
	if g == tc.g && tc.ownLocked {
		return
	}
	g.Unlock()
}

// RequestMigration enqueues t for migration to dst. The lock of t's current
// group must be held.
func (tc *TimerContext) RequestMigration(t *Thread, dst *Group) error {
	return tc.c.requestMigration(t, dst)
}

// WakeWorker asks g's worker to run as soon as possible.
func (tc *TimerContext) WakeWorker(g *Group) {
	g.wakeWorker()
}

// SetTimerPeriod sets this group's period: PeriodDefault, PeriodDisabled or
// a custom duration.
func (tc *TimerContext) SetTimerPeriod(d time.Duration) {
	tc.g.setTimerPeriod(d)
}

// Private returns the policy's slot in this group. Requires the group lock.
func (tc *TimerContext) Private() any {
	return tc.g.private[tc.slot]
}

func (tc *TimerContext) SetPrivate(v any) {
	tc.g.private[tc.slot] = v
}

// WorkerContext is handed to WorkerHook. The hook runs without any group lock
// and may block.
type WorkerContext struct {
	ctx  context.Context
	c    *Controller
	g    *Group
	slot int
}

func (wc *WorkerContext) Context() context.Context {
	return wc.ctx
}

func (wc *WorkerContext) Group() *Group {
	return wc.g
}

func (wc *WorkerContext) Groups() []*Group {
	return wc.c.groups
}

// Lock and Unlock guard access to this group's lists and private slot.
func (wc *WorkerContext) Lock() {
	wc.g.Lock()
}

func (wc *WorkerContext) Unlock() {
	wc.g.Unlock()
}

// RequestMigration is as TimerContext.RequestMigration; the caller holds the
// lock of t's current group.
func (wc *WorkerContext) RequestMigration(t *Thread, dst *Group) error {
	return wc.c.requestMigration(t, dst)
}

// ExecuteMigrations runs phase 2 of the migration protocol for this group and
// returns the number of affinity changes attempted.
func (wc *WorkerContext) ExecuteMigrations() int {
	return wc.c.executeMigrations(wc.ctx, wc.g)
}

func (wc *WorkerContext) Private() any {
	return wc.g.private[wc.slot]
}

func (wc *WorkerContext) SetPrivate(v any) {
	wc.g.private[wc.slot] = v
}
