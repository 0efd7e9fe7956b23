package sched

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// OnFork registers a new thread. A thread of an already known process shares
// its ProcessApp. Exceeding the record limit fails with ErrResourceExhausted.
func (c *Controller) OnFork(tid, pid int) (*Thread, error) {
	p, _ := c.begin()
	defer c.end(p)

	c.regMu.Lock()
	if _, dup := c.threads[tid]; dup {
		c.regMu.Unlock()
		return nil, fmt.Errorf("thread %d already registered", tid)
	}
	if c.maxThreads > 0 && len(c.threads) >= c.maxThreads {
		c.regMu.Unlock()
		return nil, fmt.Errorf("%w: %d threads", ErrResourceExhausted, c.maxThreads)
	}
	app, known := c.apps[pid]
	if known {
		app.refs.Add(1)
		app.setMultithreaded()
	} else {
		app = newProcessApp(pid, len(c.groups))
		c.apps[pid] = app
	}
	t := newThread(tid, pid, app, p)
	t.onRelease = c.releaseThread
	c.threads[tid] = t
	c.regMu.Unlock()

	if fh, ok := p.(ForkHook); ok {
		if err := fh.OnFork(t, !known); err != nil {
			c.unregister(t)
			t.Unpin()
			return nil, fmt.Errorf("policy %s rejected thread %d: %w", p.Name(), tid, err)
		}
	}

	c.logger.WithFields(logrus.Fields{
		"tid":     tid,
		"pid":     pid,
		"new_app": !known,
	}).Trace("Thread forked")
	return t, nil
}

// unregister drops t from the registry and reports whether it was the last
// thread of its process.
func (c *Controller) unregister(t *Thread) bool {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	if c.threads[t.TID] == t {
		delete(c.threads, t.TID)
	}
	last := t.app.refs.Add(-1) == 0
	if last && c.apps[t.PID] == t.app {
		delete(c.apps, t.PID)
	}
	return last
}

func (c *Controller) releaseThread(t *Thread) {
	c.logger.WithField("tid", t.TID).Trace("Thread record released")
}

// OnFree drops the registry's reference to t. The record stays alive while a
// worker holds a pin on it.
func (c *Controller) OnFree(t *Thread) {
	p, _ := c.begin()
	if t.curGroup != nil {
		c.exit(p, t)
	}
	last := c.unregister(t)
	if fh, ok := t.policy.(FreeHook); ok {
		fh.OnFree(t, last)
	}
	c.end(p)

	t.Unpin()
}

// OnExit detaches t from its group and retires any pending migration.
func (c *Controller) OnExit(t *Thread) {
	p, _ := c.begin()
	defer c.end(p)
	c.exit(p, t)
}

func (c *Controller) exit(p Policy, t *Thread) {
	g := t.curGroup
	if g == nil {
		t.state = TaskKilled
		return
	}

	second := g
	g.Lock()
	if o := t.migration.owner; o != nil && o != g {
		g.Unlock()
		second = o
		LockPair(g, second)
	}
	hq := newHookQueue(p)

	if t.migration.State() != MigrationCompleted {
		c.completeMigration(t, g, second)
		c.observer.MigrationAborted(g.ID)
		c.logger.WithField("tid", t.TID).Debug("Thread exited during migration")
	}

	wasProfiled := g.profiled == t
	wasActive := t.active
	g.detach(t)
	if wasActive {
		if h, ok := p.(InactiveHook); ok {
			hq.run(func() { h.OnInactive(g, t) })
		}
	}
	if h, ok := p.(ExitHook); ok {
		hq.run(func() { h.OnExit(g, t) })
	}
	if wasProfiled {
		c.endProfiling(g)
	}

	t.curGroup = nil
	t.runnable = false
	t.state = TaskKilled

	UnlockPair(g, second)
	hq.flush()

	c.logger.WithFields(logrus.Fields{
		"tid":   t.TID,
		"group": g.ID,
	}).Trace("Thread exited")
}

// OnSwitchIn is called when t starts running on cpu.
func (c *Controller) OnSwitchIn(t *Thread, cpu int) {
	p, _ := c.begin()
	defer c.end(p)

	g := c.CurrentGroup(cpu)
	if g == nil {
		c.logger.WithField("cpu", cpu).Warn("Switch-in on CPU without group")
		return
	}
	if old := t.curGroup; old != nil && old != g {
		// the host moved the thread without a migrate callback
		c.migrate(p, t, t.cpu, cpu)
	}

	g.Lock()
	hq := newHookQueue(p)
	if t.state == TaskKilled {
		g.Unlock()
		return
	}
	t.cpu = cpu
	if t.curGroup == nil {
		t.curGroup = g
	}

	switch {
	case t.state == NoQueue:
		t.state = ActiveQueue
	case t.state == ActivePending && t.signalSent:
		t.state = ActiveQueue
		t.signalSent = false
		if t.stopped {
			g.unmarkStopped(t)
		}
	}

	if !t.runnable {
		t.runnable = true
		if !t.stopped && !t.active {
			c.activate(p, hq, g, t)
		}
	}
	if h, ok := p.(SwitchInHook); ok {
		hq.run(func() { h.OnSwitchIn(g, t, cpu) })
	}
	g.Unlock()
	hq.flush()
}

// OnSwitchOut is called when t stops running on cpu. blocked reports whether
// it went to sleep rather than being preempted.
func (c *Controller) OnSwitchOut(t *Thread, cpu int, blocked bool) {
	p, _ := c.begin()
	defer c.end(p)

	g := t.curGroup
	if g == nil {
		return
	}

	g.Lock()
	hq := newHookQueue(p)
	if h, ok := p.(SwitchOutHook); ok {
		hq.run(func() { h.OnSwitchOut(g, t, cpu) })
	}

	switch {
	case t.state == StopPending && t.signalSent:
		t.state = StopQueue
		t.signalSent = false
		t.runnable = false
		if t.active {
			c.deactivate(p, hq, g, t)
		}
		g.markStopped(t)
	case blocked && t.runnable:
		t.runnable = false
		if t.active {
			c.deactivate(p, hq, g, t)
		}
	}
	g.Unlock()
	hq.flush()
}

// OnTick accounts one scheduler tick to t's current core type.
func (c *Controller) OnTick(t *Thread, cpu int) {
	p, _ := c.begin()
	defer c.end(p)

	g := t.curGroup
	if g == nil {
		return
	}
	g.Lock()
	hq := newHookQueue(p)
	t.metrics[g.CPU.CoreType].Ticks++
	if h, ok := p.(TickHook); ok {
		hq.run(func() { h.OnTick(g, t, cpu) })
	}
	g.Unlock()
	hq.flush()
}

// OnNewSample accounts a counter sample. The first sample of a profiled
// thread ends its group's profiling phase.
func (c *Controller) OnNewSample(t *Thread, s Sample) {
	p, _ := c.begin()
	defer c.end(p)

	g := t.curGroup
	if g == nil {
		return
	}
	g.Lock()
	hq := newHookQueue(p)
	m := &t.metrics[g.CPU.CoreType]
	m.Instructions += s.Instructions
	m.Cycles += s.Cycles
	m.Runtime += s.Elapsed
	if h, ok := p.(SampleHook); ok {
		hq.run(func() { h.OnNewSample(g, t, s) })
	}
	if g.Mode() == ModeProfiling && g.profiled == t {
		c.endProfiling(g)
	}
	g.Unlock()
	hq.flush()
}

// OnMigrate is called once the host has moved t from prevCPU to newCPU.
// prevCPU is -1 on first placement, which switch-in handles.
func (c *Controller) OnMigrate(t *Thread, prevCPU, newCPU int) {
	p, _ := c.begin()
	defer c.end(p)
	c.migrate(p, t, prevCPU, newCPU)
}

func (c *Controller) migrate(p Policy, t *Thread, prevCPU, newCPU int) {
	if prevCPU == -1 {
		return
	}
	to := c.CurrentGroup(newCPU)
	if to == nil {
		c.logger.WithField("cpu", newCPU).Warn("Migrate to CPU without group")
		return
	}
	from := t.curGroup
	if from == nil {
		return
	}
	if from == to {
		to.Lock()
		t.cpu = newCPU
		to.Unlock()
		return
	}

	LockPair(from, to)
	hq := newHookQueue(p)
	if t.state == TaskKilled {
		UnlockPair(from, to)
		return
	}

	if t.migration.State() != MigrationCompleted {
		if t.migration.DstGroup != to.ID {
			c.logger.WithFields(logrus.Fields{
				"tid":       t.TID,
				"requested": t.migration.DstGroup,
				"actual":    to.ID,
			}).Warn("Thread landed outside the requested group")
		}
		c.completeMigration(t, from, to)
	}

	switch {
	case t.active:
		c.deactivate(p, hq, from, t)
		c.activate(p, hq, to, t)
	case t.stopped:
		from.unmarkStopped(t)
		to.markStopped(t)
	default:
		t.curGroup = to
	}

	for _, pair := range []struct{ src, dst *List[*Thread] }{
		{from.pendingSignals, to.pendingSignals},
		{from.pendingProfile, to.pendingProfile},
		{from.profilerStopped, to.profilerStopped},
	} {
		if pair.src.Remove(t) {
			pair.dst.PushBack(t)
		}
	}
	if from.profiled == t {
		c.endProfiling(from)
	}
	t.cpu = newCPU

	if h, ok := p.(MigrateHook); ok {
		hq.run(func() { h.OnMigrate(from, to, t, prevCPU, newCPU) })
	}
	if to.pendingSignals.Contains(t) || to.pendingProfile.Contains(t) {
		to.wakeWorker()
	}
	UnlockPair(from, to)
	hq.flush()

	c.logger.WithFields(logrus.Fields{
		"tid":  t.TID,
		"from": from.ID,
		"to":   to.ID,
		"cpu":  newCPU,
	}).Debug("Thread changed group")
}

// activate runs the registry update and the policy hook. Caller holds g.
func (c *Controller) activate(p Policy, hq *hookQueue, g *Group, t *Thread) {
	ga := g.activate(t)
	if c.resources != nil {
		if class := c.resources.ClassFor(g.ID); class != "" {
			ga.Resource.Class = class
			g.queueResourceUpdate(ResourceUpdate{GroupID: g.ID, PID: t.PID, TID: t.TID, Class: class})
		}
	}
	if h, ok := p.(ActiveHook); ok {
		hq.run(func() { h.OnActive(g, t) })
	}
}

func (c *Controller) deactivate(p Policy, hq *hookQueue, g *Group, t *Thread) {
	g.deactivate(t)
	if h, ok := p.(InactiveHook); ok {
		hq.run(func() { h.OnInactive(g, t) })
	}
}
