package sched

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// RunTimer executes one timer pass for g and returns the delay until the
// next one, or a negative value when the timer is disabled.
func (c *Controller) RunTimer(ctx context.Context, g *Group) time.Duration {
	p, slot := c.begin()
	c.observer.TimerFired(g.ID)

	wake := false
	if th, ok := p.(TimerHook); ok {
		tc := &TimerContext{c: c, g: g, slot: slot}
		if p.LockMode() == LockCustom {
			th.OnTimer(tc)
		} else {
			g.Lock()
			tc.ownLocked = true
			th.OnTimer(tc)
			g.Unlock()
		}
	} else {
		wake = true
	}

	g.Lock()
	updates := g.takeResourceUpdates()
	g.Unlock()
	c.end(p)

	if len(updates) > 0 && c.resources != nil {
		if err := c.resources.Apply(ctx, updates); err != nil {
			c.logger.WithFields(logrus.Fields{
				"group":   g.ID,
				"updates": len(updates),
			}).WithError(err).Warn("Failed to apply resource updates")
		}
	}
	if wake {
		g.wakeWorker()
	}
	return c.nextPeriod(g)
}

func (c *Controller) nextPeriod(g *Group) time.Duration {
	switch d := g.TimerPeriod(); {
	case d == PeriodDisabled || d < 0:
		return -1
	case d == PeriodDefault:
		if g.Mode() == ModeProfiling {
			return c.PeriodProfiling()
		}
		return c.PeriodNormal()
	default:
		return d
	}
}

// RunWorker executes one worker pass for g. It may block.
func (c *Controller) RunWorker(ctx context.Context, g *Group) {
	// consume a pending wake-up; this pass serves it
	select {
	case <-g.wake:
	default:
	}

	p, slot := c.begin()
	defer c.end(p)
	c.observer.WorkerRan(g.ID)

	if g.Mode() != ModeProfiling {
		wc := &WorkerContext{ctx: ctx, c: c, g: g, slot: slot}
		if wh, ok := p.(WorkerHook); ok {
			wh.OnWorker(wc)
		} else {
			wc.ExecuteMigrations()
		}
	}

	c.checkPendingProfile(g)
	c.deliverSignals(ctx, g)
}

// Start launches the timer and worker goroutines of every group.
func (c *Controller) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for _, g := range c.groups {
		c.wg.Add(2)
		go c.timerLoop(ctx, g)
		go c.workerLoop(ctx, g)
	}
	c.logger.WithFields(logrus.Fields{
		"groups":           len(c.groups),
		"period_normal":    c.PeriodNormal(),
		"period_profiling": c.PeriodProfiling(),
	}).Info("Scheduling controller started")
}

// Stop halts the drivers and waits for them.
func (c *Controller) Stop() {
	c.runMu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	c.logger.Info("Scheduling controller stopped")
}

// Shutdown stops the drivers and destroys the active policy.
func (c *Controller) Shutdown() {
	c.Stop()
	c.policyMu.Lock()
	defer c.policyMu.Unlock()
	c.quiesce()
	if d, ok := c.policies[c.active].(Destroyer); ok {
		d.Destroy(c)
	}
}

func (c *Controller) timerLoop(ctx context.Context, g *Group) {
	defer c.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	d := c.nextPeriod(g)
	for {
		if d < 0 {
			select {
			case <-ctx.Done():
				return
			case <-g.rearm:
				d = c.nextPeriod(g)
				continue
			}
		}

		timer.Reset(d)
		select {
		case <-ctx.Done():
			return
		case <-g.rearm:
			timer.Stop()
			d = c.nextPeriod(g)
			continue
		case <-timer.C:
		}
		d = c.RunTimer(ctx, g)
	}
}

func (c *Controller) workerLoop(ctx context.Context, g *Group) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.wake:
			c.RunWorker(ctx, g)
		}
	}
}

// StopThread asks the worker to deliver SIGSTOP to t. The thread leaves the
// active lists on its next switch-out.
func (c *Controller) StopThread(t *Thread) error {
	return c.withThreadGroup(t, func(g *Group) error {
		if t.stopped || t.state == StopPending {
			return nil
		}
		t.state = StopPending
		t.signalSent = false
		g.pendingSignals.PushBack(t)
		return nil
	})
}

// ResumeThread undoes StopThread.
func (c *Controller) ResumeThread(t *Thread) error {
	return c.withThreadGroup(t, func(g *Group) error {
		c.resumeLocked(g, t)
		return nil
	})
}

// KillThread asks the worker to deliver SIGKILL to t.
func (c *Controller) KillThread(t *Thread) error {
	return c.withThreadGroup(t, func(g *Group) error {
		t.state = KillPending
		t.signalSent = false
		g.pendingSignals.PushBack(t)
		return nil
	})
}

// RequestProfile queues t for a profiling phase on its group.
func (c *Controller) RequestProfile(t *Thread) error {
	return c.withThreadGroup(t, func(g *Group) error {
		g.pendingProfile.PushBack(t)
		return nil
	})
}

func (c *Controller) withThreadGroup(t *Thread, fn func(g *Group) error) error {
	c.policyMu.RLock()
	defer c.policyMu.RUnlock()

	g := t.curGroup
	if g == nil {
		return fmt.Errorf("%w: %s", ErrNotScheduled, t)
	}
	g.Lock()
	if t.state == TaskKilled || t.state == KillPending {
		g.Unlock()
		return fmt.Errorf("%w: %s is exiting", ErrNotScheduled, t)
	}
	err := fn(g)
	g.Unlock()
	g.wakeWorker()
	return err
}

// resumeLocked moves a stopped or stopping thread back towards the active
// queue. Caller holds g.
func (c *Controller) resumeLocked(g *Group, t *Thread) {
	switch t.state {
	case StopQueue:
		t.state = ActivePending
		t.signalSent = false
		g.pendingSignals.PushBack(t)
	case StopPending:
		if !t.signalSent {
			// SIGSTOP never left; cancel it
			t.state = ActiveQueue
			g.pendingSignals.Remove(t)
			return
		}
		t.state = ActivePending
		t.signalSent = false
		g.pendingSignals.PushBack(t)
	}
}

// checkPendingProfile starts a profiling phase for the first pending thread.
// Other active threads of the group are stopped until it ends.
func (c *Controller) checkPendingProfile(g *Group) {
	g.Lock()
	defer g.Unlock()

	if g.Mode() != ModeNormal {
		return
	}
	t, ok := g.pendingProfile.PopFront()
	if !ok {
		return
	}
	g.setMode(ModeProfiling)
	g.profiled = t
	stopped := 0
	for _, other := range g.activeThreads.Items() {
		if other == t || other.state != ActiveQueue {
			continue
		}
		other.state = StopPending
		other.signalSent = false
		g.pendingSignals.PushBack(other)
		g.profilerStopped.PushBack(other)
		stopped++
	}
	c.logger.WithFields(logrus.Fields{
		"group":   g.ID,
		"tid":     t.TID,
		"stopped": stopped,
	}).Debug("Profiling phase started")
}

// endProfiling returns g to normal mode and resumes the threads stopped for
// the phase. Caller holds g.
func (c *Controller) endProfiling(g *Group) {
	g.setMode(ModeNormal)
	g.profiled = nil
	for {
		t, ok := g.profilerStopped.PopFront()
		if !ok {
			break
		}
		c.resumeLocked(g, t)
	}
	g.wakeWorker()
	c.logger.WithField("group", g.ID).Debug("Profiling phase ended")
}

type pendingSignal struct {
	t   *Thread
	sig syscall.Signal
}

// deliverSignals sends queued stop/continue/kill signals outside the lock.
// signalSent is set before sending; a failed send is only logged since the
// usual cause is a thread that is already gone.
func (c *Controller) deliverSignals(ctx context.Context, g *Group) {
	var batch []pendingSignal

	g.Lock()
	for {
		t, ok := g.pendingSignals.PopFront()
		if !ok {
			break
		}
		var sig syscall.Signal
		switch t.state {
		case StopPending:
			sig = syscall.SIGSTOP
		case ActivePending:
			sig = syscall.SIGCONT
		case KillPending:
			sig = syscall.SIGKILL
		default:
			continue
		}
		t.signalSent = true
		t.Pin()
		batch = append(batch, pendingSignal{t: t, sig: sig})
	}
	g.Unlock()

	for _, ps := range batch {
		err := c.host.Signal(ctx, ps.t, ps.sig)
		c.observer.SignalSent(g.ID, err)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"tid":    ps.t.TID,
				"signal": ps.sig.String(),
			}).WithError(err).Warn("Failed to deliver signal")
		}
		ps.t.Unpin()
	}
}
