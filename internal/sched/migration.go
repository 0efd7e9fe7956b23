package sched

import (
	"context"

	"ampsched/internal/topology"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
)

// migrationWork is one scratch entry of a worker pass. The thread is pinned
// until the entry is applied.
type migrationWork struct {
	t    *Thread
	seq  uint64
	src  int
	dst  int
	cpus topology.CPUMask
}

// requestMigration is phase 1. Caller holds the lock of t's current group.
func (c *Controller) requestMigration(t *Thread, dst *Group) error {
	src := t.curGroup
	if src == nil || t.state == TaskKilled {
		return ErrNotScheduled
	}
	if dst == nil || dst == src {
		return ErrSameGroup
	}
	online := dst.CPU.OnlineCPUs()
	if online.IsEmpty() {
		return ErrGroupOffline
	}
	if t.migration.State() != MigrationCompleted {
		return ErrMigrationPending
	}

	m := &t.migration
	m.SrcGroup = src.ID
	m.SrcCPU = t.cpu
	m.DstGroup = dst.ID
	m.DstCPU = online.First()
	m.DstCPUs = topology.CPUMask{}
	m.owner = src
	m.seq.Add(1)
	m.setState(MigrationRequested)
	src.migrations.PushBack(t)

	c.observer.MigrationRequested(src.ID, dst.ID)
	c.logger.WithFields(logrus.Fields{
		"tid":       t.TID,
		"pid":       t.PID,
		"src_group": src.ID,
		"dst_group": dst.ID,
	}).Debug("Migration requested")
	return nil
}

// executeMigrations is phase 2: collect under the lock, apply without it.
func (c *Controller) executeMigrations(ctx context.Context, g *Group) int {
	work := c.collectMigrations(g)
	return c.applyMigrations(ctx, work)
}

// collectMigrations moves REQUESTED entries into a scratch queue, pinning
// each thread and marking it STARTED. Entries already STARTED by an earlier
// pass are sticky: they leave the list and are retired.
func (c *Controller) collectMigrations(g *Group) *queue.Queue {
	work := queue.New()

	g.Lock()
	defer g.Unlock()

	g.migrations.Each(func(t *Thread) bool {
		m := &t.migration
		switch m.State() {
		case MigrationCompleted:
			g.migrations.Remove(t)
		case MigrationStarted:
			c.logger.WithFields(logrus.Fields{
				"tid":       t.TID,
				"src_group": m.SrcGroup,
				"dst_group": m.DstGroup,
			}).Trace("Sticky migration")
			g.migrations.Remove(t)
			m.owner = nil
			m.setState(MigrationCompleted)
		case MigrationRequested:
			dst := c.GroupByID(m.DstGroup)
			cpus := dst.CPU.OnlineCPUs()
			if cpus.IsEmpty() {
				c.logger.WithFields(logrus.Fields{
					"tid":       t.TID,
					"dst_group": m.DstGroup,
				}).Warn("Destination group went offline, dropping migration")
				g.migrations.Remove(t)
				m.owner = nil
				m.setState(MigrationCompleted)
				c.observer.MigrationAborted(g.ID)
				return true
			}
			m.DstCPUs = cpus
			t.Pin()
			m.setState(MigrationStarted)
			work.Add(&migrationWork{t: t, seq: m.seq.Load(), src: m.SrcGroup, dst: m.DstGroup, cpus: cpus.Clone()})
		}
		return true
	})
	return work
}

// applyMigrations changes affinity masks with no group lock held. An entry
// whose request ended meanwhile (exit, completion, or a newer request) only
// has its pin dropped.
func (c *Controller) applyMigrations(ctx context.Context, work *queue.Queue) int {
	applied := 0
	for work.Length() > 0 {
		w := work.Remove().(*migrationWork)
		t := w.t

		if t.migration.State() != MigrationStarted || t.migration.seq.Load() != w.seq {
			c.logger.WithFields(logrus.Fields{
				"tid":   t.TID,
				"state": t.migration.State().String(),
			}).Debug("Migration request ended while in progress")
		} else {
			err := c.host.SetAffinity(ctx, t, w.cpus)
			c.observer.MigrationApplied(w.src, w.dst, err)
			applied++
			fields := logrus.Fields{
				"tid":       t.TID,
				"pid":       t.PID,
				"src_group": w.src,
				"dst_group": w.dst,
				"cpus":      w.cpus.String(),
			}
			if err != nil {
				c.logger.WithFields(fields).WithError(err).Warn("Failed to apply destination CPU set")
			} else {
				c.logger.WithFields(fields).Info("Migration applied")
			}
		}

		t.Unpin()
	}
	return applied
}

// completeMigration finishes a pending migration once the host moved the
// thread. Caller holds the locks of both groups involved.
func (c *Controller) completeMigration(t *Thread, locked ...*Group) {
	m := &t.migration
	if m.State() == MigrationCompleted {
		return
	}
	owner := m.owner
	if owner != nil {
		held := false
		for _, g := range locked {
			if g == owner {
				held = true
				break
			}
		}
		if held {
			owner.migrations.Remove(t)
		} else {
			c.logger.WithFields(logrus.Fields{
				"tid":   t.TID,
				"owner": owner.ID,
			}).Error("Migration owner group not locked, list entry left for the next worker pass")
		}
	}
	m.owner = nil
	m.setState(MigrationCompleted)
}
