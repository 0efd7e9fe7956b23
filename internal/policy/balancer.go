package policy

import (
	"fmt"
	"io"

	"ampsched/internal/logging"
	"ampsched/internal/sched"
	"ampsched/internal/topology"

	"github.com/sirupsen/logrus"
)

// AsymmetricBalancer keeps fast cores busy. The fast group pulls threads from
// the slow group while it has idle cores; the slow group pushes threads out
// of an oversubscribed fast group. Oversubscription of the whole machine and
// in-flight migrations make both sides stand down for a period.
type AsymmetricBalancer struct {
	name            string
	schedulerLogger *logrus.Logger

	// ids of the groups being balanced, set by Init
	fastID int
	slowID int
}

func NewAsymmetricBalancer() *AsymmetricBalancer {
	return &AsymmetricBalancer{
		name:            "balancer",
		schedulerLogger: logging.GetSchedulerLogger(),
		fastID:          -1,
		slowID:          -1,
	}
}

func (b *AsymmetricBalancer) Name() string { return b.name }

func (b *AsymmetricBalancer) Description() string {
	return "Asymmetric load balancer keeping fast cores busy"
}

func (b *AsymmetricBalancer) LockMode() sched.LockMode { return sched.LockCPUGroup }

// Probe requires exactly two core types. Three or more are unsupported.
func (b *AsymmetricBalancer) Probe(topo *topology.Registry) bool {
	return topo.GroupCount() >= 2 && topo.CoreTypeCount() == topology.NumCoreTypes
}

func (b *AsymmetricBalancer) Init(c *sched.Controller) error {
	b.fastID, b.slowID = -1, -1
	for _, g := range c.Groups() {
		switch {
		case g.CPU.CoreType == topology.CoreTypeFast && b.fastID < 0:
			b.fastID = g.ID
		case g.CPU.CoreType == topology.CoreTypeSlow && b.slowID < 0:
			b.slowID = g.ID
		}
	}
	if b.fastID < 0 || b.slowID < 0 {
		return fmt.Errorf("balancer needs a fast and a slow group")
	}
	b.schedulerLogger.WithFields(logrus.Fields{
		"fast_group": b.fastID,
		"slow_group": b.slowID,
	}).Info("Asymmetric balancer initialized")
	return nil
}

func (b *AsymmetricBalancer) OnTimer(tc *sched.TimerContext) {
	g := tc.Group()
	if g.ID != b.fastID && g.ID != b.slowID {
		return
	}
	groups := tc.Groups()
	fast, slow := groups[b.fastID], groups[b.slowID]
	remote := fast
	if g == fast {
		remote = slow
	}

	if !tc.TryLock(remote) {
		return
	}
	defer tc.Unlock(remote)

	fastCores := fast.CPU.NrOnline()
	totalCores := fastCores + slow.CPU.NrOnline()
	totalThreads := fast.NrActiveThreads() + slow.NrActiveThreads()
	pending := fast.NrMigrations() + slow.NrMigrations()
	bigAvailable := fastCores - fast.NrActiveThreads()

	if pending > 0 {
		// a worker pass retires entries left STARTED by a failed or
		// never-completed affinity change
		for _, pg := range []*sched.Group{fast, slow} {
			if pg.NrMigrations() > 0 {
				tc.WakeWorker(pg)
			}
		}
		return
	}
	if totalThreads > totalCores {
		return
	}

	if g == fast {
		if bigAvailable <= 0 || slow.NrActiveThreads() == 0 {
			return
		}
		moved := b.move(tc, slow.ActiveThreads(), fast, bigAvailable)
		if moved > 0 {
			tc.WakeWorker(slow)
		}
		return
	}

	if bigAvailable >= 0 {
		return
	}
	moved := b.move(tc, fast.ActiveThreads(), slow, -bigAvailable)
	if moved > 0 {
		tc.WakeWorker(fast)
	}
}

// move requests up to limit migrations of threads to dst, in list order.
func (b *AsymmetricBalancer) move(tc *sched.TimerContext, threads []*sched.Thread, dst *sched.Group, limit int) int {
	moved := 0
	for _, t := range threads {
		if moved >= limit {
			break
		}
		if err := tc.RequestMigration(t, dst); err != nil {
			b.schedulerLogger.WithFields(threadLogFields(t)).WithError(err).Debug("Balancer skipped thread")
			continue
		}
		moved++
	}
	if moved > 0 {
		b.schedulerLogger.WithFields(logrus.Fields{
			"dst_group":  dst.ID,
			"migrations": moved,
		}).Debug("Balancer requested migrations")
	}
	return moved
}

func (b *AsymmetricBalancer) OnWorker(wc *sched.WorkerContext) {
	wc.ExecuteMigrations()
}

func (b *AsymmetricBalancer) ReadConfig(w io.Writer) error {
	_, err := fmt.Fprintf(w, "balancer fast_group=%d slow_group=%d\n", b.fastID, b.slowID)
	return err
}
