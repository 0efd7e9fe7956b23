package policy

import (
	"fmt"
	"io"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ampsched/internal/logging"
	"ampsched/internal/sched"
	"ampsched/internal/topology"

	"github.com/sirupsen/logrus"
)

const defaultRotateEvery = 3

// RandomRotator is a diagnostic policy. Every few timer ticks it moves the
// first thread of a group's first active application to a random other
// group.
type RandomRotator struct {
	name            string
	schedulerLogger *logrus.Logger

	every atomic.Int32

	mu  sync.Mutex
	rng *rand.Rand
}

// rotatorState lives in each group's private slot.
type rotatorState struct {
	ticks int
}

// NewRandomRotator seeds the target generator with seed, or with the clock
// when seed is zero.
func NewRandomRotator(seed uint64) *RandomRotator {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	r := &RandomRotator{
		name:            "rotator",
		schedulerLogger: logging.GetSchedulerLogger(),
		rng:             rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
	r.every.Store(defaultRotateEvery)
	return r
}

func (r *RandomRotator) Name() string { return r.name }

func (r *RandomRotator) Description() string {
	return "Diagnostic policy migrating one thread to a random group periodically"
}

func (r *RandomRotator) LockMode() sched.LockMode { return sched.LockCPUGroup }

// Probe needs somewhere to rotate to.
func (r *RandomRotator) Probe(topo *topology.Registry) bool {
	return topo.GroupCount() >= 2
}

func (r *RandomRotator) OnTimer(tc *sched.TimerContext) {
	g := tc.Group()
	apps := g.ActiveApps()
	if len(apps) == 0 {
		return
	}

	if r.schedulerLogger.IsLevelEnabled(logrus.TraceLevel) {
		var b strings.Builder
		for _, ga := range apps {
			fmt.Fprintf(&b, "%d(%s - %dT) ", ga.App().PID, ga.Resource.Class, ga.NrActive())
		}
		r.schedulerLogger.WithField("group", g.ID).Tracef("Active applications (#threads): %s", b.String())
	}

	st, _ := tc.Private().(*rotatorState)
	if st == nil {
		st = &rotatorState{}
		tc.SetPrivate(st)
	}
	st.ticks++
	if st.ticks < int(r.every.Load()) {
		return
	}
	st.ticks = 0

	t, ok := apps[0].FirstActive()
	if !ok {
		return
	}
	if t.MigrationState() != sched.MigrationCompleted {
		r.schedulerLogger.WithFields(logrus.Fields{
			"group":      g.ID,
			"migrations": g.NrMigrations(),
		}).Debug("Attempted remigration")
		tc.WakeWorker(g)
		return
	}

	dst := r.pickTarget(tc.Groups(), g)
	if dst == nil {
		return
	}
	if err := tc.RequestMigration(t, dst); err != nil {
		r.schedulerLogger.WithFields(threadLogFields(t)).WithError(err).Debug("Rotation skipped")
		return
	}
	tc.WakeWorker(g)
}

// pickTarget draws group ids uniformly until one differs from cur and has an
// online CPU.
func (r *RandomRotator) pickTarget(groups []*sched.Group, cur *sched.Group) *sched.Group {
	candidates := 0
	for _, g := range groups {
		if g != cur && g.CPU.NrOnline() > 0 {
			candidates++
		}
	}
	if candidates == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		g := groups[r.rng.IntN(len(groups))]
		if g != cur && g.CPU.NrOnline() > 0 {
			return g
		}
	}
}

func (r *RandomRotator) OnWorker(wc *sched.WorkerContext) {
	wc.ExecuteMigrations()
}

func (r *RandomRotator) ReadConfig(w io.Writer) error {
	_, err := fmt.Fprintf(w, "rotate_every=%d\n", r.every.Load())
	return err
}

// WriteConfig accepts "rotate_every=<ticks>".
func (r *RandomRotator) WriteConfig(line string) error {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		key, value, ok = strings.Cut(line, " ")
	}
	if !ok || strings.TrimSpace(key) != "rotate_every" {
		return fmt.Errorf("unknown rotator setting %q", line)
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return fmt.Errorf("rotate_every must be a positive tick count")
	}
	r.every.Store(int32(n))
	return nil
}
