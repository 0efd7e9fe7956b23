package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"ampsched/internal/topology"
)

type Mode int32

const (
	ModeNormal Mode = iota
	ModeProfiling
)

func (m Mode) String() string {
	if m == ModeProfiling {
		return "profiling"
	}
	return "normal"
}

// Timer period values a policy may request in addition to a custom duration.
const (
	PeriodDefault  time.Duration = 0
	PeriodDisabled time.Duration = -1
)

// ResourceUpdate asks the partitioning collaborator to move a thread into the
// class of the group it now runs on.
type ResourceUpdate struct {
	GroupID int
	PID     int
	TID     int
	Class   string
}

// Group is the runtime object of one CPU group. All lists are guarded by mu.
type Group struct {
	ID  int
	CPU *topology.CPUGroup

	mu sync.Mutex

	activeThreads  *List[*Thread]
	stoppedThreads *List[*Thread]
	activeApps     *List[*GroupApp]
	stoppedApps    *List[*GroupApp]

	pendingSignals  *List[*Thread]
	pendingProfile  *List[*Thread]
	profilerStopped *List[*Thread]
	migrations      *List[*Thread]

	resourceUpdates []ResourceUpdate

	profiled *Thread
	mode     atomic.Int32
	period   atomic.Int64

	// one slot per registered policy
	private []any

	wake  chan struct{}
	rearm chan struct{}
}

func newGroup(cpu *topology.CPUGroup, nrPolicies int) *Group {
	return &Group{
		ID:              cpu.ID,
		CPU:             cpu,
		activeThreads:   NewList[*Thread](),
		stoppedThreads:  NewList[*Thread](),
		activeApps:      NewList[*GroupApp](),
		stoppedApps:     NewList[*GroupApp](),
		pendingSignals:  NewList[*Thread](),
		pendingProfile:  NewList[*Thread](),
		profilerStopped: NewList[*Thread](),
		migrations:      NewList[*Thread](),
		private:         make([]any, nrPolicies),
		wake:            make(chan struct{}, 1),
		rearm:           make(chan struct{}, 1),
	}
}

func (g *Group) Lock() {
	g.mu.Lock()
}

func (g *Group) Unlock() {
	g.mu.Unlock()
}

func (g *Group) TryLock() bool {
	return g.mu.TryLock()
}

// LockPair locks two groups, higher id first, so that concurrent
// LockPair(a, b) and LockPair(b, a) cannot deadlock. Equal groups are locked
// once.
func LockPair(a, b *Group) {
	switch {
	case a == b:
		a.mu.Lock()
	case a.ID > b.ID:
		a.mu.Lock()
		b.mu.Lock()
	default:
		b.mu.Lock()
		a.mu.Lock()
	}
}

func UnlockPair(a, b *Group) {
	switch {
	case a == b:
		a.mu.Unlock()
	case a.ID > b.ID:
		b.mu.Unlock()
		a.mu.Unlock()
	default:
		a.mu.Unlock()
		b.mu.Unlock()
	}
}

func (g *Group) Mode() Mode {
	return Mode(g.mode.Load())
}

func (g *Group) setMode(m Mode) {
	g.mode.Store(int32(m))
}

// TimerPeriod returns the policy-requested period: PeriodDefault,
// PeriodDisabled or a custom duration.
func (g *Group) TimerPeriod() time.Duration {
	return time.Duration(g.period.Load())
}

func (g *Group) setTimerPeriod(d time.Duration) {
	if time.Duration(g.period.Swap(int64(d))) != d {
		select {
		case g.rearm <- struct{}{}:
		default:
		}
	}
}

// wakeWorker never blocks; a pending wake-up absorbs further requests.
func (g *Group) wakeWorker() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// WorkerPending reports whether a worker pass has been requested and not yet
// started.
func (g *Group) WorkerPending() bool {
	return len(g.wake) > 0
}

// The accessors below require g's lock.

func (g *Group) NrActiveThreads() int {
	return g.activeThreads.Len()
}

func (g *Group) ActiveThreads() []*Thread {
	return g.activeThreads.Items()
}

func (g *Group) NrStoppedThreads() int {
	return g.stoppedThreads.Len()
}

func (g *Group) ActiveApps() []*GroupApp {
	return g.activeApps.Items()
}

func (g *Group) NrActiveApps() int {
	return g.activeApps.Len()
}

func (g *Group) NrStoppedApps() int {
	return g.stoppedApps.Len()
}

func (g *Group) NrMigrations() int {
	return g.migrations.Len()
}

func (g *Group) Migrations() []*Thread {
	return g.migrations.Items()
}

func (g *Group) HasThread(t *Thread) bool {
	return g.activeThreads.Contains(t) || g.stoppedThreads.Contains(t)
}

// activate attaches t to g and to its group-local application record.
func (g *Group) activate(t *Thread) *GroupApp {
	ga := t.app.groupApp(g)
	if t.active && t.curGroup == g {
		return ga
	}
	g.activeThreads.PushBack(t)
	ga.activeThreads.PushBack(t)
	if ga.activeThreads.Len() == 1 {
		g.activeApps.PushBack(ga)
	}
	t.active = true
	t.curGroup = g
	return ga
}

// deactivate is the inverse of activate. g must be the group t was activated
// on, which need not be the group of the calling CPU.
func (g *Group) deactivate(t *Thread) {
	ga := t.app.groups[g.ID]
	g.activeThreads.Remove(t)
	if ga != nil {
		ga.activeThreads.Remove(t)
		if ga.activeThreads.Len() == 0 {
			g.activeApps.Remove(ga)
		}
	}
	t.active = false
}

func (g *Group) markStopped(t *Thread) {
	ga := t.app.groupApp(g)
	g.stoppedThreads.PushBack(t)
	if ga.stoppedThreads.PushBack(t) && ga.stoppedThreads.Len() == 1 {
		g.stoppedApps.PushBack(ga)
	}
	t.stopped = true
	t.curGroup = g
}

func (g *Group) unmarkStopped(t *Thread) {
	ga := t.app.groups[g.ID]
	g.stoppedThreads.Remove(t)
	if ga != nil && ga.stoppedThreads.Remove(t) && ga.stoppedThreads.Len() == 0 {
		g.stoppedApps.Remove(ga)
	}
	t.stopped = false
}

// detach removes every trace of t from g's lists except the migration list.
func (g *Group) detach(t *Thread) {
	if t.active {
		g.deactivate(t)
	}
	if t.stopped {
		g.unmarkStopped(t)
	}
	g.pendingSignals.Remove(t)
	g.pendingProfile.Remove(t)
	g.profilerStopped.Remove(t)
	if g.profiled == t {
		g.profiled = nil
	}
}

func (g *Group) queueResourceUpdate(u ResourceUpdate) {
	g.resourceUpdates = append(g.resourceUpdates, u)
}

func (g *Group) takeResourceUpdates() []ResourceUpdate {
	updates := g.resourceUpdates
	g.resourceUpdates = nil
	return updates
}
