package sched

import (
	"sync"
	"sync/atomic"
)

// ProcessApp is the process-wide record shared by all threads of one PID.
type ProcessApp struct {
	PID int

	refs atomic.Int32

	mu            sync.RWMutex
	multithreaded bool

	// one slot per scheduling group, each touched only under that group's lock
	groups []*GroupApp
}

func newProcessApp(pid, nrGroups int) *ProcessApp {
	a := &ProcessApp{PID: pid, groups: make([]*GroupApp, nrGroups)}
	a.refs.Store(1)
	return a
}

func (a *ProcessApp) Multithreaded() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.multithreaded
}

func (a *ProcessApp) setMultithreaded() {
	a.mu.Lock()
	a.multithreaded = true
	a.mu.Unlock()
}

// NrThreads returns the number of live thread records of the process.
func (a *ProcessApp) NrThreads() int {
	return int(a.refs.Load())
}

// groupApp returns the group-local record, creating it on first use.
// Caller holds g's lock.
func (a *ProcessApp) groupApp(g *Group) *GroupApp {
	ga := a.groups[g.ID]
	if ga == nil {
		ga = &GroupApp{
			app:            a,
			group:          g,
			activeThreads:  NewList[*Thread](),
			stoppedThreads: NewList[*Thread](),
		}
		a.groups[g.ID] = ga
	}
	return ga
}

// ResourceData is group-local partitioning state of an application.
type ResourceData struct {
	Class string
}

// GroupApp aggregates the threads of one process that are assigned to one
// group. Guarded by that group's lock.
type GroupApp struct {
	app   *ProcessApp
	group *Group

	activeThreads  *List[*Thread]
	stoppedThreads *List[*Thread]

	Resource ResourceData
}

func (ga *GroupApp) App() *ProcessApp {
	return ga.app
}

func (ga *GroupApp) Group() *Group {
	return ga.group
}

func (ga *GroupApp) NrActive() int {
	return ga.activeThreads.Len()
}

func (ga *GroupApp) NrStopped() int {
	return ga.stoppedThreads.Len()
}

func (ga *GroupApp) ActiveThreads() []*Thread {
	return ga.activeThreads.Items()
}

// FirstActive returns the oldest active thread, if any.
func (ga *GroupApp) FirstActive() (*Thread, bool) {
	return ga.activeThreads.Front()
}
