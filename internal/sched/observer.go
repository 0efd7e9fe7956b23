package sched

// Observer receives controller events for metrics export. Implementations
// must not block; the timer path calls them.
type Observer interface {
	TimerFired(group int)
	WorkerRan(group int)
	MigrationRequested(src, dst int)
	MigrationApplied(src, dst int, err error)
	MigrationAborted(group int)
	RemoteLockContended(group int)
	SignalSent(group int, err error)
}

type nopObserver struct{}

func (nopObserver) TimerFired(int)                   {}
func (nopObserver) WorkerRan(int)                    {}
func (nopObserver) MigrationRequested(int, int)      {}
func (nopObserver) MigrationApplied(int, int, error) {}
func (nopObserver) MigrationAborted(int)             {}
func (nopObserver) RemoteLockContended(int)          {}
func (nopObserver) SignalSent(int, error)            {}
