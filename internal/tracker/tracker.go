package tracker

import (
	"context"
	"errors"
	"time"

	"ampsched/internal/logging"
	"ampsched/internal/sched"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
)

// Lifecycle is the controller surface fed by the tracker. *sched.Controller
// implements it.
type Lifecycle interface {
	OnFork(tid, pid int) (*sched.Thread, error)
	OnFree(t *sched.Thread)
	OnExit(t *sched.Thread)
	OnSwitchIn(t *sched.Thread, cpu int)
	OnSwitchOut(t *sched.Thread, cpu int, blocked bool)
	OnTick(t *sched.Thread, cpu int)
	OnNewSample(t *sched.Thread, s sched.Sample)
	OnMigrate(t *sched.Thread, prevCPU, newCPU int)
}

// Sampler is implemented by *perfsample.Sampler.
type Sampler interface {
	Attach(tid int) error
	Detach(tid int)
	Sample(tid int, now time.Time) (sched.Sample, bool, error)
}

type eventKind int

const (
	evFork eventKind = iota
	evSwitchIn
	evSwitchOut
	evMigrate
	evTick
	evSample
	evExit
)

type event struct {
	kind    eventKind
	tid     int
	pid     int
	cpu     int
	prevCPU int
	blocked bool
	running bool
}

type tracked struct {
	thread  *sched.Thread
	cpu     int
	running bool
	gen     uint64
}

// Tracker polls procfs and turns thread state changes into controller
// lifecycle events.
type Tracker struct {
	ctl     Lifecycle
	lister  ThreadLister
	source  PIDSource
	sampler Sampler
	logger  *logrus.Logger

	gen     uint64
	threads map[int]*tracked
	events  *queue.Queue
}

func New(ctl Lifecycle, lister ThreadLister, source PIDSource) *Tracker {
	return &Tracker{
		ctl:     ctl,
		lister:  lister,
		source:  source,
		logger:  logging.GetLogger(),
		threads: make(map[int]*tracked),
		events:  queue.New(),
	}
}

// WithSampler enables per-thread counter samples.
func (tr *Tracker) WithSampler(s Sampler) *Tracker {
	tr.sampler = s
	return tr
}

func (tr *Tracker) Tracked() int {
	return len(tr.threads)
}

// Run polls every interval until ctx is done, then reports every tracked
// thread as exited.
func (tr *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer tr.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := tr.Poll(ctx, now); err != nil && !errors.Is(err, context.Canceled) {
				tr.logger.WithError(err).Warn("Thread poll failed")
			}
		}
	}
}

// Poll takes one observation of every tracked process.
func (tr *Tracker) Poll(ctx context.Context, now time.Time) error {
	pids, err := tr.source.PIDs(ctx)
	if err != nil {
		return err
	}
	tr.gen++

	for _, pid := range pids {
		infos, err := tr.lister.Threads(pid)
		if err != nil {
			tr.logger.WithField("pid", pid).WithError(err).Debug("Failed to list threads")
			continue
		}
		for _, info := range infos {
			tr.observe(info)
		}
	}
	for tid, st := range tr.threads {
		if st.gen != tr.gen {
			tr.events.Add(event{kind: evExit, tid: tid})
		}
	}

	tr.dispatch(now)
	return nil
}

// Close reports every tracked thread as exited.
func (tr *Tracker) Close() {
	for tid := range tr.threads {
		tr.events.Add(event{kind: evExit, tid: tid})
	}
	tr.dispatch(time.Now())
}

func isRunning(state string) bool {
	return state == "R"
}

// Stopped threads were preempted by a signal, not blocked.
func isBlocked(state string) bool {
	switch state {
	case "R", "T", "t":
		return false
	}
	return true
}

func isDead(state string) bool {
	return state == "Z" || state == "X"
}

func (tr *Tracker) observe(info ThreadInfo) {
	if isDead(info.State) {
		return
	}
	running := isRunning(info.State)

	st, known := tr.threads[info.TID]
	if !known {
		tr.events.Add(event{kind: evFork, tid: info.TID, pid: info.PID, cpu: info.CPU, running: running})
		tr.events.Add(event{kind: evSwitchIn, tid: info.TID, cpu: info.CPU})
		if !running {
			tr.events.Add(event{kind: evSwitchOut, tid: info.TID, cpu: info.CPU, blocked: isBlocked(info.State)})
		}
		return
	}

	st.gen = tr.gen
	if st.running && !running {
		tr.events.Add(event{kind: evSwitchOut, tid: info.TID, cpu: st.cpu, blocked: isBlocked(info.State)})
	}
	if info.CPU != st.cpu {
		tr.events.Add(event{kind: evMigrate, tid: info.TID, prevCPU: st.cpu, cpu: info.CPU})
	}
	if !st.running && running {
		tr.events.Add(event{kind: evSwitchIn, tid: info.TID, cpu: info.CPU})
	}
	if running {
		tr.events.Add(event{kind: evTick, tid: info.TID, cpu: info.CPU})
		if tr.sampler != nil {
			tr.events.Add(event{kind: evSample, tid: info.TID})
		}
	}
	st.cpu = info.CPU
	st.running = running
}

func (tr *Tracker) dispatch(now time.Time) {
	for tr.events.Length() > 0 {
		ev := tr.events.Remove().(event)

		if ev.kind == evFork {
			tr.fork(ev)
			continue
		}
		st, ok := tr.threads[ev.tid]
		if !ok {
			continue
		}
		t := st.thread

		switch ev.kind {
		case evSwitchIn:
			tr.ctl.OnSwitchIn(t, ev.cpu)
		case evSwitchOut:
			tr.ctl.OnSwitchOut(t, ev.cpu, ev.blocked)
		case evMigrate:
			tr.ctl.OnMigrate(t, ev.prevCPU, ev.cpu)
		case evTick:
			tr.ctl.OnTick(t, ev.cpu)
		case evSample:
			sample, ok, err := tr.sampler.Sample(ev.tid, now)
			if err != nil {
				tr.logger.WithField("tid", ev.tid).WithError(err).Debug("Failed to read counters")
				continue
			}
			if ok {
				tr.ctl.OnNewSample(t, sample)
			}
		case evExit:
			delete(tr.threads, ev.tid)
			if tr.sampler != nil {
				tr.sampler.Detach(ev.tid)
			}
			tr.ctl.OnExit(t)
			tr.ctl.OnFree(t)
		}
	}
}

func (tr *Tracker) fork(ev event) {
	t, err := tr.ctl.OnFork(ev.tid, ev.pid)
	if err != nil {
		tr.logger.WithFields(logrus.Fields{
			"tid": ev.tid,
			"pid": ev.pid,
		}).WithError(err).Debug("Thread not admitted")
		return
	}
	tr.threads[ev.tid] = &tracked{thread: t, cpu: ev.cpu, running: ev.running, gen: tr.gen}

	if tr.sampler != nil {
		if err := tr.sampler.Attach(ev.tid); err != nil {
			tr.logger.WithField("tid", ev.tid).WithError(err).Debug("Failed to attach counters")
		}
	}
}
