package sched

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"syscall"
	"testing"

	"ampsched/internal/topology"
)

type signalRecord struct {
	tid int
	sig syscall.Signal
}

// fakeHost records affinity changes and signals. Touching a released thread
// fails the test.
type fakeHost struct {
	t *testing.T

	mu          sync.Mutex
	affinity    map[int]topology.CPUMask
	nrAffinity  int
	signals     []signalRecord
	affinityErr error
}

func newFakeHost(t *testing.T) *fakeHost {
	return &fakeHost{t: t, affinity: make(map[int]topology.CPUMask)}
}

func (h *fakeHost) SetAffinity(ctx context.Context, th *Thread, cpus topology.CPUMask) error {
	if th.Released() {
		h.t.Errorf("SetAffinity on released thread %s", th)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nrAffinity++
	if h.affinityErr != nil {
		return h.affinityErr
	}
	h.affinity[th.TID] = cpus
	return nil
}

func (h *fakeHost) Signal(ctx context.Context, th *Thread, sig syscall.Signal) error {
	if th.Released() {
		h.t.Errorf("Signal on released thread %s", th)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, signalRecord{tid: th.TID, sig: sig})
	return nil
}

func (h *fakeHost) affinityOf(tid int) (topology.CPUMask, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.affinity[tid]
	return m, ok
}

func (h *fakeHost) affinityCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nrAffinity
}

func (h *fakeHost) takeSignals() []signalRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.signals
	h.signals = nil
	return out
}

// plainPolicy implements no optional hook.
type plainPolicy struct {
	name string
}

func (p *plainPolicy) Name() string        { return p.name }
func (p *plainPolicy) Description() string { return "no hooks" }
func (p *plainPolicy) LockMode() LockMode  { return LockCPUGroup }

// testPolicy records the hooks it receives.
type testPolicy struct {
	name     string
	mode     LockMode
	noProbe  bool
	initErr  error
	forkErr  error
	onTimer  func(tc *TimerContext)
	inits    int
	destroys int

	mu     sync.Mutex
	events []string
	lines  []string
}

func (p *testPolicy) Name() string        { return p.name }
func (p *testPolicy) Description() string { return "records hooks" }
func (p *testPolicy) LockMode() LockMode  { return p.mode }

func (p *testPolicy) Probe(*topology.Registry) bool {
	return !p.noProbe
}

func (p *testPolicy) Init(*Controller) error {
	p.inits++
	return p.initErr
}

func (p *testPolicy) Destroy(*Controller) {
	p.destroys++
}

func (p *testPolicy) record(format string, args ...any) {
	p.mu.Lock()
	p.events = append(p.events, fmt.Sprintf(format, args...))
	p.mu.Unlock()
}

func (p *testPolicy) has(event string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == event {
			return true
		}
	}
	return false
}

func (p *testPolicy) OnActive(g *Group, t *Thread)   { p.record("active %d g%d", t.TID, g.ID) }
func (p *testPolicy) OnInactive(g *Group, t *Thread) { p.record("inactive %d g%d", t.TID, g.ID) }
func (p *testPolicy) OnExit(g *Group, t *Thread)     { p.record("exit %d g%d", t.TID, g.ID) }

func (p *testPolicy) OnFork(t *Thread, newApp bool) error {
	p.record("fork %d new=%t", t.TID, newApp)
	return p.forkErr
}

func (p *testPolicy) OnFree(t *Thread, last bool) {
	p.record("free %d last=%t", t.TID, last)
}

func (p *testPolicy) OnMigrate(from, to *Group, t *Thread, prevCPU, newCPU int) {
	p.record("migrate %d g%d->g%d", t.TID, from.ID, to.ID)
}

func (p *testPolicy) OnTimer(tc *TimerContext) {
	if p.onTimer != nil {
		p.onTimer(tc)
	}
}

func (p *testPolicy) ReadConfig(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s knobs=%d\n", p.name, len(p.lines))
	return err
}

func (p *testPolicy) WriteConfig(line string) error {
	if !strings.HasPrefix(line, "knob") {
		return errors.New("unknown knob")
	}
	p.lines = append(p.lines, line)
	return nil
}

// fastSlow is a fast group on CPUs 0-1 and a slow group on CPUs 2-3.
func fastSlow() []topology.GroupSpec {
	return []topology.GroupSpec{
		{CPUs: []int{0, 1}, CoreType: topology.CoreTypeFast},
		{CPUs: []int{2, 3}, CoreType: topology.CoreTypeSlow},
	}
}

func newTestController(t *testing.T, specs []topology.GroupSpec, policies ...Policy) (*Controller, *fakeHost) {
	t.Helper()
	topo, err := topology.NewRegistry(specs)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	host := newFakeHost(t)
	c, err := New(Options{Topology: topo, Host: host, Policies: policies})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, host
}

func mustFork(t *testing.T, c *Controller, tid, pid int) *Thread {
	t.Helper()
	th, err := c.OnFork(tid, pid)
	if err != nil {
		t.Fatalf("OnFork(%d, %d): %v", tid, pid, err)
	}
	return th
}

// request issues a migration request the way a policy hook would.
func request(c *Controller, th *Thread, dst *Group) error {
	g := th.curGroup
	if g == nil {
		return c.requestMigration(th, dst)
	}
	g.Lock()
	defer g.Unlock()
	return c.requestMigration(th, dst)
}

func locked[T any](g *Group, fn func() T) T {
	g.Lock()
	defer g.Unlock()
	return fn()
}
