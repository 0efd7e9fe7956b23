package sched

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ampsched/internal/logging"
)

func TestReadConfig_Dump(t *testing.T) {
	a := &testPolicy{name: "a"}
	c, _ := newTestController(t, fastSlow(), a, &plainPolicy{name: "plain"})
	th := mustFork(t, c, 1, 1)
	c.OnSwitchIn(th, 2)

	var buf bytes.Buffer
	if err := c.ReadConfig(&buf); err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"[*] 0 a - records hooks",
		"[ ] 1 plain - no hooks",
		"sched_period_normal=125ms",
		"sched_period_profiling=100ms",
		"group 0: type=fast",
		"group 1: type=slow socket=0 cpus=2-3 online=2-3 mode=normal active_threads=1 active_apps=1",
		"a knobs=0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}
}

func TestWriteConfig_Keys(t *testing.T) {
	a := &testPolicy{name: "a"}
	c, _ := newTestController(t, fastSlow(), a, &plainPolicy{name: "plain"})

	if err := c.WriteConfig("sched_period_normal=50"); err != nil {
		t.Fatalf("period: %v", err)
	}
	if c.PeriodNormal() != 50*time.Millisecond {
		t.Fatalf("period normal = %v", c.PeriodNormal())
	}
	if err := c.WriteConfig("sched_period_profiling 20"); err != nil {
		t.Fatalf("period: %v", err)
	}
	if c.PeriodProfiling() != 20*time.Millisecond {
		t.Fatalf("period profiling = %v", c.PeriodProfiling())
	}

	for _, bad := range []string{"", "sched_period_normal=0", "sched_period_normal=x", "verbose 2", "topo 99", "scheduler"} {
		if err := c.WriteConfig(bad); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("WriteConfig(%q) err = %v, want ErrInvalidConfig", bad, err)
		}
	}
	if c.PeriodNormal() != 50*time.Millisecond {
		t.Fatalf("rejected line changed the period")
	}

	if err := c.WriteConfig("plugin knob=3"); err != nil {
		t.Fatalf("plugin: %v", err)
	}
	if err := c.WriteConfig("knob 4"); err != nil {
		t.Fatalf("forwarded key: %v", err)
	}
	if len(a.lines) != 2 || a.lines[0] != "knob=3" {
		t.Fatalf("policy lines = %v", a.lines)
	}
	if err := c.WriteConfig("bogus 1"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("unknown key err = %v", err)
	}
	if err := c.WriteConfig("topo 3"); err != nil {
		t.Fatalf("topo: %v", err)
	}

	if err := c.WriteConfig("scheduler plain"); err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	if c.ActivePolicy().Name() != "plain" {
		t.Fatalf("active = %s", c.ActivePolicy().Name())
	}
	if err := c.WriteConfig("knob 5"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("policy without writer err = %v", err)
	}
}

func TestCheckConfig_ValidatesWithoutApplying(t *testing.T) {
	a := &testPolicy{name: "a"}
	c, _ := newTestController(t, fastSlow(), a, &plainPolicy{name: "plain"})
	before := c.PeriodNormal()

	for _, good := range []string{"sched_period_normal=50", "scheduler plain", "scheduler 1", "plugin knob=3", "knob 4", "topo 2", "verbose 1"} {
		if err := c.CheckConfig(good); err != nil {
			t.Errorf("CheckConfig(%q): %v", good, err)
		}
	}
	if c.PeriodNormal() != before || c.ActivePolicy().Name() != "a" || len(a.lines) != 0 {
		t.Fatalf("CheckConfig changed state: period %v policy %s lines %v", c.PeriodNormal(), c.ActivePolicy().Name(), a.lines)
	}

	for _, bad := range []string{"", "sched_period_profiling=-1", "verbose yes", "topo x", "plugin"} {
		if err := c.CheckConfig(bad); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("CheckConfig(%q) err = %v, want ErrInvalidConfig", bad, err)
		}
	}
	if err := c.CheckConfig("scheduler nope"); !errors.Is(err, ErrUnknownPolicy) {
		t.Fatalf("unknown policy err = %v", err)
	}
}

func TestWriteConfig_Verbose(t *testing.T) {
	c, _ := newTestController(t, fastSlow(), &plainPolicy{name: "plain"})
	defer logging.SetVerbose(false)

	if err := c.WriteConfig("verbose=1"); err != nil {
		t.Fatalf("verbose: %v", err)
	}
	if !logging.Verbose() {
		t.Fatalf("verbose not enabled")
	}
	var buf bytes.Buffer
	if err := c.ReadConfig(&buf); err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if !strings.Contains(buf.String(), "verbose=1") {
		t.Fatalf("dump does not report verbose:\n%s", buf.String())
	}
	if err := c.WriteConfig("verbose 0"); err != nil {
		t.Fatalf("verbose: %v", err)
	}
	if logging.Verbose() {
		t.Fatalf("verbose not disabled")
	}
}

func TestRunTimer_NoHookWakesWorker(t *testing.T) {
	c, _ := newTestController(t, fastSlow(), &plainPolicy{name: "plain"})
	g := c.GroupByID(0)

	if d := c.RunTimer(context.Background(), g); d != DefaultPeriodNormal {
		t.Fatalf("next period = %v", d)
	}
	if !g.WorkerPending() {
		t.Fatalf("timer without hook should wake the worker")
	}
}

func TestRunTimer_PolicyPeriods(t *testing.T) {
	var next time.Duration
	p := &testPolicy{name: "rec", onTimer: func(tc *TimerContext) {
		tc.SetTimerPeriod(next)
	}}
	c, _ := newTestController(t, fastSlow(), p)
	g := c.GroupByID(1)
	ctx := context.Background()

	next = 10 * time.Millisecond
	if d := c.RunTimer(ctx, g); d != 10*time.Millisecond {
		t.Fatalf("custom period = %v", d)
	}
	next = PeriodDisabled
	if d := c.RunTimer(ctx, g); d >= 0 {
		t.Fatalf("disabled period = %v", d)
	}
	next = PeriodDefault
	if d := c.RunTimer(ctx, g); d != c.PeriodNormal() {
		t.Fatalf("default period = %v", d)
	}
	if g.WorkerPending() {
		t.Fatalf("timer hook did not ask for the worker")
	}
}

func TestRunTimer_RemoteTryLock(t *testing.T) {
	var got bool
	p := &testPolicy{name: "rec", onTimer: func(tc *TimerContext) {
		if !tc.TryLock(tc.Group()) {
			t.Errorf("own group should count as locked")
		}
		tc.Unlock(tc.Group())
		got = tc.TryLock(tc.Groups()[1])
		if got {
			tc.Unlock(tc.Groups()[1])
		}
	}}
	c, _ := newTestController(t, fastSlow(), p)
	remote := c.GroupByID(1)

	remote.Lock()
	c.RunTimer(context.Background(), c.GroupByID(0))
	remote.Unlock()
	if got {
		t.Fatalf("TryLock succeeded on a held group")
	}

	c.RunTimer(context.Background(), c.GroupByID(0))
	if !got {
		t.Fatalf("TryLock failed on a free group")
	}
}

type recordingResources struct {
	mu      sync.Mutex
	updates []ResourceUpdate
}

func (r *recordingResources) ClassFor(groupID int) string {
	if groupID == 0 {
		return "fast"
	}
	return ""
}

func (r *recordingResources) Apply(ctx context.Context, updates []ResourceUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, updates...)
	return nil
}

func TestRunTimer_AppliesResourceUpdates(t *testing.T) {
	c, _ := newTestController(t, fastSlow(), &plainPolicy{name: "plain"})
	res := &recordingResources{}
	c.resources = res

	fastThread := mustFork(t, c, 90, 90)
	slowThread := mustFork(t, c, 91, 91)
	c.OnSwitchIn(fastThread, 0)
	c.OnSwitchIn(slowThread, 2)

	c.RunTimer(context.Background(), c.GroupByID(0))
	c.RunTimer(context.Background(), c.GroupByID(1))

	if len(res.updates) != 1 {
		t.Fatalf("updates = %+v, want one", res.updates)
	}
	if u := res.updates[0]; u.TID != 90 || u.Class != "fast" || u.GroupID != 0 {
		t.Fatalf("update = %+v", u)
	}
	if ga := c.GroupApp(fastThread, 0); ga.Resource.Class != "fast" {
		t.Fatalf("group app class = %q", ga.Resource.Class)
	}
}

func TestStartStop(t *testing.T) {
	c, _ := newTestController(t, fastSlow(), &plainPolicy{name: "plain"})
	if err := c.SetPeriods(time.Millisecond, time.Millisecond); err != nil {
		t.Fatalf("SetPeriods: %v", err)
	}
	c.Start(context.Background())
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Shutdown did not return")
	}
}
