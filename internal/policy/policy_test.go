package policy

import (
	"context"
	"strings"
	"sync"
	"syscall"
	"testing"

	"ampsched/internal/config"
	"ampsched/internal/sched"
	"ampsched/internal/topology"
)

type fakeHost struct {
	t *testing.T

	mu       sync.Mutex
	affinity map[int]topology.CPUMask
	attempts int
	fail     error
}

func newFakeHost(t *testing.T) *fakeHost {
	return &fakeHost{t: t, affinity: make(map[int]topology.CPUMask)}
}

func (h *fakeHost) SetAffinity(_ context.Context, th *sched.Thread, cpus topology.CPUMask) error {
	if th.Released() {
		h.t.Errorf("SetAffinity on released thread %d", th.TID)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts++
	if h.fail != nil {
		return h.fail
	}
	h.affinity[th.TID] = cpus
	return nil
}

func (h *fakeHost) nrAttempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

func (h *fakeHost) Signal(context.Context, *sched.Thread, syscall.Signal) error {
	return nil
}

func (h *fakeHost) affinityOf(tid int) (topology.CPUMask, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.affinity[tid]
	return m, ok
}

func newController(t *testing.T, specs []topology.GroupSpec, p sched.Policy) (*sched.Controller, *fakeHost) {
	t.Helper()
	topo, err := topology.NewRegistry(specs)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	host := newFakeHost(t)
	c, err := sched.New(sched.Options{Topology: topo, Host: host, Policies: []sched.Policy{p}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, host
}

func runOn(t *testing.T, c *sched.Controller, tid, cpu int) *sched.Thread {
	t.Helper()
	th, err := c.OnFork(tid, tid)
	if err != nil {
		t.Fatalf("OnFork(%d): %v", tid, err)
	}
	c.OnSwitchIn(th, cpu)
	return th
}

func nrMigrations(g *sched.Group) int {
	g.Lock()
	defer g.Unlock()
	return g.NrMigrations()
}

func nrActive(g *sched.Group) int {
	g.Lock()
	defer g.Unlock()
	return g.NrActiveThreads()
}

func TestBalancer_PullsThreadOntoIdleFastCore(t *testing.T) {
	specs := []topology.GroupSpec{
		{CPUs: []int{0}, CoreType: topology.CoreTypeFast},
		{CPUs: []int{1}, CoreType: topology.CoreTypeSlow},
	}
	c, host := newController(t, specs, NewAsymmetricBalancer())
	fast, slow := c.GroupByID(0), c.GroupByID(1)
	ctx := context.Background()

	th := runOn(t, c, 100, 1)

	c.RunTimer(ctx, fast)
	if th.MigrationState() != sched.MigrationRequested {
		t.Fatalf("state = %s, want requested", th.MigrationState())
	}
	if th.Migration().DstGroup != fast.ID {
		t.Fatalf("destination = %d, want fast group", th.Migration().DstGroup)
	}
	if !slow.WorkerPending() {
		t.Fatalf("slow worker not scheduled")
	}

	c.RunWorker(ctx, slow)
	mask, ok := host.affinityOf(100)
	if !ok || !mask.Equal(topology.NewCPUMask(0)) {
		t.Fatalf("affinity = %v (%t), want cpu 0", mask, ok)
	}

	c.OnMigrate(th, 1, 0)
	if th.Group() != fast || nrActive(fast) != 1 || nrActive(slow) != 0 {
		t.Fatalf("thread not moved to the fast active list")
	}
	if th.MigrationState() != sched.MigrationCompleted {
		t.Fatalf("state after migrate = %s", th.MigrationState())
	}
}

func TestBalancer_RelievesOversubscribedFastGroup(t *testing.T) {
	c, _ := newController(t, []topology.GroupSpec{
		{CPUs: []int{0, 1}, CoreType: topology.CoreTypeFast},
		{CPUs: []int{2, 3}, CoreType: topology.CoreTypeSlow},
	}, NewAsymmetricBalancer())
	fast, slow := c.GroupByID(0), c.GroupByID(1)
	ctx := context.Background()

	threads := []*sched.Thread{runOn(t, c, 1, 0), runOn(t, c, 2, 1), runOn(t, c, 3, 0)}

	c.RunTimer(ctx, slow)
	if n := nrMigrations(fast); n != 1 {
		t.Fatalf("migrations from fast = %d, want 1", n)
	}
	if !fast.WorkerPending() {
		t.Fatalf("fast worker not scheduled")
	}

	c.RunWorker(ctx, fast)
	for _, th := range threads {
		if th.MigrationState() == sched.MigrationStarted {
			c.OnMigrate(th, th.CPU(), 2)
		}
	}
	if nrActive(fast) > fast.CPU.NrOnline() {
		t.Fatalf("fast group still oversubscribed: %d threads", nrActive(fast))
	}
	if nrActive(slow) != 1 {
		t.Fatalf("slow active threads = %d, want 1", nrActive(slow))
	}
}

func TestBalancer_DefersWhileMigrationsPending(t *testing.T) {
	c, _ := newController(t, []topology.GroupSpec{
		{CPUs: []int{0, 1}, CoreType: topology.CoreTypeFast},
		{CPUs: []int{2, 3}, CoreType: topology.CoreTypeSlow},
	}, NewAsymmetricBalancer())
	fast, slow := c.GroupByID(0), c.GroupByID(1)
	ctx := context.Background()

	runOn(t, c, 1, 2)
	runOn(t, c, 2, 3)

	c.RunTimer(ctx, fast)
	if n := nrMigrations(slow); n != 2 {
		t.Fatalf("migrations = %d, want 2", n)
	}
	c.RunTimer(ctx, fast)
	if n := nrMigrations(slow); n != 2 {
		t.Fatalf("second pass added migrations while some were pending: %d", n)
	}
}

func TestBalancer_RetriesAfterFailedAffinity(t *testing.T) {
	c, host := newController(t, []topology.GroupSpec{
		{CPUs: []int{0}, CoreType: topology.CoreTypeFast},
		{CPUs: []int{1}, CoreType: topology.CoreTypeSlow},
	}, NewAsymmetricBalancer())
	host.fail = syscall.EINVAL
	fast, slow := c.GroupByID(0), c.GroupByID(1)
	ctx := context.Background()

	th := runOn(t, c, 1, 1)

	for i := 0; i < 10; i++ {
		c.RunTimer(ctx, fast)
		c.RunTimer(ctx, slow)
		for _, g := range []*sched.Group{fast, slow} {
			if g.WorkerPending() {
				c.RunWorker(ctx, g)
			}
		}
	}

	if n := host.nrAttempts(); n < 3 {
		t.Fatalf("affinity attempts = %d, want retries after failures", n)
	}
	if th.Group() != slow {
		t.Fatalf("thread moved to group %d without a successful affinity change", th.Group().ID)
	}

	host.mu.Lock()
	host.fail = nil
	host.mu.Unlock()
	for i := 0; i < 4; i++ {
		c.RunTimer(ctx, fast)
		c.RunTimer(ctx, slow)
		for _, g := range []*sched.Group{fast, slow} {
			if g.WorkerPending() {
				c.RunWorker(ctx, g)
			}
		}
	}
	if _, ok := host.affinityOf(1); !ok {
		t.Fatalf("affinity never applied once the host accepted it")
	}
}

func TestBalancer_SkipsOnRemoteContention(t *testing.T) {
	c, _ := newController(t, []topology.GroupSpec{
		{CPUs: []int{0}, CoreType: topology.CoreTypeFast},
		{CPUs: []int{1}, CoreType: topology.CoreTypeSlow},
	}, NewAsymmetricBalancer())
	fast, slow := c.GroupByID(0), c.GroupByID(1)

	th := runOn(t, c, 7, 1)
	slow.Lock()
	c.RunTimer(context.Background(), fast)
	slow.Unlock()

	if th.MigrationState() != sched.MigrationCompleted {
		t.Fatalf("balancer acted without the remote lock")
	}
}

func TestBalancer_ProbeNeedsTwoCoreTypes(t *testing.T) {
	symmetric, err := topology.NewRegistry([]topology.GroupSpec{
		{CPUs: []int{0, 1}, CoreType: topology.CoreTypeFast},
		{CPUs: []int{2, 3}, CoreType: topology.CoreTypeFast},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if NewAsymmetricBalancer().Probe(symmetric) {
		t.Fatalf("balancer accepted a symmetric topology")
	}
	if !NewRandomRotator(1).Probe(symmetric) {
		t.Fatalf("rotator rejected a two-group topology")
	}
}

func fourGroups() []topology.GroupSpec {
	return []topology.GroupSpec{
		{CPUs: []int{0}, CoreType: topology.CoreTypeFast},
		{CPUs: []int{1}, CoreType: topology.CoreTypeFast},
		{CPUs: []int{2}, CoreType: topology.CoreTypeSlow},
		{CPUs: []int{3}, CoreType: topology.CoreTypeSlow},
	}
}

func TestRotator_ThirdTickRequestsOneMigration(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		c, _ := newController(t, fourGroups(), NewRandomRotator(seed))
		g := c.GroupByID(0)
		ctx := context.Background()
		th := runOn(t, c, 10, 0)

		c.RunTimer(ctx, g)
		c.RunTimer(ctx, g)
		if n := nrMigrations(g); n != 0 {
			t.Fatalf("seed %d: migration before the third tick", seed)
		}

		c.RunTimer(ctx, g)
		if n := nrMigrations(g); n != 1 {
			t.Fatalf("seed %d: migrations = %d, want 1", seed, n)
		}
		if dst := th.Migration().DstGroup; dst == g.ID || dst < 0 || dst > 3 {
			t.Fatalf("seed %d: destination %d", seed, dst)
		}
		if !g.WorkerPending() {
			t.Fatalf("seed %d: worker not scheduled", seed)
		}
	}
}

func TestRotator_PendingMigrationOnlyWakesWorker(t *testing.T) {
	c, _ := newController(t, fourGroups(), NewRandomRotator(7))
	g := c.GroupByID(1)
	ctx := context.Background()
	th := runOn(t, c, 11, 1)

	for i := 0; i < 3; i++ {
		c.RunTimer(ctx, g)
	}
	first := th.Migration().DstGroup

	for i := 0; i < 3; i++ {
		c.RunTimer(ctx, g)
	}
	if n := nrMigrations(g); n != 1 {
		t.Fatalf("migrations = %d, want 1", n)
	}
	if th.Migration().DstGroup != first {
		t.Fatalf("pending migration retargeted")
	}
	if !g.WorkerPending() {
		t.Fatalf("worker not scheduled for the pending migration")
	}
}

func TestRotator_NeverTargetsOfflineGroup(t *testing.T) {
	c, _ := newController(t, fourGroups(), NewRandomRotator(3))
	for _, cpu := range []int{1, 2} {
		if err := c.OnCPUOffline(cpu); err != nil {
			t.Fatalf("OnCPUOffline: %v", err)
		}
	}
	g := c.GroupByID(0)
	th := runOn(t, c, 12, 0)
	for i := 0; i < 3; i++ {
		c.RunTimer(context.Background(), g)
	}
	if dst := th.Migration().DstGroup; dst != 3 {
		t.Fatalf("destination = %d, want the only online group 3", dst)
	}
}

func TestRotator_Config(t *testing.T) {
	r := NewRandomRotator(1)
	if err := r.WriteConfig("rotate_every=5"); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}
	if err := r.WriteConfig("rotate_every=0"); err == nil {
		t.Fatalf("zero accepted")
	}
	if err := r.WriteConfig("speed=1"); err == nil {
		t.Fatalf("unknown key accepted")
	}
	var b strings.Builder
	if err := r.ReadConfig(&b); err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if b.String() != "rotate_every=5\n" {
		t.Fatalf("ReadConfig = %q", b.String())
	}
}

func TestBuiltinAndNormalize(t *testing.T) {
	policies := Builtin(config.SchedulerConfig{Seed: 1})
	if len(policies) != len(Names()) {
		t.Fatalf("Builtin returned %d policies", len(policies))
	}
	for i, p := range policies {
		if p.Name() != Names()[i] {
			t.Fatalf("policy %d = %s, want %s", i, p.Name(), Names()[i])
		}
	}

	cases := map[string]string{
		"Balancer":       "balancer",
		"random-rotator": "rotator",
		"":               "dummy",
	}
	for in, want := range cases {
		got, err := Normalize(in)
		if err != nil || got != want {
			t.Fatalf("Normalize(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := Normalize("nope"); err == nil {
		t.Fatalf("unknown policy accepted")
	}
}
