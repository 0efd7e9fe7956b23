package sched

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"ampsched/internal/logging"
	"ampsched/internal/topology"

	"github.com/sirupsen/logrus"
)

const (
	DefaultPeriodNormal    = 125 * time.Millisecond
	DefaultPeriodProfiling = 100 * time.Millisecond
)

// Host applies blocking changes to host threads. Only the worker context
// calls it.
type Host interface {
	SetAffinity(ctx context.Context, t *Thread, cpus topology.CPUMask) error
	Signal(ctx context.Context, t *Thread, sig syscall.Signal) error
}

// ResourceController partitions shared caches between groups.
type ResourceController interface {
	// ClassFor returns the partition class of a group, or "" for none.
	ClassFor(groupID int) string
	Apply(ctx context.Context, updates []ResourceUpdate) error
}

type Options struct {
	Topology  *topology.Registry
	Host      Host
	Resources ResourceController
	Observer  Observer
	Policies  []Policy

	PeriodNormal    time.Duration
	PeriodProfiling time.Duration
	MaxThreads      int
}

// Controller owns the scheduling groups and dispatches host lifecycle events
// to the active policy.
type Controller struct {
	topo      *topology.Registry
	host      Host
	resources ResourceController
	observer  Observer

	groups []*Group

	// held shared by every dispatch and exclusively while switching policy
	policyMu  sync.RWMutex
	policies  []Policy
	available []bool
	active    int

	// taken before any group lock by LockGlobal policies
	global sync.Mutex

	periodNormal    atomic.Int64
	periodProfiling atomic.Int64
	maxThreads      int

	regMu   sync.Mutex
	threads map[int]*Thread
	apps    map[int]*ProcessApp

	logger *logrus.Logger

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) (*Controller, error) {
	logger := logging.GetSchedulerLogger()

	if opts.Topology == nil || opts.Topology.GroupCount() == 0 {
		return nil, fmt.Errorf("controller needs a topology with at least one group")
	}
	if opts.Host == nil {
		return nil, fmt.Errorf("controller needs a host")
	}
	if len(opts.Policies) == 0 {
		return nil, fmt.Errorf("controller needs at least one policy")
	}

	c := &Controller{
		topo:       opts.Topology,
		host:       opts.Host,
		resources:  opts.Resources,
		observer:   opts.Observer,
		policies:   opts.Policies,
		available:  make([]bool, len(opts.Policies)),
		active:     -1,
		maxThreads: opts.MaxThreads,
		threads:    make(map[int]*Thread),
		apps:       make(map[int]*ProcessApp),
		logger:     logger,
	}
	if c.observer == nil {
		c.observer = nopObserver{}
	}
	if opts.PeriodNormal <= 0 {
		opts.PeriodNormal = DefaultPeriodNormal
	}
	if opts.PeriodProfiling <= 0 {
		opts.PeriodProfiling = DefaultPeriodProfiling
	}
	c.periodNormal.Store(int64(opts.PeriodNormal))
	c.periodProfiling.Store(int64(opts.PeriodProfiling))

	for _, cg := range opts.Topology.Groups() {
		c.groups = append(c.groups, newGroup(cg, len(opts.Policies)))
	}

	seen := make(map[string]bool)
	for i, p := range opts.Policies {
		name := strings.ToLower(p.Name())
		if seen[name] {
			return nil, fmt.Errorf("duplicate policy %q", p.Name())
		}
		seen[name] = true

		c.available[i] = true
		if pr, ok := p.(Prober); ok && !pr.Probe(opts.Topology) {
			c.available[i] = false
			logger.WithField("policy", p.Name()).Warn("Policy not applicable to this topology, excluded")
		}
	}

	for i, p := range opts.Policies {
		if !c.available[i] {
			continue
		}
		if in, ok := p.(Initializer); ok {
			if err := in.Init(c); err != nil {
				logger.WithField("policy", p.Name()).WithError(err).Warn("Failed to initialize policy")
				continue
			}
		}
		c.active = i
		break
	}
	if c.active < 0 {
		return nil, fmt.Errorf("no usable policy among %d registered", len(opts.Policies))
	}

	logger.WithFields(logrus.Fields{
		"policy": c.policies[c.active].Name(),
		"groups": len(c.groups),
	}).Info("Scheduling controller created")

	return c, nil
}

func (c *Controller) Topology() *topology.Registry {
	return c.topo
}

func (c *Controller) Groups() []*Group {
	return c.groups
}

func (c *Controller) GroupByID(id int) *Group {
	if id < 0 || id >= len(c.groups) {
		return nil
	}
	return c.groups[id]
}

// CurrentGroup returns the group owning cpu.
func (c *Controller) CurrentGroup(cpu int) *Group {
	cg, ok := c.topo.GroupOf(cpu)
	if !ok {
		return nil
	}
	return c.groups[cg.ID]
}

// GroupApp returns t's application record in the given group, or nil if the
// process never had an active thread there.
func (c *Controller) GroupApp(t *Thread, groupID int) *GroupApp {
	g := c.GroupByID(groupID)
	if g == nil {
		return nil
	}
	g.Lock()
	defer g.Unlock()
	return t.app.groups[groupID]
}

func (c *Controller) Thread(tid int) (*Thread, bool) {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	t, ok := c.threads[tid]
	return t, ok
}

func (c *Controller) NrThreads() int {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	return len(c.threads)
}

// ActivePolicy returns the currently selected policy.
func (c *Controller) ActivePolicy() Policy {
	c.policyMu.RLock()
	defer c.policyMu.RUnlock()
	return c.policies[c.active]
}

// Policies returns all registered policies and whether each passed probing.
func (c *Controller) Policies() ([]Policy, []bool) {
	return c.policies, c.available
}

func (c *Controller) PeriodNormal() time.Duration {
	return time.Duration(c.periodNormal.Load())
}

func (c *Controller) PeriodProfiling() time.Duration {
	return time.Duration(c.periodProfiling.Load())
}

// SetPeriods updates the default timer periods. Zero leaves a value as is.
func (c *Controller) SetPeriods(normal, profiling time.Duration) error {
	if normal < 0 || profiling < 0 {
		return fmt.Errorf("%w: period must be positive", ErrInvalidConfig)
	}
	if normal > 0 {
		c.periodNormal.Store(int64(normal))
	}
	if profiling > 0 {
		c.periodProfiling.Store(int64(profiling))
	}
	for _, g := range c.groups {
		select {
		case g.rearm <- struct{}{}:
		default:
		}
	}
	return nil
}

func (c *Controller) OnCPUOnline(cpu int) error {
	return c.topo.OnCPUOnline(cpu)
}

func (c *Controller) OnCPUOffline(cpu int) error {
	return c.topo.OnCPUOffline(cpu)
}

func (c *Controller) lookupPolicy(name string) (int, error) {
	name = strings.TrimSpace(name)
	if idx, err := strconv.Atoi(name); err == nil {
		if idx < 0 || idx >= len(c.policies) {
			return -1, fmt.Errorf("%w: index %d", ErrUnknownPolicy, idx)
		}
		return idx, nil
	}
	for i, p := range c.policies {
		if strings.EqualFold(p.Name(), name) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
}

// SetPolicy switches the active policy. Pending migrations are cancelled
// before the new policy initializes; on failure the old policy is restored.
func (c *Controller) SetPolicy(name string) error {
	idx, err := c.lookupPolicy(name)
	if err != nil {
		return err
	}
	if !c.available[idx] {
		return fmt.Errorf("%w: %s", ErrPolicyUnavailable, c.policies[idx].Name())
	}

	c.policyMu.Lock()
	defer c.policyMu.Unlock()

	if idx == c.active {
		return nil
	}
	old := c.policies[c.active]
	next := c.policies[idx]

	cancelled := c.quiesce()

	if d, ok := old.(Destroyer); ok {
		d.Destroy(c)
	}
	c.clearPrivate(c.active)

	if in, ok := next.(Initializer); ok {
		if err := in.Init(c); err != nil {
			c.clearPrivate(idx)
			if oldIn, ok := old.(Initializer); ok {
				if rerr := oldIn.Init(c); rerr != nil {
					c.logger.WithField("policy", old.Name()).WithError(rerr).Error("Failed to restore previous policy")
				}
			}
			return fmt.Errorf("failed to initialize policy %s: %w", next.Name(), err)
		}
	}
	c.active = idx

	c.logger.WithFields(logrus.Fields{
		"from":                 old.Name(),
		"to":                   next.Name(),
		"cancelled_migrations": cancelled,
	}).Info("Scheduling policy switched")
	return nil
}

// quiesce cancels every pending migration and resets policy timer periods.
// Caller holds policyMu exclusively, so no worker is between collect and
// apply.
func (c *Controller) quiesce() int {
	cancelled := 0
	for _, g := range c.groups {
		g.Lock()
		for _, t := range g.migrations.Items() {
			g.migrations.Remove(t)
			t.migration.owner = nil
			t.migration.setState(MigrationCompleted)
			cancelled++
		}
		g.Unlock()
		g.setTimerPeriod(PeriodDefault)
	}
	return cancelled
}

func (c *Controller) clearPrivate(slot int) {
	for _, g := range c.groups {
		g.Lock()
		g.private[slot] = nil
		g.Unlock()
	}
}

// begin enters a dispatch: shared policy lock plus the global lock for
// LockGlobal policies. It must precede any group lock.
func (c *Controller) begin() (Policy, int) {
	c.policyMu.RLock()
	p := c.policies[c.active]
	if p.LockMode() == LockGlobal {
		c.global.Lock()
	}
	return p, c.active
}

func (c *Controller) end(p Policy) {
	if p.LockMode() == LockGlobal {
		c.global.Unlock()
	}
	c.policyMu.RUnlock()
}

// hookQueue runs hooks inline, or after the group locks are released for
// LockCustom policies.
type hookQueue struct {
	custom bool
	fns    []func()
}

func newHookQueue(p Policy) *hookQueue {
	return &hookQueue{custom: p.LockMode() == LockCustom}
}

func (q *hookQueue) run(fn func()) {
	if q.custom {
		q.fns = append(q.fns, fn)
		return
	}
	fn()
}

func (q *hookQueue) flush() {
	for _, fn := range q.fns {
		fn()
	}
	q.fns = nil
}

// GroupSnapshot is a point-in-time view of one group for the control dump
// and metrics.
type GroupSnapshot struct {
	ID             int
	SocketID       int
	CoreType       topology.CoreType
	CPUs           string
	OnlineCPUs     string
	NrCPUs         int
	NrOnline       int
	Mode           Mode
	ActiveThreads  int
	StoppedThreads int
	ActiveApps     int
	StoppedApps    int
	Migrations     int
	PendingSignals int
}

func (c *Controller) Snapshot() []GroupSnapshot {
	out := make([]GroupSnapshot, 0, len(c.groups))
	for _, g := range c.groups {
		online := g.CPU.OnlineCPUs()
		g.Lock()
		out = append(out, GroupSnapshot{
			ID:             g.ID,
			SocketID:       g.CPU.SocketID,
			CoreType:       g.CPU.CoreType,
			CPUs:           g.CPU.CPUs().String(),
			OnlineCPUs:     online.String(),
			NrCPUs:         g.CPU.NrCPUs(),
			NrOnline:       online.Count(),
			Mode:           g.Mode(),
			ActiveThreads:  g.activeThreads.Len(),
			StoppedThreads: g.stoppedThreads.Len(),
			ActiveApps:     g.activeApps.Len(),
			StoppedApps:    g.stoppedApps.Len(),
			Migrations:     g.migrations.Len(),
			PendingSignals: g.pendingSignals.Len(),
		})
		g.Unlock()
	}
	return out
}
