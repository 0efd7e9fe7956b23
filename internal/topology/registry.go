package topology

import (
	"fmt"
	"sort"
	"sync"

	"ampsched/internal/logging"

	"github.com/sirupsen/logrus"
)

type CoreType int

const (
	CoreTypeSlow CoreType = 0
	CoreTypeFast CoreType = 1

	NumCoreTypes = 2
)

func (c CoreType) String() string {
	switch c {
	case CoreTypeFast:
		return "fast"
	case CoreTypeSlow:
		return "slow"
	default:
		return fmt.Sprintf("coretype(%d)", int(c))
	}
}

// ParseCoreType accepts "fast"/"big" and "slow"/"little".
func ParseCoreType(s string) (CoreType, error) {
	switch s {
	case "fast", "big", "Fast", "FAST":
		return CoreTypeFast, nil
	case "slow", "little", "Slow", "SLOW":
		return CoreTypeSlow, nil
	}
	return 0, fmt.Errorf("unknown core type %q", s)
}

// CPUGroup is a set of CPUs treated as one scheduling domain. Identity and the
// full CPU set are fixed after discovery; only the online set changes.
type CPUGroup struct {
	ID       int
	SocketID int
	CacheID  int
	CoreType CoreType

	cpus CPUMask

	mu       sync.Mutex
	online   CPUMask
	nrOnline int
}

func (g *CPUGroup) CPUs() CPUMask {
	return g.cpus.Clone()
}

func (g *CPUGroup) NrCPUs() int {
	return g.cpus.Count()
}

func (g *CPUGroup) OnlineCPUs() CPUMask {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.online.Clone()
}

func (g *CPUGroup) NrOnline() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nrOnline
}

func (g *CPUGroup) setOnline(cpu int, on bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.online.Has(cpu) == on {
		return false
	}
	if on {
		g.online.Set(cpu)
		g.nrOnline++
	} else {
		g.online.Clear(cpu)
		g.nrOnline--
	}
	return true
}

// GroupSpec describes one group for NewRegistry.
type GroupSpec struct {
	CPUs     []int
	Offline  []int
	CoreType CoreType
	SocketID int
	CacheID  int
}

// Registry answers which group owns a CPU. The group set is immutable after
// construction.
type Registry struct {
	groups    []*CPUGroup
	byCPU     map[int]*CPUGroup
	coreTypes int
}

// NewRegistry builds a registry from explicit group specs. Groups are
// numbered in order of their lowest CPU.
func NewRegistry(specs []GroupSpec) (*Registry, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no CPU groups")
	}

	sorted := make([]GroupSpec, len(specs))
	copy(sorted, specs)
	for i, spec := range sorted {
		if len(spec.CPUs) == 0 {
			return nil, fmt.Errorf("group %d has no CPUs", i)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return minInt(sorted[i].CPUs) < minInt(sorted[j].CPUs)
	})

	r := &Registry{byCPU: make(map[int]*CPUGroup)}
	types := make(map[CoreType]bool)
	for id, spec := range sorted {
		g := &CPUGroup{
			ID:       id,
			SocketID: spec.SocketID,
			CacheID:  spec.CacheID,
			CoreType: spec.CoreType,
			cpus:     NewCPUMask(spec.CPUs...),
		}
		offline := NewCPUMask(spec.Offline...)
		for _, cpu := range spec.CPUs {
			if owner, dup := r.byCPU[cpu]; dup {
				return nil, fmt.Errorf("cpu %d belongs to groups %d and %d", cpu, owner.ID, id)
			}
			r.byCPU[cpu] = g
			if !offline.Has(cpu) {
				g.online.Set(cpu)
				g.nrOnline++
			}
		}
		types[spec.CoreType] = true
		r.groups = append(r.groups, g)
	}
	r.coreTypes = len(types)
	return r, nil
}

func minInt(v []int) int {
	m := v[0]
	for _, x := range v[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func (r *Registry) GroupOf(cpu int) (*CPUGroup, bool) {
	g, ok := r.byCPU[cpu]
	return g, ok
}

func (r *Registry) Group(id int) *CPUGroup {
	if id < 0 || id >= len(r.groups) {
		return nil
	}
	return r.groups[id]
}

func (r *Registry) Groups() []*CPUGroup {
	return r.groups
}

func (r *Registry) GroupCount() int {
	return len(r.groups)
}

// CoreTypeCount returns the number of distinct core types present.
func (r *Registry) CoreTypeCount() int {
	return r.coreTypes
}

func (r *Registry) NrCPUs() int {
	return len(r.byCPU)
}

func (r *Registry) OnCPUOnline(cpu int) error {
	return r.setOnline(cpu, true)
}

func (r *Registry) OnCPUOffline(cpu int) error {
	return r.setOnline(cpu, false)
}

func (r *Registry) setOnline(cpu int, on bool) error {
	g, ok := r.byCPU[cpu]
	if !ok {
		return fmt.Errorf("cpu %d does not belong to any group", cpu)
	}
	if g.setOnline(cpu, on) {
		logging.GetLogger().WithFields(logrus.Fields{
			"cpu":       cpu,
			"group":     g.ID,
			"online":    on,
			"nr_online": g.NrOnline(),
		}).Info("CPU hotplug")
	}
	return nil
}
