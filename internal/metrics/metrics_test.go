package metrics

import (
	"errors"
	"testing"

	"ampsched/internal/sched"
	"ampsched/internal/topology"

	"github.com/prometheus/client_golang/prometheus"
)

// value returns the counter or gauge value of the series of family name
// whose labels include every pair in want.
func value(t *testing.T, g prometheus.Gatherer, name string, want map[string]string) (float64, bool) {
	t.Helper()
	families, err := g.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue series
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue(), true
			}
			return m.GetGauge().GetValue(), true
		}
	}
	return 0, false
}

func TestRecorder_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.TimerFired(0)
	r.TimerFired(0)
	r.WorkerRan(1)
	r.MigrationRequested(1, 0)
	r.MigrationApplied(1, 0, nil)
	r.MigrationApplied(1, 0, errors.New("no such process"))
	r.MigrationAborted(1)
	r.RemoteLockContended(0)
	r.SignalSent(0, nil)

	cases := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"ampsched_group_timer_ticks_total", map[string]string{"group": "0"}, 2},
		{"ampsched_group_worker_runs_total", map[string]string{"group": "1"}, 1},
		{"ampsched_migration_applied_total", map[string]string{"src": "1", "dst": "0"}, 1},
		{"ampsched_migration_failed_total", map[string]string{"src": "1", "dst": "0"}, 1},
		{"ampsched_migration_aborted_total", map[string]string{"group": "1"}, 1},
		{"ampsched_group_signals_total", map[string]string{"group": "0", "result": "ok"}, 1},
	}
	for _, tc := range cases {
		got, ok := value(t, reg, tc.name, tc.labels)
		if !ok {
			t.Fatalf("%s%v missing", tc.name, tc.labels)
		}
		if got != tc.want {
			t.Fatalf("%s%v = %v, want %v", tc.name, tc.labels, got, tc.want)
		}
	}
}

type staticSource []sched.GroupSnapshot

func (s staticSource) Snapshot() []sched.GroupSnapshot { return s }

type staticOccupancy map[int]uint64

func (o staticOccupancy) LLCOccupancy(id int) (uint64, bool) {
	v, ok := o[id]
	return v, ok
}

func TestGroupCollector(t *testing.T) {
	src := staticSource{
		{ID: 0, CoreType: topology.CoreTypeFast, ActiveThreads: 2, NrOnline: 2, Mode: sched.ModeProfiling},
		{ID: 1, CoreType: topology.CoreTypeSlow, ActiveThreads: 5, Migrations: 1, NrOnline: 4},
	}
	reg := prometheus.NewRegistry()
	if err := reg.Register(NewGroupCollector(src, staticOccupancy{0: 1 << 20})); err != nil {
		t.Fatalf("register: %v", err)
	}

	if v, _ := value(t, reg, "ampsched_group_active_threads", map[string]string{"group": "1", "core_type": "slow"}); v != 5 {
		t.Fatalf("active threads of group 1 = %v", v)
	}
	if v, _ := value(t, reg, "ampsched_group_profiling", map[string]string{"group": "0"}); v != 1 {
		t.Fatalf("profiling of group 0 = %v", v)
	}
	if v, _ := value(t, reg, "ampsched_group_llc_occupancy_bytes", map[string]string{"group": "0"}); v != 1<<20 {
		t.Fatalf("occupancy = %v", v)
	}
	if _, ok := value(t, reg, "ampsched_group_llc_occupancy_bytes", map[string]string{"group": "1"}); ok {
		t.Fatalf("occupancy exported for unpartitioned group")
	}
}
