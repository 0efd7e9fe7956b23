package metrics

import (
	"ampsched/internal/sched"

	"github.com/prometheus/client_golang/prometheus"
)

// SnapshotSource is satisfied by *sched.Controller.
type SnapshotSource interface {
	Snapshot() []sched.GroupSnapshot
}

// OccupancySource reports last-level cache occupancy per group.
type OccupancySource interface {
	LLCOccupancy(groupID int) (uint64, bool)
}

// GroupCollector exports group state at scrape time.
type GroupCollector struct {
	source    SnapshotSource
	occupancy OccupancySource

	activeThreadsDesc  *prometheus.Desc
	stoppedThreadsDesc *prometheus.Desc
	activeAppsDesc     *prometheus.Desc
	migrationsDesc     *prometheus.Desc
	onlineCPUsDesc     *prometheus.Desc
	profilingDesc      *prometheus.Desc
	llcOccupancyDesc   *prometheus.Desc
}

var _ prometheus.Collector = (*GroupCollector)(nil)

// NewGroupCollector builds a collector over source. occupancy may be nil.
func NewGroupCollector(source SnapshotSource, occupancy OccupancySource) *GroupCollector {
	labels := []string{"group", "core_type", "socket"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "group", name), help, labels, nil)
	}
	return &GroupCollector{
		source:             source,
		occupancy:          occupancy,
		activeThreadsDesc:  desc("active_threads", "Threads currently running on the group."),
		stoppedThreadsDesc: desc("stopped_threads", "Active threads stopped by the controller."),
		activeAppsDesc:     desc("active_apps", "Applications with at least one active thread."),
		migrationsDesc:     desc("pending_migrations", "Migrations owned by the group and not yet completed."),
		onlineCPUsDesc:     desc("online_cpus", "Online CPUs in the group."),
		profilingDesc:      desc("profiling", "1 while the group is in profiling mode."),
		llcOccupancyDesc:   desc("llc_occupancy_bytes", "Last-level cache occupancy of the group's partition."),
	}
}

func (c *GroupCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeThreadsDesc
	ch <- c.stoppedThreadsDesc
	ch <- c.activeAppsDesc
	ch <- c.migrationsDesc
	ch <- c.onlineCPUsDesc
	ch <- c.profilingDesc
	ch <- c.llcOccupancyDesc
}

func (c *GroupCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.source.Snapshot() {
		labels := []string{label(s.ID), s.CoreType.String(), label(s.SocketID)}
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
		}

		gauge(c.activeThreadsDesc, float64(s.ActiveThreads))
		gauge(c.stoppedThreadsDesc, float64(s.StoppedThreads))
		gauge(c.activeAppsDesc, float64(s.ActiveApps))
		gauge(c.migrationsDesc, float64(s.Migrations))
		gauge(c.onlineCPUsDesc, float64(s.NrOnline))
		profiling := 0.0
		if s.Mode == sched.ModeProfiling {
			profiling = 1
		}
		gauge(c.profilingDesc, profiling)

		if c.occupancy != nil {
			if occ, ok := c.occupancy.LLCOccupancy(s.ID); ok {
				gauge(c.llcOccupancyDesc, float64(occ))
			}
		}
	}
}
