package metrics

import (
	"strconv"

	"ampsched/internal/sched"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ampsched"

// Recorder counts controller events. It is the controller's Observer.
type Recorder struct {
	timerTicks       *prometheus.CounterVec
	workerRuns       *prometheus.CounterVec
	migRequested     *prometheus.CounterVec
	migApplied       *prometheus.CounterVec
	migFailed        *prometheus.CounterVec
	migAborted       *prometheus.CounterVec
	remoteContention *prometheus.CounterVec
	signals          *prometheus.CounterVec
}

var _ sched.Observer = (*Recorder)(nil)

// NewRecorder registers the event counters on reg, or on the default
// registerer when reg is nil.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &Recorder{
		timerTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "group",
			Name:      "timer_ticks_total",
			Help:      "Timer context invocations per group.",
		}, []string{"group"}),
		workerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "group",
			Name:      "worker_runs_total",
			Help:      "Worker context invocations per group.",
		}, []string{"group"}),
		migRequested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "requested_total",
			Help:      "Migrations requested by source and destination group.",
		}, []string{"src", "dst"}),
		migApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "applied_total",
			Help:      "Affinity changes applied by source and destination group.",
		}, []string{"src", "dst"}),
		migFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "failed_total",
			Help:      "Affinity changes that the host rejected.",
		}, []string{"src", "dst"}),
		migAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "migration",
			Name:      "aborted_total",
			Help:      "Requested migrations dropped before execution.",
		}, []string{"group"}),
		remoteContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "group",
			Name:      "remote_lock_contended_total",
			Help:      "Remote group locks a timer hook failed to acquire.",
		}, []string{"group"}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "group",
			Name:      "signals_total",
			Help:      "Stop and continue signals delivered by the worker.",
		}, []string{"group", "result"}),
	}

	reg.MustRegister(
		r.timerTicks,
		r.workerRuns,
		r.migRequested,
		r.migApplied,
		r.migFailed,
		r.migAborted,
		r.remoteContention,
		r.signals,
	)
	return r
}

func label(id int) string {
	return strconv.Itoa(id)
}

func (r *Recorder) TimerFired(group int) {
	r.timerTicks.WithLabelValues(label(group)).Inc()
}

func (r *Recorder) WorkerRan(group int) {
	r.workerRuns.WithLabelValues(label(group)).Inc()
}

func (r *Recorder) MigrationRequested(src, dst int) {
	r.migRequested.WithLabelValues(label(src), label(dst)).Inc()
}

func (r *Recorder) MigrationApplied(src, dst int, err error) {
	if err != nil {
		r.migFailed.WithLabelValues(label(src), label(dst)).Inc()
		return
	}
	r.migApplied.WithLabelValues(label(src), label(dst)).Inc()
}

func (r *Recorder) MigrationAborted(group int) {
	r.migAborted.WithLabelValues(label(group)).Inc()
}

func (r *Recorder) RemoteLockContended(group int) {
	r.remoteContention.WithLabelValues(label(group)).Inc()
}

func (r *Recorder) SignalSent(group int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.signals.WithLabelValues(label(group), result).Inc()
}
