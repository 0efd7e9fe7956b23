package database

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"ampsched/internal/host"
	"ampsched/internal/sched"
	"ampsched/internal/topology"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

type namedPolicy string

func (p namedPolicy) Name() string             { return string(p) }
func (p namedPolicy) Description() string      { return "" }
func (p namedPolicy) LockMode() sched.LockMode { return sched.LockCPUGroup }

type fakeSource struct {
	snaps []sched.GroupSnapshot
}

func (s *fakeSource) Snapshot() []sched.GroupSnapshot { return s.snaps }
func (s *fakeSource) ActivePolicy() sched.Policy      { return namedPolicy("balancer") }

type fakeWriter struct {
	points []*write.Point
	err    error
}

func (w *fakeWriter) WriteSnapshots(ctx context.Context, points []*write.Point) error {
	if w.err != nil {
		return w.err
	}
	w.points = append(w.points, points...)
	return nil
}

func line(p *write.Point) string {
	return write.PointToLineProtocol(p, time.Nanosecond)
}

func TestRecorder_RecordWritesOnePointPerGroup(t *testing.T) {
	src := &fakeSource{snaps: []sched.GroupSnapshot{
		{ID: 0, CoreType: topology.CoreTypeFast, ActiveThreads: 2, NrOnline: 2},
		{ID: 1, CoreType: topology.CoreTypeSlow, ActiveThreads: 3, Migrations: 1, NrOnline: 4, Mode: sched.ModeProfiling},
	}}
	w := &fakeWriter{}
	r := newRecorder(w, src, 7, "abc123").WithOccupancy(func(id int) (uint64, bool) {
		return 2048, id == 0
	})

	if err := r.Record(context.Background(), time.Unix(1700000000, 0)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if len(w.points) != 2 {
		t.Fatalf("wrote %d points, want 2", len(w.points))
	}

	fast := line(w.points[0])
	for _, want := range []string{
		"sched_snapshot,",
		"core_type=fast",
		"layout_checksum=abc123",
		"policy=balancer",
		"run_id=7",
		"active_threads=2i",
		"llc_occupancy=2048u",
	} {
		if !strings.Contains(fast, want) {
			t.Fatalf("point %q lacks %q", fast, want)
		}
	}
	slow := line(w.points[1])
	if strings.Contains(slow, "llc_occupancy") {
		t.Fatalf("unpartitioned group has occupancy: %q", slow)
	}
	if !strings.Contains(slow, `mode="profiling"`) {
		t.Fatalf("mode missing: %q", slow)
	}
}

func TestRecorder_RecordPropagatesWriteError(t *testing.T) {
	src := &fakeSource{snaps: []sched.GroupSnapshot{{ID: 0}}}
	r := newRecorder(&fakeWriter{err: errors.New("unauthorized")}, src, 1, "")
	if err := r.Record(context.Background(), time.Now()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRecorder_RunStopsOnCancel(t *testing.T) {
	src := &fakeSource{snaps: []sched.GroupSnapshot{{ID: 0}}}
	w := &fakeWriter{}
	r := newRecorder(w, src, 1, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestMetadataPoint(t *testing.T) {
	meta := &RunMetadata{
		RunID:          3,
		Policy:         "rotator",
		LayoutChecksum: "ff00aa",
		Started:        time.Unix(0, 0).UTC(),
		PeriodNormal:   125 * time.Millisecond,
		Host:           &host.HostConfig{Hostname: "node1", NumCPUs: 8},
	}
	got := line(metadataPoint(meta, time.Unix(10, 0)))
	for _, want := range []string{"sched_run_meta,", "run_id=3", `hostname="node1"`, "period_normal_ms=125i", "cpu_threads=8i"} {
		if !strings.Contains(got, want) {
			t.Fatalf("metadata %q lacks %q", got, want)
		}
	}
}
