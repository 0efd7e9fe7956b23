package database

import (
	"context"
	"time"

	"ampsched/internal/logging"
	"ampsched/internal/sched"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

// Source is satisfied by *sched.Controller.
type Source interface {
	Snapshot() []sched.GroupSnapshot
	ActivePolicy() sched.Policy
}

type snapshotWriter interface {
	WriteSnapshots(ctx context.Context, points []*write.Point) error
}

// Recorder periodically writes group snapshots of one run.
type Recorder struct {
	writer    snapshotWriter
	source    Source
	occupancy func(int) (uint64, bool)
	runID     int
	checksum  string
	logger    *logrus.Logger
}

func NewRecorder(db *InfluxDBClient, source Source, runID int, checksum string) *Recorder {
	return newRecorder(db, source, runID, checksum)
}

func newRecorder(w snapshotWriter, source Source, runID int, checksum string) *Recorder {
	return &Recorder{
		writer:   w,
		source:   source,
		runID:    runID,
		checksum: checksum,
		logger:   logging.GetLogger(),
	}
}

// WithOccupancy adds llc_occupancy fields from fn.
func (r *Recorder) WithOccupancy(fn func(int) (uint64, bool)) *Recorder {
	r.occupancy = fn
	return r
}

// Record writes one snapshot of every group.
func (r *Recorder) Record(ctx context.Context, now time.Time) error {
	policy := r.source.ActivePolicy().Name()
	points := snapshotPoints(r.runID, r.checksum, policy, r.source.Snapshot(), r.occupancy, now)
	return r.writer.WriteSnapshots(ctx, points)
}

// Run records every interval until ctx is done. Write failures are logged
// and recording continues.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := r.Record(ctx, now); err != nil && ctx.Err() == nil {
				r.logger.WithError(err).Warn("Failed to record scheduling snapshot")
			}
		}
	}
}
