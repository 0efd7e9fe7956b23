package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"ampsched/internal/config"
	"ampsched/internal/host"
	"ampsched/internal/logging"
	"ampsched/internal/sched"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

const (
	snapshotMeasurement = "sched_snapshot"
	metaMeasurement     = "sched_run_meta"
)

// RunMetadata describes one daemon run.
type RunMetadata struct {
	RunID          int
	Policy         string
	LayoutChecksum string
	Started        time.Time
	PeriodNormal   time.Duration
	PeriodProfile  time.Duration
	Groups         int
	ConfigFile     string
	Host           *host.HostConfig
}

// PointWriter is the blocking write surface of the InfluxDB client.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type InfluxDBClient struct {
	client   influxdb2.Client
	writeAPI PointWriter
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

func NewInfluxDBClient(cfg config.DatabaseConfig) (*InfluxDBClient, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClient(cfg.Host, cfg.Password)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("host", cfg.Host).WithError(err).Error("Failed to connect to InfluxDB")
		client.Close()
		return nil, err
	}

	if health.Status != "pass" {
		logger.WithFields(logrus.Fields{
			"host":   cfg.Host,
			"status": health.Status,
		}).Error("InfluxDB health check failed")
		client.Close()
		return nil, fmt.Errorf("influxdb at %s reports status %s", cfg.Host, health.Status)
	}

	logger.WithFields(logrus.Fields{
		"host":   cfg.Host,
		"bucket": cfg.Name,
		"org":    cfg.Org,
	}).Info("Connected to InfluxDB")

	return &InfluxDBClient{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Name),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Name,
		org:      cfg.Org,
	}, nil
}

// GetLastRunID returns the highest run id recorded in the last 30 days.
func (idb *InfluxDBClient) GetLastRunID(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -30d)
		|> filter(fn: (r) => r._measurement == "%s")
		|> distinct(column: "run_id")
		|> map(fn: (r) => ({_value: int(v: r.run_id)}))
		|> max()
		|> yield(name: "max_run_id")
	`, idb.bucket, metaMeasurement)

	result, err := idb.queryAPI.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to query last run ID: %w", err)
	}
	defer result.Close()

	maxID := 0
	for result.Next() {
		if id, ok := result.Record().Value().(int64); ok {
			maxID = int(id)
		}
	}
	if result.Err() != nil {
		return 0, fmt.Errorf("error reading query results: %w", result.Err())
	}
	return maxID, nil
}

func (idb *InfluxDBClient) WriteMetadata(ctx context.Context, meta *RunMetadata) error {
	if err := idb.writeAPI.WritePoint(ctx, metadataPoint(meta, time.Now())); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

func (idb *InfluxDBClient) WriteSnapshots(ctx context.Context, points []*write.Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := idb.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write snapshot points: %w", err)
	}
	return nil
}

func (idb *InfluxDBClient) Close() {
	if idb.client != nil {
		idb.client.Close()
	}
}

func metadataPoint(meta *RunMetadata, ts time.Time) *write.Point {
	fields := map[string]interface{}{
		"policy":              meta.Policy,
		"started":             meta.Started.Format(time.RFC3339),
		"period_normal_ms":    meta.PeriodNormal.Milliseconds(),
		"period_profiling_ms": meta.PeriodProfile.Milliseconds(),
		"groups":              meta.Groups,
		"config_file":         meta.ConfigFile,
	}
	if h := meta.Host; h != nil {
		fields["hostname"] = h.Hostname
		fields["os_info"] = h.OSInfo
		fields["kernel_version"] = h.KernelVersion
		fields["cpu_vendor"] = h.CPUVendor
		fields["cpu_model"] = h.CPUModel
		fields["cpu_threads"] = h.NumCPUs
		fields["sockets"] = h.NumSockets
		fields["l3_size_bytes"] = h.L3SizeBytes
		fields["rdt_supported"] = h.RDT.Supported
	}
	return influxdb2.NewPoint(metaMeasurement,
		map[string]string{
			"run_id":          strconv.Itoa(meta.RunID),
			"layout_checksum": meta.LayoutChecksum,
		},
		fields,
		ts)
}

// snapshotPoints builds one point per group. occupancy may be nil.
func snapshotPoints(runID int, checksum, policy string, snaps []sched.GroupSnapshot, occupancy func(int) (uint64, bool), ts time.Time) []*write.Point {
	points := make([]*write.Point, 0, len(snaps))
	for _, s := range snaps {
		fields := map[string]interface{}{
			"active_threads":  s.ActiveThreads,
			"stopped_threads": s.StoppedThreads,
			"active_apps":     s.ActiveApps,
			"stopped_apps":    s.StoppedApps,
			"migrations":      s.Migrations,
			"pending_signals": s.PendingSignals,
			"online_cpus":     s.NrOnline,
			"mode":            s.Mode.String(),
		}
		if occupancy != nil {
			if occ, ok := occupancy(s.ID); ok {
				fields["llc_occupancy"] = occ
			}
		}
		points = append(points, influxdb2.NewPoint(snapshotMeasurement,
			map[string]string{
				"run_id":          strconv.Itoa(runID),
				"layout_checksum": checksum,
				"policy":          policy,
				"group":           strconv.Itoa(s.ID),
				"core_type":       s.CoreType.String(),
			},
			fields,
			ts))
	}
	return points
}
