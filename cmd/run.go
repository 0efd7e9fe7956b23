package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"ampsched/internal/cachepart"
	"ampsched/internal/config"
	"ampsched/internal/control"
	"ampsched/internal/database"
	"ampsched/internal/host"
	"ampsched/internal/logging"
	"ampsched/internal/metrics"
	"ampsched/internal/perfsample"
	"ampsched/internal/policy"
	"ampsched/internal/sched"
	"ampsched/internal/topology"
	"ampsched/internal/tracker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRunCmd(logLevelFlag *string) *cobra.Command {
	var configFile string
	var policyOverride string

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduling controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configFile, policyOverride, *logLevelFlag != "")
		},
	}
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to controller configuration file")
	runCmd.Flags().StringVar(&policyOverride, "policy", "", "Override the configured scheduling policy")
	runCmd.MarkFlagRequired("config")
	return runCmd
}

func newValidateCmd() *cobra.Command {
	var configFile string

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a controller configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(configFile)
		},
	}
	validateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to controller configuration file")
	validateCmd.MarkFlagRequired("config")
	return validateCmd
}

func validateConfig(configFile string) error {
	logger := logging.GetLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		logger.WithField("config_file", configFile).WithError(err).Error("Configuration validation failed")
		return err
	}
	if err := applyPolicyOverride(cfg, ""); err != nil {
		logger.WithField("config_file", configFile).WithError(err).Error("Configuration validation failed")
		return err
	}
	logger.WithFields(logrus.Fields{
		"config_file": configFile,
		"policy":      cfg.Scheduler.Policy,
	}).Info("Configuration is valid")
	return nil
}

// applyPolicyOverride replaces the configured policy with override when set
// and normalizes the result to a bundled policy name.
func applyPolicyOverride(cfg *config.Config, override string) error {
	name := cfg.Scheduler.Policy
	if override != "" {
		name = override
	}
	normalized, err := policy.Normalize(name)
	if err != nil {
		return err
	}
	cfg.Scheduler.Policy = normalized
	return nil
}

func loadTopology(cfg *config.Config) (*topology.Registry, error) {
	if len(cfg.Topology.Groups) > 0 {
		return topology.FromConfig(cfg.Topology.Groups)
	}
	return topology.Discover(cfg.Topology.SysfsRoot)
}

func runDaemon(configFile, policyOverride string, logLevelFromFlag bool) error {
	logger := logging.GetLogger()

	cfg, content, err := config.LoadConfigWithContent(configFile)
	if err != nil {
		return err
	}
	if err := applyPolicyOverride(cfg, policyOverride); err != nil {
		return err
	}
	if !logLevelFromFlag {
		if err := logging.SetLogLevel(cfg.LogLevel); err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		if err := logging.SetSchedulerLogLevel(cfg.LogLevel); err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
	}
	logging.SetVerbose(cfg.Scheduler.Verbose)

	topo, err := loadTopology(cfg)
	if err != nil {
		return fmt.Errorf("failed to build CPU topology: %w", err)
	}

	hostInfo, err := host.Collect(cfg.Tracker.ProcRoot, cfg.Topology.SysfsRoot)
	if err != nil {
		logger.WithError(err).Warn("Failed to collect host information")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observer := metrics.NewRecorder(reg)

	var resources sched.ResourceController
	var occupancy metrics.OccupancySource
	var partitioner *cachepart.Partitioner
	if cfg.RDT.Enabled {
		partitioner, err = cachepart.New(cachepart.NewResctrl(), cfg.RDT.GroupClasses)
		if err != nil {
			return err
		}
		resources = partitioner
		occupancy = partitioner
		if hostInfo != nil {
			hostInfo.AttachRDT()
		}
	}

	ctl, err := sched.New(sched.Options{
		Topology:        topo,
		Host:            host.NewLinuxHost(),
		Resources:       resources,
		Observer:        observer,
		Policies:        policy.Builtin(cfg.Scheduler),
		PeriodNormal:    cfg.PeriodNormal(),
		PeriodProfiling: cfg.PeriodProfiling(),
		MaxThreads:      cfg.Scheduler.MaxThreads,
	})
	if err != nil {
		return err
	}
	if err := ctl.SetPolicy(cfg.Scheduler.Policy); err != nil {
		return err
	}
	reg.MustRegister(metrics.NewGroupCollector(ctl, occupancy))

	source, err := pidSource(cfg.Tracker)
	if err != nil {
		return err
	}
	lister, err := tracker.NewProcfsLister(cfg.Tracker.ProcRoot)
	if err != nil {
		return err
	}
	tr := tracker.New(ctl, lister, source)
	if cfg.Perf.Enabled {
		sampler := perfsample.NewSampler()
		defer sampler.Close()
		tr.WithSampler(sampler)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctl.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		tr.Run(ctx, cfg.PollInterval())
	}()
	go func() {
		defer wg.Done()
		srv := control.NewServer(cfg.Control.Listen, ctl, reg)
		if err := srv.Run(ctx); err != nil {
			logger.WithError(err).Error("Control server failed")
			stop()
		}
	}()

	if cfg.Data.DB.Enabled() {
		db, err := startRecording(ctx, cfg, content, ctl, hostInfo, partitioner, &wg)
		if err != nil {
			logger.WithError(err).Warn("Snapshot recording disabled")
		} else {
			defer db.Close()
		}
	}

	logger.WithFields(logrus.Fields{
		"policy":  ctl.ActivePolicy().Name(),
		"groups":  topo.GroupCount(),
		"control": cfg.Control.Listen,
	}).Info("Controller running")

	<-ctx.Done()
	logger.Info("Shutting down")
	wg.Wait()
	ctl.Shutdown()
	return nil
}

func pidSource(cfg config.TrackerConfig) (tracker.PIDSource, error) {
	sources := tracker.MultiSource{tracker.StaticPIDs(cfg.PIDs)}
	if cfg.DockerLabel != "" {
		docker, err := tracker.NewDockerSource(cfg.DockerLabel)
		if err != nil {
			return nil, err
		}
		sources = append(sources, docker)
	}
	return sources, nil
}

func startRecording(ctx context.Context, cfg *config.Config, content string, ctl *sched.Controller, hostInfo *host.HostConfig, partitioner *cachepart.Partitioner, wg *sync.WaitGroup) (*database.InfluxDBClient, error) {
	logger := logging.GetLogger()

	db, err := database.NewInfluxDBClient(cfg.Data.DB)
	if err != nil {
		return nil, err
	}

	lastID, err := db.GetLastRunID(ctx)
	if err != nil {
		logger.WithError(err).Warn("Failed to query last run ID, starting at 1")
	}
	runID := lastID + 1

	checksum, err := config.LayoutChecksum(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	meta := &database.RunMetadata{
		RunID:          runID,
		Policy:         ctl.ActivePolicy().Name(),
		LayoutChecksum: checksum,
		Started:        time.Now(),
		PeriodNormal:   ctl.PeriodNormal(),
		PeriodProfile:  ctl.PeriodProfiling(),
		Groups:         len(ctl.Groups()),
		ConfigFile:     content,
		Host:           hostInfo,
	}
	if err := db.WriteMetadata(ctx, meta); err != nil {
		db.Close()
		return nil, err
	}

	rec := database.NewRecorder(db, ctl, runID, checksum)
	if partitioner != nil {
		rec.WithOccupancy(partitioner.LLCOccupancy)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		rec.Run(ctx, cfg.DataInterval())
	}()

	logger.WithFields(logrus.Fields{
		"run_id":          runID,
		"layout_checksum": checksum,
	}).Info("Recording scheduling snapshots")
	return db, nil
}
