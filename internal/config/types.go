package config

import (
	"time"
)

type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Topology  TopologyConfig  `yaml:"topology"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Perf      PerfConfig      `yaml:"perf"`
	RDT       RDTConfig       `yaml:"rdt"`
	Control   ControlConfig   `yaml:"control"`
	Data      DataConfig      `yaml:"data"`
	LogLevel  string          `yaml:"log_level"`
}

type SchedulerConfig struct {
	Policy            string `yaml:"policy"`
	PeriodNormalMS    int    `yaml:"period_normal_ms"`
	PeriodProfilingMS int    `yaml:"period_profiling_ms"`
	Verbose           bool   `yaml:"verbose"`
	MaxThreads        int    `yaml:"max_threads"`
	Seed              uint64 `yaml:"seed"`
}

type TopologyConfig struct {
	SysfsRoot string        `yaml:"sysfs_root"`
	Groups    []GroupConfig `yaml:"groups,omitempty"`
}

// GroupConfig overrides sysfs discovery with a fixed CPU group.
type GroupConfig struct {
	CPUs     string `yaml:"cpus"`
	CoreType string `yaml:"core_type"`
	Socket   int    `yaml:"socket"`

	// Parsed from CPUs during loading
	CPUList []int `yaml:"-"`
}

type TrackerConfig struct {
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	ProcRoot       string `yaml:"proc_root"`
	PIDs           []int  `yaml:"pids,omitempty"`
	DockerLabel    string `yaml:"docker_label,omitempty"`
}

type PerfConfig struct {
	Enabled bool `yaml:"enabled"`
}

type RDTConfig struct {
	Enabled      bool           `yaml:"enabled"`
	GroupClasses map[int]string `yaml:"group_classes,omitempty"`
}

type ControlConfig struct {
	Listen string `yaml:"listen"`
}

type DataConfig struct {
	DB         DatabaseConfig `yaml:"db"`
	IntervalMS int            `yaml:"interval_ms"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Org      string `yaml:"org"`
}

const (
	DefaultPolicy            = "dummy"
	DefaultPeriodNormalMS    = 125
	DefaultPeriodProfilingMS = 100
	DefaultMaxThreads        = 4096
	DefaultPollIntervalMS    = 50
	DefaultDataIntervalMS    = 1000
	DefaultSysfsRoot         = "/sys"
	DefaultProcRoot          = "/proc"
	DefaultControlListen     = "127.0.0.1:9477"
)

func (c *Config) PeriodNormal() time.Duration {
	return time.Duration(c.Scheduler.PeriodNormalMS) * time.Millisecond
}

func (c *Config) PeriodProfiling() time.Duration {
	return time.Duration(c.Scheduler.PeriodProfilingMS) * time.Millisecond
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Tracker.PollIntervalMS) * time.Millisecond
}

func (c *Config) DataInterval() time.Duration {
	return time.Duration(c.Data.IntervalMS) * time.Millisecond
}

// Enabled reports whether snapshot recording is configured.
func (db DatabaseConfig) Enabled() bool {
	return db.Host != ""
}

func (db DatabaseConfig) empty() bool {
	return db.Host == "" && db.Name == "" && db.User == "" && db.Password == "" && db.Org == ""
}
