package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"ampsched/internal/logging"

	"gopkg.in/yaml.v3"
)

func LoadConfig(filepath string) (*Config, error) {
	config, _, err := LoadConfigWithContent(filepath)
	return config, err
}

func LoadConfigWithContent(filepath string) (*Config, string, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read config file")
		return nil, "", err
	}

	originalContent := string(data)

	config, err := Parse(originalContent)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to load config file")
		return nil, "", err
	}

	return config, originalContent, nil
}

// Parse expands environment variables, decodes the YAML document, applies
// defaults and validates the result.
func Parse(content string) (*Config, error) {
	expanded := expandEnvVars(content)

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&config)

	for i := range config.Topology.Groups {
		group := &config.Topology.Groups[i]
		cpus, err := ParseCPUSpec(group.CPUs)
		if err != nil {
			return nil, fmt.Errorf("topology group %d: invalid CPU specification '%s': %w", i, group.CPUs, err)
		}
		group.CPUList = cpus
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

func applyDefaults(config *Config) {
	if config.Scheduler.Policy == "" {
		config.Scheduler.Policy = DefaultPolicy
	}
	if config.Scheduler.PeriodNormalMS == 0 {
		config.Scheduler.PeriodNormalMS = DefaultPeriodNormalMS
	}
	if config.Scheduler.PeriodProfilingMS == 0 {
		config.Scheduler.PeriodProfilingMS = DefaultPeriodProfilingMS
	}
	if config.Scheduler.MaxThreads == 0 {
		config.Scheduler.MaxThreads = DefaultMaxThreads
	}
	if config.Topology.SysfsRoot == "" {
		config.Topology.SysfsRoot = DefaultSysfsRoot
	}
	if config.Tracker.PollIntervalMS == 0 {
		config.Tracker.PollIntervalMS = DefaultPollIntervalMS
	}
	if config.Tracker.ProcRoot == "" {
		config.Tracker.ProcRoot = DefaultProcRoot
	}
	if config.Control.Listen == "" {
		config.Control.Listen = DefaultControlListen
	}
	if config.Data.IntervalMS == 0 {
		config.Data.IntervalMS = DefaultDataIntervalMS
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
}

func validateConfig(config *Config) error {
	if strings.TrimSpace(config.Scheduler.Policy) == "" {
		return fmt.Errorf("scheduler policy is required")
	}

	if config.Scheduler.PeriodNormalMS <= 0 {
		return fmt.Errorf("period_normal_ms must be greater than 0")
	}

	if config.Scheduler.PeriodProfilingMS <= 0 {
		return fmt.Errorf("period_profiling_ms must be greater than 0")
	}

	if config.Scheduler.MaxThreads < 0 {
		return fmt.Errorf("max_threads must not be negative")
	}

	if config.Tracker.PollIntervalMS <= 0 {
		return fmt.Errorf("poll_interval_ms must be greater than 0")
	}

	if config.Data.IntervalMS <= 0 {
		return fmt.Errorf("data interval_ms must be greater than 0")
	}

	seen := make(map[int]int)
	for i, group := range config.Topology.Groups {
		switch strings.ToLower(group.CoreType) {
		case "fast", "slow":
		default:
			return fmt.Errorf("topology group %d: core_type must be fast or slow, got %q", i, group.CoreType)
		}
		for _, cpu := range group.CPUList {
			if other, dup := seen[cpu]; dup {
				return fmt.Errorf("topology group %d: cpu %d already belongs to group %d", i, cpu, other)
			}
			seen[cpu] = i
		}
	}

	for groupID, class := range config.RDT.GroupClasses {
		if strings.TrimSpace(class) == "" {
			return fmt.Errorf("rdt group %d: class name is empty", groupID)
		}
	}

	db := config.Data.DB
	if !db.empty() && (db.Host == "" || db.Name == "" || db.User == "" || db.Password == "" || db.Org == "") {
		return fmt.Errorf("incomplete database configuration")
	}

	return nil
}
