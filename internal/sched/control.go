package sched

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"ampsched/internal/logging"

	"github.com/sirupsen/logrus"
)

// ReadConfig writes the control dump: selectable policies, tunables, one
// occupancy line per group and the active policy's own state.
func (c *Controller) ReadConfig(w io.Writer) error {
	bw := bufio.NewWriter(w)

	c.policyMu.RLock()
	activeIdx := c.active
	active := c.policies[activeIdx]
	c.policyMu.RUnlock()

	for i, p := range c.policies {
		mark := "[ ]"
		if i == activeIdx {
			mark = "[*]"
		}
		suffix := ""
		if !c.available[i] {
			suffix = " (unavailable)"
		}
		fmt.Fprintf(bw, "%s %d %s - %s%s\n", mark, i, p.Name(), p.Description(), suffix)
	}
	fmt.Fprintf(bw, "sched_period_normal=%dms\n", c.PeriodNormal().Milliseconds())
	fmt.Fprintf(bw, "sched_period_profiling=%dms\n", c.PeriodProfiling().Milliseconds())
	verbose := 0
	if logging.Verbose() {
		verbose = 1
	}
	fmt.Fprintf(bw, "verbose=%d\n", verbose)

	for _, s := range c.Snapshot() {
		fmt.Fprintf(bw, "group %d: type=%s socket=%d cpus=%s online=%s mode=%s active_threads=%d active_apps=%d stopped_threads=%d migrations=%d\n",
			s.ID, s.CoreType, s.SocketID, s.CPUs, s.OnlineCPUs, s.Mode, s.ActiveThreads, s.ActiveApps, s.StoppedThreads, s.Migrations)
	}

	if r, ok := active.(ConfigReader); ok {
		if err := r.ReadConfig(bw); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// CheckConfig validates the syntax of one control line without applying
// it. Lines handed to the active policy are only checked for a writer.
func (c *Controller) CheckConfig(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return fmt.Errorf("%w: empty line", ErrInvalidConfig)
	}
	key, value := splitControlLine(line)

	switch key {
	case "scheduler":
		if value == "" {
			return fmt.Errorf("%w: scheduler needs a policy name or index", ErrInvalidConfig)
		}
		idx, err := c.lookupPolicy(value)
		if err != nil {
			return err
		}
		if !c.available[idx] {
			return fmt.Errorf("%w: %s", ErrPolicyUnavailable, c.policies[idx].Name())
		}
	case "verbose":
		if value != "0" && value != "1" {
			return fmt.Errorf("%w: verbose must be 0 or 1", ErrInvalidConfig)
		}
	case "sched_period_normal", "sched_period_profiling":
		if _, err := parsePeriod(key, value); err != nil {
			return err
		}
	case "plugin":
		if value == "" {
			return fmt.Errorf("%w: empty plugin line", ErrInvalidConfig)
		}
		return c.checkPolicyWriter(value)
	case "topo":
		cpu, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: topo needs a cpu number", ErrInvalidConfig)
		}
		if c.CurrentGroup(cpu) == nil {
			return fmt.Errorf("%w: cpu %d has no group", ErrInvalidConfig, cpu)
		}
	default:
		return c.checkPolicyWriter(line)
	}
	return nil
}

// WriteConfig applies one control line, "key value" or "key=value".
// Malformed lines fail with ErrInvalidConfig and change nothing.
func (c *Controller) WriteConfig(line string) error {
	if err := c.CheckConfig(line); err != nil {
		return err
	}
	line = strings.TrimSpace(line)
	key, value := splitControlLine(line)

	switch key {
	case "scheduler":
		return c.SetPolicy(value)

	case "verbose":
		logging.SetVerbose(value == "1")
		return nil

	case "sched_period_normal", "sched_period_profiling":
		d, err := parsePeriod(key, value)
		if err != nil {
			return err
		}
		if key == "sched_period_normal" {
			return c.SetPeriods(d, 0)
		}
		return c.SetPeriods(0, d)

	case "plugin":
		return c.writePolicyConfig(value)

	case "topo":
		cpu, _ := strconv.Atoi(value)
		g := c.CurrentGroup(cpu)
		c.logger.WithFields(logrus.Fields{
			"cpu":       cpu,
			"group":     g.ID,
			"core_type": g.CPU.CoreType.String(),
			"socket":    g.CPU.SocketID,
			"cpus":      g.CPU.CPUs().String(),
		}).Info("CPU topology")
		return nil
	}

	return c.writePolicyConfig(line)
}

func parsePeriod(key, value string) (time.Duration, error) {
	ms, err := strconv.Atoi(value)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive number of milliseconds", ErrInvalidConfig, key)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (c *Controller) checkPolicyWriter(line string) error {
	c.policyMu.RLock()
	p := c.policies[c.active]
	c.policyMu.RUnlock()

	if _, ok := p.(ConfigWriter); !ok {
		return fmt.Errorf("%w: unknown key in %q", ErrInvalidConfig, line)
	}
	return nil
}

func (c *Controller) writePolicyConfig(line string) error {
	c.policyMu.RLock()
	p := c.policies[c.active]
	c.policyMu.RUnlock()

	w, ok := p.(ConfigWriter)
	if !ok {
		return fmt.Errorf("%w: unknown key in %q", ErrInvalidConfig, line)
	}
	if err := w.WriteConfig(line); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func splitControlLine(line string) (string, string) {
	if i := strings.IndexAny(line, "= \t"); i >= 0 {
		return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:])
	}
	return line, ""
}
