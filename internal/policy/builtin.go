package policy

import (
	"fmt"
	"strings"

	"ampsched/internal/config"
	"ampsched/internal/sched"
)

// Builtin returns the bundled policies in selection order. Index 0 is the
// fallback the controller activates first.
func Builtin(cfg config.SchedulerConfig) []sched.Policy {
	return []sched.Policy{
		NewDummy(),
		NewRandomRotator(cfg.Seed),
		NewAsymmetricBalancer(),
	}
}

// Names lists the bundled policy names.
func Names() []string {
	return []string{"dummy", "rotator", "balancer"}
}

// Normalize maps accepted spellings onto a bundled policy name.
func Normalize(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, "-", "_")
	switch n {
	case "", "dummy":
		return "dummy", nil
	case "rotator", "random", "random_rotator", "group":
		return "rotator", nil
	case "balancer", "busybcs", "asymmetric", "asymmetric_balancer":
		return "balancer", nil
	}
	return "", fmt.Errorf("unknown policy %q (expected one of %s)", name, strings.Join(Names(), ", "))
}
