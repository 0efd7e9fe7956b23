package config

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
)

type layoutChecksumGroup struct {
	CPUs     string `json:"cpus"`
	CoreType string `json:"core_type"`
	Socket   int    `json:"socket"`
}

type layoutChecksumPayload struct {
	Policy  string                `json:"policy"`
	Normal  int                   `json:"period_normal_ms"`
	Profile int                   `json:"period_profiling_ms"`
	Groups  []layoutChecksumGroup `json:"groups"`
	Classes map[int]string        `json:"classes,omitempty"`
}

// LayoutChecksum returns a short, stable checksum identifying the effective
// scheduling layout (policy, periods, group overrides and partition classes).
//
// It computes MD5 over a canonical JSON representation and returns the first 6 hex
// characters (equivalent to `md5sum | cut -c1-6`).
func LayoutChecksum(cfg *Config) (string, error) {
	if cfg == nil {
		return "", nil
	}

	groups := make([]layoutChecksumGroup, 0, len(cfg.Topology.Groups))
	for _, g := range cfg.Topology.Groups {
		groups = append(groups, layoutChecksumGroup{
			CPUs:     FormatCPUSpec(g.CPUList),
			CoreType: g.CoreType,
			Socket:   g.Socket,
		})
	}

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].CPUs < groups[j].CPUs
	})

	payload := layoutChecksumPayload{
		Policy:  cfg.Scheduler.Policy,
		Normal:  cfg.Scheduler.PeriodNormalMS,
		Profile: cfg.Scheduler.PeriodProfilingMS,
		Groups:  groups,
	}
	if cfg.RDT.Enabled {
		payload.Classes = cfg.RDT.GroupClasses
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	sum := md5.Sum(b)
	hexStr := hex.EncodeToString(sum[:])
	if len(hexStr) > 6 {
		hexStr = hexStr[:6]
	}
	return hexStr, nil
}
