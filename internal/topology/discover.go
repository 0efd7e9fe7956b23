package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"ampsched/internal/config"
	"ampsched/internal/logging"

	"github.com/sirupsen/logrus"
)

var cpuDirRe = regexp.MustCompile(`^cpu([0-9]+)$`)

type cpuInfo struct {
	cpu      int
	online   bool
	socket   int
	cacheID  int
	capacity int
	coreType CoreType
}

type groupKey struct {
	socket   int
	cacheID  int
	coreType CoreType
}

// Discover builds the registry from sysfs. CPUs sharing a socket, a last-level
// cache (or cluster) and a core type form one group.
func Discover(sysfsRoot string) (*Registry, error) {
	logger := logging.GetLogger()
	if sysfsRoot == "" {
		sysfsRoot = "/sys"
	}
	cpuRoot := filepath.Join(sysfsRoot, "devices", "system", "cpu")

	entries, err := os.ReadDir(cpuRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate CPUs: %w", err)
	}

	var cpus []*cpuInfo
	for _, entry := range entries {
		m := cpuDirRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		cpu, _ := strconv.Atoi(m[1])
		dir := filepath.Join(cpuRoot, entry.Name())
		info := &cpuInfo{
			cpu:      cpu,
			online:   true,
			socket:   readIntOr(filepath.Join(dir, "topology", "physical_package_id"), 0),
			cacheID:  cacheDomain(dir),
			capacity: readIntOr(filepath.Join(dir, "cpu_capacity"), 0),
		}
		if v, err := readInt(filepath.Join(dir, "online")); err == nil && v == 0 {
			info.online = false
		}
		cpus = append(cpus, info)
	}
	if len(cpus) == 0 {
		return nil, fmt.Errorf("no CPUs found under %s", cpuRoot)
	}
	sort.Slice(cpus, func(i, j int) bool { return cpus[i].cpu < cpus[j].cpu })

	assignCoreTypes(sysfsRoot, cpus)

	byKey := make(map[groupKey]*GroupSpec)
	var order []groupKey
	for _, info := range cpus {
		key := groupKey{socket: info.socket, cacheID: info.cacheID, coreType: info.coreType}
		spec, ok := byKey[key]
		if !ok {
			spec = &GroupSpec{CoreType: info.coreType, SocketID: info.socket, CacheID: info.cacheID}
			byKey[key] = spec
			order = append(order, key)
		}
		spec.CPUs = append(spec.CPUs, info.cpu)
		if !info.online {
			spec.Offline = append(spec.Offline, info.cpu)
		}
	}

	specs := make([]GroupSpec, 0, len(order))
	for _, key := range order {
		specs = append(specs, *byKey[key])
	}

	registry, err := NewRegistry(specs)
	if err != nil {
		return nil, err
	}

	for _, g := range registry.Groups() {
		logger.WithFields(logrus.Fields{
			"group":     g.ID,
			"cpus":      g.cpus.String(),
			"core_type": g.CoreType.String(),
			"socket":    g.SocketID,
			"cache_id":  g.CacheID,
			"nr_online": g.NrOnline(),
		}).Debug("Discovered CPU group")
	}
	logger.WithFields(logrus.Fields{
		"groups":     registry.GroupCount(),
		"cpus":       registry.NrCPUs(),
		"core_types": registry.CoreTypeCount(),
	}).Info("CPU topology discovered")

	return registry, nil
}

// FromConfig builds the registry from manual group overrides.
func FromConfig(groups []config.GroupConfig) (*Registry, error) {
	specs := make([]GroupSpec, 0, len(groups))
	for i, g := range groups {
		coreType, err := ParseCoreType(strings.ToLower(g.CoreType))
		if err != nil {
			return nil, fmt.Errorf("group %d: %w", i, err)
		}
		specs = append(specs, GroupSpec{
			CPUs:     g.CPUList,
			CoreType: coreType,
			SocketID: g.Socket,
			CacheID:  i,
		})
	}
	return NewRegistry(specs)
}

// cacheDomain returns the id of the last cache level present, falling back
// to the cluster id.
func cacheDomain(cpuDir string) int {
	for _, index := range []string{"index3", "index2"} {
		if id, err := readInt(filepath.Join(cpuDir, "cache", index, "id")); err == nil {
			return id
		}
	}
	return readIntOr(filepath.Join(cpuDir, "topology", "cluster_id"), 0)
}

// assignCoreTypes uses the hybrid PMU cpu lists when present and
// cpu_capacity otherwise. Without either hint every CPU is fast.
func assignCoreTypes(sysfsRoot string, cpus []*cpuInfo) {
	coreList, coreErr := readCPUList(filepath.Join(sysfsRoot, "devices", "cpu_core", "cpus"))
	atomList, atomErr := readCPUList(filepath.Join(sysfsRoot, "devices", "cpu_atom", "cpus"))
	if coreErr == nil && atomErr == nil {
		for _, info := range cpus {
			switch {
			case atomList.Has(info.cpu):
				info.coreType = CoreTypeSlow
			case coreList.Has(info.cpu):
				info.coreType = CoreTypeFast
			default:
				info.coreType = CoreTypeFast
			}
		}
		return
	}

	maxCapacity := 0
	for _, info := range cpus {
		if info.capacity > maxCapacity {
			maxCapacity = info.capacity
		}
	}
	for _, info := range cpus {
		if maxCapacity > 0 && info.capacity > 0 && info.capacity < maxCapacity {
			info.coreType = CoreTypeSlow
		} else {
			info.coreType = CoreTypeFast
		}
	}
}

func readCPUList(path string) (CPUMask, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CPUMask{}, err
	}
	list, err := config.ParseCPUSpec(strings.TrimSpace(string(data)))
	if err != nil {
		return CPUMask{}, err
	}
	return NewCPUMask(list...), nil
}

func readInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func readIntOr(path string, def int) int {
	v, err := readInt(path)
	if err != nil {
		return def
	}
	return v
}
