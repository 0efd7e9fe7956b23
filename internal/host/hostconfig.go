package host

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"ampsched/internal/logging"

	"github.com/intel/goresctrl/pkg/rdt"
	"github.com/sirupsen/logrus"
)

// HostConfig describes the machine the controller runs on. It is collected
// once at startup and reported by the topology command and the data recorder.
type HostConfig struct {
	// CPU Information
	CPUVendor  string
	CPUModel   string
	NumCPUs    int
	NumSockets int

	// Size of the last-level cache shared by cpu0
	L3SizeBytes int64

	RDT RDTConfig

	// System Information
	Hostname      string
	OSInfo        string
	KernelVersion string
}

// RDTConfig contains the resctrl features visible after initialization.
type RDTConfig struct {
	Supported           bool
	MonitoringSupported bool
	AvailableClasses    []string
	MonitoringFeatures  map[string][]string
}

// Collect reads host facts below procRoot and sysfsRoot, normally "/proc" and
// "/sys".
func Collect(procRoot, sysfsRoot string) (*HostConfig, error) {
	logger := logging.GetLogger()

	config := &HostConfig{}
	if err := config.initSystemInfo(procRoot); err != nil {
		return nil, fmt.Errorf("failed to initialize system info: %v", err)
	}
	config.initCPUInfo(procRoot)

	size, err := l3CacheSize(sysfsRoot)
	if err != nil {
		logger.WithError(err).Debug("L3 cache size unavailable")
	}
	config.L3SizeBytes = size

	logger.WithFields(logrus.Fields{
		"cpu_model":   config.CPUModel,
		"cpus":        config.NumCPUs,
		"sockets":     config.NumSockets,
		"l3_cache_mb": config.L3SizeBytes / (1024 * 1024),
	}).Info("Host configuration initialized")

	return config, nil
}

func (hc *HostConfig) initSystemInfo(procRoot string) error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("failed to get hostname: %v", err)
	}
	hc.Hostname = hostname
	hc.OSInfo = runtime.GOOS + "/" + runtime.GOARCH

	if data, err := os.ReadFile(filepath.Join(procRoot, "version")); err == nil {
		version := strings.Fields(string(data))
		if len(version) >= 3 {
			hc.KernelVersion = version[2]
		}
	}
	if hc.KernelVersion == "" {
		hc.KernelVersion = "unknown"
	}
	return nil
}

func (hc *HostConfig) initCPUInfo(procRoot string) {
	hc.NumCPUs = runtime.NumCPU()

	file, err := os.Open(filepath.Join(procRoot, "cpuinfo"))
	if err != nil {
		hc.CPUVendor = "unknown"
		hc.CPUModel = "unknown"
		hc.NumSockets = 1
		return
	}
	defer file.Close()

	hc.CPUVendor, hc.CPUModel, hc.NumSockets = parseCPUInfo(file)
}

// parseCPUInfo extracts vendor, model name and the number of distinct
// physical packages.
func parseCPUInfo(r io.Reader) (vendor, model string, sockets int) {
	physicalIDs := make(map[string]bool)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "vendor_id":
			if vendor == "" {
				vendor = value
			}
		case "model name", "Processor":
			if model == "" {
				model = value
			}
		case "CPU implementer":
			// arm64 has no vendor_id line
			if vendor == "" {
				vendor = "arm:" + value
			}
		case "physical id":
			physicalIDs[value] = true
		}
	}

	if vendor == "" {
		vendor = "unknown"
	}
	if model == "" {
		model = "unknown"
	}
	sockets = len(physicalIDs)
	if sockets == 0 {
		sockets = 1
	}
	return vendor, model, sockets
}

func l3CacheSize(sysfsRoot string) (int64, error) {
	base := filepath.Join(sysfsRoot, "devices/system/cpu/cpu0/cache")
	for _, index := range []string{"index3", "index2"} {
		data, err := os.ReadFile(filepath.Join(base, index, "size"))
		if err != nil {
			continue
		}
		if size, err := parseCacheSize(string(data)); err == nil {
			return size, nil
		}
	}
	return 0, fmt.Errorf("could not determine L3 cache size")
}

// parseCacheSize accepts the sysfs forms "8192K", "32M" and plain bytes.
func parseCacheSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1024, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1024*1024, strings.TrimSuffix(s, "M")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cache size %q", s)
	}
	return n * mult, nil
}

// AttachRDT records resctrl features. Call it only after rdt.Initialize
// succeeded.
func (hc *HostConfig) AttachRDT() {
	hc.RDT.Supported = true
	hc.RDT.MonitoringSupported = rdt.MonSupported()

	for _, class := range rdt.GetClasses() {
		hc.RDT.AvailableClasses = append(hc.RDT.AvailableClasses, class.Name())
	}

	if hc.RDT.MonitoringSupported {
		hc.RDT.MonitoringFeatures = make(map[string][]string)
		for resource, features := range rdt.GetMonFeatures() {
			hc.RDT.MonitoringFeatures[string(resource)] = features
		}
	}
}

// L3UtilizationPercent converts an occupancy reading into a share of the
// last-level cache.
func (hc *HostConfig) L3UtilizationPercent(occupancyBytes uint64) float64 {
	if hc.L3SizeBytes == 0 {
		return 0.0
	}
	return float64(occupancyBytes) / float64(hc.L3SizeBytes) * 100.0
}
