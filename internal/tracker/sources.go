package tracker

import (
	"context"
	"fmt"

	"ampsched/internal/logging"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/prometheus/procfs"
	"github.com/sirupsen/logrus"
)

// ThreadInfo is one observation of a host thread.
type ThreadInfo struct {
	TID   int
	PID   int
	CPU   int
	State string
}

// ThreadLister enumerates the threads of a process.
type ThreadLister interface {
	Threads(pid int) ([]ThreadInfo, error)
}

// PIDSource yields the processes that should be scheduled.
type PIDSource interface {
	PIDs(ctx context.Context) ([]int, error)
}

// ProcfsLister reads /proc/<pid>/task/*/stat.
type ProcfsLister struct {
	fs procfs.FS
}

func NewProcfsLister(procRoot string) (*ProcfsLister, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", procRoot, err)
	}
	return &ProcfsLister{fs: fs}, nil
}

func (l *ProcfsLister) Threads(pid int) ([]ThreadInfo, error) {
	procs, err := l.fs.AllThreads(pid)
	if err != nil {
		return nil, err
	}
	out := make([]ThreadInfo, 0, len(procs))
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			// thread exited between listing and reading
			continue
		}
		out = append(out, ThreadInfo{
			TID:   stat.PID,
			PID:   pid,
			CPU:   int(stat.Processor),
			State: stat.State,
		})
	}
	return out, nil
}

// StaticPIDs is a fixed process list.
type StaticPIDs []int

func (s StaticPIDs) PIDs(context.Context) ([]int, error) {
	return s, nil
}

// dockerAPI is the part of the Docker client the source uses.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
}

// DockerSource yields the init PIDs of running containers carrying a label.
type DockerSource struct {
	api    dockerAPI
	label  string
	logger *logrus.Logger
}

func NewDockerSource(label string) (*DockerSource, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return newDockerSource(cli, label), nil
}

func newDockerSource(api dockerAPI, label string) *DockerSource {
	return &DockerSource{api: api, label: label, logger: logging.GetLogger()}
}

func (d *DockerSource) PIDs(ctx context.Context) ([]int, error) {
	list, err := d.api.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", d.label)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	pids := make([]int, 0, len(list))
	for _, c := range list {
		info, err := d.api.ContainerInspect(ctx, c.ID)
		if err != nil {
			d.logger.WithField("container_id", shortID(c.ID)).WithError(err).Warn("Failed to inspect container")
			continue
		}
		if info.ContainerJSONBase == nil || info.State == nil || info.State.Pid <= 0 {
			continue
		}
		pids = append(pids, info.State.Pid)
	}
	return pids, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// MultiSource merges the PIDs of several sources, dropping duplicates.
type MultiSource []PIDSource

func (m MultiSource) PIDs(ctx context.Context) ([]int, error) {
	seen := make(map[int]bool)
	var out []int
	for _, s := range m {
		pids, err := s.PIDs(ctx)
		if err != nil {
			return nil, err
		}
		for _, pid := range pids {
			if !seen[pid] {
				seen[pid] = true
				out = append(out, pid)
			}
		}
	}
	return out, nil
}
