package cachepart

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"ampsched/internal/logging"
	"ampsched/internal/sched"

	"github.com/sirupsen/logrus"
)

// Partitioner maps scheduling groups onto resctrl classes and moves threads
// into the class of the group they became active on.
type Partitioner struct {
	backend Backend
	logger  *logrus.Logger

	mu      sync.Mutex
	classes map[int]Class
}

// New initializes the backend and resolves the class of every configured
// group. Groups whose class does not exist are left unpartitioned.
func New(backend Backend, groupClasses map[int]string) (*Partitioner, error) {
	logger := logging.GetLogger()

	if err := backend.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize resctrl: %w", err)
	}

	p := &Partitioner{
		backend: backend,
		logger:  logger,
		classes: make(map[int]Class),
	}

	ids := make([]int, 0, len(groupClasses))
	for id := range groupClasses {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		name := groupClasses[id]
		cls, ok := backend.Class(name)
		if !ok {
			logger.WithFields(logrus.Fields{
				"group": id,
				"class": name,
			}).Warn("RDT class not found, group left unpartitioned")
			continue
		}
		p.classes[id] = cls
	}

	logger.WithField("classes", len(p.classes)).Info("Cache partitioning initialized")
	return p, nil
}

func (p *Partitioner) ClassFor(groupID int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cls, ok := p.classes[groupID]; ok {
		return cls.Name()
	}
	return ""
}

// Apply writes each thread id into its class. Failures are collected and the
// remaining updates still run.
func (p *Partitioner) Apply(ctx context.Context, updates []sched.ResourceUpdate) error {
	var errs []error
	for _, u := range updates {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.mu.Lock()
		cls, ok := p.classes[u.GroupID]
		p.mu.Unlock()
		if !ok {
			continue
		}
		if err := cls.AddTasks(strconv.Itoa(u.TID)); err != nil {
			errs = append(errs, fmt.Errorf("tid %d to class %s: %w", u.TID, cls.Name(), err))
			continue
		}
		p.logger.WithFields(logrus.Fields{
			"tid":   u.TID,
			"pid":   u.PID,
			"group": u.GroupID,
			"class": cls.Name(),
		}).Debug("Thread assigned to RDT class")
	}
	return errors.Join(errs...)
}

// LLCOccupancy returns the cache occupancy of a group's class in bytes.
func (p *Partitioner) LLCOccupancy(groupID int) (uint64, bool) {
	p.mu.Lock()
	cls, ok := p.classes[groupID]
	p.mu.Unlock()
	if !ok {
		return 0, false
	}
	return cls.LLCOccupancy()
}

var _ sched.ResourceController = (*Partitioner)(nil)
