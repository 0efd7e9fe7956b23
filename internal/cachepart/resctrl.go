package cachepart

import (
	"sync"

	"github.com/intel/goresctrl/pkg/rdt"
)

// goresctrl's rdt control is not safe for concurrent use.
// Serialize all interactions with github.com/intel/goresctrl/pkg/rdt across the process.
var resctrlMu sync.Mutex

// Class is one resctrl control group.
type Class interface {
	Name() string
	AddTasks(ids ...string) error
	// LLCOccupancy reports the first llc_occupancy reading of any cache id.
	LLCOccupancy() (uint64, bool)
}

// Backend is the resctrl surface the partitioner needs.
type Backend interface {
	Initialize() error
	Class(name string) (Class, bool)
}

// Resctrl talks to the kernel through goresctrl.
type Resctrl struct{}

func NewResctrl() *Resctrl {
	return &Resctrl{}
}

func (Resctrl) Initialize() error {
	resctrlMu.Lock()
	defer resctrlMu.Unlock()
	return rdt.Initialize("")
}

func (Resctrl) Class(name string) (Class, bool) {
	resctrlMu.Lock()
	defer resctrlMu.Unlock()
	cls, ok := rdt.GetClass(name)
	if !ok {
		return nil, false
	}
	return resctrlClass{cls: cls}, true
}

type resctrlClass struct {
	cls rdt.CtrlGroup
}

func (c resctrlClass) Name() string {
	return c.cls.Name()
}

func (c resctrlClass) AddTasks(ids ...string) error {
	resctrlMu.Lock()
	defer resctrlMu.Unlock()
	return c.cls.AddPids(ids...)
}

func (c resctrlClass) LLCOccupancy() (uint64, bool) {
	resctrlMu.Lock()
	monData := c.cls.GetMonData()
	resctrlMu.Unlock()

	for _, l3Data := range monData.L3 {
		if llcOccupancy, exists := l3Data["llc_occupancy"]; exists {
			return llcOccupancy, true
		}
	}
	return 0, false
}
