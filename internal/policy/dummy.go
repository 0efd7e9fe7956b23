package policy

import (
	"ampsched/internal/sched"
)

// Dummy keeps the bookkeeping running but never migrates anything.
type Dummy struct {
	name string
}

func NewDummy() *Dummy {
	return &Dummy{name: "dummy"}
}

func (d *Dummy) Name() string { return d.name }

func (d *Dummy) Description() string { return "Dummy default policy (proof of concept)" }

func (d *Dummy) LockMode() sched.LockMode { return sched.LockCustom }

// OnWorker does nothing; a dummy never requests migrations.
func (d *Dummy) OnWorker(*sched.WorkerContext) {}
