package policy

import (
	"ampsched/internal/sched"

	"github.com/sirupsen/logrus"
)

func threadLogFields(t *sched.Thread) logrus.Fields {
	fields := logrus.Fields{
		"tid": t.TID,
		"pid": t.PID,
	}
	if g := t.Group(); g != nil {
		fields["group"] = g.ID
	}
	if cpu := t.CPU(); cpu >= 0 {
		fields["cpu"] = cpu
	}
	return fields
}
