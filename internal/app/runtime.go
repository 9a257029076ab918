package app

import (
	"herald/internal/runtime/supervisor"
	"herald/internal/task/engine"
	"herald/internal/task/scheduler"
)

// RuntimeSnapshot is served on the ops API for diagnostics.
type RuntimeSnapshot struct {
	Engine      engine.Snapshot               `json:"engine"`
	Schedules   []scheduler.ScheduleInfo      `json:"schedules"`
	Supervisors map[string][]supervisor.Stats `json:"supervisors"`
}

func (a *App) Runtime() any {
	snap := RuntimeSnapshot{
		Engine:      a.engine.Snapshot(),
		Schedules:   a.sched.Snapshot(),
		Supervisors: map[string][]supervisor.Stats{},
	}
	if a.sup != nil {
		snap.Supervisors["app"] = a.sup.Snapshot()
	}
	if sup := a.engine.Supervisor(); sup != nil {
		snap.Supervisors["engine"] = sup.Snapshot()
	}
	return snap
}
