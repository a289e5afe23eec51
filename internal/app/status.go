package app

import (
	"ajnotify/internal/runtime/supervisor"
	"ajnotify/internal/schedule"
	"ajnotify/internal/taskmgr"
)

// Status is the document served at the debug server's /status.
type Status struct {
	BusName    string              `json:"bus_name"`
	Producer   bool                `json:"producer"`
	Receiver   string              `json:"receiver_state"`
	SuperAgent string              `json:"super_agent,omitempty"`
	Tasks      taskmgr.Stats       `json:"tasks"`
	Goroutines supervisor.Counters `json:"goroutines"`
	Schedules  []schedule.Info     `json:"schedules,omitempty"`
}

func (a *App) status() any {
	var st Status
	if a.bus.Bus != nil {
		st.BusName = a.bus.UniqueName()
	}
	st.Producer = a.sender != nil
	if a.svc != nil {
		state, sa := a.svc.ReceiverState()
		st.Receiver, st.SuperAgent = state.String(), sa
	}
	if a.tasks != nil {
		st.Tasks = a.tasks.Stats()
	}
	st.Goroutines = a.sup.Counters()
	a.mu.Lock()
	sched := a.sched
	a.mu.Unlock()
	if sched != nil {
		st.Schedules = sched.Snapshot()
	}
	return st
}
