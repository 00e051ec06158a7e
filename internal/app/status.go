package app

import (
	"time"

	"nudge/internal/debounce"
	"nudge/internal/dispatch"
	"nudge/internal/eventbus"
	"nudge/internal/maintenance"
	"nudge/internal/metrics"
	"nudge/internal/registry"
)

// Status is the /statusz document.
type Status struct {
	Instance  string    `json:"instance"`
	Addr      string    `json:"addr"`
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`

	TTLMin string `json:"ttl_min"`
	TTLMax string `json:"ttl_max"`

	Metrics     metrics.Snapshot              `json:"metrics"`
	Registry    registry.Stats                `json:"registry"`
	Coalescer   debounce.Stats                `json:"coalescer"`
	Dispatch    dispatch.Stats                `json:"dispatch"`
	Bus         eventbus.Stats                `json:"bus"`
	Maintenance []maintenance.JobInfo         `json:"maintenance"`
	Supervisors map[string]SupervisorSnapshot `json:"supervisors"`
	Capture     *CaptureStatus                `json:"capture,omitempty"`
}

type CaptureStatus struct {
	Session string `json:"session"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
}

// Status gathers a point-in-time view of every component. Safe to call from
// the debug server at any time after NewApp.
func (a *App) Status() any {
	st := Status{
		Instance:    a.instance,
		Metrics:     a.metrics.Snapshot(),
		Registry:    a.reg.Stats(),
		Coalescer:   a.coal.Stats(),
		Bus:         a.bus.Stats(),
		Maintenance: a.maint.Snapshot(),
		Supervisors: map[string]SupervisorSnapshot{},
	}
	min, max := a.reg.TTLBounds()
	st.TTLMin, st.TTLMax = min.String(), max.String()

	if addr := a.Addr(); addr.IsValid() {
		st.Addr = addr.String()
		st.StartedAt = a.startedAt
		st.Uptime = time.Since(a.startedAt).Truncate(time.Second).String()
	}
	if a.sup != nil {
		st.Supervisors["app"] = a.sup.Snapshot()
	}
	if a.engine != nil {
		st.Dispatch = a.engine.Stats()
		if sup := a.engine.Supervisor(); sup != nil {
			st.Supervisors["dispatch"] = sup.Snapshot()
		}
	}
	if sup := a.debug.Supervisor(); sup != nil {
		st.Supervisors["debug"] = sup.Snapshot()
	}
	if a.rec != nil {
		w, f := a.rec.Counts()
		st.Capture = &CaptureStatus{Session: a.rec.Session(), Written: w, Failed: f}
	}
	return st
}

// Health reports nil while the engine is serving and no fatal error has been seen.
func (a *App) Health() error {
	if a.sup != nil {
		if err := a.sup.Err(); err != nil {
			return err
		}
	}
	if a.engine == nil || !a.engine.Stats().Running {
		return errNotServing
	}
	return nil
}
