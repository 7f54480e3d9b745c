package supervisor

import (
	"github.com/uniset/mediator/internal/model"
	"github.com/uniset/mediator/internal/varstore"
	"github.com/uniset/mediator/internal/vtq"
)

// ModuleHandle is the one-way back-reference a module holds instead of a
// cyclic module<->supervisor dependency (spec §9's "Cyclic references"
// design note): it exposes only the three Notify_* calls a module is
// allowed to make, and nothing of the supervisor's own state.
type ModuleHandle interface {
	// NotifyVariableValuesChanged reports a batch of new values for this
	// module's variables (spec §4.5/§2's "modules call into the
	// supervisor (Notify_*)"). The supervisor writes them through to the
	// module's variable store, forwards historised ones to the
	// historian, and hands the change set to the request handler.
	NotifyVariableValuesChanged(values []varstore.VariableValue)

	// NotifyConfigChanged reports that obj's descriptor changed (e.g. a
	// driver discovered a new array element). The supervisor re-syncs
	// the variable store against the module's current Objects() and
	// fans the change out to config-change subscribers.
	NotifyConfigChanged(obj model.ObjectRef)

	// NotifyAlarmOrEvent reports a module-originated alarm/event stream
	// entry (spec §4.6's alarm/event subscription, spec §7).
	NotifyAlarmOrEvent(severity Severity, message string)
}

// moduleHandle is the concrete ModuleHandle bound to one ModuleState. All
// three Notify_* calls are posted onto the supervisor's execution context
// (spec §4.5's Execution context: "module callbacks are therefore
// permitted to originate on any thread; the supervisor never observes
// concurrent invocations of its own methods").
type moduleHandle struct {
	sup *Supervisor
	ms  *ModuleState
}

func (h *moduleHandle) NotifyVariableValuesChanged(values []varstore.VariableValue) {
	h.sup.Post(func() {
		changes := h.ms.Store.Update(values)

		if h.sup.OnVariableChange != nil {
			h.sup.OnVariableChange(h.ms.Config.ID, changes)
		}
		h.sup.forwardHistory(h.ms, changes)
	})
}

func (h *moduleHandle) NotifyConfigChanged(obj model.ObjectRef) {
	h.sup.Post(func() {
		if instance := h.ms.Instance(); instance != nil {
			h.sup.syncObjects(h.ms, instance.Objects())
		}
		if h.sup.OnConfigChange != nil {
			h.sup.OnConfigChange(h.ms.Config.ID, obj)
		}
	})
}

func (h *moduleHandle) NotifyAlarmOrEvent(severity Severity, message string) {
	h.sup.Post(func() {
		if h.sup.OnAlarmOrEvent != nil {
			h.sup.OnAlarmOrEvent(h.ms.Config.ID, severity, message)
		}
	})
}

// forwardHistory appends the changed values of historised variables to
// the historian manager (spec §4.4). Forwarding runs off the supervisor's
// execution context so a slow historian queue never stalls other
// modules' notifications (spec §5's "supervisor's main loop suspends
// only on its ~100ms wait tick").
func (s *Supervisor) forwardHistory(ms *ModuleState, changes []varstore.Change) {
	if s.Historian == nil {
		return
	}

	vals := make(map[model.VariableRef]vtq.VTQ, len(changes))
	dts := make(map[model.VariableRef]model.DataType, len(changes))
	for _, c := range changes {
		if !ms.Store.TrackHistory(c.Ref) {
			continue
		}
		vals[c.Ref] = c.Current
		dts[c.Ref] = ms.Store.DataType(c.Ref)
	}
	if len(vals) == 0 {
		return
	}

	go func() {
		if errs := s.Historian.Append(vals, dts); len(errs) > 0 && s.OnAlarmOrEvent != nil {
			for _, e := range errs {
				s.OnAlarmOrEvent(ms.Config.ID, SeverityWarning, e.Error())
			}
		}
	}()
}
