package supervisor

import "github.com/uniset/mediator/internal/errs"

// Caller is an optional Module extension for the generic RPC passthrough
// (spec §6's "Other: CallMethod(moduleID, methodName, parameters)").
// Modules that don't implement it simply can't be called this way.
type Caller interface {
	CallMethod(methodName string, parameters map[string]any) (any, error)
}

// CallMethod dispatches to moduleID's live instance if it implements
// Caller.
func (s *Supervisor) CallMethod(moduleID, methodName string, parameters map[string]any) (any, error) {
	s.mu.RLock()
	var ms *ModuleState
	for _, m := range s.modules {
		if m.Config.ID == moduleID {
			ms = m
			break
		}
	}
	s.mu.RUnlock()
	if ms == nil {
		return nil, errs.Newf(errs.Request, "supervisor.CallMethod", "unknown module %q", moduleID)
	}

	instance := ms.Instance()
	caller, ok := instance.(Caller)
	if !ok {
		return nil, errs.Newf(errs.Request, "supervisor.CallMethod", "module %q does not implement CallMethod", moduleID)
	}
	return caller.CallMethod(methodName, parameters)
}
