package handler

import (
	"fmt"

	"github.com/uniset/mediator/internal/errs"
)

// ErrStarting is returned while the handler is in its startup window and
// method is not in the login/logout whitelist; the transport maps it to
// HTTP 503 directly rather than through the taxonomy's Kind-to-status
// table (spec §7's "503 during startup" sits outside the six Kinds).
var ErrStarting = fmt.Errorf("service unavailable: still starting")

// RequestDef is one entry of the static RPC dispatch table (spec §4.6's
// "static table of request definitions (method name -> request schema,
// response schema, required severity/role)"), grounded on the teacher's
// habit of a fixed method-to-handler map in internal/api.Handlers.
type RequestDef struct {
	Method       string
	RequiresAuth bool
	RequiredRole string // empty means any authenticated (or anonymous, if !RequiresAuth) session may call it
	Handle       func(*Request) (any, error)
}

// Request is what a dispatched RPC call receives: the session it arrived
// on (nil for pre-login calls), and the decoded payload.
type Request struct {
	Session *Session
	Payload any
}

// loginMethods are reachable while the handler is starting (spec §4.6's
// "While starting is true, only a whitelisted subset (login/logout) is
// accepted").
var loginMethods = map[string]bool{
	"Login":        true,
	"LoginConfirm": true,
	"Logout":       true,
}

// Dispatcher holds the static method table and the starting gate.
type Dispatcher struct {
	defs map[string]RequestDef

	starting func() bool
}

// NewDispatcher creates a Dispatcher. starting should return true until
// every configured module reaches InitComplete or InitError.
func NewDispatcher(starting func() bool) *Dispatcher {
	return &Dispatcher{defs: make(map[string]RequestDef), starting: starting}
}

// Register adds a method to the dispatch table.
func (d *Dispatcher) Register(def RequestDef) {
	d.defs[def.Method] = def
}

// Dispatch resolves method against the table and invokes its handler,
// honoring the starting gate and role check (spec §4.6).
func (d *Dispatcher) Dispatch(method string, req *Request) (any, error) {
	if d.starting != nil && d.starting() && !loginMethods[method] {
		return nil, ErrStarting
	}

	def, ok := d.defs[method]
	if !ok {
		return nil, errs.Newf(errs.Request, "handler.Dispatch", "unknown method %q", method)
	}

	if def.RequiresAuth && req.Session == nil {
		return nil, errs.Newf(errs.Request, "handler.Dispatch", "session required for %q", method)
	}
	if def.RequiredRole != "" {
		if req.Session == nil || !hasRole(req.Session.Principal.Roles, def.RequiredRole) {
			return nil, errs.Newf(errs.Auth, "handler.Dispatch", "role %q required for %q", def.RequiredRole, method)
		}
	}

	return def.Handle(req)
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}
