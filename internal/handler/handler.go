package handler

import (
	"sync"
	"time"

	"github.com/uniset/mediator/internal/auth"
	"github.com/uniset/mediator/internal/errs"
	"github.com/uniset/mediator/internal/historian"
	"github.com/uniset/mediator/internal/logserver"
	"github.com/uniset/mediator/internal/model"
	"github.com/uniset/mediator/internal/varstore"
	"github.com/uniset/mediator/internal/vtq"
)

// ModuleController is the supervisor capability surface the generic RPC
// passthrough and log-control requests need (spec §6's "Other:
// CallMethod(moduleID, methodName, parameters)" and the per-module log
// verbosity side channel). *supervisor.Supervisor satisfies this without
// the handler package ever importing supervisor.
type ModuleController interface {
	CallMethod(moduleID, methodName string, parameters map[string]any) (any, error)
	SetModuleLogLevel(moduleID string, level logserver.LogLevel) error
}

// Config tunes the request handler's session and fan-out behaviour.
type Config struct {
	// SessionIdleTimeout is how long a session may go without
	// acknowledging an outbound event before the abandonment sweep closes
	// it (spec §8's Open Question ii, decided at 60s).
	SessionIdleTimeout time.Duration
	OutboundQueueSize  int
}

// DefaultConfig matches the spec's suggested abandonment threshold.
func DefaultConfig() Config {
	return Config{SessionIdleTimeout: 60 * time.Second, OutboundQueueSize: 256}
}

// Handler wires together sessions (Hub), authentication, the variable
// store, and the historian manager behind the static RPC dispatch table
// (spec §4.6). Grounded on the teacher's internal/api.Handlers (one
// struct holding every dependency a POST handler needs).
type Handler struct {
	cfg Config

	Hub        *Hub
	Auth       auth.Backend
	Store      *varstore.Registry
	Historian  *historian.Manager
	Modules    ModuleController
	Dispatcher *Dispatcher

	pendingMu sync.Mutex
	pending   map[string]pendingLogin

	stop chan struct{}
}

// pendingLogin holds the state between Login (which authenticates and
// issues a challenge) and LoginConfirm (which verifies the client's
// digest before the session is actually created).
type pendingLogin struct {
	Principal auth.Principal
	Password  string
	Challenge auth.Challenge
}

// New builds a Handler and registers the core RPC methods. starting
// should report true until every module reaches InitComplete or
// InitError. modules may be nil, in which case CallMethod and
// SetModuleLogLevel requests fail rather than panic.
func New(cfg Config, tree *model.Tree, authBackend auth.Backend, store *varstore.Registry, hist *historian.Manager, modules ModuleController, starting func() bool) *Handler {
	h := &Handler{
		cfg:        cfg,
		Hub:        NewHub(tree),
		Auth:       authBackend,
		Store:      store,
		Historian:  hist,
		Modules:    modules,
		Dispatcher: NewDispatcher(starting),
		pending:    make(map[string]pendingLogin),
		stop:       make(chan struct{}),
	}
	h.registerMethods()
	return h
}

// Run starts the ≈1Hz abandonment sweep (spec §4.6). Call Stop to end it.
func (h *Handler) Run() {
	go h.Hub.RunAbandonmentSweep(h.cfg.SessionIdleTimeout, h.stop)
}

// Stop ends the abandonment sweep.
func (h *Handler) Stop() { close(h.stop) }

// OnVariableChange is the callback the supervisor's execution context
// invokes after a module's Notify_VariableValuesChanged fires, once the
// values are already in the store; it only fans the changes out to
// subscribed sessions.
func (h *Handler) OnVariableChange(changes []varstore.Change) {
	for _, c := range changes {
		h.Hub.BroadcastVariableChanged(c.Ref, c.Current)
	}
}

// OnHistoryChange adapts historian.Manager's OnChange callback to a hub
// broadcast.
func (h *Handler) OnHistoryChange(change historian.VarHistoryChange) {
	h.Hub.BroadcastHistoryChanged(change.Variable, change.MinTS, change.MaxTS)
}

// OnConfigChange fans an object's config change out to subscribers.
func (h *Handler) OnConfigChange(obj model.ObjectRef) {
	h.Hub.BroadcastConfigChanged(obj)
}

// OnSystemEvent adapts supervisor system events to the alarm/event stream
// (spec §7's "Alarm/event stream carries supervisor-generated events").
func (h *Handler) OnSystemEvent(severity int, message, moduleID string) {
	h.Hub.BroadcastAlarmOrEvent(severity, message, moduleID)
}

type loginRequest struct {
	User     string
	Password string
	Roles    []string
}

type loginChallengeResponse struct {
	SessionID string
	Nonce     []byte
}

type loginConfirmRequest struct {
	SessionID string
	Digest    uint64
}

type subscribeVariablesRequest struct {
	Refs     []model.VariableRef
	Coalesce bool
}

type subscribeTreeRequest struct {
	Root     model.ObjectRef
	Coalesce bool
}

type writeVariablesRequest struct {
	Values []varstore.VariableValue
}

type readHistoryRequest struct {
	Variable   model.VariableRef
	DataType   model.DataType
	Start, End vtq.Timestamp
	MaxValues  int
	Bounding   historian.Bounding
	Quality    vtq.QualityFilter
}

type callMethodRequest struct {
	ModuleID   string
	MethodName string
	Parameters map[string]any
}

type setModuleLogLevelRequest struct {
	ModuleID string
	Level    logserver.LogLevel
}

type getChildrenOfObjectsRequest struct {
	Objects []model.ObjectRef
}

type getParentOfObjectRequest struct {
	Object model.ObjectRef
}

type getRootObjectRequest struct {
	Object model.ObjectRef
}

type getAllObjectsRequest struct {
	ModuleID string // empty returns every module's objects
}

// updateConfigRequest covers spec §6's UpdateConfig(updateOrDeleteObjects,
// updateOrDeleteMembers, addArrayElements): object upsert/remove go through
// Tree.Upsert/Remove, and both updateOrDeleteMembers and addArrayElements
// land on UpsertVariables since adding an array element is just another
// variable descriptor on the owning object.
type updateConfigRequest struct {
	UpsertObjects   []model.ObjectInfo
	RemoveObjects   []model.ObjectRef
	UpsertVariables []model.Variable
	RemoveVariables []model.VariableRef
}

type historianCountRequest struct {
	Variable   model.VariableRef
	DataType   model.DataType
	Start, End vtq.Timestamp
	Quality    vtq.QualityFilter
}

type historianModifyRequest struct {
	Variable model.VariableRef
	DataType model.DataType
	Mode     historian.ModifyMode
	Data     []vtq.VTQ
}

type historianDeleteIntervalRequest struct {
	Variable   model.VariableRef
	DataType   model.DataType
	Start, End vtq.Timestamp
}

type historianGetLatestTimestampRequest struct {
	Variable model.VariableRef
	DataType model.DataType
}

// historianDeleteVariablesRequest carries DataTypes parallel to Variables
// rather than a map, since model.VariableRef isn't a valid JSON object key.
type historianDeleteVariablesRequest struct {
	Variables []model.VariableRef
	DataTypes []model.DataType
}

type historianDeleteAllVariablesOfObjectTreeRequest struct {
	Root model.ObjectRef
}

type enableVariableHistoryChangedEventsRequest struct {
	Variables []model.VariableRef
}

type enableConfigChangedEventsRequest struct {
	Objects []model.ObjectRef
}

type enableAlarmsAndEventsRequest struct {
	MinSeverity int
}

func (h *Handler) registerMethods() {
	h.Dispatcher.Register(RequestDef{
		Method: "Login",
		Handle: h.handleLogin,
	})
	h.Dispatcher.Register(RequestDef{
		Method: "LoginConfirm",
		Handle: h.handleLoginConfirm,
	})
	h.Dispatcher.Register(RequestDef{
		Method:       "Logout",
		RequiresAuth: true,
		Handle:       h.handleLogout,
	})
	h.Dispatcher.Register(RequestDef{
		Method:       "SubscribeVariables",
		RequiresAuth: true,
		Handle:       h.handleSubscribeVariables,
	})
	h.Dispatcher.Register(RequestDef{
		Method:       "SubscribeTree",
		RequiresAuth: true,
		Handle:       h.handleSubscribeTree,
	})
	h.Dispatcher.Register(RequestDef{
		Method:       "WriteVariablesSync",
		RequiresAuth: true,
		Handle:       h.handleWriteVariablesSync,
	})
	h.Dispatcher.Register(RequestDef{
		Method:       "ReadVariables",
		RequiresAuth: true,
		Handle:       h.handleReadVariables,
	})
	h.Dispatcher.Register(RequestDef{
		Method:       "ReadHistory",
		RequiresAuth: true,
		Handle:       h.handleReadHistory,
	})
	h.Dispatcher.Register(RequestDef{
		Method:       "CallMethod",
		RequiresAuth: true,
		Handle:       h.handleCallMethod,
	})
	h.Dispatcher.Register(RequestDef{
		Method:       "SetModuleLogLevel",
		RequiresAuth: true,
		Handle:       h.handleSetModuleLogLevel,
	})
	h.Dispatcher.Register(RequestDef{
		Method:       "GetChildrenOfObjects",
		RequiresAuth: true,
		Handle:       h.handleGetChildrenOfObjects,
	})
	h.Dispatcher.Register(RequestDef{
		Method:       "GetParentOfObject",
		RequiresAuth: true,
		Handle:       h.handleGetParentOfObject,
	})
	h.Dispatcher.Register(RequestDef{
		Method:       "GetRootObject",
		RequiresAuth: true,
		Handle:       h.handleGetRootObject,
	})
	h.Dispatcher.Register(RequestDef{
		Method:       "GetAllObjects",
		RequiresAuth: true,
		Handle:       h.handleGetAllObjects,
	})
	h.Dispatcher.Register(RequestDef{
		Method:       "UpdateConfig",
		RequiresAuth: true,
		Handle:       h.handleUpdateConfig,
	})
	h.Dispatcher.Register(RequestDef{
		Method:       "HistorianCount",
		RequiresAuth: true,
		Handle:       h.handleHistorianCount,
	})
	h.Dispatcher.Register(RequestDef{
		Method:       "HistorianModify",
		RequiresAuth: true,
		Handle:       h.handleHistorianModify,
	})
	h.Dispatcher.Register(RequestDef{
		Method:       "HistorianDeleteInterval",
		RequiresAuth: true,
		Handle:       h.handleHistorianDeleteInterval,
	})
	h.Dispatcher.Register(RequestDef{
		Method:       "HistorianDeleteVariables",
		RequiresAuth: true,
		Handle:       h.handleHistorianDeleteVariables,
	})
	h.Dispatcher.Register(RequestDef{
		Method:       "HistorianDeleteAllVariablesOfObjectTree",
		RequiresAuth: true,
		Handle:       h.handleHistorianDeleteAllVariablesOfObjectTree,
	})
	h.Dispatcher.Register(RequestDef{
		Method:       "HistorianGetLatestTimestampDB",
		RequiresAuth: true,
		Handle:       h.handleHistorianGetLatestTimestampDB,
	})
	h.Dispatcher.Register(RequestDef{
		Method:       "EnableVariableHistoryChangedEvents",
		RequiresAuth: true,
		Handle:       h.handleEnableVariableHistoryChangedEvents,
	})
	h.Dispatcher.Register(RequestDef{
		Method:       "EnableConfigChangedEvents",
		RequiresAuth: true,
		Handle:       h.handleEnableConfigChangedEvents,
	})
	h.Dispatcher.Register(RequestDef{
		Method:       "EnableAlarmsAndEvents",
		RequiresAuth: true,
		Handle:       h.handleEnableAlarmsAndEvents,
	})
}

// PayloadFactories returns a fresh, empty pointer for each registered
// method's payload type, keyed by method name. Transport uses this to
// decode a request body without needing to know the handler package's
// (unexported) concrete payload types.
func (h *Handler) PayloadFactories() map[string]func() any {
	return map[string]func() any{
		"Login":              func() any { return &loginRequest{} },
		"LoginConfirm":       func() any { return &loginConfirmRequest{} },
		"Logout":             func() any { return &struct{}{} },
		"SubscribeVariables": func() any { return &subscribeVariablesRequest{} },
		"SubscribeTree":      func() any { return &subscribeTreeRequest{} },
		"WriteVariablesSync": func() any { return &writeVariablesRequest{} },
		"ReadVariables":      func() any { return &[]model.VariableRef{} },
		"ReadHistory":        func() any { return &readHistoryRequest{} },
		"CallMethod":         func() any { return &callMethodRequest{} },
		"SetModuleLogLevel":  func() any { return &setModuleLogLevelRequest{} },

		"GetChildrenOfObjects":                   func() any { return &getChildrenOfObjectsRequest{} },
		"GetParentOfObject":                      func() any { return &getParentOfObjectRequest{} },
		"GetRootObject":                          func() any { return &getRootObjectRequest{} },
		"GetAllObjects":                          func() any { return &getAllObjectsRequest{} },
		"UpdateConfig":                           func() any { return &updateConfigRequest{} },
		"HistorianCount":                         func() any { return &historianCountRequest{} },
		"HistorianModify":                        func() any { return &historianModifyRequest{} },
		"HistorianDeleteInterval":                func() any { return &historianDeleteIntervalRequest{} },
		"HistorianDeleteVariables":                func() any { return &historianDeleteVariablesRequest{} },
		"HistorianDeleteAllVariablesOfObjectTree": func() any { return &historianDeleteAllVariablesOfObjectTreeRequest{} },
		"HistorianGetLatestTimestampDB":           func() any { return &historianGetLatestTimestampRequest{} },
		"EnableVariableHistoryChangedEvents":      func() any { return &enableVariableHistoryChangedEventsRequest{} },
		"EnableConfigChangedEvents":               func() any { return &enableConfigChangedEventsRequest{} },
		"EnableAlarmsAndEvents":                   func() any { return &enableAlarmsAndEventsRequest{} },
	}
}

// handleLogin authenticates (user, password) against the configured
// backend and, on success, issues a challenge the client must echo back
// via LoginConfirm before a Session is actually created (spec §4.6's
// "The server replies with a session id and a challenge").
func (h *Handler) handleLogin(req *Request) (any, error) {
	payload, ok := req.Payload.(loginRequest)
	if !ok {
		return nil, errs.Newf(errs.Request, "handler.Login", "malformed login payload")
	}

	principal, err := h.Auth.Authenticate(payload.User, payload.Password)
	if err != nil {
		return nil, err
	}
	if len(payload.Roles) > 0 {
		principal.Roles = payload.Roles
	}

	challenge, err := auth.NewChallenge()
	if err != nil {
		return nil, err
	}

	h.pendingMu.Lock()
	h.pending[challenge.SessionID] = pendingLogin{Principal: principal, Password: payload.Password, Challenge: challenge}
	h.pendingMu.Unlock()

	return loginChallengeResponse{SessionID: challenge.SessionID, Nonce: challenge.Nonce}, nil
}

// handleLoginConfirm verifies the client's digest and, on a match,
// promotes the pending login to a live Session (spec §4.6's "the client
// resubmits a hash ...; mismatch fails with AuthFailed").
func (h *Handler) handleLoginConfirm(req *Request) (any, error) {
	payload, ok := req.Payload.(loginConfirmRequest)
	if !ok {
		return nil, errs.Newf(errs.Request, "handler.LoginConfirm", "malformed confirm payload")
	}

	h.pendingMu.Lock()
	pl, ok := h.pending[payload.SessionID]
	if ok {
		delete(h.pending, payload.SessionID)
	}
	h.pendingMu.Unlock()
	if !ok {
		return nil, errs.Newf(errs.Auth, "handler.LoginConfirm", "unknown or expired session %q", payload.SessionID)
	}

	if !pl.Challenge.Verify(pl.Password, payload.Digest) {
		return nil, errs.Newf(errs.Auth, "handler.LoginConfirm", "challenge mismatch")
	}

	sess := NewSession(payload.SessionID, pl.Principal, h.cfg.OutboundQueueSize)
	h.Hub.AddSession(sess)
	return sess.ID, nil
}

func (h *Handler) handleLogout(req *Request) (any, error) {
	h.Hub.RemoveSession(req.Session.ID)
	return nil, nil
}

func (h *Handler) handleSubscribeVariables(req *Request) (any, error) {
	payload, ok := req.Payload.(subscribeVariablesRequest)
	if !ok {
		return nil, errs.Newf(errs.Request, "handler.SubscribeVariables", "malformed payload")
	}
	req.Session.SubscribeVariables(payload.Refs, VarSubOptions{Coalesce: payload.Coalesce})
	return nil, nil
}

func (h *Handler) handleSubscribeTree(req *Request) (any, error) {
	payload, ok := req.Payload.(subscribeTreeRequest)
	if !ok {
		return nil, errs.Newf(errs.Request, "handler.SubscribeTree", "malformed payload")
	}
	req.Session.SubscribeTree(payload.Root, VarSubOptions{Coalesce: payload.Coalesce})
	return nil, nil
}

func (h *Handler) handleWriteVariablesSync(req *Request) (any, error) {
	payload, ok := req.Payload.(writeVariablesRequest)
	if !ok {
		return nil, errs.Newf(errs.Request, "handler.WriteVariablesSync", "malformed payload")
	}
	changes := h.Store.Update(payload.Values)
	h.OnVariableChange(changes)
	return changes, nil
}

func (h *Handler) handleReadVariables(req *Request) (any, error) {
	refs, ok := req.Payload.([]model.VariableRef)
	if !ok {
		return nil, errs.Newf(errs.Request, "handler.ReadVariables", "malformed payload")
	}
	values, errOut := h.Store.GetMany(refs)
	for _, e := range errOut {
		if e != nil {
			return nil, e
		}
	}
	return values, nil
}

func (h *Handler) handleReadHistory(req *Request) (any, error) {
	payload, ok := req.Payload.(readHistoryRequest)
	if !ok {
		return nil, errs.Newf(errs.Request, "handler.ReadHistory", "malformed payload")
	}
	values, err := h.Historian.ReadRaw(payload.Variable, payload.DataType, payload.Start, payload.End, payload.MaxValues, payload.Bounding, payload.Quality)
	if err != nil {
		return nil, err
	}
	return values, nil
}

// handleCallMethod passes a named method call through to its target
// module's live instance (spec §6's "Other: CallMethod(moduleID,
// methodName, parameters)").
func (h *Handler) handleCallMethod(req *Request) (any, error) {
	payload, ok := req.Payload.(callMethodRequest)
	if !ok {
		return nil, errs.Newf(errs.Request, "handler.CallMethod", "malformed payload")
	}
	if h.Modules == nil {
		return nil, errs.Newf(errs.Internal, "handler.CallMethod", "no module controller configured")
	}
	return h.Modules.CallMethod(payload.ModuleID, payload.MethodName, payload.Parameters)
}

// handleSetModuleLogLevel adjusts a module's log-control endpoint, the
// operational side channel a supervisor-lifecycle log-verbosity request
// rides (internal/logserver's binary protocol to the module's own log
// server).
func (h *Handler) handleSetModuleLogLevel(req *Request) (any, error) {
	payload, ok := req.Payload.(setModuleLogLevelRequest)
	if !ok {
		return nil, errs.Newf(errs.Request, "handler.SetModuleLogLevel", "malformed payload")
	}
	if h.Modules == nil {
		return nil, errs.Newf(errs.Internal, "handler.SetModuleLogLevel", "no module controller configured")
	}
	if err := h.Modules.SetModuleLogLevel(payload.ModuleID, payload.Level); err != nil {
		return nil, err
	}
	return nil, nil
}

// handleGetChildrenOfObjects answers spec §6's Discovery GetChildrenOfObjects,
// batched over the requested objects so a client can resolve a whole frontier
// of the tree in one round trip.
func (h *Handler) handleGetChildrenOfObjects(req *Request) (any, error) {
	payload, ok := req.Payload.(getChildrenOfObjectsRequest)
	if !ok {
		return nil, errs.Newf(errs.Request, "handler.GetChildrenOfObjects", "malformed payload")
	}
	out := make(map[model.ObjectRef][]model.ObjectRef, len(payload.Objects))
	for _, obj := range payload.Objects {
		out[obj] = h.Hub.Tree.Children(obj)
	}
	return out, nil
}

func (h *Handler) handleGetParentOfObject(req *Request) (any, error) {
	payload, ok := req.Payload.(getParentOfObjectRequest)
	if !ok {
		return nil, errs.Newf(errs.Request, "handler.GetParentOfObject", "malformed payload")
	}
	return h.Hub.Tree.Parent(payload.Object), nil
}

func (h *Handler) handleGetRootObject(req *Request) (any, error) {
	payload, ok := req.Payload.(getRootObjectRequest)
	if !ok {
		return nil, errs.Newf(errs.Request, "handler.GetRootObject", "malformed payload")
	}
	return h.Hub.Tree.Root(payload.Object), nil
}

// handleGetAllObjects answers spec §6's GetAllObjects(moduleID); an empty
// ModuleID returns every module's objects since the tree is shared across
// every module hosted by this process.
func (h *Handler) handleGetAllObjects(req *Request) (any, error) {
	payload, ok := req.Payload.(getAllObjectsRequest)
	if !ok {
		return nil, errs.Newf(errs.Request, "handler.GetAllObjects", "malformed payload")
	}
	all := h.Hub.Tree.All()
	if payload.ModuleID == "" {
		return all, nil
	}
	out := make([]model.ObjectInfo, 0, len(all))
	for _, obj := range all {
		if obj.Ref.ModuleID == payload.ModuleID {
			out = append(out, obj)
		}
	}
	return out, nil
}

// handleUpdateConfig answers spec §6's UpdateConfig(updateOrDeleteObjects,
// updateOrDeleteMembers, addArrayElements), fanning OnConfigChanged out to
// subscribers of each touched object.
func (h *Handler) handleUpdateConfig(req *Request) (any, error) {
	payload, ok := req.Payload.(updateConfigRequest)
	if !ok {
		return nil, errs.Newf(errs.Request, "handler.UpdateConfig", "malformed payload")
	}
	for _, obj := range payload.UpsertObjects {
		h.Hub.Tree.Upsert(obj)
		h.OnConfigChange(obj.Ref)
	}
	for _, ref := range payload.RemoveObjects {
		h.Hub.Tree.Remove(ref)
		h.OnConfigChange(ref)
	}
	for _, v := range payload.UpsertVariables {
		h.Hub.Tree.UpsertVariable(v)
		h.OnConfigChange(v.Ref.Object)
	}
	for _, ref := range payload.RemoveVariables {
		h.Hub.Tree.RemoveVariable(ref)
		h.OnConfigChange(ref.Object)
	}
	return nil, nil
}

func (h *Handler) handleHistorianCount(req *Request) (any, error) {
	payload, ok := req.Payload.(historianCountRequest)
	if !ok {
		return nil, errs.Newf(errs.Request, "handler.HistorianCount", "malformed payload")
	}
	return h.Historian.Count(payload.Variable, payload.DataType, payload.Start, payload.End, payload.Quality)
}

func (h *Handler) handleHistorianModify(req *Request) (any, error) {
	payload, ok := req.Payload.(historianModifyRequest)
	if !ok {
		return nil, errs.Newf(errs.Request, "handler.HistorianModify", "malformed payload")
	}
	return nil, h.Historian.Modify(payload.Variable, payload.DataType, payload.Mode, payload.Data)
}

func (h *Handler) handleHistorianDeleteInterval(req *Request) (any, error) {
	payload, ok := req.Payload.(historianDeleteIntervalRequest)
	if !ok {
		return nil, errs.Newf(errs.Request, "handler.HistorianDeleteInterval", "malformed payload")
	}
	return nil, h.Historian.DeleteInterval(payload.Variable, payload.DataType, payload.Start, payload.End)
}

func (h *Handler) handleHistorianGetLatestTimestampDB(req *Request) (any, error) {
	payload, ok := req.Payload.(historianGetLatestTimestampRequest)
	if !ok {
		return nil, errs.Newf(errs.Request, "handler.HistorianGetLatestTimestampDB", "malformed payload")
	}
	return h.Historian.GetLatestTimestampDB(payload.Variable, payload.DataType)
}

// handleHistorianDeleteVariables answers spec §6's HistorianDeleteVariables
// for an explicit, possibly cross-object list of variables. DataTypes is
// parallel to Variables rather than a map because model.VariableRef embeds
// a struct and isn't usable as a JSON object key.
func (h *Handler) handleHistorianDeleteVariables(req *Request) (any, error) {
	payload, ok := req.Payload.(historianDeleteVariablesRequest)
	if !ok || len(payload.Variables) != len(payload.DataTypes) {
		return nil, errs.Newf(errs.Request, "handler.HistorianDeleteVariables", "malformed payload")
	}
	dataTypes := make(map[model.VariableRef]model.DataType, len(payload.Variables))
	for i, ref := range payload.Variables {
		dataTypes[ref] = payload.DataTypes[i]
	}
	for _, e := range h.Historian.DeleteVariables(payload.Variables, dataTypes) {
		if e != nil {
			return nil, e
		}
	}
	return nil, nil
}

// handleHistorianDeleteAllVariablesOfObjectTree answers spec §6's
// HistorianDeleteAllVariablesOfObjectTree by resolving every variable under
// Root from the tree itself, rather than requiring the caller to enumerate
// them.
func (h *Handler) handleHistorianDeleteAllVariablesOfObjectTree(req *Request) (any, error) {
	payload, ok := req.Payload.(historianDeleteAllVariablesOfObjectTreeRequest)
	if !ok {
		return nil, errs.Newf(errs.Request, "handler.HistorianDeleteAllVariablesOfObjectTree", "malformed payload")
	}
	refs := h.Hub.Tree.Variables(payload.Root)
	for _, e := range h.Historian.DeleteVariables(refs, h.dataTypesFor(refs)) {
		if e != nil {
			return nil, e
		}
	}
	return nil, nil
}

// dataTypesFor resolves each ref's declared DataType from the tree, for
// historian operations that accept bare VariableRefs but whose backend
// needs a DataType to build a ChannelInfo.
func (h *Handler) dataTypesFor(refs []model.VariableRef) map[model.VariableRef]model.DataType {
	out := make(map[model.VariableRef]model.DataType, len(refs))
	objects := make(map[model.ObjectRef]*model.ObjectInfo)
	for _, ref := range refs {
		obj, cached := objects[ref.Object]
		if !cached {
			obj = h.Hub.Tree.Get(ref.Object)
			objects[ref.Object] = obj
		}
		if obj == nil {
			continue
		}
		for _, v := range obj.Variables {
			if v.Ref == ref {
				out[ref] = v.DataType
				break
			}
		}
	}
	return out
}

func (h *Handler) handleEnableVariableHistoryChangedEvents(req *Request) (any, error) {
	payload, ok := req.Payload.(enableVariableHistoryChangedEventsRequest)
	if !ok {
		return nil, errs.Newf(errs.Request, "handler.EnableVariableHistoryChangedEvents", "malformed payload")
	}
	req.Session.SubscribeHistory(payload.Variables)
	return nil, nil
}

func (h *Handler) handleEnableConfigChangedEvents(req *Request) (any, error) {
	payload, ok := req.Payload.(enableConfigChangedEventsRequest)
	if !ok {
		return nil, errs.Newf(errs.Request, "handler.EnableConfigChangedEvents", "malformed payload")
	}
	req.Session.SubscribeConfig(payload.Objects)
	return nil, nil
}

func (h *Handler) handleEnableAlarmsAndEvents(req *Request) (any, error) {
	payload, ok := req.Payload.(enableAlarmsAndEventsRequest)
	if !ok {
		return nil, errs.Newf(errs.Request, "handler.EnableAlarmsAndEvents", "malformed payload")
	}
	req.Session.SubscribeAlarms(payload.MinSeverity)
	return nil, nil
}
