// Package handler implements sessions, subscriptions, change fan-out and
// RPC dispatch for the mediator's request handler (spec §4.6), grounded on
// the teacher's internal/api.ControlManager (single-controller session
// with timeout sweep) and internal/api.SSEHub (per-client event channel +
// filtered broadcast).
package handler

import (
	"sync"
	"time"

	"github.com/uniset/mediator/internal/auth"
	"github.com/uniset/mediator/internal/model"
	"github.com/uniset/mediator/internal/vtq"
)

// Event is one entry on a session's outbound queue — a tagged variant over
// the four WebSocket event frame kinds (spec §6's WebSocket event frames).
type Event struct {
	Kind      EventKind
	Variable  model.VariableRef
	Value     vtq.VTQ
	MinTS     vtq.Timestamp
	MaxTS     vtq.Timestamp
	Object    model.ObjectRef
	Severity  int
	Message   string
	ModuleID  string
}

// EventKind names a WebSocket event frame (spec §6).
type EventKind string

const (
	OnVariableValueChanged   EventKind = "OnVariableValueChanged"
	OnVariableHistoryChanged EventKind = "OnVariableHistoryChanged"
	OnConfigChanged          EventKind = "OnConfigChanged"
	OnAlarmOrEvent           EventKind = "OnAlarmOrEvent"
)

// VarSubOptions is attached to a variable or tree subscription. Coalesce
// collapses repeat notifications for the same variable while one is still
// sitting undelivered on the outbound queue (spec §4.6's "options
// controlling coalescing"), keeping a fast-changing variable from flooding
// a slow client with every intermediate value.
type VarSubOptions struct {
	Coalesce bool
}

// Session is an authenticated client context holding subscriptions and an
// outbound event channel (spec §3's Session, §4.6's creation/subscription
// rules). Grounded on the teacher's ControlManager (token + lastActivity +
// timeout) generalized from one shared controller slot to one slot per
// connected client, and on SSEHub's per-client buffered channel.
type Session struct {
	ID        string
	Principal auth.Principal

	mu sync.Mutex

	variableSubs map[model.VariableRef]VarSubOptions
	treeSubs     map[model.ObjectRef]VarSubOptions
	historySubs  map[model.VariableRef]bool
	configSubs   map[model.ObjectRef]bool
	alarmMinSev  int
	alarmEnabled bool

	outbound     chan Event
	pending      map[model.VariableRef]Event // per-variable coalescing buffer
	lastActivity time.Time
	abandoned    bool
}

// NewSession creates a Session for a successfully authenticated principal.
// outboundCap bounds the outbound queue; it should exceed the number of
// distinct variables a client is expected to subscribe to, since
// coalescing keeps the queue from growing per *event*, not per variable.
func NewSession(id string, principal auth.Principal, outboundCap int) *Session {
	return &Session{
		ID:           id,
		Principal:    principal,
		variableSubs: make(map[model.VariableRef]VarSubOptions),
		treeSubs:     make(map[model.ObjectRef]VarSubOptions),
		historySubs:  make(map[model.VariableRef]bool),
		configSubs:   make(map[model.ObjectRef]bool),
		outbound:     make(chan Event, outboundCap),
		pending:      make(map[model.VariableRef]Event),
		lastActivity: time.Now(),
	}
}

// SubscribeVariables enables value-changed events for refs.
func (s *Session) SubscribeVariables(refs []model.VariableRef, opts VarSubOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ref := range refs {
		s.variableSubs[ref] = opts
	}
}

// UnsubscribeVariables disables value-changed events for refs.
func (s *Session) UnsubscribeVariables(refs []model.VariableRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ref := range refs {
		delete(s.variableSubs, ref)
	}
}

// SubscribeTree enables value-changed events for every variable under root
// (walked by the caller at fan-out time, per spec §4.6's "walking parents
// for tree subscriptions").
func (s *Session) SubscribeTree(root model.ObjectRef, opts VarSubOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.treeSubs[root] = opts
}

// UnsubscribeTree disables a tree subscription.
func (s *Session) UnsubscribeTree(root model.ObjectRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.treeSubs, root)
}

// SubscribeHistory enables history-changed events for refs.
func (s *Session) SubscribeHistory(refs []model.VariableRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ref := range refs {
		s.historySubs[ref] = true
	}
}

// SubscribeConfig enables config-changed events for the given objects.
func (s *Session) SubscribeConfig(objs []model.ObjectRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, obj := range objs {
		s.configSubs[obj] = true
	}
}

// SubscribeAlarms enables the alarm/event stream at or above minSeverity.
func (s *Session) SubscribeAlarms(minSeverity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarmEnabled = true
	s.alarmMinSev = minSeverity
}

// interestedInVariable reports whether this session wants value-changed
// events for ref, either directly or via a tree subscription covering one
// of parents. Returns the effective options and whether interest exists.
func (s *Session) interestedInVariable(ref model.VariableRef, parents []model.ObjectRef) (VarSubOptions, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if opts, ok := s.variableSubs[ref]; ok {
		return opts, true
	}
	for _, p := range parents {
		if opts, ok := s.treeSubs[p]; ok {
			return opts, true
		}
	}
	return VarSubOptions{}, false
}

func (s *Session) interestedInHistory(ref model.VariableRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historySubs[ref]
}

func (s *Session) interestedInConfig(obj model.ObjectRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configSubs[obj]
}

func (s *Session) interestedInAlarm(severity int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alarmEnabled && severity >= s.alarmMinSev
}

// enqueueVariable appends or coalesces a variable value-changed event (spec
// §4.6's fan-out step 2: "coalesces per-session per-variable by keeping only
// the newest value"). While Coalesce is set, a ref with an event already
// sitting undelivered on the outbound queue has its pending value replaced
// in place instead of growing the queue; TakePending reads back whatever
// value is current at delivery time and reopens the window once the
// transport layer actually takes that event off the queue, so the next
// distinct change is free to enqueue again.
func (s *Session) enqueueVariable(ref model.VariableRef, value vtq.VTQ, coalesce bool) {
	ev := Event{Kind: OnVariableValueChanged, Variable: ref, Value: value}

	if !coalesce {
		s.enqueue(ev)
		return
	}

	s.mu.Lock()
	if _, pending := s.pending[ref]; pending {
		s.pending[ref] = ev
		s.mu.Unlock()
		return
	}
	s.pending[ref] = ev
	s.mu.Unlock()

	s.enqueue(ev)
}

// enqueue pushes ev onto the outbound queue without blocking. If the queue
// is full, ev is not queued and the session is marked abandoned, whatever
// the event kind; no queued event is dropped to make room.
func (s *Session) enqueue(ev Event) {
	select {
	case s.outbound <- ev:
	default:
		s.mu.Lock()
		s.abandoned = true
		s.mu.Unlock()
	}
}

// Ack marks the session's last-activity time on receipt of the "OK"
// acknowledgement text frame (spec §4.6).
func (s *Session) Ack() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// TakePending returns the freshest coalesced value buffered for ref, if any,
// and clears its slot. A coalesced variable may have been overwritten one or
// more times in s.pending since the event that originally reserved its
// outbound-queue slot was enqueued, so the transport layer must deliver
// whatever TakePending returns — never the payload it read off the channel —
// to satisfy spec §4.6's "keep only the newest value". Clearing the slot
// here, at delivery time rather than enqueue time, is what reopens the
// window for the next distinct change to enqueue again.
func (s *Session) TakePending(ref model.VariableRef) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.pending[ref]
	if ok {
		delete(s.pending, ref)
	}
	return ev, ok
}

// Outbound returns the session's outbound event channel for the transport
// layer to drain.
func (s *Session) Outbound() <-chan Event { return s.outbound }

// IsAbandoned reports whether the session has gone past its idle window
// without an acknowledgement (spec §8's invariant).
func (s *Session) IsAbandoned(idleTimeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abandoned {
		return true
	}
	return time.Since(s.lastActivity) > idleTimeout
}

// Touch refreshes last-activity without requiring a full ack, e.g. on any
// inbound RPC from this session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}
