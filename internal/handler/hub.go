package handler

import (
	"sync"
	"time"

	"github.com/uniset/mediator/internal/model"
	"github.com/uniset/mediator/internal/vtq"
)

// Hub is the request handler's session registry and fan-out point,
// generalized from the teacher's SSEHub (AddClient/RemoveClient/Broadcast
// over a single event-kind, filtered by object name) to four event kinds
// filtered by per-session subscription sets (spec §4.6).
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// Tree resolves the parent chain for a variable's object, used to
	// evaluate tree subscriptions during fan-out.
	Tree *model.Tree
}

// NewHub creates an empty Hub bound to tree for parent-chain resolution.
func NewHub(tree *model.Tree) *Hub {
	return &Hub{sessions: make(map[string]*Session), Tree: tree}
}

// AddSession registers sess for fan-out and lookup by id.
func (h *Hub) AddSession(sess *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[sess.ID] = sess
}

// RemoveSession unregisters a session, e.g. on logout or abandonment.
func (h *Hub) RemoveSession(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, id)
}

// Session looks up a session by id.
func (h *Hub) Session(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

func (h *Hub) parentsOf(ref model.VariableRef) []model.ObjectRef {
	if h.Tree == nil {
		return nil
	}
	var parents []model.ObjectRef
	cur := ref.Object
	for {
		parent := h.Tree.Parent(cur)
		if parent == nil {
			return parents
		}
		parents = append(parents, *parent)
		cur = *parent
	}
}

// BroadcastVariableChanged fans a value-changed notification out to every
// interested session (spec §4.6's three-step fan-out): compute which
// sessions care (direct subscription or a tree subscription covering a
// parent), coalesce per session per variable, then enqueue.
func (h *Hub) BroadcastVariableChanged(ref model.VariableRef, value vtq.VTQ) {
	parents := h.parentsOf(ref)
	for _, sess := range h.snapshot() {
		opts, ok := sess.interestedInVariable(ref, parents)
		if !ok {
			continue
		}
		sess.enqueueVariable(ref, value, opts.Coalesce)
	}
}

// BroadcastHistoryChanged fans an OnVariableHistoryChanged event out to
// sessions subscribed to ref's history (spec §4.4's VarHistoryChange ->
// §4.6's fan-out).
func (h *Hub) BroadcastHistoryChanged(ref model.VariableRef, minTS, maxTS vtq.Timestamp) {
	ev := Event{Kind: OnVariableHistoryChanged, Variable: ref, MinTS: minTS, MaxTS: maxTS}
	for _, sess := range h.snapshot() {
		if sess.interestedInHistory(ref) {
			sess.enqueue(ev)
		}
	}
}

// BroadcastConfigChanged fans an OnConfigChanged event out to sessions
// subscribed to obj.
func (h *Hub) BroadcastConfigChanged(obj model.ObjectRef) {
	ev := Event{Kind: OnConfigChanged, Object: obj}
	for _, sess := range h.snapshot() {
		if sess.interestedInConfig(obj) {
			sess.enqueue(ev)
		}
	}
}

// BroadcastAlarmOrEvent fans a supervisor-originated system event out to
// sessions subscribed at or above its severity (spec §7's alarm/event
// stream).
func (h *Hub) BroadcastAlarmOrEvent(severity int, message, moduleID string) {
	ev := Event{Kind: OnAlarmOrEvent, Severity: severity, Message: message, ModuleID: moduleID}
	for _, sess := range h.snapshot() {
		if sess.interestedInAlarm(severity) {
			sess.enqueue(ev)
		}
	}
}

// SweepAbandoned removes from the hub every session whose idle window has
// elapsed without an acknowledgement, returning the ids removed (spec
// §4.6's ≈1Hz abandonment sweep, §8's IsAbandoned invariant). It only
// unregisters the session; it does not close a WebSocket still bound to
// it. Callers should run this on a ticker; it does not block.
func (h *Hub) SweepAbandoned(idleTimeout time.Duration) []string {
	var removed []string
	for _, sess := range h.snapshot() {
		if sess.IsAbandoned(idleTimeout) {
			h.RemoveSession(sess.ID)
			removed = append(removed, sess.ID)
		}
	}
	return removed
}

// RunAbandonmentSweep starts a ≈1Hz sweep loop; closing stop ends it.
func (h *Hub) RunAbandonmentSweep(idleTimeout time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.SweepAbandoned(idleTimeout)
		case <-stop:
			return
		}
	}
}
