package handler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uniset/mediator/internal/auth"
	"github.com/uniset/mediator/internal/historian"
	"github.com/uniset/mediator/internal/historian/sqlitebackend"
	"github.com/uniset/mediator/internal/model"
	"github.com/uniset/mediator/internal/varstore"
	"github.com/uniset/mediator/internal/vtq"
)

func testObjRef(id int64) model.ObjectRef { return model.ObjectRef{ModuleID: "m1", LocalObjectID: id} }

func testVarRef(id int64, name string) model.VariableRef {
	return model.VariableRef{Object: testObjRef(id), Name: name}
}

type singleUserBackend struct {
	user, pass string
	roles      []string
}

func (b singleUserBackend) Authenticate(user, password string) (auth.Principal, error) {
	if user == b.user && password == b.pass {
		return auth.Principal{Name: user, Roles: b.roles}, nil
	}
	return auth.Principal{}, auth.ErrInvalidCredentials
}

func newTestHandler(t *testing.T, starting func() bool) *Handler {
	tree := model.NewTree()
	tree.Sync([]model.ObjectInfo{{Ref: testObjRef(1), Name: "obj1"}})

	store := varstore.New("")
	reg := varstore.NewRegistry(func(string) *varstore.Store { return store })
	hist := historian.NewManager(func() vtq.Timestamp { return vtq.Timestamp(1000) })

	backend := singleUserBackend{user: "alice", pass: "s3cret", roles: []string{"operator"}}
	h := New(DefaultConfig(), tree, backend, reg, hist, nil, starting)
	return h
}

func login(t *testing.T, h *Handler, user, pass string) string {
	t.Helper()
	resp, err := h.Dispatcher.Dispatch("Login", &Request{Payload: loginRequest{User: user, Password: pass}})
	require.NoError(t, err)
	challengeResp := resp.(loginChallengeResponse)

	challenge := auth.Challenge{SessionID: challengeResp.SessionID, Nonce: challengeResp.Nonce}
	digest := challenge.Digest(pass)

	resp, err = h.Dispatcher.Dispatch("LoginConfirm", &Request{Payload: loginConfirmRequest{SessionID: challengeResp.SessionID, Digest: digest}})
	require.NoError(t, err)
	return resp.(string)
}

func TestLoginThenConfirmCreatesSession(t *testing.T) {
	h := newTestHandler(t, func() bool { return false })
	sessionID := login(t, h, "alice", "s3cret")

	sess, ok := h.Hub.Session(sessionID)
	require.True(t, ok)
	assert.Equal(t, "alice", sess.Principal.Name)
}

func TestLoginConfirmRejectsWrongDigest(t *testing.T) {
	h := newTestHandler(t, func() bool { return false })

	resp, err := h.Dispatcher.Dispatch("Login", &Request{Payload: loginRequest{User: "alice", Password: "s3cret"}})
	require.NoError(t, err)
	challengeResp := resp.(loginChallengeResponse)

	_, err = h.Dispatcher.Dispatch("LoginConfirm", &Request{Payload: loginConfirmRequest{SessionID: challengeResp.SessionID, Digest: 0}})
	assert.Error(t, err)
}

func TestLoginFailsWithWrongPassword(t *testing.T) {
	h := newTestHandler(t, func() bool { return false })
	_, err := h.Dispatcher.Dispatch("Login", &Request{Payload: loginRequest{User: "alice", Password: "wrong"}})
	assert.Error(t, err)
}

func TestStartingGateBlocksNonWhitelistedMethods(t *testing.T) {
	h := newTestHandler(t, func() bool { return true })
	_, err := h.Dispatcher.Dispatch("ReadVariables", &Request{Payload: []model.VariableRef{}})
	assert.ErrorIs(t, err, ErrStarting)

	_, err = h.Dispatcher.Dispatch("Login", &Request{Payload: loginRequest{User: "alice", Password: "s3cret"}})
	assert.NoError(t, err)
}

func TestWriteVariablesSyncFansOutToSubscriber(t *testing.T) {
	h := newTestHandler(t, func() bool { return false })
	sessionID := login(t, h, "alice", "s3cret")
	sess, _ := h.Hub.Session(sessionID)

	ref := testVarRef(1, "temp")
	sess.SubscribeVariables([]model.VariableRef{ref}, VarSubOptions{Coalesce: true})

	_, err := h.Dispatcher.Dispatch("WriteVariablesSync", &Request{
		Session: sess,
		Payload: writeVariablesRequest{Values: []varstore.VariableValue{{Ref: ref, Value: vtq.New(42, vtq.Timestamp(100))}}},
	})
	require.NoError(t, err)

	select {
	case ev := <-sess.Outbound():
		assert.Equal(t, OnVariableValueChanged, ev.Kind)
		assert.Equal(t, ref, ev.Variable)
	case <-time.After(time.Second):
		t.Fatal("expected a fan-out event")
	}
}

func TestSubscribeTreeCoversChild(t *testing.T) {
	tree := model.NewTree()
	root := testObjRef(1)
	child := testObjRef(2)
	tree.Sync([]model.ObjectInfo{
		{Ref: root, Name: "root"},
		{Ref: child, Name: "child", ParentRef: &root},
	})

	store := varstore.New("")
	reg := varstore.NewRegistry(func(string) *varstore.Store { return store })
	hist := historian.NewManager(nil)
	backend := singleUserBackend{user: "alice", pass: "s3cret"}
	h := New(DefaultConfig(), tree, backend, reg, hist, nil, func() bool { return false })

	sessionID := login(t, h, "alice", "s3cret")
	sess, _ := h.Hub.Session(sessionID)
	sess.SubscribeTree(root, VarSubOptions{})

	ref := model.VariableRef{Object: child, Name: "x"}
	h.Hub.BroadcastVariableChanged(ref, vtq.New(1, vtq.Timestamp(1)))

	select {
	case ev := <-sess.Outbound():
		assert.Equal(t, ref, ev.Variable)
	case <-time.After(time.Second):
		t.Fatal("expected tree subscription to fan out the child's change")
	}
}

func TestLogoutRemovesSession(t *testing.T) {
	h := newTestHandler(t, func() bool { return false })
	sessionID := login(t, h, "alice", "s3cret")
	sess, _ := h.Hub.Session(sessionID)

	_, err := h.Dispatcher.Dispatch("Logout", &Request{Session: sess})
	require.NoError(t, err)

	_, ok := h.Hub.Session(sessionID)
	assert.False(t, ok)
}

func TestAbandonmentSweepRemovesIdleSession(t *testing.T) {
	tree := model.NewTree()
	store := varstore.New("")
	reg := varstore.NewRegistry(func(string) *varstore.Store { return store })
	hist := historian.NewManager(nil)
	backend := singleUserBackend{user: "alice", pass: "s3cret"}
	cfg := Config{SessionIdleTimeout: 10 * time.Millisecond, OutboundQueueSize: 8}
	h := New(cfg, tree, backend, reg, hist, nil, func() bool { return false })

	sessionID := login(t, h, "alice", "s3cret")
	time.Sleep(30 * time.Millisecond)

	removed := h.Hub.SweepAbandoned(cfg.SessionIdleTimeout)
	assert.Contains(t, removed, sessionID)
}

// TestCoalescingDeliversNewestPendingValue exercises two coalesced updates
// landing for the same variable before the client ever dequeues the first
// one: the session must still deliver the newest value, not the one that
// was on the channel when the slot was first reserved.
func TestCoalescingDeliversNewestPendingValue(t *testing.T) {
	sess := NewSession("s1", auth.Principal{Name: "alice"}, 8)
	ref := testVarRef(1, "x")
	sess.SubscribeVariables([]model.VariableRef{ref}, VarSubOptions{Coalesce: true})

	sess.enqueueVariable(ref, vtq.New(1, vtq.Timestamp(100)), true)
	sess.enqueueVariable(ref, vtq.New(2, vtq.Timestamp(200)), true)
	sess.enqueueVariable(ref, vtq.New(3, vtq.Timestamp(300)), true)

	select {
	case ev := <-sess.Outbound():
		require.Equal(t, OnVariableValueChanged, ev.Kind)
		latest, ok := sess.TakePending(ev.Variable)
		require.True(t, ok, "expected a pending value for %v", ref)
		assert.Equal(t, vtq.New(3, vtq.Timestamp(300)), latest.Value, "expected the newest coalesced value, not the first-enqueued one")
	default:
		t.Fatal("expected the first coalesced event to be on the outbound queue")
	}

	select {
	case <-sess.Outbound():
		t.Fatal("expected only one outbound event while updates were coalescing")
	default:
	}
}

// TestDiscoveryMethodsWalkTheTree exercises GetChildrenOfObjects,
// GetParentOfObject and GetRootObject against a root/child tree, the three
// Discovery RPCs backed directly by model.Tree.
func TestDiscoveryMethodsWalkTheTree(t *testing.T) {
	tree := model.NewTree()
	root := testObjRef(1)
	child := testObjRef(2)
	tree.Sync([]model.ObjectInfo{
		{Ref: root, Name: "root"},
		{Ref: child, Name: "child", ParentRef: &root},
	})

	store := varstore.New("")
	reg := varstore.NewRegistry(func(string) *varstore.Store { return store })
	hist := historian.NewManager(nil)
	backend := singleUserBackend{user: "alice", pass: "s3cret"}
	h := New(DefaultConfig(), tree, backend, reg, hist, nil, func() bool { return false })
	sessionID := login(t, h, "alice", "s3cret")
	sess, _ := h.Hub.Session(sessionID)

	resp, err := h.Dispatcher.Dispatch("GetChildrenOfObjects", &Request{
		Session: sess,
		Payload: getChildrenOfObjectsRequest{Objects: []model.ObjectRef{root}},
	})
	require.NoError(t, err)
	assert.Equal(t, []model.ObjectRef{child}, resp.(map[model.ObjectRef][]model.ObjectRef)[root])

	resp, err = h.Dispatcher.Dispatch("GetParentOfObject", &Request{
		Session: sess,
		Payload: getParentOfObjectRequest{Object: child},
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, root, *resp.(*model.ObjectRef))

	resp, err = h.Dispatcher.Dispatch("GetRootObject", &Request{
		Session: sess,
		Payload: getRootObjectRequest{Object: child},
	})
	require.NoError(t, err)
	assert.Equal(t, root, resp.(model.ObjectRef))
}

// TestUpdateConfigUpsertsObjectAndFansOutConfigChanged exercises UpdateConfig
// wiring through to Tree.Upsert and confirms the touched object's config
// subscribers hear about it.
func TestUpdateConfigUpsertsObjectAndFansOutConfigChanged(t *testing.T) {
	h := newTestHandler(t, func() bool { return false })
	sessionID := login(t, h, "alice", "s3cret")
	sess, _ := h.Hub.Session(sessionID)

	newObj := testObjRef(7)
	_, err := h.Dispatcher.Dispatch("EnableConfigChangedEvents", &Request{
		Session: sess,
		Payload: enableConfigChangedEventsRequest{Objects: []model.ObjectRef{newObj}},
	})
	require.NoError(t, err)

	_, err = h.Dispatcher.Dispatch("UpdateConfig", &Request{
		Session: sess,
		Payload: updateConfigRequest{UpsertObjects: []model.ObjectInfo{{Ref: newObj, Name: "new"}}},
	})
	require.NoError(t, err)

	require.NotNil(t, h.Hub.Tree.Get(newObj))
	select {
	case ev := <-sess.Outbound():
		assert.Equal(t, OnConfigChanged, ev.Kind)
		assert.Equal(t, newObj, ev.Object)
	case <-time.After(time.Second):
		t.Fatal("expected UpdateConfig to fan out OnConfigChanged to a subscribed session")
	}
}

func newTestHistorianManager(t *testing.T, ref model.VariableRef) *historian.Manager {
	t.Helper()
	backend := sqlitebackend.New(filepath.Join(t.TempDir(), "historian.db"))
	require.NoError(t, backend.Open())
	t.Cleanup(func() { backend.Close() })

	m := historian.NewManager(func() vtq.Timestamp { return vtq.Timestamp(1000) })
	m.AddWorker("w1", backend)
	m.Route(ref.Object, "w1")
	return m
}

// TestHistorianRPCsRoundTripThroughManager exercises HistorianModify,
// HistorianCount and HistorianDeleteInterval end to end against a real
// sqlite-backed worker.
func TestHistorianRPCsRoundTripThroughManager(t *testing.T) {
	tree := model.NewTree()
	ref := testVarRef(1, "temp")
	hist := newTestHistorianManager(t, ref)

	store := varstore.New("")
	reg := varstore.NewRegistry(func(string) *varstore.Store { return store })
	backend := singleUserBackend{user: "alice", pass: "s3cret"}
	h := New(DefaultConfig(), tree, backend, reg, hist, nil, func() bool { return false })
	sessionID := login(t, h, "alice", "s3cret")
	sess, _ := h.Hub.Session(sessionID)

	_, err := h.Dispatcher.Dispatch("HistorianModify", &Request{
		Session: sess,
		Payload: historianModifyRequest{
			Variable: ref,
			DataType: model.TypeFloat,
			Mode:     historian.Insert,
			Data: []vtq.VTQ{
				vtq.New(1.0, vtq.Timestamp(100)),
				vtq.New(2.0, vtq.Timestamp(200)),
			},
		},
	})
	require.NoError(t, err)

	resp, err := h.Dispatcher.Dispatch("HistorianCount", &Request{
		Session: sess,
		Payload: historianCountRequest{Variable: ref, DataType: model.TypeFloat, Start: vtq.Empty, End: vtq.Max, Quality: vtq.ExcludeNone},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, resp)

	_, err = h.Dispatcher.Dispatch("HistorianDeleteInterval", &Request{
		Session: sess,
		Payload: historianDeleteIntervalRequest{Variable: ref, DataType: model.TypeFloat, Start: vtq.Empty, End: vtq.Timestamp(100)},
	})
	require.NoError(t, err)

	resp, err = h.Dispatcher.Dispatch("HistorianCount", &Request{
		Session: sess,
		Payload: historianCountRequest{Variable: ref, DataType: model.TypeFloat, Start: vtq.Empty, End: vtq.Max, Quality: vtq.ExcludeNone},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, resp)
}

// TestEnableVariableHistoryChangedEventsSubscribes exercises the previously
// dead Session.SubscribeHistory path through its RPC entry point.
func TestEnableVariableHistoryChangedEventsSubscribes(t *testing.T) {
	h := newTestHandler(t, func() bool { return false })
	sessionID := login(t, h, "alice", "s3cret")
	sess, _ := h.Hub.Session(sessionID)

	ref := testVarRef(1, "temp")
	_, err := h.Dispatcher.Dispatch("EnableVariableHistoryChangedEvents", &Request{
		Session: sess,
		Payload: enableVariableHistoryChangedEventsRequest{Variables: []model.VariableRef{ref}},
	})
	require.NoError(t, err)

	h.Hub.BroadcastHistoryChanged(ref, vtq.Timestamp(100), vtq.Timestamp(200))

	select {
	case ev := <-sess.Outbound():
		assert.Equal(t, OnVariableHistoryChanged, ev.Kind)
		assert.Equal(t, ref, ev.Variable)
	case <-time.After(time.Second):
		t.Fatal("expected EnableVariableHistoryChangedEvents to subscribe the session to history fan-out")
	}
}
