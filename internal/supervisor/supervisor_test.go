package supervisor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/uniset/mediator/internal/model"
	"github.com/uniset/mediator/internal/varstore"
	"github.com/uniset/mediator/internal/vtq"
)

// fakeModule is a minimal Module used to drive the supervisor's lifecycle
// without any real driver logic, in the spirit of the teacher's table-driven
// fakes for internal/server.Instance.
type fakeModule struct {
	mu sync.Mutex

	id string

	initErr  error
	initDone chan struct{}

	runErr    error
	runCalls  int
	blockRun  bool
	runUnblock chan struct{}

	abortCalls int

	callMethodFunc func(methodName string, parameters map[string]any) (any, error)

	handle ModuleHandle
}

func newFakeModule(id string) *fakeModule {
	return &fakeModule{id: id, initDone: make(chan struct{}, 8), runUnblock: make(chan struct{})}
}

func (m *fakeModule) Init(ctx context.Context, handle ModuleHandle) error {
	m.mu.Lock()
	m.handle = handle
	m.mu.Unlock()
	select {
	case m.initDone <- struct{}{}:
	default:
	}
	return m.initErr
}

func (m *fakeModule) InitAbort() error {
	m.mu.Lock()
	m.abortCalls++
	m.mu.Unlock()
	return nil
}

func (m *fakeModule) Run(fShutdown func() bool) error {
	m.mu.Lock()
	m.runCalls++
	block := m.blockRun
	m.mu.Unlock()

	if block {
		for !fShutdown() {
			select {
			case <-m.runUnblock:
				return m.runErr
			case <-time.After(5 * time.Millisecond):
			}
		}
		return nil
	}
	return m.runErr
}

func (m *fakeModule) Objects() []model.ObjectInfo { return nil }

func (m *fakeModule) CallMethod(methodName string, parameters map[string]any) (any, error) {
	return m.callMethodFunc(methodName, parameters)
}

func factoryFor(m *fakeModule) Factory {
	return func(cfg ModuleConfig) (Module, error) {
		return m, nil
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestStartSequentialBeforeParallel(t *testing.T) {
	var order []string
	var mu sync.Mutex

	reg := NewRegistry()
	for _, id := range []string{"seq1", "seq2"} {
		id := id
		reg.Register("fake:"+id, func(cfg ModuleConfig) (Module, error) {
			mu.Lock()
			order = append(order, cfg.ID)
			mu.Unlock()
			return newFakeModule(cfg.ID), nil
		})
	}
	reg.Register("fake:par", func(cfg ModuleConfig) (Module, error) {
		mu.Lock()
		order = append(order, cfg.ID)
		mu.Unlock()
		return newFakeModule(cfg.ID), nil
	})

	sup := NewSupervisor(reg)
	cfgs := []ModuleConfig{
		{ID: "seq1", ImplClass: "fake:seq1", Enabled: true, ConcurrentInit: false},
		{ID: "seq2", ImplClass: "fake:seq2", Enabled: true, ConcurrentInit: false},
		{ID: "par", ImplClass: "fake:par", Enabled: true, ConcurrentInit: true},
	}
	if err := sup.Start(context.Background(), cfgs); err != nil {
		t.Fatalf("Start: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) < 2 || order[0] != "seq1" || order[1] != "seq2" {
		t.Fatalf("expected seq1 then seq2 first, got %v", order)
	}
	sup.Shutdown()
}

func TestStartAbortsOnInitFailureAndShutsDownPriorModules(t *testing.T) {
	good := newFakeModule("good")
	bad := newFakeModule("bad")
	bad.initErr = fmt.Errorf("boom")

	reg := NewRegistry()
	reg.Register("good", factoryFor(good))
	reg.Register("bad", factoryFor(bad))

	var events []EventKind
	sup := NewSupervisor(reg)
	sup.OnEvent = func(ev SystemEvent) { events = append(events, ev.Kind) }

	cfgs := []ModuleConfig{
		{ID: "good", ImplClass: "good", Enabled: true},
		{ID: "bad", ImplClass: "bad", Enabled: true},
	}
	err := sup.Start(context.Background(), cfgs)
	if err == nil {
		t.Fatal("expected Start to fail")
	}

	foundInitFailed := false
	for _, k := range events {
		if k == InitFailed {
			foundInitFailed = true
		}
	}
	if !foundInitFailed {
		t.Fatalf("expected an InitFailed event, got %v", events)
	}

	modules := sup.Modules()
	for _, ms := range modules {
		if ms.Config.ID == "good" && ms.State() != ShutdownCompleted {
			t.Fatalf("expected good module to be shut down, got state %v", ms.State())
		}
		if ms.Config.ID == "bad" && ms.State() != InitError {
			t.Fatalf("expected bad module InitError, got %v", ms.State())
		}
	}
}

func TestRunFailureSchedulesRestart(t *testing.T) {
	m := newFakeModule("m1")
	m.runErr = fmt.Errorf("run failed")

	reg := NewRegistry()
	// first factory call (initial Init) returns a fresh module whose Run
	// fails; the restart's recreated instance blocks in Run until shutdown
	// so the test terminates.
	calls := 0
	var mu sync.Mutex
	reg.Register("fake", func(cfg ModuleConfig) (Module, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		fresh := newFakeModule(cfg.ID)
		if n == 1 {
			fresh.runErr = fmt.Errorf("run failed")
		} else {
			fresh.blockRun = true
		}
		return fresh, nil
	})

	sup := NewSupervisor(reg)
	var restarted bool
	var evMu sync.Mutex
	sup.OnEvent = func(ev SystemEvent) {
		if ev.Kind == ModuleRestart {
			evMu.Lock()
			restarted = true
			evMu.Unlock()
		}
	}

	cfgs := []ModuleConfig{{ID: "m1", ImplClass: "fake", Enabled: true}}
	if err := sup.Start(context.Background(), cfgs); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		evMu.Lock()
		defer evMu.Unlock()
		return restarted
	})

	sup.Shutdown()
	_ = m
}

func TestShutdownRunsStepsInOrder(t *testing.T) {
	m := newFakeModule("m1")
	m.blockRun = true

	reg := NewRegistry()
	reg.Register("fake", factoryFor(m))

	sup := NewSupervisor(reg)
	cfgs := []ModuleConfig{{ID: "m1", ImplClass: "fake", Enabled: true}}
	if err := sup.Start(context.Background(), cfgs); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return sup.Modules()[0].State() == Running
	})

	sup.Shutdown()

	if sup.Modules()[0].State() != ShutdownCompleted {
		t.Fatalf("expected ShutdownCompleted, got %v", sup.Modules()[0].State())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.abortCalls != 1 {
		t.Fatalf("expected InitAbort called once, got %d", m.abortCalls)
	}
}

func TestPostSerializesCallbacks(t *testing.T) {
	reg := NewRegistry()
	sup := NewSupervisor(reg)

	var mu sync.Mutex
	var seq []int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			sup.Post(func() {
				mu.Lock()
				seq = append(seq, i)
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seq) == 20
	})

	sup.Shutdown()
}

func TestCallMethodDispatchesToModule(t *testing.T) {
	m := newFakeModule("caller")
	m.callMethodFunc = func(methodName string, parameters map[string]any) (any, error) {
		return methodName + ":ok", nil
	}

	reg := NewRegistry()
	reg.Register("fake:caller", factoryFor(m))
	sup := NewSupervisor(reg)
	if err := sup.Start(context.Background(), []ModuleConfig{{ID: "caller", ImplClass: "fake:caller", Enabled: true}}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Shutdown()

	result, err := sup.CallMethod("caller", "DoThing", nil)
	if err != nil {
		t.Fatalf("CallMethod: %v", err)
	}
	if result != "DoThing:ok" {
		t.Fatalf("expected %q, got %v", "DoThing:ok", result)
	}
}

func TestCallMethodUnknownModule(t *testing.T) {
	sup := NewSupervisor(NewRegistry())
	_, err := sup.CallMethod("nope", "DoThing", nil)
	if err == nil {
		t.Fatal("expected an error for an unknown module")
	}
}

// TestNotifyVariableValuesChangedWritesThroughAndFansOut exercises spec
// §2's data flow: a module's Notify_VariableValuesChanged call writes
// through to its variable store and reaches the handler-facing
// OnVariableChange hook, via the supervisor's execution context rather
// than the module's own goroutine.
func TestNotifyVariableValuesChangedWritesThroughAndFansOut(t *testing.T) {
	m := newFakeModule("m1")

	reg := NewRegistry()
	reg.Register("fake", factoryFor(m))
	sup := NewSupervisor(reg)

	var mu sync.Mutex
	var gotModuleID string
	var gotChanges []varstore.Change
	sup.OnVariableChange = func(moduleID string, changes []varstore.Change) {
		mu.Lock()
		gotModuleID = moduleID
		gotChanges = changes
		mu.Unlock()
	}

	cfgs := []ModuleConfig{{ID: "m1", ImplClass: "fake", Enabled: true}}
	if err := sup.Start(context.Background(), cfgs); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Shutdown()

	ref := model.VariableRef{Object: model.ObjectRef{ModuleID: "m1", LocalObjectID: 1}, Name: "x"}
	m.mu.Lock()
	handle := m.handle
	m.mu.Unlock()
	if handle == nil {
		t.Fatal("expected Init to receive a non-nil ModuleHandle")
	}
	handle.NotifyVariableValuesChanged([]varstore.VariableValue{
		{Ref: ref, Value: vtq.New(42, vtq.Now())},
	})

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotChanges) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if gotModuleID != "m1" {
		t.Fatalf("expected moduleID m1, got %q", gotModuleID)
	}
	if gotChanges[0].Ref != ref || gotChanges[0].Current.Value != 42 {
		t.Fatalf("unexpected change: %+v", gotChanges[0])
	}

	v, err := sup.Modules()[0].Store.Get(ref)
	if err != nil {
		t.Fatalf("Store.Get: %v", err)
	}
	if v.Value != 42 {
		t.Fatalf("expected store value 42, got %v", v.Value)
	}
}
