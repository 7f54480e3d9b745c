package historian

import (
	"testing"
	"time"

	"github.com/uniset/mediator/internal/model"
	"github.com/uniset/mediator/internal/vtq"
)

func testVarRef() model.VariableRef {
	return model.VariableRef{Object: model.ObjectRef{ModuleID: "m1", LocalObjectID: 1}, Name: "v1"}
}

func newTestManager() (*Manager, *fakeBackend) {
	backend := newFakeBackend()
	m := NewManager(nil)
	m.AddWorker("w1", backend)
	m.Route(testVarRef().Object, "w1")
	return m, backend
}

func TestManagerAppendRoutesToWorkerAndEmitsChange(t *testing.T) {
	m, _ := newTestManager()
	ref := testVarRef()

	var changes []VarHistoryChange
	m.OnChange = func(c VarHistoryChange) { changes = append(changes, c) }

	errs := m.Append(
		map[model.VariableRef]vtq.VTQ{ref: vtq.New(1.0, vtq.Timestamp(100))},
		map[model.VariableRef]model.DataType{ref: model.TypeFloat},
	)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(changes) != 1 || changes[0].Variable != ref {
		t.Fatalf("expected a VarHistoryChange for %v, got %v", ref, changes)
	}

	points, err := m.ReadRaw(ref, model.TypeFloat, vtq.Empty, vtq.Max, Unbounded, TakeFirstN, vtq.ExcludeNone)
	if err != nil {
		t.Fatalf("ReadRaw failed: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("expected 1 point, got %d", len(points))
	}
}

func TestManagerAppendUnroutedVariableReturnsError(t *testing.T) {
	m, _ := newTestManager()
	unrouted := model.VariableRef{Object: model.ObjectRef{ModuleID: "other", LocalObjectID: 9}, Name: "x"}

	errs := m.Append(
		map[model.VariableRef]vtq.VTQ{unrouted: vtq.New(1.0, vtq.Timestamp(100))},
		map[model.VariableRef]model.DataType{unrouted: model.TypeFloat},
	)
	if len(errs) != 1 {
		t.Fatalf("expected 1 error for an unrouted variable, got %v", errs)
	}
}

func TestManagerAppendWarnsOnStaleTimestamp(t *testing.T) {
	m, _ := newTestManager()
	m.TimestampCheckWarning = vtq.Seconds(5)
	m.now = func() vtq.Timestamp { return vtq.Timestamp(1_000_000) }

	ref := testVarRef()
	var warnings []StaleWarning
	m.OnWarning = func(w StaleWarning) { warnings = append(warnings, w) }

	m.Append(
		map[model.VariableRef]vtq.VTQ{ref: vtq.New(1.0, vtq.Timestamp(1))}, // far in the past relative to now
		map[model.VariableRef]model.DataType{ref: model.TypeFloat},
	)

	if len(warnings) != 1 {
		t.Fatalf("expected a stale-timestamp warning, got %v", warnings)
	}
}

func TestManagerModifyAndCount(t *testing.T) {
	m, _ := newTestManager()
	ref := testVarRef()

	if err := m.Modify(ref, model.TypeFloat, Insert, []vtq.VTQ{
		vtq.New(1.0, vtq.Timestamp(100)),
		vtq.New(2.0, vtq.Timestamp(200)),
	}); err != nil {
		t.Fatalf("Modify failed: %v", err)
	}

	n, err := m.Count(ref, model.TypeFloat, vtq.Empty, vtq.Max, vtq.ExcludeNone)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2, got %d", n)
	}
}

func TestManagerShutdownTerminatesWorkers(t *testing.T) {
	m, _ := newTestManager()
	m.Shutdown(time.Second)

	ref := testVarRef()
	if err := m.Modify(ref, model.TypeFloat, Insert, []vtq.VTQ{vtq.New(1.0, vtq.Timestamp(1))}); err == nil {
		t.Error("expected an operation after Shutdown to fail")
	}
}
