package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/uniset/mediator/internal/errs"
	"github.com/uniset/mediator/internal/historian"
	"github.com/uniset/mediator/internal/model"
	"github.com/uniset/mediator/internal/varstore"
)

// EventKind tags a supervisor-generated system event (spec §7).
type EventKind string

const (
	SysStartup         EventKind = "SysStartup"
	InitFailed         EventKind = "InitFailed"
	ModuleRestart      EventKind = "ModuleRestart"
	ModuleRestartError EventKind = "ModuleRestartError"
	ModuleRunError     EventKind = "ModuleRunError"
	ShutdownTimeout    EventKind = "ShutdownTimeout"
)

// Severity mirrors the alarm/event stream's minimum-severity filter (spec
// §4.6/§6).
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// SystemEvent is one supervisor-originated alarm/event stream entry (spec
// §7).
type SystemEvent struct {
	Kind     EventKind
	Severity Severity
	Message  string
	ModuleID string
}

const (
	shutdownWatchdog  = 10 * time.Second
	runFailureDelay   = 1 * time.Second
	maxRestartBackoff = 10 * time.Second
)

// Supervisor loads, initialises, runs, monitors and restarts modules under
// the single-threaded execution contract spec §4.5/§5 describes. Grounded
// on the teacher's internal/server.Instance (per-connection lifecycle with
// ctx/cancel/wg) generalized from "one remote server" to "one in-process
// module", and on internal/uwsgate.Client.reconnectLoop for the restart
// backoff shape.
type Supervisor struct {
	registry *Registry

	mu       sync.RWMutex
	modules  []*ModuleState
	shutdown bool

	// execCh is the supervisor's single logical execution context: every
	// Notify_* callback from a module is posted here and runs serialised,
	// regardless of which goroutine the module called from (spec §4.5's
	// Execution context).
	execCh chan func()
	execWG sync.WaitGroup

	OnEvent func(SystemEvent)

	// Historian receives historised variable values forwarded from
	// module Notify_VariableValuesChanged calls (spec §4.4). Nil
	// disables history forwarding.
	Historian *historian.Manager

	// OnVariableChange, OnConfigChange and OnAlarmOrEvent adapt a
	// module's Notify_* calls to the request handler's fan-out (spec
	// §2's "hands events to the request handler").
	OnVariableChange func(moduleID string, changes []varstore.Change)
	OnConfigChange   func(moduleID string, obj model.ObjectRef)
	OnAlarmOrEvent   func(moduleID string, severity Severity, message string)

	// OnObjectsSync fires whenever a module's declared object/variable
	// set is (re)synced: after a successful Init, after a restart, and
	// after Notify_ConfigChanged. Wired to the object tree a request
	// handler browses (spec §4.2's Sync).
	OnObjectsSync func(moduleID string, objects []model.ObjectInfo)

	// logTailsMu guards logTails, the set of running log-tail bridges
	// started by startLogTail (logcontrol.go) for modules that declared a
	// log-control endpoint.
	logTailsMu sync.Mutex
	logTails   map[string]logTail
}

func (s *Supervisor) syncObjects(ms *ModuleState, objects []model.ObjectInfo) {
	ms.Store.Sync(objects)
	if s.OnObjectsSync != nil {
		s.OnObjectsSync(ms.Config.ID, objects)
	}
}

// NewSupervisor creates a Supervisor over registry and starts its
// execution context dispatcher.
func NewSupervisor(registry *Registry) *Supervisor {
	s := &Supervisor{
		registry: registry,
		execCh:   make(chan func(), 256),
		logTails: make(map[string]logTail),
	}
	s.execWG.Add(1)
	go s.dispatch()
	return s
}

func (s *Supervisor) dispatch() {
	defer s.execWG.Done()
	for f := range s.execCh {
		f()
	}
}

// Post runs f serialised on the supervisor's execution context. Module
// callbacks (Notify_VariableValuesChanged, Notify_ConfigChanged,
// Notify_AlarmOrEvent) are expected to call this instead of mutating
// supervisor-owned state directly (spec §4.5's Execution context, spec
// §3's Ownership).
func (s *Supervisor) Post(f func()) {
	s.execCh <- f
}

func (s *Supervisor) emit(ev SystemEvent) {
	if s.OnEvent != nil {
		s.OnEvent(ev)
	}
}

// StoreFor returns moduleID's variable store, or nil if no configured
// module has that ID. Used as a varstore.Registry's Resolve function so
// the request handler can address any module's variables by VariableRef
// alone (spec §3 — a VariableRef resolves to at most one owning
// ModuleState).
func (s *Supervisor) StoreFor(moduleID string) *varstore.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ms := range s.modules {
		if ms.Config.ID == moduleID {
			return ms.Store
		}
	}
	return nil
}

// Modules returns the supervisor's module states in configuration order.
func (s *Supervisor) Modules() []*ModuleState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ModuleState, len(s.modules))
	copy(out, s.modules)
	return out
}

// Start loads cfgs into ModuleStates, runs init ordering (spec §4.5), and
// starts Run on everything that reaches InitComplete. Modules with
// ConcurrentInit=false initialise sequentially in configuration order;
// the rest initialise in parallel afterward. Any init failure aborts
// startup and shuts down everything already initialised.
func (s *Supervisor) Start(ctx context.Context, cfgs []ModuleConfig) error {
	s.emit(SystemEvent{Kind: SysStartup, Severity: SeverityInfo, Message: "starting"})

	states := make([]*ModuleState, 0, len(cfgs))
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		states = append(states, newModuleState(cfg))
	}
	s.mu.Lock()
	s.modules = states
	s.mu.Unlock()

	var sequential, parallel []*ModuleState
	for _, ms := range states {
		if ms.Config.ConcurrentInit {
			parallel = append(parallel, ms)
		} else {
			sequential = append(sequential, ms)
		}
	}

	initialised := make([]*ModuleState, 0, len(states))
	for _, ms := range sequential {
		if err := s.initModule(ctx, ms); err != nil {
			return s.abortStartup(initialised, ms, err)
		}
		initialised = append(initialised, ms)
	}

	if len(parallel) > 0 {
		var wg sync.WaitGroup
		errCh := make(chan struct {
			ms  *ModuleState
			err error
		}, len(parallel))
		for _, ms := range parallel {
			wg.Add(1)
			go func(ms *ModuleState) {
				defer wg.Done()
				err := s.initModule(ctx, ms)
				errCh <- struct {
					ms  *ModuleState
					err error
				}{ms, err}
			}(ms)
		}
		wg.Wait()
		close(errCh)

		var firstFail *ModuleState
		var firstErr error
		for res := range errCh {
			if res.err != nil && firstFail == nil {
				firstFail, firstErr = res.ms, res.err
			}
			if res.err == nil {
				initialised = append(initialised, res.ms)
			}
		}
		if firstFail != nil {
			return s.abortStartup(initialised, firstFail, firstErr)
		}
	}

	for _, ms := range initialised {
		go s.runModule(ms)
	}
	return nil
}

func (s *Supervisor) initModule(ctx context.Context, ms *ModuleState) error {
	instance, err := s.registry.New(ms.Config)
	if err != nil {
		ms.setState(InitError)
		ms.setLastError(err)
		return err
	}
	if err := instance.Init(ctx, &moduleHandle{sup: s, ms: ms}); err != nil {
		ms.setState(InitError)
		ms.setLastError(err)
		return err
	}
	ms.mu.Lock()
	ms.instance = instance
	ms.mu.Unlock()
	s.syncObjects(ms, instance.Objects())
	ms.setState(InitComplete)
	s.startLogTail(ms)
	return nil
}

func (s *Supervisor) abortStartup(initialised []*ModuleState, failed *ModuleState, cause error) error {
	s.emit(SystemEvent{
		Kind: InitFailed, Severity: SeverityError,
		Message: fmt.Sprintf("module %s failed to initialise: %v", failed.Config.ID, cause),
		ModuleID: failed.Config.ID,
	})
	for _, ms := range initialised {
		s.shutdownOne(ms)
	}
	return errs.New(errs.Internal, "supervisor.Start", fmt.Errorf("init aborted: module %s: %w", failed.Config.ID, cause))
}

// runModule invokes Run once and, if it returns while the module is still
// Running, waits one second and schedules a restart (spec §4.5's Run
// loop). Run executes on its own goroutine — the per-module domain spec §5
// describes — while the module's *callbacks back into the supervisor* are
// serialised on the supervisor's execution context via Post.
func (s *Supervisor) runModule(ms *ModuleState) {
	ms.setState(Running)

	fShutdown := func() bool {
		s.mu.RLock()
		down := s.shutdown
		s.mu.RUnlock()
		ms.mu.Lock()
		restarting := ms.restarting
		ms.mu.Unlock()
		return down || restarting
	}

	runDone := ms.beginRun()
	err := ms.Instance().Run(fShutdown)
	close(runDone)

	if ms.State() != Running {
		return // orderly shutdown already moved the state on
	}

	ms.setLastError(err)
	severity := SeverityWarning
	msg := "module run loop returned"
	if err != nil {
		severity = SeverityError
		msg = fmt.Sprintf("module run loop failed: %v", err)
	}
	s.emit(SystemEvent{Kind: ModuleRunError, Severity: severity, Message: msg, ModuleID: ms.Config.ID})

	time.Sleep(runFailureDelay)
	s.scheduleRestart(ms)
}

// scheduleRestart starts the restart loop for ms, coalescing overlapping
// requests with the IsRestarting flag (spec §4.5's Restart).
func (s *Supervisor) scheduleRestart(ms *ModuleState) {
	s.mu.RLock()
	down := s.shutdown
	s.mu.RUnlock()
	if down {
		return
	}

	ms.mu.Lock()
	if ms.restarting {
		ms.mu.Unlock()
		return
	}
	ms.restarting = true
	ms.mu.Unlock()

	go s.restartLoop(ms)
}

func (s *Supervisor) restartLoop(ms *ModuleState) {
	for {
		s.mu.RLock()
		down := s.shutdown
		s.mu.RUnlock()
		if down {
			return
		}

		s.shutdownOneWithWatchdog(ms, shutdownWatchdog)

		instance, err := s.registry.New(ms.Config)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownWatchdog)
			err = instance.Init(ctx, &moduleHandle{sup: s, ms: ms})
			cancel()
		}

		if err != nil {
			ms.mu.Lock()
			ms.retry++
			retry := ms.retry
			ms.mu.Unlock()
			ms.setLastError(err)

			backoff := time.Duration(retry+1) * time.Second
			if backoff > maxRestartBackoff {
				backoff = maxRestartBackoff
			}
			s.emit(SystemEvent{
				Kind: ModuleRestartError, Severity: SeverityError,
				Message:  fmt.Sprintf("restart attempt %d failed: %v (retrying in %s)", retry, err, backoff),
				ModuleID: ms.Config.ID,
			})
			time.Sleep(backoff)
			continue
		}

		ms.mu.Lock()
		ms.instance = instance
		ms.retry = 0
		ms.restarting = false
		ms.mu.Unlock()
		s.syncObjects(ms, instance.Objects())
		ms.setState(InitComplete)
		ms.setLastError(nil)
		s.startLogTail(ms)

		s.emit(SystemEvent{Kind: ModuleRestart, Severity: SeverityInfo, Message: "module restarted", ModuleID: ms.Config.ID})
		go s.runModule(ms)
		return
	}
}

// shutdownOneWithWatchdog shuts down ms, proceeding regardless if the
// deadline expires (spec §4.5's 10s restart watchdog).
func (s *Supervisor) shutdownOneWithWatchdog(ms *ModuleState, deadline time.Duration) {
	done := make(chan struct{})
	go func() {
		s.shutdownOne(ms)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		s.emit(SystemEvent{Kind: ShutdownTimeout, Severity: SeverityWarning, Message: "shutdown watchdog expired, proceeding anyway", ModuleID: ms.Config.ID})
	}
}

// shutdownOne runs the per-module shutdown sequence: ShutdownStarted,
// await the Run call in progress, InitAbort, variable flush,
// ShutdownCompleted (spec §4.5's Shutdown). Waiting for Run to actually
// return is what lets shutdownOneWithWatchdog's deadline mean something —
// without it there is nothing here for that deadline to bound.
func (s *Supervisor) shutdownOne(ms *ModuleState) {
	ms.setState(ShutdownStarted)
	s.stopLogTail(ms.Config.ID)

	if runDone := ms.RunDone(); runDone != nil {
		<-runDone
	}

	instance := ms.Instance()
	if instance != nil {
		if err := instance.InitAbort(); err != nil {
			ms.setLastError(err)
		}
	}

	if instance != nil {
		s.syncObjects(ms, instance.Objects())
	}
	if err := ms.Store.Flush(); err != nil {
		ms.setLastError(err)
	}

	ms.setState(ShutdownCompleted)
}

// Shutdown fans process-wide shutdown out to every applicable module in
// parallel and awaits completion (spec §4.5). Modules still in Created,
// InitError or ShutdownCompleted are skipped.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	modules := make([]*ModuleState, len(s.modules))
	copy(modules, s.modules)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, ms := range modules {
		st := ms.State()
		if st == Created || st == InitError || st == ShutdownCompleted {
			continue
		}
		wg.Add(1)
		go func(ms *ModuleState) {
			defer wg.Done()
			s.shutdownOneWithWatchdog(ms, shutdownWatchdog)
		}(ms)
	}
	wg.Wait()

	close(s.execCh)
	s.execWG.Wait()
}
