package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/uniset/mediator/internal/model"
	"github.com/uniset/mediator/internal/varstore"
)

// Module is what a data-acquisition driver, calc engine, alarm engine or
// dashboard implements to run under the supervisor (spec §4.5). Concrete
// module implementations are out of scope of this package; Module is the
// boundary contract.
type Module interface {
	// Init performs one-time setup. handle is this module's one-way
	// back-reference to the supervisor (spec §9's Notify_* design note);
	// a module that needs to report value changes, config changes or
	// alarms keeps handle and calls it from its Run loop or any
	// goroutine it owns. Returning an error transitions the module to
	// InitError and aborts startup, in the sequential and the parallel
	// phase alike.
	Init(ctx context.Context, handle ModuleHandle) error

	// InitAbort is called when startup is aborted by a sibling module's
	// Init failure, so already-initialised modules can release resources
	// acquired during Init.
	InitAbort() error

	// Run executes the module's main loop on a goroutine of its own, not
	// on the supervisor's execution context; only the module's Notify_*
	// calls through its handle are serialised there. fShutdown reports
	// true once the supervisor wants this
	// module to stop; Run must poll it cooperatively rather than block
	// indefinitely. Returning (for any reason) while State is still
	// Running is treated as a failure and schedules a restart.
	Run(fShutdown func() bool) error

	// Objects returns the module's current object/variable descriptors,
	// used to (re)sync the variable store and object tree.
	Objects() []model.ObjectInfo
}

// Factory constructs a fresh Module instance from its configuration. A
// fresh instance is built on every restart (spec §4.5's "recreate the
// module instance").
type Factory func(cfg ModuleConfig) (Module, error)

// ModuleConfig is one module declaration (spec §6's Modules[] table).
type ModuleConfig struct {
	ID                string            `yaml:"id"`
	Name              string            `yaml:"name"`
	ImplAssembly      string            `yaml:"implAssembly"`
	ImplClass         string            `yaml:"implClass"`
	Enabled           bool              `yaml:"enabled"`
	ConcurrentInit    bool              `yaml:"concurrentInit"`
	Config            map[string]string `yaml:"config"`
	VariablesFileName string            `yaml:"variablesFileName"`
}

// ModuleState is the supervisor's view of one configured module: its
// config, live instance, lifecycle state, and restart bookkeeping (spec
// §3). ModuleState exclusively owns its module instance (per spec §3's
// Ownership section); the supervisor never lets two goroutines touch the
// same ModuleState's instance concurrently.
type ModuleState struct {
	Config ModuleConfig

	// Store is this module's variable store (spec §4.2), owned
	// exclusively by this ModuleState for its entire lifetime — it
	// survives across restarts, since the values a driver last reported
	// remain meaningful even while the module instance is being
	// recreated (spec §8 scenario 2: "Variables written to A before the
	// crash remain readable throughout").
	Store *varstore.Store

	mu          sync.Mutex
	instance    Module
	state       State
	lastErr     error
	restarting  bool
	retry       int
	lastRestart time.Time

	// runDone is closed when the module's current Run call returns; nil
	// until the first Run call starts. shutdownOne waits on it so it never
	// flushes the store or reports ShutdownCompleted while Run might still
	// be writing through a Notify_* call (spec §4.5's Shutdown).
	runDone chan struct{}
}

func newModuleState(cfg ModuleConfig) *ModuleState {
	store := varstore.New(cfg.VariablesFileName)
	_ = store.Load()
	return &ModuleState{Config: cfg, state: Created, Store: store}
}

// State returns the module's current lifecycle state.
func (m *ModuleState) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ModuleState) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// LastError returns the most recently recorded init/run error, if any.
func (m *ModuleState) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *ModuleState) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

// Instance returns the module's current live instance (nil before the
// first successful Init).
func (m *ModuleState) Instance() Module {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instance
}

// beginRun opens a fresh completion signal for a new Run call and returns
// it to the caller so it can close it once Run returns.
func (m *ModuleState) beginRun() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runDone = make(chan struct{})
	return m.runDone
}

// RunDone returns the completion channel for the module's current (or
// most recent) Run call, or nil if Run has never been started.
func (m *ModuleState) RunDone() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runDone
}
