// Command server boots the mediator process: it loads configuration,
// wires the variable store, historian, module supervisor and request
// handler together, and serves the RPC/WebSocket transport until it
// receives SIGINT or SIGTERM (spec §1/§2). Grounded on the
// teacher's cmd/server/main.go shape (flags -> stores -> handlers ->
// http.Server -> signal-driven shutdown), generalized from one remote
// uniset2 client + poller to the supervisor's module set.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/uniset/mediator/internal/auth"
	"github.com/uniset/mediator/internal/config"
	"github.com/uniset/mediator/internal/handler"
	"github.com/uniset/mediator/internal/historian"
	"github.com/uniset/mediator/internal/historian/pgbackend"
	"github.com/uniset/mediator/internal/historian/sqlitebackend"
	"github.com/uniset/mediator/internal/logger"
	"github.com/uniset/mediator/internal/model"
	"github.com/uniset/mediator/internal/supervisor"
	"github.com/uniset/mediator/internal/transport"
	"github.com/uniset/mediator/internal/varstore"
	"github.com/uniset/mediator/internal/vtq"
)

func main() {
	cfg := config.Parse()

	if err := config.LoadEnv(cfg.EnvFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env overlay: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogFormat, parseLogLevel(cfg.LogLevel))

	serverCfg, err := config.LoadServerConfig(cfg.ConfigFile)
	if err != nil {
		logger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	authBackend := buildAuthBackend(serverCfg.UserManagement)
	histManager := buildHistorian(serverCfg)

	tree := model.NewTree()

	modRegistry := supervisor.NewRegistry()
	sup := supervisor.NewSupervisor(modRegistry)
	sup.Historian = histManager
	varRegistry := varstore.NewRegistry(sup.StoreFor)

	var starting atomic.Bool
	starting.Store(true)
	hcfg := handler.DefaultConfig()
	hcfg.SessionIdleTimeout = cfg.SessionIdleTimeout
	h := handler.New(hcfg, tree, authBackend, varRegistry, histManager, sup, starting.Load)

	sup.OnVariableChange = func(moduleID string, changes []varstore.Change) {
		h.OnVariableChange(changes)
	}
	sup.OnConfigChange = func(moduleID string, obj model.ObjectRef) {
		h.OnConfigChange(obj)
	}
	sup.OnAlarmOrEvent = func(moduleID string, severity supervisor.Severity, message string) {
		h.OnSystemEvent(int(severity), message, moduleID)
	}
	sup.OnEvent = func(ev supervisor.SystemEvent) {
		h.OnSystemEvent(int(ev.Severity), ev.Message, ev.ModuleID)
	}
	sup.OnObjectsSync = func(moduleID string, objects []model.ObjectInfo) {
		tree.SyncModule(moduleID, objects)
		routeHistorian(sup, histManager, moduleID, objects)
	}
	histManager.OnChange = func(change historian.VarHistoryChange) {
		h.OnHistoryChange(change)
	}
	histManager.OnWarning = func(w historian.StaleWarning) {
		logger.Warn("historian: stale value", "variable", w.Variable.String(), "skew", w.Skew.Milliseconds())
	}
	histManager.TimestampCheckWarning = vtq.FromStd(serverCfg.TimestampCheckWarning)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Start(ctx, serverCfg.Modules); err != nil {
		logger.Error("supervisor failed to start", "err", err)
		os.Exit(1)
	}
	starting.Store(false)

	if cfg.StartCompleteFile != "" {
		if err := os.WriteFile(cfg.StartCompleteFile, []byte(time.Now().Format(time.RFC3339)), 0o644); err != nil {
			logger.Warn("failed to write start-complete file", "err", err)
		}
		defer os.Remove(cfg.StartCompleteFile)
	}

	h.Run()
	defer h.Stop()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", serverCfg.ClientListenHost, serverCfg.ClientListenPort),
		Handler: transport.NewServer(h.Dispatcher, h.Hub, h.PayloadFactories()),
	}

	go func() {
		logger.Info("mediator listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "err", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()
	sup.Shutdown()
	histManager.Shutdown(5 * time.Second)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}

	logger.Info("mediator stopped")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildAuthBackend selects and chains auth.Backend implementations per
// serverCfg.UserManagement.Backend (spec §6's UserManagement — "local",
// "ldap", or "local,ldap" to try both in order).
func buildAuthBackend(um config.UserManagementConfig) auth.Backend {
	var chain auth.Chain

	if um.Backend == "" || containsBackend(um.Backend, "local") {
		users := make([]auth.LocalUser, 0, len(um.Users))
		for _, u := range um.Users {
			users = append(users, auth.LocalUser{Name: u.Name, PasswordHash: u.PasswordHash, Roles: u.Roles})
		}
		chain = append(chain, auth.NewLocalBackend(users))
	}
	if um.LDAP != nil && containsBackend(um.Backend, "ldap") {
		chain = append(chain, auth.NewLDAPBackend(auth.LDAPConfig{
			URL:        um.LDAP.URL,
			BaseDN:     um.LDAP.BaseDN,
			BindDNFmt:  um.LDAP.BindDNFmt,
			RoleFilter: um.LDAP.RoleFilter,
			RoleAttr:   um.LDAP.RoleAttr,
		}))
	}
	return chain
}

func containsBackend(spec, name string) bool {
	if spec == "" {
		return name == "local"
	}
	for _, part := range splitComma(spec) {
		if part == name {
			return true
		}
	}
	return false
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

// routeHistorian points every one of moduleID's objects at its configured
// historian worker (spec §4.4's "choosing that module's configured
// historian worker"), taken from the module's declared "historianID"
// config entry (spec §6's per-module Config[] map, the same seam
// logControlFor uses for "logHost").
func routeHistorian(sup *supervisor.Supervisor, hist *historian.Manager, moduleID string, objects []model.ObjectInfo) {
	var historianID string
	for _, ms := range sup.Modules() {
		if ms.Config.ID == moduleID {
			historianID = ms.Config.Config["historianID"]
			break
		}
	}
	if historianID == "" {
		return
	}
	for _, obj := range objects {
		hist.Route(obj.Ref, historianID)
	}
}

// buildHistorian creates one historian.Worker per serverCfg.HistorianDBs
// entry, selecting sqlitebackend or pgbackend by its Backend field (spec
// §6's table of recognised options, extended with the historian DB list
// a real XML loader would also carry).
func buildHistorian(serverCfg *config.ServerConfig) *historian.Manager {
	m := historian.NewManager(nil)
	for _, db := range serverCfg.HistorianDBs {
		var backend historian.Backend
		switch db.Backend {
		case "postgres":
			backend = pgbackend.New(db.DSN)
		default:
			backend = sqlitebackend.New(db.DSN)
		}
		m.AddWorker(db.ID, backend)
	}
	return m
}
