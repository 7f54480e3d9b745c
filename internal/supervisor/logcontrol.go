package supervisor

import (
	"context"
	"strconv"
	"strings"

	"github.com/uniset/mediator/internal/errs"
	"github.com/uniset/mediator/internal/logserver"
)

// logControlFor builds a logserver.Client for a module that declares
// logHost (and optionally logPort) in its Config map (spec §6's
// per-module Config[]). This lets the supervisor adjust a running
// module's log verbosity remotely, and tail its log stream for the
// alarm/event bridge below, the same protocol the teacher's
// logserver.Client speaks to a UniSet2 process's log server.
func logControlFor(cfg ModuleConfig) (*logserver.Client, bool) {
	host, ok := cfg.Config["logHost"]
	if !ok || host == "" {
		return nil, false
	}

	lc := logserver.DefaultConfig()
	lc.Host = host
	if p, ok := cfg.Config["logPort"]; ok {
		if n, err := strconv.Atoi(p); err == nil {
			lc.Port = n
		}
	}
	return logserver.NewClient(lc, nil), true
}

// SetModuleLogLevel dials moduleID's log-control endpoint, if it declared
// one, and sets its log level. It does not touch the module's lifecycle
// state — this is purely an operational side channel.
func (s *Supervisor) SetModuleLogLevel(moduleID string, level logserver.LogLevel) error {
	s.mu.RLock()
	var ms *ModuleState
	for _, m := range s.modules {
		if m.Config.ID == moduleID {
			ms = m
			break
		}
	}
	s.mu.RUnlock()
	if ms == nil {
		return errs.Newf(errs.Request, "supervisor.SetModuleLogLevel", "unknown module %q", moduleID)
	}

	client, ok := logControlFor(ms.Config)
	if !ok {
		return errs.Newf(errs.Request, "supervisor.SetModuleLogLevel", "module %q has no log-control endpoint configured", moduleID)
	}
	defer client.Close()

	if err := client.Connect(); err != nil {
		return errs.New(errs.Connectivity, "supervisor.SetModuleLogLevel", err)
	}
	return client.SetLogLevel(level, "")
}

// logTail holds a logserver.Client tailing one module's log output and the
// cancel func that stops it.
type logTail struct {
	client *logserver.Client
	cancel context.CancelFunc
}

// startLogTail dials moduleID's log-control endpoint, if configured, and
// tails its log output for the rest of the module's current run,
// surfacing CRIT/WARN lines on the alarm/event stream (spec §7's
// "Alarm/event stream carries supervisor-generated events", extended here
// to a module's own log output alongside supervisor-originated events). A
// module with no logHost configured gets no tail and SetModuleLogLevel
// remains the only log-control surface for it.
func (s *Supervisor) startLogTail(ms *ModuleState) {
	client, ok := logControlFor(ms.Config)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	moduleID := ms.Config.ID
	client.StartReadingWithReconnect(ctx, func(line string) {
		severity, ok := severityOfLogLine(line)
		if !ok {
			return
		}
		s.Post(func() {
			if s.OnAlarmOrEvent != nil {
				s.OnAlarmOrEvent(moduleID, severity, strings.TrimSpace(line))
			}
		})
	})

	s.logTailsMu.Lock()
	s.logTails[moduleID] = logTail{client: client, cancel: cancel}
	s.logTailsMu.Unlock()
}

// stopLogTail ends moduleID's log tail, if one is running. Called before a
// module's instance is torn down or replaced, so a stale tail never
// outlives the run it was attached to.
func (s *Supervisor) stopLogTail(moduleID string) {
	s.logTailsMu.Lock()
	lt, ok := s.logTails[moduleID]
	if ok {
		delete(s.logTails, moduleID)
	}
	s.logTailsMu.Unlock()
	if !ok {
		return
	}
	lt.cancel()
	lt.client.Close()
}

// severityOfLogLine classifies a raw LogServer line by its level token and
// reports ok = false for anything below Warning, so the alarm stream isn't
// flooded with routine info/debug log output.
func severityOfLogLine(line string) (Severity, bool) {
	upper := strings.ToUpper(line)
	switch {
	case strings.Contains(upper, "CRIT"):
		return SeverityError, true
	case strings.Contains(upper, "WARN"):
		return SeverityWarning, true
	default:
		return SeverityInfo, false
	}
}
