// Package config holds the mediator's process-level flags and the YAML
// document that stands in for the out-of-scope XML module-declaration
// loader (spec §6). Split the way the teacher's internal/config is split:
// config.go for flag.Parse, yaml.go for the file format.
package config

import (
	"flag"
	"time"
)

// Config is the set of process-level flags: where to listen, where the
// YAML config document lives, how to log, and where to signal startup
// completion.
type Config struct {
	ClientListenHost string
	ClientListenPort int

	ConfigFile string
	EnvFile    string

	LogFormat string
	LogLevel  string

	StartCompleteFile string

	SessionIdleTimeout time.Duration
}

// Parse reads process flags into a Config, mirroring the teacher's
// config.Parse (one flag per field, sane defaults, flag.Parse at the end).
func Parse() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.ClientListenHost, "listen-host", "0.0.0.0", "client RPC/WebSocket listen host")
	flag.IntVar(&cfg.ClientListenPort, "listen-port", 8080, "client RPC/WebSocket listen port")
	flag.StringVar(&cfg.ConfigFile, "config", "./mediator.yaml", "path to the YAML configuration document")
	flag.StringVar(&cfg.EnvFile, "env-file", ".env", "path to an optional .env overlay")
	flag.StringVar(&cfg.LogFormat, "log-format", "text", "log output format: text or json")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "log level: debug, info, warn, or error")
	flag.StringVar(&cfg.StartCompleteFile, "start-complete-file", "", "path written with the current time once every module reaches InitComplete (spec §6)")
	flag.DurationVar(&cfg.SessionIdleTimeout, "session-idle-timeout", 60*time.Second, "how long a session may go unacknowledged before the abandonment sweep closes it")

	flag.Parse()
	return cfg
}
