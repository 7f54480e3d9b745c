package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/uniset/mediator/internal/supervisor"
)

// ServerConfig is the mediator's top-level YAML document, a stand-in for
// the out-of-scope XML module-declaration file (spec §6's configuration
// table: ClientListenHost/Port, Modules[], UserManagement, Locations,
// TimestampCheckWarning). FromModuleDecls is the seam a real XML loader
// would plug into instead of LoadServerConfig.
type ServerConfig struct {
	ClientListenHost string `yaml:"clientListenHost"`
	ClientListenPort int    `yaml:"clientListenPort"`

	Modules []supervisor.ModuleConfig `yaml:"modules"`

	UserManagement UserManagementConfig `yaml:"userManagement"`
	Locations      []Location           `yaml:"locations"`

	TimestampCheckWarning time.Duration `yaml:"timestampCheckWarning"`

	HistorianDBs []HistorianDBConfig `yaml:"historianDBs"`
}

// UserManagementConfig selects and configures the auth.Backend chain
// (spec §6's UserManagement: "users, roles, passwords for
// authentication"). Backend is "local", "ldap", or "local,ldap" to chain
// both, tried in that order.
type UserManagementConfig struct {
	Backend string       `yaml:"backend"`
	Users   []UserConfig `yaml:"users"`
	LDAP    *LDAPConfig  `yaml:"ldap,omitempty"`
}

// UserConfig is one local user entry. PasswordHash is a bcrypt hash, never
// a plaintext password.
type UserConfig struct {
	Name         string   `yaml:"name"`
	PasswordHash string   `yaml:"passwordHash"`
	Roles        []string `yaml:"roles"`
}

// LDAPConfig mirrors auth.LDAPConfig's fields for YAML decoding.
type LDAPConfig struct {
	URL        string `yaml:"url"`
	BaseDN     string `yaml:"baseDN"`
	BindDNFmt  string `yaml:"bindDNFormat"`
	RoleFilter string `yaml:"roleFilter"`
	RoleAttr   string `yaml:"roleAttribute"`
}

// Location is one entry of the location hierarchy (spec §6's Locations:
// "location hierarchy metadata").
type Location struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	ParentID string `yaml:"parentID,omitempty"`
}

// HistorianDBConfig declares one historian backend database a module's
// Config["historianID"] entry can route into.
type HistorianDBConfig struct {
	ID      string `yaml:"id"`
	Backend string `yaml:"backend"` // "sqlite" or "postgres"
	DSN     string `yaml:"dsn"`
}

// LoadServerConfig loads and validates the mediator's YAML document,
// mirroring the teacher's LoadServersFromYAML: read the file, unmarshal,
// then validate the fields downstream code can't function without.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	for i, m := range cfg.Modules {
		if m.ID == "" {
			return nil, fmt.Errorf("module at index %d has no ID", i)
		}
		if m.ImplClass == "" {
			return nil, fmt.Errorf("module %q has no ImplClass", m.ID)
		}
	}

	return &cfg, nil
}

// FromModuleDecls folds already-parsed module declarations into base,
// independent of LoadServerConfig's YAML source — the seam a real XML
// module-declaration loader would plug into (spec §1's "XML schema out of
// scope" leaves everything around the loader itself in scope).
func FromModuleDecls(base ServerConfig, modules []supervisor.ModuleConfig) ServerConfig {
	base.Modules = modules
	return base
}
