package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadServerConfig(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantErr  bool
		checkCfg func(t *testing.T, cfg *ServerConfig)
	}{
		{
			name: "valid config with all fields",
			content: `clientListenHost: 0.0.0.0
clientListenPort: 8080
timestampCheckWarning: 30s
modules:
  - id: mod1
    name: "Acquisition"
    implClass: "acq:driver1"
    enabled: true
    concurrentInit: false
    variablesFileName: "./mod1.vars"
userManagement:
  backend: local
  users:
    - name: alice
      passwordHash: "$2a$10$abcdefghijklmnopqrstuv"
      roles: [operator]
locations:
  - id: loc1
    name: "Shop floor"
`,
			checkCfg: func(t *testing.T, cfg *ServerConfig) {
				if len(cfg.Modules) != 1 {
					t.Fatalf("expected 1 module, got %d", len(cfg.Modules))
				}
				if cfg.Modules[0].ImplClass != "acq:driver1" {
					t.Errorf("expected ImplClass 'acq:driver1', got %q", cfg.Modules[0].ImplClass)
				}
				if cfg.UserManagement.Backend != "local" {
					t.Errorf("expected backend 'local', got %q", cfg.UserManagement.Backend)
				}
				if len(cfg.Locations) != 1 || cfg.Locations[0].ID != "loc1" {
					t.Errorf("unexpected locations: %+v", cfg.Locations)
				}
			},
		},
		{
			name: "missing module id",
			content: `modules:
  - implClass: "acq:driver1"
`,
			wantErr: true,
		},
		{
			name: "missing module implClass",
			content: `modules:
  - id: mod1
`,
			wantErr: true,
		},
		{
			name:    "invalid yaml",
			content: `modules: [invalid`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			tmpFile := filepath.Join(tmpDir, "mediator.yaml")
			if err := os.WriteFile(tmpFile, []byte(tt.content), 0644); err != nil {
				t.Fatalf("failed to write temp file: %v", err)
			}

			cfg, err := LoadServerConfig(tmpFile)

			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.checkCfg != nil {
				tt.checkCfg(t, cfg)
			}
		})
	}
}

func TestLoadServerConfigFileNotFound(t *testing.T) {
	_, err := LoadServerConfig("/nonexistent/path/mediator.yaml")
	if err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestFromModuleDecls(t *testing.T) {
	base := ServerConfig{ClientListenPort: 8080}

	got := FromModuleDecls(base, nil)
	if got.ClientListenPort != 8080 {
		t.Errorf("expected port to survive, got %d", got.ClientListenPort)
	}
	if got.Modules != nil {
		t.Errorf("expected nil modules, got %v", got.Modules)
	}
}
