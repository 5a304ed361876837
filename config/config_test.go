package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alechenninger/kestrel/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != ":8080" {
		t.Errorf("expected default listen :8080, got %q", cfg.Server.Listen)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("expected default backend memory, got %q", cfg.Store.Backend)
	}
	if cfg.Engine.MaxDepth != 32 || cfg.Engine.MaxVisits != 65536 || cfg.Engine.MaxParallel != 16 {
		t.Errorf("unexpected default engine budgets: %+v", cfg.Engine)
	}
	if cfg.Cache.Enabled {
		t.Error("expected cache disabled by default")
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	doc := strings.Join([]string{
		"server:",
		"  listen: :9090",
		"cache:",
		"  enabled: true",
		"  ttl: 30s",
	}, "\n")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != ":9090" {
		t.Errorf("expected listen :9090, got %q", cfg.Server.Listen)
	}
	if !cfg.Cache.Enabled || cfg.Cache.TTL != 30*time.Second {
		t.Errorf("expected cache enabled with 30s ttl, got %+v", cfg.Cache)
	}
	// Untouched keys keep their defaults.
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default logging level, got %q", cfg.Logging.Level)
	}
}

func TestLoad_MissingFileIsSkipped(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != ":8080" {
		t.Errorf("expected defaults, got listen %q", cfg.Server.Listen)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listen: :9090\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KESTREL_SERVER_LISTEN", ":7070")
	t.Setenv("KESTREL_LOGGING_FORMAT", "json")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != ":7070" {
		t.Errorf("expected env to win, got listen %q", cfg.Server.Listen)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected json format, got %q", cfg.Logging.Format)
	}
}

func TestLoad_MultiWordEnvKeys(t *testing.T) {
	t.Setenv("KESTREL_STORE_BACKEND", "postgres")
	t.Setenv("KESTREL_STORE_CONN_STRING", "postgres://localhost/kestrel")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Backend != "postgres" {
		t.Errorf("expected postgres backend, got %q", cfg.Store.Backend)
	}
	if cfg.Store.ConnString != "postgres://localhost/kestrel" {
		t.Errorf("expected conn string to survive underscore mapping, got %q", cfg.Store.ConnString)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "postgres without conn string",
			mutate:  func(c *config.Config) { c.Store.Backend = "postgres" },
			wantErr: "conn_string",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *config.Config) { c.Store.Backend = "etcd" },
			wantErr: "unknown store backend",
		},
		{
			name:    "bad logging level",
			mutate:  func(c *config.Config) { c.Logging.Level = "loud" },
			wantErr: "unknown logging level",
		},
		{
			name:    "bad logging format",
			mutate:  func(c *config.Config) { c.Logging.Format = "xml" },
			wantErr: "unknown logging format",
		},
		{
			name:    "non-positive depth budget",
			mutate:  func(c *config.Config) { c.Engine.MaxDepth = 0 },
			wantErr: "must be positive",
		},
		{
			name: "enabled cache with zero size",
			mutate: func(c *config.Config) {
				c.Cache.Enabled = true
				c.Cache.Size = 0
			},
			wantErr: "cache.size",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.Load("")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err)
			}
		})
	}
}
