package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := &Config{
		RPC: RPCConfig{
			Endpoint: "http://localhost:8899",
			Timeout:  30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "memory",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Programs: []ProgramConfig{
			{Name: "escrow", Address: "Esc111111111111111111111111111111111111111"},
		},
	}
	cfg.SetDefaults()
	return cfg
}

// TestNewConfig tests creating a config with defaults
func TestNewConfig(t *testing.T) {
	cfg := NewConfig()
	if cfg == nil {
		t.Fatal("NewConfig() returned nil")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Expected default log level 'info', got %q", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Expected default log format 'json', got %q", cfg.Log.Format)
	}
	if cfg.Indexer.BatchSize != 100 {
		t.Errorf("Expected default batch size 100, got %d", cfg.Indexer.BatchSize)
	}
	if cfg.Indexer.PollInterval != time.Second {
		t.Errorf("Expected default poll interval 1s, got %v", cfg.Indexer.PollInterval)
	}
	if cfg.Indexer.ErrorBackoff != 5*time.Second {
		t.Errorf("Expected default error backoff 5s, got %v", cfg.Indexer.ErrorBackoff)
	}
	if cfg.Indexer.MaxRetries != 3 {
		t.Errorf("Expected default max retries 3, got %d", cfg.Indexer.MaxRetries)
	}
	if cfg.RPC.Commitment != "confirmed" {
		t.Errorf("Expected default commitment 'confirmed', got %q", cfg.RPC.Commitment)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Expected default driver 'postgres', got %q", cfg.Database.Driver)
	}
}

// TestConfigValidation tests configuration validation
func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing RPC endpoint",
			mutate:  func(c *Config) { c.RPC.Endpoint = "" },
			wantErr: true,
			errMsg:  "RPC endpoint is required",
		},
		{
			name:    "invalid RPC timeout",
			mutate:  func(c *Config) { c.RPC.Timeout = 0 },
			wantErr: true,
			errMsg:  "RPC timeout must be positive",
		},
		{
			name: "postgres without URL",
			mutate: func(c *Config) {
				c.Database.Driver = "postgres"
				c.Database.URL = ""
			},
			wantErr: true,
			errMsg:  "database URL is required",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Database.Driver = "sqlite" },
			wantErr: true,
			errMsg:  `invalid database driver "sqlite", must be one of: postgres, memory`,
		},
		{
			name:    "invalid batch size",
			mutate:  func(c *Config) { c.Indexer.BatchSize = 0 },
			wantErr: true,
			errMsg:  "batch size must be positive",
		},
		{
			name:    "oversized signature page",
			mutate:  func(c *Config) { c.Indexer.SignaturePageSize = 5000 },
			wantErr: true,
			errMsg:  "signature page size must be between 1 and 1000",
		},
		{
			name:    "no programs",
			mutate:  func(c *Config) { c.Programs = nil },
			wantErr: true,
			errMsg:  "at least one program is required",
		},
		{
			name: "duplicate program address",
			mutate: func(c *Config) {
				c.Programs = append(c.Programs, ProgramConfig{Name: "task", Address: c.Programs[0].Address})
			},
			wantErr: true,
			errMsg:  "program address Esc111111111111111111111111111111111111111 is configured twice",
		},
		{
			name:    "lease without redis",
			mutate:  func(c *Config) { c.Lease.Enabled = true },
			wantErr: true,
			errMsg:  "lease enabled but no redis address configured",
		},
		{
			name: "lease TTL too short to refresh",
			mutate: func(c *Config) {
				c.Lease.Enabled = true
				c.Lease.Addr = "localhost:6379"
				c.Lease.TTL = time.Second
			},
			wantErr: true,
			errMsg:  "lease TTL must be at least 3s",
		},
		{
			name:    "non-positive apply attempts",
			mutate:  func(c *Config) { c.Indexer.MaxApplyAttempts = -1 },
			wantErr: true,
			errMsg:  "max apply attempts must be positive",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Log.Level = "trace" },
			wantErr: true,
			errMsg:  `invalid log level "trace", must be one of: debug, info, warn, error`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr && err.Error() != tt.errMsg {
				t.Errorf("Validate() error message = %q, want %q", err.Error(), tt.errMsg)
			}
		})
	}
}

// TestLoadFromEnv tests loading configuration from environment variables
func TestLoadFromEnv(t *testing.T) {
	t.Setenv("INDEXER_RPC_ENDPOINT", "http://primary:8899")
	t.Setenv("INDEXER_RPC_FALLBACK_ENDPOINT", "http://fallback:8899")
	t.Setenv("INDEXER_RPC_TIMEOUT", "10s")
	t.Setenv("INDEXER_DATABASE_URL", "postgres://indexer@localhost/indexer")
	t.Setenv("INDEXER_LOG_LEVEL", "debug")
	t.Setenv("INDEXER_START_SLOT", "250000")
	t.Setenv("INDEXER_BATCH_SIZE", "50")
	t.Setenv("INDEXER_POLL_INTERVAL", "2s")
	t.Setenv("INDEXER_PROGRAM_ESCROW", "Esc111111111111111111111111111111111111111")

	cfg := NewConfig()
	cfg.Programs = []ProgramConfig{{Name: "escrow", Address: "old", Schema: "escrow"}}
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.RPC.Endpoint != "http://primary:8899" {
		t.Errorf("Expected RPC endpoint 'http://primary:8899', got %q", cfg.RPC.Endpoint)
	}
	if cfg.RPC.FallbackEndpoint != "http://fallback:8899" {
		t.Errorf("Expected fallback endpoint, got %q", cfg.RPC.FallbackEndpoint)
	}
	if cfg.RPC.Timeout != 10*time.Second {
		t.Errorf("Expected RPC timeout 10s, got %v", cfg.RPC.Timeout)
	}
	if cfg.Database.URL != "postgres://indexer@localhost/indexer" {
		t.Errorf("Expected database URL, got %q", cfg.Database.URL)
	}
	if cfg.Indexer.StartSlot != 250000 {
		t.Errorf("Expected start slot 250000, got %d", cfg.Indexer.StartSlot)
	}
	if cfg.Indexer.BatchSize != 50 {
		t.Errorf("Expected batch size 50, got %d", cfg.Indexer.BatchSize)
	}
	if cfg.Indexer.PollInterval != 2*time.Second {
		t.Errorf("Expected poll interval 2s, got %v", cfg.Indexer.PollInterval)
	}
	if len(cfg.Programs) != 1 || cfg.Programs[0].Address != "Esc111111111111111111111111111111111111111" {
		t.Errorf("Expected escrow program address to be replaced, got %+v", cfg.Programs)
	}
}

func TestLoadFromEnvInvalid(t *testing.T) {
	t.Setenv("INDEXER_START_SLOT", "minus-one")

	cfg := NewConfig()
	if err := cfg.LoadFromEnv(); err == nil {
		t.Fatal("expected error for malformed INDEXER_START_SLOT")
	}
}

// TestLoadFromFile tests loading configuration from YAML file
func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
rpc:
  endpoint: http://localhost:8899
  fallback_endpoint: http://localhost:8900
  timeout: 45s

database:
  driver: memory

log:
  level: warn
  format: console

indexer:
  start_slot: 1200
  batch_size: 25
  fetch_concurrency: 2

programs:
  - name: campaign
    address: Cmp111111111111111111111111111111111111111
  - name: escrow
    address: Esc111111111111111111111111111111111111111
    schema: escrow
`

	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.RPC.FallbackEndpoint != "http://localhost:8900" {
		t.Errorf("Expected fallback endpoint, got %q", cfg.RPC.FallbackEndpoint)
	}
	if cfg.RPC.Timeout != 45*time.Second {
		t.Errorf("Expected RPC timeout 45s, got %v", cfg.RPC.Timeout)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Expected log level 'warn', got %q", cfg.Log.Level)
	}
	if cfg.Indexer.StartSlot != 1200 {
		t.Errorf("Expected start slot 1200, got %d", cfg.Indexer.StartSlot)
	}
	if cfg.Indexer.FetchConcurrency != 2 {
		t.Errorf("Expected fetch concurrency 2, got %d", cfg.Indexer.FetchConcurrency)
	}
	if len(cfg.Programs) != 2 {
		t.Fatalf("Expected 2 programs, got %d", len(cfg.Programs))
	}
	if cfg.Programs[0].Schema != "campaign" {
		t.Errorf("Expected schema to default to program name, got %q", cfg.Programs[0].Schema)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
