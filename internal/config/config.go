package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/0xmhha/crowdfund-indexer/internal/constants"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the indexer
type Config struct {
	RPC      RPCConfig       `yaml:"rpc"`
	Database DatabaseConfig  `yaml:"database"`
	Log      LogConfig       `yaml:"log"`
	Indexer  IndexerConfig   `yaml:"indexer"`
	Programs []ProgramConfig `yaml:"programs"`
	// SchemaFile optionally points at a YAML file with additional event schemas
	SchemaFile string      `yaml:"schema_file"`
	API        APIConfig   `yaml:"api"`
	Lease      LeaseConfig `yaml:"lease"`
}

// RPCConfig holds remote ledger endpoint configuration
type RPCConfig struct {
	Endpoint         string        `yaml:"endpoint"`
	FallbackEndpoint string        `yaml:"fallback_endpoint"`
	Timeout          time.Duration `yaml:"timeout"`
	Commitment       string        `yaml:"commitment"`
	// RequestsPerSecond is a client-side limit applied per endpoint, 0 disables it
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// DatabaseConfig holds relational store configuration
type DatabaseConfig struct {
	// Driver is "postgres" or "memory"
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConns        int32         `yaml:"max_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IndexerConfig holds poll loop configuration
type IndexerConfig struct {
	StartSlot         uint64        `yaml:"start_slot"`
	BatchSize         int           `yaml:"batch_size"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ErrorBackoff      time.Duration `yaml:"error_backoff"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	SignaturePageSize int           `yaml:"signature_page_size"`
	FetchConcurrency  int           `yaml:"fetch_concurrency"`
	MaxLag            time.Duration `yaml:"max_lag"`
	ApplyTimeout      time.Duration `yaml:"apply_timeout"`
	MaxApplyAttempts  int           `yaml:"max_apply_attempts"`
}

// ProgramConfig maps a tracked program address to its event schema
type ProgramConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	// Schema names a built-in schema or one from SchemaFile; defaults to Name
	Schema string `yaml:"schema"`
}

// APIConfig holds ops server configuration
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LeaseConfig holds the optional redis poller lease
type LeaseConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Key      string        `yaml:"key"`
	TTL      time.Duration `yaml:"ttl"`
}

// Address returns the ops server listen address
func (c APIConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NewConfig creates a new configuration with default values
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	// RPC defaults
	if c.RPC.Timeout == 0 {
		c.RPC.Timeout = constants.DefaultRPCTimeout
	}
	if c.RPC.Commitment == "" {
		c.RPC.Commitment = constants.DefaultCommitment
	}
	if c.RPC.RequestsPerSecond == 0 {
		c.RPC.RequestsPerSecond = constants.DefaultRequestsPerSecond
	}
	if c.RPC.Burst == 0 {
		c.RPC.Burst = constants.DefaultRequestBurst
	}

	// Database defaults
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = constants.DefaultMinConns
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = constants.DefaultMaxConns
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = constants.DefaultConnMaxLifetime
	}
	if c.Database.ConnMaxIdleTime == 0 {
		c.Database.ConnMaxIdleTime = constants.DefaultConnMaxIdleTime
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	// Indexer defaults
	if c.Indexer.BatchSize == 0 {
		c.Indexer.BatchSize = constants.DefaultBatchSize
	}
	if c.Indexer.PollInterval == 0 {
		c.Indexer.PollInterval = constants.DefaultPollInterval
	}
	if c.Indexer.ErrorBackoff == 0 {
		c.Indexer.ErrorBackoff = constants.DefaultErrorBackoff
	}
	if c.Indexer.MaxRetries == 0 {
		c.Indexer.MaxRetries = constants.DefaultMaxRetries
	}
	if c.Indexer.RetryBaseDelay == 0 {
		c.Indexer.RetryBaseDelay = constants.DefaultRetryBaseDelay
	}
	if c.Indexer.SignaturePageSize == 0 {
		c.Indexer.SignaturePageSize = constants.DefaultSignaturePageSize
	}
	if c.Indexer.FetchConcurrency == 0 {
		c.Indexer.FetchConcurrency = constants.DefaultFetchConcurrency
	}
	if c.Indexer.MaxLag == 0 {
		c.Indexer.MaxLag = constants.DefaultMaxLag
	}
	if c.Indexer.ApplyTimeout == 0 {
		c.Indexer.ApplyTimeout = constants.DefaultApplyTimeout
	}
	if c.Indexer.MaxApplyAttempts == 0 {
		c.Indexer.MaxApplyAttempts = constants.DefaultMaxApplyAttempts
	}

	// Program defaults
	for i := range c.Programs {
		if c.Programs[i].Schema == "" {
			c.Programs[i].Schema = c.Programs[i].Name
		}
	}

	// API defaults
	if c.API.Host == "" {
		c.API.Host = constants.DefaultAPIHost
	}
	if c.API.Port == 0 {
		c.API.Port = constants.DefaultAPIPort
	}

	// Lease defaults
	if c.Lease.Key == "" {
		c.Lease.Key = constants.DefaultLeaseKey
	}
	if c.Lease.TTL == 0 {
		c.Lease.TTL = constants.DefaultLeaseTTL
	}
}

// programEnv lists the per-program environment variables, in catalogue order
var programEnv = []struct {
	name string
	env  string
}{
	{"campaign", "INDEXER_PROGRAM_CAMPAIGN"},
	{"task", "INDEXER_PROGRAM_TASK"},
	{"budget", "INDEXER_PROGRAM_BUDGET"},
	{"escrow", "INDEXER_PROGRAM_ESCROW"},
	{"proof", "INDEXER_PROGRAM_PROOF"},
	{"approval", "INDEXER_PROGRAM_APPROVAL"},
	{"dispute", "INDEXER_PROGRAM_DISPUTE"},
	{"governance", "INDEXER_PROGRAM_GOVERNANCE"},
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	// RPC configuration
	if endpoint := os.Getenv("INDEXER_RPC_ENDPOINT"); endpoint != "" {
		c.RPC.Endpoint = endpoint
	}
	if fallback := os.Getenv("INDEXER_RPC_FALLBACK_ENDPOINT"); fallback != "" {
		c.RPC.FallbackEndpoint = fallback
	}
	if timeout := os.Getenv("INDEXER_RPC_TIMEOUT"); timeout != "" {
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_RPC_TIMEOUT: %w", err)
		}
		c.RPC.Timeout = duration
	}
	if rps := os.Getenv("INDEXER_RPC_REQUESTS_PER_SECOND"); rps != "" {
		val, err := strconv.ParseFloat(rps, 64)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_RPC_REQUESTS_PER_SECOND: %w", err)
		}
		c.RPC.RequestsPerSecond = val
	}

	// Database configuration
	if driver := os.Getenv("INDEXER_DATABASE_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if url := os.Getenv("INDEXER_DATABASE_URL"); url != "" {
		c.Database.URL = url
	}
	if maxConns := os.Getenv("INDEXER_DATABASE_MAX_CONNS"); maxConns != "" {
		val, err := strconv.ParseInt(maxConns, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_DATABASE_MAX_CONNS: %w", err)
		}
		c.Database.MaxConns = int32(val)
	}

	// Log configuration
	if level := os.Getenv("INDEXER_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("INDEXER_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	// Indexer configuration
	if startSlot := os.Getenv("INDEXER_START_SLOT"); startSlot != "" {
		val, err := strconv.ParseUint(startSlot, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_START_SLOT: %w", err)
		}
		c.Indexer.StartSlot = val
	}
	if batchSize := os.Getenv("INDEXER_BATCH_SIZE"); batchSize != "" {
		val, err := strconv.Atoi(batchSize)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_BATCH_SIZE: %w", err)
		}
		c.Indexer.BatchSize = val
	}
	if interval := os.Getenv("INDEXER_POLL_INTERVAL"); interval != "" {
		duration, err := time.ParseDuration(interval)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_POLL_INTERVAL: %w", err)
		}
		c.Indexer.PollInterval = duration
	}
	if attempts := os.Getenv("INDEXER_MAX_APPLY_ATTEMPTS"); attempts != "" {
		val, err := strconv.Atoi(attempts)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_MAX_APPLY_ATTEMPTS: %w", err)
		}
		c.Indexer.MaxApplyAttempts = val
	}
	if concurrency := os.Getenv("INDEXER_FETCH_CONCURRENCY"); concurrency != "" {
		val, err := strconv.Atoi(concurrency)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_FETCH_CONCURRENCY: %w", err)
		}
		c.Indexer.FetchConcurrency = val
	}

	// Program addresses. An env entry replaces the program of the same name
	// or appends a new one.
	for _, p := range programEnv {
		addr := os.Getenv(p.env)
		if addr == "" {
			continue
		}
		c.setProgram(p.name, addr)
	}
	if schemaFile := os.Getenv("INDEXER_SCHEMA_FILE"); schemaFile != "" {
		c.SchemaFile = schemaFile
	}

	// API configuration
	if enabled := os.Getenv("INDEXER_API_ENABLED"); enabled != "" {
		val, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_API_ENABLED: %w", err)
		}
		c.API.Enabled = val
	}
	if host := os.Getenv("INDEXER_API_HOST"); host != "" {
		c.API.Host = host
	}
	if port := os.Getenv("INDEXER_API_PORT"); port != "" {
		val, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_API_PORT: %w", err)
		}
		c.API.Port = val
	}

	// Lease configuration
	if enabled := os.Getenv("INDEXER_LEASE_ENABLED"); enabled != "" {
		val, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_LEASE_ENABLED: %w", err)
		}
		c.Lease.Enabled = val
	}
	if addr := os.Getenv("INDEXER_REDIS_ADDR"); addr != "" {
		c.Lease.Addr = addr
	}
	if password := os.Getenv("INDEXER_REDIS_PASSWORD"); password != "" {
		c.Lease.Password = password
	}

	return nil
}

func (c *Config) setProgram(name, address string) {
	for i := range c.Programs {
		if c.Programs[i].Name == name {
			c.Programs[i].Address = address
			return
		}
	}
	c.Programs = append(c.Programs, ProgramConfig{Name: name, Address: address, Schema: name})
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate RPC configuration
	if c.RPC.Endpoint == "" {
		return fmt.Errorf("RPC endpoint is required")
	}
	if c.RPC.Timeout <= 0 {
		return fmt.Errorf("RPC timeout must be positive")
	}
	if c.RPC.RequestsPerSecond < 0 {
		return fmt.Errorf("RPC requests per second cannot be negative")
	}

	// Validate database configuration
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database URL is required")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid database driver %q, must be one of: postgres, memory", c.Database.Driver)
	}
	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("database max conns must be >= min conns")
	}

	// Validate log configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	// Validate indexer configuration
	if c.Indexer.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Indexer.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.Indexer.SignaturePageSize <= 0 || c.Indexer.SignaturePageSize > constants.MaxSignaturePageSize {
		return fmt.Errorf("signature page size must be between 1 and %d", constants.MaxSignaturePageSize)
	}
	if c.Indexer.FetchConcurrency <= 0 {
		return fmt.Errorf("fetch concurrency must be positive")
	}
	if c.Indexer.MaxApplyAttempts <= 0 {
		return fmt.Errorf("max apply attempts must be positive")
	}

	// Validate programs
	if len(c.Programs) == 0 {
		return fmt.Errorf("at least one program is required")
	}
	seen := make(map[string]bool, len(c.Programs))
	for _, p := range c.Programs {
		if p.Name == "" {
			return fmt.Errorf("program name is required")
		}
		if strings.TrimSpace(p.Address) == "" {
			return fmt.Errorf("program %q address is required", p.Name)
		}
		if seen[p.Address] {
			return fmt.Errorf("program address %s is configured twice", p.Address)
		}
		seen[p.Address] = true
	}

	// Validate API configuration
	if c.API.Enabled && (c.API.Port < constants.MinPort || c.API.Port > constants.MaxPort) {
		return fmt.Errorf("invalid API port %d", c.API.Port)
	}

	// Validate lease configuration
	if c.Lease.Enabled {
		if c.Lease.Addr == "" {
			return fmt.Errorf("lease enabled but no redis address configured")
		}
		if c.Lease.TTL < constants.MinLeaseTTL {
			return fmt.Errorf("lease TTL must be at least %s", constants.MinLeaseTTL)
		}
	}

	return nil
}

// Load is a convenience method that loads configuration in the following order:
// 1. Set defaults
// 2. Load from file (if provided)
// 3. Load from environment variables (override file)
// 4. Validate
func Load(configFile string) (*Config, error) {
	cfg := NewConfig()

	// Load from file if provided
	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Load from environment variables (override file)
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	// Set defaults for any missing values
	cfg.SetDefaults()

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
