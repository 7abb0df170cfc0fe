package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/0xmhha/crowdfund-indexer/internal/config"
	"github.com/0xmhha/crowdfund-indexer/internal/constants"
	"github.com/0xmhha/crowdfund-indexer/internal/logger"
	"github.com/0xmhha/crowdfund-indexer/pkg/api"
	"github.com/0xmhha/crowdfund-indexer/pkg/client"
	"github.com/0xmhha/crowdfund-indexer/pkg/events"
	"github.com/0xmhha/crowdfund-indexer/pkg/fetch"
	"github.com/0xmhha/crowdfund-indexer/pkg/indexer"
	"github.com/0xmhha/crowdfund-indexer/pkg/lease"
	"github.com/0xmhha/crowdfund-indexer/pkg/ledger"
	"github.com/0xmhha/crowdfund-indexer/pkg/processor"
	"github.com/0xmhha/crowdfund-indexer/pkg/resilience"
	"github.com/0xmhha/crowdfund-indexer/pkg/storage"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// flags holds command-line overrides; zero values leave config untouched
type flags struct {
	rpcEndpoint string
	fallback    string
	dbURL       string
	dbDriver    string
	startSlot   uint64
	batchSize   int
	logLevel    string
	logFormat   string
	enableAPI   bool
	apiHost     string
	apiPort     int
	enableLease bool
	redisAddr   string
}

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion = flag.Bool("version", false, "Show version information and exit")
		f           flags
	)
	flag.StringVar(&f.rpcEndpoint, "rpc", "", "Primary ledger RPC endpoint URL")
	flag.StringVar(&f.fallback, "rpc-fallback", "", "Fallback ledger RPC endpoint URL")
	flag.StringVar(&f.dbURL, "db", "", "PostgreSQL connection URL")
	flag.StringVar(&f.dbDriver, "db-driver", "", "Store driver (postgres, memory)")
	flag.Uint64Var(&f.startSlot, "start-slot", 0, "Slot to start indexing after when no cursor is stored")
	flag.IntVar(&f.batchSize, "batch-size", 0, "Maximum number of slots per tick")
	flag.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.logFormat, "log-format", "", "Log format (json, console)")
	flag.BoolVar(&f.enableAPI, "api", false, "Enable ops server")
	flag.StringVar(&f.apiHost, "api-host", "", "Ops server host")
	flag.IntVar(&f.apiPort, "api-port", 0, "Ops server port")
	flag.BoolVar(&f.enableLease, "lease", false, "Enable the redis poller lease")
	flag.StringVar(&f.redisAddr, "redis", "", "Redis address for the poller lease")

	flag.Parse()

	if *showVersion {
		fmt.Printf("crowdfund-indexer version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configFile, f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("Indexer stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("Indexer stopped")
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("Starting indexer",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.String("rpc_endpoint", cfg.RPC.Endpoint),
		zap.Bool("fallback", cfg.RPC.FallbackEndpoint != ""),
		zap.String("db_driver", cfg.Database.Driver),
		zap.Uint64("start_slot", cfg.Indexer.StartSlot),
		zap.Int("batch_size", cfg.Indexer.BatchSize),
		zap.Int("programs", len(cfg.Programs)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	catalogue, err := buildCatalogue(cfg)
	if err != nil {
		return err
	}
	for _, p := range catalogue.Programs() {
		log.Info("Tracking program",
			zap.String("name", p.Name),
			zap.Stringer("address", p.Address),
			zap.String("schema", p.Schema.Name),
		)
	}

	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Failed to close store", zap.Error(err))
		}
	}()

	primary, err := client.NewClient(clientConfig(cfg, cfg.RPC.Endpoint, log))
	if err != nil {
		return fmt.Errorf("failed to create primary client: %w", err)
	}
	defer primary.Close()

	var fallback fetch.Source
	if cfg.RPC.FallbackEndpoint != "" {
		fc, err := client.NewClient(clientConfig(cfg, cfg.RPC.FallbackEndpoint, log))
		if err != nil {
			return fmt.Errorf("failed to create fallback client: %w", err)
		}
		defer fc.Close()
		fallback = fc
	}

	programs := make([]ledger.Address, 0, len(cfg.Programs))
	for _, p := range catalogue.Programs() {
		programs = append(programs, p.Address)
	}
	fetcher, err := fetch.NewFetcher(primary, fallback, fetch.Config{
		Programs:    programs,
		BatchSize:   uint64(cfg.Indexer.BatchSize),
		PageSize:    cfg.Indexer.SignaturePageSize,
		Concurrency: cfg.Indexer.FetchConcurrency,
		Retry: resilience.Policy{
			MaxRetries: cfg.Indexer.MaxRetries,
			BaseDelay:  cfg.Indexer.RetryBaseDelay,
		},
	}, logger.WithComponent(log, "fetcher"), fetch.NewMetrics(reg))
	if err != nil {
		return err
	}

	decoder := events.NewDecoder(catalogue, logger.WithComponent(log, "decoder"), events.NewMetrics(reg))
	applier := processor.NewApplier(store, logger.WithComponent(log, "applier"), processor.NewMetrics(reg), cfg.Indexer.ApplyTimeout)

	var poller indexer.Lease
	if cfg.Lease.Enabled {
		rc := lease.NewClient(cfg.Lease.Addr, cfg.Lease.Password, cfg.Lease.DB)
		defer func() { _ = rc.Close() }()
		hostname, _ := os.Hostname()
		l, err := lease.New(rc, lease.Config{Key: cfg.Lease.Key, TTL: cfg.Lease.TTL, Owner: hostname}, logger.WithComponent(log, "lease"))
		if err != nil {
			return err
		}
		log.Info("Poller lease enabled",
			zap.String("key", cfg.Lease.Key),
			zap.String("owner", l.Owner()),
			zap.Duration("ttl", l.TTL()),
		)
		poller = l
	}

	ix, err := indexer.NewIndexer(store, fetcher, decoder, applier, poller, indexer.Config{
		StartSlot:    cfg.Indexer.StartSlot,
		PollInterval: cfg.Indexer.PollInterval,
		ErrorBackoff: cfg.Indexer.ErrorBackoff,
		DrainLimit:   constants.DefaultOutboxDrainLimit,
		MaxAttempts:  cfg.Indexer.MaxApplyAttempts,
	}, logger.WithComponent(log, "indexer"), indexer.NewMetrics(reg))
	if err != nil {
		return err
	}
	if err := ix.Init(ctx); err != nil {
		return err
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiConfig := api.DefaultConfig()
		apiConfig.Host = cfg.API.Host
		apiConfig.Port = cfg.API.Port
		apiConfig.MaxLag = cfg.Indexer.MaxLag

		apiServer, err = api.NewServer(apiConfig, logger.WithComponent(log, "api"), api.Options{
			Cursor:      ix,
			Status:      fetcher,
			Store:       store,
			RPC:         primary,
			DeadLetters: store,
			Gatherer:    reg,
			Build:       api.BuildInfo{Version: version, Commit: commit, BuildTime: buildTime},
		})
		if err != nil {
			return fmt.Errorf("failed to create ops server: %w", err)
		}
		go func() {
			if err := apiServer.Start(); err != nil {
				log.Error("Ops server failed", zap.Error(err))
			}
		}()
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- ix.Run(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
		// the loop finishes its current tick
		if err := <-errChan; err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}

	log.Info("Shutting down gracefully...")
	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.DefaultShutdownTimeout)
		defer shutdownCancel()
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Error("Failed to stop ops server gracefully", zap.Error(err))
		}
	}

	log.Info("Final statistics", zap.Uint64("cursor_slot", ix.Cursor().Slot))
	return runErr
}

// loadConfig loads configuration from .env, file, environment and flags,
// in increasing precedence
func loadConfig(configFile string, f flags) (*config.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := config.NewConfig()
	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	applyFlags(cfg, f)
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads environment variables from a .env file if it exists.
func loadDotEnv() error {
	info, err := os.Stat(".env")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat .env: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf(".env exists but is a directory")
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// applyFlags applies command-line flags to configuration
func applyFlags(cfg *config.Config, f flags) {
	if f.rpcEndpoint != "" {
		cfg.RPC.Endpoint = f.rpcEndpoint
	}
	if f.fallback != "" {
		cfg.RPC.FallbackEndpoint = f.fallback
	}
	if f.dbURL != "" {
		cfg.Database.URL = f.dbURL
	}
	if f.dbDriver != "" {
		cfg.Database.Driver = f.dbDriver
	}
	if f.startSlot > 0 {
		cfg.Indexer.StartSlot = f.startSlot
	}
	if f.batchSize > 0 {
		cfg.Indexer.BatchSize = f.batchSize
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if f.enableAPI {
		cfg.API.Enabled = true
	}
	if f.apiHost != "" {
		cfg.API.Host = f.apiHost
	}
	if f.apiPort > 0 {
		cfg.API.Port = f.apiPort
	}
	if f.enableLease {
		cfg.Lease.Enabled = true
	}
	if f.redisAddr != "" {
		cfg.Lease.Addr = f.redisAddr
	}
}

// buildCatalogue resolves every configured program against the built-in
// schemas and the optional schema file
func buildCatalogue(cfg *config.Config) (*events.Catalogue, error) {
	var custom map[string]*events.Schema
	if cfg.SchemaFile != "" {
		var err error
		custom, err = events.LoadSchemaFile(cfg.SchemaFile)
		if err != nil {
			return nil, err
		}
	}

	programs := make([]events.Program, 0, len(cfg.Programs))
	for _, p := range cfg.Programs {
		addr, err := ledger.ParseAddress(p.Address)
		if err != nil {
			return nil, fmt.Errorf("program %s: %w", p.Name, err)
		}
		schema, err := events.ResolveSchema(p.Schema, custom)
		if err != nil {
			return nil, fmt.Errorf("program %s: %w", p.Name, err)
		}
		programs = append(programs, events.Program{Name: p.Name, Address: addr, Schema: schema})
	}
	return events.NewCatalogue(programs...)
}

func clientConfig(cfg *config.Config, endpoint string, log *zap.Logger) *client.Config {
	return &client.Config{
		Endpoint:          endpoint,
		Timeout:           cfg.RPC.Timeout,
		Commitment:        cfg.RPC.Commitment,
		RequestsPerSecond: cfg.RPC.RequestsPerSecond,
		Burst:             cfg.RPC.Burst,
		Logger:            logger.WithComponent(log, "client"),
	}
}

// openStore opens the configured store and brings its schema up to date
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	if cfg.Database.Driver == "memory" {
		log.Warn("Using in-memory store; state is lost on exit")
		return storage.NewMemoryStore(logger.WithComponent(log, "storage")), nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	store, err := storage.NewPostgresStore(connectCtx, storage.PostgresConfig{
		URL:             cfg.Database.URL,
		MinConns:        cfg.Database.MinConns,
		MaxConns:        cfg.Database.MaxConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, logger.WithComponent(log, "storage"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := store.Migrate(connectCtx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return store, nil
}
