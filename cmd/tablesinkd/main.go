package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/route-beacon/tablesink/internal/catalog"
	"github.com/route-beacon/tablesink/internal/config"
	"github.com/route-beacon/tablesink/internal/connector"
	"github.com/route-beacon/tablesink/internal/controlchannel"
	"github.com/route-beacon/tablesink/internal/coordinator"
	tablesinkhttp "github.com/route-beacon/tablesink/internal/http"
	"github.com/route-beacon/tablesink/internal/metrics"
	"github.com/route-beacon/tablesink/internal/offset"
	"github.com/route-beacon/tablesink/internal/routing"
	"github.com/route-beacon/tablesink/internal/tablewriter"
	"github.com/route-beacon/tablesink/internal/worker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: tablesinkd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the sink connector")
	fmt.Println("  migrate   Run catalog database migrations")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

// buildCatalogAndPool wires the configured catalog backend, returning the
// catalog plus (for postgres) the pool to expose as the readiness checker
// and to close on shutdown.
func buildCatalogAndPool(ctx context.Context, cfg *config.Config, logger *zap.Logger) (catalog.Catalog, *connectorPool, error) {
	switch cfg.Catalog.Backend {
	case "postgres":
		pool, err := catalog.NewPGPool(ctx, cfg.Catalog.Postgres.DSN, cfg.Catalog.Postgres.MaxConns, cfg.Catalog.Postgres.MinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to catalog database: %w", err)
		}
		return catalog.NewPGCatalog(pool, logger.Named("catalog")), &connectorPool{pool: pool}, nil
	default:
		return catalog.NewMemoryCatalog(), nil, nil
	}
}

// connectorPool wraps an optional *pgxpool.Pool so runServe can close it
// without importing pgxpool directly at the top level.
type connectorPool struct {
	pool interface {
		Ping(ctx context.Context) error
		Close()
	}
}

func (p *connectorPool) Ping(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return fmt.Errorf("no catalog database configured")
	}
	return p.pool.Ping(ctx)
}

func (p *connectorPool) Close() {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
}

// buildRouter constructs this task's routing.Router from tables config,
// wrapping a dynamic existence check in the worker's own per-round
// cache.
func buildRouter(cfg *config.Config, w *worker.Worker, cat catalog.Catalog) (routing.Router, error) {
	if cfg.Tables.DynamicEnabled {
		exists := func(ctx context.Context, identifier string) (bool, error) {
			return cat.TableExists(ctx, identifier)
		}
		return routing.DynamicRouter{RouteField: cfg.Tables.RouteField, Exists: w.CachedTableExists(exists)}, nil
	}
	if cfg.Tables.RouteField != "" {
		return routing.NewRegexRouter(cfg.Tables.RouteField, cfg.Tables.RouteRegex)
	}
	return routing.AllTablesRouter{Tables: cfg.Tables.Names}, nil
}

// coordinatorPartitions adapts the connector's live assignment to
// coordinator.SourcePartitions. conn is filled in after the connector is
// constructed — the Coordinator must exist first so it can be passed into
// connector.New, so this starts as a forward reference.
type coordinatorPartitions struct {
	conn *connector.Connector
}

func (c *coordinatorPartitions) All(_ context.Context) ([]offset.TopicPartition, error) {
	return c.conn.CurrentPartitions(), nil
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting tablesinkd",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.Bool("is_leader", cfg.Service.IsLeader),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cat, pool, err := buildCatalogAndPool(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize catalog", zap.Error(err))
	}
	if pool != nil {
		defer pool.Close()
	}

	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		logger.Fatal("failed to build TLS config", zap.Error(err))
	}
	saslMech := cfg.Kafka.BuildSASLMechanism()

	workerTransport, err := controlchannel.NewWorkerTransport(controlchannel.Options{
		Brokers:         cfg.Kafka.Brokers,
		ClientID:        cfg.Kafka.ClientID + "-worker",
		ControlTopic:    cfg.Control.Topic,
		ControlGroupID:  cfg.Control.GroupID,
		ConsumerGroupID: cfg.Control.GroupID,
		TLS:             tlsCfg,
		SASL:            saslMech,
		Logger:          logger.Named("controlchannel.worker"),
	})
	if err != nil {
		logger.Fatal("failed to create worker control channel transport", zap.Error(err))
	}
	workerChannel := controlchannel.New("worker", workerTransport, logger.Named("controlchannel.worker"))

	writers := &tablewriter.LocalWriterFactory{
		StageDir:  cfg.Catalog.StageDir,
		Converter: tablewriter.IdentityConverter{},
	}

	w := worker.New(workerChannel, routing.AllTablesRouter{}, writers, cfg.Source.GroupID, logger.Named("worker"))
	router, err := buildRouter(cfg, w, cat)
	if err != nil {
		logger.Fatal("failed to build routing table", zap.Error(err))
	}
	w.SetRouter(router)

	var coord *coordinator.Coordinator
	var coordPartitions *coordinatorPartitions
	if cfg.Service.IsLeader {
		coordTransport, err := controlchannel.NewCoordinatorTransport(controlchannel.Options{
			Brokers:         cfg.Kafka.Brokers,
			ClientID:        cfg.Kafka.ClientID + "-coordinator",
			ControlTopic:    cfg.Control.Topic,
			ControlGroupID:  cfg.Control.GroupID,
			ConsumerGroupID: cfg.Control.GroupID,
			TLS:             tlsCfg,
			SASL:            saslMech,
			Logger:          logger.Named("controlchannel.coordinator"),
		})
		if err != nil {
			logger.Fatal("failed to create coordinator control channel transport", zap.Error(err))
		}
		coordChannel := controlchannel.New("coordinator", coordTransport, logger.Named("controlchannel.coordinator"))
		coordPartitions = &coordinatorPartitions{}
		coord = coordinator.New(coordChannel, cat, coordPartitions, cfg.Source.GroupID,
			cfg.CommitInterval(), cfg.CommitTimeout(), logger.Named("coordinator"))
	}

	conn, err := connector.New(connector.Options{
		Brokers:       cfg.Kafka.Brokers,
		ClientID:      cfg.Kafka.ClientID + "-source",
		SourceGroupID: cfg.Source.GroupID,
		SourceTopics:  cfg.Source.Topics,
		FetchMaxBytes: cfg.Kafka.FetchMaxBytes,
		TLS:           tlsCfg,
		SASL:          saslMech,
		PollInterval:  cfg.PollInterval(),
	}, w, coord, logger.Named("connector"))
	if err != nil {
		logger.Fatal("failed to create connector", zap.Error(err))
	}
	if coordPartitions != nil {
		coordPartitions.conn = conn
	}

	var catalogChecker tablesinkhttp.CatalogChecker
	if pool != nil {
		catalogChecker = pool
	}
	httpServer := tablesinkhttp.NewServer(cfg.Service.HTTPListen, catalogChecker, conn, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	runDone := make(chan error, 1)
	go func() { runDone <- conn.Run(ctx) }()

	logger.Info("connector and HTTP server started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	runExited := false
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-runDone:
		runExited = true
		if err != nil {
			logger.Error("connector stopped with error", zap.Error(err))
		}
	}

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()

	done := make(chan struct{})
	go func() {
		if !runExited {
			<-runDone
		}
		conn.Stop(shutdownCtx)
		close(done)
	}()

	select {
	case <-done:
		logger.Info("connector stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, connector may not have finished")
	}

	logger.Info("tablesinkd stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Catalog.Postgres.DSN)),
	)

	ctx := context.Background()
	pool, err := catalog.NewPGPool(ctx, cfg.Catalog.Postgres.DSN, cfg.Catalog.Postgres.MaxConns, cfg.Catalog.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := catalog.Migrate(ctx, pool, migrationsDir(), logger.Named("catalog")); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
