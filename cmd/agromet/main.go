package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"agromet-quillota/internal/clock"
	"agromet-quillota/internal/config"
	"agromet-quillota/internal/fetcher"
	"agromet-quillota/internal/handlers"
	"agromet-quillota/internal/models"
	"agromet-quillota/internal/notify"
	"agromet-quillota/internal/repository"
	"agromet-quillota/internal/scheduler"
	"agromet-quillota/internal/services"
	"agromet-quillota/internal/snapshot"
	"agromet-quillota/pkg/database"
	"agromet-quillota/pkg/logging"
	"agromet-quillota/pkg/metrics"
)

const version = "1.0.0"

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: agromet <command> [flags]

Commands:
  run      start the scheduler and status API, run until SIGINT/SIGTERM
  cycle    run one ingestion cycle and exit
  prune    delete rows past their retention and exit
  replay   re-run alert rules over stored readings, no fetch, no notifications
  migrate  apply or roll back the database schema

Common flags:
  -config path   configuration file (default config.yaml)
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(services.ExitSetupError)
	}

	// Credentials come from the environment; a local .env is optional.
	_ = godotenv.Load()

	command := os.Args[1]
	args := os.Args[2:]

	var exitCode int
	switch command {
	case "run":
		exitCode = cmdRun(args)
	case "cycle":
		exitCode = cmdCycle(args)
	case "prune":
		exitCode = cmdPrune(args)
	case "replay":
		exitCode = cmdReplay(args)
	case "migrate":
		exitCode = cmdMigrate(args)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		usage()
		exitCode = services.ExitSetupError
	}

	os.Exit(exitCode)
}

// app owns the wired pipeline: config, store handle, adapters and services.
// Every component receives its dependencies explicitly.
type app struct {
	provider *config.Provider
	logger   *logging.StructuredLogger
	metrics  *metrics.Collector
	db       *database.PostgresDB
	store    repository.Store
	cycles   *services.CycleService
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	provider := config.NewProvider(configPath, cfg)

	logger := logging.NewStructuredLogger("agromet", version, logging.ParseLevel(cfg.Logging.Level))
	metricsCollector := metrics.NewCollector("agromet")

	ctx := context.Background()
	logger.Info(ctx, "[STARTUP] Starting agromet pipeline", logging.Fields{
		"version":  version,
		"stations": len(cfg.Stations),
		"db_host":  cfg.Database.Host,
		"db_name":  cfg.Database.Database,
	})

	db, err := database.NewPostgresDB(&database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password(),
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, logger, metricsCollector)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := repository.NewPostgresStore(db, logger, metricsCollector)

	client := fetcher.NewClient(
		cfg.Upstream.BaseURL,
		cfg.Upstream.UserAgent,
		cfg.Upstream.Timeout(),
		fetcher.DefaultBackoff(),
		logger,
		metricsCollector,
	)

	dispatcher := notify.NewDispatcher(store, channelAdapters(cfg, logger), logger, metricsCollector)
	snapshots := snapshot.NewWriter(store, cfg.Paths.SnapshotDir, cfg.Paths.CycleLogFile, logger)

	cycles := services.NewCycleService(
		provider, client, store, dispatcher, snapshots,
		clock.Real(), logger, metricsCollector,
	)

	return &app{
		provider: provider,
		logger:   logger,
		metrics:  metricsCollector,
		db:       db,
		store:    store,
		cycles:   cycles,
	}, nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}

// channelAdapters builds one adapter per globally enabled channel. Until
// provider credentials are wired the log adapter stands in for all three,
// so the routing, rate-limit and delivery bookkeeping stay fully exercised.
func channelAdapters(cfg *config.Config, logger *logging.StructuredLogger) map[models.Channel]notify.Adapter {
	adapters := make(map[models.Channel]notify.Adapter)
	for _, ch := range []models.Channel{models.ChannelSMS, models.ChannelWhatsApp, models.ChannelEmail} {
		if cfg.ChannelEnabled(ch) {
			adapters[ch] = notify.NewLogAdapter(ch, logger)
		}
	}
	return adapters
}

func cmdRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "configuration file")
	fs.Parse(args)

	a, err := newApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return services.ExitSetupError
	}
	defer a.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGHUP reloads the config; a failed reload keeps the running one.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			if err := a.provider.Reload(); err != nil {
				a.logger.Error(ctx, "[RELOAD_ERROR] Config reload failed, keeping previous", nil, err)
				continue
			}
			a.logger.Info(ctx, "[RELOAD] Configuration reloaded", nil)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		a.logger.Info(ctx, "[SHUTDOWN] Signal received, shutting down", nil)
		cancel()
	}()

	server := statusServer(a)
	go func() {
		a.logger.Info(ctx, "[SERVER_START] Status API listening", logging.Fields{
			"address": server.Addr,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error(ctx, "[SERVER_ERROR] Status server failed", nil, err)
			cancel()
		}
	}()

	sched := scheduler.New(a.provider, a.cycles, a.logger, a.metrics)
	runErr := sched.Start(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error(ctx, "[SHUTDOWN_ERROR] Server forced to shutdown", nil, err)
	}

	if runErr != nil {
		a.logger.Error(ctx, "[SHUTDOWN] Exiting on scheduler error", nil, runErr)
		return services.ExitSetupError
	}

	a.logger.Info(ctx, "[SHUTDOWN_COMPLETE] Pipeline stopped", nil)
	return services.ExitOK
}

func statusServer(a *app) *http.Server {
	router := mux.NewRouter()
	handlers.NewStatusHandler(a.provider, a.store, a.logger).RegisterRoutes(router)

	cfg := a.provider.Current()
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func cmdCycle(args []string) int {
	fs := flag.NewFlagSet("cycle", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "configuration file")
	fs.Parse(args)

	a, err := newApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return services.ExitSetupError
	}
	defer a.close()

	summary, err := a.cycles.Run(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cycle failed: %v\n", err)
		return services.ExitSetupError
	}

	return services.ExitCode(summary)
}

func cmdPrune(args []string) int {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "configuration file")
	fs.Parse(args)

	a, err := newApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return services.ExitSetupError
	}
	defer a.close()

	result, err := a.cycles.Prune(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Prune failed: %v\n", err)
		return services.ExitSetupError
	}

	fmt.Printf("Pruned %d readings, %d forecasts, %d alerts\n",
		result.Readings, result.Forecasts, result.Alerts)
	return services.ExitOK
}

func cmdReplay(args []string) int {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "configuration file")
	fromStr := fs.String("from", "", "start date, YYYY-MM-DD (inclusive)")
	toStr := fs.String("to", "", "end date, YYYY-MM-DD (inclusive)")
	fs.Parse(args)

	from, err := time.Parse("2006-01-02", *fromStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -from date: %v\n", err)
		return services.ExitSetupError
	}
	to, err := time.Parse("2006-01-02", *toStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -to date: %v\n", err)
		return services.ExitSetupError
	}
	// Inclusive end date: cover the whole final day.
	to = to.Add(24 * time.Hour)

	a, err := newApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return services.ExitSetupError
	}
	defer a.close()

	result, err := a.cycles.Replay(context.Background(), from.UTC(), to.UTC())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Replay failed: %v\n", err)
		return services.ExitSetupError
	}

	fmt.Printf("Replayed %d readings, generated %d alerts\n",
		result.ReadingsEvaluated, result.AlertsGenerated)
	return services.ExitOK
}

func cmdMigrate(args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "configuration file")
	direction := fs.String("direction", "up", "migration direction: up or down")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return services.ExitSetupError
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.User,
		cfg.Database.Password(),
		cfg.Database.Database,
		cfg.Database.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return services.ExitSetupError
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to ping database: %v\n", err)
		return services.ExitSetupError
	}

	var migrationFile string
	if *direction == "up" {
		migrationFile = "migrations/001_create_schema.up.sql"
	} else {
		migrationFile = "migrations/001_create_schema.down.sql"
	}

	content, err := os.ReadFile(filepath.Join(".", migrationFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read migration file: %v\n", err)
		return services.ExitSetupError
	}

	fmt.Printf("Running migration: %s\n", migrationFile)

	if _, err := db.Exec(string(content)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to execute migration: %v\n", err)
		return services.ExitSetupError
	}

	fmt.Println("Migration completed successfully")
	return services.ExitOK
}
