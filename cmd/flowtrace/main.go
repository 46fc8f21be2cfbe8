// Command flowtrace runs workflow definitions: it scans open records for
// timeout jumps and global timeout triggers (serve mode), replays recorded
// test suites against fresh records (replay mode), and compiles a record's
// trace into a test suite (compile mode).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/casevia/flowtrace/internal/clock"
	"github.com/casevia/flowtrace/internal/config"
	"github.com/casevia/flowtrace/internal/definition"
	"github.com/casevia/flowtrace/internal/engine"
	"github.com/casevia/flowtrace/internal/observability"
	"github.com/casevia/flowtrace/internal/replay"
	"github.com/casevia/flowtrace/model"
)

// Populated at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "", "path to the configuration file")
		mode        = flag.String("mode", "serve", "operating mode: serve, replay, or compile")
		suitePath   = flag.String("suite", "", "replay: path to the test suite JSON")
		recordPath  = flag.String("record", "", "replay, compile: path to the record JSON")
		usersPath   = flag.String("users", "", "replay: path to the user directory JSON")
		workflowID  = flag.String("workflow", "", "replay, compile: workflow ID, defaults to the record's")
		receiverID  = flag.String("receiver", "", "replay: user ID standing in for the receiver function")
		metricsAddr = flag.String("metrics-addr", ":9090", "serve: listen address of the metrics endpoint")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("flowtrace %s (%s)\n", version, commit)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowtrace: %v\n", err)
		return 1
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowtrace: logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("starting flowtrace",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("mode", *mode))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	ctx = observability.WithLogger(ctx, logger)

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "flowtrace", version)
	if err != nil {
		logger.Error("tracing init failed", zap.Error(err))
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	registry, err := loadDefinitions(cfg, logger, metrics)
	if err != nil {
		logger.Error("loading workflow definitions failed", zap.Error(err))
		return 1
	}
	logger.Info("workflow definitions loaded",
		zap.Int("count", registry.Len()),
		zap.String("checksum", registry.Checksum()))

	switch *mode {
	case "serve":
		return runServe(ctx, cfg, logger, metrics, registry, *metricsAddr)
	case "replay":
		return runReplay(ctx, logger, metrics, registry, replayArgs{
			suitePath:  *suitePath,
			recordPath: *recordPath,
			usersPath:  *usersPath,
			workflowID: *workflowID,
			receiverID: *receiverID,
		})
	case "compile":
		return runCompile(logger, registry, *recordPath, *workflowID)
	default:
		fmt.Fprintf(os.Stderr, "flowtrace: unknown mode %q (serve, replay, compile)\n", *mode)
		return 2
	}
}

func loadDefinitions(cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) (*definition.Registry, error) {
	defs, err := definition.NewLoader().LoadAll(cfg.Definitions.Directories)
	if err != nil {
		return nil, err
	}
	if errs := definition.NewValidator().Validate(defs); len(errs) > 0 {
		for _, ve := range errs {
			logger.Error("invalid workflow definition",
				zap.String("path", ve.Path),
				zap.String("code", ve.Code),
				zap.String("message", ve.Message))
		}
		metrics.RecordDefinitionReload("failure")
		return nil, fmt.Errorf("%d validation errors", len(errs))
	}
	return definition.NewRegistry(defs, metrics), nil
}

// buildStore constructs the record store named by the config, returning a
// closer for the serve loop's shutdown path.
func buildStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (engine.RecordStore, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		return engine.NewMemoryStore(), func() {}, nil
	case "postgres":
		dsn := os.Getenv(cfg.Store.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("environment variable %s is empty", cfg.Store.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing dsn: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Store.MaxOpenConns)
		poolCfg.MaxConnLifetime = cfg.Store.ConnMaxLifetime
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pinging: %w", err)
		}
		logger.Info("connected to postgres", zap.Int("max_conns", cfg.Store.MaxOpenConns))
		return engine.NewPgStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

// runServe runs the periodic timeout scan over every open record of every
// loaded workflow until the context is cancelled.
func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics, registry *definition.Registry, metricsAddr string) int {
	store, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store init failed", zap.Error(err))
		return 1
	}
	defer closeStore()

	env := &engine.Env{
		Clock:   clock.System{},
		Store:   store,
		Logger:  logger,
		Metrics: metrics,
	}

	var metricsSrv *http.Server
	if cfg.Observability.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Observability.Metrics.Path, observability.Handler())
		metricsSrv = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening",
				zap.String("addr", metricsAddr),
				zap.String("path", cfg.Observability.Metrics.Path))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	interval := scanInterval(cfg.Engine.TimeoutScanInterval, registry)
	logger.Info("timeout scan loop starting", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			if metricsSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
					logger.Warn("metrics endpoint shutdown", zap.Error(err))
				}
			}
			return 0
		case <-ticker.C:
			scanAll(ctx, env, registry, logger)
		}
	}
}

// scanInterval picks the loop interval: the configured base, tightened to
// the smallest timeout jump delay across all loaded workflows when one is
// shorter than the base.
func scanInterval(base time.Duration, registry *definition.Registry) time.Duration {
	interval := base
	for _, wf := range registry.All() {
		if d, ok := engine.New(wf).MinJumpsDelay(base); ok && d < interval {
			interval = d
		}
	}
	return interval
}

func scanAll(ctx context.Context, env *engine.Env, registry *definition.Registry, logger *zap.Logger) {
	for _, wf := range registry.All() {
		eng := engine.New(wf)
		if err := eng.ScanTimeouts(ctx, env, env.Store); err != nil {
			logger.Error("timeout scan failed",
				zap.String("workflow_id", wf.ID), zap.Error(err))
		}
		if err := eng.ApplyGlobalTimeouts(ctx, env, env.Store); err != nil {
			logger.Error("global timeout pass failed",
				zap.String("workflow_id", wf.ID), zap.Error(err))
		}
	}
}

type replayArgs struct {
	suitePath  string
	recordPath string
	usersPath  string
	workflowID string
	receiverID string
}

// runReplay loads a suite, a record, and a user directory from JSON files
// and replays the suite against the record under a stepped clock.
func runReplay(ctx context.Context, logger *zap.Logger, metrics *observability.Metrics, registry *definition.Registry, args replayArgs) int {
	if args.suitePath == "" || args.recordPath == "" {
		fmt.Fprintln(os.Stderr, "flowtrace: replay mode needs -suite and -record")
		return 2
	}

	rec, err := loadRecord(args.recordPath)
	if err != nil {
		logger.Error("loading record failed", zap.Error(err))
		return 1
	}
	wf, err := resolveWorkflow(registry, args.workflowID, rec)
	if err != nil {
		logger.Error("resolving workflow failed", zap.Error(err))
		return 1
	}

	var suite replay.Suite
	if err := loadJSON(args.suitePath, &suite); err != nil {
		logger.Error("loading suite failed", zap.Error(err))
		return 1
	}

	users := model.StaticDirectory{}
	if args.usersPath != "" {
		if err := loadJSON(args.usersPath, &users); err != nil {
			logger.Error("loading user directory failed", zap.Error(err))
			return 1
		}
	}

	fake := clock.NewFake(rec.CreatedAt)
	rt := &replay.Runtime{
		Engine: engine.New(wf),
		Env: &engine.Env{
			Clock:   fake,
			Users:   users,
			Store:   engine.NewMemoryStore(),
			Sinks:   &engine.Sinks{},
			Logger:  logger,
			Metrics: metrics,
		},
		Clock:      fake,
		ReceiverID: args.receiverID,
	}

	if err := suite.Run(ctx, rt, rec); err != nil {
		var te *model.TestError
		if errors.As(err, &te) {
			logger.Error("replay failed",
				zap.String("workflow_id", wf.ID),
				zap.String("record_id", rec.ID),
				zap.String("code", te.Code),
				zap.String("action_uuid", te.ActionUUID),
				zap.Strings("details", te.Details),
				zap.String("message", te.Message))
		} else {
			logger.Error("replay failed", zap.Error(err))
		}
		return 1
	}

	logger.Info("replay passed",
		zap.String("workflow_id", wf.ID),
		zap.String("record_id", rec.ID),
		zap.Int("actions", len(suite.Actions)))
	return 0
}

// runCompile turns a record's workflow trace into a test suite and writes
// the suite JSON to stdout.
func runCompile(logger *zap.Logger, registry *definition.Registry, recordPath, workflowID string) int {
	if recordPath == "" {
		fmt.Fprintln(os.Stderr, "flowtrace: compile mode needs -record")
		return 2
	}
	rec, err := loadRecord(recordPath)
	if err != nil {
		logger.Error("loading record failed", zap.Error(err))
		return 1
	}
	wf, err := resolveWorkflow(registry, workflowID, rec)
	if err != nil {
		logger.Error("resolving workflow failed", zap.Error(err))
		return 1
	}

	suite, err := (&replay.Compiler{Workflow: wf}).Compile(rec)
	if err != nil {
		logger.Error("compiling trace failed", zap.Error(err))
		return 1
	}
	out, err := json.MarshalIndent(suite, "", "  ")
	if err != nil {
		logger.Error("encoding suite failed", zap.Error(err))
		return 1
	}
	fmt.Println(string(out))
	return 0
}

func loadRecord(path string) (*model.Record, error) {
	rec := &model.Record{}
	if err := loadJSON(path, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func resolveWorkflow(registry *definition.Registry, workflowID string, rec *model.Record) (*model.Workflow, error) {
	id := workflowID
	if id == "" {
		id = rec.WorkflowID
	}
	wf, ok := registry.Workflow(id)
	if !ok {
		return nil, fmt.Errorf("workflow %q is not loaded", id)
	}
	return wf, nil
}

func loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
