// Dispatch core entry point: loads configuration, wires the router,
// preservation layer, fallback adapter, and handoff engine, and exposes
// Prometheus metrics.
//
//	dispatch serve --config dispatch.yaml
//	dispatch version
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexusflow/dispatch/bus"
	"github.com/nexusflow/dispatch/config"
	"github.com/nexusflow/dispatch/fallback"
	"github.com/nexusflow/dispatch/fidelity"
	"github.com/nexusflow/dispatch/handoff"
	"github.com/nexusflow/dispatch/history"
	"github.com/nexusflow/dispatch/internal/metrics"
	"github.com/nexusflow/dispatch/internal/telemetry"
	"github.com/nexusflow/dispatch/logging"
	"github.com/nexusflow/dispatch/preserve"
	"github.com/nexusflow/dispatch/router"
	"github.com/nexusflow/dispatch/types"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
		configPath := serveCmd.String("config", "", "path to the YAML config file")
		serveCmd.Parse(os.Args[2:])
		if err := serve(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "dispatch: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("dispatch %s (built %s)\n", Version, BuildTime)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: dispatch <serve|version> [flags]")
}

func serve(configPath string) error {
	cfg, err := config.NewLoader().WithConfigPath(configPath).Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(ctx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	events := bus.New(logger)
	defer events.Stop()

	collector := metrics.NewCollector("dispatch", logger)
	tracker := fidelity.NewTracker(events, collector, logger)
	defer tracker.Close()

	store, closeStore, err := buildStore(cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	preserver := preserve.NewManager(store, logger, events, preserve.WithCollector(collector))
	adapter := fallback.NewAdapter(fallback.DefaultConfig(), logger, events, fallback.WithCollector(collector))
	rt := router.New(logger, router.WithCollector(collector))
	registerDefaultAgents(rt)

	opts := []handoff.Option{
		handoff.WithCollector(collector),
		handoff.WithTracker(tracker),
	}
	if cfg.History.Enabled {
		hist, err := history.Open(cfg.History.Path, logger)
		if err != nil {
			return err
		}
		opts = append(opts, handoff.WithHistory(hist))
	}

	engine, err := handoff.NewEngine(cfg.Handoff, rt, preserver, adapter, events, logger, opts...)
	if err != nil {
		return err
	}
	engine.LoadFromEnvironment()

	dispatcher := newDispatcher(engine, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/dispatch", dispatcher)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		report := engine.CheckConfigHealth()
		if !report.IsValid {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		fmt.Fprintf(w, "valid=%v errors=%v\n", report.IsValid, report.Errors)
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: mux,
	}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(ctx)
}

// registerDefaultAgents seeds the router with the standard worker pool.
// Deployments register their own agents through the engine's router.
func registerDefaultAgents(rt *router.Router) {
	rt.RegisterAgent(&types.Agent{
		ID: "coder-1", Type: types.AgentTypeCoder, Name: "Coder",
		Expertise: []string{"code", "refactor", "implement"}, Capacity: 5,
	})
	rt.RegisterAgent(&types.Agent{
		ID: "reviewer-1", Type: types.AgentTypeReviewer, Name: "Reviewer",
		Expertise: []string{"review", "lint", "style"}, Capacity: 5,
	})
	rt.RegisterAgent(&types.Agent{
		ID: "researcher-1", Type: types.AgentTypeResearcher, Name: "Researcher",
		Expertise: []string{"research", "search", "summarize"}, Capacity: 5,
	})
}

// buildStore picks the context store backend: redis when enabled, else
// in-process memory.
func buildStore(cfg config.RedisConfig, logger *zap.Logger) (preserve.Store, func(), error) {
	if !cfg.Enabled {
		return preserve.NewMemoryStore(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}

	logger.Info("using redis context store", zap.String("addr", cfg.Addr))
	return preserve.NewRedisStore(client, cfg.TTL), func() { client.Close() }, nil
}
