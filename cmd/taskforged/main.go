// taskforged runs the task-queue processing engine: it wires the
// configured storage backend into an Engine, serves the metrics
// endpoint, and drains cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/macaw2000/taskforge/config"
	"github.com/macaw2000/taskforge/engine"
	"github.com/macaw2000/taskforge/rewards"
	"github.com/macaw2000/taskforge/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	log := logrus.NewEntry(logger)

	kv, cleanup, err := buildBackend(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize storage backend")
	}
	defer cleanup()

	engineCfg := engine.DefaultConfig()
	engineCfg.Scheduler.TickInterval = cfg.TickInterval
	engineCfg.Scheduler.Workers = cfg.Workers
	engineCfg.SnapshotInterval = cfg.SnapshotInterval
	engineCfg.IntegrityCheckInterval = cfg.IntegrityCheckInterval
	engineCfg.PersistenceInterval = cfg.PersistenceInterval
	engineCfg.MemoryBudgetBytes = cfg.MemoryBudgetBytes
	engineCfg.GoroutineBudget = cfg.GoroutineBudget

	eng := engine.New(kv, rewards.NewStandard(), nil, nil, engineCfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go serveMetrics(cfg.MetricsAddr, log)

	log.WithField("backend", cfg.Backend).Info("taskforged starting")
	eng.Run(ctx)
}

func buildBackend(cfg *config.Config, log *logrus.Entry) (store.KV, func(), error) {
	switch cfg.Backend {
	case config.BackendRedis:
		s, err := store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB,
			log.WithField("component", "store"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case config.BackendPostgres:
		s, err := store.NewPostgresStore(context.Background(), cfg.Postgres.ConnString)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}

func serveMetrics(addr string, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("metrics listener stopped")
		os.Exit(1)
	}
}
