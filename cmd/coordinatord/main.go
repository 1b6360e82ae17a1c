// Command coordinatord hosts the coordination core's background-loop
// components: the Signal Deduplicator's durable sweep, the Balance
// Manager's venue pollers and reservation sweeper, the Worker
// Coordinator's liveness sweep, and the Process Monitor's metrics/health/
// alert loops. The Rate Limiter and Transaction Orchestrator expose no
// background loop of their own -- they're called synchronously from the
// request path of whatever service embeds this module, so this daemon
// only constructs the four it must drive on a timer. The startup/
// shutdown sequence (flags, config, logger, wire dependencies, start
// background loops, wait for signal, stop cooperatively) follows the
// example corpus's host-wiring idiom (aristath/sentinel's
// cmd/server/main.go).
package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/redis/go-redis/v9"

	"github.com/obertruper/botcore/internal/balance"
	"github.com/obertruper/botcore/internal/config"
	"github.com/obertruper/botcore/internal/dedup"
	"github.com/obertruper/botcore/internal/kvshadow"
	"github.com/obertruper/botcore/internal/money"
	"github.com/obertruper/botcore/internal/monitor"
	"github.com/obertruper/botcore/internal/obslog"
	"github.com/obertruper/botcore/internal/txn/dialect"
	"github.com/obertruper/botcore/internal/worker"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to an optional TOML config overlay")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		obslog.New(os.Stderr, logiface.LevelError).Err().Err(err).Log("failed to load configuration")
		os.Exit(1)
	}

	log := obslog.New(os.Stdout, loggerLevel(os.Getenv("BOTCORE_LOG_LEVEL")))
	log.Info().Log("starting coordinatord")

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Err().Err(err).Log("failed to open database")
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	dl := dialectFor(cfg.Database.Driver)

	var kv *kvshadow.Store
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		kv = kvshadow.New(client, log)
	} else {
		kv = kvshadow.New(nil, log)
	}

	dedupCfg := dedup.Config{
		TTL:             cfg.Dedup.TTL,
		LocalCacheCap:   cfg.Dedup.LocalCacheCap,
		SweepInterval:   cfg.Dedup.SweepInterval,
		DurableRetained: cfg.Dedup.DurableRetained,
	}
	deduplicator := dedup.New(dedupCfg, db, dl, kv, log)

	minimumResidual, err := money.NewFromString(cfg.Balance.MinimumResidual)
	if err != nil {
		log.Err().Err(err).Log("invalid balance.minimum_residual in config")
		os.Exit(1)
	}
	balanceCfg := balance.Config{
		MinimumResidual: minimumResidual,
		PollInterval:    cfg.Balance.PollInterval,
		SweepInterval:   cfg.Balance.SweepInterval,
		StalenessLimit:  cfg.Balance.StalenessFailClosed,
		FailClosedStale: cfg.Balance.StalenessFailClosed > 0,
	}
	balanceManager := balance.New(balanceCfg, nil, kv, log) // exchange clients wired by the deployment, not this daemon

	workerCfg := worker.Config{
		HeartbeatTimeout: cfg.Worker.HeartbeatTimeout,
		CleanupInterval:  cfg.Worker.CleanupInterval,
		IdleTimeout:      5 * time.Minute,
	}
	workerCoordinator := worker.New(workerCfg, log)

	monitorCfg := monitor.DefaultConfig()
	monitorCfg.MetricsInterval = cfg.Monitor.MonitoringInterval
	monitorCfg.HealthInterval = cfg.Monitor.HealthInterval
	monitorCfg.AlertInterval = cfg.Monitor.AlertInterval
	monitorCfg.CleanupInterval = cfg.Monitor.CleanupInterval
	monitorCfg.DiskMount = cfg.Monitor.DiskMountPoint
	monitorCfg.RingBufferSize = cfg.Monitor.RingBufferSize
	monitorCfg.HeartbeatTimeout = cfg.Worker.HeartbeatTimeout
	processMonitor := monitor.New(monitorCfg, db, kv, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deduplicator.Start(ctx)
	balanceManager.Start(ctx)
	processMonitor.Start(ctx)

	stopCh := make(chan struct{})
	workerCoordinator.Start(stopCh)

	log.Info().Log("coordinatord ready")

	<-ctx.Done()
	log.Info().Log("shutdown signal received, stopping components")

	close(stopCh)
	workerCoordinator.Stop()
	processMonitor.Stop()
	balanceManager.Stop()
	deduplicator.Stop()

	log.Info().Log("coordinatord stopped")
}

func loggerLevel(name string) logiface.Level {
	switch name {
	case "debug":
		return logiface.LevelDebug
	case "error":
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

func dialectFor(driver string) dialect.Dialect {
	if driver == "mysql" {
		return dialect.MySQL{}
	}
	return dialect.Postgres{}
}
