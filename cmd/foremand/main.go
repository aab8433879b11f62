// cmd/foremand/main.go
//
// foremand is the long-running scheduler daemon: it watches the intake
// folder, keeps the queue warm, periodically sweeps stale claim locks, and
// flags agents whose heartbeats have gone quiet. One daemon per project tree
// is typical, but several are safe; the lock manager arbitrates.

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kingrea/The-Foreman/internal/config"
	"github.com/kingrea/The-Foreman/internal/engine"
	"github.com/kingrea/The-Foreman/internal/journal"
	"github.com/kingrea/The-Foreman/internal/lock"
	"github.com/kingrea/The-Foreman/internal/logging"
	"github.com/kingrea/The-Foreman/internal/notify"
	"github.com/kingrea/The-Foreman/internal/registry"
	"github.com/kingrea/The-Foreman/internal/router"
	"github.com/kingrea/The-Foreman/rules"
)

func main() {
	projectFlag := flag.String("project", "", "path to the project directory (defaults to cwd)")
	debugFlag := flag.Bool("debug", false, "enable debug logging")
	sweepSpec := flag.String("sweep-schedule", "@every 1m", "cron schedule for the stale lock sweep")
	heartbeatGrace := flag.Duration("heartbeat-grace", 5*time.Minute, "mark agents unresponsive after this heartbeat silence")
	flag.Parse()

	project := *projectFlag
	if project == "" {
		cwd, err := os.Getwd()
		if err != nil {
			die("determine working directory: %v", err)
		}
		project = cwd
	}
	project, err := filepath.Abs(project)
	if err != nil {
		die("resolve project dir: %v", err)
	}
	if err := config.InitForemanDir(project); err != nil {
		die("init .foreman: %v", err)
	}

	logger, err := logging.NewFileLogger(project, *debugFlag)
	if err != nil {
		die("init logging: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.NewConfig(project)
	if err != nil {
		die("load config: %v", err)
	}
	reg, err := registry.New(cfg.RegistryPath(), cfg.AgentsDir(), logger)
	if err != nil {
		die("open registry: %v", err)
	}
	rtr := router.New(reg, logger)
	if err := rules.RegisterRoutingRules(rtr, cfg.RulesDir()); err != nil {
		die("load routing rules: %v", err)
	}
	locks := lock.NewManager(cfg.LocksDir(), cfg.IntakeDir(), cfg.AgentsDir(), lock.Options{
		RetryAttempts: cfg.Project.Claims.RetryAttempts,
		Backoff:       cfg.BackoffSchedule(),
	}, logger)
	jnl, err := journal.New(cfg.JournalPath())
	if err != nil {
		die("open journal: %v", err)
	}
	eng := engine.New(cfg, reg, rtr, locks, notify.NewHub(logger), jnl, logger)

	if err := eng.StartWatching(); err != nil {
		die("start watcher: %v", err)
	}
	defer eng.StopWatching()

	// Maintenance schedule. SkipIfStillRunning keeps a slow sweep from
	// piling up behind itself.
	scheduler := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))
	if _, err := scheduler.AddFunc(*sweepSpec, func() {
		released, err := eng.SweepStaleLocks()
		if err != nil {
			logger.Warn("stale lock sweep failed", zap.Error(err))
			return
		}
		if released > 0 {
			logger.Info("stale lock sweep", zap.Int("released", released))
		}
	}); err != nil {
		die("schedule sweep: %v", err)
	}
	if _, err := scheduler.AddFunc("@every 30s", func() {
		checkHeartbeats(reg, *heartbeatGrace, logger)
	}); err != nil {
		die("schedule heartbeat check: %v", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	logger.Info("foremand started",
		zap.String("project", project),
		zap.String("sweep_schedule", *sweepSpec))
	jnl.Info("daemon started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info("shutting down", zap.String("signal", sig.String()))
	jnl.Info("daemon stopped")
}

// checkHeartbeats flags active agents whose last heartbeat is older than the
// grace period. A later heartbeat flips them back to active on its own.
func checkHeartbeats(reg *registry.Registry, grace time.Duration, logger *zap.Logger) {
	cutoff := time.Now().UTC().Add(-grace)
	for _, agent := range reg.ListActiveAgents() {
		if agent.LastHeartbeat.After(cutoff) {
			continue
		}
		if err := reg.MarkUnresponsive(agent.AgentID); err != nil {
			logger.Warn("mark unresponsive failed",
				zap.String("agent_id", agent.AgentID), zap.Error(err))
			continue
		}
		logger.Warn("agent unresponsive",
			zap.String("agent_id", agent.AgentID),
			zap.Time("last_heartbeat", agent.LastHeartbeat))
	}
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
