// cmd/foreman/main.go
//
// This is the operator CLI for foreman. Each subcommand manipulates the
// shared .foreman tree directly, so any number of foreman processes (and the
// foremand daemon) can work against the same project concurrently.

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/The-Foreman/internal/config"
	"github.com/kingrea/The-Foreman/internal/engine"
	"github.com/kingrea/The-Foreman/internal/journal"
	"github.com/kingrea/The-Foreman/internal/lock"
	"github.com/kingrea/The-Foreman/internal/logging"
	"github.com/kingrea/The-Foreman/internal/notify"
	"github.com/kingrea/The-Foreman/internal/registry"
	"github.com/kingrea/The-Foreman/internal/router"
	"github.com/kingrea/The-Foreman/internal/task"
	"github.com/kingrea/The-Foreman/internal/tui"
	"github.com/kingrea/The-Foreman/rules"
)

const usage = `foreman - filesystem-backed task assignment

Usage:
  foreman init                                       create the .foreman tree
  foreman agent register -id ID [-caps a,b] [-max N] [-max-type type=N]
  foreman agent deregister -id ID
  foreman agent heartbeat -id ID
  foreman agent list
  foreman validate FILE...                           check task files without moving them
  foreman assign -agent ID [-strategy NAME]          pull one task for an agent
  foreman claim -task ID -agent ID                   claim a specific task
  foreman release -task ID -agent ID [-failed]       return a claimed task to intake
  foreman sweep                                      force-release stale claim locks
  foreman status                                     interactive monitor

Global flags (before the subcommand):
  -project DIR   project directory (default: cwd)
  -debug         verbose logging
`

func main() {
	projectFlag := flag.String("project", "", "path to the project directory (defaults to cwd)")
	debugFlag := flag.Bool("debug", false, "enable debug logging")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

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

	logger := logging.New(*debugFlag)
	defer logger.Sync()

	switch args[0] {
	case "init":
		runInit(project)
	case "agent":
		runAgent(project, logger, args[1:])
	case "validate":
		runValidate(project, args[1:])
	case "assign":
		runAssign(project, logger, args[1:])
	case "claim":
		runClaim(project, logger, args[1:])
	case "release":
		runRelease(project, logger, args[1:])
	case "sweep":
		runSweep(project, logger)
	case "status":
		runStatus(project, logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
}

// stack is everything a subcommand needs, built over one project tree.
type stack struct {
	cfg      *config.Config
	registry *registry.Registry
	router   *router.Router
	locks    *lock.Manager
	journal  *journal.Journal
	engine   *engine.Engine
}

func buildStack(project string, logger *zap.Logger) *stack {
	if err := config.InitForemanDir(project); err != nil {
		die("init .foreman: %v", err)
	}
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
	return &stack{cfg: cfg, registry: reg, router: rtr, locks: locks, journal: jnl, engine: eng}
}

func runInit(project string) {
	if err := config.InitForemanDir(project); err != nil {
		die("init .foreman: %v", err)
	}
	fmt.Printf("Initialized %s\n", filepath.Join(project, config.ForemanDir))
}

func runAgent(project string, logger *zap.Logger, args []string) {
	if len(args) == 0 {
		die("agent: expected register|deregister|heartbeat|list")
	}
	switch args[0] {
	case "register":
		fs := flag.NewFlagSet("agent register", flag.ExitOnError)
		id := fs.String("id", "", "agent identifier")
		caps := fs.String("caps", "", "comma-separated capability list")
		maxTasks := fs.Int("max", 1, "max concurrent tasks")
		typeLimits := keyValueFlag{}
		fs.Var(&typeLimits, "max-type", "per-type task limit (type=N, repeatable)")
		fs.Parse(args[1:])
		if *id == "" {
			die("agent register: -id is required")
		}
		limits, err := parseTypeLimits(typeLimits)
		if err != nil {
			die("agent register: %v", err)
		}
		s := buildStack(project, logger)
		err = s.registry.Register(registry.Agent{
			AgentID:            *id,
			Capabilities:       splitList(*caps),
			MaxConcurrentTasks: *maxTasks,
			MaxTasksByType:     limits,
		})
		if err != nil {
			die("register agent: %v", err)
		}
		fmt.Printf("Registered %s\n", *id)
	case "deregister":
		fs := flag.NewFlagSet("agent deregister", flag.ExitOnError)
		id := fs.String("id", "", "agent identifier")
		fs.Parse(args[1:])
		if *id == "" {
			die("agent deregister: -id is required")
		}
		s := buildStack(project, logger)
		if err := s.registry.Deregister(*id); err != nil {
			die("deregister agent: %v", err)
		}
		fmt.Printf("Deregistered %s\n", *id)
	case "heartbeat":
		fs := flag.NewFlagSet("agent heartbeat", flag.ExitOnError)
		id := fs.String("id", "", "agent identifier")
		fs.Parse(args[1:])
		if *id == "" {
			die("agent heartbeat: -id is required")
		}
		s := buildStack(project, logger)
		if err := s.registry.RecordHeartbeat(*id); err != nil {
			die("heartbeat: %v", err)
		}
	case "list":
		s := buildStack(project, logger)
		agents := s.registry.List()
		if len(agents) == 0 {
			fmt.Println("No agents registered.")
			return
		}
		fmt.Printf("%-20s %-12s %-8s %-20s %s\n", "AGENT", "STATUS", "LOAD", "LAST HEARTBEAT", "CAPABILITIES")
		for _, agent := range agents {
			workload, err := s.registry.Workload(agent.AgentID)
			load := "?"
			if err == nil {
				load = fmt.Sprintf("%d/%d", workload, agent.MaxConcurrentTasks)
			}
			fmt.Printf("%-20s %-12s %-8s %-20s %s\n",
				agent.AgentID, agent.Status, load,
				agent.LastHeartbeat.Format(time.RFC3339),
				strings.Join(agent.Capabilities, ","))
		}
	default:
		die("agent: unknown subcommand %q", args[0])
	}
}

func runValidate(project string, paths []string) {
	if len(paths) == 0 {
		die("validate: at least one file is required")
	}
	if err := config.InitForemanDir(project); err != nil {
		die("init .foreman: %v", err)
	}
	cfg, err := config.NewConfig(project)
	if err != nil {
		die("load config: %v", err)
	}
	opts := task.ValidatorOptions{
		RequiredFields:         cfg.Project.Validation.RequiredFields,
		RegisteredTaskTypes:    cfg.Project.Validation.RegisteredTaskTypes,
		AllowUnregisteredTypes: cfg.Project.Validation.AllowUnregisteredTypes,
	}
	failed := false
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			die("read %s: %v", path, err)
		}
		report := task.ValidateTaskFile(raw, opts)
		if report.IsValid() {
			fmt.Printf("%s: ok\n", path)
			continue
		}
		failed = true
		fmt.Printf("%s: %d error(s)\n", path, len(report.Errors))
		for _, msg := range report.Messages() {
			fmt.Printf("  - %s\n", msg)
		}
	}
	if failed {
		os.Exit(1)
	}
}

func runAssign(project string, logger *zap.Logger, args []string) {
	fs := flag.NewFlagSet("assign", flag.ExitOnError)
	agentID := fs.String("agent", "", "agent requesting work")
	strategy := fs.String("strategy", "", "assignment strategy override")
	fs.Parse(args)
	if *agentID == "" {
		die("assign: -agent is required")
	}
	s := buildStack(project, logger)
	if *strategy != "" {
		if err := s.engine.SetStrategy(*strategy); err != nil {
			die("assign: %v", err)
		}
	}
	if err := s.engine.StartWatching(); err != nil {
		die("assign: %v", err)
	}
	defer s.engine.StopWatching()

	assigned, err := s.engine.AssignNextTask(*agentID)
	if err != nil {
		die("assign: %v", err)
	}
	if assigned == nil {
		fmt.Println("No task assigned.")
		return
	}
	fmt.Printf("Assigned %s (%s) to %s\n", assigned.TaskID, assigned.Priority, *agentID)
}

func runClaim(project string, logger *zap.Logger, args []string) {
	fs := flag.NewFlagSet("claim", flag.ExitOnError)
	taskID := fs.String("task", "", "task identifier")
	agentID := fs.String("agent", "", "claiming agent")
	fs.Parse(args)
	if *taskID == "" || *agentID == "" {
		die("claim: -task and -agent are required")
	}
	s := buildStack(project, logger)
	result := s.locks.AttemptClaim(*taskID, *agentID)
	if !result.Success {
		die("claim %s failed: %v", *taskID, result.Err)
	}
	fmt.Printf("Claimed %s for %s\n", *taskID, *agentID)
}

func runRelease(project string, logger *zap.Logger, args []string) {
	fs := flag.NewFlagSet("release", flag.ExitOnError)
	taskID := fs.String("task", "", "task identifier")
	agentID := fs.String("agent", "", "releasing agent")
	failed := fs.Bool("failed", false, "count the release as a failed attempt")
	fs.Parse(args)
	if *taskID == "" || *agentID == "" {
		die("release: -task and -agent are required")
	}
	s := buildStack(project, logger)
	if err := s.engine.ReleaseTask(*taskID, *agentID, *failed); err != nil {
		die("release: %v", err)
	}
	fmt.Printf("Released %s back to intake\n", *taskID)
}

func runSweep(project string, logger *zap.Logger) {
	s := buildStack(project, logger)
	released, err := s.engine.SweepStaleLocks()
	if err != nil {
		die("sweep: %v", err)
	}
	fmt.Printf("Released %d stale lock(s)\n", released)
}

func runStatus(project string, logger *zap.Logger) {
	s := buildStack(project, logger)
	if err := s.engine.StartWatching(); err != nil {
		die("status: %v", err)
	}
	defer s.engine.StopWatching()
	if err := tui.Run(s.engine, s.registry, s.journal); err != nil {
		die("status: %v", err)
	}
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseTypeLimits(kv keyValueFlag) (map[string]int, error) {
	if len(kv) == 0 {
		return nil, nil
	}
	limits := make(map[string]int, len(kv))
	for taskType, raw := range kv {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("limit for %s must be an integer: %v", taskType, err)
		}
		limits[taskType] = n
	}
	return limits, nil
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

type keyValueFlag map[string]string

func (kv *keyValueFlag) String() string {
	if kv == nil || len(*kv) == 0 {
		return ""
	}
	var pairs []string
	for key, value := range *kv {
		pairs = append(pairs, fmt.Sprintf("%s=%s", key, value))
	}
	return strings.Join(pairs, ", ")
}

func (kv *keyValueFlag) Set(value string) error {
	parts := strings.SplitN(value, "=", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	if *kv == nil {
		*kv = keyValueFlag{}
	}
	(*kv)[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	return nil
}
