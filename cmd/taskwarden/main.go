package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskwarden/internal/audit"
	"github.com/basket/taskwarden/internal/bus"
	"github.com/basket/taskwarden/internal/config"
	"github.com/basket/taskwarden/internal/cron"
	"github.com/basket/taskwarden/internal/doctor"
	"github.com/basket/taskwarden/internal/orchestrator"
	otelPkg "github.com/basket/taskwarden/internal/otel"
	"github.com/basket/taskwarden/internal/store"
	"github.com/basket/taskwarden/internal/submit"
	"github.com/basket/taskwarden/internal/telemetry"
	"github.com/basket/taskwarden/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s daemon                   Run the supervisor (workers, recovery, metrics)

SUBCOMMANDS:
  %s submit [options]         Enqueue a task
                              Options: --name --description --class --priority
                                       --working-dir --dedup-key
  %s list [status]            List tasks, optionally filtered by status
  %s cancel <task-id>         Cancel a task
  %s pause <task-id>          Pause a processing task (operator-only; never
                              set automatically by the Arbiter or recovery)
  %s resume <task-id>         Resume a paused task back to pending
  %s schedule <action>        Manage periodic submissions
                              Actions: add, remove, list, enable, disable
  %s doctor [-json]           Run startup diagnostics
  %s monitor                  Live dashboard over the metrics websocket

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "daemon":
		os.Exit(runDaemon(ctx))
	case "submit":
		os.Exit(runSubmit(ctx, args[1:]))
	case "list":
		os.Exit(runList(ctx, args[1:]))
	case "cancel":
		os.Exit(runCancel(ctx, args[1:]))
	case "pause":
		os.Exit(runPause(ctx, args[1:]))
	case "resume":
		os.Exit(runResume(ctx, args[1:]))
	case "schedule":
		os.Exit(runSchedule(ctx, args[1:]))
	case "doctor":
		os.Exit(runDoctor(ctx, args[1:]))
	case "monitor":
		os.Exit(runMonitor(ctx, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("fatal startup error", "code", code, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "[%s] %v\n", code, err)
	}
	os.Exit(1)
}

// runDaemon wires the full supervisor: config, audit, structured logging,
// the event bus, OpenTelemetry, the Store, and the orchestrator that
// composes every subsystem (workers, security gate, rate-limit arbiter,
// recovery loop, metrics surface, alert channel).
func runDaemon(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("TASKWARDEN_NO_LOG_QUIET") == ""
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded")

	eventBus := bus.New()

	provider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer provider.Shutdown(ctx)

	st, err := store.Open(store.DefaultDBPath(cfg.HomeDir), eventBus, nil)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	recovered, err := st.ResumeWaitingUnban(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "resumed", recovered)

	binaryPath, err := os.Executable()
	if err != nil || binaryPath == "" {
		binaryPath = "taskwarden"
	}

	orch, err := orchestrator.New(ctx, cfg, st, orchestrator.Deps{
		EventBus:   eventBus,
		Logger:     logger,
		Provider:   provider,
		BinaryPath: binaryPath,
	})
	if err != nil {
		fatalStartup(logger, "E_ORCHESTRATOR_INIT", err)
	}

	watcher := config.NewWatcher(cfg.HomeDir, cfg.CrontabPath, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				logger.Info("config change detected; restart daemon to apply", "path", ev.Path)
			}
		}()
	}

	logger.Info("daemon starting", "version", Version, "num_workers", cfg.NumWorkers, "bind_addr", cfg.Metrics.Addr)
	if err := orch.Run(ctx); err != nil {
		logger.Error("daemon exited with error", "error", err)
		return 1
	}
	logger.Info("daemon shut down cleanly")
	return 0
}

func openStoreForCLI(cfg config.Config) (*store.Store, error) {
	return store.Open(store.DefaultDBPath(cfg.HomeDir), bus.New(), nil)
}

// runSubmit implements the submission CLI surface: payload validation
// (exit code 2), Store insertion failure (exit code 3), success (exit 0
// with the new task's id printed to stdout).
func runSubmit(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	name := fs.String("name", "", "short task name")
	description := fs.String("description", "", "task description / prompt")
	class := fs.String("class", "lightweight", "task class: lightweight|medium_context|heavy_context")
	priority := fs.String("priority", "normal", "priority: low|normal|high|urgent")
	workingDir := fs.String("working-dir", "", "working directory for the task")
	dedupKey := fs.String("dedup-key", "", "idempotency key; a duplicate submission is a no-op")
	_ = fs.Parse(args)

	payload := submit.Payload{
		Name:        *name,
		Description: *description,
		Class:       *class,
		Priority:    *priority,
		WorkingDir:  *workingDir,
		DedupKey:    *dedupKey,
	}
	if err := submit.Validate(payload); err != nil {
		fmt.Fprintf(os.Stderr, "validation error: %v\n", err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		return 3
	}
	st, err := openStoreForCLI(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store open error: %v\n", err)
		return 3
	}
	defer st.Close()

	prio, ok := store.ParsePriority(payload.Priority)
	if !ok {
		fmt.Fprintf(os.Stderr, "validation error: invalid priority %q\n", payload.Priority)
		return 2
	}

	task, err := st.Submit(ctx, store.TaskSpec{
		Name:        payload.Name,
		Description: payload.Description,
		Command:     submit.BuildCommand(cfg.AgentCLIPath, cfg.ClassToolAllowlist, payload.Class, payload.Description, payload.WorkingDir),
		Class:       store.TaskClass(payload.Class),
		Priority:    prio,
		MaxAttempts: cfg.MaxAttempts,
		WorkingDir:  payload.WorkingDir,
		DedupKey:    payload.DedupKey,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit error: %v\n", err)
		return 3
	}
	fmt.Println(task.ID)
	return 0
}

func runList(ctx context.Context, args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		return 3
	}
	st, err := openStoreForCLI(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store open error: %v\n", err)
		return 3
	}
	defer st.Close()

	var status store.TaskStatus
	if len(args) > 0 {
		status = store.TaskStatus(args[0])
	}
	tasks, err := st.ListTasks(ctx, status, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "list error: %v\n", err)
		return 3
	}
	for _, t := range tasks {
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Class, t.Priority, t.Name)
	}
	return 0
}

func runCancel(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: taskwarden cancel <task-id>")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		return 3
	}
	st, err := openStoreForCLI(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store open error: %v\n", err)
		return 3
	}
	defer st.Close()

	task, err := st.Cancel(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "cancel error: %v\n", err)
		return 3
	}
	fmt.Printf("%s cancelled (was %s)\n", task.ID, task.Status)
	return 0
}

func runPause(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: taskwarden pause <task-id>")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		return 3
	}
	st, err := openStoreForCLI(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store open error: %v\n", err)
		return 3
	}
	defer st.Close()

	task, err := st.Pause(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "pause error: %v\n", err)
		return 3
	}
	fmt.Printf("%s paused\n", task.ID)
	return 0
}

func runResume(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: taskwarden resume <task-id>")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		return 3
	}
	st, err := openStoreForCLI(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store open error: %v\n", err)
		return 3
	}
	defer st.Close()

	task, err := st.Resume(ctx, args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "resume error: %v\n", err)
		return 3
	}
	fmt.Printf("%s resumed (pending)\n", task.ID)
	return 0
}

func runSchedule(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: taskwarden schedule <add|remove|list|enable|disable> ...")
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		return 3
	}
	st, err := openStoreForCLI(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store open error: %v\n", err)
		return 3
	}
	defer st.Close()

	binaryPath, err := os.Executable()
	if err != nil || binaryPath == "" {
		binaryPath = "taskwarden"
	}
	mgr := cron.NewManager(st, slog.Default(), binaryPath)

	switch strings.ToLower(args[0]) {
	case "add":
		fs := flag.NewFlagSet("schedule add", flag.ExitOnError)
		name := fs.String("name", "", "schedule name")
		description := fs.String("description", "", "task description / prompt")
		class := fs.String("class", "lightweight", "task class")
		priority := fs.String("priority", "normal", "priority")
		cronExpr := fs.String("cron", "", "5-field cron expression")
		workingDir := fs.String("working-dir", "", "working directory")
		_ = fs.Parse(args[1:])

		prio, ok := store.ParsePriority(*priority)
		if !ok {
			fmt.Fprintf(os.Stderr, "invalid priority %q\n", *priority)
			return 2
		}
		sched, err := mgr.AddSchedule(ctx, store.Schedule{
			Name:        *name,
			Description: *description,
			Class:       store.TaskClass(*class),
			Priority:    prio,
			CronExpr:    *cronExpr,
			WorkingDir:  *workingDir,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "schedule add error: %v\n", err)
			return 3
		}
		fmt.Println(sched.ID)
	case "remove":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: taskwarden schedule remove <id>")
			return 2
		}
		if err := mgr.RemoveSchedule(ctx, args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "schedule remove error: %v\n", err)
			return 3
		}
	case "list":
		scheds, err := mgr.ListSchedules(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "schedule list error: %v\n", err)
			return 3
		}
		for _, s := range scheds {
			fmt.Printf("%s\t%s\t%s\t%v\t%s\n", s.ID, s.Name, s.CronExpr, s.Enabled, s.Class)
		}
	case "enable":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: taskwarden schedule enable <id>")
			return 2
		}
		if err := mgr.EnableSchedule(ctx, args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "schedule enable error: %v\n", err)
			return 3
		}
	case "disable":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: taskwarden schedule disable <id>")
			return 2
		}
		if err := mgr.DisableSchedule(ctx, args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "schedule disable error: %v\n", err)
			return 3
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown schedule action %q\n", args[0])
		return 2
	}
	return 0
}

func runDoctor(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit JSON output")
	_ = fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		return 3
	}
	d := doctor.Run(ctx, &cfg, Version)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(d)
	} else {
		fmt.Printf("taskwarden doctor (%s/%s, go %s, version %s)\n", d.System.OS, d.System.Arch, d.System.Go, d.System.Version)
		for _, r := range d.Results {
			fmt.Printf("  [%s] %-20s %s\n", r.Status, r.Name, r.Message)
		}
	}
	if d.Failed() {
		return 1
	}
	return 0
}

func runMonitor(ctx context.Context, args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		return 3
	}
	wsURL := "ws://" + cfg.Metrics.Addr + "/ws/events"
	if err := tui.Run(ctx, wsURL); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "monitor error: %v\n", err)
		return 1
	}
	return 0
}
