package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/envgate/internal/activation"
	"github.com/mattjoyce/envgate/internal/api"
	"github.com/mattjoyce/envgate/internal/catalog"
	"github.com/mattjoyce/envgate/internal/config"
	"github.com/mattjoyce/envgate/internal/doctor"
	"github.com/mattjoyce/envgate/internal/events"
	"github.com/mattjoyce/envgate/internal/lock"
	"github.com/mattjoyce/envgate/internal/log"
	"github.com/mattjoyce/envgate/internal/rt"
	"github.com/mattjoyce/envgate/internal/selection"
	"github.com/mattjoyce/envgate/internal/storage"
	"github.com/mattjoyce/envgate/internal/testsink"
	"github.com/mattjoyce/envgate/internal/tui"
	"github.com/mattjoyce/envgate/internal/workspace"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "env":
		return runEnvNoun(args)
	case "config":
		return runConfigNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "doctor":
		return runConfigCheck(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Print(`envgate - Workspace environment activation orchestrator

Usage:
  envgate <noun> <action> [flags]

System Commands:
  system start      Start the orchestrator service in foreground
  system status     Show service health via the API
  system monitor    Real-time activation monitoring TUI

Environment Commands:
  env list          List activation candidates for a workspace
  env current       Show the currently active environment
  env set <id>      Activate an environment by id
  env clear         Deactivate the current environment
  env refresh       Force a catalog refresh
  env resolve <p>   Map a venv or interpreter path to its environment
  env pick          Choose an environment interactively

Config Commands:
  config check      Validate configuration and host setup

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'envgate <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printSystemNounHelp()
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		return runStart(actionArgs)
	case "status":
		return runSystemStatus(actionArgs)
	case "monitor":
		return runMonitor(actionArgs)
	case "help":
		printSystemNounHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func printSystemNounHelp() {
	fmt.Print(`envgate system - service lifecycle

  system start   [--config <path>]          Run the service in foreground
  system status  [--api <url>] [--key <k>]  Show /healthz
  system monitor [--api <url>] [--key <k>]  Live monitoring TUI
`)
}

func runEnvNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printEnvNounHelp()
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		return runEnvList(actionArgs)
	case "current":
		return runEnvCurrent(actionArgs)
	case "set":
		return runEnvSet(actionArgs)
	case "clear":
		return runEnvClear(actionArgs)
	case "refresh":
		return runEnvRefresh(actionArgs)
	case "resolve":
		return runEnvResolve(actionArgs)
	case "pick":
		return runEnvPick(actionArgs)
	case "help":
		printEnvNounHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown env action: %s\n", action)
		return 1
	}
}

func printEnvNounHelp() {
	fmt.Print(`envgate env - environment activation

  env list    [--workspace <name>] [--refresh] [--json]
  env current [--workspace <name>] [--json]
  env set <id> [--workspace <name>] [--force-reinstall]
  env clear   [--workspace <name>]
  env refresh [--workspace <name>]
  env resolve <path> [--workspace <name>] [--json]
  env pick    [--workspace <name>]

All env commands accept --config <path>.
`)
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Print("envgate config - configuration\n\n  config check [--config <path>] [--json]\n")
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func isHelpToken(s string) bool {
	return s == "help" || s == "--help" || s == "-h"
}

// --- VERSION ---

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("envgate %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		if len(resolvedCommit) > 12 {
			resolvedCommit = resolvedCommit[:12]
		}
		info.Commit = resolvedCommit
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, resolvedBuildTime); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}

	return info
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

// --- SERVICE ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, resolvedPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("envgate starting", "version", version, "config", resolvedPath)

	pidLockPath := filepath.Join(filepath.Dir(cfg.State.Path), "envgate.lock")
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	app, err := buildApp(context.Background(), cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	if cfg.Service.RefreshInterval > 0 {
		go app.refreshLoop(ctx, cfg.Service.RefreshInterval, logger)
	}

	if cfg.API.Enabled {
		server := api.New(
			api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.Auth.APIKey},
			app.coordinator,
			app.scopes,
			app.hub,
			log.WithComponent("api"),
		)
		go func() {
			if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	} else {
		logger.Warn("API disabled; only the periodic refresh loop is running")
	}

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		cancel()
		return 0
	case err := <-errCh:
		logger.Error("fatal error", "error", err)
		cancel()
		return 1
	}
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8080", "API base URL")
	fs.String("key", "", "API key (unused for /healthz)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	resp, err := httpGet(*apiURL + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service unreachable: %v\n", err)
		return 1
	}
	fmt.Println(resp)
	return 0
}

func runMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8080", "API base URL")
	apiKey := fs.String("key", "", "API key")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if err := tui.RunMonitor(*apiURL, *apiKey); err != nil {
		fmt.Fprintf(os.Stderr, "Monitor failed: %v\n", err)
		return 1
	}
	return 0
}

// --- ENV ACTIONS ---

type envFlags struct {
	fs        *flag.FlagSet
	config    string
	workspace string
	jsonOut   bool
}

func newEnvFlags(name string) *envFlags {
	f := &envFlags{fs: flag.NewFlagSet(name, flag.ExitOnError)}
	f.fs.StringVar(&f.config, "config", "", "Path to configuration file or directory")
	f.fs.StringVar(&f.workspace, "workspace", "", "Workspace name (default: sole configured workspace, or the one containing the current directory)")
	f.fs.BoolVar(&f.jsonOut, "json", false, "JSON output")
	return f
}

// withApp loads config, builds the orchestrator stack, resolves the
// target workspace, runs fn, and tears everything down.
func withApp(f *envFlags, fn func(ctx context.Context, app *appState, scope workspace.Scope) error) int {
	cfg, _, err := loadConfig(f.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup("warn") // keep CLI output clean

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := buildApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Startup failed: %v\n", err)
		return 1
	}
	defer app.Close()

	scope, err := app.resolveScope(f.workspace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	if err := fn(ctx, app, scope); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

func runEnvList(args []string) int {
	f := newEnvFlags("list")
	refresh := f.fs.Bool("refresh", false, "Force a catalog refresh first")
	if err := f.fs.Parse(args); err != nil {
		return 1
	}

	return withApp(f, func(ctx context.Context, app *appState, scope workspace.Scope) error {
		envs, err := app.coordinator.List(ctx, scope, *refresh)
		if err != nil {
			return err
		}

		if f.jsonOut {
			return printJSON(envs)
		}

		if len(envs) == 0 {
			fmt.Println("No environments found.")
			return nil
		}
		current, _ := app.coordinator.Get(ctx, scope)
		for _, env := range envs {
			marker := " "
			if current != nil && current.ID == env.ID {
				marker = "*"
			}
			fmt.Printf("%s %-17s %s\n", marker, env.ID, env.DisplayName)
		}
		return nil
	})
}

func runEnvCurrent(args []string) int {
	f := newEnvFlags("current")
	if err := f.fs.Parse(args); err != nil {
		return 1
	}

	return withApp(f, func(ctx context.Context, app *appState, scope workspace.Scope) error {
		current, err := app.coordinator.Get(ctx, scope)
		if err != nil {
			return err
		}

		if f.jsonOut {
			return printJSON(current)
		}
		if current == nil {
			fmt.Println("No environment active.")
			return nil
		}
		fmt.Printf("%s\n  id:          %s\n  interpreter: %s\n  activate:    %s\n",
			current.DisplayName, current.ID, current.Interpreter, current.ActivateCmd)
		return nil
	})
}

func runEnvSet(args []string) int {
	f := newEnvFlags("set")
	force := f.fs.Bool("force-reinstall", false, "Rebuild the environment from scratch")

	// Allow "env set <id> --flags" by peeling the id off first.
	var id string
	var rest []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && id == "" {
			id = arg
			continue
		}
		rest = append(rest, arg)
	}
	if err := f.fs.Parse(rest); err != nil {
		return 1
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "Usage: envgate env set <id> [--workspace <name>] [--force-reinstall]")
		return 1
	}

	return withApp(f, func(ctx context.Context, app *appState, scope workspace.Scope) error {
		candidate, err := app.findCandidate(ctx, scope, id)
		if err != nil {
			return err
		}

		if err := app.coordinator.Set(ctx, scope, *candidate, *force); err != nil {
			if errors.Is(err, context.Canceled) {
				return errors.New("activation superseded")
			}
			return err
		}
		fmt.Printf("Activated %s\n", candidate.DisplayName)
		return nil
	})
}

func runEnvClear(args []string) int {
	f := newEnvFlags("clear")
	if err := f.fs.Parse(args); err != nil {
		return 1
	}

	return withApp(f, func(ctx context.Context, app *appState, scope workspace.Scope) error {
		if err := app.coordinator.Clear(ctx, scope); err != nil {
			return err
		}
		fmt.Println("Environment cleared.")
		return nil
	})
}

func runEnvRefresh(args []string) int {
	f := newEnvFlags("refresh")
	if err := f.fs.Parse(args); err != nil {
		return 1
	}

	return withApp(f, func(ctx context.Context, app *appState, scope workspace.Scope) error {
		if err := app.coordinator.Refresh(ctx, scope); err != nil {
			return err
		}
		envs, err := app.coordinator.List(ctx, scope, false)
		if err != nil {
			return err
		}
		fmt.Printf("Catalog refreshed: %d environment(s).\n", len(envs))
		return nil
	})
}

func runEnvResolve(args []string) int {
	f := newEnvFlags("resolve")

	var path string
	var rest []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && path == "" {
			path = arg
			continue
		}
		rest = append(rest, arg)
	}
	if err := f.fs.Parse(rest); err != nil {
		return 1
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "Usage: envgate env resolve <path> [--workspace <name>]")
		return 1
	}

	return withApp(f, func(ctx context.Context, app *appState, scope workspace.Scope) error {
		candidate, err := app.coordinator.Resolve(ctx, scope, path)
		if err != nil {
			return err
		}
		if candidate == nil {
			return fmt.Errorf("no environment matches %s", path)
		}
		if f.jsonOut {
			return printJSON(candidate)
		}
		fmt.Printf("%s  %s\n", candidate.ID, candidate.DisplayName)
		return nil
	})
}

func runEnvPick(args []string) int {
	f := newEnvFlags("pick")
	if err := f.fs.Parse(args); err != nil {
		return 1
	}

	return withApp(f, func(ctx context.Context, app *appState, scope workspace.Scope) error {
		envs, err := app.coordinator.List(ctx, scope, false)
		if err != nil {
			return err
		}
		if len(envs) == 0 {
			return errors.New("no environments available")
		}

		activeID := ""
		if current, _ := app.coordinator.Get(ctx, scope); current != nil {
			activeID = current.ID
		}

		choice, err := tui.RunPicker(envs, activeID)
		if err != nil {
			return err
		}
		if choice == nil {
			return nil // cancelled
		}

		if err := app.coordinator.Set(ctx, scope, *choice, false); err != nil {
			return err
		}
		fmt.Printf("Activated %s\n", choice.DisplayName)
		return nil
	})
}

// --- CONFIG ACTIONS ---

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "JSON output")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, resolvedPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
		return 1
	}

	runner := rt.NewRunner(cfg.Tool.Path, cfg.Tool.Args).WithGrace(cfg.Tool.GracePeriod)
	result := doctor.New(cfg, runner).Validate(context.Background())

	if *jsonOut {
		if err := printJSON(result); err != nil {
			return 1
		}
	} else {
		fmt.Printf("Config: %s\n", resolvedPath)
		if result.ToolVersion != "" {
			fmt.Printf("Tool:   %s\n", result.ToolVersion)
		}
		for _, issue := range result.Errors {
			fmt.Printf("ERROR   [%s] %s: %s\n", issue.Category, issue.Field, issue.Message)
		}
		for _, issue := range result.Warnings {
			fmt.Printf("WARNING [%s] %s: %s\n", issue.Category, issue.Field, issue.Message)
		}
		if result.Valid {
			fmt.Println("Status: Configuration check PASSED.")
		} else {
			fmt.Println("Status: Configuration check FAILED.")
		}
	}

	if !result.Valid {
		return 1
	}
	return 0
}

// --- APP WIRING ---

type appState struct {
	cfg         *config.Config
	db          *sql.DB
	coordinator *activation.Coordinator
	hub         *events.Hub
	scopes      map[string]workspace.Scope
}

func buildApp(ctx context.Context, cfg *config.Config) (*appState, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.BootstrapSQLite(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap database: %w", err)
	}

	scopes := make(map[string]workspace.Scope, len(cfg.Workspaces))
	for name, root := range cfg.Workspaces {
		scope, err := workspace.NewScope(name, root)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("workspace %q: %w", name, err)
		}
		scopes[name] = scope
	}

	runner := rt.NewRunner(cfg.Tool.Path, cfg.Tool.Args).WithGrace(cfg.Tool.GracePeriod)
	hub := events.NewHub(256)
	coordinator := activation.New(
		runner,
		selection.NewStore(db),
		testsink.NewFileSink(),
		hub,
	)

	return &appState{
		cfg:         cfg,
		db:          db,
		coordinator: coordinator,
		hub:         hub,
		scopes:      scopes,
	}, nil
}

func (a *appState) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

// resolveScope picks the workspace to operate on: an explicit name, the
// sole configured workspace, or the one whose root contains the current
// directory.
func (a *appState) resolveScope(name string) (workspace.Scope, error) {
	if name != "" {
		scope, ok := a.scopes[name]
		if !ok {
			return workspace.Scope{}, fmt.Errorf("unknown workspace %q (configured: %s)",
				name, strings.Join(a.cfg.WorkspaceNames(), ", "))
		}
		return scope, nil
	}

	if len(a.scopes) == 1 {
		for _, scope := range a.scopes {
			return scope, nil
		}
	}

	if cwd, err := os.Getwd(); err == nil {
		for _, scopeName := range a.cfg.WorkspaceNames() {
			scope := a.scopes[scopeName]
			if cwd == scope.Root || strings.HasPrefix(cwd, scope.Root+string(os.PathSeparator)) {
				return scope, nil
			}
		}
	}

	return workspace.Scope{}, fmt.Errorf("workspace is ambiguous; use --workspace (configured: %s)",
		strings.Join(a.cfg.WorkspaceNames(), ", "))
}

// findCandidate looks id up in the cached catalog, falling back to one
// forced fetch.
func (a *appState) findCandidate(ctx context.Context, scope workspace.Scope, id string) (*catalog.Candidate, error) {
	envs, err := a.coordinator.List(ctx, scope, false)
	if err != nil {
		return nil, err
	}
	if candidate := catalog.Find(envs, id); candidate != nil {
		return candidate, nil
	}

	envs, err = a.coordinator.List(ctx, scope, true)
	if err != nil {
		return nil, err
	}
	if candidate := catalog.Find(envs, id); candidate != nil {
		return candidate, nil
	}
	return nil, fmt.Errorf("unknown environment id %q (try 'envgate env list --refresh')", id)
}

// refreshLoop periodically refreshes every workspace catalog so SSE
// clients see adds and removes without polling.
func (a *appState) refreshLoop(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range a.cfg.WorkspaceNames() {
				if err := a.coordinator.Refresh(ctx, a.scopes[name]); err != nil {
					if ctx.Err() != nil {
						return
					}
					logger.Warn("periodic refresh failed", "workspace", name, "error", err)
				}
			}
		}
	}
}

func httpGet(url string) (string, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, "", err
		}
		path = discovered
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
