package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aibo-app/aibo-sub001/internal/audit"
	"github.com/aibo-app/aibo-sub001/internal/backend"
	"github.com/aibo-app/aibo-sub001/internal/brain"
	"github.com/aibo-app/aibo-sub001/internal/brainconfig"
	"github.com/aibo-app/aibo-sub001/internal/bus"
	"github.com/aibo-app/aibo-sub001/internal/channels"
	"github.com/aibo-app/aibo-sub001/internal/chat"
	"github.com/aibo-app/aibo-sub001/internal/commands"
	"github.com/aibo-app/aibo-sub001/internal/config"
	"github.com/aibo-app/aibo-sub001/internal/cron"
	"github.com/aibo-app/aibo-sub001/internal/gateway"
	otelPkg "github.com/aibo-app/aibo-sub001/internal/otel"
	"github.com/aibo-app/aibo-sub001/internal/persistence"
	"github.com/aibo-app/aibo-sub001/internal/reload"
	"github.com/aibo-app/aibo-sub001/internal/rpc"
	"github.com/aibo-app/aibo-sub001/internal/rules"
	"github.com/aibo-app/aibo-sub001/internal/secrets"
	"github.com/aibo-app/aibo-sub001/internal/settings"
	"github.com/aibo-app/aibo-sub001/internal/skills"
	"github.com/aibo-app/aibo-sub001/internal/telemetry"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v1.2-dev"

// brainPortWait bounds how long startup waits for the brain gateway port
// before handing the RPC client its first connect.
const brainPortWait = 30 * time.Second

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the host API and supervise the brain

SUBCOMMANDS:
  %s status                   Show host health (/healthz)
  %s doctor [-json]           Run diagnostic checks
                              Flags: -json for JSON output

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  AIBO_HOME               Data directory (default: ~/.aibo)
  AIBO_BIND_ADDR          Host API listen address (default: %s)
  AIBO_API_TOKEN          Require this token on host API requests
  OPENCLAW_CORE_PATH      Brain checkout to spawn
  BACKEND_TEAM_URL        Aggregation backend base URL
  BACKEND_TEAM_TOKEN      Aggregation backend team token
`, config.DefaultBindAddr)
}

func main() {
	loadDotEnv(".env")

	noBrain := flag.Bool("no-brain", false, "serve the host API without spawning the brain")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit comes before the logger so E_LOGGER_INIT failures are audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	// Logs go to the file only when a terminal is attached to keep the console clean.
	quietLogs := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("AIBO_LOG_STDOUT") == ""
	logger, closer, err := telemetry.NewLogger(telemetry.LogOptions{
		HomeDir: cfg.HomeDir,
		Level:   cfg.LogLevel,
		Quiet:   quietLogs,
		Version: Version,
	})
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	if cfg.FirstRun {
		if err := config.WriteDefault(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "home", cfg.HomeDir)
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.APIToken == "" {
			logger.Warn("host API bound to a non-loopback address without api_token", "bind_addr", cfg.BindAddr)
		}
	}
	for _, dir := range []string{cfg.Brain.StateDir, cfg.Brain.WorkspaceDir, cfg.SkillsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fatalStartup(logger, "E_STATE_DIR_CREATE", err)
		}
	}

	eventBus := bus.New()

	// OpenTelemetry is a no-op provider when disabled.
	otelProvider, err := otelPkg.Init(ctx, cfg.OTel, otelPkg.Host{
		Version:     Version,
		HomeDir:     cfg.HomeDir,
		BindAddr:    cfg.BindAddr,
		GatewayURL:  cfg.Gateway.URL,
		GatewayPort: cfg.Gateway.Port,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(flushCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "store_opened", "path", cfg.DBPath)

	keyring := secrets.NewKeyringStore()
	var sec secrets.Store
	if keyring.Available() {
		sec = keyring
	} else {
		logger.Warn("OS credential store unavailable; provider keys stay in the settings database")
	}
	st := settings.New(store, sec, logger)

	market := backend.New(backend.Options{
		BaseURL: cfg.Backend.URL,
		Token:   cfg.Backend.Token,
		Timeout: cfg.BackendTimeout(),
		Logger:  logger,
	})

	skillRegistry := skills.NewRegistry(cfg.SkillsDir(), filepath.Join(cfg.Brain.CoreDir, "skills"), st, logger)

	// Built-in node commands; the registry is shared across reconnects.
	commandRegistry := rpc.NewRegistry()
	body := commands.NewBodyState()
	commands.Register(commandRegistry, commands.Deps{
		Wallets: store,
		Market:  market,
		Body:    body,
		Logger:  logger,
	})

	var monitor *rpc.Monitor
	if st.Value(ctx, settings.KeyMonitoring) != "false" {
		monitor = rpc.NewMonitor(market, 0, logger)
	}
	rpcClient := rpc.New(rpc.Options{
		URL:      cfg.Gateway.URL,
		Token:    cfg.Gateway.Token,
		Registry: commandRegistry,
		Monitor:  monitor,
		Bus:      eventBus,
		Metrics:  metrics,
		Tracer:   otelProvider.Tracer,
		Logger:   logger,
	})

	ruleService := rules.New(store, logger)

	generator := brainconfig.NewGenerator(brainconfig.GeneratorConfig{
		Options: brainconfig.Options{
			StateDir:     cfg.Brain.StateDir,
			WorkspaceDir: cfg.Brain.WorkspaceDir,
			BackendURL:   cfg.Backend.URL,
			GatewayPort:  cfg.Gateway.Port,
			GatewayToken: cfg.Gateway.Token,
		},
		Settings: st,
		Skills:   skillRegistry,
		Commands: commandRegistry.Commands,
		Sources: []brainconfig.ContextSource{
			brainconfig.Policies(ruleService),
			brainconfig.Guards(ruleService),
			brainconfig.MarketAlpha(market),
		},
		Logger: logger,
	})

	supervisor := brain.New(brain.Options{
		CoreDir:         cfg.Brain.CoreDir,
		NodeBin:         cfg.Brain.NodeBin,
		StateDir:        cfg.Brain.StateDir,
		WorkspaceDir:    cfg.Brain.WorkspaceDir,
		Port:            cfg.Gateway.Port,
		Token:           cfg.Gateway.Token,
		StartupTimeout:  cfg.StartupTimeout(),
		ReapOnTimeout:   cfg.ReapOnTimeout(),
		InstallDeps:     cfg.Brain.InstallDeps,
		Generator:       generator,
		Settings:        st,
		SkillsDirs:      []string{cfg.SkillsDir()},
		OnSkillsChanged: func(context.Context) { skillRegistry.Invalidate() },
		OnReady:         rpcClient.Reconnect,
		Bus:             eventBus,
		Metrics:         metrics,
		Tracer:          otelProvider.Tracer,
		Logger:          logger,
	})

	coordinator := reload.New(supervisor, reload.Options{Logger: logger})
	st.SetListener(coordinator)
	ruleService.SetReloader(coordinator)
	logger.Info("startup phase", "phase", "brain_wired", "core_dir", cfg.Brain.CoreDir, "gateway", cfg.Gateway.URL)

	gw := gateway.New(gateway.Config{
		Store:         store,
		Settings:      st,
		Chat:          chat.New(store, rpcClient, st, logger),
		Channels:      channels.NewService(st, logger, channels.TelegramVerifier{}),
		Cron:          cron.NewService(st, logger),
		Skills:        skillRegistry,
		Rules:         ruleService,
		Body:          body,
		Tracker:       market,
		Brain:         supervisor,
		Bridge:        rpcClient,
		GatewayURL:    cfg.Gateway.URL,
		Bus:           eventBus,
		Metrics:       metrics,
		Tracer:        otelProvider.Tracer,
		Logger:        logger,
		APIToken:      cfg.APIToken,
		AllowOrigins:  cfg.AllowOrigins,
		ChatRateLimit: cfg.ChatRateLimit,
	})
	gw.Limiter().StartEviction(ctx, 5*time.Minute, 10*time.Minute)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_API_LISTENER_BIND", fmt.Errorf("%w: another aibo host may be running", err))
		}
		fatalStartup(logger, "E_API_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("host API listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("startup phase", "phase", "api_listener_bound", "addr", cfg.BindAddr)

	if *noBrain {
		logger.Info("brain disabled by -no-brain")
	} else {
		go bootBrain(ctx, logger, supervisor, rpcClient, cfg.Gateway.Port)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("host API server error", "error", err)
	}

	// Stop scheduling first so no restart races the teardown.
	coordinator.Stop()
	_ = rpcClient.Close()
	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	if err := supervisor.Stop(stopCtx); err != nil {
		logger.Warn("brain stop", "error", err)
	}
	cancelStop()

	drain := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	gw.Close()
	logger.Info("shutdown complete")
}

// bootBrain starts the brain and hands the RPC client its first connect once
// the gateway port answers. A failed start leaves the host API serving.
func bootBrain(ctx context.Context, logger *slog.Logger, sup *brain.Supervisor, client *rpc.Client, port int) {
	if err := sup.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error("brain start failed; host API stays up", "error", err)
	}
	if !waitForPort(ctx, port, brainPortWait) {
		logger.Warn("brain gateway port not reachable; RPC client will keep retrying", "port", port)
	}
	if ctx.Err() == nil {
		client.Start(ctx)
	}
}

func waitForPort(ctx context.Context, port int, limit time.Duration) bool {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	deadline := time.Now().Add(limit)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
	}
	return strings.Contains(err.Error(), "address already in use")
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	parseDotEnv(f, os.Getenv, os.Setenv)
}

// parseDotEnv applies KEY=VALUE lines without overriding variables that are
// already set. Surrounding quotes are stripped.
func parseDotEnv(r io.Reader, getenv func(string) string, setenv func(string, string) error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
			val = val[1 : len(val)-1]
		}
		if key == "" || getenv(key) != "" {
			continue
		}
		_ = setenv(key, val)
	}
}
