// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command playbookd is the execution daemon: it wires the Execution
// Manager, Broadcaster, and persistence sink together and serves them
// over a Unix-socket-first duplex listener. Any browser-facing HTTP/WS
// gateway sits in front of this daemon as a separate process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fieldkit-run/fieldkit/internal/broadcast"
	"github.com/fieldkit-run/fieldkit/internal/config"
	"github.com/fieldkit-run/fieldkit/internal/controller/listener"
	"github.com/fieldkit-run/fieldkit/internal/controller/protocol"
	"github.com/fieldkit-run/fieldkit/internal/engine"
	"github.com/fieldkit-run/fieldkit/internal/handler"
	"github.com/fieldkit-run/fieldkit/internal/handler/aihelper"
	"github.com/fieldkit-run/fieldkit/internal/handler/browser"
	"github.com/fieldkit-run/fieldkit/internal/handler/designer"
	"github.com/fieldkit-run/fieldkit/internal/handler/desktop"
	"github.com/fieldkit-run/fieldkit/internal/handler/gateway"
	"github.com/fieldkit-run/fieldkit/internal/handler/utility"
	"github.com/fieldkit-run/fieldkit/internal/lifecycle"
	internallog "github.com/fieldkit-run/fieldkit/internal/log"
	"github.com/fieldkit-run/fieldkit/internal/manager"
	"github.com/fieldkit-run/fieldkit/internal/secrets"
	"github.com/fieldkit-run/fieldkit/internal/store"
	"github.com/fieldkit-run/fieldkit/internal/tracing"
	"github.com/fieldkit-run/fieldkit/internal/tracing/audit"
	pkgsecrets "github.com/fieldkit-run/fieldkit/pkg/secrets"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  string
		socketPath  string
		tcpAddr     string
		allowRemote bool
		backendType string
		pidFile     string
	)

	root := &cobra.Command{
		Use:     "playbookd",
		Short:   "Runs the playbook execution daemon",
		Version: fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(runFlags{
				configPath:  configPath,
				socketPath:  socketPath,
				tcpAddr:     tcpAddr,
				allowRemote: allowRemote,
				backendType: backendType,
				pidFile:     pidFile,
			})
		},
	}

	flags := root.Flags()
	flags.StringVar(&configPath, "config", "", "path to config.yaml (default: XDG config dir)")
	flags.StringVar(&socketPath, "socket", "", "Unix socket path override")
	flags.StringVar(&tcpAddr, "tcp", "", "TCP address override (e.g. :9000)")
	flags.BoolVar(&allowRemote, "allow-remote", false, "allow binding to non-localhost addresses")
	flags.StringVar(&backendType, "backend", "", "storage backend override (memory, sqlite)")
	flags.StringVar(&pidFile, "pid-file", "", "PID file path override (default: none, or config's pid_file)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type runFlags struct {
	configPath  string
	socketPath  string
	tcpAddr     string
	allowRemote bool
	backendType string
	pidFile     string
}

func run(flags runFlags) error {
	logger := internallog.New(internallog.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flags.socketPath != "" {
		cfg.Listen.SocketPath = flags.socketPath
	}
	if flags.tcpAddr != "" {
		cfg.Listen.TCPAddr = flags.tcpAddr
	}
	if flags.allowRemote {
		cfg.Listen.AllowRemote = true
		logger.Warn("--allow-remote is enabled; the daemon will accept connections from any network address")
	}
	if flags.backendType != "" {
		cfg.Backend.Type = flags.backendType
	}
	if flags.pidFile != "" {
		cfg.PIDFile = flags.pidFile
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	var lifecycleLog *lifecycle.LifecycleLogger
	if cfg.PIDFile != "" {
		lifecycleLog = lifecycle.NewLifecycleLogger(filepath.Join(filepath.Dir(cfg.PIDFile), "lifecycle.log"))
		_ = lifecycleLog.LogStart(version, os.Args[1:], flags.configPath)

		pidMgr := lifecycle.NewPIDFileManager(cfg.PIDFile)
		if existing, readErr := pidMgr.Read(); readErr == nil {
			if lifecycle.IsProcessRunning(existing) && lifecycle.IsPlaybookdProcess(existing) {
				err := fmt.Errorf("playbookd already running with pid %d (%s)", existing, cfg.PIDFile)
				_ = lifecycleLog.LogAlreadyRunning(existing)
				return err
			}
			_ = lifecycleLog.LogStalePID(existing, "process not running or not a playbookd daemon")
			os.Remove(cfg.PIDFile)
		}
		if err := pidMgr.Create(os.Getpid()); err != nil {
			_ = lifecycleLog.LogStartFailure(err)
			return fmt.Errorf("create pid file: %w", err)
		}
		defer func() {
			pidMgr.Remove()
			_ = lifecycleLog.LogStopSuccess(os.Getpid(), 0)
		}()
	}

	registry := newRegistry(logger)

	metricsRegistry := prometheus.NewRegistry()
	backend, err := newBackend(cfg)
	if err != nil {
		return fmt.Errorf("open storage backend: %w", err)
	}
	defer backend.Close()

	vault, masker, err := newCredentialVault(cfg)
	if err != nil {
		return fmt.Errorf("open credential vault: %w", err)
	}

	// runMetrics stays a nil engine.Metrics (not a typed-nil *MetricsCollector)
	// when disabled, so Engine's "if e.metrics != nil" guard behaves correctly.
	var runMetrics engine.Metrics
	var collector *tracing.MetricsCollector
	if cfg.Metrics.Enabled {
		traceCfg := tracing.DefaultConfig()
		traceCfg.Enabled = true
		traceCfg.ServiceName = "fieldkit"
		traceCfg.ServiceVersion = version
		traceCfg.Storage.Path = filepath.Join(cfg.DataDir, "traces.db")

		provider, err := tracing.NewOTelProviderWithConfig(traceCfg)
		if err != nil {
			return fmt.Errorf("create metrics provider: %w", err)
		}
		defer provider.Shutdown(context.Background())
		collector = provider.MetricsCollector()
		runMetrics = collector

		metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: provider.MetricsHandler()}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener stopped", slog.Any("error", err))
			}
		}()
		defer metricsSrv.Close()
	}

	mgr := manager.New(manager.Config{
		Registry:        registry,
		Backend:         backend,
		Metrics:         store.NewMetrics(metricsRegistry),
		RunMetrics:      runMetrics,
		Credentials:     vault.Get,
		Masker:          masker,
		Logger:          logger,
		PlaybookBaseDir: cfg.PlaybooksDir,
		ScreenshotDir:   filepath.Join(cfg.DataDir, "screenshots"),
		TTL:             cfg.Runtime.TTL,
		Watchdog:        cfg.Runtime.Watchdog,
	})
	defer mgr.Close()

	bc := broadcast.New(mgr)
	defer bc.Close()
	mgr.SetPublisher(bc)

	if collector != nil {
		collector.SetSubscriberCounter(bc)
		collector.SetRunCounter(mgr)
		collector.SetDropCounter(bc)
	}

	ln, err := listener.New(cfg.Listen)
	if err != nil {
		return fmt.Errorf("create listener: %w", err)
	}
	defer ln.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &protocol.Server{Manager: mgr, Broadcaster: bc, Logger: logger}
	if cfg.AuditLogPath != "" {
		auditLogger, err := audit.NewFileLogger(cfg.AuditLogPath)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer auditLogger.Close()
		srv.Audit = auditLogger

		audit.NewStore(cfg.AuditLogPath).StartRetentionLoop(ctx, cfg.AuditRetentionDays, logger)
	}

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve(ln) }()

	logger.Info("playbookd started",
		slog.String("version", version),
		slog.String("socket", cfg.Listen.SocketPath),
		slog.String("backend", cfg.Backend.Type))
	if lifecycleLog != nil {
		_ = lifecycleLog.LogStartSuccess(os.Getpid(), 0, 0)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErrCh:
		if err != nil {
			logger.Error("listener stopped", slog.Any("error", err))
			return err
		}
	}
	return nil
}

func newRegistry(logger *slog.Logger) *handler.Registry {
	reg := handler.NewRegistry()

	reg.Register(utility.SetVariable{})
	reg.Register(utility.Log{Logger: logger})
	reg.Register(utility.Python{})

	for _, op := range []string{"gateway.login", "gateway.read", "gateway.write"} {
		reg.Register(gateway.New(op))
	}
	for _, action := range []string{"browser.navigate", "browser.click", "browser.fill", "browser.screenshot"} {
		reg.Register(browser.New(action))
	}
	for _, action := range []string{"desktop.focus", "desktop.type", "desktop.click"} {
		reg.Register(desktop.New(action, nil))
	}
	reg.Register(aihelper.New("ai.complete", nil))
	reg.Register(designer.New("designer.prompt", nil))

	return reg
}

// newCredentialVault builds the credential Resolver/Vault (`credential.<name>`
// lookups) over whichever backends the config enables, and a Masker
// preloaded with every resolved credential value so they never reach a log
// line or an ExecutionUpdate unredacted.
func newCredentialVault(cfg *config.Config) (*secrets.Vault, *pkgsecrets.Masker, error) {
	backends := []secrets.SecretBackend{secrets.NewEnvBackend()}
	if cfg.Credentials.Keychain {
		backends = append(backends, secrets.NewKeychainBackend())
	}
	if cfg.Credentials.FilePath != "" {
		fb, err := secrets.NewFileBackend(cfg.Credentials.FilePath, cfg.Credentials.FileMasterKey)
		if err != nil {
			return nil, nil, fmt.Errorf("open file secret backend: %w", err)
		}
		backends = append(backends, fb)
	}

	resolver := secrets.NewResolver(backends...)
	vault, err := secrets.NewVault(resolver, cfg.Credentials.Names)
	if err != nil {
		return nil, nil, err
	}

	masker := pkgsecrets.NewMasker()
	for _, name := range vault.Names() {
		rec, ok := vault.Get(name)
		if !ok {
			continue
		}
		for _, v := range rec {
			if s, ok := v.(string); ok && s != "" {
				masker.AddSecret(s)
			}
		}
	}
	return vault, masker, nil
}

func newBackend(cfg *config.Config) (store.Backend, error) {
	switch cfg.Backend.Type {
	case "memory":
		return store.NewMemoryBackend(), nil
	case "sqlite":
		path := cfg.Backend.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.DataDir, path)
		}
		return store.NewSQLiteBackend(store.SQLiteConfig{Path: path, WAL: cfg.Backend.WAL})
	default:
		return nil, fmt.Errorf("unsupported backend type %q", cfg.Backend.Type)
	}
}
