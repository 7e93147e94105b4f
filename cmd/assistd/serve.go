package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/assistd/internal/aiservice"
	"github.com/kalambet/assistd/internal/api"
	"github.com/kalambet/assistd/internal/assistant"
	"github.com/kalambet/assistd/internal/config"
	"github.com/kalambet/assistd/internal/conversation"
	"github.com/kalambet/assistd/internal/ingest"
	"github.com/kalambet/assistd/internal/lock"
	"github.com/kalambet/assistd/internal/observability"
	"github.com/kalambet/assistd/internal/storage"
	"github.com/kalambet/assistd/internal/storage/postgres"
	"github.com/kalambet/assistd/internal/tenant"
	"github.com/kalambet/assistd/internal/website"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the assistd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp-stdio")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running assistd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show assistd server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp-stdio", false, "also serve MCP tools over stdin/stdout")
}

// backingStore is everything the services need from persistence. Both the
// SQLite and Postgres stores satisfy it.
type backingStore interface {
	tenant.Store
	ingest.JobStore
	ingest.JobQueue
	Close() error
}

func openStore(ctx context.Context, cfg config.StoreConfig) (backingStore, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.DSN)
	default:
		return storage.Open(cfg.DataDir)
	}
}

func newLocker(ctx context.Context, cfg config.LockConfig) (lock.Locker, func() error, error) {
	if cfg.RedisAddr == "" {
		return lock.NewKeyed(), func() error { return nil }, nil
	}
	l, err := lock.NewRedis(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	l.SetTTL(cfg.TTL)
	return l, l.Close, nil
}

// services is the wired application graph behind the router.
type services struct {
	deps   api.Deps
	worker *ingest.Worker
}

func buildServices(cfg config.Config, store backingStore, locker lock.Locker) services {
	ai := aiservice.NewClientWithBaseURL(cfg.AI.APIKey, cfg.AI.BaseURL)
	ai.SetTimeout(cfg.AI.Timeout)

	pipeline := ingest.NewPipeline(ai, store, website.NewExtractor(cfg.Website.Timeout, version), store)
	pipeline.SetUploadConcurrency(cfg.Ingest.UploadConcurrency)

	orchestrator := conversation.NewOrchestrator(ai, store)
	orchestrator.SetPolling(cfg.Conversation.PollInterval, cfg.Conversation.MaxWait)

	return services{
		deps: api.Deps{
			Provisioner:    assistant.NewProvisioner(ai, store, pipeline, locker, cfg.AI.Model),
			Ingester:       pipeline,
			Chatter:        orchestrator,
			Tenants:        store,
			Token:          cfg.Server.APIToken,
			RequestTimeout: cfg.Server.RequestTimeout,
		},
		worker: ingest.NewWorker(store, ai, cfg.Cleanup.PollInterval),
	}
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "assistd.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer(mcpStdio bool) error {
	printVersion()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	if _, err := config.EnsureAPIToken(&cfg); err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available", "secrets", config.SecretsFilePath())

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Store.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled: cfg.Trace.Enabled,
		Version: version,
		Writer:  os.Stderr,
	})
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("flushing traces", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing store", "error", err)
		}
	}()

	locker, closeLocker, err := newLocker(ctx, cfg.Lock)
	if err != nil {
		return fmt.Errorf("connecting provisioning lock: %w", err)
	}
	defer closeLocker()

	svc := buildServices(cfg, store, locker)
	go svc.worker.Run(ctx)

	if mcpStdio {
		stdioSrv := server.NewStdioServer(api.NewMCPServer(svc.deps, version))
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(svc.deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("assistd listening", "addr", addr, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// In-flight chats may be polling; give them a moment to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg := config.LoadPartial()

	pidPath := pidFilePath(cfg.Store.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("assistd is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("stopping assistd (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to assistd (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg := config.LoadPartial()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	switch {
	case err != nil:
		printStatus("Server", "stopped")
	case resp.StatusCode == http.StatusOK:
		resp.Body.Close()
		printStatus("Server", "running on port %d", cfg.Server.Port)
	default:
		resp.Body.Close()
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
	}

	printStatus("AI service", "%s (model %s)", cfg.AI.BaseURL, cfg.AI.Model)
	printStatus("Store", "%s", storeLabel(cfg.Store))
	if cfg.Lock.RedisAddr != "" {
		printStatus("Lock", "redis at %s", cfg.Lock.RedisAddr)
	} else {
		printStatus("Lock", "in-process")
	}
	printStatus("Config file", "%s", config.ConfigFilePath())
	return nil
}

func storeLabel(cfg config.StoreConfig) string {
	if cfg.Driver == config.DriverPostgres {
		return "postgres"
	}
	return "sqlite in " + cfg.DataDir
}
