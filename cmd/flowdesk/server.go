package main

import (
	"context"
	"errors"
	"fmt"
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

	"github.com/gofrs/flock"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/serviceflow/flowdesk/internal/api"
	"github.com/serviceflow/flowdesk/internal/config"
	"github.com/serviceflow/flowdesk/internal/notify"
	"github.com/serviceflow/flowdesk/internal/records"
	"github.com/serviceflow/flowdesk/internal/review"
	"github.com/serviceflow/flowdesk/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the flowdesk server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running flowdesk server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show flowdesk server, queue and quota status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the agent MCP tools over stdio, backed by the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mcpSrv := api.NewMCPServer(api.MCPDeps{Store: client})
		err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp stdio server: %w", err)
		}
		return nil
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "flowdesk.pid")
}

func lockFilePath(dataDir string) string {
	return filepath.Join(dataDir, "flowdesk.lock")
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

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func configTier(cfg config.Config) records.Tier {
	return records.Tier{Name: cfg.Tier.Name, ContactQuota: cfg.Tier.ContactQuota}
}

// buildSink returns the notification sink: always the log, plus the Redis
// stream when notify.redis_url is set.
func buildSink(cfg config.Config) (notify.Sink, func() error, error) {
	sinks := notify.Fanout{notify.LogSink{Logger: slog.Default().With("component", "notify")}}
	if cfg.Notify.RedisURL == "" {
		return sinks, func() error { return nil }, nil
	}
	rs, closeFn, err := notify.DialRedisStream(cfg.Notify.RedisURL, cfg.Notify.RedisStream, cfg.Account.ID)
	if err != nil {
		return nil, nil, err
	}
	return append(sinks, rs), closeFn, nil
}

func openAccount(cfg config.Config) (*storage.Store, *storage.Account, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, store.Account(cfg.Account.ID, configTier(cfg)), nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "flowdesk version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	apiToken, err := config.GetAPIToken(config.NewSecretStore())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	lock := flock.New(lockFilePath(cfg.Storage.DataDir))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		if pid, pidErr := readPIDFile(pidFilePath(cfg.Storage.DataDir)); pidErr == nil {
			printWarning("flowdesk is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return errors.New("another flowdesk server holds the data dir lock")
	}
	defer lock.Unlock()

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	store, account, err := openAccount(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()
	if versions, err := store.AppliedMigrations(); err == nil && len(versions) > 0 {
		slog.Info("storage ready", "dir", cfg.Storage.DataDir, "schema", versions[len(versions)-1])
	}

	sink, closeSink, err := buildSink(cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	interval, err := cfg.PollInterval()
	if err != nil {
		return err
	}
	// The server-side watcher only feeds notifications; nobody decides
	// through its desk.
	watchLog := slog.Default().With("component", "watcher", "account", account.ID())
	watchDesk := review.NewDesk(account, watchLog)
	defer watchDesk.Close()
	watcher := review.NewSynchronizer(account, watchDesk, sink, interval, watchLog)

	handler := api.NewAppHandler(api.AppDeps{
		Store:      account,
		Token:      apiToken,
		UpgradeURL: cfg.Billing.UpgradeURL,
		Logger:     slog.Default().With("component", "api"),
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, cfg.Server.MaxConns)

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "flowdesk listening on %s (account %s)\n", addr, account.ID())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		watcher.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("flowdesk is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop flowdesk (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to flowdesk (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		printError("%v", err)
		return nil
	}

	if err := client.Health(ctx); err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)
	printStatus("Account", "%s", cfg.Account.ID)

	if pending, err := client.ListPending(ctx); err == nil {
		badge := notify.Badge(len(pending))
		if badge == "" {
			badge = "queue empty"
		}
		printStatus("Review queue", "%s", badge)
	}
	if q, err := client.Quota(ctx); err == nil {
		printStatus("Contacts", "%s", quotaLine(q))
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
