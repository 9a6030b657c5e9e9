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
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/parley/internal/api"
	"github.com/kalambet/parley/internal/backend"
	"github.com/kalambet/parley/internal/bridge"
	"github.com/kalambet/parley/internal/compose"
	"github.com/kalambet/parley/internal/config"
	"github.com/kalambet/parley/internal/faults"
	"github.com/kalambet/parley/internal/memory"
	"github.com/kalambet/parley/internal/ollama"
	"github.com/kalambet/parley/internal/router"
	"github.com/kalambet/parley/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the parley server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running parley server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show parley system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "parley.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "parley version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	apiToken, err := config.GetAPIToken(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}

	// Refuse to start twice. The health endpoint is the source of truth;
	// the PID file just names the culprit.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("parley is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("parley is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Check backend readiness. A missing model is pulled up front rather
	// than on the first exchange.
	client := ollama.New(cfg.Backend.BaseURL)
	if err := ollama.EnsureReady(ctx, client, cfg.Backend.Model, os.Stderr); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	connector := backend.NewConnector(client, backend.Options{
		Model:            cfg.Backend.Model,
		MaxAttempts:      cfg.Backend.MaxAttempts,
		RetryBackoff:     cfg.Backend.RetryBackoff,
		ProbeInterval:    cfg.Backend.ProbeInterval,
		ProbeFailures:    cfg.Backend.ProbeFailures,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
		MaxCooldown:      cfg.Breaker.MaxCooldown,
		CacheTTL:         cfg.Cache.TTL,
	})

	mem := memory.NewStore(cfg.Memory.WindowMessages, cfg.Memory.WindowTokens, store)
	classifier := faults.New(store)
	flusher := memory.NewFlusher(mem, cfg.Memory.FlushInterval, cfg.Bridge.SessionTimeout, classifier)

	skills, err := router.Load(cfg.Router.SkillsDir)
	if err != nil {
		return fmt.Errorf("loading skills: %w", err)
	}
	rt, err := router.New(skills, cfg.Router.MinConfidence)
	if err != nil {
		return fmt.Errorf("building router: %w", err)
	}

	composer := compose.New(cfg.Memory.WindowTokens)

	br := bridge.New(rt, mem, composer, connector, classifier, bridge.Options{
		QueueSize:       cfg.Bridge.QueueCap,
		ExchangeTimeout: cfg.Bridge.ExchangeTimeout,
		SessionTTL:      cfg.Bridge.SessionTimeout,
		StatsInterval:   cfg.Bridge.StatsInterval,
		Hydrator:        store,
	})

	handler := api.NewHTTPHandler(br, mem, connector, apiToken)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Background loops share one group so shutdown waits for the final
	// memory flush and queue drain.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		connector.RunProbes(gctx)
		return nil
	})
	g.Go(func() error {
		flusher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		br.Run(gctx)
		return nil
	})

	// MCP server on stdio, next to HTTP. Both channels feed the same
	// bridge and the same sessions.
	mcpSrv := api.NewMCPServer(api.MCPDeps{Bridge: br, Memory: mem})
	stdioSrv := server.NewStdioServer(mcpSrv)
	g.Go(func() error {
		if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
		return nil
	})
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "parley listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
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
		printError("parley is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop parley (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to parley (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	httpClient := &http.Client{Timeout: 2 * time.Second}

	resp, err := httpClient.Get(serverURL + "/health")
	serverUp := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			serverUp = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ollamaResp, err := httpClient.Get(cfg.Backend.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Backend.BaseURL)
	}

	printStatus("Model", "%s", cfg.Backend.Model)

	if serverUp {
		if client, err := newAPIClient(); err == nil {
			statsResp, err := client.get(context.Background(), "/v1/stats")
			if err == nil {
				var st struct {
					ActiveSessions int `json:"active_sessions"`
					Breaker        struct {
						State string `json:"state"`
					} `json:"breaker"`
					CacheSize        int  `json:"cache_size"`
					BackendAvailable bool `json:"backend_available"`
				}
				if decodeJSON(statsResp, &st) == nil {
					printStatus("Sessions", "%d active", st.ActiveSessions)
					printStatus("Breaker", "%s", st.Breaker.State)
					printStatus("Cache", "%d entries", st.CacheSize)
					backendLabel := "available"
					if !st.BackendAvailable {
						backendLabel = "unavailable"
					}
					printStatus("Backend", "%s", backendLabel)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
