package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/invoiceflow/internal/api"
	"github.com/kalambet/invoiceflow/internal/config"
	"github.com/kalambet/invoiceflow/internal/ingest"
	"github.com/kalambet/invoiceflow/internal/ollama"
	"github.com/kalambet/invoiceflow/internal/registry"
	"github.com/kalambet/invoiceflow/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops HTTP API, the MCP server (stdio) and the queue worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		noMCP, _ := cmd.Flags().GetBool("no-mcp")
		return runServer(!noMCP)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show invoiceflow system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("no-mcp", false, "do not serve MCP on stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "invoiceflow.pid")
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

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "invoiceflow version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Server.APIToken == "" {
		printWarning("no API token configured; every ops API call except /health will be rejected")
	}

	// Refuse to start twice on the same port.
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}

	ctx, stop := signalContext()
	defer stop()

	if models := ollamaModels(cfg); len(models) > 0 {
		if err := ollama.EnsureReady(ctx, ollama.New(cfg.Ollama.BaseURL), models, os.Stderr); err != nil {
			return err
		}
	}

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	handler := api.NewOpsHandler(api.OpsDeps{
		Records:  a.store,
		Queue:    a.queue,
		Agents:   a.registry,
		Token:    cfg.Server.APIToken,
		Attempts: cfg.Ingest.MaxAttempts,
		Logger:   a.logger,
	})
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	worker := ingest.NewWorker(a.queue, a.workflow, cfg.PollInterval(), a.logger)
	go worker.Run(ctx)
	go heartbeatLoop(ctx, a.registry, a.dispatcher.Cards(), heartbeatInterval, a.logger)

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Tools:    a.dispatcher,
			Agents:   a.registry,
			Store:    a.store,
			Workflow: a.workflow,
			Version:  version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "invoiceflow listening on %s\n", addr)
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
	return srv.Shutdown(shutdownCtx)
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			if pid, err := readPIDFile(pidFilePath(cfg.Storage.DataDir)); err == nil {
				printStatus("Server", "running on port %d (PID %d)", cfg.Server.Port, pid)
			} else {
				printStatus("Server", "running on port %d", cfg.Server.Port)
			}
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if models := ollamaModels(cfg); len(models) > 0 {
		oc := ollama.New(cfg.Ollama.BaseURL)
		if !oc.IsRunning(ctx) {
			printStatus("Ollama", "not running")
		} else if missing, err := oc.Missing(ctx, models); err != nil {
			printStatus("Ollama", "running at %s (model list failed: %v)", oc.BaseURL(), err)
		} else if len(missing) > 0 {
			printStatus("Ollama", "running at %s, missing %s", oc.BaseURL(), strings.Join(missing, ", "))
		} else {
			printStatus("Ollama", "running at %s", oc.BaseURL())
		}
	}
	printStatus("Mapper", "%s/%s", cfg.Mapper.Provider, cfg.Mapper.Model)
	printStatus("Summary", "%s/%s", cfg.Summary.Provider, cfg.Summary.Model)
	printStatus("Validation profile", "%s", cfg.Validation.Profile)

	if running && cfg.Server.APIToken != "" {
		c := &apiClient{baseURL: serverURL, token: cfg.Server.APIToken, httpClient: client}
		if r, err := c.get(ctx, "/kpis"); err == nil {
			var k storage.KPIs
			if decodeJSON(r, &k) == nil {
				printStatus("Invoices", "%d (%d synced, %d flagged)", k.TotalInvoices, k.SuccessfulSyncs, k.FlaggedInvoices)
			}
		}
	}

	printStatus("Storage", "%s", cfg.Storage.Driver)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

const heartbeatInterval = time.Minute

type heartbeater interface {
	Heartbeat(ctx context.Context, agentID string) error
}

// heartbeatLoop refreshes last_heartbeat of the in-process agents until ctx
// is done.
func heartbeatLoop(ctx context.Context, hb heartbeater, cards []registry.AgentCard, every time.Duration, logger *slog.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, c := range cards {
				if err := hb.Heartbeat(ctx, c.AgentID); err != nil {
					logger.Warn("agent heartbeat failed", "agent_id", c.AgentID, "error", err)
				}
			}
		}
	}
}
