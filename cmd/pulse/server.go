package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/pulse/internal/analytics"
	"github.com/kalambet/pulse/internal/api"
	"github.com/kalambet/pulse/internal/composer"
	"github.com/kalambet/pulse/internal/config"
	"github.com/kalambet/pulse/internal/conversation"
	"github.com/kalambet/pulse/internal/ingest"
	"github.com/kalambet/pulse/internal/jobs"
	"github.com/kalambet/pulse/internal/llm"
	"github.com/kalambet/pulse/internal/logging"
	"github.com/kalambet/pulse/internal/pipeline"
	"github.com/kalambet/pulse/internal/retrieval"
	"github.com/kalambet/pulse/internal/storage"
)

const purgeInterval = 15 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pulse server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running pulse server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pulse server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "pulse.pid")
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

// newProvider builds the configured LLM provider. For Ollama it checks the
// server and pulls missing models first.
func newProvider(ctx context.Context, cfg config.Config) (llm.Provider, error) {
	switch cfg.LLM.Provider {
	case config.ProviderOllama:
		o := llm.NewOllama(cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Timeout)
		if err := llm.EnsureReady(ctx, o, os.Stderr, cfg.LLM.Model, cfg.LLM.SummaryModel); err != nil {
			return nil, err
		}
		return o, nil
	default:
		return llm.NewOpenRouter(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Timeout), nil
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "pulse version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Refuse to start twice against the same data dir.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
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

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", zap.Error(err))
		}
	}()

	tracker := jobs.NewTracker(store, cfg.Jobs.StaleAfter, cfg.Jobs.ResultTTL, logger)
	retriever := retrieval.NewRetriever(store, cfg.Retrieval.Limit, logger)
	reporter := analytics.NewReporter(retriever, logger)
	compressor := conversation.NewCompressor(
		conversation.NewLLMSummarizer(provider, cfg.LLM.SummaryModel),
		cfg.Context.CompressThreshold,
		cfg.Context.KeepRecentTurns,
		logger,
	)
	assistant := pipeline.New(pipeline.Deps{
		Conversations: store,
		Candidates:    retriever,
		Cache:         store,
		CacheTTL:      cfg.Context.CacheTTL,
		Composer:      composer.New(cfg.Context.MaxTokens, logger),
		Compressor:    compressor,
		Provider:      provider,
		Model:         cfg.LLM.Model,
		Temperature:   cfg.LLM.Temperature,
		Logger:        logger,
	})
	worker := ingest.NewWorker(ingest.WorkerDeps{
		Jobs:     store,
		Records:  store,
		Analyzer: ingest.NewAnalyzer(provider, cfg.LLM.Model),
		Reporter: reporter,
		Tracker:  tracker,
		Logger:   logger,
	}, cfg.Jobs.PollInterval, cfg.Jobs.Concurrency)

	deps := api.Deps{
		Assistant: assistant,
		Service:   ingest.NewService(store, tracker, logger),
		Tracker:   tracker,
		Feedback:  store,
		Stats:     store,
		Token:     cfg.API.Token,
		Logger:    logger,
	}
	if deps.Token == "" {
		logger.Warn("PULSE_API_TOKEN is not set; API requests are not authenticated")
	}

	mcpSrv := api.NewMCPServer(deps, version)

	topRouter := chi.NewRouter()
	if cfg.Server.MCP == "http" {
		topRouter.Handle("/mcp", server.NewStreamableHTTPServer(mcpSrv))
	}
	topRouter.Mount("/", api.NewHandler(deps))

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: topRouter,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		worker.Run(gCtx)
		return nil
	})

	g.Go(func() error {
		purgeExpired(gCtx, store, logger)
		return nil
	})

	if cfg.Server.MCP == "stdio" {
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gCtx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", zap.Error(err))
			}
			return nil
		})
		logger.Info("MCP server started", zap.String("transport", "stdio"))
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "pulse listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// purgeExpired drops expired cache rows until ctx is done.
func purgeExpired(ctx context.Context, store *storage.Store, logger *zap.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("purging expired cache entries", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("purged expired cache entries", zap.Int64("count", n))
			}
		}
	}
}

func stopServer() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("pulse is not running (no PID file): %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop pulse (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to pulse (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.LoadClient()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	client.httpClient.Timeout = 2 * time.Second

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running on port %d", cfg.Server.Port)
	printStatus("LLM", "%s (%s)", cfg.LLM.Provider, cfg.LLM.Model)

	statsResp, err := client.get(ctx, "/stats")
	if err == nil {
		var stats api.StatsResponse
		if decodeJSON(statsResp, &stats) == nil {
			printStatus("Feedback", "%d (%d analyzed)", stats.Feedback, stats.Analyzed)
			printStatus("Jobs", "%d pending, %d running, %d failed",
				stats.Jobs["pending"], stats.Jobs["running"], stats.Jobs["failed"])
		}
	}

	progResp, err := client.get(ctx, "/jobs/"+ingest.ReportKey+"/progress")
	if err == nil {
		var view jobs.View
		if decodeJSON(progResp, &view) == nil {
			printStatus("Report", "%s %d%% (%s)", view.Status, view.Progress, view.Message)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
