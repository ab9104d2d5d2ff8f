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
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/kbchat/internal/api"
	"github.com/kalambet/kbchat/internal/composer"
	"github.com/kalambet/kbchat/internal/config"
	"github.com/kalambet/kbchat/internal/crm"
	"github.com/kalambet/kbchat/internal/engine"
	"github.com/kalambet/kbchat/internal/ingest"
	"github.com/kalambet/kbchat/internal/kb"
	"github.com/kalambet/kbchat/internal/models"
	"github.com/kalambet/kbchat/internal/pipeline"
	"github.com/kalambet/kbchat/internal/retrieval"
	"github.com/kalambet/kbchat/internal/storage"
)

const (
	workerPollInterval = 500 * time.Millisecond
	shutdownTimeout    = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the kbchat server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show kbchat system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP over stdio")
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// checkOllama makes sure every Ollama endpoint is up. With pull enabled,
// missing models are downloaded; otherwise problems are only logged.
func checkOllama(ctx context.Context, endpoints map[string][]string, pull bool) error {
	for endpoint, names := range endpoints {
		eng := engine.NewOllamaEngine(endpoint)
		if pull {
			printStep("Checking Ollama at %s", endpoint)
			if err := engine.EnsureReady(ctx, eng, names, os.Stderr); err != nil {
				return fmt.Errorf("ollama at %s: %w", endpoint, err)
			}
			continue
		}
		if !eng.IsRunning(ctx) {
			slog.Warn("ollama endpoint not reachable", "endpoint", endpoint, "models", names)
		}
	}
	return nil
}

func newRecorder(cfg config.CRMConfig) crm.Recorder {
	if cfg.BackupURL == "" && cfg.HubSpotToken == "" {
		return crm.Noop{}
	}
	return crm.NewHTTPRecorder(crm.Config{
		BackupURL:    cfg.BackupURL,
		Username:     cfg.Username,
		Password:     cfg.Password,
		HubSpotURL:   cfg.HubSpotURL,
		HubSpotToken: cfg.HubSpotToken,
	}, nil)
}

func runServer(withMCP bool) error {
	fmt.Fprintln(os.Stderr, versionString())

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog, err := cfg.ModelCatalog()
	if err != nil {
		return err
	}
	registry, err := models.NewRegistry(catalog,
		models.WithTimeout(cfg.Models.Timeout),
		models.WithOpenRouterKey(cfg.Models.OpenRouterAPIKey),
	)
	if err != nil {
		return fmt.Errorf("building model registry: %w", err)
	}

	vectorMode := cfg.Retrieval.Mode == retrieval.ModeVector
	ollamaModels := registry.OllamaModels()
	if vectorMode {
		ollamaModels[cfg.Ollama.BaseURL] = append(ollamaModels[cfg.Ollama.BaseURL], cfg.Ollama.EmbedModel)
	}
	if err := checkOllama(ctx, ollamaModels, cfg.Ollama.PullMissing); err != nil {
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

	ingestOpts := []ingest.Option{ingest.WithChunkOptions(ingest.ChunkOptions{
		MaxRunes:     cfg.Ingest.MaxChunkRunes,
		OverlapRunes: cfg.Ingest.OverlapRunes,
	})}
	var embedder *retrieval.Embedder
	if vectorMode {
		embedder = retrieval.NewEmbedder(engine.NewOllamaEngine(cfg.Ollama.BaseURL), cfg.Ollama.EmbedModel)
		ingestOpts = append(ingestOpts, ingest.WithEmbedding())
	}
	fetcher := ingest.NewFetcher(nil, cfg.Ingest.FetchTimeout, int64(cfg.Ingest.MaxFetchBytes))
	ingester := ingest.NewIngester(store, fetcher, ingestOpts...)

	var retriever *retrieval.Retriever
	if embedder != nil {
		retriever = retrieval.NewRetriever(store, embedder, cfg.Retrieval.Mode)
	} else {
		retriever = retrieval.NewRetriever(store, nil, retrieval.ModeLexical)
	}

	categories := kb.NewCategories(store)
	prompts := kb.NewPrompts(store)
	chats := kb.NewChats(store, registry)
	asker := pipeline.NewAsker(chats, categories, prompts, registry, retriever,
		pipeline.WithTopK(cfg.Retrieval.TopK),
		pipeline.WithComposer(composer.New(cfg.Chat.MaxContextTokens, cfg.Chat.MaxHistoryTokens)),
		pipeline.WithRecorder(newRecorder(cfg.CRM)),
	)

	handler := api.NewHandler(api.Deps{
		Categories: categories,
		Prompts:    prompts,
		Chats:      chats,
		Sources:    ingester,
		Models:     registry,
		Asker:      asker,
		Token:      cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	if embedder != nil {
		worker := ingest.NewWorker(store, embedder, workerPollInterval)
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Categories: categories,
			Retriever:  retriever,
			Asker:      asker,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	g.Go(func() error {
		slog.Info("kbchat listening", "addr", addr, "retrieval", retriever.Mode(), "models", len(catalog))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	// Let in-flight interaction records finish before the store closes.
	asker.Wait()
	return err
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
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
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if eng := engine.NewOllamaEngine(cfg.Ollama.BaseURL); eng.IsRunning(ctx) {
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	} else {
		printStatus("Ollama", "not running")
	}

	if catalog, err := cfg.ModelCatalog(); err != nil {
		printStatus("Models", "invalid catalog: %v", err)
	} else {
		names := make([]string, len(catalog))
		for i, d := range catalog {
			names[i] = d.Name
		}
		printStatus("Models", "%s", strings.Join(names, ", "))
	}
	printStatus("Retrieval", "%s (top %d)", cfg.Retrieval.Mode, cfg.Retrieval.TopK)

	if running {
		ac := &apiClient{baseURL: serverURL, token: cfg.Server.APIToken, httpClient: client}
		if resp, err := ac.get(ctx, "/aiChat/getCategories", nil); err == nil {
			var cats []categoryInfo
			if decodeJSON(resp, &cats) == nil {
				sources := 0
				for _, c := range cats {
					sources += c.SourceCount
				}
				printStatus("Categories", "%d (%d sources)", len(cats), sources)
			}
		}
		if resp, err := ac.get(ctx, "/aiChat/getChats", nil); err == nil {
			var chats []chatInfo
			if decodeJSON(resp, &chats) == nil {
				printStatus("Chats", "%d", len(chats))
			}
		}
	}

	printStatus("Database", "%s", cfg.DBPath())
	return nil
}
