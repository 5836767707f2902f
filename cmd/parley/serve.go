package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/internal/compaction"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/history"
	"github.com/parleyhq/parley/internal/loop"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/sessionfiles"
	"github.com/parleyhq/parley/internal/settings"
	"github.com/parleyhq/parley/internal/storage"
	"github.com/parleyhq/parley/internal/stream"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func buildMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, err := storage.NewPostgresStore(cfg.DatabaseURL, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			if err := storage.Migrate(ctx, store.DB()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			slog.Info("migrations applied")
			return nil
		},
	}
}

func runServe(ctx context.Context) error {
	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := storage.NewPostgresStore(cfg.DatabaseURL, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	migrateCtx, cancel := context.WithTimeout(ctx, time.Minute)
	err = storage.Migrate(migrateCtx, store.DB())
	cancel()
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	providers, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	svc, err := settings.NewService(ctx, store, cfg)
	if err != nil {
		return err
	}

	files, err := sessionfiles.NewStore(cfg.FilesDir)
	if err != nil {
		return err
	}

	streams := stream.NewRegistry(stream.WithLogger(logger))
	browsers := tools.NewBrowserManager(cfg.BrowserIdleTimeout, logger)
	defer browsers.Close()

	// Broadcasts produced outside a request (compaction, memory tools) are
	// relayed through the gateway once it exists; live stream subscribers
	// get them directly via the registry.
	var gw *gateway.Server
	broadcast := func(sessionID string, ev models.Event) {
		if sessionID != "" {
			streams.Push(sessionID, ev)
		}
		if gw == nil {
			return
		}
		if sessionID == "" {
			gw.BroadcastGlobal(ev)
		} else {
			gw.BroadcastSession(sessionID, ev, nil)
		}
	}

	toolReg := tools.NewRegistry()
	toolSets := [][]tools.Tool{
		tools.NewFilesystemTools(cfg.WorkspaceDir),
		tools.NewMemoryTools(store, tools.MemoryConfig{
			MaxStorageTokens: cfg.MemoryMaxStorageTokens,
			MaxReturnTokens:  cfg.MemoryMaxReturnTokens,
			OnChange: func() {
				broadcast("", models.Event{Type: models.EventMemoryChanged})
			},
		}),
		tools.NewBrowserTools(browsers),
	}
	for _, set := range toolSets {
		for _, tool := range set {
			if err := toolReg.Register(tool); err != nil {
				return fmt.Errorf("register tool: %w", err)
			}
		}
	}

	assembler := history.NewAssembler(store)
	compactor := compaction.NewEngine(store, providers, svc, logger, broadcast)
	lp := loop.New(store, streams, providers, toolReg, assembler, compactor, svc, logger)

	gw = gateway.NewServer(gateway.Deps{
		Store:     store,
		Streams:   streams,
		Loop:      lp,
		Providers: providers,
		Tools:     toolReg,
		Settings:  svc,
		Compactor: compactor,
		Files:     files,
		Browsers:  browsers,
		Logger:    logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}
	return nil
}

func buildProviders(cfg *config.Config) (*provider.Registry, error) {
	var adapters []provider.Adapter
	if cfg.AnthropicAPIKey != "" {
		a, err := provider.NewAnthropic(cfg.AnthropicAPIKey, "")
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	if cfg.OpenAIAPIKey != "" {
		o, err := provider.NewOpenAI(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, o)
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("no provider adapters configured")
	}
	return provider.NewRegistry(adapters...), nil
}
