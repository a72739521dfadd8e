package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"terrawatch.io/assistant/internal/api"
	"terrawatch.io/assistant/internal/auth"
	"terrawatch.io/assistant/internal/background"
	"terrawatch.io/assistant/internal/config"
	"terrawatch.io/assistant/internal/core"
	"terrawatch.io/assistant/internal/logging"
	"terrawatch.io/assistant/internal/store"
)

type appStore interface {
	core.SessionStore
	api.UserStore
	Close() error
}

func main() {
	envFile := flag.String("env", ".env", "Path to an optional dotenv file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	// Initialize database store
	dbStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	primary, fallback, modelClient, err := openModels(ctx, cfg)
	if err != nil {
		dbStore.Close()
		return err
	}

	tracker := background.NewTracker(cfg.PersistTimeout, logger.Named("background"))
	provider := core.NewCompletionProvider(primary, fallback, cfg.StreamingEnabled, logger.Named("provider"))
	chatService := core.NewChatService(provider, dbStore, tracker, core.ChatOptions{
		SystemPrompt:      cfg.SystemPrompt,
		GenerationTimeout: cfg.GenerationTimeout,
		PersistTimeout:    cfg.PersistTimeout,
	}, logger.Named("chat"))

	// Initialize API Handler and Router
	tokens := auth.NewTokens(cfg.JWTSecret, cfg.JWTTTL)
	apiHandler := api.NewAPIHandler(chatService, dbStore, tokens, logger.Named("api"))
	router := api.NewRouter(apiHandler, logger.Named("http"))

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Streamed answers can run for the whole generation budget.
		WriteTimeout: cfg.GenerationTimeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("addr", serverAddr),
			zap.String("provider", cfg.LLMProvider),
			zap.String("primary_model", cfg.PrimaryModel),
			zap.String("fallback_model", cfg.FallbackModel),
			zap.String("database", cfg.DatabaseDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("could not listen on %s: %w", serverAddr, err)
		}
		close(serveErr)
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var errs *multierror.Error
	select {
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	case err := <-serveErr:
		errs = multierror.Append(errs, err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("server forced to shutdown: %w", err))
	}
	// Answers that finished streaming may still be writing to the store.
	if err := tracker.Wait(shutdownCtx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("pending persistence: %w", err))
	}
	if modelClient != nil {
		if err := modelClient.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("closing model client: %w", err))
		}
	}
	if err := dbStore.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("closing database: %w", err))
	}

	logger.Info("server exiting")
	return errs.ErrorOrNil()
}

func openStore(ctx context.Context, cfg *config.Config) (appStore, error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		return store.NewPostgresStore(ctx, cfg.DatabaseURL)
	default:
		return store.NewSQLiteStore(cfg.DatabaseURL)
	}
}

// openModels builds the primary and fallback models for the configured provider. The
// returned closer is nil when the provider holds no connection.
func openModels(ctx context.Context, cfg *config.Config) (core.Model, core.Model, io.Closer, error) {
	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		client := core.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
		return core.NewOpenAIModel(client, cfg.PrimaryModel), core.NewOpenAIModel(client, cfg.FallbackModel), nil, nil
	default:
		client, err := core.NewGeminiClient(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return nil, nil, nil, err
		}
		return core.NewGeminiModel(client, cfg.PrimaryModel), core.NewGeminiModel(client, cfg.FallbackModel), client, nil
	}
}
