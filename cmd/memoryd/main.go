// Memory server: tenant- and user-scoped persistence for the four memory
// kinds plus workflow state, with vector search and row-level security.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/soorma-ai/soorma-core/pkg/auth"
	"github.com/soorma-ai/soorma-core/pkg/database"
	"github.com/soorma-ai/soorma-core/pkg/memory"
	"github.com/soorma-ai/soorma-core/pkg/memory/embedding"
	"github.com/soorma-ai/soorma-core/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func authMiddleware(ctx context.Context) (gin.HandlerFunc, error) {
	profile := auth.ProfileFromEnv()
	if profile != auth.ProfileJWT {
		return auth.Middleware(profile, nil), nil
	}
	validator, err := auth.NewJWTValidator(ctx,
		os.Getenv("JWKS_URL"), os.Getenv("JWT_ISSUER"), os.Getenv("JWT_AUDIENCE"))
	if err != nil {
		return nil, err
	}
	return auth.Middleware(profile, validator), nil
}

// embeddingProvider selects the embedding backend: a remote HTTP provider
// when EMBEDDING_ENDPOINT is set, otherwise the deterministic local one.
func embeddingProvider() embedding.Provider {
	endpoint := os.Getenv("EMBEDDING_ENDPOINT")
	if endpoint == "" {
		slog.Info("Using local embedding provider")
		return embedding.NewLocalProvider()
	}
	model := getEnv("EMBEDDING_MODEL", "text-embedding-3-small")
	slog.Info("Using HTTP embedding provider", "endpoint", endpoint, "model", model)
	return embedding.NewHTTPProvider(endpoint, os.Getenv("EMBEDDING_API_KEY"), model)
}

func main() {
	envPath := flag.String("env-file", getEnv("ENV_FILE", ".env"), "Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8082")
	slog.Info("Starting memory service", "version", version.Full(), "http_port", httpPort)

	ctx := context.Background()

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL database")

	storage := memory.NewStorage(dbClient.Pool())
	service := memory.NewService(storage, embeddingProvider())

	authn, err := authMiddleware(ctx)
	if err != nil {
		slog.Error("Failed to initialize authentication", "error", err)
		os.Exit(1)
	}

	memoryAPI := memory.NewAPI(service, dbClient)
	router := gin.New()
	router.Use(gin.Recovery())
	memoryAPI.RegisterHealth(router)
	memoryAPI.RegisterRoutes(router.Group("", authn))

	httpServer := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown incomplete", "error", err)
	}
	slog.Info("Memory service stopped")
}
