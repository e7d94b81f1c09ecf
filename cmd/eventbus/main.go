// Event Bus server: HTTP publish endpoint and SSE fan-out over the
// persistent message backbone, with queue-group claim arbitration and
// redelivery sweeping.
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
	"github.com/soorma-ai/soorma-core/pkg/backbone"
	"github.com/soorma-ai/soorma-core/pkg/bus"
	"github.com/soorma-ai/soorma-core/pkg/database"
	"github.com/soorma-ai/soorma-core/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica claim
// arbitration. Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
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

func main() {
	envPath := flag.String("env-file", getEnv("ENV_FILE", ".env"), "Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	podID := resolvePodID()

	slog.Info("Starting event bus", "version", version.Full(), "http_port", httpPort, "pod_id", podID)

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

	pool := dbClient.Pool()
	store := backbone.NewStore(pool)
	publisher := backbone.NewPublisher(pool)

	// Claims left behind by a previous incarnation of this pod are released
	// so other pods can redeliver them.
	if released, err := store.ReleaseOrphans(ctx, podID); err != nil {
		slog.Error("Failed to release orphaned claims", "error", err)
	} else if released > 0 {
		slog.Info("Released orphaned claims", "count", released)
	}

	manager := bus.NewManager(store, podID)

	listener := backbone.NewListener(dbConfig.DSN(), manager)
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start backbone listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop(ctx)

	service := bus.NewService(publisher, store, manager)

	sweeper := bus.NewSweeper(bus.DefaultSweeperConfig(), store, publisher, manager, podID)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	retention := backbone.NewRetention(backbone.DefaultRetentionConfig(), store)
	retention.Start(ctx)
	defer retention.Stop()

	authn, err := authMiddleware(ctx)
	if err != nil {
		slog.Error("Failed to initialize authentication", "error", err)
		os.Exit(1)
	}

	busAPI := bus.NewAPI(service, dbClient)
	router := gin.New()
	router.Use(gin.Recovery())
	busAPI.RegisterHealth(router)
	busAPI.RegisterRoutes(router.Group("", authn))

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
	slog.Info("Event bus stopped")
}
