package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boogy/m2m-auth/pkg/cache"
	"github.com/boogy/m2m-auth/pkg/handler"
	"github.com/boogy/m2m-auth/pkg/middleware"
	"github.com/boogy/m2m-auth/pkg/types"
	"github.com/boogy/m2m-auth/pkg/version"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Settings for the local server
type ServerSettings struct {
	Port            int
	ConfigPath      string
	LogLevel        string
	SimulateLatency time.Duration
}

func main() {
	settings := parseCliFlags()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrap, err := handler.NewBootstrap(ctx)
	if err != nil {
		slog.Error("Failed to bootstrap", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// The readiness check exchanges and verifies an app token, so the token
	// cache only exists here
	source, err := bootstrap.AppTokenSource()
	if err != nil {
		slog.Error("Failed to create app token source", slog.String("error", err.Error()))
		os.Exit(1)
	}
	tokenCache, err := bootstrap.TokenCache()
	if err != nil {
		slog.Error("Failed to create app token cache", slog.String("error", err.Error()))
		os.Exit(1)
	}

	cleanupSpec := ""
	if bootstrap.Config.TokenCache != nil {
		cleanupSpec = bootstrap.Config.TokenCache.CleanupSpec
	}
	janitor, err := cache.NewJanitor(cleanupSpec, tokenCache)
	if err != nil {
		slog.Error("Failed to schedule cache cleanup", slog.String("error", err.Error()))
		os.Exit(1)
	}
	janitor.Start()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	auth := middleware.New(bootstrap.Config, bootstrap.Validator)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"keys":    bootstrap.Keys.Len(),
			"version": version.Get().Version,
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")

		tok, err := source.AccessToken(c.Request.Context())
		if err != nil {
			slog.Warn("Readiness check failed to obtain app token", slog.String("error", err.Error()))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "reason": "token_exchange"})
			return
		}
		if _, err := bootstrap.Validator.Verify(c.Request.Context(), types.NewBearerToken(tok.AccessToken), bootstrap.Config.ValidationConfig()); err != nil {
			slog.Warn("Readiness check failed to verify app token", slog.String("error", err.Error()))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "reason": "verification"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	verify := func(c *gin.Context) {
		// Simulate network latency if configured
		if settings.SimulateLatency > 0 {
			time.Sleep(settings.SimulateLatency)
		}

		claims, _ := middleware.ClaimsFromContext(c.Request.Context())
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, handler.Response{
			Success:    true,
			StatusCode: http.StatusOK,
			RequestID:  uuid.New().String(),
			Message:    "Token is valid",
			Data:       claims,
		})
	}
	router.GET("/verify", auth.Gin(), verify)
	router.POST("/verify", auth.Gin(), verify)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", settings.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		slog.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", slog.String("error", err.Error()))
		}
		<-janitor.Stop().Done()
		if err := bootstrap.Close(shutdownCtx); err != nil {
			slog.Error("Failed to flush logs", slog.String("error", err.Error()))
		}
	}()

	slog.Info("Starting local development server",
		slog.Int("port", settings.Port),
		slog.String("verifyEndpoint", fmt.Sprintf("http://localhost:%d/verify", settings.Port)),
		slog.String("healthEndpoint", fmt.Sprintf("http://localhost:%d/health", settings.Port)),
		slog.String("readyEndpoint", fmt.Sprintf("http://localhost:%d/ready", settings.Port)))

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	<-shutdownDone
	slog.Info("Server stopped")
}

func parseCliFlags() ServerSettings {
	settings := ServerSettings{}

	flag.IntVar(&settings.Port, "port", 8080, "Port to listen on")
	flag.StringVar(&settings.ConfigPath, "config", "", "Path to config file")
	flag.StringVar(&settings.LogLevel, "log-level", "", "Log level (debug, info, warn, error), overrides LOG_LEVEL")
	flag.DurationVar(&settings.SimulateLatency, "latency", 0, "Simulate network latency (e.g., 100ms)")

	flag.Parse()

	// The bootstrap reads both from the environment
	if settings.ConfigPath != "" {
		if err := os.Setenv("CONFIG_PATH", settings.ConfigPath); err != nil {
			slog.Error("Error setting CONFIG_PATH environment variable", "error", err)
		}
	}
	if settings.LogLevel != "" {
		if err := os.Setenv("LOG_LEVEL", settings.LogLevel); err != nil {
			slog.Error("Error setting LOG_LEVEL environment variable", "error", err)
		}
	}

	return settings
}
