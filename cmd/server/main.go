package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"kfp-notebook-bridge/internal/config"
	"kfp-notebook-bridge/internal/handlers"
	"kfp-notebook-bridge/internal/pkg/logger"
	"kfp-notebook-bridge/internal/router"
	"kfp-notebook-bridge/internal/services"
	"kfp-notebook-bridge/internal/tracing"
	"kfp-notebook-bridge/pkg/utils"
)

func main() {
	// .env is optional
	envErr := godotenv.Load()

	cfg := config.LoadConfig()

	log, err := logger.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	if envErr != nil {
		log.Debug("No .env file loaded, using environment only")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.InitTracer(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName)
	if err != nil {
		log.Warn("Tracing disabled", zap.Error(err))
		shutdownTracer = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	if err := os.MkdirAll(cfg.Compiler.WorkDir, 0o755); err != nil {
		log.Fatal("Failed to create compile dir", zap.String("dir", cfg.Compiler.WorkDir), zap.Error(err))
	}

	settings := services.NewSettingsService(cfg.KFP.DefaultNamespace)
	connectivity := services.NewConnectivityService(cfg.KFP.HealthTimeout, log)
	compiler := services.NewPythonCompiler(cfg.Compiler.Python, cfg.Compiler.WorkDir, cfg.Compiler.Timeout, log)
	baseURL := utils.NormalizeBasePath(cfg.Server.BaseURL)
	h := handlers.NewHandler(settings, connectivity, compiler, handlers.Options{
		RequestTimeout:     cfg.KFP.RequestTimeout,
		ProxyTimeout:       cfg.KFP.ProxyTimeout,
		WatchInterval:      cfg.KFP.WatchInterval,
		BaseURL:            baseURL,
		PackageDir:         cfg.Compiler.WorkDir,
		TrustForwardedUser: cfg.Server.TrustForwardedUser,
	})
	if !cfg.Server.TrustForwardedUser {
		log.Info("X-Forwarded-User is ignored, all callers share one KFP config")
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), router.RequestID(), router.Observe())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-XSRFToken", "X-Forwarded-User"},
		ExposeHeaders:    []string{"Content-Length", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.RegisterRoutes(r, h, baseURL)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	go func() {
		log.Info("Starting server", zap.String("address", addr), zap.String("base_url", baseURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", zap.Error(err))
	}
}
