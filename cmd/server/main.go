package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/okinrev/veza-web-app/internal/adapters/postgres"
	"github.com/okinrev/veza-web-app/internal/config"
	"github.com/okinrev/veza-web-app/internal/infrastructure/container"
	controlsurface "github.com/okinrev/veza-web-app/internal/ports/http"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found")
	}

	cfg := config.New()

	engine, err := container.New(cfg)
	if err != nil {
		log.Fatalf("engine init failed: %v", err)
	}
	defer engine.Close()

	if err := postgres.RunMigrations(engine.Database, engine.Logger); err != nil {
		engine.Logger.Fatal("migrations failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Recovery.Run(ctx); err != nil {
		engine.Logger.Fatal("recovery manager failed", zap.Error(err))
	}

	if err := engine.Queue.Start(ctx); err != nil {
		engine.Logger.Fatal("job queue start failed", zap.Error(err))
	}
	defer engine.Queue.Stop()

	if cfg.Server.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.GET("/api/health", func(c *gin.Context) {
		dbStatus := "ok"
		httpStatus := http.StatusOK
		if err := engine.Database.Ping(); err != nil {
			dbStatus = "error: " + err.Error()
			httpStatus = http.StatusServiceUnavailable
		}
		c.JSON(httpStatus, gin.H{
			"status":  dbStatus,
			"service": "audio-orchestration-engine",
			"stamped": time.Now().Format(time.RFC3339),
		})
	})

	controlsurface.NewHandler(
		engine.Artifacts, engine.Jobs, engine.Access, engine.Blobs,
		engine.Fetcher, engine.Chords, engine.Lyrics, engine.Queue, engine.Bus,
		&cfg.Engine, engine.Logger,
	).RegisterRoutes(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		engine.Logger.Info("http server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			engine.Logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	engine.Logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		engine.Logger.Error("http server shutdown error", zap.Error(err))
	}
}
