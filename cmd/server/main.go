package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/psrpipe/pipeline/internal/config"
	"github.com/psrpipe/pipeline/internal/db"
	"github.com/psrpipe/pipeline/internal/logger"
	"github.com/psrpipe/pipeline/internal/middleware"
	"github.com/psrpipe/pipeline/internal/pipeline"
	"github.com/psrpipe/pipeline/internal/routes"
	"github.com/psrpipe/pipeline/internal/store"
)

func main() {
	logger.Initialize()

	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables", nil)
	}

	cfg := config.Load()
	db.Connect(cfg)
	db.AutoMigrate()

	if os.Getenv("GIN_MODE") == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.RequestLogger())
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		dbStatus := "ok"
		sqlDB, err := db.DB.DB()
		if err == nil {
			err = sqlDB.Ping()
		}
		status := http.StatusOK
		if err != nil {
			dbStatus = "error"
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":    dbStatus,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	// The review API never rebuilds aggregates; the resolver here only serves
	// the calfail release endpoint, a pure database transaction.
	resolver := pipeline.NewResolver(store.New(db.DB), nil, cfg.OutputDir)
	routes.SetupRoutes(r, db.DB, resolver)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		logger.Info("Review API listening", map[string]interface{}{"port": cfg.Port})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	logger.Warn("Received shutdown signal, stopping server...", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Forced shutdown", map[string]interface{}{"error": err.Error()})
	}
}
