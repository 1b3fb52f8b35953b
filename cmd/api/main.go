package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"perimeter/internal/app"
	"perimeter/internal/config"
	"perimeter/internal/logger"
)

func main() {
	// Carregar configurações
	configLoader := config.NewConfigLoader()
	cfg, err := configLoader.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Inicializar logger
	appLogger := logger.NewLogger(cfg.LogLevel, cfg.LogFormat)
	appLogger.Info("Starting Perimeter API", map[string]interface{}{
		"version":   "1.0.0",
		"log_level": cfg.LogLevel,
		"port":      cfg.ServerPort,
		"storage":   cfg.StorageType,
	})

	// Configurar Gin
	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	application, err := app.New(cfg, appLogger, app.Options{AccessLog: true})
	if err != nil {
		appLogger.Error("Failed to initialize application", err, nil)
		os.Exit(1)
	}
	defer application.Close()

	appLogger.Info("Perimeter API is running", map[string]interface{}{
		"port": cfg.ServerPort,
		"endpoints": []string{
			"GET  /health",
			"GET  /metrics",
			"GET  /metrics/prometheus",
			"GET  /api/csrf-token",
			"POST /api/csp-report",
			"POST /api/handoff          (rate limited)",
			"POST /api/handoff/consume  (rate limited)",
			"POST /api/admin/ratelimit/reset",
			"GET  /api/admin/perimeter",
		},
		"perimeter": application.Summary,
	})

	// Aguardar sinais de interrupção
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx, fmt.Sprintf(":%s", cfg.ServerPort)); err != nil {
		appLogger.Error("Server stopped with error", err, nil)
		os.Exit(1)
	}

	appLogger.Info("Server stopped gracefully", nil)
}
