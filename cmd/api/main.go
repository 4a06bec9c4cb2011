package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat-sync/internal/config"
	"github.com/noah-isme/gema-chat-sync/internal/database"
	"github.com/noah-isme/gema-chat-sync/internal/handler"
	"github.com/noah-isme/gema-chat-sync/internal/middleware"
	"github.com/noah-isme/gema-chat-sync/internal/models"
	"github.com/noah-isme/gema-chat-sync/internal/repository"
	"github.com/noah-isme/gema-chat-sync/internal/router"
	"github.com/noah-isme/gema-chat-sync/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "receipt-api").Logger()

	var db *gorm.DB
	if cfg.UsesSQLite() {
		db, err = database.ConnectSQLite(cfg.DatabaseURL)
	} else {
		db, err = database.ConnectPostgres(cfg.DatabaseURL)
	}
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(&models.MessageReceipt{}); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	receiptRepo := repository.NewReceiptRepository(db)
	receiptService := service.NewReceiptService(receiptRepo, validate, logger)
	receiptHandler := handler.NewReceiptHandler(receiptService, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{
		Logger:       &logger,
		AllowOrigins: cfg.CORSOrigins,
		AccessLog:    os.Stdout,
	})
	router.Register(app, cfg, router.Dependencies{
		ReceiptHandler: receiptHandler,
		HealthProbes: []handler.HealthProbe{{
			Name: "database",
			Check: func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
		}},
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, cfg.ShutdownDeadline)
}

func waitForShutdown(app *fiber.App, deadline time.Duration) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
