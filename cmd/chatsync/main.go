package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat-sync/internal/config"
	"github.com/noah-isme/gema-chat-sync/internal/database"
	"github.com/noah-isme/gema-chat-sync/internal/handler"
	"github.com/noah-isme/gema-chat-sync/internal/middleware"
	"github.com/noah-isme/gema-chat-sync/internal/repository"
	"github.com/noah-isme/gema-chat-sync/internal/router"
	"github.com/noah-isme/gema-chat-sync/internal/service"
	"github.com/noah-isme/gema-chat-sync/pkg/push"
	"github.com/noah-isme/gema-chat-sync/pkg/receiptapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if cfg.SyncUserID == "" {
		log.Fatalf("CHATSYNC_SYNC_USER_ID must be set")
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "chatsync").Logger()

	redisClient, err := database.ConnectRedis(cfg.RedisURL, cfg.AppName)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	probes := []handler.HealthProbe{{
		Name: "redis",
		Check: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	}}

	var pushSource service.PushSource
	if cfg.NATSURL != "" {
		natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()

		source, err := push.NewNATSSource(natsConn, cfg.PushSubject, cfg.SyncUserID, logger)
		if err != nil {
			log.Fatalf("failed to create push source: %v", err)
		}
		pushSource = source
		probes = append(probes, handler.HealthProbe{
			Name: "nats",
			Check: func(context.Context) error {
				if !natsConn.IsConnected() {
					return fmt.Errorf("nats connection %s", natsConn.Status())
				}
				return nil
			},
		})
	} else {
		logger.Warn().Msg("nats url not configured, foreground push disabled")
	}

	receipts, err := receiptapi.NewClient(receiptapi.Config{
		BaseURL:     cfg.ReceiptAPIURL,
		Correlation: middleware.CorrelationIDFromContext,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("failed to create receipt api client: %v", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	store := repository.NewRedisRealtimeStore(redisClient, cfg.RedisNamespace, logger)

	engine := service.NewSyncEngine(store, pushSource, receipts, validate, service.SyncEngineOptions{
		DedupCapacity: cfg.DedupCapacity,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Initialize(ctx, cfg.SyncUserID); err != nil {
		log.Fatalf("failed to initialize sync engine: %v", err)
	}

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
		SyncHandler:  handler.NewSyncHandler(engine, validate, logger, cfg.SSEKeepAlive),
		HealthProbes: probes,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	engine.Cleanup()
	waitWithDeadline(engine, cfg.ShutdownDeadline)
	log.Println("sync engine stopped")
}

func waitWithDeadline(engine *service.SyncEngine, deadline time.Duration) {
	done := make(chan struct{})
	go func() {
		engine.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(deadline):
		log.Printf("receipt updates still in flight after %s", deadline)
	}
}
