// main.go - Entry point
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg := LoadConfig()

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	var pubNubService Pubnub
	if cfg.PNPublishKey != "" {
		var err error
		pubNubService, err = NewPubnub(&PubNubConfig{
			PublishKey:   cfg.PNPublishKey,
			SubscribeKey: cfg.PNSubscribeKey,
			SecretKey:    cfg.PNSecretKey,
			UUIDKey:      cfg.PNUUIDKey,
			UUIDSubKey:   cfg.PNUUIDSubKey,
		})
		if err != nil {
			log.Fatal("PubNub setup failed:", err)
		}
	} else {
		slog.Warn("PN_PUBLISH_KEY not set, admin push notifications disabled")
	}

	catalogService := NewCatalogService(redisClient)
	sessionService := NewSessionService(redisClient, catalogService)
	eventService := NewEventService(redisClient)
	statsService := NewStatsService(sessionService, eventService, catalogService)
	exportService := NewExportService(sessionService, eventService, catalogService)
	notifier := NewNotificationService(pubNubService)

	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	machineService := NewMachineService(catalogService, sessionService, &asynqEventSink{client: asynqClient})

	if err := catalogService.EnsureSeeded(context.Background()); err != nil {
		log.Fatal("Catalog seeding failed:", err)
	}

	handlers := &Handlers{
		cfg:            cfg,
		catalogService: catalogService,
		sessionService: sessionService,
		eventService:   eventService,
		statsService:   statsService,
		exportService:  exportService,
		machineService: machineService,
		notifier:       notifier,
		asynqClient:    asynqClient,
		pubNub:         pubNubService,
	}

	go startAsynqServer(redisOpt, handlers)

	e := echo.New()
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	setupRoutes(e, handlers)

	go func() {
		if err := e.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	machineService.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}
}
