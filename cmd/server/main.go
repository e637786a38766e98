package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/tunedrop/pipeline/internal/config"
	"github.com/tunedrop/pipeline/internal/handler"
	"github.com/tunedrop/pipeline/internal/media"
	"github.com/tunedrop/pipeline/internal/middleware"
	"github.com/tunedrop/pipeline/internal/notify"
	"github.com/tunedrop/pipeline/internal/pipeline"
	"github.com/tunedrop/pipeline/internal/queue"
	"github.com/tunedrop/pipeline/internal/storage"
	"github.com/tunedrop/pipeline/internal/tracker"
	ws "github.com/tunedrop/pipeline/internal/websocket"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize storage gateway
	localStore, err := storage.NewLocalStore(cfg.Storage.Root)
	if err != nil {
		log.Fatalf("Failed to initialize local storage: %v", err)
	}
	var remote storage.ObjectStore
	if cfg.Storage.ReplicationEnabled {
		s3Store, err := storage.NewS3Store(&cfg.Storage.S3)
		if err != nil {
			log.Fatalf("Failed to initialize durable storage: %v", err)
		}
		remote = s3Store
	}
	gateway := storage.NewGateway(localStore, remote)

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Initialize pipeline components
	tool := media.NewFFmpegTool(cfg.Pipeline.FFmpegPath, cfg.Pipeline.FFprobePath)
	registry, err := pipeline.BuildRegistry(&cfg.Pipeline, pipeline.Invokers{
		Ingest:    media.NewIngester(gateway, tool),
		Transcode: media.NewTranscoder(gateway, tool),
		Preview:   media.NewPreviewer(gateway, tool),
		Waveform:  media.NewWaveformRenderer(gateway, tool),
	})
	if err != nil {
		log.Fatalf("Failed to build stage registry: %v", err)
	}

	assetTracker := tracker.New(tracker.NewRedisAssetStore(redisClient), registry.CriticalStages())
	jobQueue := queue.New()
	jobStore := pipeline.NewRedisJobStore(redisClient)
	notifier := notify.Multi{notify.NewLogNotifier()}

	orchestrator := pipeline.New(registry, jobQueue, assetTracker, jobStore, notifier, hub, cfg.Pipeline.Workers)

	// Re-dispatch jobs that were pending when the process last stopped
	if err := orchestrator.Recover(ctx); err != nil {
		log.Printf("Warning: job recovery failed: %v", err)
	}
	orchestrator.Start()

	// Initialize handlers
	pipelineHandler := handler.NewPipelineHandler(orchestrator, validate)
	uploadHandler := handler.NewUploadHandler(gateway, orchestrator)

	// Initialize middleware
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    110 * 1024 * 1024, // headroom over the 100MB upload cap
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"stages": registry.Stages(),
		})
	})

	// API routes
	api := app.Group("/api/pipeline")
	api.Post("/submit", rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour), pipelineHandler.Submit)
	api.Post("/upload", rateLimiter.UploadLimit(cfg.RateLimit.UploadPerHour), uploadHandler.Upload)
	api.Get("/assets/:assetId/status", pipelineHandler.Status)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/assets/:assetId", websocket.New(func(c *websocket.Conn) {
		assetID := c.Params("assetId")
		hub.HandleConnection(c, assetID)
	}))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := orchestrator.Shutdown(shutdownCtx); err != nil {
			log.Printf("Pipeline shutdown error: %v", err)
		}

		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
