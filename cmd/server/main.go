package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"
	"github.com/joho/godotenv"
	"github.com/nimbuschat/realtime-backend/internal/cache"
	"github.com/nimbuschat/realtime-backend/internal/handlers"
	wsc "github.com/nimbuschat/realtime-backend/internal/handlers/ws"
	"github.com/nimbuschat/realtime-backend/internal/middleware"
	"github.com/nimbuschat/realtime-backend/internal/repository"
	"github.com/nimbuschat/realtime-backend/internal/service"
)

// envSeconds reads a duration expressed as whole seconds.
func envSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName: "NimbusChat Realtime Backend",
	})

	// Middleware
	app.Use(requestid.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     os.Getenv("ALLOWED_ORIGINS"),
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Internal-Key, X-Supports-Gzip",
		AllowMethods:     "GET, POST, OPTIONS",
		AllowCredentials: true,
	}))

	// Initialize database connection
	db, err := repository.InitDB()
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Initialize Redis cache
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	redisPassword := os.Getenv("REDIS_PASSWORD")
	redisDB := 0
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if parsedDB, err := strconv.Atoi(dbStr); err == nil {
			redisDB = parsedDB
		}
	}

	redisCache := cache.NewRedisCache(redisAddr, redisPassword, redisDB)
	if err := redisCache.Ping(); err != nil {
		log.Printf("WARNING: Redis connection failed: %v. Running without cache.", err)
		redisCache = nil
	} else {
		log.Println("Redis cache connected successfully")
	}

	presenceCache := cache.NewPresenceCache(redisCache)

	// Initialize repositories
	messageRepo := repository.NewMessageRepository(db)
	participantRepo := repository.NewParticipantRepository(db)
	notificationRepo := repository.NewNotificationRepository(db)
	prefsRepo := repository.NewPrefsRepository(db)
	callRepo := repository.NewCallRepository(db)

	// Initialize services
	messageService := service.NewMessageService(messageRepo)
	callService := service.NewCallService(callRepo)
	notificationService := service.NewNotificationService(
		notificationRepo,
		prefsRepo,
		service.NewPushSenderFromEnv(),
		service.NewEmailSenderFromEnv(),
	)
	notificationService.StartDispatcher()

	// Realtime core
	wsConfig := wsc.DefaultConfig()
	wsConfig.PingInterval = envSeconds("WS_PING_INTERVAL_SECONDS", wsConfig.PingInterval)
	wsConfig.RingTimeout = envSeconds("CALL_RING_TIMEOUT_SECONDS", wsConfig.RingTimeout)
	wsConfig.TypingTTL = envSeconds("TYPING_TTL_SECONDS", wsConfig.TypingTTL)
	wsConfig.ReplayCapacity = envInt("REPLAY_BUFFER_SIZE", wsConfig.ReplayCapacity)
	wsConfig.SendRetryMax = envInt("SEND_RETRY_MAX", wsConfig.SendRetryMax)

	scheduler := wsc.NewScheduler()
	hub := wsc.NewHub(wsConfig, scheduler)
	router := wsc.NewRouter(wsConfig, hub, scheduler, wsc.Deps{
		Directory: participantRepo,
		Messages:  messageService,
		Notifier:  notificationService,
		Presence:  presenceCache,
		CallLog:   callService,
	})

	// Initialize handlers
	wsHandler := handlers.NewWebSocketHandler(hub, router)
	gatewayHandler := handlers.NewEventGatewayHandler(router)
	presenceHandler := handlers.NewPresenceHandler(presenceCache, hub)

	// WebSocket route (websocket upgrade needs special handling)
	app.Use(
		"/ws",
		limiter.New(limiter.Config{
			Max:        30,
			Expiration: time.Minute,
		}),
		middleware.OriginAllowed(),
		middleware.AuthRequired(),
		func(c *fiber.Ctx) error {
			// Upgrade to WebSocket
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		},
	)
	app.Get("/ws", websocket.New(wsHandler.HandleWebSocket))

	// Trusted backend event injection
	internal := app.Group("/internal", middleware.InternalAuth())
	internal.Post("/events", gatewayHandler.InjectEvent)
	internal.Get("/presence", presenceHandler.ListOnline)
	internal.Get("/presence/:userId", presenceHandler.GetUser)

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		online, _ := presenceCache.OnlineCount()
		return c.JSON(fiber.Map{
			"status":   "ok",
			"sessions": hub.Count(),
			"online":   online,
		})
	})

	// Start server
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	go func() {
		log.Printf("Server starting on port %s...", port)
		if err := app.Listen(":" + port); err != nil {
			log.Fatal("Failed to start server:", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	hub.Shutdown()
	scheduler.Stop()
	notificationService.StopDispatcher()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
