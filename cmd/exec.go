package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"

	"salon-queue/config"
	"salon-queue/internal/handlers"
	"salon-queue/internal/services"
	_ "salon-queue/migrations"
	"salon-queue/monitoring"
	"salon-queue/security"
	"salon-queue/utils"
)

func Start() error {
	app := pocketbase.New()

	cfg := config.LoadConfig()

	redisClient := utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	defer redisClient.Close()

	// PocketBase-backed adapters
	catalog := services.NewPBCatalog(app)
	directory := services.NewPBDirectory(app)
	history := services.NewPBHistory(app)
	registry := services.NewPBRegistry(app)

	var push services.PushSender
	if cfg.PubNubPublishKey != "" {
		push = services.NewPubNubPush(cfg.PubNubPublishKey, cfg.PubNubSubscribeKey, cfg.PubNubSecretKey)
	}

	dispatcher := services.NewDispatcher(redisClient, cfg, services.DispatcherDeps{
		Catalog:   catalog,
		Directory: directory,
		Registry:  registry,
		Push:      push,
		SMS:       services.NewSMSGateway(cfg.SMSGatewayURL, cfg.SMSGatewayToken),
		Email:     services.NewMailerTransport(app),
	})

	queueService := services.NewQueueService(redisClient, catalog, history, cfg)
	loyaltyService := services.NewLoyaltyService(redisClient, cfg.LoyaltyPointsPerVisit)
	lifecycleService := services.NewLifecycleService(queueService, dispatcher, loyaltyService)
	otpService := services.NewOTPService(redisClient, dispatcher, cfg)
	sweeper := services.NewSweeper(queueService, registry, cfg.SweepInterval)

	queueHandler := handlers.NewQueueHandler(app, queueService, lifecycleService, dispatcher)
	authHandler := handlers.NewAuthHandler(app, otpService)
	loyaltyHandler := handlers.NewLoyaltyHandler(app, loyaltyService)

	limiter := security.NewRateLimiter(redisClient, cfg.RateLimitMax, cfg.RateLimitWindow)

	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: cfg.Environment == "development",
	})

	dispatcher.Start()
	sweeper.Start()

	go handleShutdown(dispatcher, sweeper)

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		go restoreQueueState(queueService)

		queueLimit := limiter.Middleware("queue")
		otpLimit := limiter.Middleware("otp")

		// Queue endpoints
		e.Router.POST("/api/v1/queue/join", queueHandler.JoinQueue).BindFunc(queueLimit)
		e.Router.GET("/api/v1/queue/position", queueHandler.GetPosition)
		e.Router.GET("/api/v1/salons/{salonId}/queue", queueHandler.GetSalonQueue)
		e.Router.POST("/api/v1/queue/{entryId}/notify", queueHandler.NotifyEntry)
		e.Router.PUT("/api/v1/queue/{entryId}/status", queueHandler.UpdateStatus)
		e.Router.POST("/api/v1/queue/{entryId}/cancel", queueHandler.CancelEntry).BindFunc(queueLimit)
		e.Router.POST("/api/v1/queue/{entryId}/call", queueHandler.CallEntry)
		e.Router.POST("/api/v1/queue/{entryId}/chat", queueHandler.ChatEntry)

		// OTP verification endpoints
		e.Router.POST("/api/v1/auth/otp/email/send", authHandler.SendEmailOTP).BindFunc(otpLimit)
		e.Router.POST("/api/v1/auth/otp/email/verify", authHandler.VerifyEmailOTP).BindFunc(otpLimit)
		e.Router.POST("/api/v1/auth/otp/phone/send", authHandler.SendPhoneOTP).BindFunc(otpLimit)
		e.Router.POST("/api/v1/auth/otp/phone/verify", authHandler.VerifyPhoneOTP).BindFunc(otpLimit)
		e.Router.GET("/api/v1/auth/verification-status", authHandler.VerificationStatus)

		// Loyalty endpoints
		e.Router.GET("/api/v1/loyalty", loyaltyHandler.GetLoyalty)

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := utils.RedisHealthCheck(redisClient); err != nil {
				return e.JSON(503, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(200, map[string]string{"status": "healthy"})
		})

		slog.Info("server routes registered")
		return e.Next()
	})

	if cfg.EnableMetrics {
		monitoring.StartMetricsServer(cfg.MetricsPort, redisClient)
		monitoring.NewMonitor(redisClient)
	}

	return app.Start()
}

// restoreQueueState rebuilds positions and estimates for every salon
// that still has a live queue in Redis after a restart.
func restoreQueueState(queueService *services.QueueService) {
	ctx := context.Background()

	salons, err := queueService.ActiveSalons(ctx)
	if err != nil {
		slog.Error("restore queue state", "error", err)
		return
	}

	for _, salonID := range salons {
		if err := queueService.Recompute(ctx, salonID); err != nil {
			slog.Error("restore queue state", "salon_id", salonID, "error", err)
			continue
		}
	}
	if len(salons) > 0 {
		slog.Info("restored queue state", "salons", len(salons))
	}
}

func handleShutdown(dispatcher *services.Dispatcher, sweeper *services.Sweeper) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("shutting down background workers")
	sweeper.Shutdown()
	dispatcher.Shutdown()
}
