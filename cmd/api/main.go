package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/aurswift/aureposweb/internal/config"
	"github.com/aurswift/aureposweb/internal/delivery"
	"github.com/aurswift/aureposweb/internal/eventbus"
	"github.com/aurswift/aureposweb/internal/eventstore"
	"github.com/aurswift/aureposweb/internal/handlers"
	"github.com/aurswift/aureposweb/internal/ledger"
	"github.com/aurswift/aureposweb/internal/licensing"
	appMiddleware "github.com/aurswift/aureposweb/internal/middleware"
	"github.com/aurswift/aureposweb/internal/patterns"
	"github.com/aurswift/aureposweb/internal/repository"
	"github.com/aurswift/aureposweb/internal/retry"
	"github.com/aurswift/aureposweb/internal/services"
	"github.com/aurswift/aureposweb/internal/sweep"
	"github.com/aurswift/aureposweb/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var logger *zap.Logger
	if cfg.Environment == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	db, err := repository.NewPostgresDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	redisClient, err := repository.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	// The fabric packages depend on storage.DB, not *pgxpool.Pool directly;
	// db.Pool() satisfies that interface structurally.
	pool := db.Pool()

	// C2: cross-instance pub/sub. PUBSUB_URL selects the distributed Redis
	// backend; empty falls back to the in-process broadcaster, the shape
	// a single-instance deployment or a dev box runs with.
	var bus eventbus.Bus
	if cfg.PubSubURL != "" {
		bus = eventbus.NewRedisBus(redisClient.Client(), logger)
	} else {
		bus = eventbus.NewInProcessBus()
	}
	defer bus.Close()

	// Ambient services, unchanged in shape from the dashboard's own auth/user
	// surface.
	authService := services.NewAuthService(db, redisClient, cfg.JWTSecret)
	userService := services.NewUserService(db)
	billingService := services.NewBillingService(cfg.StripeSecretKey)
	billingService.SetPriceIDs(cfg.StripeProPriceID, cfg.StripeEntPriceID)

	emailService, err := services.NewEmailService(services.EmailConfig{
		Provider:     pickEmailProvider(cfg),
		FromAddress:  cfg.SMTPFrom,
		FromName:     "AurEposWeb",
		BaseURL:      firstNonEmpty(cfg.AllowedOrigins),
		SMTPHost:     cfg.SMTPHost,
		SMTPPort:     cfg.SMTPPort,
		SMTPUser:     cfg.SMTPUser,
		SMTPPassword: cfg.SMTPPassword,
		ResendAPIKey: cfg.ResendAPIKey,
	})
	if err != nil {
		logger.Warn("email service disabled", zap.Error(err))
	}

	// The Subscription Event Delivery Fabric: C1 store, C4 ledger, C7
	// license state machine, C6 webhook ingress, C5 retry/DLQ, C3 delivery,
	// C9 pattern analyzer, C8 sweeps, wired bottom-up.
	store := eventstore.New(pool, logger)
	ackLedger := ledger.New(pool)
	licenseEngine := licensing.New(pool, bus, store, logger, cfg.LicenseHMACSecret, cfg.MaxDeactivationsPerYear, cfg.MaxTrialPlanChanges)
	webhookIngress := webhook.NewIngress(pool, bus, store, licenseEngine, logger, cfg.WebhookSigningSecret)
	retryEngine := retry.New(pool, store, ackLedger, bus, logger, cfg.MaxRetryAttempts)
	deliveryEndpoint := delivery.New(store, bus, ackLedger, licenseEngine, logger, 0, 0)
	patternAnalyzer := patterns.New(pool, ackLedger, logger)
	sweeper := sweep.New(pool, bus, licenseEngine, store, retryEngine, emailService, logger, cfg.GracePeriodDaysPaid, cfg.GracePeriodDaysPastDue)

	// Handlers
	authHandler := handlers.NewAuthHandler(authService, emailService, pool)
	userHandler := handlers.NewUserHandler(userService)
	licenseHandler := handlers.NewLicenseHandler(licenseEngine, pool)
	billingHandler := handlers.NewBillingHandler(billingService, userService, webhookIngress, licenseEngine, pool)
	healthHandler := handlers.NewHealthHandler(db, redisClient, bus)
	adminFabricHandler := handlers.NewAdminFabricHandler(retryEngine, patternAnalyzer)

	startSweeps(context.Background(), sweeper, patternAnalyzer, logger)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Use(httprate.LimitByIP(100, time.Minute))

	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)
	r.Get("/health/detailed", healthHandler.Detailed)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)
			r.Post("/cli-login", authHandler.CLILogin)
			r.Post("/refresh", authHandler.RefreshToken)
			r.Post("/forgot-password", authHandler.ForgotPassword)
			r.Post("/reset-password", authHandler.ResetPassword)
		})

		// Terminal-facing: authenticated by license_key + machine_id_hash,
		// never by the dashboard's JWT.
		r.Route("/license", func(r chi.Router) {
			r.Post("/activate", licenseHandler.Activate)
			r.Post("/heartbeat", licenseHandler.Heartbeat)
			r.Post("/deactivate", licenseHandler.Deactivate)
		})

		// C3: the event stream itself and its ack callback, same terminal
		// credential as /license above.
		r.Get("/events/stream", deliveryEndpoint.ServeHTTP)
		r.Post("/events/ack", deliveryEndpoint.Ack)

		// C6: processor webhook delivery.
		r.Post("/webhooks/stripe", billingHandler.HandleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(appMiddleware.Auth(authService))

			r.Route("/user", func(r chi.Router) {
				r.Get("/", userHandler.GetProfile)
				r.Put("/", userHandler.UpdateProfile)
				r.Put("/password", userHandler.ChangePassword)
			})

			r.Route("/licenses", func(r chi.Router) {
				r.Get("/", licenseHandler.List)
				r.Get("/{key}", licenseHandler.Get)
				r.Delete("/{key}", licenseHandler.Revoke)
				r.Get("/{key}/activations", licenseHandler.GetActivations)
			})

			r.Route("/billing", func(r chi.Router) {
				r.Get("/subscription", billingHandler.GetSubscription)
				r.Post("/checkout", billingHandler.CreateCheckoutSession)
				r.Post("/subscription/cancel", billingHandler.CancelSubscription)
				r.Post("/subscription/reactivate", billingHandler.ReactivateSubscription)
				r.Post("/subscription/change-plan", billingHandler.ChangePlan)
				r.Post("/portal-session", billingHandler.CreatePortalSession)
				r.Get("/payment-methods", billingHandler.ListPaymentMethods)
				r.Post("/payment-methods", billingHandler.AddPaymentMethod)
				r.Delete("/payment-methods", billingHandler.RemovePaymentMethod)
				r.Put("/payment-methods/default", billingHandler.SetDefaultPaymentMethod)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(appMiddleware.Auth(authService))
			r.Use(appMiddleware.RequireAdmin)

			r.Get("/users", userHandler.ListUsers)
			r.Get("/users/{id}", userHandler.GetUser)
			r.Put("/users/{id}", userHandler.UpdateUser)

			r.Get("/licenses", licenseHandler.ListAll)
			r.Post("/licenses/revoke", licenseHandler.AdminRevoke)

			// C5 DLQ console: requeue, resolve, or abandon a dead-letter entry.
			r.Route("/dlq", func(r chi.Router) {
				r.Post("/{eventID}/retry", adminFabricHandler.RetryDLQEvent)
				r.Post("/{eventID}/resolve", adminFabricHandler.ResolveDLQEvent)
				r.Post("/{eventID}/abandon", adminFabricHandler.AbandonDLQEvent)
			})

			// C9 failure pattern triage.
			r.Route("/patterns", func(r chi.Router) {
				r.Get("/", adminFabricHandler.ListOpenPatterns)
				r.Post("/{id}/resolve", adminFabricHandler.ResolvePattern)
			})
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the SSE stream holds the connection open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("port", cfg.Port), zap.String("eventbus_mode", bus.Mode()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("server exited")
}

// startSweeps launches the C8 scheduled jobs, each on its own ticker so one
// sweep running long never delays the others.
func startSweeps(ctx context.Context, sweeper *sweep.Sweeper, analyzer *patterns.Analyzer, logger *zap.Logger) {
	go runTicker(ctx, 6*time.Hour, logger, "trial sweep", func(ctx context.Context) error {
		result, err := sweeper.RunTrialSweep(ctx)
		if err == nil {
			logger.Info("trial sweep complete", zap.Int("warned", result.Warned), zap.Int("canceled", result.Canceled))
		}
		return err
	})

	go runTicker(ctx, 12*time.Hour, logger, "grace period sweep", func(ctx context.Context) error {
		result, err := sweeper.RunGracePeriodSweep(ctx)
		if err == nil {
			logger.Info("grace period sweep complete", zap.Int("warned", result.Warned), zap.Int("deactivated", result.Deactivated))
		}
		return err
	})

	go runTicker(ctx, time.Hour, logger, "event ttl sweep", func(ctx context.Context) error {
		result, err := sweeper.RunEventTTLSweep(ctx)
		if err == nil {
			logger.Info("event ttl sweep complete", zap.Int64("deleted", result.Deleted))
		}
		return err
	})

	go runTicker(ctx, 30*time.Second, logger, "retry tick", func(ctx context.Context) error {
		result, err := sweeper.RunRetryTick(ctx)
		if err == nil && (result.Scanned > 0) {
			logger.Info("retry tick complete",
				zap.Int("scanned", result.Scanned), zap.Int("republished", result.Republished), zap.Int("escalated", result.Escalated))
		}
		return err
	})

	go runTicker(ctx, time.Hour, logger, "pattern analysis", func(ctx context.Context) error {
		now := time.Now().UTC()
		result, err := analyzer.Analyze(ctx, now.Add(-time.Hour), now)
		if err == nil && result.FailuresExamined > 0 {
			logger.Info("pattern analysis complete",
				zap.Int("failures_examined", result.FailuresExamined), zap.Int("patterns_upserted", result.PatternsUpserted))
		}
		return err
	})
}

func runTicker(ctx context.Context, interval time.Duration, logger *zap.Logger, name string, run func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := run(ctx); err != nil {
				logger.Warn(name+" failed", zap.Error(err))
			}
		}
	}
}

func pickEmailProvider(cfg *config.Config) string {
	switch {
	case cfg.ResendAPIKey != "":
		return "resend"
	case cfg.SMTPHost != "":
		return "smtp"
	default:
		return ""
	}
}

func firstNonEmpty(values []string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
