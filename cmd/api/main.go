package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/recipetuner/billing/auth"
	"github.com/recipetuner/billing/config"
	"github.com/recipetuner/billing/db"
	"github.com/recipetuner/billing/external"
	"github.com/recipetuner/billing/subscription"
	"github.com/recipetuner/billing/user"
	"github.com/recipetuner/billing/webhook"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v7"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func writeJSON(w http.ResponseWriter, v interface{}, logger *zap.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Cannot encode response",
			zap.Error(err),
		)
	}
}

type healthResponse struct {
	Status       string          `json:"status"`
	Service      string          `json:"service"`
	Timestamp    string          `json:"timestamp"`
	Version      string          `json:"version"`
	Mode         string          `json:"mode"`
	Integrations map[string]bool `json:"integrations"`
}

func main() {
	var logger *zap.Logger
	var dotFile string
	var err error

	// Determine running environment and initialize structural logger
	env := os.Getenv("API_ENV")
	if "production" == env {
		dotFile = ".env.production"
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))
	defer logger.Sync()

	// Load configurations from dotFile; deployments may provide the
	// environment directly instead
	if err := godotenv.Load(dotFile); err != nil {
		logger.Info("No .env file loaded, using process environment",
			zap.String("File", dotFile),
		)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Cannot load configurations",
			zap.Error(err),
		)
	}

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: cfg.Environment,
		Debug:       !cfg.Production(),
	}); err != nil {
		logger.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	sentryCfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "api",
		},
	}
	core, err := zapsentry.NewCore(sentryCfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	if err != nil {
		logger.Error("Cannot attach sentry to logger",
			zap.Error(err),
		)
	}
	logger = zapsentry.AttachCoreToLogger(core, logger)

	db, err := db.New(db.Options{
		Logger:          logger,
		URI:             cfg.DatabaseURL,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	var rdb redis.UniversalClient
	if len(cfg.RedisURI) > 0 {
		rdb = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisURI},
			Password: cfg.RedisPassword,
			DB:       0,
		})
		if _, err := rdb.Ping().Result(); err != nil {
			logger.Fatal("Cannot connect to Redis",
				zap.Error(err),
			)
		}
		defer rdb.Close()
	}

	authManager, err := auth.New(auth.Options{
		Logger:    logger,
		JWTSecret: cfg.SupabaseJWTSecret,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Auth",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()
	rootRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Stripe-Signature"},
		AllowCredentials: true,
	}))

	if cfg.BasicMode() {
		logger.Warn("STRIPE_SECRET_KEY is not configured, starting in basic mode without billing routes")
	} else {
		stripeClient := external.NewStripeClient(cfg.StripeSecretKey)

		userManager, err := user.NewManager(user.ManagerOptions{
			StripeClient: stripeClient,
			DB:           db,
			Logger:       logger,
			AppTag:       cfg.AppTag,
		})
		if err != nil {
			logger.Fatal("Cannot initialize UserManager",
				zap.Error(err),
			)
		}

		subscriptionManager, err := subscription.NewManager(subscription.ManagerOptions{
			StripeClient: stripeClient,
			DB:           db,
			Logger:       logger,
		})
		if err != nil {
			logger.Fatal("Cannot initialize SubscriptionManager",
				zap.Error(err),
			)
		}

		subscriptionRouter, err := subscription.NewService(subscription.ServiceOptions{
			SubscriptionManager: subscriptionManager,
			UserManager:         userManager,
			Logger:              logger,
			AppTag:              cfg.AppTag,
			TrialDays:           cfg.TrialPeriodDays,
		})
		if err != nil {
			logger.Fatal("Cannot initialize Subscription Service Router",
				zap.Error(err),
			)
		}

		ledger, err := webhook.NewLedger(logger, db, rdb)
		if err != nil {
			logger.Fatal("Cannot initialize webhook Ledger",
				zap.Error(err),
			)
		}

		reconciler, err := webhook.NewReconciler(webhook.ReconcilerOptions{
			Profiles:      userManager,
			Subscriptions: subscriptionManager,
			Billing:       subscriptionManager,
			Logger:        logger,
			AppTag:        cfg.AppTag,
		})
		if err != nil {
			logger.Fatal("Cannot initialize Reconciler",
				zap.Error(err),
			)
		}

		if cfg.TestMode() {
			logger.Info("Webhook signature verification uses the TEST mode secret")
		} else {
			logger.Info("Webhook signature verification uses the LIVE mode secret")
		}

		webhookRouter, err := webhook.NewService(webhook.ServiceOptions{
			Reconciler:     reconciler,
			Ledger:         ledger,
			Logger:         logger,
			EndpointSecret: cfg.EndpointSecret(),
		})
		if err != nil {
			logger.Fatal("Cannot initialize Webhook Service Router",
				zap.Error(err),
			)
		}

		rootRouter.Route("/api", func(r chi.Router) {
			r.Use(authManager.Middleware())
			r.Use(authManager.ClaimCheck())
			r.Mount("/", subscriptionRouter.Router())
		})
		rootRouter.Mount("/stripe", webhookRouter.Router())
	}

	rootRouter.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		mode := "full"
		if cfg.BasicMode() {
			mode = "basic"
		}
		health := healthResponse{
			Status:    "healthy",
			Service:   "RecipeTuner Billing API",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Version:   Version,
			Mode:      mode,
			Integrations: map[string]bool{
				"stripe":   !cfg.BasicMode(),
				"database": true,
				"redis":    rdb != nil,
			},
		}
		status := http.StatusOK
		if pool, err := db.DB(); err != nil {
			health.Status = "unhealthy"
			health.Integrations["database"] = false
			status = http.StatusServiceUnavailable
		} else if err := pool.PingContext(r.Context()); err != nil {
			health.Status = "unhealthy"
			health.Integrations["database"] = false
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		writeJSON(w, health, logger)
	})

	rootRouter.HandleFunc("/pprof/*", pprof.Index)
	rootRouter.HandleFunc("/pprof/cmdline", pprof.Cmdline)
	rootRouter.HandleFunc("/pprof/profile", pprof.Profile)
	rootRouter.HandleFunc("/pprof/symbol", pprof.Symbol)
	rootRouter.HandleFunc("/pprof/trace", pprof.Trace)

	rootRouter.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]string{
			"message": "RecipeTuner Billing API",
			"status":  "running",
			"version": Version,
		}, logger)
	})

	srv := &http.Server{
		Handler: rootRouter,
		Addr:    cfg.ListenAddr,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Cannot start API server",
				zap.Error(err),
			)
		}
	}()
	logger.Info("API server started",
		zap.String("Addr", cfg.ListenAddr),
	)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Cannot shutdown API server gracefully",
			zap.Error(err),
		)
	}
}
