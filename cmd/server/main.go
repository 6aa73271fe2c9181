package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/vtc-dispatch/internal/claims"
	"github.com/example/vtc-dispatch/internal/config"
	"github.com/example/vtc-dispatch/internal/dispatch"
	"github.com/example/vtc-dispatch/internal/documents"
	"github.com/example/vtc-dispatch/internal/engine"
	"github.com/example/vtc-dispatch/internal/events"
	httpapi "github.com/example/vtc-dispatch/internal/http"
	"github.com/example/vtc-dispatch/internal/logging"
	"github.com/example/vtc-dispatch/internal/notify"
	"github.com/example/vtc-dispatch/internal/payments"
	"github.com/example/vtc-dispatch/internal/routing"
	"github.com/example/vtc-dispatch/internal/session"
	"github.com/example/vtc-dispatch/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var st store.Store
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			if err := applyMigrations(cfg.PGDSN); err != nil {
				logger.Error("migrations failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		pg, err := store.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		st = pg
		logger.Info("using postgres store")
	} else {
		st = store.NewMemoryStore()
		logger.Warn("PG_DSN not set, using in-memory store")
	}

	var gateway payments.Gateway
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeGateway(cfg.StripeAPIKey, cfg.StripeWebhookSecret)
	} else {
		logger.Warn("STRIPE_API_KEY not set, commission payments disabled")
	}

	var notifier notify.Notifier
	if cfg.AMQPURL != "" {
		notifier = notify.NewQueueNotifier(cfg.AMQPURL, cfg.MailQueue, logger)
	} else {
		notifier = &notify.LogNotifier{Log: logger}
	}

	var publisher *events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer publisher.Close()
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
	}

	var estimator routing.Estimator
	if cfg.RoutingEndpoint != "" {
		estimator = routing.NewCachedEstimator(routing.NewHTTPEstimator(cfg.RoutingEndpoint), 10*time.Minute)
	}

	watch := dispatch.NewClaimWatchRegistry(logger)

	eng := engine.New(engine.Config{
		CommissionRate:   cfg.CommissionRate,
		ReservationTTL:   cfg.ReservationTTL,
		LateCancelWindow: cfg.LateCancelWindow,
		LateCancelLimit:  cfg.LateCancelLimit,
		CommissionFloor:  cfg.CommissionFloor,
		Currency:         cfg.Currency,
		FrontendURL:      cfg.FrontendURL,
		AdminEmail:       cfg.AdminEmail,
	}, engine.Deps{
		Store:     st,
		Gateway:   gateway,
		Notifier:  notifier,
		Events:    publisher,
		Watch:     watch,
		Estimator: estimator,
		Log:       logger,
	})

	claimSvc := claims.NewService(st, eng, cfg.ClaimTokenTTL)
	sessionSvc := session.NewService(st, cfg.JWTSecret, cfg.JWTTTL, notifier, cfg.AdminEmail, logger)

	srv := httpapi.New(cfg, logger, httpapi.Deps{
		Engine:   eng,
		Claims:   claimSvc,
		Session:  sessionSvc,
		Store:    st,
		Gateway:  gateway,
		Renderer: documents.TextRenderer{},
		Watch:    watch,
		Redis:    rdb,
	})

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

// applyMigrations executes every migrations/*.sql file in name order.
// Statements are idempotent (CREATE TABLE IF NOT EXISTS) so re-running on
// boot is safe.
func applyMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	files, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := db.Exec(string(b)); err != nil {
			return err
		}
	}
	return nil
}
