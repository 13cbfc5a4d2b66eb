package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/clinic-booking/internal/api/router"
	"github.com/wolfman30/clinic-booking/internal/app/bootstrap"
	"github.com/wolfman30/clinic-booking/internal/appointments"
	"github.com/wolfman30/clinic-booking/internal/audit"
	"github.com/wolfman30/clinic-booking/internal/availability"
	appconfig "github.com/wolfman30/clinic-booking/internal/config"
	"github.com/wolfman30/clinic-booking/internal/doctors"
	"github.com/wolfman30/clinic-booking/internal/events"
	httpmiddleware "github.com/wolfman30/clinic-booking/internal/http/middleware"
	"github.com/wolfman30/clinic-booking/internal/locking"
	"github.com/wolfman30/clinic-booking/internal/notify"
	"github.com/wolfman30/clinic-booking/internal/observability/metrics"
	"github.com/wolfman30/clinic-booking/internal/payments"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting clinic booking API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg *appconfig.Config, logger *logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set; authenticated routes will reject every request")
	}

	pool := connectPostgresPool(ctx, cfg.DatabaseURL, logger)
	if pool == nil {
		return errors.New("DATABASE_URL is required")
	}
	defer pool.Close()

	auditDB, err := openAuditDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer auditDB.Close()

	loc, err := bootstrap.LoadLocation(cfg.ClinicTimezone)
	if err != nil {
		return err
	}

	metricsHandler, bookingMetrics := setupMetrics()
	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer redisClient.Close()
	}

	doctorRepo := doctors.NewRepository(pool)
	appointmentRepo := appointments.NewRepository(pool)
	paymentRepo := payments.NewRepository(pool)
	outbox := events.NewOutboxStore(pool)
	processed := events.NewProcessedStore(pool)
	auditService := audit.NewService(auditDB)

	resolver := availability.NewResolver(doctorRepo, doctorRepo, appointmentRepo, logger,
		availability.WithLocation(loc),
		availability.WithMetrics(bookingMetrics),
	)
	appointmentService := appointments.NewService(appointmentRepo, appointments.NewGuard(doctorRepo, appointmentRepo), logger,
		appointments.WithLocker(locking.NewSlotLocker(redisClient, cfg.SlotLockTTL, logger)),
		appointments.WithAuditLogger(auditService),
		appointments.WithMetrics(bookingMetrics),
		appointments.WithClock(time.Now, loc),
	)
	paymentManager := payments.NewManager(paymentRepo, appointmentRepo, bootstrap.BuildGatewayRegistry(cfg, bookingMetrics, logger), logger,
		payments.WithVelocity(bootstrap.BuildVelocityChecker(redisClient, cfg, logger)),
		payments.WithAuditLogger(auditService),
		payments.WithMetrics(bookingMetrics),
	)
	appointmentService.SetPaymentHooks(paymentManager)
	webhooks := payments.NewWebhookHandler(paymentManager, processed, bookingMetrics, cfg.WebhookProcessTimeout, logger)

	notifier := notify.NewNotifier(bootstrap.BuildEmailSender(cfg, logger), notify.NewPostgresDirectory(pool), logger)
	deliverer := events.NewDeliverer(outbox, notifier, logger).WithInterval(cfg.OutboxPollInterval)
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		deliverer.Start(ctx)
	}()

	limiter := httpmiddleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer limiter.Stop()

	handler := router.New(&router.Config{
		Logger:             logger,
		Availability:       availability.NewHandler(resolver, logger),
		Appointments:       appointments.NewHandler(appointmentService, logger),
		Doctors:            doctors.NewHandler(doctors.NewService(doctorRepo, logger), logger),
		Payments:           payments.NewHandler(paymentManager, logger),
		PaymentWebhooks:    webhooks,
		JWTSecret:          cfg.JWTSecret,
		RateLimiter:        limiter,
		MetricsHandler:     metricsHandler,
		Health:             pool,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	logger.Info("shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	webhooks.Wait()
	cancel()
	workers.Wait()
	return nil
}

func setupMetrics() (http.Handler, *metrics.BookingMetrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), metrics.NewBookingMetrics(reg)
}

func connectPostgresPool(ctx context.Context, databaseURL string, logger *logging.Logger) *pgxpool.Pool {
	if databaseURL == "" {
		return nil
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		logger.Error("failed to create postgres pool", "error", err)
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		logger.Error("failed to reach postgres", "error", err)
		pool.Close()
		return nil
	}
	return pool
}

// openAuditDB opens the database/sql handle used by the audit store.
func openAuditDB(databaseURL string) (*sql.DB, error) {
	if databaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}
