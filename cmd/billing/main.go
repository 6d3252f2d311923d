package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/school-billing/internal/api"
	"github.com/LeventeLantos/school-billing/internal/cache"
	"github.com/LeventeLantos/school-billing/internal/client"
	"github.com/LeventeLantos/school-billing/internal/config"
	"github.com/LeventeLantos/school-billing/internal/repo"
	"github.com/LeventeLantos/school-billing/internal/scheduler"
	"github.com/LeventeLantos/school-billing/internal/service"
	"github.com/LeventeLantos/school-billing/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("billing app stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.Database.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return err
	}
	if err := repo.Migrate(ctx, db); err != nil {
		return err
	}
	store := repo.NewPostgres(db)

	var receipts cache.ReceiptCache = cache.NewMemoryCache()
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		receipts = cache.NewRedisCache(rdb, cfg.Redis.TTL)
	}

	node, err := snowflake.NewNode(cfg.Payments.SnowflakeNode)
	if err != nil {
		return err
	}

	var mailer service.Mailer = client.NewLogMailer(logger)
	if cfg.Mail.SendgridAPIKey != "" {
		mailer = client.NewSendgridMailer(cfg.Mail.SendgridAPIKey, cfg.Mail.FromName, cfg.Mail.FromAddress)
	}

	validate := service.NewValidator()
	exec := worker.New(int64(cfg.Reminders.Concurrency), logger)

	references := service.NewReferenceGenerator(store, store, node, service.BankAccount{
		RoutingID: cfg.Payments.BankRoutingID,
		Name:      cfg.Payments.BankName,
		Holder:    cfg.Payments.AccountHolder,
	}, cfg.Payments.Expiry, validate, logger)
	reconciler := service.NewReconciler(store,
		client.NewReceiptClient(cfg.Receipts.URL, cfg.Receipts.Timeout),
		receipts, validate, cfg.Payments.PollInterval, logger)
	reminders := service.NewReminders(
		service.NewRunGate(store),
		service.NewSelector(store, store, validate, logger),
		service.NewDispatcher(mailer, store, logger),
		exec, cfg.Reminders.Location, cfg.Reminders.LookaheadDays, logger,
	)
	audit := service.NewAuditLog(store, store, store, cfg.Reminders.Location)

	sched, err := scheduler.New(cfg.Scheduler.Interval, reminders, logger)
	if err != nil {
		return err
	}
	sched.Start()

	h := api.NewHandler(api.Deps{
		Scheduler:  sched,
		References: references,
		Reconciler: reconciler,
		Reminders:  reminders,
		Audit:      audit,
		Log:        logger,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(logger, api.ReminderTriggerMiddleware(reminders, api.Router(h))),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("billing app starting",
		"addr", cfg.Server.Address,
		"interval", cfg.Scheduler.Interval.String(),
		"timezone", cfg.Reminders.Location.String(),
		"lookaheadDays", cfg.Reminders.LookaheadDays,
		"redis", cfg.Redis.Enabled,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down")
	sched.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Reminders.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "err", err)
	}
	if err := exec.Shutdown(shutdownCtx); err != nil {
		logger.Error("reminder runs did not finish before shutdown", "err", err)
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).String(),
		)
	})
}
