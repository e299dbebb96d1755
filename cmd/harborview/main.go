package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/harborview-assoc/harborview/internal/app"
	"github.com/harborview-assoc/harborview/internal/billing"
	"github.com/harborview-assoc/harborview/internal/members"
	"github.com/harborview-assoc/harborview/internal/observability"
	"github.com/harborview-assoc/harborview/internal/platform/cache"
	"github.com/harborview-assoc/harborview/internal/platform/db"
	"github.com/harborview-assoc/harborview/jobs"
)

// emailNotifier turns billing notices into queued emails addressed to the
// member on file. Members without an email are logged and skipped.
type emailNotifier struct {
	members *members.Service
	queue   *jobs.Client
	logger  *slog.Logger
}

func (n *emailNotifier) Send(ctx context.Context, notice billing.Notice) error {
	m, err := n.members.GetMember(ctx, notice.UserID)
	if err != nil {
		return err
	}
	if m.Email == "" {
		n.logger.Warn("member has no email on file", slog.Int64("member_id", m.ID))
		return nil
	}
	_, err = n.queue.EnqueueSendEmail(ctx, jobs.SendEmailPayload{
		To:      m.Email,
		Subject: notice.Subject,
		Body:    notice.Body,
	})
	return err
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis connect", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	queue, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	membersRepo := members.NewRepository(dbpool)
	membersService := members.NewService(membersRepo)
	membersHandler := members.NewHandler(logger, membersService)

	metrics := observability.NewMetrics()
	billingMetrics := observability.NewBillingMetrics(metrics.Registerer())

	billingRepo := billing.NewRepository(dbpool)
	billingService := billing.NewService(billingRepo, membersService, logger, billing.ServiceConfig{
		Notifier: &emailNotifier{members: membersService, queue: queue, logger: logger},
		Balances: billing.NewBalanceCache(redisClient, cfg.BalanceCacheTTL),
		Metrics:  billingMetrics,
	})
	billingHandler := billing.NewHandler(logger, billingService, queue)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		BillingHandler: billingHandler,
		MembersHandler: membersHandler,
		JobHandler:     jobHandler,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
