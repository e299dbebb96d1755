package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/smtp"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/harborview-assoc/harborview/internal/app"
	"github.com/harborview-assoc/harborview/internal/billing"
	jobmetrics "github.com/harborview-assoc/harborview/internal/jobs"
	"github.com/harborview-assoc/harborview/internal/members"
	"github.com/harborview-assoc/harborview/internal/platform/db"
	"github.com/harborview-assoc/harborview/jobs"
)

// smtpMailer delivers queued emails through the configured SMTP relay.
type smtpMailer struct {
	addr   string
	from   string
	logger *slog.Logger
}

func (m *smtpMailer) handle(ctx context.Context, t *asynq.Task) error {
	var payload jobs.SendEmailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		m.from, payload.To, payload.Subject, payload.Body)
	if err := smtp.SendMail(m.addr, nil, m.from, []string{payload.To}, []byte(msg)); err != nil {
		m.logger.Error("smtp send", slog.String("to", payload.To), slog.Any("error", err))
		return err
	}
	return nil
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	membersRepo := members.NewRepository(pool)
	membersService := members.NewService(membersRepo)

	billingRepo := billing.NewRepository(pool)
	billingService := billing.NewService(billingRepo, membersService, logger, billing.ServiceConfig{})
	sweepJob := billing.NewLateFeeSweepJob(billingService, logger, jobmetrics.NewMetrics(nil))

	mailer := &smtpMailer{
		addr:   fmt.Sprintf("%s:%d", cfg.SMTPHost, cfg.SMTPPort),
		from:   cfg.SMTPFrom,
		logger: logger,
	}

	sweepTask, err := jobs.NewLateFeeSweepTask(jobs.LateFeeSweepPayload{})
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeSendEmail, Handler: mailer.handle},
			{Type: jobs.TaskTypeLateFeeSweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.LateFeeCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
