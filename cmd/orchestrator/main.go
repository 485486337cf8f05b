package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/rabbitmq"
	"github.com/wb-go/wbf/redis"
	"github.com/wb-go/wbf/zlog"

	notifhandler "github.com/notifykit/orchestrator/internal/api/handlers/notification"
	"github.com/notifykit/orchestrator/internal/api/router"
	"github.com/notifykit/orchestrator/internal/api/server"
	"github.com/notifykit/orchestrator/internal/channel"
	emailchannel "github.com/notifykit/orchestrator/internal/channel/email"
	pushchannel "github.com/notifykit/orchestrator/internal/channel/push"
	smschannel "github.com/notifykit/orchestrator/internal/channel/sms"
	"github.com/notifykit/orchestrator/internal/config"
	"github.com/notifykit/orchestrator/internal/dispatch"
	"github.com/notifykit/orchestrator/internal/orchestrator"
	"github.com/notifykit/orchestrator/internal/rabbitmq/queue"
	historyrepo "github.com/notifykit/orchestrator/internal/repository/history"
	notifrepo "github.com/notifykit/orchestrator/internal/repository/notification"
	recipientrepo "github.com/notifykit/orchestrator/internal/repository/recipient"
	"github.com/notifykit/orchestrator/internal/scheduler"
	notifsvc "github.com/notifykit/orchestrator/internal/service/notification"
	"github.com/notifykit/orchestrator/internal/worker"
	"github.com/notifykit/orchestrator/pkg/email"
	"github.com/notifykit/orchestrator/pkg/push"
	"github.com/notifykit/orchestrator/pkg/sms"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zlog.Init()
	cfg := config.Must()
	val := validator.New()

	conn, err := rabbitmq.Connect(cfg.RabbitMQ.URL(), cfg.RabbitMQ.Retries, cfg.RabbitMQ.Pause)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to rabbitmq")
	}

	ch, err := conn.Channel()
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to open channel")
	}

	q, err := queue.NewDispatchQueue(ch)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to create dispatch queue")
	}

	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	notifications := notifrepo.NewRepository(db)
	recipients := recipientrepo.NewRepository(db)
	histories := historyrepo.NewRepository(db)

	rdb := redis.New(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.Database)
	if err = rdb.Ping(ctx).Err(); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to redis")
	}

	emailClient := email.NewClient(
		cfg.Email.SMTPHost,
		cfg.Email.SMTPPort,
		cfg.Email.Username,
		cfg.Email.Password,
		cfg.Email.From,
	)
	smsClient := sms.NewClient(cfg.SMS.AccountSID, cfg.SMS.AuthToken, cfg.SMS.From)
	pushClient := push.NewClient(cfg.Push.ServerKey)

	registry := channel.NewRegistry(
		emailchannel.New(emailClient),
		smschannel.New(smsClient),
		pushchannel.New(pushClient),
	)

	orch := orchestrator.New(notifications, recipients, registry, histories, cfg.Backoff, cfg.Dispatch.SendTimeout)
	batcher := dispatch.NewBatcher(notifications, orch, cfg.Dispatch.BatchSize, cfg.Dispatch.Workers)

	sched := scheduler.New(notifications, recipients, orch, batcher, histories, cfg.Backoff, cfg.Sweeps)
	sched.Start(ctx)

	service := notifsvc.NewService(notifications, recipients, histories, q, orch, rdb, cfg.Backoff)
	handler := notifhandler.NewHandler(service, val, cfg)

	pool := worker.NewPool(q, orch)
	go pool.Run(ctx, cfg.Retry, cfg.Workers.Count)

	r := router.New(handler)
	s := server.New(cfg.Server.HTTPPort, r)

	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	zlog.Logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}

	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	sched.Stop()

	if err := db.Master.Close(); err != nil {
		zlog.Logger.Printf("failed to close master DB: %v", err)
	}

	for i, slave := range db.Slaves {
		if err := slave.Close(); err != nil {
			zlog.Logger.Printf("failed to close slave DB %d: %v", i, err)
		}
	}

	if err := ch.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close RabbitMQ channel")
	}

	if err := conn.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close RabbitMQ connection")
	}
}
