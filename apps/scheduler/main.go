package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mahaj/chat-dispatch/pkg/admin"
	"github.com/mahaj/chat-dispatch/pkg/auth"
	"github.com/mahaj/chat-dispatch/pkg/chat"
	"github.com/mahaj/chat-dispatch/pkg/config"
	"github.com/mahaj/chat-dispatch/pkg/db"
	"github.com/mahaj/chat-dispatch/pkg/logging"
	"github.com/mahaj/chat-dispatch/pkg/queue"
	"github.com/mahaj/chat-dispatch/pkg/scheduler"
	"github.com/mahaj/chat-dispatch/pkg/snowflake"
	"github.com/mahaj/chat-dispatch/pkg/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("scheduler", "production", "info")
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.New("scheduler", cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := db.Open(cfg.ScyllaHosts, cfg.Keyspace, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open ScyllaDB")
	}
	defer session.Close()

	scheduled, closeScheduled, err := store.OpenScheduled(ctx, cfg.StoreDriver, session, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open scheduled message store")
	}
	defer closeScheduled()

	q := queue.NewKafkaQueue(queue.KafkaConfig{
		Brokers:      cfg.KafkaBrokers,
		PrimaryTopic: cfg.PrimaryTopic,
		RetryTopic:   cfg.RetryTopic,
		MaxRetries:   cfg.MaxRetries,
		RetryDelay:   cfg.RetryDelay,
	}, logging.Component(log, "queue"))
	defer q.Close()

	sched, err := scheduler.New(scheduled, q, logging.Component(log, "scheduler"),
		scheduler.WithSpec(cfg.SchedulerSpec),
		scheduler.WithBatchSize(cfg.SchedulerBatch),
		scheduler.WithLocation(cfg.Location()),
		scheduler.WithReleaseOnEnqueueError(cfg.ReleaseOnEnqueue),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid scheduler configuration")
	}
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}
	defer sched.Stop()

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize snowflake node")
	}
	svc := chat.NewService(store.NewScyllaMessages(session), store.NewScyllaConversations(session), store.NewScyllaUsers(session), node)

	h := admin.NewHandler(sched, q, scheduled, svc, logging.Component(log, "admin"),
		admin.WithCheck("scylla", session.Ping),
	)
	srv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           admin.NewRouter(h, auth.NewSigner(cfg.JWTSecret, 0)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.AdminAddr).Msg("scheduler admin listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("admin server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admin shutdown failed")
	}
}
