package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mahaj/chat-dispatch/pkg/chat"
	"github.com/mahaj/chat-dispatch/pkg/config"
	"github.com/mahaj/chat-dispatch/pkg/db"
	"github.com/mahaj/chat-dispatch/pkg/fanout"
	"github.com/mahaj/chat-dispatch/pkg/logging"
	"github.com/mahaj/chat-dispatch/pkg/queue"
	"github.com/mahaj/chat-dispatch/pkg/respond"
	"github.com/mahaj/chat-dispatch/pkg/snowflake"
	"github.com/mahaj/chat-dispatch/pkg/store"
	"github.com/mahaj/chat-dispatch/pkg/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("messaging", "production", "info")
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.New("messaging", cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Note: In production, schema creation should be handled by migration tools
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

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize snowflake node")
	}
	svc := chat.NewService(store.NewScyllaMessages(session), store.NewScyllaConversations(session), store.NewScyllaUsers(session), node)

	q := queue.NewKafkaQueue(queue.KafkaConfig{
		Brokers:      cfg.KafkaBrokers,
		PrimaryTopic: cfg.PrimaryTopic,
		RetryTopic:   cfg.RetryTopic,
		Group:        cfg.WorkerGroup,
		RetryGroup:   cfg.RetryGroup,
		Consumers:    cfg.WorkerConsumers,
		MaxRetries:   cfg.MaxRetries,
		RetryDelay:   cfg.RetryDelay,
	}, logging.Component(log, "queue"))
	defer q.Close()

	// new_message events reach sockets through the gateways' fan-out consumers.
	pub := fanout.NewPublisher(cfg.KafkaBrokers, cfg.FanoutTopic)
	defer pub.Close()

	wk := worker.New(scheduled, svc, q, pub, logging.Component(log, "worker"), worker.WithMaxRetries(cfg.MaxRetries))

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := session.Ping(r.Context()); err != nil {
			respond.Error(w, http.StatusServiceUnavailable, "scylla unreachable")
			return
		}
		st, err := q.Status(r.Context())
		if err != nil {
			respond.Error(w, http.StatusServiceUnavailable, "queue status unavailable")
			return
		}
		respond.OK(w, st)
	})
	srv := &http.Server{Addr: cfg.MessagingAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	log.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.PrimaryTopic).Msg("starting delivery worker")
	if err := wk.Run(ctx, q); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("delivery worker stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("messaging service stopped")
}
