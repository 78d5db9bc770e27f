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
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/mahaj/chat-dispatch/pkg/auth"
	"github.com/mahaj/chat-dispatch/pkg/chat"
	"github.com/mahaj/chat-dispatch/pkg/config"
	"github.com/mahaj/chat-dispatch/pkg/db"
	"github.com/mahaj/chat-dispatch/pkg/fanout"
	"github.com/mahaj/chat-dispatch/pkg/hub"
	"github.com/mahaj/chat-dispatch/pkg/logging"
	"github.com/mahaj/chat-dispatch/pkg/metrics"
	"github.com/mahaj/chat-dispatch/pkg/presence"
	"github.com/mahaj/chat-dispatch/pkg/respond"
	"github.com/mahaj/chat-dispatch/pkg/snowflake"
	"github.com/mahaj/chat-dispatch/pkg/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("gateway", "production", "info")
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.New("gateway", cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := db.Open(cfg.ScyllaHosts, cfg.Keyspace, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open ScyllaDB")
	}
	defer session.Close()

	ps := presence.NewRedis(cfg.RedisAddr)
	defer ps.Close()
	if err := ps.Ping(ctx); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to reach Redis")
	}

	// In production, node ID should be unique per instance (e.g., from env var or service discovery)
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize snowflake node")
	}
	svc := chat.NewService(store.NewScyllaMessages(session), store.NewScyllaConversations(session), store.NewScyllaUsers(session), node)

	gatewayID := "gateway-" + uuid.NewString()
	relay := fanout.NewPublisher(cfg.KafkaBrokers, cfg.FanoutTopic)
	defer relay.Close()

	h := hub.New(svc, ps, logging.Component(log, "hub").With().Str("gateway", gatewayID).Logger(), hub.WithRelay(relay, gatewayID))
	go h.Run(ctx)

	// Consumer for fanout: every gateway reads every broadcast.
	sub := fanout.NewSubscriber(cfg.KafkaBrokers, cfg.FanoutTopic, h, logging.Component(log, "fanout"))
	defer sub.Close()
	go sub.Run(ctx)

	signer := auth.NewSigner(cfg.JWTSecret, 0)
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Handle("/ws", h.ServeWs(ctx, signer, rate.Limit(cfg.SocketRate), cfg.SocketBurst))
	r.Handle("/metrics", promhttp.Handler())
	r.With(metrics.Middleware, logging.Middleware(log)).Mount("/admin/socket", h.AdminRoutes(signer))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := ps.Ping(r.Context()); err != nil {
			respond.Error(w, http.StatusServiceUnavailable, "redis unreachable")
			return
		}
		respond.OK(w, map[string]any{"gateway": gatewayID, "online": len(h.Online())})
	})

	srv := &http.Server{Addr: cfg.GatewayAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.GatewayAddr).Str("gateway", gatewayID).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("gateway server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("gateway shutdown failed")
	}
}
