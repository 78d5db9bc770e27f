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
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/mahaj/chat-dispatch/pkg/auth"
	"github.com/mahaj/chat-dispatch/pkg/chat"
	"github.com/mahaj/chat-dispatch/pkg/config"
	"github.com/mahaj/chat-dispatch/pkg/db"
	"github.com/mahaj/chat-dispatch/pkg/logging"
	"github.com/mahaj/chat-dispatch/pkg/metrics"
	"github.com/mahaj/chat-dispatch/pkg/presence"
	"github.com/mahaj/chat-dispatch/pkg/snowflake"
	"github.com/mahaj/chat-dispatch/pkg/store"
)

// server holds the read-side dependencies shared by the handlers.
type server struct {
	chat     *chat.Service
	messages store.MessageStore
	convs    store.ConversationStore
	users    store.UserDirectory
	presence presence.Store
	signer   *auth.Signer
	log      zerolog.Logger
}

func (s *server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(logging.Middleware(s.log))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"}, // Allow all for dev
		AllowedMethods: []string{"POST", "GET", "OPTIONS", "PUT", "DELETE"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Content-Length", "Accept-Encoding", "X-CSRF-Token", "Authorization"},
	}))

	// Public endpoint
	r.Post("/login", s.login)

	// Protected endpoints
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.signer))
		r.Get("/history", s.history)
		r.Get("/conversations", s.conversations)
		r.Post("/conversations/read", s.markRead)
		r.Get("/rooms/{id}/members", s.roomMembers)
	})
	return r
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("api", "production", "info")
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.New("api", cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := db.NewSession(cfg.ScyllaHosts, cfg.Keyspace, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to ScyllaDB")
	}
	defer session.Close()

	ps := presence.NewRedis(cfg.RedisAddr)
	defer ps.Close()

	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize snowflake node")
	}
	s := &server{
		messages: store.NewScyllaMessages(session),
		convs:    store.NewScyllaConversations(session),
		users:    store.NewScyllaUsers(session),
		presence: ps,
		signer:   auth.NewSigner(cfg.JWTSecret, 0),
		log:      log,
	}
	s.chat = chat.NewService(s.messages, s.convs, s.users, node)

	srv := &http.Server{Addr: cfg.APIAddr, Handler: s.routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.APIAddr).Msg("API service starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("api server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("api shutdown failed")
	}
}
