package main

import (
	"context"
	"flag"
	"time"

	"github.com/mahaj/chat-dispatch/pkg/config"
	"github.com/mahaj/chat-dispatch/pkg/db"
	"github.com/mahaj/chat-dispatch/pkg/logging"
	"github.com/mahaj/chat-dispatch/pkg/model"
	"github.com/mahaj/chat-dispatch/pkg/store"
)

// seed creates two demo users, a direct conversation between them and one
// scheduled message due shortly.
func main() {
	delay := flag.Duration("in", 90*time.Second, "how far in the future the scheduled message is due")
	content := flag.String("content", "Hello from the scheduler", "scheduled message content")
	flag.Parse()

	cfg, err := config.Load()
	log := logging.New("seed", "development", "info")
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	ctx := context.Background()

	session, err := db.Open(cfg.ScyllaHosts, cfg.Keyspace, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open ScyllaDB")
	}
	defer session.Close()

	scheduled, closeScheduled, err := store.OpenScheduled(ctx, cfg.StoreDriver, session, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open scheduled message store")
	}
	defer closeScheduled()

	users := store.NewScyllaUsers(session)
	for _, u := range []*model.User{
		{ID: "alice", Username: "alice", DisplayName: "Alice", Active: true},
		{ID: "bob", Username: "bob", DisplayName: "Bob", Active: true},
	} {
		if err := users.Create(ctx, u); err != nil {
			log.Fatal().Err(err).Str("user_id", u.ID).Msg("failed to create user")
		}
	}

	conv := &model.Conversation{
		Name:         "alice & bob",
		Type:         model.ConversationDirect,
		Participants: []string{"alice", "bob"},
		CreatorID:    "alice",
	}
	if err := store.NewScyllaConversations(session).Create(ctx, conv); err != nil {
		log.Fatal().Err(err).Msg("failed to create conversation")
	}

	m := &model.ScheduledMessage{
		ConversationID: conv.ID,
		SenderID:       "alice",
		Content:        *content,
		SendTime:       time.Now().Add(*delay),
	}
	if err := scheduled.Create(ctx, m); err != nil {
		log.Fatal().Err(err).Msg("failed to create scheduled message")
	}

	log.Info().
		Str("conversation_id", conv.ID).
		Str("scheduled_message_id", m.ID).
		Time("send_time", m.SendTime).
		Str("driver", cfg.StoreDriver).
		Msg("seeded")
}
