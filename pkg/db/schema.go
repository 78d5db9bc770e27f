package db

import "fmt"

// Table is one CQL table owned by this module.
type Table struct {
	Name string
	DDL  string
}

// Tables lists the schema in creation order.
var Tables = []Table{
	{"scheduled_messages", `CREATE TABLE IF NOT EXISTS scheduled_messages (
		id text PRIMARY KEY,
		conversation_id text,
		sender_id text,
		content text,
		content_type text,
		send_time timestamp,
		repeat text,
		repeat_interval int,
		queued boolean,
		sent boolean,
		failed boolean,
		queued_at timestamp,
		sent_at timestamp,
		failed_at timestamp,
		error_message text,
		message_id bigint,
		created_at timestamp
	)`},
	{"messages", `CREATE TABLE IF NOT EXISTS messages (
		conversation_id text,
		id bigint,
		sender_id text,
		content text,
		content_type text,
		status text,
		origin_source text,
		origin_id text,
		client_info text,
		created_at timestamp,
		PRIMARY KEY (conversation_id, id)
	) WITH CLUSTERING ORDER BY (id DESC)`},
	{"message_origins", `CREATE TABLE IF NOT EXISTS message_origins (
		origin_id text PRIMARY KEY,
		conversation_id text,
		message_id bigint,
		created_at timestamp
	)`},
	{"conversations", `CREATE TABLE IF NOT EXISTS conversations (
		id text PRIMARY KEY,
		name text,
		type text,
		participants set<text>,
		creator_id text,
		last_message_content text,
		last_message_sender text,
		last_message_at timestamp,
		updated_at timestamp,
		created_at timestamp
	)`},
	{"user_conversations", `CREATE TABLE IF NOT EXISTS user_conversations (
		user_id text,
		conversation_id text,
		last_updated timestamp,
		PRIMARY KEY (user_id, conversation_id)
	)`},
	{"conversation_counters", `CREATE TABLE IF NOT EXISTS conversation_counters (
		user_id text,
		conversation_id text,
		unread_count counter,
		PRIMARY KEY (user_id, conversation_id)
	)`},
	{"users", `CREATE TABLE IF NOT EXISTS users (
		id text PRIMARY KEY,
		username text,
		first_name text,
		last_name text,
		display_name text,
		active boolean
	)`},
}

// Migrate creates every table that does not exist yet.
func Migrate(s *Session) error {
	for _, t := range Tables {
		if err := s.Query(t.DDL).Exec(); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// Drop removes every table owned by this module.
func Drop(s *Session) error {
	for i := len(Tables) - 1; i >= 0; i-- {
		if err := s.Query("DROP TABLE IF EXISTS " + Tables[i].Name).Exec(); err != nil {
			return fmt.Errorf("drop table %s: %w", Tables[i].Name, err)
		}
	}
	return nil
}
