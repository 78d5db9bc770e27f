package db

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/rs/zerolog"
)

type Session struct {
	*gocql.Session
}

func NewSession(hosts []string, keyspace string, log zerolog.Logger) (*Session, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second

	// Retry policy
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect scylla keyspace %q: %w", keyspace, err)
	}

	log.Info().Strs("hosts", hosts).Str("keyspace", keyspace).Msg("connected to ScyllaDB cluster")
	return &Session{Session: session}, nil
}

// Open creates the keyspace if needed, connects to it and applies the schema.
func Open(hosts []string, keyspace string, log zerolog.Logger) (*Session, error) {
	sys, err := NewSession(hosts, "system", log)
	if err != nil {
		return nil, err
	}
	err = sys.Query(fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : 1 }`, keyspace)).Exec()
	sys.Close()
	if err != nil {
		return nil, fmt.Errorf("create keyspace: %w", err)
	}

	session, err := NewSession(hosts, keyspace, log)
	if err != nil {
		return nil, err
	}
	if err := Migrate(session); err != nil {
		session.Close()
		return nil, err
	}
	return session, nil
}

// Ping runs a trivial query against the local node.
func (s *Session) Ping(ctx context.Context) error {
	return s.Query(`SELECT now() FROM system.local`).WithContext(ctx).Exec()
}
