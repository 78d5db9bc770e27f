package main

import (
	"flag"

	"github.com/mahaj/chat-dispatch/pkg/config"
	"github.com/mahaj/chat-dispatch/pkg/db"
	"github.com/mahaj/chat-dispatch/pkg/logging"
)

func main() {
	recreate := flag.Bool("recreate", false, "apply the schema again after dropping it")
	flag.Parse()

	cfg, err := config.Load()
	log := logging.New("reset_schema", "development", "info")
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	session, err := db.NewSession(cfg.ScyllaHosts, cfg.Keyspace, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to ScyllaDB")
	}
	defer session.Close()

	log.Info().Str("keyspace", cfg.Keyspace).Msg("dropping tables")
	if err := db.Drop(session); err != nil {
		log.Fatal().Err(err).Msg("failed to drop tables")
	}
	log.Info().Msg("tables dropped")

	if *recreate {
		if err := db.Migrate(session); err != nil {
			log.Fatal().Err(err).Msg("failed to recreate tables")
		}
		log.Info().Msg("tables recreated")
	}
}
