package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("KAFKA_BROKERS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff([]string{"localhost:19092"}, cfg.KafkaBrokers); diff != "" {
		t.Errorf("brokers (-want +got):\n%s", diff)
	}
	if cfg.MaxRetries != 3 || cfg.RetryDelay != 5*time.Second {
		t.Errorf("unexpected retry policy %d/%v", cfg.MaxRetries, cfg.RetryDelay)
	}
	if cfg.SchedulerSpec != "@every 1m" {
		t.Errorf("unexpected scheduler spec %q", cfg.SchedulerSpec)
	}
	if !cfg.IsDevelopment() {
		t.Error("expected development mode")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092 ,")
	t.Setenv("QUEUE_MAX_RETRIES", "5")
	t.Setenv("QUEUE_RETRY_DELAY", "250ms")
	t.Setenv("STORE_DRIVER", "mongo")
	t.Setenv("SCHEDULER_TZ", "Nowhere/Invalid")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff([]string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers); diff != "" {
		t.Errorf("brokers (-want +got):\n%s", diff)
	}
	if cfg.MaxRetries != 5 || cfg.RetryDelay != 250*time.Millisecond {
		t.Errorf("unexpected retry policy %d/%v", cfg.MaxRetries, cfg.RetryDelay)
	}
	if cfg.StoreDriver != "mongo" {
		t.Errorf("expected mongo driver, got %q", cfg.StoreDriver)
	}
	if cfg.Location() != time.UTC {
		t.Errorf("unexpected location %s", cfg.Location())
	}
}

func TestLoadRejects(t *testing.T) {
	t.Run("unknown driver", func(t *testing.T) {
		t.Setenv("STORE_DRIVER", "postgres")
		if _, err := Load(); err == nil {
			t.Error("expected error for unknown driver")
		}
	})
	t.Run("default secret in production", func(t *testing.T) {
		t.Setenv("ENV", "production")
		t.Setenv("JWT_SECRET", "")
		if _, err := Load(); err == nil {
			t.Error("expected error for default secret in production")
		}
	})
}
