package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("AUTH_MODE", "none")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Addr != ":8080" || c.BulkMaxItems != 100 || c.SequencerGapTimeout != 2*time.Second || c.DeduperTTL != 24*time.Hour {
		t.Fatalf("unexpected defaults %+v", c)
	}
	if c.Debug {
		t.Fatalf("debug should default to false")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/tasks")
	t.Setenv("AUTH_MODE", "hs256")
	t.Setenv("LOCAL_AUTH_SHARED_SECRET", "s3cret")
	t.Setenv("BULK_CONCURRENCY", "3")
	t.Setenv("MEMBER_CACHE_TTL", "90s")
	t.Setenv("DEBUG", "true")

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.StoreDriver != DriverPostgres || c.BulkConcurrency != 3 || c.MemberCacheTTL != 90*time.Second || !c.Debug {
		t.Fatalf("overrides not applied %+v", c)
	}
}

func TestLoadReportsEveryProblem(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("AUTH_MODE", "jwks")
	t.Setenv("AUTH0_DOMAIN", "")
	t.Setenv("BULK_MAX_ITEMS", "lots")
	t.Setenv("FEED_WORKERS", "0")
	t.Setenv("SEQUENCER_GAP_TIMEOUT", "-1s")

	_, err := Load()
	if err == nil {
		t.Fatalf("expected errors")
	}
	for _, want := range []string{"DATABASE_URL", "AUTH0_DOMAIN", "BULK_MAX_ITEMS", "FEED_WORKERS", "SEQUENCER_GAP_TIMEOUT"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %v", want, err)
		}
	}
}
