// Package config reads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Addr        string
	StoreDriver string
	DatabaseURL string

	RedisURL        string
	RealtimeChannel string
	DeduperTTL      time.Duration

	// Azure storage account backing the member directory and the change feed.
	StorageConnectionString string
	MembersTable            string
	ChangeFeedQueue         string
	MemberCacheTTL          time.Duration

	BulkConcurrency int
	BulkMaxItems    int
	AuditRetries    int

	WSSendBuffer        int
	WSPingInterval      time.Duration
	SequencerGapTimeout time.Duration

	FeedWorkers int
	FeedBuffer  int

	AuthMode        string
	Auth0Domain     string
	Auth0Audience   string
	LocalAuthSecret string
	JWKSCacheTTL    time.Duration

	OTLPEndpoint string
	ServiceName  string
	Debug        bool
	LogFormat    string
}

// Load reads every key, applying defaults. Malformed values are errors.
func Load() (Config, error) {
	var errs []error
	c := Config{
		Addr:        getenv("API_ADDR", ":8080"),
		StoreDriver: strings.ToLower(getenv("STORE_DRIVER", DriverPostgres)),
		DatabaseURL: getenv("DATABASE_URL", ""),

		RedisURL:        getenv("REDIS_CONNECTION_STRING", ""),
		RealtimeChannel: getenv("REALTIME_CHANNEL", "tasksync:realtime"),
		DeduperTTL:      envDur("DEDUPER_TTL", 24*time.Hour, &errs),

		StorageConnectionString: getenv("STORAGE_CONNECTION_STRING", ""),
		MembersTable:            getenv("MEMBERS_TABLE", "WorkspaceMembers"),
		ChangeFeedQueue:         getenv("CHANGE_FEED_QUEUE", "task-changes"),
		MemberCacheTTL:          envDur("MEMBER_CACHE_TTL", time.Minute, &errs),

		BulkConcurrency: envInt("BULK_CONCURRENCY", 8, &errs),
		BulkMaxItems:    envInt("BULK_MAX_ITEMS", 100, &errs),
		AuditRetries:    envInt("AUDIT_RETRIES", 3, &errs),

		WSSendBuffer:        envInt("WS_SEND_BUFFER", 64, &errs),
		WSPingInterval:      envDur("WS_PING_INTERVAL", 30*time.Second, &errs),
		SequencerGapTimeout: envDur("SEQUENCER_GAP_TIMEOUT", 2*time.Second, &errs),

		FeedWorkers: envInt("FEED_WORKERS", 4, &errs),
		FeedBuffer:  envInt("FEED_BUFFER", 1024, &errs),

		AuthMode:        strings.ToLower(getenv("AUTH_MODE", "jwks")),
		Auth0Domain:     getenv("AUTH0_DOMAIN", ""),
		Auth0Audience:   getenv("AUTH0_AUDIENCE", ""),
		LocalAuthSecret: getenv("LOCAL_AUTH_SHARED_SECRET", ""),
		JWKSCacheTTL:    envDur("JWKS_CACHE_TTL", 15*time.Minute, &errs),

		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:  getenv("OTEL_SERVICE_NAME", "tasksync"),
		Debug:        envBool("DEBUG", false, &errs),
		LogFormat:    strings.ToLower(getenv("LOG_FORMAT", "text")),
	}
	errs = append(errs, c.validate()...)
	return c, errors.Join(errs...)
}

func (c Config) validate() []error {
	var errs []error
	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_DRIVER=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver))
	}
	switch c.AuthMode {
	case "jwks":
		if c.Auth0Domain == "" || c.Auth0Audience == "" {
			errs = append(errs, errors.New("AUTH0_DOMAIN and AUTH0_AUDIENCE are required when AUTH_MODE=jwks"))
		}
	case "hs256":
		if c.LocalAuthSecret == "" {
			errs = append(errs, errors.New("LOCAL_AUTH_SHARED_SECRET must be set when AUTH_MODE=hs256"))
		}
	case "none":
	default:
		errs = append(errs, fmt.Errorf("unsupported AUTH_MODE %q", c.AuthMode))
	}
	for name, v := range map[string]int{
		"BULK_CONCURRENCY": c.BulkConcurrency,
		"BULK_MAX_ITEMS":   c.BulkMaxItems,
		"WS_SEND_BUFFER":   c.WSSendBuffer,
		"FEED_WORKERS":     c.FeedWorkers,
		"FEED_BUFFER":      c.FeedBuffer,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s: must be greater than zero", name))
		}
	}
	if c.AuditRetries < 0 {
		errs = append(errs, errors.New("invalid AUDIT_RETRIES: must not be negative"))
	}
	return errs
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int, errs *[]error) int {
	value := getenv(key, "")
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return n
}

func envDur(key string, fallback time.Duration, errs *[]error) time.Duration {
	value := getenv(key, "")
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Errorf("invalid %s: %q", key, value))
		return fallback
	}
	return d
}

func envBool(key string, fallback bool, errs *[]error) bool {
	value := getenv(key, "")
	if value == "" {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return fallback
	}
	return b
}
