package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasksync/api"
	"tasksync/audit"
	"tasksync/config"
	"tasksync/notify"
	"tasksync/pipeline"
	"tasksync/realtime"
	"tasksync/storage"
	"tasksync/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{ServiceName: cfg.ServiceName, Endpoint: cfg.OTLPEndpoint}, logger)
	if err != nil {
		logger.Fatalf("telemetry: %v", err)
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("storage: %v", err)
	}

	var rc *redis.Client
	if cfg.RedisURL != "" {
		rc = redis.NewClient(redisOptions(cfg.RedisURL))
	}

	var members storage.MemberRegistry = store
	var feed *pipeline.Feed
	if cfg.StorageConnectionString != "" {
		if err := storage.EnsureAzureResources(ctx, cfg.StorageConnectionString, []string{cfg.MembersTable}, []string{cfg.ChangeFeedQueue}); err != nil {
			logger.Fatalf("azure resources: %v", err)
		}
		dir, err := storage.NewTableDirectory(cfg.StorageConnectionString, cfg.MembersTable)
		if err != nil {
			logger.Fatalf("member directory: %v", err)
		}
		members = dir
		queue, err := storage.NewQueueFeed(cfg.StorageConnectionString, cfg.ChangeFeedQueue)
		if err != nil {
			logger.Fatalf("change feed: %v", err)
		}
		feed = pipeline.NewFeed(pipeline.FeedConfig{
			Workers: cfg.FeedWorkers,
			Buffer:  cfg.FeedBuffer,
		}, queue, logger)
	}
	if rc != nil {
		members = storage.NewMemberCache(members, rc, cfg.MemberCacheTTL)
	}

	hub := realtime.NewHub(logger)
	local := realtime.NewLocalBroadcaster(hub, cfg.SequencerGapTimeout, logger)
	relayCtx, stopRelay := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	var broadcaster realtime.Broadcaster = local
	var redisBroadcaster *realtime.RedisBroadcaster
	if rc != nil {
		redisBroadcaster = realtime.NewRedisBroadcaster(rc, cfg.RealtimeChannel, 0, logger)
		broadcaster = redisBroadcaster
		go func() {
			defer close(relayDone)
			realtime.Relay(relayCtx, rc, cfg.RealtimeChannel, local, logger)
		}()
	} else {
		close(relayDone)
	}

	svc := pipeline.NewService(pipeline.Deps{
		Guard:       pipeline.NewGuard(store, members, logger),
		Tasks:       store,
		Comments:    store,
		Audit:       audit.NewWriter(store, logger, cfg.AuditRetries),
		Router:      notify.NewRouter(members, store, broadcaster, logger),
		Broadcaster: broadcaster,
		Feed:        feed,
		Logger:      logger,
	})

	auth, jwks, err := newAuth(cfg, logger)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}

	deps := api.Deps{
		Service:       svc,
		Bulk:          pipeline.NewBulkCoordinator(svc, cfg.BulkConcurrency, cfg.BulkMaxItems, logger),
		History:       audit.NewReader(store, members),
		Notifications: store,
		Members:       members,
		Auth:          auth,
		Ready:         store,
		Realtime: realtime.NewServer(hub, auth, store, members, realtime.ServerConfig{
			SendBuffer:   cfg.WSSendBuffer,
			PingInterval: cfg.WSPingInterval,
		}, logger),
		Logger: logger,
	}
	if rc != nil {
		deps.Deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover(), middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, api.HeaderIdempotencyKey, "If-Match", "If-None-Match"},
		ExposeHeaders: []string{"ETag"},
	}))
	api.Register(e, deps)

	go func() {
		if err := e.Start(cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server: %v", err)
		}
	}()
	logger.WithField("addr", cfg.Addr).Info("tasksync listening")

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	stopRelay()
	<-relayDone
	if redisBroadcaster != nil {
		redisBroadcaster.Close()
	}
	if feed != nil {
		feed.Close()
	}
	if jwks != nil {
		jwks.EndBackground()
	}
	if rc != nil {
		_ = rc.Close()
	}
	if err := store.Close(); err != nil {
		logger.WithError(err).Warn("store close")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("telemetry shutdown")
	}
}

func newLogger(cfg config.Config) *log.Logger {
	logger := log.New()
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	return logger
}

func openStore(ctx context.Context, cfg config.Config, logger *log.Logger) (storage.Store, error) {
	if cfg.StoreDriver == config.DriverMemory {
		logger.Warn("using in-memory store; data is lost on restart")
		return storage.NewMemoryStore(), nil
	}
	db, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := storage.ApplyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return storage.NewPostgresStore(db), nil
}

func newAuth(cfg config.Config, logger *log.Logger) (*api.Auth, *keyfunc.JWKS, error) {
	ac := api.AuthConfig{Mode: cfg.AuthMode, KeyCacheTTL: cfg.JWKSCacheTTL}
	var jwks *keyfunc.JWKS
	switch cfg.AuthMode {
	case api.AuthModeJWKS:
		var err error
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.Auth0Domain)
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			RefreshInterval: time.Hour,
			RefreshErrorHandler: func(err error) {
				logger.WithError(err).Warn("jwks refresh failed")
			},
		})
		if err != nil {
			return nil, nil, fmt.Errorf("jwks: %w", err)
		}
		ac.JWKS = jwks
		ac.Audience = cfg.Auth0Audience
		ac.Issuer = "https://" + cfg.Auth0Domain + "/"
	case api.AuthModeHS256:
		ac.Secret = []byte(cfg.LocalAuthSecret)
	case api.AuthModeNone:
		logger.Warn("AUTH_MODE=none trusts bearer values as user ids")
	}
	auth, err := api.NewAuth(ac)
	return auth, jwks, err
}

// redisOptions accepts a redis:// URL or the host:port,password=...,ssl=true
// form used by Azure Cache for Redis.
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "password":
			opts.Password = v
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(v), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts
}
