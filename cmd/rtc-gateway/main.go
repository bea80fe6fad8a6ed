package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gocql/gocql"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ceejay06s/Samp-rtc-sub009/internal/config"
	"github.com/ceejay06s/Samp-rtc-sub009/internal/handler/ws"
	"github.com/ceejay06s/Samp-rtc-sub009/internal/repository/cassandra"
	"github.com/ceejay06s/Samp-rtc-sub009/internal/repository/cockroach"
	redisrepo "github.com/ceejay06s/Samp-rtc-sub009/internal/repository/redis"
	"github.com/ceejay06s/Samp-rtc-sub009/internal/transport"
	"github.com/ceejay06s/Samp-rtc-sub009/pkg/logger"
	"github.com/ceejay06s/Samp-rtc-sub009/pkg/push"
)

func main() {
	cfg := config.Load()

	logFormat := "json"
	if !cfg.IsProduction() {
		logFormat = "text"
	}
	if err := logger.Init(&logger.Config{Level: cfg.LogLevel, Format: logFormat}); err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CockroachDB: conversations, calls, signaling artifacts.
	pool, err := pgxpool.New(ctx, cfg.CockroachDSN)
	if err != nil {
		logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("CockroachDB ping failed", zap.Error(err))
	}

	// Cassandra: the append-heavy message log.
	cluster := gocql.NewCluster(cfg.CassandraHosts...)
	cluster.Keyspace = cfg.CassandraKeyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 10 * time.Second
	session, err := cluster.CreateSession()
	if err != nil {
		logger.Fatal("Failed to connect to Cassandra", zap.Error(err))
	}
	defer session.Close()

	// Redis: pub/sub transport plus presence and token state.
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = redisClient.Close() }()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("Redis ping failed", zap.Error(err))
	}

	tr := transport.NewRedisTransport(redisClient)
	defer func() { _ = tr.Close() }()

	tokens := redisrepo.NewTokenRepository(redisClient)
	notifier := buildNotifier(cfg, tokens)

	gateway := ws.New(ws.Deps{
		Transport: tr,
		Messages:  cassandra.NewMessageRepository(session),
		Convs:     cockroach.NewConversationRepository(pool),
		Calls:     cockroach.NewCallRepository(pool),
		Signals:   cockroach.NewSignalRepository(pool),
		Presence:  redisrepo.NewPresenceRepository(redisClient, cfg.PresenceTTL),
		Notifier:  notifier,
		Tokens:    tokens,
		Cfg:       cfg,
	})

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	gateway.Register(router)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("Gateway listening", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	gateway.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}

// buildNotifier prefers FCM, falls back to APNs, and runs with the mock
// provider when neither is configured.
func buildNotifier(cfg *config.Config, tokens *redisrepo.TokenRepository) *push.Notifier {
	if cfg.FCMCredentialsPath != "" {
		provider, err := push.NewFCMProvider(&push.FCMConfig{
			CredentialsPath: cfg.FCMCredentialsPath,
			ProjectID:       cfg.FCMProjectID,
		})
		if err == nil {
			return push.NewNotifier(provider, tokens)
		}
		logger.Warn("FCM init failed, trying APNs", zap.Error(err))
	}

	if cfg.APNsKeyPath != "" {
		provider, err := push.NewAPNsProvider(&push.APNsConfig{
			KeyPath:    cfg.APNsKeyPath,
			KeyID:      cfg.APNsKeyID,
			TeamID:     cfg.APNsTeamID,
			BundleID:   cfg.APNsBundleID,
			Production: cfg.IsProduction(),
		})
		if err == nil {
			return push.NewNotifier(provider, tokens)
		}
		logger.Warn("APNs init failed, using mock provider", zap.Error(err))
	}

	return push.NewNotifier(&push.MockProvider{}, tokens)
}
