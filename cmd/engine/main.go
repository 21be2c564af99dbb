package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/corebook/trading-engine/api"
	"github.com/corebook/trading-engine/cache"
	"github.com/corebook/trading-engine/config"
	"github.com/corebook/trading-engine/engine"
	"github.com/corebook/trading-engine/events"
	"github.com/corebook/trading-engine/logging"
	"github.com/corebook/trading-engine/persistence"
	"github.com/corebook/trading-engine/profiling"
)

func main() {
	cfg := config.Load()
	log := logging.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Postgres is the system of record; refuse to start without it.
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("failed to open postgres connection")
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		log.WithError(err).Fatal("failed to reach postgres")
	}
	cancel()

	store := persistence.NewPostgresStore(db)
	if err := store.InitSchema(ctx); err != nil {
		log.WithError(err).Fatal("failed to initialize schema")
	}

	retryQueue := persistence.NewRetryQueue(store, 1024, 10, 5*time.Second)
	retryQueue.Start()
	defer retryQueue.Stop()

	// Redis backs the market data cache and the rate limiter. Both
	// degrade gracefully, so a missing Redis is a warning, not a fatal.
	var marketCache *cache.MarketCache
	redisCache, err := cache.NewRedisCache(ctx, &cache.RedisCacheConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.WithError(err).Warn("redis unavailable, market data cache disabled")
	} else {
		marketCache = cache.NewMarketCache(redisCache, cfg.DepthCacheTTL)
		defer redisCache.Close()
	}

	kafkaCfg := events.DefaultKafkaConfig()
	kafkaCfg.Brokers = cfg.KafkaBrokers
	publisher := events.NewKafkaPublisher(kafkaCfg)
	defer publisher.Close()

	me := engine.NewMatchingEngine(engine.Config{
		QueueSize:      cfg.EngineQueueSize,
		MaxOrderAge:    cfg.MaxOrderAge,
		ExpiryInterval: cfg.ExpiryInterval,
	}, persistence.NewResilientStore(store, retryQueue), publisher)

	if err := me.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start matching engine")
	}

	if cfg.PprofPort > 0 {
		profiler := profiling.NewProfiler(cfg.PprofPort)
		profiler.Start()
		defer profiler.Stop(context.Background())
	}

	router := api.NewRouter(me, store, marketCache, redisClientOrNil(redisCache))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logging.LogServerStarted(cfg.HTTPPort, []string{
			"matching", "websocket", "kafka", "postgres", "redis_cache", "rate_limiting",
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http server shutdown failed")
	}
	if err := me.Stop(); err != nil {
		log.WithError(err).Error("matching engine shutdown failed")
	}
	if err := db.Close(); err != nil {
		log.WithError(err).Error("postgres close failed")
	}

	log.WithFields(logrus.Fields{"event": "server_stopped"}).Info("shutdown complete")
}

func redisClientOrNil(rc *cache.RedisCache) *redis.Client {
	if rc == nil {
		return nil
	}
	return rc.GetClient()
}
