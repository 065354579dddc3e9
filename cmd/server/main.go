package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chainsyncstore/ChainSync-sub008/internal/cache"
	"github.com/chainsyncstore/ChainSync-sub008/internal/config"
	"github.com/chainsyncstore/ChainSync-sub008/internal/httpapi"
	"github.com/chainsyncstore/ChainSync-sub008/internal/ledger"
	"github.com/chainsyncstore/ChainSync-sub008/internal/loyalty"
	"github.com/chainsyncstore/ChainSync-sub008/internal/service"
	"github.com/chainsyncstore/ChainSync-sub008/internal/store"
	"github.com/chainsyncstore/ChainSync-sub008/internal/store/memory"
	pgstore "github.com/chainsyncstore/ChainSync-sub008/internal/store/postgres"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("WARN: could not load .env: %v", err)
	}
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	analyticsCache := cache.Cache(cache.Noop{})
	if cfg.RedisAddr != "" {
		redisCache, err := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
		} else {
			analyticsCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("cache: redis")
		}
	} else {
		log.Println("cache: noop")
	}

	var publisher loyalty.Publisher = loyalty.LogPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher := loyalty.NewKafkaPublisher(cfg.KafkaBrokers, cfg.LoyaltyTopic)
		publisher = kafkaPublisher
		closers = append(closers, kafkaPublisher.Close)
		log.Printf("loyalty publisher: kafka topic %s", cfg.LoyaltyTopic)
	} else {
		log.Println("loyalty publisher: log")
	}

	svc := service.New(repo, ledger.New(repo), analyticsCache,
		cfg.InitialTxStatus, time.Duration(cfg.AnalyticsCacheTTLSecs)*time.Second)
	api := httpapi.New(svc)

	dispatcher := loyalty.NewDispatcher(repo, publisher,
		time.Duration(cfg.OutboxPollIntervalSecs)*time.Second, cfg.OutboxMaxAttempts)
	dispatcherCtx, stopDispatcher := context.WithCancel(context.Background())
	go dispatcher.Run(dispatcherCtx)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("transaction service listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down")

	stopDispatcher()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARN: server shutdown: %v", err)
	}

	// One last drain so outbox entries written during shutdown still go out.
	if err := dispatcher.DrainOnce(shutdownCtx); err != nil {
		log.Printf("WARN: final outbox drain: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("WARN: close: %v", err)
		}
	}
}
