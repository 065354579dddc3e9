package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/chainsyncstore/ChainSync-sub008/internal/domain"
)

type Config struct {
	Port          string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers []string
	LoyaltyTopic string

	InitialTxStatus        domain.TransactionStatus
	AnalyticsCacheTTLSecs  int
	OutboxPollIntervalSecs int
	OutboxMaxAttempts      int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cacheTTL, err := strconv.Atoi(getEnv("ANALYTICS_CACHE_TTL_SECONDS", "300"))
	if err != nil || cacheTTL < 1 {
		cacheTTL = 300
	}
	pollInterval, err := strconv.Atoi(getEnv("OUTBOX_POLL_INTERVAL_SECONDS", "5"))
	if err != nil || pollInterval < 1 {
		pollInterval = 5
	}
	maxAttempts, err := strconv.Atoi(getEnv("OUTBOX_MAX_ATTEMPTS", "5"))
	if err != nil || maxAttempts < 1 {
		maxAttempts = 5
	}

	initialStatus := domain.TransactionStatus(getEnv("INITIAL_TX_STATUS", string(domain.TxStatusCompleted)))
	if !initialStatus.Valid() {
		initialStatus = domain.TxStatusCompleted
	}

	var brokers []string
	for _, b := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}

	return Config{
		Port:                   getEnv("PORT", "8080"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		KafkaBrokers:           brokers,
		LoyaltyTopic:           getEnv("LOYALTY_TOPIC", "loyalty-events"),
		InitialTxStatus:        initialStatus,
		AnalyticsCacheTTLSecs:  cacheTTL,
		OutboxPollIntervalSecs: pollInterval,
		OutboxMaxAttempts:      maxAttempts,
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
