// Command loadstate bulk-loads card profiles into the card state store.
//
// Usage:
//
//	go run ./cmd/loadstate -file card_lookup.csv [-backend redis|postgres]
//
// The file holds card_id,upper_control_limit,score,postal_code,transaction_dt
// rows with an optional header. Existing records for the same cards are
// replaced. Connection settings come from the same environment variables as
// the server (REDIS_ADDR, REDIS_PASSWORD, REDIS_DB, DATABASE_URL).
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/cardguard/internal/cardstate"
	"github.com/mbd888/cardguard/internal/config"
	"github.com/mbd888/cardguard/internal/logging"
)

func main() {
	_ = godotenv.Load()

	file := flag.String("file", "", "profile export to load (required)")
	backend := flag.String("backend", os.Getenv("STATE_BACKEND"), "card state backend: redis or postgres")
	concurrency := flag.Int("concurrency", 16, "writes in flight")
	flag.Parse()

	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	if err := run(*file, strings.ToLower(*backend), *concurrency); err != nil {
		logger.Error("load failed", "error", err)
		os.Exit(1)
	}
}

func run(path, backend string, concurrency int) error {
	if path == "" {
		return errors.New("-file is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, backend)
	if err != nil {
		return err
	}
	defer closeStore()

	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")
	start := time.Now()
	n, err := cardstate.Import(ctx, f, store, concurrency)
	if err != nil {
		return err
	}
	logger.Info("card profiles loaded", "file", path, "backend", backend, "cards", n, "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func openStore(ctx context.Context, backend string) (cardstate.Store, func(), error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	switch backend {
	case config.BackendRedis:
		addrs := strings.Split(os.Getenv("REDIS_ADDR"), ",")
		if addrs[0] == "" {
			addrs = []string{config.DefaultRedisAddr}
		}
		db, _ := strconv.Atoi(os.Getenv("REDIS_DB"))
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       db,
		})
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		return cardstate.NewRedisStore(client), func() { _ = client.Close() }, nil

	case config.BackendPostgres:
		url := os.Getenv("DATABASE_URL")
		if url == "" {
			return nil, nil, errors.New("DATABASE_URL is required for the postgres backend")
		}
		db, err := sql.Open("postgres", url)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(pingCtx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		store := cardstate.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrate card state: %w", err)
		}
		return store, func() { _ = db.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("-backend must be redis or postgres (got %q)", backend)
	}
}
