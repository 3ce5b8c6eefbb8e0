package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	remotePool *pgxpool.Pool
)

// GetRemotePool returns the remote store pool. It is nil until ConnectRemoteWithRetry returns.
func GetRemotePool() *pgxpool.Pool {
	return remotePool
}

// NewRemotePool creates a pgxpool for dsn. Connections are opened lazily so the
// agent can start while the remote store is unreachable; the initial ping result
// is only logged.
func NewRemotePool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse remote dsn: %w", err)
	}
	cfg.MaxConns = int32(intFromEnv("REMOTE_DB_MAX_CONNS", 8))
	cfg.MaxConnIdleTime = time.Duration(intFromEnv("REMOTE_DB_MAX_IDLE_SECONDS", 300)) * time.Second
	cfg.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create remote pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		log.Printf("remote store not reachable yet: %v", err)
	}
	return pool, nil
}

// ConnectRemote sets the global remote pool from REMOTE_DATABASE_URL.
func ConnectRemote(ctx context.Context) error {
	dsn := strings.TrimSpace(os.Getenv("REMOTE_DATABASE_URL"))
	if dsn == "" {
		return fmt.Errorf("REMOTE_DATABASE_URL is required")
	}
	pool, err := NewRemotePool(ctx, dsn)
	if err != nil {
		return err
	}
	remotePool = pool
	return nil
}
