package db

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3/log"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rajivgeraev/aski-chat/internal/config"
)

// Pool is the archive connection pool
var Pool *pgxpool.Pool

// InitDB connects to the archive database
func InitDB(cfg *config.Config) error {
	var err error

	log.Infof("Connecting to archive database %s:%s/%s",
		cfg.DatabaseConfig.Host, cfg.DatabaseConfig.Port, cfg.DatabaseConfig.Name)

	// Bound the connection attempt
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse database url: %w", err)
	}

	// The archive sees one writer per session
	poolConfig.MaxConns = 4
	poolConfig.MinConns = 1

	Pool, err = pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("create connection pool: %w", err)
	}

	if err = Pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	log.Info("✅ Connected to archive database")
	return nil
}

// CloseDB closes the pool
func CloseDB() {
	if Pool != nil {
		Pool.Close()
	}
}

// GetContext returns a context with the query timeout
func GetContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// withTimeout bounds a query by the caller context and the query timeout
func withTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 5*time.Second)
}
