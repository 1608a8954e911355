package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"rolodex/internal/adapters/config"
)

// Client owns the PostgreSQL connection pool shared by the repositories
type Client struct {
	db *sqlx.DB
}

// NewClient connects, configures the pool from config and verifies the
// connection with a ping before handing it out
func NewClient(cfg config.PostgresConfig) (*Client, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns / 2)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Client{db: db}, nil
}

// DB exposes the pool for repository constructors
func (c *Client) DB() *sqlx.DB {
	return c.db
}

// Close releases the pool
func (c *Client) Close() error {
	return c.db.Close()
}

// Health pings the database; used by the health endpoint
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}
