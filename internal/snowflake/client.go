// Package snowflake loads normalized report rows into Snowflake tables.
package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/snowflakedb/gosnowflake"

	"github.com/ignite/ecomm-report-extractor/internal/config"
)

// Client wraps a Snowflake connection pool.
type Client struct {
	db *sql.DB
}

// DSN builds a gosnowflake data source name from config.
func DSN(cfg config.SnowflakeConfig) (string, error) {
	if cfg.Account == "" || cfg.User == "" {
		return "", fmt.Errorf("snowflake: account and user are required")
	}
	return gosnowflake.DSN(&gosnowflake.Config{
		Account:   cfg.Account,
		User:      cfg.User,
		Password:  cfg.Password,
		Database:  cfg.Database,
		Schema:    cfg.Schema,
		Warehouse: cfg.Warehouse,
		Role:      cfg.Role,
	})
}

// NewClient opens a connection pool. The connection is not verified until
// Ping or the first load.
func NewClient(cfg config.SnowflakeConfig) (*Client, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open snowflake connection: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Client{db: db}, nil
}

// NewClientWithDB wraps an already opened database handle.
func NewClientWithDB(db *sql.DB) *Client {
	return &Client{db: db}
}

// Close closes the database connection
func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Ping tests the database connection
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}
