// Package neo4jgraph mirrors contract trees and their entities into Neo4j.
package neo4jgraph

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Config holds the connection settings. An empty URI disables Neo4j.
type Config struct {
	URI            string `json:"uri" yaml:"uri"`
	User           string `json:"user" yaml:"user"`
	Password       string `json:"-" yaml:"password"`
	Database       string `json:"database" yaml:"database"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxPoolSize    int    `json:"max_pool_size" yaml:"max_pool_size"`
}

// ConfigFromEnv reads NEO4J_URI, NEO4J_USER, NEO4J_PASSWORD, NEO4J_DATABASE,
// NEO4J_TIMEOUT_SECONDS and NEO4J_MAX_POOL_SIZE.
func ConfigFromEnv() Config {
	cfg := Config{
		URI:      strings.TrimSpace(os.Getenv("NEO4J_URI")),
		User:     strings.TrimSpace(os.Getenv("NEO4J_USER")),
		Password: strings.TrimSpace(os.Getenv("NEO4J_PASSWORD")),
		Database: strings.TrimSpace(os.Getenv("NEO4J_DATABASE")),
	}
	if v := strings.TrimSpace(os.Getenv("NEO4J_TIMEOUT_SECONDS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.TimeoutSeconds = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("NEO4J_MAX_POOL_SIZE")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.MaxPoolSize = parsed
		}
	}
	return cfg
}

func (c Config) withDefaults() Config {
	if c.User == "" {
		c.User = "neo4j"
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 10
	}
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = 50
	}
	return c
}

// Client is a connected driver bound to one database.
type Client struct {
	Driver   neo4j.DriverWithContext
	Database string
	log      *slog.Logger
}

// NewFromEnv connects with ConfigFromEnv. It returns a nil client and no
// error when NEO4J_URI is unset.
func NewFromEnv(ctx context.Context) (*Client, error) {
	return New(ctx, ConfigFromEnv())
}

// New connects and verifies connectivity. It returns a nil client and no
// error when cfg.URI is empty.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URI == "" {
		return nil, nil
	}
	cfg = cfg.withDefaults()
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	auth := neo4j.BasicAuth(cfg.User, cfg.Password, "")
	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth, func(c *neo4j.Config) {
		c.MaxConnectionPoolSize = cfg.MaxPoolSize
		c.SocketConnectTimeout = timeout
	})
	if err != nil {
		return nil, fmt.Errorf("neo4jgraph: init driver: %w", err)
	}

	vctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := driver.VerifyConnectivity(vctx); err != nil {
		_ = driver.Close(vctx)
		return nil, fmt.Errorf("neo4jgraph: verify connectivity: %w", err)
	}

	return &Client{
		Driver:   driver,
		Database: cfg.Database,
		log:      slog.Default().With("client", "neo4j"),
	}, nil
}

// Close releases the driver. It is safe on a nil client.
func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.Driver == nil {
		return nil
	}
	err := c.Driver.Close(ctx)
	c.Driver = nil
	return err
}

func (c *Client) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return c.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: c.Database,
	})
}

// run executes one statement inside a managed transaction and drains it.
func run(ctx context.Context, tx neo4j.ManagedTransaction, cypher string, params map[string]any) error {
	res, err := tx.Run(ctx, cypher, params)
	if err != nil {
		return err
	}
	_, err = res.Consume(ctx)
	return err
}
