package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/opyter/cromqc/pkg/config"
	apperrors "github.com/opyter/cromqc/pkg/errors"
	"github.com/opyter/cromqc/pkg/retry"
)

// Client represents a PostgreSQL connection to one staging tier
type Client struct {
	db     *sqlx.DB
	tier   string
	schema string
}

// NewClient opens a tier connection and pings it with exponential backoff.
// A tier that stays unreachable is a CONNECTION AppError.
func NewClient(ctx context.Context, cfg *config.DatabaseConfig) (*Client, error) {
	db, err := sqlx.Open("postgres", cfg.DatabaseDSN())
	if err != nil {
		return nil, apperrors.NewConnectionError(fmt.Sprintf("failed to open %s connection", cfg.Tier), err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	retryConfig := retry.DefaultConfig()
	err = retry.DoWithLog(
		ctx,
		retryConfig,
		"PostgreSQL",
		func() error {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return db.PingContext(pingCtx)
		},
		func(attempt int, err error, nextDelay time.Duration) {
			log.Warn().
				Err(err).
				Str("tier", cfg.Tier).
				Int("attempt", attempt).
				Dur("next_delay", nextDelay).
				Msg("PostgreSQL connection attempt failed")
		},
	)
	if err != nil {
		db.Close()
		return nil, apperrors.NewConnectionError(fmt.Sprintf("failed to connect to %s after retries", cfg.Tier), err)
	}

	log.Info().Str("tier", cfg.Tier).Str("host", cfg.Host).Str("database", cfg.Database).Msg("Connected to PostgreSQL")
	return NewFromDB(db, cfg.Tier, cfg.Schema), nil
}

// NewFromDB wraps an existing handle
func NewFromDB(db *sqlx.DB, tier, schema string) *Client {
	if schema == "" {
		schema = "public"
	}
	return &Client{db: db, tier: tier, schema: schema}
}

// DB returns the underlying database connection
func (c *Client) DB() *sqlx.DB {
	return c.db
}

// Tier returns the staging tier name
func (c *Client) Tier() string {
	return c.tier
}

// Schema returns the schema holding the tier tables
func (c *Client) Schema() string {
	return c.schema
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// BeginTx starts a new transaction
func (c *Client) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	return c.db.BeginTxx(ctx, nil)
}

// Ping verifies the connection to the database
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// IsConnectionError reports whether err means the tier could not be reached,
// as opposed to a statement the server rejected.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// class 08: connection exception, 57P01-03: server shutting down
		return pqErr.Code.Class() == "08" || pqErr.Code == "57P01" || pqErr.Code == "57P02" || pqErr.Code == "57P03"
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
