// Package postgres provides a PostgreSQL implementation of the
// subsync.Storage interface. Upserts use INSERT ... ON CONFLICT so
// concurrent webhook deliveries for the same identity converge in the
// database rather than through caller-side locking.
//
// Expected schema:
//
//	CREATE TABLE subscriptions (
//	    identity        TEXT PRIMARY KEY,
//	    plan            TEXT NOT NULL,
//	    customer_id     TEXT,
//	    subscription_id TEXT,
//	    end_at          TIMESTAMPTZ,
//	    created_at      TIMESTAMPTZ NOT NULL,
//	    updated_at      TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX subscriptions_subscription_id_idx
//	    ON subscriptions (subscription_id) WHERE subscription_id IS NOT NULL;
//
//	CREATE TABLE profiles (
//	    identity     TEXT PRIMARY KEY,
//	    display_name TEXT NOT NULL DEFAULT '',
//	    image_url    TEXT NOT NULL DEFAULT '',
//	    discord_id   TEXT NOT NULL DEFAULT '',
//	    created_at   TIMESTAMPTZ NOT NULL
//	);
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

// Storage implements subsync.Storage using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{
		pool:   pool,
		config: config,
	}, nil
}

// Close closes the PostgreSQL connection pool.
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(ctx context.Context, identity string) (*subsync.Subscription, error) {
	return s.scanSubscription(s.pool.QueryRow(ctx,
		`SELECT identity, plan, customer_id, subscription_id, end_at, created_at, updated_at
			FROM subscriptions WHERE identity = $1`,
		identity))
}

// UpsertSubscription implements subsync.Storage
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subsync.Subscription) error {
	if sub == nil || sub.Identity == "" {
		return fmt.Errorf("invalid subscription")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (identity, plan, customer_id, subscription_id, end_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (identity) DO UPDATE SET
				plan = EXCLUDED.plan,
				customer_id = EXCLUDED.customer_id,
				subscription_id = EXCLUDED.subscription_id,
				end_at = EXCLUDED.end_at,
				updated_at = EXCLUDED.updated_at`,
		sub.Identity, sub.Plan, sub.CustomerID, sub.SubscriptionID,
		sub.EndAt, sub.CreatedAt, sub.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}

	return nil
}

// GetSubscriptionByRef implements subsync.Storage
func (s *Storage) GetSubscriptionByRef(ctx context.Context, subscriptionID string) (*subsync.Subscription, error) {
	return s.scanSubscription(s.pool.QueryRow(ctx,
		`SELECT identity, plan, customer_id, subscription_id, end_at, created_at, updated_at
			FROM subscriptions WHERE subscription_id = $1`,
		subscriptionID))
}

// ClearBillingRefs implements subsync.Storage
func (s *Storage) ClearBillingRefs(ctx context.Context, subscriptionID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscriptions
			SET customer_id = NULL, subscription_id = NULL, end_at = NULL, updated_at = $2
			WHERE subscription_id = $1`,
		subscriptionID, time.Now().UTC(),
	)

	if err != nil {
		return fmt.Errorf("failed to clear billing refs: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subsync.ErrSubscriptionNotFound
	}

	return nil
}

// GetProfile implements subsync.Storage
func (s *Storage) GetProfile(ctx context.Context, identity string) (*subsync.Profile, error) {
	var profile subsync.Profile

	err := s.pool.QueryRow(ctx,
		`SELECT identity, display_name, image_url, discord_id, created_at
			FROM profiles WHERE identity = $1`,
		identity).Scan(
		&profile.Identity,
		&profile.DisplayName,
		&profile.ImageURL,
		&profile.DiscordID,
		&profile.CreatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, subsync.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	return &profile, nil
}

// SetProfile implements subsync.Storage
func (s *Storage) SetProfile(ctx context.Context, profile *subsync.Profile) error {
	if profile == nil || profile.Identity == "" {
		return fmt.Errorf("invalid profile")
	}

	createdAt := profile.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (identity, display_name, image_url, discord_id, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (identity) DO UPDATE SET
				display_name = EXCLUDED.display_name,
				image_url = EXCLUDED.image_url,
				discord_id = EXCLUDED.discord_id`,
		profile.Identity, profile.DisplayName, profile.ImageURL, profile.DiscordID, createdAt,
	)

	if err != nil {
		return fmt.Errorf("failed to set profile: %w", err)
	}

	return nil
}

func (s *Storage) scanSubscription(row pgx.Row) (*subsync.Subscription, error) {
	var sub subsync.Subscription

	err := row.Scan(
		&sub.Identity,
		&sub.Plan,
		&sub.CustomerID,
		&sub.SubscriptionID,
		&sub.EndAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return &sub, nil
}
