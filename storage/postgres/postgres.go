// Package postgres provides a PostgreSQL implementation of the
// subplatform.Storage interface. Ledger updates use SQL transactions with
// SELECT FOR UPDATE so concurrent renewals for one pair serialize on the row.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/subplatform/pkg/subplatform"
)

// Storage implements subplatform.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	RecordTTL       time.Duration // TTL for settlement records
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
		RecordTTL:       7 * 24 * time.Hour, // 7 days default
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool settings
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

	cleanupCtx, cancel := context.WithCancel(context.Background())

	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate creates the schema if it does not exist. Call once at startup;
// safe to call repeatedly.
func (s *Storage) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS platform_config (
			id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			owner TEXT NOT NULL,
			pending_owner TEXT NOT NULL DEFAULT '',
			treasury TEXT NOT NULL,
			platform_fee_bps BIGINT NOT NULL,
			grace_period_ms BIGINT NOT NULL,
			default_token TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS token_whitelist (
			token TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS tier_sequences (
			creator TEXT PRIMARY KEY,
			next_id BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tiers (
			creator TEXT NOT NULL,
			tier_id BIGINT NOT NULL,
			price BIGINT NOT NULL,
			period_ms BIGINT NOT NULL,
			active BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (creator, tier_id)
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			subscriber TEXT NOT NULL,
			creator TEXT NOT NULL,
			tier_id BIGINT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			last_paid_at TIMESTAMPTZ NOT NULL,
			unsubscribed BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (subscriber, creator)
		)`,
		`CREATE TABLE IF NOT EXISTS settlement_records (
			settlement_id TEXT PRIMARY KEY,
			subscriber TEXT NOT NULL,
			creator TEXT NOT NULL,
			tier_id BIGINT NOT NULL,
			method TEXT NOT NULL,
			token TEXT NOT NULL DEFAULT '',
			amount BIGINT NOT NULL,
			fee BIGINT NOT NULL,
			creator_proceeds BIGINT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			purge_after TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetPlatformConfig implements subplatform.Storage
func (s *Storage) GetPlatformConfig(ctx context.Context) (*subplatform.PlatformConfig, error) {
	var cfg subplatform.PlatformConfig
	var graceMs int64

	err := s.pool.QueryRow(ctx,
		`SELECT owner, pending_owner, treasury, platform_fee_bps, grace_period_ms, default_token, updated_at
			FROM platform_config WHERE id = 1`).Scan(
		&cfg.Owner,
		&cfg.PendingOwner,
		&cfg.Treasury,
		&cfg.PlatformFeeBPS,
		&graceMs,
		&cfg.DefaultToken,
		&cfg.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, subplatform.ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get platform config: %w", err)
	}

	cfg.GracePeriod = time.Duration(graceMs) * time.Millisecond
	return &cfg, nil
}

// SetPlatformConfig implements subplatform.Storage
func (s *Storage) SetPlatformConfig(ctx context.Context, cfg *subplatform.PlatformConfig) error {
	if cfg == nil || cfg.Owner == "" {
		return fmt.Errorf("invalid platform config")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO platform_config (id, owner, pending_owner, treasury, platform_fee_bps, grace_period_ms, default_token, updated_at)
			VALUES (1, $1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				owner = EXCLUDED.owner,
				pending_owner = EXCLUDED.pending_owner,
				treasury = EXCLUDED.treasury,
				platform_fee_bps = EXCLUDED.platform_fee_bps,
				grace_period_ms = EXCLUDED.grace_period_ms,
				default_token = EXCLUDED.default_token,
				updated_at = EXCLUDED.updated_at`,
		cfg.Owner, cfg.PendingOwner, cfg.Treasury, cfg.PlatformFeeBPS,
		cfg.GracePeriod.Milliseconds(), cfg.DefaultToken, time.Now().UTC(),
	)

	if err != nil {
		return fmt.Errorf("failed to set platform config: %w", err)
	}
	return nil
}

// SetTokenWhitelisted implements subplatform.Storage
func (s *Storage) SetTokenWhitelisted(ctx context.Context, token string, whitelisted bool) error {
	if token == "" {
		return fmt.Errorf("invalid token address")
	}

	var err error
	if whitelisted {
		_, err = s.pool.Exec(ctx,
			`INSERT INTO token_whitelist (token) VALUES ($1) ON CONFLICT (token) DO NOTHING`,
			token)
	} else {
		_, err = s.pool.Exec(ctx,
			`DELETE FROM token_whitelist WHERE token = $1`, token)
	}

	if err != nil {
		return fmt.Errorf("failed to update whitelist: %w", err)
	}
	return nil
}

// IsTokenWhitelisted implements subplatform.Storage
func (s *Storage) IsTokenWhitelisted(ctx context.Context, token string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM token_whitelist WHERE token = $1)`,
		token).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check whitelist: %w", err)
	}
	return exists, nil
}

// CreateTier implements subplatform.Storage
// The per-creator sequence row is upserted and incremented in one statement,
// so concurrent creates for one creator get distinct sequential IDs.
func (s *Storage) CreateTier(ctx context.Context, tier *subplatform.Tier) (uint64, error) {
	if tier == nil || tier.Creator == "" {
		return 0, fmt.Errorf("invalid tier")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var nextID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO tier_sequences (creator, next_id) VALUES ($1, 1)
			ON CONFLICT (creator) DO UPDATE SET next_id = tier_sequences.next_id + 1
			RETURNING next_id - 1`,
		tier.Creator).Scan(&nextID)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate tier ID: %w", err)
	}

	createdAt := tier.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO tiers (creator, tier_id, price, period_ms, active, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
		tier.Creator, nextID, tier.Price, tier.Period.Milliseconds(), tier.Active, createdAt)
	if err != nil {
		return 0, fmt.Errorf("failed to create tier: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return uint64(nextID), nil
}

// GetTier implements subplatform.Storage
func (s *Storage) GetTier(ctx context.Context, creator string, tierID uint64) (*subplatform.Tier, error) {
	var tier subplatform.Tier
	var periodMs int64

	err := s.pool.QueryRow(ctx,
		`SELECT creator, tier_id, price, period_ms, active, created_at
			FROM tiers WHERE creator = $1 AND tier_id = $2`,
		creator, int64(tierID)).Scan(
		&tier.Creator,
		&tier.ID,
		&tier.Price,
		&periodMs,
		&tier.Active,
		&tier.CreatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, subplatform.ErrTierNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tier: %w", err)
	}

	tier.Period = time.Duration(periodMs) * time.Millisecond
	return &tier, nil
}

// SetTierActive implements subplatform.Storage
func (s *Storage) SetTierActive(ctx context.Context, creator string, tierID uint64, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tiers SET active = $1 WHERE creator = $2 AND tier_id = $3`,
		active, creator, int64(tierID))
	if err != nil {
		return fmt.Errorf("failed to update tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subplatform.ErrTierNotFound
	}
	return nil
}

// ListTiers implements subplatform.Storage
func (s *Storage) ListTiers(ctx context.Context, creator string) ([]*subplatform.Tier, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT creator, tier_id, price, period_ms, active, created_at
			FROM tiers WHERE creator = $1 ORDER BY tier_id`,
		creator)
	if err != nil {
		return nil, fmt.Errorf("failed to list tiers: %w", err)
	}
	defer rows.Close()

	tiers := make([]*subplatform.Tier, 0)
	for rows.Next() {
		var tier subplatform.Tier
		var periodMs int64
		if err := rows.Scan(&tier.Creator, &tier.ID, &tier.Price, &periodMs, &tier.Active, &tier.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tier: %w", err)
		}
		tier.Period = time.Duration(periodMs) * time.Millisecond
		tiers = append(tiers, &tier)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tiers: %w", err)
	}
	return tiers, nil
}

// GetSubscription implements subplatform.Storage
func (s *Storage) GetSubscription(ctx context.Context, subscriber, creator string) (*subplatform.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT subscriber, creator, tier_id, expires_at, last_paid_at, unsubscribed, updated_at
			FROM subscriptions WHERE subscriber = $1 AND creator = $2`,
		subscriber, creator))
	if err == pgx.ErrNoRows {
		return nil, subplatform.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// ApplyRenewal implements subplatform.Storage with SELECT FOR UPDATE so the
// expiry is always extended from the committed row
func (s *Storage) ApplyRenewal(ctx context.Context, req *subplatform.RenewalRequest) (*subplatform.RenewalResult, error) {
	if req == nil || req.Subscriber == "" || req.Creator == "" {
		return nil, fmt.Errorf("invalid renewal request")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// The primary key on settlement_records makes the duplicate check and
	// the insert below race-free within the transaction.
	if req.IdempotencyKey != "" {
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM settlement_records WHERE settlement_id = $1)`,
			req.IdempotencyKey).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if exists {
			return nil, subplatform.ErrIdempotencyKeyExists
		}
	}

	// Lock the pair row if it exists
	sub, err := scanSubscription(tx.QueryRow(ctx,
		`SELECT subscriber, creator, tier_id, expires_at, last_paid_at, unsubscribed, updated_at
			FROM subscriptions WHERE subscriber = $1 AND creator = $2
			FOR UPDATE`,
		req.Subscriber, req.Creator))
	if err == pgx.ErrNoRows {
		sub = nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get subscription for update: %w", err)
	}

	now := req.Now.UTC()
	expiresAt, previous, renewal := subplatform.ExtendExpiry(sub, req.GracePeriod, req.Period, now)

	_, err = tx.Exec(ctx,
		`INSERT INTO subscriptions (subscriber, creator, tier_id, expires_at, last_paid_at, unsubscribed, updated_at)
			VALUES ($1, $2, $3, $4, $5, FALSE, $6)
			ON CONFLICT (subscriber, creator) DO UPDATE SET
				tier_id = EXCLUDED.tier_id,
				expires_at = EXCLUDED.expires_at,
				last_paid_at = EXCLUDED.last_paid_at,
				unsubscribed = FALSE,
				updated_at = EXCLUDED.updated_at`,
		req.Subscriber, req.Creator, int64(req.TierID), expiresAt, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert subscription: %w", err)
	}

	if req.IdempotencyKey != "" && req.Record != nil {
		purgeAfter := now.Add(s.config.RecordTTL)
		if req.IdempotencyKeyTTL > 0 {
			purgeAfter = now.Add(req.IdempotencyKeyTTL)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO settlement_records
				(settlement_id, subscriber, creator, tier_id, method, token, amount, fee, creator_proceeds, expires_at, created_at, purge_after)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				ON CONFLICT (settlement_id) DO NOTHING`,
			req.IdempotencyKey, req.Subscriber, req.Creator, int64(req.TierID),
			string(req.Record.Method), req.Record.Token, req.Record.Amount,
			req.Record.Fee, req.Record.CreatorProceeds, expiresAt, now, purgeAfter)
		if err != nil {
			return nil, fmt.Errorf("failed to record settlement: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return &subplatform.RenewalResult{
		Subscription: &subplatform.Subscription{
			Subscriber: req.Subscriber,
			Creator:    req.Creator,
			TierID:     req.TierID,
			ExpiresAt:  expiresAt,
			LastPaidAt: now,
			UpdatedAt:  now,
		},
		Previous: previous,
		Renewal:  renewal,
	}, nil
}

// CancelSubscription implements subplatform.Storage
func (s *Storage) CancelSubscription(ctx context.Context, subscriber, creator string, now time.Time) (*subplatform.Subscription, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	sub, err := scanSubscription(tx.QueryRow(ctx,
		`SELECT subscriber, creator, tier_id, expires_at, last_paid_at, unsubscribed, updated_at
			FROM subscriptions WHERE subscriber = $1 AND creator = $2
			FOR UPDATE`,
		subscriber, creator))
	if err == pgx.ErrNoRows {
		return nil, subplatform.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription for update: %w", err)
	}

	if !sub.Unsubscribed {
		now = now.UTC()
		if sub.ExpiresAt.After(now) {
			sub.ExpiresAt = now
		}
		sub.Unsubscribed = true
		sub.UpdatedAt = now

		_, err = tx.Exec(ctx,
			`UPDATE subscriptions SET expires_at = $1, unsubscribed = TRUE, updated_at = $2
				WHERE subscriber = $3 AND creator = $4`,
			sub.ExpiresAt, sub.UpdatedAt, subscriber, creator)
		if err != nil {
			return nil, fmt.Errorf("failed to cancel subscription: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return sub, nil
}

// GetSettlementRecord implements subplatform.Storage
func (s *Storage) GetSettlementRecord(ctx context.Context, idempotencyKey string) (*subplatform.SettlementRecord, error) {
	if idempotencyKey == "" {
		return nil, nil
	}

	var record subplatform.SettlementRecord
	var method string
	var tierID int64

	err := s.pool.QueryRow(ctx,
		`SELECT settlement_id, subscriber, creator, tier_id, method, token, amount, fee, creator_proceeds, expires_at, created_at
			FROM settlement_records WHERE settlement_id = $1`,
		idempotencyKey).Scan(
		&record.SettlementID,
		&record.Subscriber,
		&record.Creator,
		&tierID,
		&method,
		&record.Token,
		&record.Amount,
		&record.Fee,
		&record.CreatorProceeds,
		&record.ExpiresAt,
		&record.Timestamp,
	)

	if err == pgx.ErrNoRows {
		return nil, nil // No record found is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement record: %w", err)
	}

	record.TierID = uint64(tierID)
	record.Method = subplatform.PaymentKind(method)
	record.IdempotencyKey = idempotencyKey
	record.ExpiresAt = record.ExpiresAt.UTC()
	record.Timestamp = record.Timestamp.UTC()
	return &record, nil
}

// startCleanup runs periodic cleanup of expired settlement records
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // Cleanup failures are retried on the next tick
			_ = s.cleanupExpiredRecords(context.Background())
		}
	}
}

func (s *Storage) cleanupExpiredRecords(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM settlement_records WHERE purge_after < $1`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cleanup settlement records: %w", err)
	}
	return nil
}

// Cleanup can be called manually to clean up expired records
func (s *Storage) Cleanup(ctx context.Context) error {
	return s.cleanupExpiredRecords(ctx)
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*subplatform.Subscription, error) {
	var sub subplatform.Subscription
	var tierID int64

	err := row.Scan(
		&sub.Subscriber,
		&sub.Creator,
		&tierID,
		&sub.ExpiresAt,
		&sub.LastPaidAt,
		&sub.Unsubscribed,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.TierID = uint64(tierID)
	sub.ExpiresAt = sub.ExpiresAt.UTC()
	sub.LastPaidAt = sub.LastPaidAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return &sub, nil
}
