// Package redis provides a Redis implementation of the subplatform.Storage
// interface. This implementation uses atomic operations via Lua scripts for
// transaction safety.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/subplatform/pkg/subplatform"
)

// Storage implements subplatform.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subplatform:")
	KeyPrefix string

	// SubscriptionTTL is the TTL for subscription keys (0 = no expiration).
	// Expired records are historical state, so the default keeps them.
	SubscriptionTTL time.Duration

	// MaxRetries is the maximum number of retry attempts for optimistic
	// transactions (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:       "subplatform:",
		SubscriptionTTL: 0,
		MaxRetries:      3,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	// Set defaults
	if config.KeyPrefix == "" {
		config.KeyPrefix = "subplatform:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations.
// Times cross the script boundary as unix milliseconds: Lua numbers are
// doubles, and nanosecond timestamps would lose precision.
func (s *Storage) loadScripts() {
	// Create or extend a subscription atomically. Status is derived from
	// the committed record inside the script, so concurrent renewals for
	// one pair always extend from the committed expiry.
	s.scripts["renew"] = redis.NewScript(`
		local subKey = KEYS[1]
		local settlementKey = KEYS[2]
		local now = tonumber(ARGV[1])
		local period = tonumber(ARGV[2])
		local grace = tonumber(ARGV[3])
		local tierID = ARGV[4]
		local settlementData = ARGV[5]
		local settlementTTL = tonumber(ARGV[6])
		local subTTL = tonumber(ARGV[7])

		-- Idempotency check
		if settlementKey ~= '' then
			if redis.call('EXISTS', settlementKey) == 1 then
				return {0, 'duplicate'}
			end
		end

		local prev = 'none'
		local base = now
		local expires = redis.call('HGET', subKey, 'expires_at')
		if expires then
			local exp = tonumber(expires)
			local unsub = redis.call('HGET', subKey, 'unsubscribed')
			if unsub == '1' then
				prev = 'expired'
			elseif now <= exp then
				prev = 'active'
				base = exp
			elseif now <= exp + grace then
				prev = 'grace'
				base = exp
			else
				prev = 'expired'
			end
		end

		local newExpires = base + period
		redis.call('HSET', subKey,
			'expires_at', newExpires,
			'tier_id', tierID,
			'last_paid_at', now,
			'unsubscribed', '0',
			'updated_at', now)
		if subTTL > 0 then
			redis.call('EXPIRE', subKey, subTTL)
		end

		if settlementKey ~= '' and settlementData ~= '' then
			redis.call('SET', settlementKey, settlementData)
			if settlementTTL > 0 then
				redis.call('EXPIRE', settlementKey, settlementTTL)
			end
		end

		return {newExpires, prev}
	`)

	// Cancel a subscription with immediate expiry, idempotently.
	s.scripts["cancel"] = redis.NewScript(`
		local subKey = KEYS[1]
		local now = tonumber(ARGV[1])

		if redis.call('EXISTS', subKey) == 0 then
			return 'not_found'
		end

		if redis.call('HGET', subKey, 'unsubscribed') ~= '1' then
			local exp = tonumber(redis.call('HGET', subKey, 'expires_at'))
			if exp > now then
				redis.call('HSET', subKey, 'expires_at', now)
			end
			redis.call('HSET', subKey, 'unsubscribed', '1', 'updated_at', now)
		end

		return 'ok'
	`)

	// Allocate the next sequential tier ID and store the tier in one step.
	// The authoritative ID is the hash field, merged back on read.
	s.scripts["createTier"] = redis.NewScript(`
		local seqKey = KEYS[1]
		local tiersKey = KEYS[2]
		local data = ARGV[1]

		local id = redis.call('INCR', seqKey) - 1
		redis.call('HSET', tiersKey, tostring(id), data)
		return id
	`)
}

// GetPlatformConfig implements subplatform.Storage
func (s *Storage) GetPlatformConfig(ctx context.Context) (*subplatform.PlatformConfig, error) {
	data, err := s.client.Get(ctx, s.configKey()).Bytes()
	if err == redis.Nil {
		return nil, subplatform.ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get platform config: %w", err)
	}

	var cfg subplatform.PlatformConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal platform config: %w", err)
	}
	return &cfg, nil
}

// SetPlatformConfig implements subplatform.Storage
func (s *Storage) SetPlatformConfig(ctx context.Context, cfg *subplatform.PlatformConfig) error {
	if cfg == nil || cfg.Owner == "" {
		return fmt.Errorf("invalid platform config")
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal platform config: %w", err)
	}

	if err := s.client.Set(ctx, s.configKey(), data, 0).Err(); err != nil {
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
		err = s.client.SAdd(ctx, s.whitelistKey(), token).Err()
	} else {
		err = s.client.SRem(ctx, s.whitelistKey(), token).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to update whitelist: %w", err)
	}
	return nil
}

// IsTokenWhitelisted implements subplatform.Storage
func (s *Storage) IsTokenWhitelisted(ctx context.Context, token string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.whitelistKey(), token).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check whitelist: %w", err)
	}
	return ok, nil
}

// CreateTier implements subplatform.Storage
func (s *Storage) CreateTier(ctx context.Context, tier *subplatform.Tier) (uint64, error) {
	if tier == nil || tier.Creator == "" {
		return 0, fmt.Errorf("invalid tier")
	}

	data, err := json.Marshal(tier)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal tier: %w", err)
	}

	result, err := s.scripts["createTier"].Run(ctx, s.client,
		[]string{s.tierSeqKey(tier.Creator), s.tiersKey(tier.Creator)},
		string(data)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to create tier: %w", err)
	}

	id, ok := result.(int64)
	if !ok || id < 0 {
		return 0, fmt.Errorf("unexpected tier ID result: %v", result)
	}
	return uint64(id), nil
}

// GetTier implements subplatform.Storage
func (s *Storage) GetTier(ctx context.Context, creator string, tierID uint64) (*subplatform.Tier, error) {
	data, err := s.client.HGet(ctx, s.tiersKey(creator), strconv.FormatUint(tierID, 10)).Bytes()
	if err == redis.Nil {
		return nil, subplatform.ErrTierNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tier: %w", err)
	}

	var tier subplatform.Tier
	if err := json.Unmarshal(data, &tier); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tier: %w", err)
	}
	tier.ID = tierID
	return &tier, nil
}

// SetTierActive implements subplatform.Storage
func (s *Storage) SetTierActive(ctx context.Context, creator string, tierID uint64, active bool) error {
	field := strconv.FormatUint(tierID, 10)
	key := s.tiersKey(creator)

	// Optimistic WATCH transaction; tiers change rarely, retries are cheap.
	txf := func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, key, field).Bytes()
		if err == redis.Nil {
			return subplatform.ErrTierNotFound
		}
		if err != nil {
			return err
		}

		var tier subplatform.Tier
		if err := json.Unmarshal(data, &tier); err != nil {
			return fmt.Errorf("failed to unmarshal tier: %w", err)
		}
		tier.Active = active

		updated, err := json.Marshal(&tier)
		if err != nil {
			return fmt.Errorf("failed to marshal tier: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, field, updated)
			return nil
		})
		return err
	}

	for i := 0; i < s.config.MaxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err != redis.TxFailedErr {
			return err
		}
	}
	return fmt.Errorf("failed to update tier after %d retries", s.config.MaxRetries)
}

// ListTiers implements subplatform.Storage
func (s *Storage) ListTiers(ctx context.Context, creator string) ([]*subplatform.Tier, error) {
	entries, err := s.client.HGetAll(ctx, s.tiersKey(creator)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tiers: %w", err)
	}

	tiers := make([]*subplatform.Tier, 0, len(entries))
	for field, data := range entries {
		id, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			continue
		}
		var tier subplatform.Tier
		if err := json.Unmarshal([]byte(data), &tier); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tier %s: %w", field, err)
		}
		tier.ID = id
		tiers = append(tiers, &tier)
	}

	sort.Slice(tiers, func(i, j int) bool { return tiers[i].ID < tiers[j].ID })
	return tiers, nil
}

// GetSubscription implements subplatform.Storage
func (s *Storage) GetSubscription(ctx context.Context, subscriber, creator string) (*subplatform.Subscription, error) {
	fields, err := s.client.HGetAll(ctx, s.subKey(subscriber, creator)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if len(fields) == 0 {
		return nil, subplatform.ErrSubscriptionNotFound
	}
	return subscriptionFromHash(subscriber, creator, fields)
}

// ApplyRenewal implements subplatform.Storage using an atomic Lua script
func (s *Storage) ApplyRenewal(ctx context.Context, req *subplatform.RenewalRequest) (*subplatform.RenewalResult, error) {
	if req == nil || req.Subscriber == "" || req.Creator == "" {
		return nil, fmt.Errorf("invalid renewal request")
	}

	settlementKey := ""
	settlementData := ""
	if req.IdempotencyKey != "" {
		settlementKey = s.settlementKey(req.IdempotencyKey)
		if req.Record != nil {
			data, err := json.Marshal(req.Record)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal settlement record: %w", err)
			}
			settlementData = string(data)
		}
	}

	result, err := s.scripts["renew"].Run(ctx, s.client,
		[]string{s.subKey(req.Subscriber, req.Creator), settlementKey},
		req.Now.UnixMilli(),
		req.Period.Milliseconds(),
		req.GracePeriod.Milliseconds(),
		strconv.FormatUint(req.TierID, 10),
		settlementData,
		int64(req.IdempotencyKeyTTL.Seconds()),
		int64(s.config.SubscriptionTTL.Seconds()),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to apply renewal: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return nil, fmt.Errorf("unexpected renewal result: %v", result)
	}

	prev, _ := values[1].(string)
	if prev == "duplicate" {
		return nil, subplatform.ErrIdempotencyKeyExists
	}

	newExpiresMilli, ok := values[0].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected expiry in renewal result: %v", values[0])
	}
	expiresAt := time.UnixMilli(newExpiresMilli).UTC()

	// Patch the committed expiry into the settlement record.
	if settlementKey != "" && req.Record != nil {
		record := *req.Record
		record.ExpiresAt = expiresAt
		if data, err := json.Marshal(&record); err == nil {
			s.client.Set(ctx, settlementKey, data, req.IdempotencyKeyTTL)
		}
	}

	now := time.UnixMilli(req.Now.UnixMilli()).UTC()
	previous := subplatform.SubscriptionStatus(prev)
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
		Renewal:  previous == subplatform.StatusActive || previous == subplatform.StatusGrace,
	}, nil
}

// CancelSubscription implements subplatform.Storage
func (s *Storage) CancelSubscription(ctx context.Context, subscriber, creator string, now time.Time) (*subplatform.Subscription, error) {
	result, err := s.scripts["cancel"].Run(ctx, s.client,
		[]string{s.subKey(subscriber, creator)},
		now.UnixMilli()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to cancel subscription: %w", err)
	}

	if status, _ := result.(string); status == "not_found" {
		return nil, subplatform.ErrSubscriptionNotFound
	}

	return s.GetSubscription(ctx, subscriber, creator)
}

// GetSettlementRecord implements subplatform.Storage
func (s *Storage) GetSettlementRecord(ctx context.Context, idempotencyKey string) (*subplatform.SettlementRecord, error) {
	data, err := s.client.Get(ctx, s.settlementKey(idempotencyKey)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement record: %w", err)
	}

	var record subplatform.SettlementRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settlement record: %w", err)
	}
	return &record, nil
}

// Now implements subplatform.TimeSource using the Redis server clock.
// Sharing the storage engine's clock avoids skew between application
// servers writing to one ledger.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get redis time: %w", err)
	}
	return t.UTC(), nil
}

// Close closes the underlying Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks connectivity to Redis
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) configKey() string {
	return s.config.KeyPrefix + "config"
}

func (s *Storage) whitelistKey() string {
	return s.config.KeyPrefix + "whitelist"
}

func (s *Storage) tiersKey(creator string) string {
	return fmt.Sprintf("%stiers:{%s}", s.config.KeyPrefix, creator)
}

func (s *Storage) tierSeqKey(creator string) string {
	return fmt.Sprintf("%stierseq:{%s}", s.config.KeyPrefix, creator)
}

func (s *Storage) subKey(subscriber, creator string) string {
	return fmt.Sprintf("%ssub:%s:%s", s.config.KeyPrefix, subscriber, creator)
}

func (s *Storage) settlementKey(idempotencyKey string) string {
	return s.config.KeyPrefix + "settlement:" + idempotencyKey
}

func subscriptionFromHash(subscriber, creator string, fields map[string]string) (*subplatform.Subscription, error) {
	expiresMilli, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse expiry: %w", err)
	}
	tierID, err := strconv.ParseUint(fields["tier_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse tier ID: %w", err)
	}
	lastPaidMilli, _ := strconv.ParseInt(fields["last_paid_at"], 10, 64)
	updatedMilli, _ := strconv.ParseInt(fields["updated_at"], 10, 64)

	return &subplatform.Subscription{
		Subscriber:   subscriber,
		Creator:      creator,
		TierID:       tierID,
		ExpiresAt:    time.UnixMilli(expiresMilli).UTC(),
		LastPaidAt:   time.UnixMilli(lastPaidMilli).UTC(),
		Unsubscribed: fields["unsubscribed"] == "1",
		UpdatedAt:    time.UnixMilli(updatedMilli).UTC(),
	}, nil
}
