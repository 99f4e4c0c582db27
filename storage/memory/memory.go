// Package memory provides an in-memory implementation of the subplatform.Storage
// interface. This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/subplatform/pkg/subplatform"
)

// Storage implements subplatform.Storage using in-memory maps
type Storage struct {
	mu          sync.RWMutex
	config      *subplatform.PlatformConfig
	whitelist   map[string]bool
	tiers       map[string]map[uint64]*subplatform.Tier
	nextTierID  map[string]uint64
	subs        map[string]*subplatform.Subscription
	settlements map[string]*subplatform.SettlementRecord
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		whitelist:   make(map[string]bool),
		tiers:       make(map[string]map[uint64]*subplatform.Tier),
		nextTierID:  make(map[string]uint64),
		subs:        make(map[string]*subplatform.Subscription),
		settlements: make(map[string]*subplatform.SettlementRecord),
	}
}

// GetPlatformConfig implements subplatform.Storage
func (s *Storage) GetPlatformConfig(ctx context.Context) (*subplatform.PlatformConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.config == nil {
		return nil, subplatform.ErrNotInitialized
	}

	// Return a copy to prevent external mutations
	cfgCopy := *s.config
	return &cfgCopy, nil
}

// SetPlatformConfig implements subplatform.Storage
func (s *Storage) SetPlatformConfig(ctx context.Context, cfg *subplatform.PlatformConfig) error {
	if cfg == nil || cfg.Owner == "" {
		return fmt.Errorf("invalid platform config")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfgCopy := *cfg
	s.config = &cfgCopy
	return nil
}

// SetTokenWhitelisted implements subplatform.Storage
func (s *Storage) SetTokenWhitelisted(ctx context.Context, token string, whitelisted bool) error {
	if token == "" {
		return fmt.Errorf("invalid token address")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.whitelist[token] = whitelisted
	return nil
}

// IsTokenWhitelisted implements subplatform.Storage
func (s *Storage) IsTokenWhitelisted(ctx context.Context, token string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.whitelist[token], nil
}

// CreateTier implements subplatform.Storage with per-creator sequential IDs
func (s *Storage) CreateTier(ctx context.Context, tier *subplatform.Tier) (uint64, error) {
	if tier == nil || tier.Creator == "" {
		return 0, fmt.Errorf("invalid tier")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextTierID[tier.Creator]
	s.nextTierID[tier.Creator] = id + 1

	if s.tiers[tier.Creator] == nil {
		s.tiers[tier.Creator] = make(map[uint64]*subplatform.Tier)
	}

	tierCopy := *tier
	tierCopy.ID = id
	s.tiers[tier.Creator][id] = &tierCopy

	return id, nil
}

// GetTier implements subplatform.Storage
func (s *Storage) GetTier(ctx context.Context, creator string, tierID uint64) (*subplatform.Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tier, ok := s.tiers[creator][tierID]
	if !ok {
		return nil, subplatform.ErrTierNotFound
	}

	tierCopy := *tier
	return &tierCopy, nil
}

// SetTierActive implements subplatform.Storage
func (s *Storage) SetTierActive(ctx context.Context, creator string, tierID uint64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tier, ok := s.tiers[creator][tierID]
	if !ok {
		return subplatform.ErrTierNotFound
	}

	tier.Active = active
	return nil
}

// ListTiers implements subplatform.Storage
func (s *Storage) ListTiers(ctx context.Context, creator string) ([]*subplatform.Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tiers := make([]*subplatform.Tier, 0, len(s.tiers[creator]))
	for _, tier := range s.tiers[creator] {
		tierCopy := *tier
		tiers = append(tiers, &tierCopy)
	}

	sort.Slice(tiers, func(i, j int) bool { return tiers[i].ID < tiers[j].ID })
	return tiers, nil
}

// GetSubscription implements subplatform.Storage
func (s *Storage) GetSubscription(ctx context.Context, subscriber, creator string) (*subplatform.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[pairKey(subscriber, creator)]
	if !ok {
		return nil, subplatform.ErrSubscriptionNotFound
	}

	subCopy := *sub
	return &subCopy, nil
}

// ApplyRenewal implements subplatform.Storage. The whole update runs under
// the write lock, so renewals for one pair are linearizable and the new
// expiry is always derived from the committed record.
func (s *Storage) ApplyRenewal(ctx context.Context, req *subplatform.RenewalRequest) (*subplatform.RenewalResult, error) {
	if req == nil || req.Subscriber == "" || req.Creator == "" {
		return nil, fmt.Errorf("invalid renewal request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Check idempotency inside the transaction
	if req.IdempotencyKey != "" {
		if _, exists := s.settlements[req.IdempotencyKey]; exists {
			return nil, subplatform.ErrIdempotencyKeyExists
		}
	}

	key := pairKey(req.Subscriber, req.Creator)
	sub := s.subs[key]

	expiresAt, previous, renewal := subplatform.ExtendExpiry(sub, req.GracePeriod, req.Period, req.Now)

	updated := &subplatform.Subscription{
		Subscriber: req.Subscriber,
		Creator:    req.Creator,
		TierID:     req.TierID,
		ExpiresAt:  expiresAt,
		LastPaidAt: req.Now,
		UpdatedAt:  req.Now,
	}
	s.subs[key] = updated

	if req.Record != nil {
		record := *req.Record
		record.ExpiresAt = expiresAt
		if req.IdempotencyKey != "" {
			s.settlements[req.IdempotencyKey] = &record
		}
	}

	subCopy := *updated
	return &subplatform.RenewalResult{
		Subscription: &subCopy,
		Previous:     previous,
		Renewal:      renewal,
	}, nil
}

// CancelSubscription implements subplatform.Storage
func (s *Storage) CancelSubscription(ctx context.Context, subscriber, creator string, now time.Time) (*subplatform.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(subscriber, creator)
	sub, ok := s.subs[key]
	if !ok {
		return nil, subplatform.ErrSubscriptionNotFound
	}

	if !sub.Unsubscribed {
		sub.Unsubscribed = true
		if sub.ExpiresAt.After(now) {
			sub.ExpiresAt = now
		}
		sub.UpdatedAt = now
	}

	subCopy := *sub
	return &subCopy, nil
}

// GetSettlementRecord implements subplatform.Storage
func (s *Storage) GetSettlementRecord(ctx context.Context, idempotencyKey string) (*subplatform.SettlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.settlements[idempotencyKey]
	if !ok {
		return nil, nil
	}

	recordCopy := *record
	return &recordCopy, nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.config = nil
	s.whitelist = make(map[string]bool)
	s.tiers = make(map[string]map[uint64]*subplatform.Tier)
	s.nextTierID = make(map[string]uint64)
	s.subs = make(map[string]*subplatform.Subscription)
	s.settlements = make(map[string]*subplatform.SettlementRecord)
}

// pairKey generates a unique key for a (subscriber, creator) pair
func pairKey(subscriber, creator string) string {
	return fmt.Sprintf("%s:%s", subscriber, creator)
}
