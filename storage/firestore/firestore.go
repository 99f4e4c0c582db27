// Package firestore provides a Firestore implementation of the subplatform.Storage
// interface. This implementation uses Google Cloud Firestore for production-grade
// subscription ledger persistence.
package firestore

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/subplatform/pkg/subplatform"
)

// Storage implements subplatform.Storage using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	configCollection        string
	whitelistCollection     string
	tiersCollection         string
	subscriptionsCollection string
	settlementsCollection   string
}

// Config holds Firestore storage configuration
type Config struct {
	// ConfigCollection is the Firestore collection for platform configuration
	// Default: "platform_config"
	ConfigCollection string

	// WhitelistCollection is the Firestore collection for whitelisted tokens
	// Default: "platform_whitelist"
	WhitelistCollection string

	// TiersCollection is the Firestore collection for creator tier catalogs
	// Default: "platform_tiers"
	TiersCollection string

	// SubscriptionsCollection is the Firestore collection for the subscription ledger
	// Default: "platform_subscriptions"
	SubscriptionsCollection string

	// SettlementsCollection is the Firestore collection for settlement audit records
	// Default: "platform_settlements"
	SettlementsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.ConfigCollection == "" {
		config.ConfigCollection = "platform_config"
	}
	if config.WhitelistCollection == "" {
		config.WhitelistCollection = "platform_whitelist"
	}
	if config.TiersCollection == "" {
		config.TiersCollection = "platform_tiers"
	}
	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "platform_subscriptions"
	}
	if config.SettlementsCollection == "" {
		config.SettlementsCollection = "platform_settlements"
	}

	return &Storage{
		client:                  client,
		configCollection:        config.ConfigCollection,
		whitelistCollection:     config.WhitelistCollection,
		tiersCollection:         config.TiersCollection,
		subscriptionsCollection: config.SubscriptionsCollection,
		settlementsCollection:   config.SettlementsCollection,
	}, nil
}

// GetPlatformConfig implements subplatform.Storage
func (s *Storage) GetPlatformConfig(ctx context.Context) (*subplatform.PlatformConfig, error) {
	snap, err := s.configDoc().Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subplatform.ErrNotInitialized
		}
		return nil, fmt.Errorf("failed to get platform config: %w", err)
	}
	if !snap.Exists() {
		return nil, subplatform.ErrNotInitialized
	}

	data := snap.Data()
	return &subplatform.PlatformConfig{
		Owner:          getString(data, "owner"),
		PendingOwner:   getString(data, "pendingOwner"),
		Treasury:       getString(data, "treasury"),
		PlatformFeeBPS: getInt64(data, "platformFeeBps"),
		GracePeriod:    time.Duration(getInt64(data, "gracePeriodMs")) * time.Millisecond,
		DefaultToken:   getString(data, "defaultToken"),
		UpdatedAt:      getTime(data, "updatedAt"),
	}, nil
}

// SetPlatformConfig implements subplatform.Storage
func (s *Storage) SetPlatformConfig(ctx context.Context, cfg *subplatform.PlatformConfig) error {
	if cfg == nil || cfg.Owner == "" {
		return fmt.Errorf("invalid platform config")
	}

	_, err := s.configDoc().Set(ctx, map[string]interface{}{
		"owner":          cfg.Owner,
		"pendingOwner":   cfg.PendingOwner,
		"treasury":       cfg.Treasury,
		"platformFeeBps": cfg.PlatformFeeBPS,
		"gracePeriodMs":  cfg.GracePeriod.Milliseconds(),
		"defaultToken":   cfg.DefaultToken,
		"updatedAt":      time.Now().UTC(),
	})
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

	doc := s.client.Collection(s.whitelistCollection).Doc(token)
	var err error
	if whitelisted {
		_, err = doc.Set(ctx, map[string]interface{}{
			"token":   token,
			"addedAt": time.Now().UTC(),
		})
	} else {
		_, err = doc.Delete(ctx)
	}
	if err != nil {
		return fmt.Errorf("failed to update whitelist: %w", err)
	}
	return nil
}

// IsTokenWhitelisted implements subplatform.Storage
func (s *Storage) IsTokenWhitelisted(ctx context.Context, token string) (bool, error) {
	snap, err := s.client.Collection(s.whitelistCollection).Doc(token).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("failed to check whitelist: %w", err)
	}
	return snap.Exists(), nil
}

// CreateTier implements subplatform.Storage
// The per-creator ID sequence lives on the creator's catalog document and is
// incremented in the same transaction that writes the tier.
func (s *Storage) CreateTier(ctx context.Context, tier *subplatform.Tier) (uint64, error) {
	if tier == nil || tier.Creator == "" {
		return 0, fmt.Errorf("invalid tier")
	}

	catalogDoc := s.client.Collection(s.tiersCollection).Doc(tier.Creator)
	var assigned uint64

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(catalogDoc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		var nextID int64
		if snap.Exists() {
			nextID = getInt64(snap.Data(), "nextTierId")
		}
		assigned = uint64(nextID)

		if err := tx.Set(catalogDoc, map[string]interface{}{
			"creator":    tier.Creator,
			"nextTierId": nextID + 1,
		}); err != nil {
			return err
		}

		createdAt := tier.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}

		return tx.Create(s.tierDoc(tier.Creator, assigned), map[string]interface{}{
			"creator":   tier.Creator,
			"tierId":    nextID,
			"price":     tier.Price,
			"periodMs":  tier.Period.Milliseconds(),
			"active":    tier.Active,
			"createdAt": createdAt,
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create tier: %w", err)
	}
	return assigned, nil
}

// GetTier implements subplatform.Storage
func (s *Storage) GetTier(ctx context.Context, creator string, tierID uint64) (*subplatform.Tier, error) {
	snap, err := s.tierDoc(creator, tierID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subplatform.ErrTierNotFound
		}
		return nil, fmt.Errorf("failed to get tier: %w", err)
	}
	if !snap.Exists() {
		return nil, subplatform.ErrTierNotFound
	}
	return tierFromData(creator, snap.Data()), nil
}

// SetTierActive implements subplatform.Storage
func (s *Storage) SetTierActive(ctx context.Context, creator string, tierID uint64, active bool) error {
	doc := s.tierDoc(creator, tierID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return subplatform.ErrTierNotFound
			}
			return err
		}
		if !snap.Exists() {
			return subplatform.ErrTierNotFound
		}

		return tx.Set(doc, map[string]interface{}{
			"active": active,
		}, firestore.MergeAll)
	})
	if err != nil {
		if err == subplatform.ErrTierNotFound {
			return err
		}
		return fmt.Errorf("failed to update tier: %w", err)
	}
	return nil
}

// ListTiers implements subplatform.Storage
func (s *Storage) ListTiers(ctx context.Context, creator string) ([]*subplatform.Tier, error) {
	snaps, err := s.client.Collection(s.tiersCollection).
		Doc(creator).
		Collection("items").
		OrderBy("tierId", firestore.Asc).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list tiers: %w", err)
	}

	tiers := make([]*subplatform.Tier, 0, len(snaps))
	for _, snap := range snaps {
		tiers = append(tiers, tierFromData(creator, snap.Data()))
	}
	return tiers, nil
}

// GetSubscription implements subplatform.Storage
func (s *Storage) GetSubscription(ctx context.Context, subscriber, creator string) (*subplatform.Subscription, error) {
	snap, err := s.subscriptionDoc(subscriber, creator).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subplatform.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, subplatform.ErrSubscriptionNotFound
	}
	return subscriptionFromData(subscriber, creator, snap.Data()), nil
}

// ApplyRenewal implements subplatform.Storage with transaction-safe ledger update
func (s *Storage) ApplyRenewal(ctx context.Context, req *subplatform.RenewalRequest) (*subplatform.RenewalResult, error) {
	if req == nil || req.Subscriber == "" || req.Creator == "" {
		return nil, fmt.Errorf("invalid renewal request")
	}

	subDoc := s.subscriptionDoc(req.Subscriber, req.Creator)
	var result *subplatform.RenewalResult

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		// 1. Check idempotency if key provided
		if req.IdempotencyKey != "" {
			settlementDoc := s.client.Collection(s.settlementsCollection).Doc(req.IdempotencyKey)
			snap, err := tx.Get(settlementDoc)
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if snap.Exists() {
				return subplatform.ErrIdempotencyKeyExists
			}
		}

		// 2. Read the committed record; the expiry extends from it
		var sub *subplatform.Subscription
		snap, err := tx.Get(subDoc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			sub = subscriptionFromData(req.Subscriber, req.Creator, snap.Data())
		}

		now := req.Now.UTC()
		expiresAt, previous, renewal := subplatform.ExtendExpiry(sub, req.GracePeriod, req.Period, now)

		// 3. Commit the ledger update
		if err := tx.Set(subDoc, map[string]interface{}{
			"subscriber":   req.Subscriber,
			"creator":      req.Creator,
			"tierId":       int64(req.TierID),
			"expiresAt":    expiresAt,
			"lastPaidAt":   now,
			"unsubscribed": false,
			"updatedAt":    now,
		}); err != nil {
			return err
		}

		// 4. Write the settlement audit record in the same transaction
		if req.IdempotencyKey != "" && req.Record != nil {
			settlementDoc := s.client.Collection(s.settlementsCollection).Doc(req.IdempotencyKey)
			if err := tx.Create(settlementDoc, map[string]interface{}{
				"settlementId":    req.Record.SettlementID,
				"subscriber":      req.Subscriber,
				"creator":         req.Creator,
				"tierId":          int64(req.TierID),
				"method":          string(req.Record.Method),
				"token":           req.Record.Token,
				"amount":          req.Record.Amount,
				"fee":             req.Record.Fee,
				"creatorProceeds": req.Record.CreatorProceeds,
				"expiresAt":       expiresAt,
				"timestamp":       now,
				"idempotencyKey":  req.IdempotencyKey,
			}); err != nil {
				return err
			}
		}

		result = &subplatform.RenewalResult{
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
		}
		return nil
	})
	if err != nil {
		if err == subplatform.ErrIdempotencyKeyExists {
			return nil, err
		}
		return nil, fmt.Errorf("failed to apply renewal: %w", err)
	}
	return result, nil
}

// CancelSubscription implements subplatform.Storage
func (s *Storage) CancelSubscription(ctx context.Context, subscriber, creator string, now time.Time) (*subplatform.Subscription, error) {
	subDoc := s.subscriptionDoc(subscriber, creator)
	var result *subplatform.Subscription

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(subDoc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return subplatform.ErrSubscriptionNotFound
			}
			return err
		}
		if !snap.Exists() {
			return subplatform.ErrSubscriptionNotFound
		}

		sub := subscriptionFromData(subscriber, creator, snap.Data())
		if !sub.Unsubscribed {
			now = now.UTC()
			if sub.ExpiresAt.After(now) {
				sub.ExpiresAt = now
			}
			sub.Unsubscribed = true
			sub.UpdatedAt = now

			if err := tx.Set(subDoc, map[string]interface{}{
				"expiresAt":    sub.ExpiresAt,
				"unsubscribed": true,
				"updatedAt":    now,
			}, firestore.MergeAll); err != nil {
				return err
			}
		}
		result = sub
		return nil
	})
	if err != nil {
		if err == subplatform.ErrSubscriptionNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("failed to cancel subscription: %w", err)
	}
	return result, nil
}

// GetSettlementRecord implements subplatform.Storage
func (s *Storage) GetSettlementRecord(ctx context.Context, idempotencyKey string) (*subplatform.SettlementRecord, error) {
	if idempotencyKey == "" {
		return nil, nil
	}

	snap, err := s.client.Collection(s.settlementsCollection).Doc(idempotencyKey).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil // Not found is not an error
		}
		return nil, fmt.Errorf("failed to get settlement record: %w", err)
	}

	data := snap.Data()
	return &subplatform.SettlementRecord{
		SettlementID:    getString(data, "settlementId"),
		Subscriber:      getString(data, "subscriber"),
		Creator:         getString(data, "creator"),
		TierID:          uint64(getInt64(data, "tierId")),
		Method:          subplatform.PaymentKind(getString(data, "method")),
		Token:           getString(data, "token"),
		Amount:          getInt64(data, "amount"),
		Fee:             getInt64(data, "fee"),
		CreatorProceeds: getInt64(data, "creatorProceeds"),
		ExpiresAt:       getTime(data, "expiresAt"),
		Timestamp:       getTime(data, "timestamp"),
		IdempotencyKey:  getString(data, "idempotencyKey"),
	}, nil
}

// Close closes the underlying Firestore client
func (s *Storage) Close() error {
	return s.client.Close()
}

func (s *Storage) configDoc() *firestore.DocumentRef {
	return s.client.Collection(s.configCollection).Doc("platform")
}

// tierDoc returns the Firestore document reference for a tier
// Structure: platform_tiers/{creator}/items/{tierID}
func (s *Storage) tierDoc(creator string, tierID uint64) *firestore.DocumentRef {
	return s.client.Collection(s.tiersCollection).
		Doc(creator).
		Collection("items").
		Doc(strconv.FormatUint(tierID, 10))
}

// subscriptionDoc returns the Firestore document reference for a pair's ledger record
// Structure: platform_subscriptions/{subscriber}/creators/{creator}
func (s *Storage) subscriptionDoc(subscriber, creator string) *firestore.DocumentRef {
	return s.client.Collection(s.subscriptionsCollection).
		Doc(subscriber).
		Collection("creators").
		Doc(creator)
}

func tierFromData(creator string, data map[string]interface{}) *subplatform.Tier {
	return &subplatform.Tier{
		Creator:   creator,
		ID:        uint64(getInt64(data, "tierId")),
		Price:     getInt64(data, "price"),
		Period:    time.Duration(getInt64(data, "periodMs")) * time.Millisecond,
		Active:    getBool(data, "active"),
		CreatedAt: getTime(data, "createdAt"),
	}
}

func subscriptionFromData(subscriber, creator string, data map[string]interface{}) *subplatform.Subscription {
	return &subplatform.Subscription{
		Subscriber:   subscriber,
		Creator:      creator,
		TierID:       uint64(getInt64(data, "tierId")),
		ExpiresAt:    getTime(data, "expiresAt"),
		LastPaidAt:   getTime(data, "lastPaidAt"),
		Unsubscribed: getBool(data, "unsubscribed"),
		UpdatedAt:    getTime(data, "updatedAt"),
	}
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(math.Round(v))
	default:
		return 0
	}
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
