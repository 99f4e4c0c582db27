package subplatform

import (
	"context"
	"time"
)

// Storage defines the interface for platform persistence.
// All methods use concrete types from this package to avoid import cycles.
//
// Backends must execute each mutating method atomically: a failure anywhere
// inside the method leaves no partial effects behind.
type Storage interface {
	// GetPlatformConfig retrieves the platform configuration snapshot.
	// Returns ErrNotInitialized if the platform was never seeded.
	GetPlatformConfig(ctx context.Context) (*PlatformConfig, error)

	// SetPlatformConfig stores the platform configuration.
	SetPlatformConfig(ctx context.Context, cfg *PlatformConfig) error

	// SetTokenWhitelisted marks a token accepted (or not) for payments.
	// Idempotent in both directions.
	SetTokenWhitelisted(ctx context.Context, token string, whitelisted bool) error

	// IsTokenWhitelisted reports whether a token is accepted for payments.
	IsTokenWhitelisted(ctx context.Context, token string) (bool, error)

	// CreateTier stores a tier and atomically assigns the next sequential
	// ID for its creator. Returns the assigned ID.
	CreateTier(ctx context.Context, tier *Tier) (uint64, error)

	// GetTier retrieves a tier. Returns ErrTierNotFound if absent.
	GetTier(ctx context.Context, creator string, tierID uint64) (*Tier, error)

	// SetTierActive flips a tier's active flag. Returns ErrTierNotFound if absent.
	SetTierActive(ctx context.Context, creator string, tierID uint64, active bool) error

	// ListTiers returns all tiers for a creator ordered by ID.
	ListTiers(ctx context.Context, creator string) ([]*Tier, error)

	// GetSubscription retrieves the ledger record for a pair.
	// Returns ErrSubscriptionNotFound if no record exists.
	GetSubscription(ctx context.Context, subscriber, creator string) (*Subscription, error)

	// ApplyRenewal atomically creates or extends the subscription record for
	// a pair and writes the settlement record in the same transaction.
	// The new expiry is computed inside the transaction from the committed
	// record, so concurrent renewals for one pair cannot both extend from a
	// stale base. Returns ErrIdempotencyKeyExists for a duplicate key.
	ApplyRenewal(ctx context.Context, req *RenewalRequest) (*RenewalResult, error)

	// CancelSubscription marks a subscription unsubscribed with immediate
	// expiry. Idempotent on an already cancelled or expired record.
	// Returns ErrSubscriptionNotFound if no record exists.
	CancelSubscription(ctx context.Context, subscriber, creator string, now time.Time) (*Subscription, error)

	// GetSettlementRecord retrieves a settlement record by idempotency key.
	// Returns nil if no record found (not an error).
	GetSettlementRecord(ctx context.Context, idempotencyKey string) (*SettlementRecord, error)
}

// TimeSource defines an interface for getting time from the storage engine.
// Using storage engine time instead of application server time keeps expiry
// arithmetic consistent across distributed callers and lets tests drive the
// grace-period clock deterministically.
type TimeSource interface {
	// Now returns the current time.
	Now(ctx context.Context) (time.Time, error)
}

// RenewalRequest carries one settlement into storage. The storage backend
// owns the expiry arithmetic: inside its transaction it derives the current
// status from the committed record and extends per extendFrom semantics.
type RenewalRequest struct {
	Subscriber string
	Creator    string
	TierID     uint64

	// Period is the billing period of the paid tier.
	Period time.Duration

	// GracePeriod is the platform grace window at operation entry.
	GracePeriod time.Duration

	// Now is the settlement instant.
	Now time.Time

	IdempotencyKey    string
	IdempotencyKeyTTL time.Duration

	// Record is the settlement audit record; the backend fills ExpiresAt
	// and stores it with the ledger update.
	Record *SettlementRecord
}

// RenewalResult reports the committed ledger effects of a renewal.
type RenewalResult struct {
	// Subscription is the committed record after the update.
	Subscription *Subscription

	// Previous is the status the record had before the update.
	Previous SubscriptionStatus

	// Renewal is true when an in-flight cycle (active or grace) was
	// extended rather than a fresh cycle opened.
	Renewal bool
}

// ExtendExpiry computes the post-renewal expiry for a committed record.
// Storage backends call this inside their transactions so every backend
// shares one expiry rule: active and grace cycles extend from the original
// expiry, everything else starts a fresh cycle at now.
func ExtendExpiry(sub *Subscription, gracePeriod, period time.Duration, now time.Time) (expiresAt time.Time, previous SubscriptionStatus, renewal bool) {
	previous = StatusAt(sub, gracePeriod, now)
	base := renewalBase(sub, previous, now)
	renewal = previous == StatusActive || previous == StatusGrace
	return base.Add(period), previous, renewal
}
