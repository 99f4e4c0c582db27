package subplatform

import (
	"time"
)

// PaymentKind identifies the asset class used to settle a payment
type PaymentKind string

const (
	// PaymentNative represents payment in the platform's native asset
	PaymentNative PaymentKind = "native"
	// PaymentToken represents payment in a whitelisted fungible token
	PaymentToken PaymentKind = "token"
)

// PaymentMethod is the tagged variant resolved once at operation entry.
// Both payment paths funnel into the same settlement routine, so an equal
// economic value produces identical ledger effects regardless of Kind.
type PaymentMethod struct {
	Kind PaymentKind

	// Token is the token address for PaymentToken; empty for PaymentNative.
	Token string
}

// NativePayment returns the payment method for the native asset
func NativePayment() PaymentMethod {
	return PaymentMethod{Kind: PaymentNative}
}

// TokenPayment returns the payment method for a fungible token
func TokenPayment(token string) PaymentMethod {
	return PaymentMethod{Kind: PaymentToken, Token: token}
}

// Tier is a creator-defined subscription offering
type Tier struct {
	Creator string
	ID      uint64

	// Price in the smallest unit of the settlement asset. Always > 0.
	Price int64

	// Period is the billing period. Always > 0.
	Period time.Duration

	Active    bool
	CreatedAt time.Time
}

// Subscription is the per-(subscriber, creator) ledger record.
// Records are reused across billing cycles: a re-subscribe after expiry
// reopens the same record rather than creating a new entity.
type Subscription struct {
	Subscriber string
	Creator    string
	TierID     uint64
	ExpiresAt  time.Time
	LastPaidAt time.Time

	// Unsubscribed marks an explicit unsubscribe; cleared on re-subscribe.
	Unsubscribed bool

	UpdatedAt time.Time
}

// PlatformConfig holds platform-wide settings. Mutated only by the owner,
// read by the payment processor on every payment as a single snapshot.
type PlatformConfig struct {
	Owner string

	// PendingOwner is set by TransferOwnership and cleared by AcceptOwnership.
	PendingOwner string

	// Treasury receives the platform fee. Defaults to Owner.
	Treasury string

	// PlatformFeeBPS is the fee rate in basis points (500 = 5%).
	PlatformFeeBPS int64

	// GracePeriod is the window after expiry during which renewal at the
	// original price is still accepted and access remains granted.
	GracePeriod time.Duration

	// DefaultToken is whitelisted during Initialize.
	DefaultToken string

	UpdatedAt time.Time
}

// Receipt describes the settlement effects of a subscribe operation
type Receipt struct {
	Subscriber string
	Creator    string
	TierID     uint64
	Method     PaymentMethod

	// Amount is the settled value; Fee + CreatorProceeds == Amount exactly.
	Amount          int64
	Fee             int64
	CreatorProceeds int64

	ExpiresAt time.Time
	Status    SubscriptionStatus

	// Renewal is true when an in-flight cycle was extended rather than a
	// fresh cycle opened.
	Renewal bool

	// Estimated is true for estimate-only calls; no state was committed
	// and no assets moved.
	Estimated bool
}

// Config holds engine configuration
type Config struct {
	// Platform seeds the stored PlatformConfig on Initialize.
	Platform PlatformConfig

	// Transfer moves assets in and out of the platform (default: NoopTransfer)
	Transfer AssetTransfer

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking payment operations (default: NoopMetrics)
	Metrics Metrics

	// TimeSource supplies the engine clock (default: system time, UTC)
	TimeSource TimeSource

	// IdempotencyKeyTTL is the TTL for settlement idempotency keys (default: 24 hours)
	IdempotencyKeyTTL time.Duration
}

// SubscribeOption represents an option for the subscribe operations
type SubscribeOption func(*SubscribeOptions)

// SubscribeOptions holds options for the subscribe operations
type SubscribeOptions struct {
	EstimateOnly   bool
	IdempotencyKey string
}

// WithEstimateOnly validates the payment and computes the full receipt
// without committing ledger state or moving assets. Deterministic for
// identical inputs, which is what cost-survey tooling relies on.
func WithEstimateOnly() SubscribeOption {
	return func(opts *SubscribeOptions) {
		opts.EstimateOnly = true
	}
}

// WithIdempotencyKey makes a payment idempotent: a retried call with the
// same key returns the recorded receipt without settling again.
func WithIdempotencyKey(key string) SubscribeOption {
	return func(opts *SubscribeOptions) {
		opts.IdempotencyKey = key
	}
}

// SettlementRecord is the audit record written for each committed payment
type SettlementRecord struct {
	SettlementID    string
	Subscriber      string
	Creator         string
	TierID          uint64
	Method          PaymentKind
	Token           string
	Amount          int64
	Fee             int64
	CreatorProceeds int64
	ExpiresAt       time.Time
	Timestamp       time.Time
	IdempotencyKey  string
}
