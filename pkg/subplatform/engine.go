package subplatform

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultGracePeriod is the grace window seeded when none is configured.
const DefaultGracePeriod = 3 * 24 * time.Hour

// Engine is the subscription billing engine. It manages the token registry,
// tier catalog, subscription ledger and platform configuration on top of a
// Storage backend, and settles payments through an AssetTransfer.
//
// Caller identity is passed explicitly to every mutating operation; the
// engine has no ambient notion of a caller.
type Engine struct {
	storage Storage
	config  Config

	// pairLocks serializes settlement per (subscriber, creator) pair.
	// This is the in-progress guard: a reentrant or concurrent settlement
	// for the same pair waits instead of extending from a stale base.
	pairLocks sync.Map
}

// New creates a new engine with the given storage and configuration.
// Call Initialize before serving payments.
func New(storage Storage, config Config) (*Engine, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}

	// Set defaults
	if config.Transfer == nil {
		config.Transfer = NoopTransfer{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.TimeSource == nil {
		config.TimeSource = SystemTimeSource()
	}
	if config.IdempotencyKeyTTL == 0 {
		config.IdempotencyKeyTTL = 24 * time.Hour
	}

	return &Engine{
		storage: storage,
		config:  config,
	}, nil
}

// Initialize seeds the platform configuration and whitelists the default
// token. Idempotent: an already-initialized platform is left untouched.
func (e *Engine) Initialize(ctx context.Context) error {
	_, err := e.storage.GetPlatformConfig(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotInitialized) {
		return err
	}

	now, err := e.now(ctx)
	if err != nil {
		return err
	}

	seed := e.config.Platform
	if seed.Owner == "" {
		return fmt.Errorf("platform owner is required: %w", ErrUnauthorized)
	}
	if seed.Treasury == "" {
		seed.Treasury = seed.Owner
	}
	if seed.PlatformFeeBPS == 0 {
		seed.PlatformFeeBPS = DefaultPlatformFeeBPS
	}
	if seed.PlatformFeeBPS > MaxPlatformFeeBPS {
		return ErrFeeTooHigh
	}
	if seed.GracePeriod == 0 {
		seed.GracePeriod = DefaultGracePeriod
	}
	seed.UpdatedAt = now

	if err := e.storage.SetPlatformConfig(ctx, &seed); err != nil {
		return err
	}

	if seed.DefaultToken != "" {
		if err := e.storage.SetTokenWhitelisted(ctx, seed.DefaultToken, true); err != nil {
			return err
		}
	}

	e.config.Logger.Info("platform initialized",
		Field{"owner", seed.Owner},
		Field{"platform_fee_bps", seed.PlatformFeeBPS},
		Field{"grace_period", seed.GracePeriod},
		Field{"default_token", seed.DefaultToken})
	return nil
}

// --- Token Registry ---

// AddWhitelistedToken marks a token accepted for subscription payments.
// Owner-only; idempotent.
func (e *Engine) AddWhitelistedToken(ctx context.Context, caller, token string) error {
	return e.setWhitelisted(ctx, caller, token, true)
}

// RemoveWhitelistedToken withdraws a token from the whitelist. Owner-only.
// Settlements already committed are unaffected.
func (e *Engine) RemoveWhitelistedToken(ctx context.Context, caller, token string) error {
	return e.setWhitelisted(ctx, caller, token, false)
}

func (e *Engine) setWhitelisted(ctx context.Context, caller, token string, whitelisted bool) error {
	cfg, err := e.platformConfig(ctx)
	if err != nil {
		return err
	}
	if caller != cfg.Owner {
		e.config.Metrics.RecordAdminChange("whitelist", false)
		return ErrUnauthorized
	}

	if err := e.storage.SetTokenWhitelisted(ctx, token, whitelisted); err != nil {
		e.config.Metrics.RecordAdminChange("whitelist", false)
		return err
	}

	e.config.Metrics.RecordAdminChange("whitelist", true)
	e.config.Logger.Info("token whitelist updated",
		Field{"token", token},
		Field{"whitelisted", whitelisted})
	return nil
}

// IsWhitelisted reports whether a token is accepted for payments.
// The native asset is always accepted and never appears in the registry.
func (e *Engine) IsWhitelisted(ctx context.Context, token string) (bool, error) {
	return e.storage.IsTokenWhitelisted(ctx, token)
}

// --- Tier Catalog ---

// CreateTier creates a subscription tier for a creator. The caller must be
// the creator. Returns the assigned sequential tier ID.
func (e *Engine) CreateTier(ctx context.Context, caller, creator string, price int64, period time.Duration) (uint64, error) {
	if caller != creator {
		return 0, ErrUnauthorized
	}
	if price <= 0 {
		return 0, ErrInvalidPrice
	}
	if period <= 0 {
		return 0, ErrInvalidPeriod
	}

	now, err := e.now(ctx)
	if err != nil {
		return 0, err
	}

	id, err := e.storage.CreateTier(ctx, &Tier{
		Creator:   creator,
		Price:     price,
		Period:    period,
		Active:    true,
		CreatedAt: now,
	})
	if err != nil {
		return 0, err
	}

	e.config.Logger.Info("tier created",
		Field{"creator", creator},
		Field{"tier_id", id},
		Field{"price", price},
		Field{"period", period})
	return id, nil
}

// DeactivateTier deactivates a tier. The caller must be the creator.
// Existing subscriptions keep renewing at the last-agreed price until they
// expire; only fresh subscriptions are refused.
func (e *Engine) DeactivateTier(ctx context.Context, caller, creator string, tierID uint64) error {
	if caller != creator {
		return ErrUnauthorized
	}
	if err := e.storage.SetTierActive(ctx, creator, tierID, false); err != nil {
		return err
	}
	e.config.Logger.Info("tier deactivated",
		Field{"creator", creator},
		Field{"tier_id", tierID})
	return nil
}

// GetTier retrieves a tier. Returns ErrTierNotFound if absent.
func (e *Engine) GetTier(ctx context.Context, creator string, tierID uint64) (*Tier, error) {
	return e.storage.GetTier(ctx, creator, tierID)
}

// ListTiers returns all tiers for a creator ordered by ID.
func (e *Engine) ListTiers(ctx context.Context, creator string) ([]*Tier, error) {
	return e.storage.ListTiers(ctx, creator)
}

// --- Payment Processor ---

// Subscribe settles a native-asset payment for a tier and creates or renews
// the subscription. The attached value must equal the tier price exactly:
// a short payment fails with ErrInsufficientPayment and an over-payment is
// rejected with ErrExcessPayment rather than refunded or forfeited.
func (e *Engine) Subscribe(ctx context.Context, subscriber, creator string, tierID uint64, value int64, opts ...SubscribeOption) (*Receipt, error) {
	return e.settle(ctx, subscriber, creator, tierID, NativePayment(), value, opts)
}

// SubscribeWithToken settles a payment in a whitelisted token pulled from
// the subscriber via the transfer capability. Any amount at or above the
// tier price is accepted and fee-split in full; ledger effects depend only
// on the tier, so equal economic value produces the same expiry and status
// as the native path.
func (e *Engine) SubscribeWithToken(ctx context.Context, subscriber, creator string, tierID uint64, token string, amount int64, opts ...SubscribeOption) (*Receipt, error) {
	whitelisted, err := e.storage.IsTokenWhitelisted(ctx, token)
	if err != nil {
		return nil, err
	}
	if !whitelisted {
		return nil, ErrTokenNotWhitelisted
	}
	return e.settle(ctx, subscriber, creator, tierID, TokenPayment(token), amount, opts)
}

// settle is the shared settlement routine both payment paths funnel into.
func (e *Engine) settle(ctx context.Context, subscriber, creator string, tierID uint64, method PaymentMethod, amount int64, opts []SubscribeOption) (*Receipt, error) {
	options := &SubscribeOptions{}
	for _, opt := range opts {
		opt(options)
	}

	now, err := e.now(ctx)
	if err != nil {
		return nil, err
	}

	// Single consistent config snapshot for the whole operation.
	cfg, err := e.platformConfig(ctx)
	if err != nil {
		return nil, err
	}

	tier, err := e.storage.GetTier(ctx, creator, tierID)
	if err != nil {
		return nil, err
	}

	sub, err := e.storage.GetSubscription(ctx, subscriber, creator)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}
	status := StatusAt(sub, cfg.GracePeriod, now)

	// A deactivated tier still honors renewals of its in-flight cycles.
	renewing := (status == StatusActive || status == StatusGrace) && sub.TierID == tierID
	if !tier.Active && !renewing {
		return nil, ErrTierInactive
	}

	if amount < tier.Price {
		e.config.Metrics.RecordPayment(creator, tierID, method.Kind, amount, false)
		return nil, ErrInsufficientPayment
	}
	if method.Kind == PaymentNative && amount > tier.Price {
		e.config.Metrics.RecordPayment(creator, tierID, method.Kind, amount, false)
		return nil, ErrExcessPayment
	}

	fee, proceeds := splitFee(amount, cfg.PlatformFeeBPS)

	if options.EstimateOnly {
		expiresAt, _, renewal := ExtendExpiry(sub, cfg.GracePeriod, tier.Period, now)
		return &Receipt{
			Subscriber:      subscriber,
			Creator:         creator,
			TierID:          tierID,
			Method:          method,
			Amount:          amount,
			Fee:             fee,
			CreatorProceeds: proceeds,
			ExpiresAt:       expiresAt,
			Status:          StatusActive,
			Renewal:         renewal,
			Estimated:       true,
		}, nil
	}

	if options.IdempotencyKey != "" {
		record, err := e.storage.GetSettlementRecord(ctx, options.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if record != nil {
			return receiptFromRecord(record), nil
		}
	}

	unlock := e.lockPair(subscriber, creator)
	defer unlock()

	// Pull funds, commit the ledger, then pay out. The ledger commit
	// happens before any outbound external call (checks-effects-interactions).
	if err := e.config.Transfer.TransferIn(ctx, subscriber, method.Token, amount); err != nil {
		e.config.Metrics.RecordPayment(creator, tierID, method.Kind, amount, false)
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	record := &SettlementRecord{
		SettlementID:    settlementID(subscriber, creator, tierID, now),
		Subscriber:      subscriber,
		Creator:         creator,
		TierID:          tierID,
		Method:          method.Kind,
		Token:           method.Token,
		Amount:          amount,
		Fee:             fee,
		CreatorProceeds: proceeds,
		Timestamp:       now,
		IdempotencyKey:  options.IdempotencyKey,
	}

	start := time.Now()
	result, err := e.storage.ApplyRenewal(ctx, &RenewalRequest{
		Subscriber:        subscriber,
		Creator:           creator,
		TierID:            tierID,
		Period:            tier.Period,
		GracePeriod:       cfg.GracePeriod,
		Now:               now,
		IdempotencyKey:    options.IdempotencyKey,
		IdempotencyKeyTTL: e.config.IdempotencyKeyTTL,
		Record:            record,
	})
	e.config.Metrics.RecordStorageOperation("apply_renewal", time.Since(start), err)
	if err != nil {
		if errors.Is(err, ErrIdempotencyKeyExists) {
			// A concurrent retry won the race. Return the pulled funds and
			// surface the recorded settlement.
			if rerr := e.config.Transfer.TransferOut(ctx, subscriber, method.Token, amount); rerr != nil {
				e.config.Logger.Error("refund of duplicate settlement failed",
					Field{"subscriber", subscriber},
					Field{"error", rerr})
			}
			record, gerr := e.storage.GetSettlementRecord(ctx, options.IdempotencyKey)
			if gerr == nil && record != nil {
				return receiptFromRecord(record), nil
			}
			return nil, err
		}

		// The ledger rejected the settlement after funds were pulled;
		// return them so the failed operation leaves no net effect.
		if rerr := e.config.Transfer.TransferOut(ctx, subscriber, method.Token, amount); rerr != nil {
			e.config.Logger.Error("refund after failed settlement failed",
				Field{"subscriber", subscriber},
				Field{"error", rerr})
		}
		e.config.Metrics.RecordPayment(creator, tierID, method.Kind, amount, false)
		return nil, err
	}

	// Ledger committed; route the split.
	if err := e.config.Transfer.TransferOut(ctx, cfg.Treasury, method.Token, fee); err != nil {
		e.config.Logger.Error("fee transfer failed",
			Field{"treasury", cfg.Treasury},
			Field{"fee", fee},
			Field{"error", err})
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.config.Transfer.TransferOut(ctx, creator, method.Token, proceeds); err != nil {
		e.config.Logger.Error("creator payout failed",
			Field{"creator", creator},
			Field{"proceeds", proceeds},
			Field{"error", err})
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	// Re-validate after the external calls: any reentrant mutation of this
	// pair's record is treated as a hostile concurrent write.
	committed, err := e.storage.GetSubscription(ctx, subscriber, creator)
	if err != nil {
		return nil, err
	}
	if !committed.ExpiresAt.Equal(result.Subscription.ExpiresAt) {
		e.config.Logger.Error("ledger mutated during settlement",
			Field{"subscriber", subscriber},
			Field{"creator", creator})
		return nil, ErrSettlementConflict
	}

	e.config.Metrics.RecordPayment(creator, tierID, method.Kind, amount, true)
	e.config.Logger.Info("subscription settled",
		Field{"subscriber", subscriber},
		Field{"creator", creator},
		Field{"tier_id", tierID},
		Field{"method", method.Kind},
		Field{"amount", amount},
		Field{"fee", fee},
		Field{"expires_at", result.Subscription.ExpiresAt},
		Field{"renewal", result.Renewal})

	return &Receipt{
		Subscriber:      subscriber,
		Creator:         creator,
		TierID:          tierID,
		Method:          method,
		Amount:          amount,
		Fee:             fee,
		CreatorProceeds: proceeds,
		ExpiresAt:       result.Subscription.ExpiresAt,
		Status:          StatusActive,
		Renewal:         result.Renewal,
	}, nil
}

// Unsubscribe immediately expires the caller's subscription. No refund is
// issued for the unused remainder of the cycle. Idempotent on an already
// expired or cancelled subscription.
func (e *Engine) Unsubscribe(ctx context.Context, subscriber, creator string, tierID uint64) error {
	sub, err := e.storage.GetSubscription(ctx, subscriber, creator)
	if err != nil {
		return err
	}
	if sub.TierID != tierID {
		return ErrSubscriptionNotFound
	}

	now, err := e.now(ctx)
	if err != nil {
		return err
	}

	unlock := e.lockPair(subscriber, creator)
	defer unlock()

	if _, err := e.storage.CancelSubscription(ctx, subscriber, creator, now); err != nil {
		return err
	}

	e.config.Logger.Info("unsubscribed",
		Field{"subscriber", subscriber},
		Field{"creator", creator},
		Field{"tier_id", tierID})
	return nil
}

// IsActive reports whether a subscriber currently has access to a creator:
// true while the subscription is active or within the grace window.
func (e *Engine) IsActive(ctx context.Context, subscriber, creator string) (bool, error) {
	status, err := e.Status(ctx, subscriber, creator)
	if err != nil {
		return false, err
	}
	return status == StatusActive || status == StatusGrace, nil
}

// Status returns the derived lifecycle status for a pair. A pair with no
// ledger record is StatusNone, not an error.
func (e *Engine) Status(ctx context.Context, subscriber, creator string) (SubscriptionStatus, error) {
	start := time.Now()
	defer func() {
		e.config.Metrics.RecordStatusCheck(creator, time.Since(start))
	}()

	cfg, err := e.platformConfig(ctx)
	if err != nil {
		return StatusNone, err
	}

	sub, err := e.storage.GetSubscription(ctx, subscriber, creator)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return StatusNone, nil
		}
		return StatusNone, err
	}

	now, err := e.now(ctx)
	if err != nil {
		return StatusNone, err
	}
	return StatusAt(sub, cfg.GracePeriod, now), nil
}

// GetSubscription retrieves the ledger record for a pair.
func (e *Engine) GetSubscription(ctx context.Context, subscriber, creator string) (*Subscription, error) {
	return e.storage.GetSubscription(ctx, subscriber, creator)
}

// --- Fee & Admin Config ---

// SetPlatformFee updates the platform fee rate. Owner-only; capped at
// MaxPlatformFeeBPS.
func (e *Engine) SetPlatformFee(ctx context.Context, caller string, bps int64) error {
	return e.updateConfig(ctx, caller, "platform_fee", func(cfg *PlatformConfig) error {
		if bps < 0 || bps > MaxPlatformFeeBPS {
			return ErrFeeTooHigh
		}
		cfg.PlatformFeeBPS = bps
		return nil
	})
}

// SetGracePeriod updates the grace window. Owner-only; must be >= 0.
func (e *Engine) SetGracePeriod(ctx context.Context, caller string, d time.Duration) error {
	return e.updateConfig(ctx, caller, "grace_period", func(cfg *PlatformConfig) error {
		if d < 0 {
			return ErrInvalidPeriod
		}
		cfg.GracePeriod = d
		return nil
	})
}

// TransferOwnership proposes a new owner. The transfer only takes effect
// once the proposed owner calls AcceptOwnership.
func (e *Engine) TransferOwnership(ctx context.Context, caller, newOwner string) error {
	return e.updateConfig(ctx, caller, "ownership", func(cfg *PlatformConfig) error {
		cfg.PendingOwner = newOwner
		return nil
	})
}

// AcceptOwnership completes a two-step ownership transfer. The caller must
// be the pending owner.
func (e *Engine) AcceptOwnership(ctx context.Context, caller string) error {
	cfg, err := e.platformConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.PendingOwner == "" || caller != cfg.PendingOwner {
		e.config.Metrics.RecordAdminChange("ownership", false)
		return ErrUnauthorized
	}

	now, err := e.now(ctx)
	if err != nil {
		return err
	}

	cfg.Owner = caller
	cfg.PendingOwner = ""
	cfg.UpdatedAt = now
	if err := e.storage.SetPlatformConfig(ctx, cfg); err != nil {
		e.config.Metrics.RecordAdminChange("ownership", false)
		return err
	}

	e.config.Metrics.RecordAdminChange("ownership", true)
	e.config.Logger.Info("ownership transferred", Field{"owner", caller})
	return nil
}

// PlatformFee returns the current fee rate in basis points.
func (e *Engine) PlatformFee(ctx context.Context) (int64, error) {
	cfg, err := e.platformConfig(ctx)
	if err != nil {
		return 0, err
	}
	return cfg.PlatformFeeBPS, nil
}

// GracePeriod returns the current grace window.
func (e *Engine) GracePeriod(ctx context.Context) (time.Duration, error) {
	cfg, err := e.platformConfig(ctx)
	if err != nil {
		return 0, err
	}
	return cfg.GracePeriod, nil
}

// Owner returns the current platform owner.
func (e *Engine) Owner(ctx context.Context) (string, error) {
	cfg, err := e.platformConfig(ctx)
	if err != nil {
		return "", err
	}
	return cfg.Owner, nil
}

// --- internals ---

func (e *Engine) now(ctx context.Context) (time.Time, error) {
	return e.config.TimeSource.Now(ctx)
}

func (e *Engine) platformConfig(ctx context.Context) (*PlatformConfig, error) {
	return e.storage.GetPlatformConfig(ctx)
}

// updateConfig applies an owner-only mutation under a single authorization
// check and stores the result.
func (e *Engine) updateConfig(ctx context.Context, caller, setting string, mutate func(*PlatformConfig) error) error {
	cfg, err := e.platformConfig(ctx)
	if err != nil {
		return err
	}
	if caller != cfg.Owner {
		e.config.Metrics.RecordAdminChange(setting, false)
		return ErrUnauthorized
	}

	if err := mutate(cfg); err != nil {
		e.config.Metrics.RecordAdminChange(setting, false)
		return err
	}

	now, err := e.now(ctx)
	if err != nil {
		return err
	}
	cfg.UpdatedAt = now

	if err := e.storage.SetPlatformConfig(ctx, cfg); err != nil {
		e.config.Metrics.RecordAdminChange(setting, false)
		return err
	}

	e.config.Metrics.RecordAdminChange(setting, true)
	e.config.Logger.Info("platform config updated", Field{"setting", setting})
	return nil
}

func (e *Engine) lockPair(subscriber, creator string) func() {
	key := subscriber + "\x00" + creator
	mu, _ := e.pairLocks.LoadOrStore(key, &sync.Mutex{})
	lock := mu.(*sync.Mutex)
	lock.Lock()
	return lock.Unlock
}

func settlementID(subscriber, creator string, tierID uint64, now time.Time) string {
	return fmt.Sprintf("%s:%s:%d:%d", subscriber, creator, tierID, now.UnixNano())
}

func receiptFromRecord(record *SettlementRecord) *Receipt {
	return &Receipt{
		Subscriber:      record.Subscriber,
		Creator:         record.Creator,
		TierID:          record.TierID,
		Method:          PaymentMethod{Kind: record.Method, Token: record.Token},
		Amount:          record.Amount,
		Fee:             record.Fee,
		CreatorProceeds: record.CreatorProceeds,
		ExpiresAt:       record.ExpiresAt,
		Status:          StatusActive,
		Renewal:         false,
	}
}
