package subplatform

import "errors"

var (
	// ErrUnauthorized is returned when the caller lacks the required role
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTierNotFound is returned for an unknown (creator, tierId) pair
	ErrTierNotFound = errors.New("tier not found")

	// ErrTierInactive is returned when subscribing fresh to a deactivated tier
	ErrTierInactive = errors.New("tier inactive")

	// ErrTokenNotWhitelisted is returned for token payments in a non-whitelisted asset
	ErrTokenNotWhitelisted = errors.New("token not whitelisted")

	// ErrInsufficientPayment is returned when the offered value is below the tier price
	ErrInsufficientPayment = errors.New("insufficient payment")

	// ErrExcessPayment is returned when native value exceeds the tier price
	ErrExcessPayment = errors.New("excess payment")

	// ErrFeeTooHigh is returned when a fee update exceeds the platform cap
	ErrFeeTooHigh = errors.New("fee too high")

	// ErrSubscriptionNotFound is returned when no ledger record exists for the pair
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrInvalidPrice is returned for non-positive tier prices
	ErrInvalidPrice = errors.New("invalid price")

	// ErrInvalidPeriod is returned for non-positive billing periods
	ErrInvalidPeriod = errors.New("invalid period")

	// ErrNotInitialized is returned when the platform config has not been seeded
	ErrNotInitialized = errors.New("platform not initialized")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrIdempotencyKeyExists is returned when a settlement key was already processed
	ErrIdempotencyKeyExists = errors.New("idempotency key already processed")

	// ErrSettlementConflict is returned when the ledger changed underneath a
	// settlement, e.g. via reentrancy from an external transfer
	ErrSettlementConflict = errors.New("settlement conflict")

	// ErrTransferFailed wraps failures of the external asset transfer capability
	ErrTransferFailed = errors.New("asset transfer failed")
)
