package subplatform

import (
	"slices"
	"time"
)

// SubscriptionStatus is the derived lifecycle state of a subscription
type SubscriptionStatus string

const (
	// StatusNone means no ledger record exists for the pair
	StatusNone SubscriptionStatus = "none"
	// StatusActive means now <= expiresAt
	StatusActive SubscriptionStatus = "active"
	// StatusGrace means expiry passed but the grace window is still open;
	// access remains granted and renewal at the original price is accepted
	StatusGrace SubscriptionStatus = "grace"
	// StatusExpired means the grace window elapsed unpaid, or the
	// subscriber explicitly unsubscribed
	StatusExpired SubscriptionStatus = "expired"
)

// StatusAt derives the lifecycle status of a subscription at a given instant.
// Status is never stored; it is always a function of (record, gracePeriod, now),
// so a config change to the grace period applies to existing records too.
func StatusAt(sub *Subscription, gracePeriod time.Duration, now time.Time) SubscriptionStatus {
	if sub == nil {
		return StatusNone
	}
	if sub.Unsubscribed {
		return StatusExpired
	}
	if !now.After(sub.ExpiresAt) {
		return StatusActive
	}
	if !now.After(sub.ExpiresAt.Add(gracePeriod)) {
		return StatusGrace
	}
	return StatusExpired
}

// Transition represents a lifecycle state transition.
type Transition struct {
	From SubscriptionStatus
	To   SubscriptionStatus
}

// validTransitions defines all allowed lifecycle transitions.
var validTransitions = map[Transition]bool{
	{StatusNone, StatusActive}:    true, // First payment
	{StatusActive, StatusActive}:  true, // Renewal extends expiry
	{StatusActive, StatusGrace}:   true, // Expiry passed unpaid
	{StatusActive, StatusExpired}: true, // Explicit unsubscribe
	{StatusGrace, StatusActive}:   true, // Renewal during grace, extends from original expiry
	{StatusGrace, StatusExpired}:  true, // Grace elapsed unpaid, or unsubscribe
	{StatusExpired, StatusActive}: true, // Re-subscribe opens a fresh cycle on the same record
}

// CanTransition checks if a transition from one status to another is valid.
func CanTransition(from, to SubscriptionStatus) bool {
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns all valid target statuses from the given status.
func ValidTransitionsFrom(from SubscriptionStatus) []SubscriptionStatus {
	targets := make([]SubscriptionStatus, 0)
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}

	// Stabilize ordering for deterministic callers/tests.
	slices.Sort(targets)
	return targets
}

// renewalBase returns the instant a renewal extends from. Active and grace
// renewals extend from the original expiry, never from now; expired records
// and fresh subscriptions start a new cycle at now.
func renewalBase(sub *Subscription, status SubscriptionStatus, now time.Time) time.Time {
	if status == StatusActive || status == StatusGrace {
		// In grace the expiry is in the past but remains the contractual base.
		return sub.ExpiresAt
	}
	return now
}
